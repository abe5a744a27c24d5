package signature

import (
	"crypto/subtle"
	"fmt"
)

// KeyBlockInfo is the validated view of a key block.
type KeyBlockInfo struct {
	// Flags are the policy flag bits (KeyBlockFlag*).
	Flags uint32
	// DataKey verifies the preamble and body that follow the block.
	DataKey *PublicKey
	// KeyVersion is the data key's anti-rollback version.
	KeyVersion uint32
	// Size is the block's total size; the preamble starts right after.
	Size uint32
}

// PreambleInfo is the validated view of a kernel preamble.
type PreambleInfo struct {
	KernelVersion     uint32
	BodyLoadAddress   uint64
	BootloaderAddress uint64
	BootloaderSize    uint32
	// BodySig describes the signature over the kernel body; its DataSize
	// is the signed body length.
	BodySig     *SignatureInfo
	BodySigData []byte
	// Size is the preamble's total size; the body starts right after key
	// block plus preamble, which must end on a sector boundary.
	Size uint32
}

func (kb *KeyBlock) validate(buf []byte) error {
	if len(buf) < keyBlockFixedSize {
		return ErrCommonMemberSize
	}
	if err := checkHeader(&kb.StructHeader, MagicKeyBlock, keyBlockFixedSize, buf); err != nil {
		return err
	}
	if kb.SignedSize < kb.FixedSize || kb.SignedSize > kb.TotalSize {
		return ErrCommonMemberSize
	}
	for _, m := range []struct{ off, size uint32 }{
		{kb.DataKeyOffset, kb.DataKeySize},
		{kb.SigOffset, kb.SigSize},
		{kb.HashOffset, kb.HashSize},
	} {
		if err := checkMember(kb.TotalSize, m.off, m.size); err != nil {
			return err
		}
	}
	// The data key must be covered by the signed region, so that a valid
	// signature binds the key.
	if uint64(kb.DataKeyOffset)+uint64(kb.DataKeySize) > uint64(kb.SignedSize) {
		return ErrCommonMemberSize
	}
	return nil
}

// VerifyKeyBlock validates a key block's self-description and proves it
// against trusted material. In signature mode the block signature is
// verified under trusted; in hash-only mode the block's SHA-512 is checked
// instead, which establishes integrity but not provenance.
func VerifyKeyBlock(buf []byte, trusted *PublicKey, hashOnly bool, c Crypto) (*KeyBlockInfo, error) {
	var kb KeyBlock
	if len(buf) < keyBlockFixedSize {
		return nil, ErrCommonMemberSize
	}
	if err := decodeStruct(buf, &kb); err != nil {
		return nil, err
	}
	if err := kb.validate(buf); err != nil {
		return nil, err
	}

	if hashOnly {
		if kb.HashSize != HashSHA512.DigestBytes() {
			return nil, ErrCommonMemberSize
		}
		digest, err := c.Hash(HashSHA512, buf[:kb.SignedSize])
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(digest, buf[kb.HashOffset:kb.HashOffset+kb.HashSize]) != 1 {
			return nil, ErrHashMismatch
		}
	} else {
		si, sig, err := UnpackSignature(buf[kb.SigOffset : kb.SigOffset+kb.SigSize])
		if err != nil {
			return nil, err
		}
		if si.DataSize != kb.SignedSize {
			return nil, ErrSigTotalSize
		}
		digest, err := c.Hash(trusted.HashAlg, buf[:kb.SignedSize])
		if err != nil {
			return nil, err
		}
		if err := c.VerifyDigest(trusted, sig, digest); err != nil {
			return nil, fmt.Errorf("key block: %w", err)
		}
	}

	dataKey, err := UnpackKey(buf[kb.DataKeyOffset : kb.DataKeyOffset+kb.DataKeySize])
	if err != nil {
		return nil, err
	}

	return &KeyBlockInfo{
		Flags:      kb.Flags,
		DataKey:    dataKey,
		KeyVersion: dataKey.Version,
		Size:       kb.TotalSize,
	}, nil
}

// VerifyKernelPreamble validates a preamble's self-description and verifies
// its signature under the key block's data key.
func VerifyKernelPreamble(buf []byte, dataKey *PublicKey, c Crypto) (*PreambleInfo, error) {
	var p KernelPreamble
	if len(buf) < preambleFixedSize {
		return nil, ErrCommonMemberSize
	}
	if err := decodeStruct(buf, &p); err != nil {
		return nil, err
	}
	if err := checkHeader(&p.StructHeader, MagicPreamble, preambleFixedSize, buf); err != nil {
		return nil, err
	}
	if p.SignedSize < p.FixedSize || p.SignedSize > p.TotalSize {
		return nil, ErrCommonMemberSize
	}
	for _, m := range []struct{ off, size uint32 }{
		{p.BodySigOffset, p.BodySigSize},
		{p.SigOffset, p.SigSize},
	} {
		if err := checkMember(p.TotalSize, m.off, m.size); err != nil {
			return nil, err
		}
	}
	// The body signature is bound by the preamble signature; the preamble
	// signature itself cannot cover its own bytes.
	if uint64(p.BodySigOffset)+uint64(p.BodySigSize) > uint64(p.SignedSize) {
		return nil, ErrCommonMemberSize
	}
	if p.SigOffset < p.SignedSize {
		return nil, ErrCommonMemberSize
	}

	si, sig, err := UnpackSignature(buf[p.SigOffset : p.SigOffset+p.SigSize])
	if err != nil {
		return nil, err
	}
	if si.DataSize != p.SignedSize {
		return nil, ErrSigTotalSize
	}
	digest, err := c.Hash(dataKey.HashAlg, buf[:p.SignedSize])
	if err != nil {
		return nil, err
	}
	if err := c.VerifyDigest(dataKey, sig, digest); err != nil {
		return nil, fmt.Errorf("preamble: %w", err)
	}

	bodySig, bodySigData, err := UnpackSignature(buf[p.BodySigOffset : p.BodySigOffset+p.BodySigSize])
	if err != nil {
		return nil, err
	}

	return &PreambleInfo{
		KernelVersion:     p.KernelVersion,
		BodyLoadAddress:   p.BodyLoadAddress,
		BootloaderAddress: p.BootloaderAddress,
		BootloaderSize:    p.BootloaderSize,
		BodySig:           bodySig,
		BodySigData:       bodySigData,
		Size:              p.TotalSize,
	}, nil
}

// VerifyBody hashes exactly BodySig.DataSize bytes of body and verifies the
// result against the preamble's body signature under the data key.
func VerifyBody(body []byte, pre *PreambleInfo, dataKey *PublicKey, c Crypto) error {
	if uint64(pre.BodySig.DataSize) > uint64(len(body)) {
		return ErrInsideDataOutside
	}
	digest, err := c.Hash(dataKey.HashAlg, body[:pre.BodySig.DataSize])
	if err != nil {
		return err
	}
	if err := c.VerifyDigest(dataKey, pre.BodySigData, digest); err != nil {
		return fmt.Errorf("body: %w", err)
	}
	return nil
}
