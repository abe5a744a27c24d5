package signature

import "fmt"

// PublicKey is an unpacked public key ready for the crypto collaborator.
// Data is the packed key material: a 4-byte little-endian exponent followed
// by the big-endian modulus.
type PublicKey struct {
	SigAlg  SigAlg
	HashAlg HashAlg
	Version uint32
	Data    []byte
}

// UnpackKey validates a packed key against its own self-description and
// returns the usable form. No field is dereferenced before its bounds are
// proven.
func UnpackKey(buf []byte) (*PublicKey, error) {
	if len(buf) < packedKeyFixedSize {
		return nil, ErrUnpackKeySize
	}
	var pk PackedKey
	if err := decodeStruct(buf, &pk); err != nil {
		return nil, err
	}
	if pk.Magic != MagicPackedKey {
		return nil, ErrWrongMagic
	}
	if pk.MajorVersion > structMajorVersion {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnpackKeyStructVersion, pk.MajorVersion, pk.MinorVersion)
	}
	if pk.FixedSize < packedKeyFixedSize || pk.TotalSize < pk.FixedSize {
		return nil, ErrUnpackKeySize
	}
	if uint64(pk.TotalSize) > uint64(len(buf)) {
		return nil, ErrInsideDataOutside
	}

	sigAlg := SigAlg(pk.SigAlg)
	if !sigAlg.Valid() {
		return nil, ErrUnpackKeySigAlgorithm
	}
	hashAlg := HashAlg(pk.HashAlg)
	if !hashAlg.Valid() {
		return nil, ErrUnpackKeyHashAlgorithm
	}

	if pk.KeyOffset%memberAlign != 0 {
		return nil, ErrUnpackKeyAlign
	}
	if uint64(pk.KeyOffset)+uint64(pk.KeySize) > uint64(pk.TotalSize) {
		return nil, ErrUnpackKeySize
	}
	if pk.KeySize != sigAlg.KeyDataBytes() {
		return nil, ErrUnpackKeyArraySize
	}

	return &PublicKey{
		SigAlg:  sigAlg,
		HashAlg: hashAlg,
		Version: pk.KeyVersion,
		Data:    buf[pk.KeyOffset : pk.KeyOffset+pk.KeySize],
	}, nil
}

// UnpackSignature validates a signature structure and returns it together
// with the raw signature blob.
func UnpackSignature(buf []byte) (*SignatureInfo, []byte, error) {
	if len(buf) < signatureFixedSize {
		return nil, nil, ErrSigHeaderSize
	}
	var si SignatureInfo
	if err := decodeStruct(buf, &si); err != nil {
		return nil, nil, err
	}
	if si.Magic != MagicSignature {
		return nil, nil, ErrWrongMagic
	}
	if si.MajorVersion > structMajorVersion {
		return nil, nil, fmt.Errorf("%w: %d.%d", ErrVersionTooNew, si.MajorVersion, si.MinorVersion)
	}
	if si.FixedSize < signatureFixedSize || si.TotalSize < si.FixedSize {
		return nil, nil, ErrSigTotalSize
	}
	if uint64(si.TotalSize) > uint64(len(buf)) {
		return nil, nil, ErrInsideDataOutside
	}

	sigAlg := SigAlg(si.SigAlg)
	if !sigAlg.Valid() {
		return nil, nil, ErrUnknownAlgorithm
	}
	if !HashAlg(si.HashAlg).Valid() {
		return nil, nil, ErrUnknownAlgorithm
	}
	if err := checkMember(si.TotalSize, si.SigOffset, si.SigSize); err != nil {
		return nil, nil, err
	}
	if si.SigSize != sigAlg.SigBytes() {
		return nil, nil, ErrSigSize
	}

	return &si, buf[si.SigOffset : si.SigOffset+si.SigSize], nil
}
