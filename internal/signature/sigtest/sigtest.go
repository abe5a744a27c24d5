// Package sigtest builds well-formed signed structures for tests of the
// verification chain and the kernel loader, using a deterministic fake
// crypto collaborator so no real RSA keys are needed.
package sigtest

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/open-edge-platform/verified-boot/internal/signature"
)

// Key is a fake signing identity: the packed key material doubles as the
// signing secret.
type Key struct {
	SigAlg  signature.SigAlg
	HashAlg signature.HashAlg
	Version uint32
	Data    []byte
}

// NewKey derives a deterministic fake key from a seed string.
func NewKey(seed string, sigAlg signature.SigAlg, hashAlg signature.HashAlg, version uint32) *Key {
	data := make([]byte, sigAlg.KeyDataBytes())
	for off := 0; off < len(data); off += sha256.Size {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, off)))
		copy(data[off:], sum[:])
	}
	return &Key{SigAlg: sigAlg, HashAlg: hashAlg, Version: version, Data: data}
}

// Public returns the unpacked public form of the key.
func (k *Key) Public() *signature.PublicKey {
	return &signature.PublicKey{SigAlg: k.SigAlg, HashAlg: k.HashAlg, Version: k.Version, Data: k.Data}
}

// Sign produces the deterministic fake signature of digest under k.
func (k *Key) Sign(digest []byte) []byte {
	seed := sha256.Sum256(append(append([]byte("fake-sig:"), k.Data...), digest...))
	out := make([]byte, k.SigAlg.SigBytes())
	for i := range out {
		out[i] = seed[i%len(seed)] ^ byte(i)
	}
	return out
}

// Crypto verifies fake signatures produced by Key.Sign. Hashing is real.
type Crypto struct{}

// Hash implements signature.Crypto.
func (Crypto) Hash(alg signature.HashAlg, data []byte) ([]byte, error) {
	return signature.StdCrypto{}.Hash(alg, data)
}

// VerifyDigest implements signature.Crypto.
func (Crypto) VerifyDigest(key *signature.PublicKey, sig, digest []byte) error {
	k := Key{SigAlg: key.SigAlg, HashAlg: key.HashAlg, Data: key.Data}
	if !bytes.Equal(sig, k.Sign(digest)) {
		return signature.ErrSignatureMismatch
	}
	return nil
}

func align4(n int) int { return (n + 3) &^ 3 }

// PackKey serializes k into the on-disk packed key form.
func PackKey(k *Key) []byte {
	const fixed = 32
	total := fixed + len(k.Data)
	buf := make([]byte, total)
	pk := signature.PackedKey{
		StructHeader: header(signature.MagicPackedKey, fixed, total),
		SigAlg:       uint16(k.SigAlg),
		HashAlg:      uint16(k.HashAlg),
		KeyVersion:   k.Version,
		KeyOffset:    fixed,
		KeySize:      uint32(len(k.Data)),
	}
	mustEncode(buf, &pk)
	copy(buf[fixed:], k.Data)
	return buf
}

func header(magic uint32, fixed, total int) signature.StructHeader {
	return signature.StructHeader{
		Magic:        magic,
		MajorVersion: 2,
		MinorVersion: 0,
		FixedSize:    uint32(fixed),
		TotalSize:    uint32(total),
	}
}

func mustEncode(buf []byte, v any) {
	if err := signature.EncodeStruct(buf, v); err != nil {
		panic(err)
	}
}

// buildSignatureBlob serializes a signature structure whose blob signs
// digest under signer and declares dataSize signed bytes.
func buildSignatureBlob(signer *Key, digest []byte, dataSize uint32) []byte {
	const fixed = 32
	sig := signer.Sign(digest)
	total := fixed + len(sig)
	buf := make([]byte, total)
	si := signature.SignatureInfo{
		StructHeader: header(signature.MagicSignature, fixed, total),
		SigAlg:       uint16(signer.SigAlg),
		HashAlg:      uint16(signer.HashAlg),
		DataSize:     dataSize,
		SigOffset:    fixed,
		SigSize:      uint32(len(sig)),
	}
	mustEncode(buf, &si)
	copy(buf[fixed:], sig)
	return buf
}

func mustHash(alg signature.HashAlg, data []byte) []byte {
	d, err := signature.StdCrypto{}.Hash(alg, data)
	if err != nil {
		panic(err)
	}
	return d
}

// BuildKeyBlock assembles a key block carrying dataKey, signed by signer,
// with the self-hash member filled so hash-only verification also passes.
func BuildKeyBlock(signer, dataKey *Key, flags uint32) []byte {
	const fixed = 48
	packedKey := PackKey(dataKey)

	dataKeyOffset := fixed
	signedSize := align4(dataKeyOffset + len(packedKey))

	// Sign a fully assembled signed region, so build the fixed fields
	// first with the final layout.
	probe := buildSignatureBlob(signer, make([]byte, signer.HashAlg.DigestBytes()), 0)
	sigOffset := signedSize
	sigSize := len(probe)
	hashOffset := align4(sigOffset + sigSize)
	hashSize := int(signature.HashSHA512.DigestBytes())
	total := hashOffset + hashSize

	buf := make([]byte, total)
	kb := signature.KeyBlock{
		StructHeader:  header(signature.MagicKeyBlock, fixed, total),
		Flags:         flags,
		SignedSize:    uint32(signedSize),
		DataKeyOffset: uint32(dataKeyOffset),
		DataKeySize:   uint32(len(packedKey)),
		SigOffset:     uint32(sigOffset),
		SigSize:       uint32(sigSize),
		HashOffset:    uint32(hashOffset),
		HashSize:      uint32(hashSize),
	}
	mustEncode(buf, &kb)
	copy(buf[dataKeyOffset:], packedKey)

	digest := mustHash(signer.HashAlg, buf[:signedSize])
	copy(buf[sigOffset:], buildSignatureBlob(signer, digest, uint32(signedSize)))
	copy(buf[hashOffset:], mustHash(signature.HashSHA512, buf[:signedSize]))
	return buf
}

// PreambleSpec parameterizes BuildPreamble.
type PreambleSpec struct {
	KernelVersion     uint32
	BodyLoadAddress   uint64
	BootloaderAddress uint64
	BootloaderSize    uint32
	Body              []byte
	// MinTotal pads the preamble to at least this size (4-byte aligned),
	// e.g. so that key block plus preamble lands on a sector boundary.
	MinTotal int
}

// BuildPreamble assembles a kernel preamble over spec.Body, signed by
// dataKey.
func BuildPreamble(dataKey *Key, spec PreambleSpec) []byte {
	const fixed = 60
	bodyDigest := mustHash(dataKey.HashAlg, spec.Body)
	bodySig := buildSignatureBlob(dataKey, bodyDigest, uint32(len(spec.Body)))

	bodySigOffset := fixed
	signedSize := align4(bodySigOffset + len(bodySig))
	sigOffset := signedSize
	probe := buildSignatureBlob(dataKey, make([]byte, dataKey.HashAlg.DigestBytes()), 0)
	total := align4(sigOffset + len(probe))
	if spec.MinTotal > total {
		total = align4(spec.MinTotal)
	}

	buf := make([]byte, total)
	p := signature.KernelPreamble{
		StructHeader:      header(signature.MagicPreamble, fixed, total),
		KernelVersion:     spec.KernelVersion,
		BodyLoadAddress:   spec.BodyLoadAddress,
		BootloaderAddress: spec.BootloaderAddress,
		BootloaderSize:    spec.BootloaderSize,
		SignedSize:        uint32(signedSize),
		BodySigOffset:     uint32(bodySigOffset),
		BodySigSize:       uint32(len(bodySig)),
		SigOffset:         uint32(sigOffset),
		SigSize:           uint32(len(probe)),
	}
	mustEncode(buf, &p)
	copy(buf[bodySigOffset:], bodySig)

	digest := mustHash(dataKey.HashAlg, buf[:signedSize])
	copy(buf[sigOffset:], buildSignatureBlob(dataKey, digest, uint32(signedSize)))
	return buf
}
