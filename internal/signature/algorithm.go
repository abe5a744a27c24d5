package signature

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// SigAlg selects the RSA key size of a signature. The set is closed; the
// zero value is the explicit "none" sentinel.
type SigAlg uint16

const (
	SigNone SigAlg = iota
	SigRSA1024
	SigRSA2048
	SigRSA4096
	SigRSA8192

	sigAlgCount
)

// HashAlg selects the digest algorithm. The set is closed; the zero value is
// the explicit "none" sentinel.
type HashAlg uint16

const (
	HashNone HashAlg = iota
	HashSHA1
	HashSHA256
	HashSHA512

	hashAlgCount
)

// Valid reports whether the selector names a real algorithm.
func (a SigAlg) Valid() bool { return a > SigNone && a < sigAlgCount }

// Valid reports whether the selector names a real algorithm.
func (a HashAlg) Valid() bool { return a > HashNone && a < hashAlgCount }

// SigBytes returns the signature blob size for the algorithm, 0 if invalid.
func (a SigAlg) SigBytes() uint32 {
	switch a {
	case SigRSA1024:
		return 128
	case SigRSA2048:
		return 256
	case SigRSA4096:
		return 512
	case SigRSA8192:
		return 1024
	}
	return 0
}

// KeyDataBytes returns the size of the packed key material for the
// algorithm: a 4-byte little-endian public exponent followed by the
// big-endian modulus.
func (a SigAlg) KeyDataBytes() uint32 {
	n := a.SigBytes()
	if n == 0 {
		return 0
	}
	return n + 4
}

// DigestBytes returns the digest length for the algorithm, 0 if invalid.
func (a HashAlg) DigestBytes() uint32 {
	switch a {
	case HashSHA1:
		return 20
	case HashSHA256:
		return 32
	case HashSHA512:
		return 64
	}
	return 0
}

func (a HashAlg) cryptoHash() crypto.Hash {
	switch a {
	case HashSHA1:
		return crypto.SHA1
	case HashSHA256:
		return crypto.SHA256
	case HashSHA512:
		return crypto.SHA512
	}
	return 0
}

// MinWorkbufBytes returns the scratch space a verification of the given key
// size may need. Callers size the workbuf from the largest algorithm they
// accept.
func MinWorkbufBytes(a SigAlg) uint32 {
	// Three key-length intermediates plus slack for digest handling.
	return 3*a.SigBytes() + 128
}
