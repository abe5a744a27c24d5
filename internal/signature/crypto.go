package signature

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Crypto is the collaborator that supplies the hash and RSA-verify
// primitives. Implementations must be synchronous, deterministic and free of
// side effects.
type Crypto interface {
	// VerifyDigest checks sig over digest under key. A padding or value
	// mismatch is reported as (or wraps) ErrSignatureMismatch.
	VerifyDigest(key *PublicKey, sig, digest []byte) error
	// Hash digests data with the selected algorithm.
	Hash(alg HashAlg, data []byte) ([]byte, error)
}

// StdCrypto is the reference Crypto built on the standard library. Firmware
// ports substitute their own hardware-backed implementation.
type StdCrypto struct{}

// Hash implements Crypto.
func (StdCrypto) Hash(alg HashAlg, data []byte) ([]byte, error) {
	h := alg.cryptoHash()
	if h == 0 {
		return nil, fmt.Errorf("%w: hash %d", ErrUnknownAlgorithm, alg)
	}
	hh := h.New()
	hh.Write(data)
	return hh.Sum(nil), nil
}

// VerifyDigest implements Crypto with PKCS#1 v1.5 verification.
func (StdCrypto) VerifyDigest(key *PublicKey, sig, digest []byte) error {
	if !key.SigAlg.Valid() || !key.HashAlg.Valid() {
		return fmt.Errorf("%w: key algorithms %d/%d", ErrUnknownAlgorithm, key.SigAlg, key.HashAlg)
	}
	if uint32(len(key.Data)) != key.SigAlg.KeyDataBytes() {
		return fmt.Errorf("%w: key data %d bytes", ErrUnpackKeyArraySize, len(key.Data))
	}
	if uint32(len(sig)) != key.SigAlg.SigBytes() {
		return ErrSigSize
	}
	if uint32(len(digest)) != key.HashAlg.DigestBytes() {
		return fmt.Errorf("%w: digest %d bytes", ErrHashMismatch, len(digest))
	}

	pub := &rsa.PublicKey{
		E: int(binary.LittleEndian.Uint32(key.Data[:4])),
		N: new(big.Int).SetBytes(key.Data[4:]),
	}
	if err := rsa.VerifyPKCS1v15(pub, key.HashAlg.cryptoHash(), digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return nil
}
