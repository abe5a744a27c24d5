package signature_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/open-edge-platform/verified-boot/internal/signature"
	"github.com/open-edge-platform/verified-boot/internal/signature/sigtest"
)

var fake = sigtest.Crypto{}

func testKeys(t *testing.T) (root, data *sigtest.Key) {
	t.Helper()
	root = sigtest.NewKey("root", signature.SigRSA4096, signature.HashSHA256, 1)
	data = sigtest.NewKey("data", signature.SigRSA2048, signature.HashSHA256, 2)
	return root, data
}

func TestUnpackKeyOK(t *testing.T) {
	_, data := testKeys(t)
	packed := sigtest.PackKey(data)
	pub, err := signature.UnpackKey(packed)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if pub.SigAlg != signature.SigRSA2048 || pub.HashAlg != signature.HashSHA256 || pub.Version != 2 {
		t.Fatalf("unpacked key fields wrong: %+v", pub)
	}
	if uint32(len(pub.Data)) != signature.SigRSA2048.KeyDataBytes() {
		t.Fatalf("key data length %d", len(pub.Data))
	}
}

// Each single inconsistent packed-key field yields its
// declared error kind.
func TestUnpackKeyMutations(t *testing.T) {
	_, data := testKeys(t)

	// Field offsets inside the packed key fixed region.
	const (
		offMagic      = 0
		offMajor      = 4
		offFixedSize  = 8
		offTotalSize  = 12
		offSigAlg     = 16
		offHashAlg    = 18
		offKeyVersion = 20
		offKeyOffset  = 24
		offKeySize    = 28
	)

	tests := []struct {
		name    string
		mutate  func(b []byte)
		trunc   int
		wantErr error
	}{
		{"truncated below fixed", nil, 16, signature.ErrUnpackKeySize},
		{"wrong magic", func(b []byte) { b[offMagic] ^= 1 }, 0, signature.ErrWrongMagic},
		{"version too new", func(b []byte) { binary.LittleEndian.PutUint16(b[offMajor:], 9) }, 0, signature.ErrUnpackKeyStructVersion},
		{"total below fixed", func(b []byte) { binary.LittleEndian.PutUint32(b[offTotalSize:], 8) }, 0, signature.ErrUnpackKeySize},
		{"total beyond buffer", func(b []byte) { binary.LittleEndian.PutUint32(b[offTotalSize:], uint32(len(b)+1)) }, 0, signature.ErrInsideDataOutside},
		{"bad sig algorithm", func(b []byte) { binary.LittleEndian.PutUint16(b[offSigAlg:], 99) }, 0, signature.ErrUnpackKeySigAlgorithm},
		{"none sig algorithm", func(b []byte) { binary.LittleEndian.PutUint16(b[offSigAlg:], 0) }, 0, signature.ErrUnpackKeySigAlgorithm},
		{"bad hash algorithm", func(b []byte) { binary.LittleEndian.PutUint16(b[offHashAlg:], 99) }, 0, signature.ErrUnpackKeyHashAlgorithm},
		{"unaligned key offset", func(b []byte) { binary.LittleEndian.PutUint32(b[offKeyOffset:], 33) }, 0, signature.ErrUnpackKeyAlign},
		{"key beyond total", func(b []byte) { binary.LittleEndian.PutUint32(b[offKeyOffset:], uint32(len(b))) }, 0, signature.ErrUnpackKeySize},
		{"wrong array size", func(b []byte) { binary.LittleEndian.PutUint32(b[offKeySize:], 100) }, 0, signature.ErrUnpackKeyArraySize},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := sigtest.PackKey(data)
			if tc.trunc > 0 {
				b = b[:tc.trunc]
			}
			if tc.mutate != nil {
				tc.mutate(b)
			}
			_, err := signature.UnpackKey(b)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestUnpackKeyArraySizeDistinct(t *testing.T) {
	_, data := testKeys(t)
	b := sigtest.PackKey(data)
	// Shrink the declared key size but keep it inside the struct: the
	// array-size check must fire, not the bounds check.
	binary.LittleEndian.PutUint32(b[28:], signature.SigRSA2048.KeyDataBytes()-4)
	if _, err := signature.UnpackKey(b); !errors.Is(err, signature.ErrUnpackKeyArraySize) {
		t.Fatalf("got %v, want ErrUnpackKeyArraySize", err)
	}
}

func TestVerifyKeyBlockSignatureMode(t *testing.T) {
	root, data := testKeys(t)
	kb := sigtest.BuildKeyBlock(root, data, signature.KeyBlockFlagDeveloper0|signature.KeyBlockFlagRecovery0)

	info, err := signature.VerifyKeyBlock(kb, root.Public(), false, fake)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if info.Flags != signature.KeyBlockFlagDeveloper0|signature.KeyBlockFlagRecovery0 {
		t.Fatalf("flags = 0x%x", info.Flags)
	}
	if info.KeyVersion != 2 {
		t.Fatalf("key version = %d, want 2", info.KeyVersion)
	}
	if info.DataKey.SigAlg != signature.SigRSA2048 {
		t.Fatalf("data key alg = %d", info.DataKey.SigAlg)
	}
}

func TestVerifyKeyBlockWrongKey(t *testing.T) {
	root, data := testKeys(t)
	other := sigtest.NewKey("other", signature.SigRSA4096, signature.HashSHA256, 1)
	kb := sigtest.BuildKeyBlock(root, data, 0)

	if _, err := signature.VerifyKeyBlock(kb, other.Public(), false, fake); !errors.Is(err, signature.ErrSignatureMismatch) {
		t.Fatalf("got %v, want ErrSignatureMismatch", err)
	}
}

func TestVerifyKeyBlockHashMode(t *testing.T) {
	root, data := testKeys(t)
	kb := sigtest.BuildKeyBlock(root, data, 0)

	if _, err := signature.VerifyKeyBlock(kb, nil, true, fake); err != nil {
		t.Fatalf("hash-only verify: %v", err)
	}

	// Any byte flip inside the signed region must break the hash.
	kb[100] ^= 0xFF // data key material, inside SignedSize
	if _, err := signature.VerifyKeyBlock(kb, nil, true, fake); !errors.Is(err, signature.ErrHashMismatch) {
		t.Fatalf("got %v, want ErrHashMismatch", err)
	}
}

// Each single inconsistent key block field yields its declared error kind.
func TestVerifyKeyBlockMutations(t *testing.T) {
	root, data := testKeys(t)

	const (
		offMagic      = 0
		offTotal      = 12
		offSignedSize = 20
		offDKOffset   = 24
		offDKSize     = 28
		offSigOffset  = 32
		offHashOffset = 40
	)

	tests := []struct {
		name    string
		mutate  func(b []byte)
		wantErr error
	}{
		{"wrong magic", func(b []byte) { b[offMagic]++ }, signature.ErrWrongMagic},
		{"total beyond buffer", func(b []byte) { binary.LittleEndian.PutUint32(b[offTotal:], uint32(len(b)+4)) }, signature.ErrInsideDataOutside},
		{"signed size beyond total", func(b []byte) { binary.LittleEndian.PutUint32(b[offSignedSize:], uint32(len(b)+4)) }, signature.ErrCommonMemberSize},
		{"signed size below fixed", func(b []byte) { binary.LittleEndian.PutUint32(b[offSignedSize:], 4) }, signature.ErrCommonMemberSize},
		{"data key unaligned", func(b []byte) { binary.LittleEndian.PutUint32(b[offDKOffset:], 49) }, signature.ErrCommonMemberUnaligned},
		{"data key beyond total", func(b []byte) { binary.LittleEndian.PutUint32(b[offDKSize:], uint32(len(b))) }, signature.ErrCommonMemberSize},
		{"sig member unaligned", func(b []byte) { binary.LittleEndian.PutUint32(b[offSigOffset:], 2) }, signature.ErrCommonMemberUnaligned},
		{"hash member beyond total", func(b []byte) { binary.LittleEndian.PutUint32(b[offHashOffset:], uint32(len(b)-4)) }, signature.ErrCommonMemberSize},
		{"corrupt signature blob", func(b []byte) { b[len(b)-80] ^= 0xFF }, signature.ErrSignatureMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			kb := sigtest.BuildKeyBlock(root, data, 0)
			tc.mutate(kb)
			_, err := signature.VerifyKeyBlock(kb, root.Public(), false, fake)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestVerifyKeyBlockTruncated(t *testing.T) {
	if _, err := signature.VerifyKeyBlock(make([]byte, 20), nil, true, fake); !errors.Is(err, signature.ErrCommonMemberSize) {
		t.Fatalf("got %v, want ErrCommonMemberSize", err)
	}
}

func buildVerifiedChain(t *testing.T, body []byte) (*signature.KeyBlockInfo, *signature.PreambleInfo, *sigtest.Key) {
	t.Helper()
	root, data := testKeys(t)
	kbBuf := sigtest.BuildKeyBlock(root, data, 0)
	kb, err := signature.VerifyKeyBlock(kbBuf, root.Public(), false, fake)
	if err != nil {
		t.Fatalf("key block: %v", err)
	}
	preBuf := sigtest.BuildPreamble(data, sigtest.PreambleSpec{
		KernelVersion:     7,
		BodyLoadAddress:   0x100000,
		BootloaderAddress: 0x200000,
		BootloaderSize:    0x1000,
		Body:              body,
	})
	pre, err := signature.VerifyKernelPreamble(preBuf, kb.DataKey, fake)
	if err != nil {
		t.Fatalf("preamble: %v", err)
	}
	return kb, pre, data
}

func TestVerifyPreambleAndBody(t *testing.T) {
	body := []byte("kernel body payload")
	_, pre, _ := buildVerifiedChain(t, body)

	if pre.KernelVersion != 7 || pre.BodyLoadAddress != 0x100000 ||
		pre.BootloaderAddress != 0x200000 || pre.BootloaderSize != 0x1000 {
		t.Fatalf("preamble fields wrong: %+v", pre)
	}
	if pre.BodySig.DataSize != uint32(len(body)) {
		t.Fatalf("body sig data size = %d, want %d", pre.BodySig.DataSize, len(body))
	}

	kb, pre2, _ := buildVerifiedChain(t, body)
	if err := signature.VerifyBody(body, pre2, kb.DataKey, fake); err != nil {
		t.Fatalf("body verify: %v", err)
	}

	// Exactly DataSize bytes are hashed: trailing garbage is ignored.
	padded := append(append([]byte(nil), body...), 0xAA, 0xBB)
	if err := signature.VerifyBody(padded, pre2, kb.DataKey, fake); err != nil {
		t.Fatalf("body verify with trailing bytes: %v", err)
	}

	// A flipped body byte fails.
	bad := append([]byte(nil), body...)
	bad[0] ^= 1
	if err := signature.VerifyBody(bad, pre2, kb.DataKey, fake); !errors.Is(err, signature.ErrSignatureMismatch) {
		t.Fatalf("got %v, want ErrSignatureMismatch", err)
	}

	// A body shorter than the declared size is rejected before hashing.
	if err := signature.VerifyBody(body[:3], pre2, kb.DataKey, fake); !errors.Is(err, signature.ErrInsideDataOutside) {
		t.Fatalf("got %v, want ErrInsideDataOutside", err)
	}
}

func TestVerifyPreambleWrongDataKey(t *testing.T) {
	_, data := testKeys(t)
	preBuf := sigtest.BuildPreamble(data, sigtest.PreambleSpec{KernelVersion: 1, Body: []byte("b")})
	other := sigtest.NewKey("imposter", signature.SigRSA2048, signature.HashSHA256, 1)
	if _, err := signature.VerifyKernelPreamble(preBuf, other.Public(), fake); !errors.Is(err, signature.ErrSignatureMismatch) {
		t.Fatalf("got %v, want ErrSignatureMismatch", err)
	}
}

// Each single inconsistent preamble field yields its declared error kind.
func TestVerifyPreambleMutations(t *testing.T) {
	_, data := testKeys(t)

	const (
		offMagic      = 0
		offTotal      = 12
		offSignedSize = 40
		offBodySigOff = 44
		offSigOffset  = 52
	)

	tests := []struct {
		name    string
		mutate  func(b []byte)
		wantErr error
	}{
		{"wrong magic", func(b []byte) { b[offMagic]++ }, signature.ErrWrongMagic},
		{"total beyond buffer", func(b []byte) { binary.LittleEndian.PutUint32(b[offTotal:], uint32(len(b)+8)) }, signature.ErrInsideDataOutside},
		{"body sig outside signed region", func(b []byte) { binary.LittleEndian.PutUint32(b[offSignedSize:], 60) }, signature.ErrCommonMemberSize},
		{"body sig unaligned", func(b []byte) { binary.LittleEndian.PutUint32(b[offBodySigOff:], 61) }, signature.ErrCommonMemberUnaligned},
		{"preamble sig inside signed region", func(b []byte) { binary.LittleEndian.PutUint32(b[offSigOffset:], 60) }, signature.ErrCommonMemberSize},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := sigtest.BuildPreamble(data, sigtest.PreambleSpec{KernelVersion: 3, Body: []byte("body")})
			tc.mutate(buf)
			_, err := signature.VerifyKernelPreamble(buf, data.Public(), fake)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestUnpackSignatureMutations(t *testing.T) {
	_, data := testKeys(t)

	// Carve a standalone signature structure out of a preamble's body sig.
	preBuf := sigtest.BuildPreamble(data, sigtest.PreambleSpec{Body: []byte("x")})
	bodySigOff := binary.LittleEndian.Uint32(preBuf[44:])
	bodySigSize := binary.LittleEndian.Uint32(preBuf[48:])
	sigBuf := append([]byte(nil), preBuf[bodySigOff:bodySigOff+bodySigSize]...)

	if _, _, err := signature.UnpackSignature(sigBuf); err != nil {
		t.Fatalf("pristine signature rejected: %v", err)
	}

	t.Run("truncated header", func(t *testing.T) {
		if _, _, err := signature.UnpackSignature(sigBuf[:10]); !errors.Is(err, signature.ErrSigHeaderSize) {
			t.Fatalf("got %v, want ErrSigHeaderSize", err)
		}
	})
	t.Run("total beyond buffer", func(t *testing.T) {
		b := append([]byte(nil), sigBuf...)
		binary.LittleEndian.PutUint32(b[12:], uint32(len(b)+1))
		if _, _, err := signature.UnpackSignature(b); !errors.Is(err, signature.ErrInsideDataOutside) {
			t.Fatalf("got %v, want ErrInsideDataOutside", err)
		}
	})
	t.Run("total below fixed", func(t *testing.T) {
		b := append([]byte(nil), sigBuf...)
		binary.LittleEndian.PutUint32(b[12:], 4)
		if _, _, err := signature.UnpackSignature(b); !errors.Is(err, signature.ErrSigTotalSize) {
			t.Fatalf("got %v, want ErrSigTotalSize", err)
		}
	})
	t.Run("unknown algorithm", func(t *testing.T) {
		b := append([]byte(nil), sigBuf...)
		binary.LittleEndian.PutUint16(b[16:], 99)
		if _, _, err := signature.UnpackSignature(b); !errors.Is(err, signature.ErrUnknownAlgorithm) {
			t.Fatalf("got %v, want ErrUnknownAlgorithm", err)
		}
	})
	t.Run("sig size wrong for algorithm", func(t *testing.T) {
		b := append([]byte(nil), sigBuf...)
		binary.LittleEndian.PutUint32(b[28:], 16)
		if _, _, err := signature.UnpackSignature(b); !errors.Is(err, signature.ErrSigSize) {
			t.Fatalf("got %v, want ErrSigSize", err)
		}
	})
}

func TestAlgorithmTables(t *testing.T) {
	sizes := map[signature.SigAlg]uint32{
		signature.SigRSA1024: 128,
		signature.SigRSA2048: 256,
		signature.SigRSA4096: 512,
		signature.SigRSA8192: 1024,
	}
	for alg, want := range sizes {
		if got := alg.SigBytes(); got != want {
			t.Errorf("SigBytes(%d) = %d, want %d", alg, got, want)
		}
		if got := alg.KeyDataBytes(); got != want+4 {
			t.Errorf("KeyDataBytes(%d) = %d, want %d", alg, got, want+4)
		}
	}
	if signature.SigNone.SigBytes() != 0 || signature.SigAlg(77).SigBytes() != 0 {
		t.Error("invalid selectors must size to zero")
	}
	digests := map[signature.HashAlg]uint32{
		signature.HashSHA1:   20,
		signature.HashSHA256: 32,
		signature.HashSHA512: 64,
	}
	for alg, want := range digests {
		if got := alg.DigestBytes(); got != want {
			t.Errorf("DigestBytes(%d) = %d, want %d", alg, got, want)
		}
	}
}
