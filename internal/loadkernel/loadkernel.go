// Package loadkernel drives the verified-boot selection pass: it walks the
// kernel partitions a validated GPT yields, runs each through the signed
// structure chain under the active boot-mode policy, maintains the best
// candidate, interlocks with the secure version counter, and records
// diagnostics for the host side.
package loadkernel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/open-edge-platform/verified-boot/internal/gpt"
	"github.com/open-edge-platform/verified-boot/internal/nvstorage"
	"github.com/open-edge-platform/verified-boot/internal/policy"
	"github.com/open-edge-platform/verified-boot/internal/signature"
	"github.com/open-edge-platform/verified-boot/internal/utils/logger"
)

// KBufSize is how much of a kernel partition is read to verify its key
// block and preamble.
const KBufSize = 64 * 1024

// Orchestrator-boundary error kinds.
var (
	ErrInvalidParams      = errors.New("loadkernel: invalid parameters")
	ErrGPTRead            = errors.New("loadkernel: unable to read GPT")
	ErrGPTParse           = errors.New("loadkernel: unable to parse GPT")
	ErrInvalidKernelFound = errors.New("loadkernel: kernel partitions found but none usable")
	ErrNoKernelFound      = errors.New("loadkernel: no kernel partitions found")
)

// Context is the set-once trust bundle for a LoadKernel call.
type Context struct {
	// KernelSubkey verifies key blocks in normal and developer mode.
	KernelSubkey *signature.PublicKey
	// RecoveryKey verifies key blocks in recovery mode.
	RecoveryKey *signature.PublicKey
	// Crypto supplies the hash and RSA primitives.
	Crypto signature.Crypto
	// SecureVersion is the current secure-counter value,
	// (key_version << 16) | data_version.
	SecureVersion uint32
	// Workbuf is caller-provided scratch space, sized for the largest
	// accepted algorithm.
	Workbuf []byte
}

// Params describes the disk to scan and the boot-mode signals.
type Params struct {
	Disk         gpt.Disk
	BytesPerLBA  uint32
	DriveSectors uint64
	GPTFlags     uint32

	RecoveryLine  bool
	DeveloperLine bool
	ForceDevOn    bool

	// KernelBuffer optionally receives the kernel body; when nil a buffer
	// is sized from the preamble.
	KernelBuffer []byte
}

// Selected describes the partition the platform should boot.
type Selected struct {
	// GPTIndex is the 1-based GPT partition number.
	GPTIndex int
	// PartitionGUID is the entry's unique GUID.
	PartitionGUID uuid.UUID

	BodyLoadAddress   uint64
	BootloaderAddress uint64
	BootloaderSize    uint32

	// CombinedVersion is (key_version << 16) | kernel_version.
	CombinedVersion uint32
	// KeyBlockTrusted reports full signature verification of the key
	// block; a hash-only developer boot leaves it false.
	KeyBlockTrusted bool
	// Body is the verified kernel body buffer.
	Body []byte
}

// LoadKernel selects the kernel partition to boot, or classifies the
// failure. The GPT attribute mutations (TRY/BAD) and the non-volatile
// recovery request are applied as side effects; the secure counter itself is
// never written here, only recommended via shared.KernelVersionLowest and
// NextSecureVersion.
func LoadKernel(ctx *Context, params *Params, shared *SharedData, nv *nvstorage.Context) (*Selected, error) {
	log := logger.Logger()

	if params.BytesPerLBA == 0 || params.DriveSectors == 0 {
		return nil, fmt.Errorf("%w: zero disk geometry", ErrInvalidParams)
	}
	kbufSectors := uint64(KBufSize) / uint64(params.BytesPerLBA)
	if kbufSectors == 0 {
		return nil, fmt.Errorf("%w: sector size exceeds kernel buffer", ErrInvalidParams)
	}

	recRequest, err := nv.Get(nvstorage.RecoveryRequest)
	if err != nil {
		return nil, err
	}
	mode := policy.Resolve(policy.Inputs{
		RecoveryLine:  params.RecoveryLine,
		DeveloperLine: params.DeveloperLine,
		ForceDevOn:    params.ForceDevOn,
		RecRequest:    recRequest,
	})
	devSwitch := params.DeveloperLine || params.ForceDevOn

	requireOfficialOS := false
	if mode == policy.ModeDeveloper {
		v, err := nv.Get(nvstorage.DevBootSignedOnly)
		if err != nil {
			return nil, err
		}
		requireOfficialOS = v != 0
	}

	trustedKey := ctx.KernelSubkey
	if mode == policy.ModeRecovery {
		trustedKey = ctx.RecoveryKey
	}
	if trustedKey == nil {
		return nil, fmt.Errorf("%w: no trusted key for %s mode", ErrInvalidParams, mode)
	}
	if uint32(len(ctx.Workbuf)) < signature.MinWorkbufBytes(trustedKey.SigAlg) {
		return nil, fmt.Errorf("%w: %d bytes", signature.ErrWorkbufTooSmall, len(ctx.Workbuf))
	}

	shcall := shared.nextCall()
	shcall.BootMode = mode.String()
	shcall.SectorSize = params.BytesPerLBA
	shcall.SectorCount = params.DriveSectors
	shared.KernelVersionLowest = lowestVersionSentinel
	shared.KernelKeyVerified = false

	log.Infof("Loading kernel: mode=%s sector=%d drive=%d", mode, params.BytesPerLBA, params.DriveSectors)

	var (
		good          *Selected
		foundParts    int
		lowestVersion uint32 = lowestVersionSentinel
	)

	data := &gpt.Data{
		SectorBytes:  params.BytesPerLBA,
		DriveSectors: params.DriveSectors,
		Flags:        params.GPTFlags,
	}
	retErr := func() error {
		if err := gpt.AllocAndRead(params.Disk, data); err != nil {
			log.Errorf("Unable to read GPT data: %v", err)
			shcall.CheckResult = CallCheckGPTReadError
			return fmt.Errorf("%w: %v", ErrGPTRead, err)
		}
		if err := gpt.Init(data); err != nil {
			log.Errorf("Error parsing GPT: %v", err)
			shcall.CheckResult = CallCheckGPTParseError
			return fmt.Errorf("%w: %v", ErrGPTParse, err)
		}

		kbuf := make([]byte, KBufSize)
		for {
			partStart, partSize, err := data.NextKernelEntry()
			if err != nil {
				break
			}
			foundParts++

			shpart := shcall.nextPart()
			shpart.SectorStart = partStart
			shpart.SectorCount = partSize
			shpart.GPTIndex = data.CurrentKernel + 1

			sel, keep := examinePartition(ctx, params, data, mode, devSwitch, requireOfficialOS,
				trustedKey, kbuf, kbufSectors, partStart, partSize, shpart, &lowestVersion, good != nil)
			if sel != nil && good == nil {
				good = sel
				// Note the try on the entry we are about to boot.
				if err := data.UpdateKernelEntry(gpt.UpdateTry); err != nil {
					log.Errorf("Failed to update try count: %v", err)
				}
			}
			if !keep {
				continue
			}
			// Early exit: recovery takes the first valid kernel; an
			// untrusted key block has no rollback stake; and a match
			// with the secure counter cannot be improved upon.
			if good != nil {
				if mode == policy.ModeRecovery || !good.KeyBlockTrusted ||
					good.CombinedVersion == ctx.SecureVersion {
					break
				}
			}
		}
		return nil
	}()

	// Write back whatever the scan changed, even when it failed.
	if err := gpt.WriteAndFree(params.Disk, data); err != nil {
		log.Errorf("Failed to write GPT data: %v", err)
	}

	recovery := uint32(nvstorage.RecoveryRWUnspecified)
	switch {
	case retErr != nil:
		// GPT never yielded candidates; the disk has no readable OS.
		recovery = nvstorage.RecoveryRWNoOS
		if errors.Is(retErr, ErrGPTParse) {
			recovery = nvstorage.RecoveryRWInvalidOS
		}
	case good != nil:
		shcall.CheckResult = CallCheckGoodPartition
		shared.KernelVersionLowest = lowestVersion
		shared.KernelKeyVerified = good.KeyBlockTrusted
	case foundParts > 0:
		shcall.CheckResult = CallCheckInvalidPartitions
		recovery = nvstorage.RecoveryRWInvalidOS
		retErr = ErrInvalidKernelFound
	default:
		shcall.CheckResult = CallCheckNoPartitions
		recovery = nvstorage.RecoveryRWNoOS
		retErr = ErrNoKernelFound
	}

	if retErr != nil {
		shcall.ReturnCode = retErr.Error()
		if err := nv.Set(nvstorage.RecoveryRequest, recovery); err != nil {
			log.Errorf("Failed to latch recovery request: %v", err)
		}
		return nil, retErr
	}

	shcall.ReturnCode = "success"
	if err := nv.Set(nvstorage.RecoveryRequest, nvstorage.RecoveryNotRequested); err != nil {
		log.Errorf("Failed to clear recovery request: %v", err)
	}
	log.Infof("Selected kernel partition %d, combined version 0x%08x", good.GPTIndex, good.CombinedVersion)
	return good, nil
}

// examinePartition runs one candidate through the verification chain.
// Returns a selection when the partition is good and no earlier good
// partition exists, and keep=false when the scan should move on without
// considering early exit (the partition was bad).
func examinePartition(ctx *Context, params *Params, data *gpt.Data, mode policy.BootMode,
	devSwitch, requireOfficialOS bool, trustedKey *signature.PublicKey,
	kbuf []byte, kbufSectors, partStart, partSize uint64,
	shpart *PartDiagnostic, lowestVersion *uint32, haveGood bool) (*Selected, bool) {

	log := logger.Logger()
	markBad := func() {
		log.Debugf("Marking kernel entry %d as invalid", data.CurrentKernel)
		if err := data.UpdateKernelEntry(gpt.UpdateBad); err != nil {
			log.Errorf("Failed to mark entry bad: %v", err)
		}
	}

	if partSize < kbufSectors {
		log.Debugf("Partition too small to hold kernel")
		shpart.CheckResult = PartCheckTooSmall
		markBad()
		return nil, false
	}
	if err := params.Disk.Read(partStart, kbufSectors, kbuf); err != nil {
		// Read errors may be transient; do not eject the entry.
		log.Warnf("Unable to read start of partition: %v", err)
		shpart.CheckResult = PartCheckReadStart
		return nil, false
	}

	keyBlockValid := true
	kb, err := signature.VerifyKeyBlock(kbuf, trustedKey, false, ctx.Crypto)
	if err != nil {
		log.Debugf("Verifying key block signature failed: %v", err)
		shpart.CheckResult = PartCheckKeyBlockSig
		keyBlockValid = false

		if mode != policy.ModeDeveloper {
			markBad()
			return nil, false
		}
		if requireOfficialOS {
			log.Debugf("Self-signed kernels not enabled")
			shpart.CheckResult = PartCheckSelfSigned
			markBad()
			return nil, false
		}
		kb, err = signature.VerifyKeyBlock(kbuf, trustedKey, true, ctx.Crypto)
		if err != nil {
			log.Debugf("Verifying key block hash failed: %v", err)
			shpart.CheckResult = PartCheckKeyBlockHash
			markBad()
			return nil, false
		}
	}

	// Check the key block flags against the current switch positions.
	if err := policy.CheckDeveloperFlag(kb.Flags, devSwitch); err != nil {
		log.Debugf("Key block developer flag mismatch")
		shpart.CheckResult = PartCheckDevMismatch
		keyBlockValid = false
	}
	if err := policy.CheckRecoveryFlag(kb.Flags, mode == policy.ModeRecovery); err != nil {
		log.Debugf("Key block recovery flag mismatch")
		shpart.CheckResult = PartCheckRecMismatch
		keyBlockValid = false
	}

	// Key-version rollback, except in recovery mode. Versions beyond 16
	// bits cannot be represented in the counter and are rejected too.
	keyVersion := kb.KeyVersion
	if mode != policy.ModeRecovery {
		if keyVersion < ctx.SecureVersion>>16 || keyVersion > 0xFFFF {
			log.Debugf("Key version too old or unrepresentable: %d", keyVersion)
			shpart.CheckResult = PartCheckKeyRollback
			keyBlockValid = false
		}
	}

	if mode != policy.ModeDeveloper && !keyBlockValid {
		markBad()
		return nil, false
	}

	if uint64(kb.Size) >= uint64(len(kbuf)) {
		shpart.CheckResult = PartCheckVerifyPreamble
		markBad()
		return nil, false
	}
	pre, err := signature.VerifyKernelPreamble(kbuf[kb.Size:], kb.DataKey, ctx.Crypto)
	if err != nil {
		log.Debugf("Preamble verification failed: %v", err)
		shpart.CheckResult = PartCheckVerifyPreamble
		markBad()
		return nil, false
	}

	combined := (keyVersion << 16) | (pre.KernelVersion & 0xFFFF)
	shpart.CombinedVersion = combined
	if keyBlockValid && mode != policy.ModeRecovery && combined < ctx.SecureVersion {
		log.Debugf("Kernel version too low: 0x%08x", combined)
		shpart.CheckResult = PartCheckKernelRollback
		if policy.RollbackFatal(mode) {
			markBad()
			return nil, false
		}
	}

	log.Debugf("Kernel preamble is good")
	shpart.CheckResult = PartCheckPreambleValid
	if keyBlockValid && *lowestVersion > combined {
		*lowestVersion = combined
	}

	// With a good kernel already in hand the remaining candidates only
	// matter for their versions.
	if haveGood {
		return nil, true
	}

	blba := uint64(params.BytesPerLBA)
	bodyOffset := uint64(kb.Size) + uint64(pre.Size)
	if bodyOffset%blba != 0 {
		log.Debugf("Kernel body not at a sector boundary")
		shpart.CheckResult = PartCheckBodyOffset
		markBad()
		return nil, false
	}
	bodyOffsetSectors := bodyOffset / blba
	bodySectors := (uint64(pre.BodySig.DataSize) + blba - 1) / blba

	body := params.KernelBuffer
	if body == nil {
		body = make([]byte, bodySectors*blba)
	} else if bodySectors*blba > uint64(len(body)) {
		log.Debugf("Kernel body does not fit in the caller's buffer")
		shpart.CheckResult = PartCheckBodyExceedsMem
		markBad()
		return nil, false
	}

	if bodyOffsetSectors+bodySectors > partSize {
		log.Debugf("Kernel body does not fit in the partition")
		shpart.CheckResult = PartCheckBodyExceedsPart
		markBad()
		return nil, false
	}

	if err := params.Disk.Read(partStart+bodyOffsetSectors, bodySectors, body); err != nil {
		// Transient read error; do not eject the entry.
		log.Warnf("Unable to read kernel data: %v", err)
		shpart.CheckResult = PartCheckReadData
		return nil, false
	}

	if err := signature.VerifyBody(body, pre, kb.DataKey, ctx.Crypto); err != nil {
		log.Debugf("Kernel data verification failed: %v", err)
		shpart.CheckResult = PartCheckVerifyData
		markBad()
		return nil, false
	}

	log.Debugf("Partition is good")
	shpart.CheckResult = PartCheckKernelGood
	if keyBlockValid {
		shpart.Flags |= PartFlagKeyBlockValid
	}

	guid, err := data.CurrentKernelGUID()
	if err != nil {
		log.Errorf("Failed to read partition GUID: %v", err)
	}

	return &Selected{
		GPTIndex:          data.CurrentKernel + 1,
		PartitionGUID:     guid,
		BodyLoadAddress:   pre.BodyLoadAddress,
		BootloaderAddress: pre.BootloaderAddress,
		BootloaderSize:    pre.BootloaderSize,
		CombinedVersion:   combined,
		KeyBlockTrusted:   keyBlockValid,
		Body:              body[:bodySectors*blba],
	}, true
}
