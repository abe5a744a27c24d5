// Package policy computes the effective boot mode from the hardware lines,
// GBB overrides and non-volatile requests, and enforces the per-mode rules
// for key block flags, rollback and the A/B firmware try state machine.
package policy

import (
	"errors"

	"github.com/open-edge-platform/verified-boot/internal/nvstorage"
	"github.com/open-edge-platform/verified-boot/internal/signature"
)

// BootMode is the effective verification policy for this boot.
type BootMode int

const (
	// ModeRecovery verifies against the recovery sub-key and takes the
	// first valid kernel.
	ModeRecovery BootMode = iota
	// ModeNormal requires full signature verification and rollback
	// protection.
	ModeNormal
	// ModeDeveloper admits hash-only key blocks unless signed-only boot
	// is requested; a rollback finding does not reject the candidate.
	ModeDeveloper
)

func (m BootMode) String() string {
	switch m {
	case ModeRecovery:
		return "recovery"
	case ModeNormal:
		return "normal"
	case ModeDeveloper:
		return "developer"
	}
	return "unknown"
}

// Inputs are the raw mode signals.
type Inputs struct {
	// RecoveryLine is the hardware recovery request.
	RecoveryLine bool
	// DeveloperLine is the hardware developer switch, or the virtual
	// developer bit for keyboards without one.
	DeveloperLine bool
	// ForceDevOn is the GBB flag forcing developer mode.
	ForceDevOn bool
	// RecRequest is the non-volatile recovery request byte.
	RecRequest uint32
	// PrevBootFailed reports that the previous boot failed verification.
	PrevBootFailed bool
}

// Resolve computes the effective boot mode. Recovery dominates, then
// developer, then normal.
func Resolve(in Inputs) BootMode {
	if in.RecoveryLine || in.RecRequest != nvstorage.RecoveryNotRequested || in.PrevBootFailed {
		return ModeRecovery
	}
	if in.DeveloperLine || in.ForceDevOn {
		return ModeDeveloper
	}
	return ModeNormal
}

// ErrFlagMismatch reports key block flag bits that forbid the current mode.
var ErrFlagMismatch = errors.New("policy: key block flags mismatch for boot mode")

// The four key-block flag bits crossed with the two switch positions form a
// fixed table: each switch position demands its matching bit.
var (
	requiredDevFlag = [2]uint32{signature.KeyBlockFlagDeveloper0, signature.KeyBlockFlagDeveloper1}
	requiredRecFlag = [2]uint32{signature.KeyBlockFlagRecovery0, signature.KeyBlockFlagRecovery1}
)

func boolIdx(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CheckDeveloperFlag checks the developer flag bit against the developer
// switch position.
func CheckDeveloperFlag(flags uint32, developerOn bool) error {
	if flags&requiredDevFlag[boolIdx(developerOn)] == 0 {
		return ErrFlagMismatch
	}
	return nil
}

// CheckRecoveryFlag checks the recovery flag bit against the recovery switch
// position.
func CheckRecoveryFlag(flags uint32, recoveryOn bool) error {
	if flags&requiredRecFlag[boolIdx(recoveryOn)] == 0 {
		return ErrFlagMismatch
	}
	return nil
}

// RollbackFatal reports whether a rollback finding rejects the candidate:
// always outside developer mode, never in developer mode.
func RollbackFatal(mode BootMode) bool {
	return mode != ModeDeveloper
}

// RequestTPMClearOnModeChange latches a TPM-owner-clear request when the
// developer switch changed since the last boot. Transitions in either
// direction invalidate the owner.
func RequestTPMClearOnModeChange(nv *nvstorage.Context, wasDeveloper, isDeveloper bool) error {
	if wasDeveloper == isDeveloper {
		return nil
	}
	return nv.Set(nvstorage.ClearTPMOwnerRequest, 1)
}
