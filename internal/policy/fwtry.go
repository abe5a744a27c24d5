package policy

import (
	"github.com/open-edge-platform/verified-boot/internal/nvstorage"
	"github.com/open-edge-platform/verified-boot/internal/utils/logger"
)

// Firmware slot identifiers for the FWTried/FWTryNext fields.
const (
	SlotA = 0
	SlotB = 1
)

// CheckFWTry applies the A/B try-state transition at boot entry: the
// previous boot's tried slot and result are mirrored into the previous-boot
// fields, and a slot still marked TRYING has expired its try, so its result
// becomes FAILURE and the other slot is scheduled next.
func CheckFWTry(nv *nvstorage.Context) error {
	tried, err := nv.Get(nvstorage.FWTried)
	if err != nil {
		return err
	}
	result, err := nv.Get(nvstorage.FWResult)
	if err != nil {
		return err
	}

	if err := nv.Set(nvstorage.FWPrevTried, tried); err != nil {
		return err
	}
	if err := nv.Set(nvstorage.FWPrevResult, result); err != nil {
		return err
	}

	if result == nvstorage.FWResultTrying {
		logger.Logger().Warnf("Firmware slot %d try expired, switching to slot %d", tried, tried^1)
		if err := nv.Set(nvstorage.FWResult, nvstorage.FWResultFailure); err != nil {
			return err
		}
		if err := nv.Set(nvstorage.FWTryNext, tried^1); err != nil {
			return err
		}
	}

	return nil
}

// ReportResult records the outcome of the current slot's boot. The caller
// writes SUCCESS once the boot is known good.
func ReportResult(nv *nvstorage.Context, result uint32) error {
	return nv.Set(nvstorage.FWResult, result)
}

// Fail routes a firmware verification failure: the current slot's result
// becomes FAILURE, and if the other slot has not already failed, the next
// boot is redirected there and the try budget is consumed. With both slots
// failed, recovery is requested with the given reason; an already-latched
// recovery request is never overwritten.
func Fail(nv *nvstorage.Context, reason, subcode uint32) error {
	log := logger.Logger()

	tried, err := nv.Get(nvstorage.FWTried)
	if err != nil {
		return err
	}
	prevResult, err := nv.Get(nvstorage.FWPrevResult)
	if err != nil {
		return err
	}
	prevTried, err := nv.Get(nvstorage.FWPrevTried)
	if err != nil {
		return err
	}

	if err := nv.Set(nvstorage.FWResult, nvstorage.FWResultFailure); err != nil {
		return err
	}

	otherFailed := prevTried != tried && prevResult == nvstorage.FWResultFailure
	if !otherFailed {
		log.Warnf("Firmware slot %d failed (reason 0x%02x sub 0x%02x), trying slot %d",
			tried, reason, subcode, tried^1)
		if err := nv.Set(nvstorage.FWTryNext, tried^1); err != nil {
			return err
		}
		return nv.Set(nvstorage.TryBCount, 0)
	}

	log.Errorf("Both firmware slots failed (reason 0x%02x sub 0x%02x), requesting recovery",
		reason, subcode)
	cur, err := nv.Get(nvstorage.RecoveryRequest)
	if err != nil {
		return err
	}
	if cur != nvstorage.RecoveryNotRequested {
		return nil
	}
	if err := nv.Set(nvstorage.FWTryNext, tried); err != nil {
		return err
	}
	return nv.Set(nvstorage.RecoveryRequest, reason)
}
