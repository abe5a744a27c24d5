package policy

import (
	"errors"
	"testing"

	"github.com/open-edge-platform/verified-boot/internal/nvstorage"
	"github.com/open-edge-platform/verified-boot/internal/signature"
)

func freshNV(t *testing.T) *nvstorage.Context {
	t.Helper()
	var c nvstorage.Context
	c.Setup()
	c.Teardown()
	c.RawChanged = false
	return &c
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		want BootMode
	}{
		{"all clear", Inputs{}, ModeNormal},
		{"recovery line", Inputs{RecoveryLine: true}, ModeRecovery},
		{"nv recovery request", Inputs{RecRequest: nvstorage.RecoveryRWInvalidOS}, ModeRecovery},
		{"previous boot failed", Inputs{PrevBootFailed: true}, ModeRecovery},
		{"developer line", Inputs{DeveloperLine: true}, ModeDeveloper},
		{"gbb force dev", Inputs{ForceDevOn: true}, ModeDeveloper},
		{"recovery dominates developer", Inputs{RecoveryLine: true, DeveloperLine: true}, ModeRecovery},
	}
	for _, tc := range tests {
		if got := Resolve(tc.in); got != tc.want {
			t.Errorf("%s: Resolve = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// Every cell of the flag × switch table.
func TestFlagTable(t *testing.T) {
	devTests := []struct {
		flags uint32
		devOn bool
		ok    bool
	}{
		{signature.KeyBlockFlagDeveloper0, false, true},
		{signature.KeyBlockFlagDeveloper0, true, false},
		{signature.KeyBlockFlagDeveloper1, false, false},
		{signature.KeyBlockFlagDeveloper1, true, true},
		{signature.KeyBlockFlagDeveloper0 | signature.KeyBlockFlagDeveloper1, false, true},
		{signature.KeyBlockFlagDeveloper0 | signature.KeyBlockFlagDeveloper1, true, true},
		{0, false, false},
		{0, true, false},
	}
	for _, tc := range devTests {
		err := CheckDeveloperFlag(tc.flags, tc.devOn)
		if (err == nil) != tc.ok {
			t.Errorf("CheckDeveloperFlag(0x%x, %v) = %v, want ok=%v", tc.flags, tc.devOn, err, tc.ok)
		}
		if err != nil && !errors.Is(err, ErrFlagMismatch) {
			t.Errorf("wrong error kind: %v", err)
		}
	}

	recTests := []struct {
		flags uint32
		recOn bool
		ok    bool
	}{
		{signature.KeyBlockFlagRecovery0, false, true},
		{signature.KeyBlockFlagRecovery0, true, false},
		{signature.KeyBlockFlagRecovery1, false, false},
		{signature.KeyBlockFlagRecovery1, true, true},
		{signature.KeyBlockFlagRecovery0 | signature.KeyBlockFlagRecovery1, true, true},
		{0, false, false},
	}
	for _, tc := range recTests {
		err := CheckRecoveryFlag(tc.flags, tc.recOn)
		if (err == nil) != tc.ok {
			t.Errorf("CheckRecoveryFlag(0x%x, %v) = %v, want ok=%v", tc.flags, tc.recOn, err, tc.ok)
		}
	}
}

func TestRollbackFatal(t *testing.T) {
	if !RollbackFatal(ModeNormal) || !RollbackFatal(ModeRecovery) {
		t.Error("rollback must be fatal outside developer mode")
	}
	if RollbackFatal(ModeDeveloper) {
		t.Error("rollback must be advisory in developer mode")
	}
}

func TestTPMClearOnModeChange(t *testing.T) {
	nv := freshNV(t)
	if err := RequestTPMClearOnModeChange(nv, false, false); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv.Get(nvstorage.ClearTPMOwnerRequest); v != 0 {
		t.Fatal("no transition must not request TPM clear")
	}

	if err := RequestTPMClearOnModeChange(nv, false, true); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv.Get(nvstorage.ClearTPMOwnerRequest); v != 1 {
		t.Fatal("normal->developer must request TPM clear")
	}

	nv2 := freshNV(t)
	if err := RequestTPMClearOnModeChange(nv2, true, false); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv2.Get(nvstorage.ClearTPMOwnerRequest); v != 1 {
		t.Fatal("developer->normal must request TPM clear")
	}
}

func TestCheckFWTryMirrorsPrevious(t *testing.T) {
	nv := freshNV(t)
	mustSet(t, nv, nvstorage.FWTried, SlotB)
	mustSet(t, nv, nvstorage.FWResult, nvstorage.FWResultSuccess)

	if err := CheckFWTry(nv); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv.Get(nvstorage.FWPrevTried); v != SlotB {
		t.Fatal("previous tried slot not mirrored")
	}
	if v, _ := nv.Get(nvstorage.FWPrevResult); v != nvstorage.FWResultSuccess {
		t.Fatal("previous result not mirrored")
	}
	if v, _ := nv.Get(nvstorage.FWResult); v != nvstorage.FWResultSuccess {
		t.Fatal("successful result must not be disturbed")
	}
}

func TestCheckFWTryExpiresTryingSlot(t *testing.T) {
	nv := freshNV(t)
	mustSet(t, nv, nvstorage.FWTried, SlotA)
	mustSet(t, nv, nvstorage.FWResult, nvstorage.FWResultTrying)

	if err := CheckFWTry(nv); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv.Get(nvstorage.FWResult); v != nvstorage.FWResultFailure {
		t.Fatal("expired try must be marked FAILURE")
	}
	if v, _ := nv.Get(nvstorage.FWTryNext); v != SlotB {
		t.Fatal("next boot must target the other slot")
	}
	if v, _ := nv.Get(nvstorage.FWPrevResult); v != nvstorage.FWResultTrying {
		t.Fatal("previous result must mirror the pre-transition state")
	}
}

func TestFailRedirectsToOtherSlot(t *testing.T) {
	nv := freshNV(t)
	mustSet(t, nv, nvstorage.FWTried, SlotA)
	mustSet(t, nv, nvstorage.TryBCount, 5)

	if err := Fail(nv, nvstorage.RecoveryROInvalidRW, 2); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv.Get(nvstorage.FWResult); v != nvstorage.FWResultFailure {
		t.Fatal("failed slot must record FAILURE")
	}
	if v, _ := nv.Get(nvstorage.FWTryNext); v != SlotB {
		t.Fatal("next boot must target the other slot")
	}
	if v, _ := nv.Get(nvstorage.TryBCount); v != 0 {
		t.Fatal("failing a slot must consume the try budget")
	}
	if v, _ := nv.Get(nvstorage.RecoveryRequest); v != nvstorage.RecoveryNotRequested {
		t.Fatal("single-slot failure must not request recovery")
	}
}

func TestFailBothSlotsRequestsRecovery(t *testing.T) {
	nv := freshNV(t)
	// Previous boot tried slot B and failed; this boot runs slot A.
	mustSet(t, nv, nvstorage.FWTried, SlotA)
	mustSet(t, nv, nvstorage.FWPrevTried, SlotB)
	mustSet(t, nv, nvstorage.FWPrevResult, nvstorage.FWResultFailure)

	if err := Fail(nv, nvstorage.RecoveryROInvalidRW, 7); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv.Get(nvstorage.RecoveryRequest); v != nvstorage.RecoveryROInvalidRW {
		t.Fatalf("recovery request = 0x%02x, want RO_INVALID_RW", v)
	}
	if v, _ := nv.Get(nvstorage.FWTryNext); v != SlotA {
		t.Fatal("with both slots failed, next slot stays put")
	}

	// A later failure must not overwrite the latched reason.
	if err := Fail(nv, nvstorage.RecoveryRWUnspecified, 9); err != nil {
		t.Fatal(err)
	}
	if v, _ := nv.Get(nvstorage.RecoveryRequest); v != nvstorage.RecoveryROInvalidRW {
		t.Fatal("latched recovery reason overwritten")
	}
}

func mustSet(t *testing.T, nv *nvstorage.Context, f nvstorage.Field, v uint32) {
	t.Helper()
	if err := nv.Set(f, v); err != nil {
		t.Fatalf("set %d = %d: %v", f, v, err)
	}
}
