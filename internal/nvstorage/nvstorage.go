// Package nvstorage implements the 16-byte CRC-protected non-volatile policy
// block that carries boot-policy bits across reboots: recovery requests, the
// A/B firmware try state, developer-mode toggles and TPM-clear requests.
//
// The block is read from the underlying store by the caller, decoded with
// Setup, mutated through typed Get/Set calls, and sealed with Teardown. The
// codec is the single owner of the block's bit layout; no other package peeks
// at the raw bytes.
package nvstorage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/open-edge-platform/verified-boot/internal/crcutil"
)

// BlockSize is the size of the policy block in bytes.
const BlockSize = 16

// Byte layout of the block. Byte 15 is a CRC-8 over bytes 0..14.
const (
	headerOffset       = 0
	headerMask         = 0xC0
	headerSignature    = 0x40
	headerFirmwareInit = 0x20
	headerKernelInit   = 0x10

	bootOffset          = 1
	bootDebugResetMask  = 0x80
	bootDisableDevMask  = 0x40
	bootOpromNeededMask = 0x20
	bootTryBCountMask   = 0x0F

	recoveryOffset = 2

	localizationOffset = 3

	devFlagsOffset     = 4
	devBootUSBMask     = 0x01
	devBootSignedMask  = 0x02

	tpmFlagsOffset        = 5
	tpmClearRequestMask   = 0x01
	tpmClearDoneMask      = 0x02

	fwOffset           = 6
	fwResultMask       = 0x03
	fwTriedMask        = 0x04
	fwTryNextMask      = 0x08
	fwPrevResultMask   = 0x30
	fwPrevResultShift  = 4
	fwPrevTriedMask    = 0x40

	kernelFieldOffset = 11

	crcOffset = 15
)

// Field identifies one typed field of the policy block.
type Field int

// The closed set of fields the codec understands.
const (
	FirmwareSettingsReset Field = iota
	KernelSettingsReset
	DebugResetMode
	TryBCount
	RecoveryRequest
	LocalizationIndex
	KernelField
	DevBootUSB
	DevBootSignedOnly
	DisableDevRequest
	OpromNeeded
	ClearTPMOwnerRequest
	ClearTPMOwnerDone
	FWTryNext
	FWTried
	FWResult
	FWPrevTried
	FWPrevResult
)

// Recovery reason codes stored in the RecoveryRequest field.
const (
	RecoveryNotRequested  = 0x00
	RecoveryLegacy        = 0x01
	RecoveryROManual      = 0x02
	RecoveryROInvalidRW   = 0x03
	RecoveryROTPMError    = 0x05
	RecoveryROFirmware    = 0x20
	RecoveryROUnspecified = 0x3F
	RecoveryRWDevScreen   = 0x41
	RecoveryRWNoOS        = 0x42
	RecoveryRWInvalidOS   = 0x43
	RecoveryRWTPMError    = 0x44
	RecoveryRWDevMismatch = 0x45
	RecoveryRWSharedData  = 0x46
	RecoveryRWNoDisk      = 0x48
	RecoveryRWUnspecified = 0x7F
)

// Firmware result codes stored in the FWResult and FWPrevResult fields.
const (
	FWResultUnknown = 0
	FWResultTrying  = 1
	FWResultFailure = 2
	FWResultSuccess = 3
)

var (
	// ErrUnknownField is returned for a Field outside the closed enum.
	ErrUnknownField = errors.New("unknown non-volatile field")
	// ErrValueOutOfRange is returned when a Set value does not fit the field.
	ErrValueOutOfRange = errors.New("value out of range for non-volatile field")
)

// Context is the in-memory view of one policy block. Fill Raw from the
// underlying store, call Setup, use Get/Set, then call Teardown and persist
// Raw if RawChanged is set.
type Context struct {
	Raw [BlockSize]byte

	// RawChanged is set by Teardown when Setup reset the block or a Set
	// changed stored bits since Setup, and Raw must be written back to the
	// underlying store.
	RawChanged bool

	regenerateCRC bool
}

type bitField struct {
	offset int
	mask   byte
	shift  uint
}

var bitFields = map[Field]bitField{
	FirmwareSettingsReset: {headerOffset, headerFirmwareInit, 5},
	KernelSettingsReset:   {headerOffset, headerKernelInit, 4},
	DebugResetMode:        {bootOffset, bootDebugResetMask, 7},
	DisableDevRequest:     {bootOffset, bootDisableDevMask, 6},
	OpromNeeded:           {bootOffset, bootOpromNeededMask, 5},
	TryBCount:             {bootOffset, bootTryBCountMask, 0},
	DevBootUSB:            {devFlagsOffset, devBootUSBMask, 0},
	DevBootSignedOnly:     {devFlagsOffset, devBootSignedMask, 1},
	ClearTPMOwnerRequest:  {tpmFlagsOffset, tpmClearRequestMask, 0},
	ClearTPMOwnerDone:     {tpmFlagsOffset, tpmClearDoneMask, 1},
	FWResult:              {fwOffset, fwResultMask, 0},
	FWTried:               {fwOffset, fwTriedMask, 2},
	FWTryNext:             {fwOffset, fwTryNextMask, 3},
	FWPrevResult:          {fwOffset, fwPrevResultMask, fwPrevResultShift},
	FWPrevTried:           {fwOffset, fwPrevTriedMask, 6},
}

// Setup validates the raw block. A bad CRC or an unrecognized header
// signature resets the block to defaults and flags both settings-reset bits
// so the firmware knows state was lost.
func (c *Context) Setup() {
	c.regenerateCRC = false
	c.RawChanged = false

	if c.Raw[headerOffset]&headerMask != headerSignature ||
		crcutil.Crc8(c.Raw[:crcOffset]) != c.Raw[crcOffset] {
		c.resetDefaults()
	}
}

func (c *Context) resetDefaults() {
	for i := range c.Raw {
		c.Raw[i] = 0
	}
	c.Raw[headerOffset] = headerSignature | headerFirmwareInit | headerKernelInit
	c.regenerateCRC = true
}

// Teardown seals the block: if any mutation changed a bit, the CRC is
// regenerated and RawChanged instructs the caller to persist Raw.
func (c *Context) Teardown() {
	if c.regenerateCRC {
		c.Raw[crcOffset] = crcutil.Crc8(c.Raw[:crcOffset])
		c.regenerateCRC = false
		c.RawChanged = true
	}
}

// Get reads the current value of a field.
func (c *Context) Get(f Field) (uint32, error) {
	switch f {
	case RecoveryRequest:
		return uint32(c.Raw[recoveryOffset]), nil
	case LocalizationIndex:
		return uint32(c.Raw[localizationOffset]), nil
	case KernelField:
		return binary.LittleEndian.Uint32(c.Raw[kernelFieldOffset : kernelFieldOffset+4]), nil
	}
	bf, ok := bitFields[f]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownField, f)
	}
	return uint32(c.Raw[bf.offset]&bf.mask) >> bf.shift, nil
}

// Set writes a new value to a field. Values that do not fit the field's
// width are rejected. A set that actually changes stored bits schedules a
// CRC regeneration at Teardown.
func (c *Context) Set(f Field, v uint32) error {
	switch f {
	case RecoveryRequest:
		return c.setByte(recoveryOffset, v)
	case LocalizationIndex:
		return c.setByte(localizationOffset, v)
	case KernelField:
		var enc [4]byte
		binary.LittleEndian.PutUint32(enc[:], v)
		for i, b := range enc {
			if c.Raw[kernelFieldOffset+i] != b {
				c.Raw[kernelFieldOffset+i] = b
				c.regenerateCRC = true
			}
		}
		return nil
	}

	bf, ok := bitFields[f]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownField, f)
	}
	if v > uint32(bf.mask>>bf.shift) {
		return fmt.Errorf("%w: field %d value %d", ErrValueOutOfRange, f, v)
	}
	nb := (c.Raw[bf.offset] &^ bf.mask) | (byte(v<<bf.shift) & bf.mask)
	if nb != c.Raw[bf.offset] {
		c.Raw[bf.offset] = nb
		c.regenerateCRC = true
	}
	return nil
}

func (c *Context) setByte(offset int, v uint32) error {
	if v > 0xFF {
		return fmt.Errorf("%w: offset %d value %d", ErrValueOutOfRange, offset, v)
	}
	if c.Raw[offset] != byte(v) {
		c.Raw[offset] = byte(v)
		c.regenerateCRC = true
	}
	return nil
}
