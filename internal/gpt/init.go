package gpt

import (
	"fmt"

	"github.com/open-edge-platform/verified-boot/internal/crcutil"
	"github.com/open-edge-platform/verified-boot/internal/utils/logger"
)

// Init validates both table copies, repairs a single bad copy from the good
// one, and prepares the kernel entry iterator. On return Modified may carry
// bits for copies that must be rewritten.
func Init(d *Data) error {
	log := logger.Logger()

	switch d.SectorBytes {
	case 512, 1024, 2048, 4096:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidSectorSize, d.SectorBytes)
	}
	if d.Flags&FlagExternal != 0 {
		return fmt.Errorf("%w: external table not supported", ErrInvalidFlags)
	}

	// Smallest layout: protective MBR, two headers, two entry arrays and
	// at least one usable sector.
	minSectors := uint64(pmbrSectors) + 2*(headerSectors+d.entriesSectors()) + 1
	if d.DriveSectors < minSectors {
		return fmt.Errorf("%w: %d sectors, need at least %d", ErrInvalidSectorNumber, d.DriveSectors, minSectors)
	}

	d.CurrentKernel = -1
	d.currentPriority = -1
	d.ordering = nil
	d.orderingPos = 0
	d.validHeaders = 0
	d.validEntries = 0

	if err := CheckHeaderBytes(d.PrimaryHeader, Primary, d.DriveSectors, d.SectorBytes); err != nil {
		log.Debugf("Primary GPT header invalid: %v", err)
	} else {
		d.validHeaders |= validPrimary
	}
	if err := CheckHeaderBytes(d.SecondaryHeader, Secondary, d.DriveSectors, d.SectorBytes); err != nil {
		log.Debugf("Secondary GPT header invalid: %v", err)
	} else {
		d.validHeaders |= validSecondary
	}
	if d.validHeaders == 0 {
		return ErrInvalidHeaders
	}

	// Entries are judged against any valid header; both headers carry the
	// same entry-array CRC.
	h, err := d.activeHeader()
	if err != nil {
		return err
	}
	if err := CheckEntriesBytes(h, d.PrimaryEntries); err != nil {
		log.Debugf("Primary GPT entries invalid: %v", err)
	} else {
		d.validEntries |= validPrimary
	}
	if err := CheckEntriesBytes(h, d.SecondaryEntries); err != nil {
		log.Debugf("Secondary GPT entries invalid: %v", err)
	} else {
		d.validEntries |= validSecondary
	}
	if d.validEntries == 0 {
		return ErrInvalidEntries
	}

	d.repair()
	return nil
}

// repair rebuilds an invalid copy from the valid one and flags it for
// writing. Both copies valid means nothing to do.
func (d *Data) repair() {
	log := logger.Logger()

	switch d.validHeaders {
	case validPrimary:
		log.Debugf("Rebuilding secondary GPT header from primary")
		h, err := ReadHeader(d.PrimaryHeader)
		if err == nil {
			h.MyLBA = d.DriveSectors - 1
			h.AlternateLBA = 1
			h.EntriesLBA = d.DriveSectors - 1 - d.entriesSectors()
			d.sealHeader(h, d.SecondaryHeader)
			d.validHeaders |= validSecondary
			d.Modified |= ModifiedHeader2
		}
	case validSecondary:
		log.Debugf("Rebuilding primary GPT header from secondary")
		h, err := ReadHeader(d.SecondaryHeader)
		if err == nil {
			h.MyLBA = 1
			h.AlternateLBA = d.DriveSectors - 1
			h.EntriesLBA = pmbrSectors + headerSectors
			d.sealHeader(h, d.PrimaryHeader)
			d.validHeaders |= validPrimary
			d.Modified |= ModifiedHeader1
		}
	}

	switch d.validEntries {
	case validPrimary:
		log.Debugf("Rebuilding secondary GPT entries from primary")
		copy(d.SecondaryEntries, d.PrimaryEntries)
		d.validEntries |= validSecondary
		d.Modified |= ModifiedEntries2
	case validSecondary:
		log.Debugf("Rebuilding primary GPT entries from secondary")
		copy(d.PrimaryEntries, d.SecondaryEntries)
		d.validEntries |= validPrimary
		d.Modified |= ModifiedEntries1
	}
}

// sealHeader recomputes the header CRC and serializes h into buf.
func (d *Data) sealHeader(h *Header, buf []byte) {
	h.HeaderCRC32 = 0
	h.MarshalInto(buf)
	h.HeaderCRC32 = crcutil.Crc32(buf[:h.HeaderSize])
	h.MarshalInto(buf)
}

// flushEntryCRCs re-seals both headers after an entry mutation and flags all
// four copies for writing.
func (d *Data) flushEntryCRCs() error {
	for _, side := range []struct {
		headerBuf []byte
		entries   []byte
	}{
		{d.PrimaryHeader, d.PrimaryEntries},
		{d.SecondaryHeader, d.SecondaryEntries},
	} {
		h, err := ReadHeader(side.headerBuf)
		if err != nil {
			return err
		}
		h.EntriesCRC32 = crcutil.Crc32(side.entries[:int(h.NumberOfEntries)*EntrySize])
		d.sealHeader(h, side.headerBuf)
	}
	d.Modified |= ModifiedHeader1 | ModifiedHeader2 | ModifiedEntries1 | ModifiedEntries2
	return nil
}
