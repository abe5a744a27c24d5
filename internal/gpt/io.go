package gpt

import (
	"fmt"

	"github.com/open-edge-platform/verified-boot/internal/utils/logger"
)

// Disk is the sector-addressed storage collaborator. Both operations are
// synchronous; errors are opaque to the core.
type Disk interface {
	Read(startLBA, countLBA uint64, dst []byte) error
	Write(startLBA, countLBA uint64, src []byte) error
}

// AllocAndRead allocates the four table buffers and reads both copies from
// the drive, skipping the protective MBR. An entry array is read only when
// its header passes validation, so a corrupt header cannot direct reads to
// arbitrary sectors. Fails only on I/O errors; structural validation is
// Init's job.
func AllocAndRead(disk Disk, d *Data) error {
	log := logger.Logger()
	entriesSectors := d.entriesSectors()

	d.Modified = 0
	d.PrimaryHeader = make([]byte, d.SectorBytes)
	d.SecondaryHeader = make([]byte, d.SectorBytes)
	d.PrimaryEntries = make([]byte, TotalEntriesSize)
	d.SecondaryEntries = make([]byte, TotalEntriesSize)

	if err := disk.Read(1, 1, d.PrimaryHeader); err != nil {
		return fmt.Errorf("read primary header: %w", err)
	}
	if err := CheckHeaderBytes(d.PrimaryHeader, Primary, d.DriveSectors, d.SectorBytes); err != nil {
		log.Debugf("Primary GPT header invalid, skipping its entries: %v", err)
	} else {
		h, _ := ReadHeader(d.PrimaryHeader)
		if err := disk.Read(h.EntriesLBA, entriesSectors, d.PrimaryEntries); err != nil {
			return fmt.Errorf("read primary entries: %w", err)
		}
	}

	if err := disk.Read(d.DriveSectors-1, 1, d.SecondaryHeader); err != nil {
		return fmt.Errorf("read secondary header: %w", err)
	}
	if err := CheckHeaderBytes(d.SecondaryHeader, Secondary, d.DriveSectors, d.SectorBytes); err != nil {
		log.Debugf("Secondary GPT header invalid, skipping its entries: %v", err)
	} else {
		h, _ := ReadHeader(d.SecondaryHeader)
		if err := disk.Read(h.EntriesLBA, entriesSectors, d.SecondaryEntries); err != nil {
			return fmt.Errorf("read secondary entries: %w", err)
		}
	}

	return nil
}

// WriteAndFree writes back every copy flagged in Modified, in the fixed
// order primary header, primary entries, secondary header, secondary
// entries, and releases the buffers on every exit path. A write failure
// skips the remaining writes; the next boot's repair pass reconciles the
// copies. A primary header carrying the legacy signature is never written.
func WriteAndFree(disk Disk, d *Data) (err error) {
	log := logger.Logger()
	entriesSectors := d.entriesSectors()

	defer func() {
		d.PrimaryHeader = nil
		d.SecondaryHeader = nil
		d.PrimaryEntries = nil
		d.SecondaryEntries = nil
	}()

	legacy := false
	primaryEntriesLBA := uint64(pmbrSectors + headerSectors)
	if len(d.PrimaryHeader) >= HeaderSize {
		if h, herr := ReadHeader(d.PrimaryHeader); herr == nil {
			primaryEntriesLBA = h.EntriesLBA
			if d.Modified != 0 {
				legacy = string(h.Signature[:]) == HeaderSignatureLegacy
			}
		}
	}

	if d.Modified&ModifiedHeader1 != 0 && d.PrimaryHeader != nil {
		if legacy {
			log.Debugf("Not updating GPT header 1: legacy mode is enabled")
		} else {
			log.Debugf("Updating GPT header 1")
			if err = disk.Write(1, 1, d.PrimaryHeader); err != nil {
				return fmt.Errorf("write primary header: %w", err)
			}
		}
	}

	if d.Modified&ModifiedEntries1 != 0 && d.PrimaryEntries != nil {
		if legacy {
			log.Debugf("Not updating GPT entries 1: legacy mode is enabled")
		} else {
			log.Debugf("Updating GPT entries 1")
			if err = disk.Write(primaryEntriesLBA, entriesSectors, d.PrimaryEntries); err != nil {
				return fmt.Errorf("write primary entries: %w", err)
			}
		}
	}

	secondaryEntriesLBA := d.DriveSectors - entriesSectors - headerSectors
	if len(d.SecondaryHeader) >= HeaderSize {
		if h, herr := ReadHeader(d.SecondaryHeader); herr == nil {
			secondaryEntriesLBA = h.EntriesLBA
		}
	}

	if d.Modified&ModifiedHeader2 != 0 && d.SecondaryHeader != nil {
		log.Debugf("Updating GPT header 2")
		if err = disk.Write(d.DriveSectors-1, 1, d.SecondaryHeader); err != nil {
			return fmt.Errorf("write secondary header: %w", err)
		}
	}

	if d.Modified&ModifiedEntries2 != 0 && d.SecondaryEntries != nil {
		log.Debugf("Updating GPT entries 2")
		if err = disk.Write(secondaryEntriesLBA, entriesSectors, d.SecondaryEntries); err != nil {
			return fmt.Errorf("write secondary entries: %w", err)
		}
	}

	return nil
}
