// Package gpttest builds in-memory disks with valid partition tables for
// tests of the GPT engine and the kernel loader.
package gpttest

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/open-edge-platform/verified-boot/internal/crcutil"
	"github.com/open-edge-platform/verified-boot/internal/gpt"
)

// PartSpec describes one partition on a built disk.
type PartSpec struct {
	Name       string
	Type       uuid.UUID
	Unique     uuid.UUID
	StartLBA   uint64
	SizeLBA    uint64
	Attributes uint64
}

// MemDisk is a sector-granular in-memory disk implementing gpt.Disk.
// Individual reads and writes can be failed by start LBA to exercise I/O
// error paths.
type MemDisk struct {
	SectorBytes uint32
	Buf         []byte

	// FailReadAt and FailWriteAt fail any access whose start LBA is a key.
	FailReadAt  map[uint64]error
	FailWriteAt map[uint64]error

	Reads, Writes int
}

// NewMemDisk creates a zeroed disk of driveSectors sectors.
func NewMemDisk(sectorBytes uint32, driveSectors uint64) *MemDisk {
	return &MemDisk{
		SectorBytes: sectorBytes,
		Buf:         make([]byte, uint64(sectorBytes)*driveSectors),
		FailReadAt:  make(map[uint64]error),
		FailWriteAt: make(map[uint64]error),
	}
}

// DriveSectors returns the disk size in sectors.
func (m *MemDisk) DriveSectors() uint64 {
	return uint64(len(m.Buf)) / uint64(m.SectorBytes)
}

func (m *MemDisk) span(startLBA, countLBA uint64) (int, int, error) {
	if !crcutil.SpanInRange(startLBA, countLBA, m.DriveSectors()) {
		return 0, 0, fmt.Errorf("access beyond device: lba %d count %d", startLBA, countLBA)
	}
	off := int(startLBA * uint64(m.SectorBytes))
	n := int(countLBA * uint64(m.SectorBytes))
	return off, n, nil
}

// Read implements gpt.Disk.
func (m *MemDisk) Read(startLBA, countLBA uint64, dst []byte) error {
	m.Reads++
	if err := m.FailReadAt[startLBA]; err != nil {
		return err
	}
	off, n, err := m.span(startLBA, countLBA)
	if err != nil {
		return err
	}
	if len(dst) < n {
		return fmt.Errorf("destination too small: %d < %d", len(dst), n)
	}
	copy(dst[:n], m.Buf[off:off+n])
	return nil
}

// Write implements gpt.Disk.
func (m *MemDisk) Write(startLBA, countLBA uint64, src []byte) error {
	m.Writes++
	if err := m.FailWriteAt[startLBA]; err != nil {
		return err
	}
	off, n, err := m.span(startLBA, countLBA)
	if err != nil {
		return err
	}
	if len(src) < n {
		return fmt.Errorf("source too small: %d < %d", len(src), n)
	}
	copy(m.Buf[off:off+n], src[:n])
	return nil
}

// WritePartition copies data into the partition starting at startLBA.
func (m *MemDisk) WritePartition(startLBA uint64, data []byte) {
	off := startLBA * uint64(m.SectorBytes)
	copy(m.Buf[off:], data)
}

// Format writes a valid primary and secondary table describing parts onto
// the disk.
func Format(m *MemDisk, parts []PartSpec) error {
	driveSectors := m.DriveSectors()
	entriesSectors := uint64(gpt.TotalEntriesSize) / uint64(m.SectorBytes)

	entries := make([]byte, gpt.TotalEntriesSize)
	for i, p := range parts {
		unique := p.Unique
		if unique == uuid.Nil {
			// Deterministic per-slot GUID keeps built disks reproducible.
			unique = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("gpttest-%d", i)))
		}
		e := &gpt.Entry{
			TypeGUID:    gpt.UUIDToGUID(p.Type),
			UniqueGUID:  gpt.UUIDToGUID(unique),
			StartingLBA: p.StartLBA,
			EndingLBA:   p.StartLBA + p.SizeLBA - 1,
			Attributes:  p.Attributes,
		}
		if err := gpt.SetEntryName(e, p.Name); err != nil {
			return err
		}
		if err := gpt.PutEntry(entries, i, e); err != nil {
			return err
		}
	}
	entriesCRC := crcutil.Crc32(entries[:gpt.MaxEntries*gpt.EntrySize])

	h := gpt.Header{
		Revision:        gpt.Revision,
		HeaderSize:      gpt.HeaderSize,
		MyLBA:           1,
		AlternateLBA:    driveSectors - 1,
		FirstUsableLBA:  2 + entriesSectors,
		LastUsableLBA:   driveSectors - entriesSectors - 2,
		DiskGUID:        gpt.UUIDToGUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("gpttest-disk"))),
		EntriesLBA:      2,
		NumberOfEntries: gpt.MaxEntries,
		SizeOfEntry:     gpt.EntrySize,
		EntriesCRC32:    entriesCRC,
	}
	copy(h.Signature[:], gpt.HeaderSignature)

	writeHeader := func(h gpt.Header, lba uint64) {
		buf := make([]byte, m.SectorBytes)
		h.HeaderCRC32 = 0
		h.MarshalInto(buf)
		h.HeaderCRC32 = crcutil.Crc32(buf[:gpt.HeaderSize])
		h.MarshalInto(buf)
		copy(m.Buf[lba*uint64(m.SectorBytes):], buf)
	}

	writeHeader(h, 1)
	copy(m.Buf[2*uint64(m.SectorBytes):], entries)

	h2 := h
	h2.MyLBA = driveSectors - 1
	h2.AlternateLBA = 1
	h2.EntriesLBA = driveSectors - 1 - entriesSectors
	writeHeader(h2, driveSectors-1)
	copy(m.Buf[h2.EntriesLBA*uint64(m.SectorBytes):], entries)

	return nil
}

// KernelPart is shorthand for a kernel-type PartSpec with the given
// attribute fields.
func KernelPart(name string, startLBA, sizeLBA uint64, priority, tries int, successful bool) PartSpec {
	return PartSpec{
		Name:       name,
		Type:       gpt.KernelType,
		StartLBA:   startLBA,
		SizeLBA:    sizeLBA,
		Attributes: gpt.MakeAttributes(priority, tries, successful),
	}
}
