package gpt

import (
	"fmt"
	"sort"

	"github.com/open-edge-platform/verified-boot/internal/crcutil"
)

// CheckHeaderBytes validates one raw header sector against its own geometry
// and the drive size. which selects the expected location of this copy.
func CheckHeaderBytes(buf []byte, which Which, driveSectors uint64, sectorBytes uint32) error {
	h, err := ReadHeader(buf)
	if err != nil {
		return err
	}

	if string(h.Signature[:]) != HeaderSignature {
		return ErrBadSignature
	}
	if h.HeaderSize < HeaderSize || h.HeaderSize > sectorBytes {
		return fmt.Errorf("%w: header_size %d", ErrInvalidHeaders, h.HeaderSize)
	}
	if int(h.HeaderSize) > len(buf) {
		return fmt.Errorf("%w: header_size %d exceeds buffer", ErrInvalidHeaders, h.HeaderSize)
	}

	// The CRC covers header_size bytes with the CRC field itself zeroed.
	scratch := make([]byte, h.HeaderSize)
	copy(scratch, buf[:h.HeaderSize])
	scratch[16], scratch[17], scratch[18], scratch[19] = 0, 0, 0, 0
	if crcutil.Crc32(scratch) != h.HeaderCRC32 {
		return fmt.Errorf("%w: header", ErrBadCRC)
	}

	switch which {
	case Primary:
		if h.MyLBA != 1 || h.AlternateLBA != driveSectors-1 {
			return fmt.Errorf("%w: primary my_lba %d alternate %d", ErrInvalidHeaders, h.MyLBA, h.AlternateLBA)
		}
	case Secondary:
		if h.MyLBA != driveSectors-1 || h.AlternateLBA != 1 {
			return fmt.Errorf("%w: secondary my_lba %d alternate %d", ErrInvalidHeaders, h.MyLBA, h.AlternateLBA)
		}
	}

	if h.FirstUsableLBA > h.LastUsableLBA || h.LastUsableLBA >= driveSectors {
		return fmt.Errorf("%w: usable range %d..%d", ErrOutOfRegion, h.FirstUsableLBA, h.LastUsableLBA)
	}

	if h.SizeOfEntry != EntrySize {
		return fmt.Errorf("%w: size_of_entry %d", ErrInvalidHeaders, h.SizeOfEntry)
	}
	if h.NumberOfEntries == 0 || h.NumberOfEntries > MaxEntries {
		return fmt.Errorf("%w: number_of_entries %d", ErrInvalidHeaders, h.NumberOfEntries)
	}

	// The entry array must fit on the device and stay clear of the usable
	// region.
	entriesSectors := TotalEntriesSize / uint64(sectorBytes)
	if !crcutil.SpanInRange(h.EntriesLBA, entriesSectors, driveSectors) {
		return fmt.Errorf("%w: entries_lba %d", ErrOutOfRegion, h.EntriesLBA)
	}
	entriesEnd := h.EntriesLBA + entriesSectors - 1
	if h.EntriesLBA <= h.LastUsableLBA && entriesEnd >= h.FirstUsableLBA {
		return fmt.Errorf("%w: entry array inside usable region", ErrOutOfRegion)
	}

	return nil
}

// CheckEntriesBytes validates an entry-array buffer against a validated
// header: the array CRC, every entry's LBA range, pairwise overlap and
// unique-GUID uniqueness.
func CheckEntriesBytes(h *Header, entries []byte) error {
	size := int(h.NumberOfEntries) * EntrySize
	if size > len(entries) {
		return fmt.Errorf("%w: entry array short", ErrInvalidEntries)
	}
	if crcutil.Crc32(entries[:size]) != h.EntriesCRC32 {
		return fmt.Errorf("%w: entry array", ErrBadCRC)
	}

	type span struct {
		start, end uint64
		index      int
	}
	var used []span
	seen := make(map[[16]byte]int)

	for i := 0; i < int(h.NumberOfEntries); i++ {
		e, err := GetEntry(entries, i)
		if err != nil {
			return err
		}
		if e.IsEmpty() {
			continue
		}
		if e.StartingLBA > e.EndingLBA {
			return fmt.Errorf("%w: entry %d range inverted", ErrOutOfRegion, i)
		}
		if e.StartingLBA < h.FirstUsableLBA || e.EndingLBA > h.LastUsableLBA {
			return fmt.Errorf("%w: entry %d outside usable region", ErrOutOfRegion, i)
		}
		if prev, dup := seen[e.UniqueGUID]; dup {
			return fmt.Errorf("%w: entries %d and %d", ErrDupGUID, prev, i)
		}
		seen[e.UniqueGUID] = i
		used = append(used, span{e.StartingLBA, e.EndingLBA, i})
	}

	sort.Slice(used, func(a, b int) bool { return used[a].start < used[b].start })
	for i := 1; i < len(used); i++ {
		if used[i].start <= used[i-1].end {
			return fmt.Errorf("%w: entries %d and %d", ErrOverlap, used[i-1].index, used[i].index)
		}
	}

	return nil
}
