package gpt

import (
	"sort"

	"github.com/google/uuid"
	"github.com/open-edge-platform/verified-boot/internal/utils/logger"
)

// KernelType is the partition type GUID of a bootable kernel partition.
var KernelType = uuid.MustParse("FE3A2A5D-4F32-41A7-B725-ACCC3285A309")

var kernelTypeGUID = UUIDToGUID(KernelType)

// UpdateType selects the mutation applied by UpdateKernelEntry.
type UpdateType int

const (
	// UpdateTry notes that the current entry is about to be booted and
	// consumes one try if the entry has not yet booted successfully.
	UpdateTry UpdateType = iota + 1
	// UpdateBad permanently ejects the current entry from future boots.
	UpdateBad
)

// IsKernelEntry reports whether the entry is a bootable-kernel entry.
func IsKernelEntry(e *Entry) bool {
	return e.TypeGUID == kernelTypeGUID
}

// NextKernelEntry yields the next candidate kernel partition as its start
// LBA and size in LBAs. Candidates are entries with priority > 0 or the
// successful flag set, ordered by priority, then remaining tries, then the
// successful flag, then table position. Returns ErrNoValidKernel when the
// scan is exhausted.
func (d *Data) NextKernelEntry() (start, size uint64, err error) {
	entries, err := d.activeEntries()
	if err != nil {
		return 0, 0, err
	}
	h, err := d.activeHeader()
	if err != nil {
		return 0, 0, err
	}

	if d.ordering == nil {
		d.ordering = d.buildOrdering(h, entries)
		d.orderingPos = 0
	}

	if d.orderingPos >= len(d.ordering) {
		d.CurrentKernel = -1
		return 0, 0, ErrNoValidKernel
	}

	idx := d.ordering[d.orderingPos]
	d.orderingPos++

	e, err := GetEntry(entries, idx)
	if err != nil {
		return 0, 0, err
	}
	d.CurrentKernel = idx
	if d.currentPriority < 0 {
		d.currentPriority = EntryPriority(e)
	}
	logger.Logger().Debugf("Kernel entry %d: priority=%d tries=%d successful=%v",
		idx, EntryPriority(e), EntryTries(e), EntrySuccessful(e))

	return e.StartingLBA, e.EndingLBA - e.StartingLBA + 1, nil
}

func (d *Data) buildOrdering(h *Header, entries []byte) []int {
	type cand struct {
		index, priority, tries int
		successful             bool
	}
	var cands []cand
	for i := 0; i < int(h.NumberOfEntries); i++ {
		e, err := GetEntry(entries, i)
		if err != nil {
			break
		}
		if !IsKernelEntry(e) {
			continue
		}
		if EntryPriority(e) == 0 && !EntrySuccessful(e) {
			continue
		}
		cands = append(cands, cand{i, EntryPriority(e), EntryTries(e), EntrySuccessful(e)})
	}

	sort.SliceStable(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.priority != cb.priority {
			return ca.priority > cb.priority
		}
		if ca.tries != cb.tries {
			return ca.tries > cb.tries
		}
		if ca.successful != cb.successful {
			return ca.successful
		}
		return ca.index < cb.index
	})

	order := make([]int, len(cands))
	for i, c := range cands {
		order[i] = c.index
	}
	return order
}

// UpdateKernelEntry applies a TRY or BAD outcome to the entry most recently
// yielded by NextKernelEntry. A mutation that changes the entry updates both
// entry arrays, re-seals both headers and flags all four copies for writing;
// a no-op leaves Modified untouched.
func (d *Data) UpdateKernelEntry(update UpdateType) error {
	if d.CurrentKernel < 0 {
		return ErrNoSuchEntry
	}
	entries, err := d.activeEntries()
	if err != nil {
		return err
	}
	e, err := GetEntry(entries, d.CurrentKernel)
	if err != nil {
		return err
	}

	before := e.Attributes
	switch update {
	case UpdateTry:
		if !EntrySuccessful(e) && EntryTries(e) > 0 {
			SetEntryTries(e, EntryTries(e)-1)
		}
	case UpdateBad:
		SetEntryPriority(e, 0)
		SetEntryTries(e, 0)
		SetEntrySuccessful(e, false)
	default:
		return ErrNoSuchEntry
	}
	if e.Attributes == before {
		return nil
	}

	if err := PutEntry(d.PrimaryEntries, d.CurrentKernel, e); err != nil {
		return err
	}
	if err := PutEntry(d.SecondaryEntries, d.CurrentKernel, e); err != nil {
		return err
	}
	return d.flushEntryCRCs()
}

// CurrentKernelGUID returns the unique partition GUID of the entry most
// recently yielded by NextKernelEntry.
func (d *Data) CurrentKernelGUID() (uuid.UUID, error) {
	if d.CurrentKernel < 0 {
		return uuid.Nil, ErrNoSuchEntry
	}
	entries, err := d.activeEntries()
	if err != nil {
		return uuid.Nil, err
	}
	e, err := GetEntry(entries, d.CurrentKernel)
	if err != nil {
		return uuid.Nil, err
	}
	return GUIDToUUID(e.UniqueGUID), nil
}
