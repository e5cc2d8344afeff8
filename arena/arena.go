package arena

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/confluence/internal/utils"
	"github.com/vkngwrapper/confluence/memutils"
	"github.com/vkngwrapper/confluence/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	// DefaultCapacity is the backing buffer size used when Options.Capacity is 0. It is equal to 256Mb.
	DefaultCapacity int = 256 * 1024 * 1024
	// DefaultSlackThreshold is the largest number of leftover bytes that will be handed out along with
	// a region carved from a free range, rather than split off into a new free range.
	DefaultSlackThreshold int = 64
)

var (
	// ErrOutOfMemory is returned from Allocate when neither the free list nor the unused tail of the
	// backing buffer can hold the requested region
	ErrOutOfMemory = errors.New("arena is out of memory")
	// ErrUnknownRegion is returned from Deallocate when no live region begins at the provided offset
	ErrUnknownRegion = errors.New("no region is allocated at this offset")
)

// Options contains optional settings when creating an Arena
type Options struct {
	// Capacity is the size in bytes of the backing buffer. It is allocated once, when the
	// arena is created, and never resized
	Capacity int
	// SlackThreshold is the largest number of surplus bytes that may be absorbed into a region
	// reused from the free list. Anything larger is split off and stays free. A negative value
	// disables absorption entirely.
	SlackThreshold int
	// ExternallySynchronized disables the free list and region table mutexes. The consumer must
	// guarantee the arena is only used from one goroutine at a time.
	ExternallySynchronized bool
}

// Arena carves regions out of one fixed-size backing buffer. Regions are first taken from the free
// list of previously released space; if no free range fits, they are bump-allocated from a cursor
// marking the high water mark of the buffer. Advancing the cursor is lock-free.
type Arena struct {
	logger   *slog.Logger
	backing  []byte
	capacity int
	slack    int

	cursor atomic.Int64

	freeMutex utils.OptionalMutex
	freeList  metadata.FreeList

	regionsMutex utils.OptionalMutex
	regions      *swiss.Map[int, int]
}

var _ memutils.Validatable = &Arena{}

// New creates a new Arena and its backing buffer
func New(logger *slog.Logger, options Options) (*Arena, error) {
	capacity := options.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 0 {
		return nil, errors.Newf("invalid arena capacity: %d", capacity)
	}

	slack := options.SlackThreshold
	if slack == 0 {
		slack = DefaultSlackThreshold
	} else if slack < 0 {
		slack = 0
	}

	useMutex := !options.ExternallySynchronized
	return &Arena{
		logger:       utils.LoggerOrNop(logger),
		backing:      make([]byte, capacity),
		capacity:     capacity,
		slack:        slack,
		freeMutex:    utils.OptionalMutex{UseMutex: useMutex},
		regionsMutex: utils.OptionalMutex{UseMutex: useMutex},
		regions:      swiss.NewMap[int, int](64),
	}, nil
}

// Capacity returns the size of the backing buffer in bytes
func (a *Arena) Capacity() int { return a.capacity }

// Cursor returns the current high water mark of the backing buffer. Every byte past the cursor
// has never been handed out.
func (a *Arena) Cursor() int { return int(a.cursor.Load()) }

// Allocate reserves a region of at least size bytes whose offset is a multiple of alignment. The
// size is rounded up to the alignment. An alignment of 0 is treated as 1; any other alignment must
// be a power of two.
func (a *Arena) Allocate(size int, alignment uint) (Region, error) {
	a.logger.Debug("Arena::Allocate", slog.Int("Size", size), slog.Uint64("Alignment", uint64(alignment)))

	if size < 1 {
		return Region{}, errors.Newf("invalid region size: %d", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	if err := memutils.CheckPow2(alignment, "region alignment"); err != nil {
		return Region{}, err
	}

	if size > a.capacity {
		return Region{}, errors.Wrapf(ErrOutOfMemory, "requested %d bytes from a %d byte buffer", size, a.capacity)
	}

	size = memutils.AlignUp(size, alignment)
	if size < 1 || size > a.capacity {
		return Region{}, errors.Wrapf(ErrOutOfMemory, "requested %d bytes at alignment %d from a %d byte buffer",
			size, alignment, a.capacity)
	}

	region, found := a.allocateFromFreeList(size, alignment)
	if !found {
		var err error
		region, err = a.allocateFromCursor(size, alignment)
		if err != nil {
			a.logger.Debug("    Arena::Allocate FAILED", slog.Int("Size", size))
			return Region{}, err
		}
	}

	a.regionsMutex.Lock()
	a.regions.Put(region.Offset, region.Size)
	a.regionsMutex.Unlock()

	memutils.DebugValidate(a)
	return region, nil
}

func (a *Arena) allocateFromFreeList(size int, alignment uint) (Region, bool) {
	a.freeMutex.Lock()
	defer a.freeMutex.Unlock()

	if a.freeList.Len() == 0 || a.freeList.Largest() < size {
		return Region{}, false
	}

	granted, ok := a.freeList.TakeFirstFit(size, alignment, a.slack)
	if !ok {
		return Region{}, false
	}

	return regionFromRange(granted), true
}

func (a *Arena) allocateFromCursor(size int, alignment uint) (Region, error) {
	for {
		current := a.cursor.Load()
		offset := memutils.AlignUp(int(current), alignment)
		next := offset + size

		if next > a.capacity || next < offset {
			return Region{}, errors.Wrapf(ErrOutOfMemory, "requested %d bytes at alignment %d with %d bytes left in the buffer",
				size, alignment, a.capacity-int(current))
		}

		if !a.cursor.CompareAndSwap(current, int64(next)) {
			continue
		}

		if padding := offset - int(current); padding > 0 {
			// Alignment padding skipped by the cursor is still usable by smaller-aligned requests
			a.freeMutex.Lock()
			err := a.freeList.Insert(metadata.Range{Offset: int(current), Size: padding})
			a.freeMutex.Unlock()
			if err != nil {
				panic(errors.Wrapf(err, "cursor padding at offset %d collided with the free list", current))
			}
		}

		return Region{Offset: offset, Size: size}, nil
	}
}

// Deallocate returns the region beginning at offset to the free list, where it is merged with any
// neighbouring free ranges. size is the size the region was requested with; the full granted size
// is always released.
func (a *Arena) Deallocate(offset int, size int) error {
	a.logger.Debug("Arena::Deallocate", slog.Int("Offset", offset), slog.Int("Size", size))

	a.regionsMutex.Lock()
	granted, ok := a.regions.Get(offset)
	if !ok {
		a.regionsMutex.Unlock()
		return errors.Wrapf(ErrUnknownRegion, "offset %d", offset)
	}
	if size > granted {
		a.regionsMutex.Unlock()
		return errors.Newf("attempted to deallocate %d bytes at offset %d, but the region is only %d bytes", size, offset, granted)
	}
	a.regions.Delete(offset)
	a.regionsMutex.Unlock()

	a.freeMutex.Lock()
	err := a.freeList.Insert(metadata.Range{Offset: offset, Size: granted})
	a.freeMutex.Unlock()
	if err != nil {
		return errors.Wrapf(err, "failed to release region at offset %d", offset)
	}

	memutils.DebugValidate(a)
	return nil
}

// Region returns the live region beginning at offset, if any
func (a *Arena) Region(offset int) (Region, bool) {
	a.regionsMutex.Lock()
	defer a.regionsMutex.Unlock()

	size, ok := a.regions.Get(offset)
	if !ok {
		return Region{}, false
	}
	return Region{Offset: offset, Size: size}, true
}

// Reset frees every region at once and rewinds the cursor to the start of the buffer. It must
// not race with Allocate or Deallocate. Regions that were still live are logged.
func (a *Arena) Reset() {
	a.logger.Debug("Arena::Reset")

	a.regionsMutex.Lock()
	defer a.regionsMutex.Unlock()
	a.freeMutex.Lock()
	defer a.freeMutex.Unlock()

	if live := a.regions.Count(); live > 0 {
		a.logger.LogAttrs(context.Background(),
			slog.LevelWarn,
			"[UNRELEASED MEMORY] arena reset with live regions",
			slog.Int("Count", live))
	}

	a.regions = swiss.NewMap[int, int](64)
	a.freeList.Clear()
	a.cursor.Store(0)
}

// Bytes returns the region's bytes as a view into the backing buffer. No data is copied: every
// backend that is granted access to the region sees the same memory.
func (a *Arena) Bytes(region Region) []byte {
	return a.backing[region.Offset:region.End():region.End()]
}

func (a *Arena) liveRegionsLocked() []Region {
	live := make([]Region, 0, a.regions.Count())
	a.regions.Iter(func(offset int, size int) bool {
		live = append(live, Region{Offset: offset, Size: size})
		return false
	})

	sort.Slice(live, func(i, j int) bool {
		return live[i].Offset < live[j].Offset
	})
	return live
}

// Statistics returns a cheap summary of the arena
func (a *Arena) Statistics() memutils.Statistics {
	a.regionsMutex.Lock()
	regionCount := a.regions.Count()
	regionBytes := 0
	a.regions.Iter(func(_ int, size int) bool {
		regionBytes += size
		return false
	})
	a.regionsMutex.Unlock()

	a.freeMutex.Lock()
	freeBytes := a.freeList.SumFree()
	a.freeMutex.Unlock()

	return memutils.Statistics{
		RegionCount:    regionCount,
		RegionBytes:    regionBytes,
		CapacityBytes:  a.capacity,
		ReservedBytes:  a.Cursor(),
		FreeRangeBytes: freeBytes,
	}
}

// AddDetailedStatistics sums this arena's statistics into the provided object
func (a *Arena) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.regionsMutex.Lock()
	defer a.regionsMutex.Unlock()
	a.freeMutex.Lock()
	defer a.freeMutex.Unlock()

	stats.CapacityBytes += a.capacity
	stats.ReservedBytes += a.Cursor()

	for _, region := range a.liveRegionsLocked() {
		stats.AddRegion(region.Size)
	}

	_ = a.freeList.Visit(func(r metadata.Range) error {
		stats.AddFreeRange(r.Size)
		return nil
	})
}

// Validate checks the partition invariant: live regions lie inside the reserved part of the
// buffer, never overlap each other, and never overlap a free range.
func (a *Arena) Validate() error {
	a.regionsMutex.Lock()
	defer a.regionsMutex.Unlock()
	a.freeMutex.Lock()
	defer a.freeMutex.Unlock()

	if err := a.freeList.Validate(); err != nil {
		return err
	}

	cursor := a.Cursor()
	if cursor > a.capacity {
		return errors.Newf("arena cursor %d is past the capacity %d", cursor, a.capacity)
	}

	live := a.liveRegionsLocked()
	free := a.freeList.Ranges()

	usedBytes := 0
	for index, region := range live {
		if region.Offset < 0 || region.End() > cursor {
			return errors.Newf("region [%d, %d) lies outside the reserved range [0, %d)", region.Offset, region.End(), cursor)
		}
		if index > 0 && live[index-1].End() > region.Offset {
			prev := live[index-1]
			return errors.Newf("region [%d, %d) overlaps region [%d, %d)", prev.Offset, prev.End(), region.Offset, region.End())
		}
		usedBytes += region.Size
	}

	// Both lists are sorted, so a merge walk finds any overlap
	regionIndex, freeIndex := 0, 0
	for regionIndex < len(live) && freeIndex < len(free) {
		region := live[regionIndex].asRange()
		freeRange := free[freeIndex]
		if region.Overlaps(freeRange) {
			return errors.Newf("region [%d, %d) overlaps free range [%d, %d)", region.Offset, region.End(), freeRange.Offset, freeRange.End())
		}

		if region.End() <= freeRange.Offset {
			regionIndex++
		} else {
			freeIndex++
		}
	}

	for _, freeRange := range free {
		if freeRange.End() > cursor {
			return errors.Newf("free range [%d, %d) lies outside the reserved range [0, %d)", freeRange.Offset, freeRange.End(), cursor)
		}
	}

	if usedBytes+a.freeList.SumFree() > cursor {
		return errors.Newf("live regions (%d bytes) and free ranges (%d bytes) exceed the reserved %d bytes", usedBytes, a.freeList.SumFree(), cursor)
	}

	return nil
}

// PrintDetailedMap writes a json object describing every live region and free range in the arena
func (a *Arena) PrintDetailedMap(writer *jwriter.Writer) {
	a.regionsMutex.Lock()
	defer a.regionsMutex.Unlock()
	a.freeMutex.Lock()
	defer a.freeMutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(a.capacity)
	objState.Name("ReservedBytes").Int(a.Cursor())
	objState.Name("FreeBytes").Int(a.freeList.SumFree())

	live := a.liveRegionsLocked()
	objState.Name("Regions").Int(len(live))
	objState.Name("FreeRanges").Int(a.freeList.Len())

	arrayState := objState.Name("Map").Array()
	defer arrayState.End()

	free := a.freeList.Ranges()
	regionIndex, freeIndex := 0, 0
	for regionIndex < len(live) || freeIndex < len(free) {
		if freeIndex >= len(free) || (regionIndex < len(live) && live[regionIndex].Offset < free[freeIndex].Offset) {
			region := live[regionIndex]
			obj := arrayState.Object()
			obj.Name("Offset").Int(region.Offset)
			obj.Name("Type").String("REGION")
			obj.Name("Size").Int(region.Size)
			obj.End()
			regionIndex++
			continue
		}

		freeRange := free[freeIndex]
		obj := arrayState.Object()
		obj.Name("Offset").Int(freeRange.Offset)
		obj.Name("Type").String("FREE")
		obj.Name("Size").Int(freeRange.Size)
		obj.End()
		freeIndex++
	}
}
