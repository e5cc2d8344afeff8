package metadata

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/confluence/memutils"
)

// Range is a span of bytes inside a single backing buffer, identified by its offset
type Range struct {
	Offset int
	Size   int
}

// End returns the first offset past the end of the range
func (r Range) End() int {
	return r.Offset + r.Size
}

// Overlaps returns true if the two ranges share at least one byte
func (r Range) Overlaps(other Range) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

// FreeList tracks unused ranges of a buffer, ordered by offset. Adjacent ranges are always merged,
// so two neighbouring entries never touch.
//
// FreeList is not safe for concurrent use; the consumer is expected to hold a lock around it.
type FreeList struct {
	ranges  []Range
	sumFree int
}

var _ memutils.Validatable = &FreeList{}

// Len returns the number of distinct free ranges
func (l *FreeList) Len() int { return len(l.ranges) }

// SumFree returns the number of free bytes tracked by the list
func (l *FreeList) SumFree() int { return l.sumFree }

// Clear drops every free range
func (l *FreeList) Clear() {
	l.ranges = l.ranges[:0]
	l.sumFree = 0
}

// Largest returns the size of the largest free range, or 0 if the list is empty
func (l *FreeList) Largest() int {
	largest := 0
	for _, r := range l.ranges {
		if r.Size > largest {
			largest = r.Size
		}
	}
	return largest
}

// Ranges returns a copy of the free ranges in offset order
func (l *FreeList) Ranges() []Range {
	out := make([]Range, len(l.ranges))
	copy(out, l.ranges)
	return out
}

// Visit calls the provided callback once for each free range in offset order, stopping at the
// first error
func (l *FreeList) Visit(visit func(r Range) error) error {
	for _, r := range l.ranges {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

// Insert returns a range to the list, keeping the list sorted by offset, and then merges every
// range whose end meets the next range's start. Inserting a range that overlaps an existing free
// range is an error- it usually means a region was freed twice.
func (l *FreeList) Insert(r Range) error {
	if r.Size < 1 {
		return errors.Errorf("invalid free range size %d at offset %d", r.Size, r.Offset)
	}
	if r.Offset < 0 {
		return errors.Errorf("invalid free range offset %d", r.Offset)
	}

	index := sort.Search(len(l.ranges), func(i int) bool {
		return l.ranges[i].Offset > r.Offset
	})

	if index > 0 && l.ranges[index-1].Overlaps(r) {
		prev := l.ranges[index-1]
		return errors.Errorf("free range [%d, %d) overlaps free range [%d, %d)", r.Offset, r.End(), prev.Offset, prev.End())
	}
	if index < len(l.ranges) && l.ranges[index].Overlaps(r) {
		next := l.ranges[index]
		return errors.Errorf("free range [%d, %d) overlaps free range [%d, %d)", r.Offset, r.End(), next.Offset, next.End())
	}

	l.ranges = append(l.ranges, Range{})
	copy(l.ranges[index+1:], l.ranges[index:])
	l.ranges[index] = r
	l.sumFree += r.Size

	l.coalesce()
	return nil
}

func (l *FreeList) coalesce() {
	if len(l.ranges) < 2 {
		return
	}

	write := 0
	for read := 1; read < len(l.ranges); read++ {
		current := l.ranges[read]
		if l.ranges[write].End() == current.Offset {
			l.ranges[write].Size += current.Size
			continue
		}

		write++
		l.ranges[write] = current
	}

	l.ranges = l.ranges[:write+1]
}

// TakeFirstFit removes space for an allocation of the requested size from the first range that can
// hold it once its start is aligned. Alignment padding in front of the allocation stays in the list.
// If the range has more than slack bytes left over after the allocation, the remainder stays in the
// list as well; otherwise the remainder is granted along with the allocation, and the returned range
// will be larger than requested.
//
// The second return value is false if no range could hold the allocation.
func (l *FreeList) TakeFirstFit(size int, alignment uint, slack int) (Range, bool) {
	memutils.DebugCheckPow2(alignment, "free range alignment")
	if size < 1 {
		return Range{}, false
	}

	for index, candidate := range l.ranges {
		start := memutils.AlignUp(candidate.Offset, alignment)
		padding := start - candidate.Offset
		if padding+size > candidate.Size {
			continue
		}

		granted := Range{Offset: start, Size: size}
		surplus := candidate.End() - granted.End()

		var pieces [2]Range
		pieceCount := 0
		if padding > 0 {
			pieces[pieceCount] = Range{Offset: candidate.Offset, Size: padding}
			pieceCount++
		}
		if surplus > slack {
			pieces[pieceCount] = Range{Offset: granted.End(), Size: surplus}
			pieceCount++
		} else {
			granted.Size += surplus
		}

		l.replace(index, pieces[:pieceCount])
		l.sumFree -= granted.Size

		return granted, true
	}

	return Range{}, false
}

func (l *FreeList) replace(index int, pieces []Range) {
	switch len(pieces) {
	case 0:
		l.ranges = append(l.ranges[:index], l.ranges[index+1:]...)
	case 1:
		l.ranges[index] = pieces[0]
	default:
		l.ranges = append(l.ranges, Range{})
		copy(l.ranges[index+2:], l.ranges[index+1:])
		l.ranges[index] = pieces[0]
		l.ranges[index+1] = pieces[1]
	}
}

// Validate performs internal consistency checks on the list: ranges are sorted, non-empty,
// disjoint, fully merged, and add up to the tracked free size.
func (l *FreeList) Validate() error {
	calculatedFree := 0

	for index, r := range l.ranges {
		if r.Size < 1 {
			return errors.Errorf("free range at offset %d has invalid size %d", r.Offset, r.Size)
		}
		calculatedFree += r.Size

		if index == 0 {
			continue
		}

		prev := l.ranges[index-1]
		if prev.Offset >= r.Offset {
			return errors.Errorf("free range at offset %d is listed after free range at offset %d", r.Offset, prev.Offset)
		}
		if prev.End() > r.Offset {
			return errors.Errorf("free range [%d, %d) overlaps free range [%d, %d)", prev.Offset, prev.End(), r.Offset, r.End())
		}
		if prev.End() == r.Offset {
			return errors.Errorf("free ranges [%d, %d) and [%d, %d) are adjacent but were not merged", prev.Offset, prev.End(), r.Offset, r.End())
		}
	}

	if calculatedFree != l.sumFree {
		return errors.Errorf("the free size of the list is %d, but the free ranges only added up to %d", l.sumFree, calculatedFree)
	}

	return nil
}
