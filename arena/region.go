package arena

import "github.com/vkngwrapper/confluence/memutils/metadata"

// Region is a span of the arena's backing buffer handed out by Allocate. A region is identified by its
// offset, and its size never changes while it is allocated. The size may be larger than what was
// requested, since requests are rounded up to their alignment and small leftovers are absorbed.
type Region struct {
	Offset int
	Size   int
}

// End returns the first offset past the end of the region
func (r Region) End() int {
	return r.Offset + r.Size
}

func (r Region) asRange() metadata.Range {
	return metadata.Range{Offset: r.Offset, Size: r.Size}
}

func regionFromRange(r metadata.Range) Region {
	return Region{Offset: r.Offset, Size: r.Size}
}
