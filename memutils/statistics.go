package memutils

import "math"

// Statistics is a cheap summary of an arena: how many regions are live and how many bytes
// they cover compared to the bytes that have been handed out by the arena so far.
type Statistics struct {
	RegionCount    int
	RegionBytes    int
	CapacityBytes  int
	ReservedBytes  int
	FreeRangeBytes int
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.RegionBytes = 0
	s.CapacityBytes = 0
	s.ReservedBytes = 0
	s.FreeRangeBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.RegionBytes += other.RegionBytes
	s.CapacityBytes += other.CapacityBytes
	s.ReservedBytes += other.ReservedBytes
	s.FreeRangeBytes += other.FreeRangeBytes
}

// DetailedStatistics extends Statistics with size extremes for live regions and free ranges. It is
// more expensive to build, since every region and free range must be visited.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	RegionSizeMin    int
	RegionSizeMax    int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.RegionSizeMin = math.MaxInt
	s.RegionSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeRangeBytes += size

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddRegion(size int) {
	s.RegionCount++
	s.RegionBytes += size

	if size < s.RegionSizeMin {
		s.RegionSizeMin = size
	}

	if size > s.RegionSizeMax {
		s.RegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.RegionSizeMin < s.RegionSizeMin {
		s.RegionSizeMin = other.RegionSizeMin
	}

	if other.RegionSizeMax > s.RegionSizeMax {
		s.RegionSizeMax = other.RegionSizeMax
	}
}
