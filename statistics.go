package immix

import "math"

type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	FreeBlockCount        int
	RecyclableBlockCount  int
	UnavailableBlockCount int

	MarkedLineCount   int
	FreeLineCount     int
	ExcludedLineCount int

	HoleCount   int
	HoleSizeMin int
	HoleSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeBlockCount = 0
	s.RecyclableBlockCount = 0
	s.UnavailableBlockCount = 0
	s.MarkedLineCount = 0
	s.FreeLineCount = 0
	s.ExcludedLineCount = 0
	s.HoleCount = 0
	s.HoleSizeMin = math.MaxInt
	s.HoleSizeMax = 0
}

// AddHole accounts for a single reusable hole of the given size in bytes.
func (s *DetailedStatistics) AddHole(size int) {
	s.HoleCount++

	if size < s.HoleSizeMin {
		s.HoleSizeMin = size
	}

	if size > s.HoleSizeMax {
		s.HoleSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeBlockCount += other.FreeBlockCount
	s.RecyclableBlockCount += other.RecyclableBlockCount
	s.UnavailableBlockCount += other.UnavailableBlockCount
	s.MarkedLineCount += other.MarkedLineCount
	s.FreeLineCount += other.FreeLineCount
	s.ExcludedLineCount += other.ExcludedLineCount
	s.HoleCount += other.HoleCount

	if other.HoleSizeMin < s.HoleSizeMin {
		s.HoleSizeMin = other.HoleSizeMin
	}

	if other.HoleSizeMax > s.HoleSizeMax {
		s.HoleSizeMax = other.HoleSizeMax
	}
}
