package partitions

import (
	"fmt"
	"math"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// PartitionLayout describes the ownership partition of the active leaves: a
// contiguous range of the global curve order per partition (rank).
type PartitionLayout struct {
	Counts  []int // Leaves owned by each partition; zero is legal
	Offsets []int // Length NumPartitions+1: partition p owns [Offsets[p], Offsets[p+1])

	// Global sizing information
	TotalElements int // Sum of Counts
	NumPartitions int
}

// NewPartitionLayout builds the layout of contiguous ranges with the given sizes
func NewPartitionLayout(counts []int) *PartitionLayout {
	pl := &PartitionLayout{
		Counts:        append([]int(nil), counts...),
		Offsets:       make([]int, len(counts)+1),
		NumPartitions: len(counts),
	}
	for p, c := range counts {
		pl.Offsets[p+1] = pl.Offsets[p] + c
	}
	pl.TotalElements = pl.Offsets[len(counts)]
	return pl
}

// GetPartition returns the partition containing the leaf at global curve
// position k, or -1 outside the layout
func (pl *PartitionLayout) GetPartition(k int) int {
	if k < 0 || k >= pl.TotalElements {
		return -1
	}
	return sort.Search(pl.NumPartitions, func(p int) bool { return pl.Offsets[p+1] > k })
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	var result *multierror.Error
	if len(pl.Counts) != pl.NumPartitions || len(pl.Offsets) != pl.NumPartitions+1 {
		return fmt.Errorf("layout of %d partitions has %d counts and %d offsets",
			pl.NumPartitions, len(pl.Counts), len(pl.Offsets))
	}
	if pl.Offsets[0] != 0 {
		result = multierror.Append(result, fmt.Errorf("first offset %d != 0", pl.Offsets[0]))
	}
	for p, c := range pl.Counts {
		if c < 0 {
			result = multierror.Append(result, fmt.Errorf("partition %d: negative count %d", p, c))
		}
		if pl.Offsets[p+1]-pl.Offsets[p] != c {
			result = multierror.Append(result, fmt.Errorf("partition %d: offsets [%d, %d) do not match count %d",
				p, pl.Offsets[p], pl.Offsets[p+1], c))
		}
	}
	if pl.Offsets[pl.NumPartitions] != pl.TotalElements {
		result = multierror.Append(result, fmt.Errorf("partitions cover %d elements, TotalElements %d",
			pl.Offsets[pl.NumPartitions], pl.TotalElements))
	}
	return result.ErrorOrNil()
}

// Equal reports whether two layouts assign the same ranges
func (pl *PartitionLayout) Equal(o *PartitionLayout) bool {
	if pl.NumPartitions != o.NumPartitions || pl.TotalElements != o.TotalElements {
		return false
	}
	for p := range pl.Counts {
		if pl.Counts[p] != o.Counts[p] {
			return false
		}
	}
	return true
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinElements:   math.MaxInt32,
		MaxElements:   0,
		AvgElements:   float64(pl.TotalElements) / float64(pl.NumPartitions),
	}

	for _, c := range pl.Counts {
		if c < stats.MinElements {
			stats.MinElements = c
		}
		if c > stats.MaxElements {
			stats.MaxElements = c
		}
	}

	if stats.AvgElements > 0 {
		stats.Imbalance = float64(stats.MaxElements) / stats.AvgElements
	}

	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinElements   int
	MaxElements   int
	AvgElements   float64
	Imbalance     float64 // MaxElements / AvgElements
}
