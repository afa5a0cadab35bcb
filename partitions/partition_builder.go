package partitions

import (
	"context"
	"fmt"
	"math/bits"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/forest"
)

// PartitionStrategy defines how leaves are grouped
type PartitionStrategy int

const (
	UniformCurve  PartitionStrategy = iota // Equal leaf counts along the curve
	WeightedCurve                          // Equal weight sums along the curve
)

func (s PartitionStrategy) String() string {
	switch s {
	case UniformCurve:
		return "uniform"
	case WeightedCurve:
		return "weighted"
	}
	return fmt.Sprintf("PartitionStrategy(%d)", int(s))
}

// mulLess reports a*b < c*d without overflow
func mulLess(a, b, c, d uint64) bool {
	h1, l1 := bits.Mul64(a, b)
	h2, l2 := bits.Mul64(c, d)
	return h1 < h2 || (h1 == h2 && l1 < l2)
}

// CutPoints runs the cut search on a contiguous stretch of the global
// exclusive prefix-sum array. For every p in [0, P] it returns the largest
// position i in prefix with prefix[i]*P <= p*total, so the range ending there
// never overshoots its share of the weight; -1 means even prefix[0] is past the
// target. On the whole array (prefix[0] == 0, total == prefix[len-1]) the
// result is the cut list itself once the ends are pinned to 0 and n.
func CutPoints(prefix []uint64, total uint64, numPartitions int) []int {
	P := uint64(numPartitions)
	cuts := make([]int, numPartitions+1)
	for p := range cuts {
		cuts[p] = sort.Search(len(prefix), func(i int) bool {
			return mulLess(uint64(p), total, prefix[i], P)
		}) - 1
	}
	return cuts
}

// owner returns the partition whose range [cuts[p], cuts[p+1]) holds index g
func owner(cuts []int, g int) int {
	return sort.Search(len(cuts)-1, func(p int) bool { return cuts[p+1] > g })
}

// Cut is a new ownership partition as seen by one rank
type Cut struct {
	Strategy    PartitionStrategy
	Dest        []int // Destination partition of every owned leaf, curve order
	Layout      *PartitionLayout
	Loads       []uint64 // Weight owned by every partition after the cut
	TotalWeight uint64
}

// Outgoing counts the owned leaves that change owner
func (c *Cut) Outgoing(rank int) int {
	n := 0
	for _, d := range c.Dest {
		if d != rank {
			n++
		}
	}
	return n
}

// WeightImbalance is the largest partition load over the mean load
func (c *Cut) WeightImbalance() float64 {
	loads := make([]float64, len(c.Loads))
	for p, l := range c.Loads {
		loads[p] = float64(l)
	}
	mean := floats.Sum(loads) / float64(len(loads))
	if mean == 0 {
		return 0
	}
	return floats.Max(loads) / mean
}

// cutPoint is one rank's candidate for a cut: a global leaf index and the
// exclusive prefix weight there
type cutPoint struct {
	Index  int    `msgpack:"i"`
	Prefix uint64 `msgpack:"w"`
}

// Repartition computes a new curve-order partition of the forest's leaves.
// With nil weights every leaf counts once; otherwise weights holds one
// non-negative cost per owned leaf in curve order. All ranks must pass weights
// or all must pass nil. Repartition is collective and moves nothing; the cut
// is applied by migration.
func Repartition(ctx context.Context, f *forest.Forest, weights []uint64) (*Cut, error) {
	n := f.NumOwned()
	c := f.Comm()
	P, me := c.Size(), c.Rank()
	strategy := UniformCurve
	if weights != nil {
		strategy = WeightedCurve
		if len(weights) != n {
			return nil, fmt.Errorf("%w: %d weights for %d owned leaves", forest.ErrConsistency, len(weights), n)
		}
	}
	weight := func(i int) uint64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	var local uint64
	for i := 0; i < n; i++ {
		local += weight(i)
	}
	first, count, err := comm.ExScan(ctx, c, "partition/count", uint64(n))
	if err != nil {
		return nil, fmt.Errorf("repartition: %w", err)
	}
	offset, total, err := comm.ExScan(ctx, c, "partition/weight", local)
	if err != nil {
		return nil, fmt.Errorf("repartition: %w", err)
	}
	index := int(first)

	// This rank's stretch of the global prefix array; an all-zero weighting
	// falls back to counting leaves
	prefix := make([]uint64, n+1)
	scale := total
	if total == 0 {
		scale = count
		for i := range prefix {
			prefix[i] = first + uint64(i)
		}
	} else {
		prefix[0] = offset
		for i := 0; i < n; i++ {
			prefix[i+1] = prefix[i] + weight(i)
		}
	}
	mine := make([]cutPoint, P+1)
	for p, k := range CutPoints(prefix, scale, P) {
		mine[p] = cutPoint{Index: -1}
		if k >= 0 {
			mine[p] = cutPoint{Index: index + k, Prefix: prefix[k]}
		}
	}
	gathered, err := comm.AllGatherValue(ctx, c, "partition/cuts", mine)
	if err != nil {
		return nil, fmt.Errorf("repartition: %w", err)
	}
	// The global answer is the furthest candidate along the curve
	points := make([]cutPoint, P+1)
	for p := range points {
		points[p] = cutPoint{Index: -1}
		for _, pts := range gathered {
			if pts[p].Index > points[p].Index {
				points[p] = pts[p]
			}
		}
	}
	points[0] = cutPoint{}
	points[P] = cutPoint{Index: int(count), Prefix: scale}

	cut := &Cut{Strategy: strategy, Dest: make([]int, n), TotalWeight: total, Loads: make([]uint64, P)}
	cuts := make([]int, P+1)
	counts := make([]int, P)
	for p := range points {
		cuts[p] = points[p].Index
	}
	for p := 0; p < P; p++ {
		counts[p] = cuts[p+1] - cuts[p]
		if total > 0 {
			cut.Loads[p] = points[p+1].Prefix - points[p].Prefix
		}
	}
	for i := range cut.Dest {
		cut.Dest[i] = owner(cuts, index+i)
	}
	cut.Layout = NewPartitionLayout(counts)
	if err := cut.Layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("%w: invalid partition layout: %w", forest.ErrInvariant, err)
	}
	if cut.Layout.TotalElements != int(count) {
		return nil, fmt.Errorf("%w: cut covers %d of %d leaves", forest.ErrInvariant, cut.Layout.TotalElements, count)
	}

	stats := cut.Layout.PartitionStatistics()
	f.Logger().WithField("action", "repartition").Debugf(
		"%v cut: %d leaves leave this rank, counts min=%d max=%d imbalance=%.3f",
		strategy, cut.Outgoing(me), stats.MinElements, stats.MaxElements, stats.Imbalance)
	return cut, nil
}
