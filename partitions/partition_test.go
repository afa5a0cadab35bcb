package partitions

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/forest"
)

// linearCuts walks the whole weight list and stops each range before the next
// leaf would push it past p*W/P
func linearCuts(weights []uint64, P int) []int {
	var W uint64
	for _, w := range weights {
		W += w
	}
	cuts := make([]int, P+1)
	cuts[P] = len(weights)
	i := 0
	var sum uint64
	for p := 1; p < P; p++ {
		for i < len(weights) && (sum+weights[i])*uint64(P) <= uint64(p)*W {
			sum += weights[i]
			i++
		}
		cuts[p] = i
	}
	return cuts
}

func wholeCuts(weights []uint64, P int) []int {
	prefix := make([]uint64, len(weights)+1)
	for i, w := range weights {
		prefix[i+1] = prefix[i] + w
	}
	cuts := CutPoints(prefix, prefix[len(weights)], P)
	cuts[0], cuts[P] = 0, len(weights)
	return cuts
}

func TestCutPointsExact(t *testing.T) {
	tests := []struct {
		weights []uint64
		P       int
		want    []int
	}{
		// Targets 6: stopping at 5 beats overshooting to 9
		{[]uint64{1, 4, 4, 3}, 2, []int{0, 2, 4}},
		{[]uint64{1, 4, 4, 3}, 3, []int{0, 1, 2, 4}},
		{[]uint64{5, 1, 1, 1, 1, 1}, 2, []int{0, 1, 6}},
		{[]uint64{1, 1, 1, 1, 1}, 2, []int{0, 2, 5}},
		{[]uint64{0, 0, 3, 0, 3, 0}, 2, []int{0, 4, 6}},
		{[]uint64{10, 1, 1}, 3, []int{0, 0, 0, 3}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wholeCuts(tt.weights, tt.P), "weights %v P=%d", tt.weights, tt.P)
	}
}

func TestCutPointsNeverOvershoot(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(200)
		P := 1 + rng.Intn(8)
		weights := make([]uint64, n)
		var W uint64
		for i := range weights {
			weights[i] = uint64(rng.Intn(5)) // zero weights included
			W += weights[i]
		}
		if W == 0 {
			continue
		}
		cuts := wholeCuts(weights, P)
		require.Len(t, cuts, P+1)
		assert.Equal(t, linearCuts(weights, P), cuts, "trial %d", trial)
		var sum uint64
		for p := 1; p < P; p++ {
			sum = 0
			for _, w := range weights[:cuts[p]] {
				sum += w
			}
			assert.LessOrEqual(t, sum*uint64(P), uint64(p)*W, "trial %d cut %d", trial, p)
			if cuts[p] < n {
				assert.Greater(t, (sum+weights[cuts[p]])*uint64(P), uint64(p)*W, "trial %d cut %d", trial, p)
			}
		}
	}
}

func TestCutPointsOnStretch(t *testing.T) {
	// Two halves of [0 1 5 9 12] give the whole-array answer once the furthest
	// candidate per cut is kept
	lo := CutPoints([]uint64{0, 1, 5}, 12, 2)
	hi := CutPoints([]uint64{5, 9, 12}, 12, 2)
	assert.Equal(t, []int{0, 2, 2}, lo)
	assert.Equal(t, []int{-1, 0, 2}, hi)
	assert.Equal(t, 0, owner([]int{0, 2, 4}, 1))
	assert.Equal(t, 1, owner([]int{0, 2, 4}, 2))
	assert.Equal(t, 2, owner([]int{0, 0, 0, 3}, 0))
}

func TestEqualWeightsMatchUniform(t *testing.T) {
	for _, tc := range []struct{ n, P int }{{256, 4}, {10, 4}, {7, 3}, {3, 5}, {1000, 7}} {
		unit := make([]uint64, tc.n)
		big := make([]uint64, tc.n)
		for i := range unit {
			unit[i] = 1
			big[i] = 1 << 52 // cut products overflow 64 bits
		}
		cuts := wholeCuts(unit, tc.P)
		assert.Equal(t, cuts, wholeCuts(big, tc.P))
		lo, hi := tc.n/tc.P, (tc.n+tc.P-1)/tc.P
		for p := 0; p < tc.P; p++ {
			assert.Equal(t, p*tc.n/tc.P, cuts[p])
			size := cuts[p+1] - cuts[p]
			assert.True(t, size == lo || size == hi, "n=%d P=%d partition %d has %d", tc.n, tc.P, p, size)
		}
	}
}

func TestLayout(t *testing.T) {
	pl := NewPartitionLayout([]int{3, 0, 5})
	require.NoError(t, pl.ValidateLayout())
	assert.Equal(t, 8, pl.TotalElements)
	assert.Equal(t, 0, pl.GetPartition(2))
	assert.Equal(t, 2, pl.GetPartition(3))
	assert.Equal(t, -1, pl.GetPartition(8))

	stats := pl.PartitionStatistics()
	assert.Equal(t, 0, stats.MinElements)
	assert.Equal(t, 5, stats.MaxElements)
	assert.InDelta(t, 5/(8.0/3), stats.Imbalance, 1e-12)

	pl.Offsets[2] = 4
	assert.Error(t, pl.ValidateLayout())
}

// refinedGrid runs fn on an 8x8 coarse grid refined once (256 leaves)
func refinedGrid(t *testing.T, P int, fn func(ctx context.Context, f *forest.Forest) error) {
	t.Helper()
	grid, err := element.NewGrid(element.MustShape(2), 8)
	require.NoError(t, err)
	err = comm.Run(context.Background(), P, func(ctx context.Context, c comm.Comm) error {
		f, err := forest.New(ctx, grid, c, nil, forest.Settings{})
		if err != nil {
			return err
		}
		var next []forest.Leaf
		for _, l := range f.Owned() {
			for _, kid := range l.ID.Children() {
				next = append(next, forest.Leaf{ID: kid})
			}
		}
		if _, err := f.ApplyTopologyUpdate(ctx, next); err != nil {
			return err
		}
		return fn(ctx, f)
	})
	require.NoError(t, err)
}

func TestRepartitionUniform(t *testing.T) {
	const P = 3
	cuts := make([]*Cut, P)
	offsets := make([]int, P)
	refinedGrid(t, P, func(ctx context.Context, f *forest.Forest) error {
		cut, err := Repartition(ctx, f, nil)
		cuts[f.Rank()] = cut
		offsets[f.Rank()] = f.GlobalOffset()
		return err
	})
	for r, cut := range cuts {
		assert.Equal(t, []int{85, 85, 86}, cut.Layout.Counts)
		assert.Equal(t, UniformCurve, cut.Strategy)
		for i, d := range cut.Dest {
			assert.Equal(t, cut.Layout.GetPartition(offsets[r]+i), d)
		}
	}
}

func TestRepartitionEqualWeights(t *testing.T) {
	const P = 4
	uniform := make([]*Cut, P)
	weighted := make([]*Cut, P)
	refinedGrid(t, P, func(ctx context.Context, f *forest.Forest) error {
		var err error
		if uniform[f.Rank()], err = Repartition(ctx, f, nil); err != nil {
			return err
		}
		w := make([]uint64, f.NumOwned())
		for i := range w {
			w[i] = 100
		}
		weighted[f.Rank()], err = Repartition(ctx, f, w)
		return err
	})
	for r := 0; r < P; r++ {
		assert.Equal(t, []int{64, 64, 64, 64}, uniform[r].Layout.Counts)
		assert.Equal(t, uniform[r].Dest, weighted[r].Dest)
		assert.True(t, uniform[r].Layout.Equal(weighted[r].Layout))
		assert.Equal(t, WeightedCurve, weighted[r].Strategy)
	}
}

func TestRepartitionWeightedByCenter(t *testing.T) {
	const P = 4
	cuts := make([]*Cut, P)
	weights := make([][]uint64, P)
	refinedGrid(t, P, func(ctx context.Context, f *forest.Forest) error {
		w := make([]uint64, f.NumOwned())
		for i, l := range f.Owned() {
			x := f.Grid().Center(l.ID)
			w[i] = 4
			if x[0] < 0.5 || x[1] < 0.5 {
				w[i] = 1
			}
		}
		weights[f.Rank()] = w
		var err error
		cuts[f.Rank()], err = Repartition(ctx, f, w)
		return err
	})
	cut := cuts[0]
	assert.Equal(t, uint64(192+64*4), cut.TotalWeight)
	assert.Equal(t, 256, cut.Layout.TotalElements)
	global := make([]uint64, 0, 256)
	for r := 0; r < P; r++ {
		global = append(global, weights[r]...)
	}
	want := linearCuts(global, P)
	assert.Equal(t, want, cut.Layout.Offsets)
	for p, load := range cut.Loads {
		var sum uint64
		for _, w := range global[want[p]:want[p+1]] {
			sum += w
		}
		assert.Equal(t, sum, load, "partition %d", p)
		assert.InDelta(t, 112, float64(load), 4, "partition %d", p)
	}
	assert.Less(t, cut.WeightImbalance(), 1.04)
	// The heavy quadrant is last on the curve, so the last ranks own fewer leaves
	assert.Greater(t, cut.Layout.Counts[0], cut.Layout.Counts[P-1])
	for r := 1; r < P; r++ {
		assert.Equal(t, cut.Layout.Counts, cuts[r].Layout.Counts)
	}
}

func TestRepartitionExactCuts(t *testing.T) {
	grid, err := element.NewGrid(element.MustShape(1), 4)
	require.NoError(t, err)
	weights := []uint64{1, 4, 4, 3}
	for _, tc := range []struct {
		P      int
		counts []int
		loads  []uint64
	}{
		{2, []int{2, 2}, []uint64{5, 7}},
		{3, []int{1, 1, 2}, []uint64{1, 4, 7}},
	} {
		dests := make([][]int, tc.P)
		err = comm.Run(context.Background(), tc.P, func(ctx context.Context, c comm.Comm) error {
			f, err := forest.New(ctx, grid, c, nil, forest.Settings{})
			if err != nil {
				return err
			}
			w := weights[f.GlobalOffset() : f.GlobalOffset()+f.NumOwned()]
			cut, err := Repartition(ctx, f, w)
			if err != nil {
				return err
			}
			assert.Equal(t, tc.counts, cut.Layout.Counts, "P=%d", tc.P)
			assert.Equal(t, tc.loads, cut.Loads, "P=%d", tc.P)
			dests[c.Rank()] = cut.Dest
			return nil
		})
		require.NoError(t, err)
		var got []int
		for _, d := range dests {
			got = append(got, d...)
		}
		want := []int{}
		for p, n := range tc.counts {
			for k := 0; k < n; k++ {
				want = append(want, p)
			}
		}
		assert.Equal(t, want, got, "P=%d", tc.P)
	}
}

func TestRepartitionRejectsShortWeights(t *testing.T) {
	grid, err := element.NewGrid(element.MustShape(1), 4)
	require.NoError(t, err)
	err = comm.Run(context.Background(), 1, func(ctx context.Context, c comm.Comm) error {
		f, err := forest.New(ctx, grid, c, nil, forest.Settings{})
		if err != nil {
			return err
		}
		_, err = Repartition(ctx, f, []uint64{1, 2})
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, forest.ErrConsistency), "got %v", err)
}
