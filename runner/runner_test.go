package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/element/library/lagrange"
	"github.com/notargets/DGForest/forest"
	"github.com/notargets/DGForest/monitoring"
	"github.com/notargets/DGForest/transfer"
)

func testGrid(t *testing.T, dim int, reps ...int) *element.Grid {
	t.Helper()
	g, err := element.NewGrid(element.MustShape(dim), reps...)
	require.NoError(t, err)
	return g
}

func planar(x [3]float64) float64 { return 1 - 3*x[0] + 0.5*x[1] }

func nodal(f *forest.Forest, np int) [][]float64 {
	out := make([][]float64, f.NumOwned())
	for i, l := range f.Owned() {
		out[i] = make([]float64, np)
		for j := range out[i] {
			out[i][j] = planar(f.Grid().Vertex(l.ID, j))
		}
	}
	return out
}

func allFlags(f *forest.Forest, flag forest.Flag) []forest.Flag {
	flags := make([]forest.Flag, f.NumOwned())
	for i := range flags {
		flags[i] = flag
	}
	return flags
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{Stable, FlagsSet, true},
		{Stable, PartitionAgreed, true},
		{Stable, TopologyAgreed, false},
		{Stable, MigrationComplete, false},
		{FlagsSet, TopologyAgreed, true},
		{FlagsSet, Stable, false},
		{TopologyAgreed, PartitionAgreed, true},
		{TopologyAgreed, Stable, true},
		{TopologyAgreed, MigrationComplete, false},
		{PartitionAgreed, MigrationComplete, true},
		{PartitionAgreed, Stable, false},
		{MigrationComplete, Stable, true},
		{MigrationComplete, FlagsSet, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%v -> %v", tt.from, tt.to)
	}
	assert.Equal(t, "partition_agreed", PartitionAgreed.String())
}

func TestRunnerWorkers(t *testing.T) {
	_, err := NewRunner(0, nil)
	assert.Error(t, err)

	r, err := NewRunner(3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Size())
	sessions := make([]uuid.UUID, 3)
	err = r.Run(context.Background(), func(ctx context.Context, w *Worker) error {
		sessions[w.Rank] = w.Session
		assert.Equal(t, w.Rank, w.Comm.Rank())
		return w.Comm.Barrier(ctx, "test")
	})
	require.NoError(t, err)
	for _, s := range sessions {
		assert.Equal(t, r.Session(), s)
	}

	boom := errors.New("boom")
	err = Run(context.Background(), 2, nil, func(ctx context.Context, w *Worker) error {
		if w.Rank == 1 {
			return boom
		}
		// Rank 0 waits on a peer that never arrives and is released by cancellation
		return w.Comm.Barrier(ctx, "never")
	})
	assert.ErrorIs(t, err, boom)
}

func TestCoordinatorCycle(t *testing.T) {
	grid := testGrid(t, 2, 2)
	q1, err := lagrange.NewQ1(2)
	require.NoError(t, err)

	fingerprints := make(map[int]uint64)
	for _, P := range []int{1, 3} {
		reg := prometheus.NewRegistry()
		metrics := monitoring.NewMetrics(reg)
		err := Run(context.Background(), P, nil, func(ctx context.Context, w *Worker) error {
			f, err := w.NewForest(ctx, grid, forest.Settings{})
			if err != nil {
				return err
			}
			c, err := NewCoordinator(f, Options{AutoRepartition: true, Metrics: metrics})
			if err != nil {
				return err
			}
			st := transfer.New(f, q1, "u")
			if err := st.Prepare(nodal(f, q1.Np())); err != nil {
				return err
			}
			c.Track(st)

			if err := c.MarkFlags(ctx, allFlags(f, forest.Refine)); err != nil {
				return err
			}
			assert.Equal(t, FlagsSet, c.Phase())
			delta, err := c.Refine(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, Stable, c.Phase())
			assert.NotEmpty(t, delta.Status)
			if P == 3 {
				assert.Equal(t, []int{5, 5, 6}, f.CountsPerRank())
				assert.Equal(t, []int{5, 5, 6}, c.Cut().Layout.Counts)
			}

			got, err := st.Interpolate()
			if err != nil {
				return err
			}
			want := nodal(f, q1.Np())
			for i := range want {
				assert.InDeltaSlice(t, want[i], got[i], 1e-13)
			}
			if w.Rank == 0 {
				fingerprints[P] = c.Fingerprint()
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, float64(P), testutil.ToFloat64(metrics.Cycles.WithLabelValues("refine")))
		assert.Equal(t, float64(P), testutil.ToFloat64(metrics.Cycles.WithLabelValues("repartition")))
		assert.Equal(t, 4.0, testutil.ToFloat64(metrics.CellsRefined))
	}
	assert.Equal(t, fingerprints[1], fingerprints[3])
	assert.NotZero(t, fingerprints[1])
}

func TestCoordinatorManualRepartition(t *testing.T) {
	grid := testGrid(t, 2)
	err := Run(context.Background(), 2, nil, func(ctx context.Context, w *Worker) error {
		f, err := w.NewForest(ctx, grid, forest.Settings{})
		if err != nil {
			return err
		}
		c, err := NewCoordinator(f, Options{})
		if err != nil {
			return err
		}
		if err := c.MarkFlags(ctx, allFlags(f, forest.Refine)); err != nil {
			return err
		}
		if _, err := c.Refine(ctx); err != nil {
			return err
		}
		// No automatic repartition: the single tree stays on rank 1
		// Weights 1 2 3 4 put the half-way cut after the second leaf (3 of 10)
		assert.Equal(t, Stable, c.Phase())
		assert.Equal(t, []int{0, 4}, f.CountsPerRank())

		weights := make([]uint64, f.NumOwned())
		for i := range weights {
			weights[i] = uint64(i + 1)
		}
		cut, err := c.Repartition(ctx, weights)
		if err != nil {
			return err
		}
		assert.Equal(t, Stable, c.Phase())
		assert.Equal(t, []int{2, 2}, f.CountsPerRank())
		assert.Equal(t, []uint64{3, 7}, cut.Loads)
		return nil
	})
	require.NoError(t, err)
}

func TestIllegalTransitions(t *testing.T) {
	grid := testGrid(t, 1, 2)
	err := Run(context.Background(), 1, nil, func(ctx context.Context, w *Worker) error {
		f, err := w.NewForest(ctx, grid, forest.Settings{})
		if err != nil {
			return err
		}
		c, err := NewCoordinator(f, Options{})
		if err != nil {
			return err
		}
		_, err = c.Refine(ctx)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		assert.ErrorIs(t, c.Transition(ctx, MigrationComplete), ErrIllegalTransition)
		assert.ErrorIs(t, c.MarkFlags(ctx, []forest.Flag{forest.Refine}), forest.ErrConsistency)
		assert.Equal(t, Stable, c.Phase())

		if err := c.MarkFlags(ctx, allFlags(f, forest.None)); err != nil {
			return err
		}
		_, err = c.Repartition(ctx, nil)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		_, err = c.MarkFixedFraction(ctx, []float64{1, 2}, 0.5, 0)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		d, err := c.Refine(ctx)
		if err != nil {
			return err
		}
		assert.True(t, d.Empty())
		assert.Equal(t, Stable, c.Phase())
		return nil
	})
	require.NoError(t, err)
}

func TestMismatchedTransitions(t *testing.T) {
	grid := testGrid(t, 1, 2)
	err := Run(context.Background(), 2, nil, func(ctx context.Context, w *Worker) error {
		f, err := w.NewForest(ctx, grid, forest.Settings{})
		if err != nil {
			return err
		}
		c, err := NewCoordinator(f, Options{})
		if err != nil {
			return err
		}
		if w.Rank == 0 {
			return c.Transition(ctx, FlagsSet)
		}
		return c.Transition(ctx, PartitionAgreed)
	})
	assert.True(t, errors.Is(err, comm.ErrProtocolMismatch), "got %v", err)
}

func TestMarkFixedFraction(t *testing.T) {
	grid := testGrid(t, 1, 4)
	err := Run(context.Background(), 2, nil, func(ctx context.Context, w *Worker) error {
		f, err := w.NewForest(ctx, grid, forest.Settings{})
		if err != nil {
			return err
		}
		c, err := NewCoordinator(f, Options{AutoRepartition: true})
		if err != nil {
			return err
		}
		// Global indicators 1 2 | 3 10: the largest alone is 10/16 of the total
		indicators := []float64{1, 2}
		if w.Rank == 1 {
			indicators = []float64{3, 10}
		}
		flags, err := c.MarkFixedFraction(ctx, indicators, 0.7, 0)
		if err != nil {
			return err
		}
		if w.Rank == 1 {
			assert.Equal(t, []forest.Flag{forest.None, forest.Refine}, flags)
		} else {
			assert.Equal(t, []forest.Flag{forest.None, forest.None}, flags)
		}
		if _, err := c.Refine(ctx); err != nil {
			return err
		}
		assert.Equal(t, 5, f.NumGlobalActive())
		assert.Equal(t, []int{2, 3}, f.CountsPerRank())
		return nil
	})
	require.NoError(t, err)
}
