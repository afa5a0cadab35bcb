package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/config"
	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/element/library/lagrange"
	"github.com/notargets/DGForest/forest"
	"github.com/notargets/DGForest/monitoring"
	"github.com/notargets/DGForest/runner"
	"github.com/notargets/DGForest/transfer"
)

type simOptions struct {
	Cycles int
	Top    float64
	Bottom float64
	Seed   int64
}

type summary struct {
	Leaves      int
	Counts      []int
	Fingerprint uint64
	MaxError    float64 // largest error of the transferred linear field at nodes and cell centers
}

// front is a circle (sphere in 3D) moving through the unit box; cells near
// it get large indicators
type front struct {
	center [3]float64
	speed  [3]float64
	radius float64
}

func newFront(seed int64, dim int) front {
	rng := rand.New(rand.NewSource(seed))
	var fr front
	for k := 0; k < dim; k++ {
		fr.center[k] = 0.25 + 0.5*rng.Float64()
		fr.speed[k] = 0.1 * (rng.Float64() - 0.5)
	}
	fr.radius = 0.15 + 0.1*rng.Float64()
	return fr
}

func (fr front) indicator(g *element.Grid, id element.ID, cycle int) float64 {
	x := g.Center(id)
	var d2 float64
	for k := 0; k < g.Shape().Dim(); k++ {
		dx := x[k] - (fr.center[k] + float64(cycle)*fr.speed[k])
		d2 += dx * dx
	}
	size := math.Ldexp(1, -int(id.Level))
	r := (math.Sqrt(d2) - fr.radius) / 0.2
	return math.Pow(size, float64(g.Shape().Dim())) * (math.Exp(-r*r) + 1e-3)
}

func linearField(x [3]float64) float64 { return 0.5 + x[0] - 0.25*x[1] + 2*x[2] }

func nodalField(f *forest.Forest, np int) [][]float64 {
	out := make([][]float64, f.NumOwned())
	for i, l := range f.Owned() {
		out[i] = make([]float64, np)
		for j := range out[i] {
			out[i][j] = linearField(f.Grid().Vertex(l.ID, j))
		}
	}
	return out
}

// simulate runs adaptive cycles on an in-process group: every cycle selects
// flags by fixed fraction around a moving front, refines, and rebalances by
// cell level, carrying a linear field along through Q1 transfer
func simulate(ctx context.Context, s config.Settings, opts simOptions, logger logrus.FieldLogger, metrics *monitoring.Metrics) (*summary, error) {
	grid, err := s.Grid()
	if err != nil {
		return nil, err
	}
	q1, err := lagrange.NewQ1(s.Dimension)
	if err != nil {
		return nil, err
	}
	out := &summary{}
	err = runner.Run(ctx, s.Ranks, logger, func(ctx context.Context, w *runner.Worker) error {
		f, err := w.NewForest(ctx, grid, forest.Settings{GhostDepth: s.GhostDepth})
		if err != nil {
			return err
		}
		c, err := runner.NewCoordinator(f, runner.Options{
			Policy:          s.Policy(),
			MaxLevel:        s.MaxLevel,
			AutoRepartition: s.AutoRepartition,
			Metrics:         metrics,
		})
		if err != nil {
			return err
		}
		seed, err := comm.Broadcast(ctx, w.Comm, "sim/seed", 0, opts.Seed)
		if err != nil {
			return err
		}
		fr := newFront(seed, s.Dimension)

		field := transfer.New(f, q1, "field")
		if err := field.Prepare(nodalField(f, q1.Np())); err != nil {
			return err
		}
		c.Track(field)

		for cycle := 0; cycle < opts.Cycles; cycle++ {
			indicators := make([]float64, f.NumOwned())
			for i, l := range f.Owned() {
				indicators[i] = fr.indicator(grid, l.ID, cycle)
			}
			if _, err := c.MarkFixedFraction(ctx, indicators, opts.Top, opts.Bottom); err != nil {
				return fmt.Errorf("cycle %d: %w", cycle, err)
			}
			delta, err := c.Refine(ctx)
			if err != nil {
				return fmt.Errorf("cycle %d: %w", cycle, err)
			}
			if !s.AutoRepartition {
				weights := make([]uint64, f.NumOwned())
				for i, l := range f.Owned() {
					weights[i] = 1 + uint64(l.ID.Level)
				}
				if _, err := c.Repartition(ctx, weights); err != nil {
					return fmt.Errorf("cycle %d: %w", cycle, err)
				}
			}
			w.Log.WithFields(logrus.Fields{
				"cycle":     cycle,
				"refined":   len(delta.Refined),
				"coarsened": len(delta.Coarsened),
				"owned":     f.NumOwned(),
			}).Debug("cycle done")
		}

		values, err := field.Interpolate()
		if err != nil {
			return err
		}
		var maxErr float64
		mid := [3]float64{0.5, 0.5, 0.5}
		for i, want := range nodalField(f, q1.Np()) {
			for j := range want {
				maxErr = math.Max(maxErr, math.Abs(values[i][j]-want[j]))
			}
			center := linearField(grid.Center(f.Owned()[i].ID))
			maxErr = math.Max(maxErr, math.Abs(q1.Evaluate(values[i], mid)-center))
		}
		errs, err := comm.AllGatherValue(ctx, w.Comm, "sim/error", maxErr)
		if err != nil {
			return err
		}
		fp, err := f.Fingerprint(ctx)
		if err != nil {
			return err
		}
		if w.Rank == 0 {
			out.Leaves = f.NumGlobalActive()
			out.Counts = f.CountsPerRank()
			out.Fingerprint = fp
			for _, e := range errs {
				out.MaxError = math.Max(out.MaxError, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
