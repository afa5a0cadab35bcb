package refine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/forest"
)

type indicator struct {
	Value float64    `msgpack:"v"`
	ID    element.ID `msgpack:"id"`
	Rank  int        `msgpack:"r"`
	Index int        `msgpack:"i"`
}

// SelectFixedFraction flags leaves from one non-negative indicator per owned
// leaf. Sorted by decreasing indicator, the longest prefix whose sum stays
// within top times the global total is flagged for refinement; walking up
// from the smallest indicator, leaves are flagged for coarsening while the
// running sum is still below bottom times the total. Ties are broken by curve
// order, so the selection does not depend on the partition. Existing flags
// are replaced and the new flags are returned. It is collective.
func (e *Engine) SelectFixedFraction(ctx context.Context, indicators []float64, top, bottom float64) ([]forest.Flag, error) {
	f := e.f
	if len(indicators) != f.NumOwned() {
		return nil, fmt.Errorf("%w: %d indicators for %d owned leaves", forest.ErrConsistency, len(indicators), f.NumOwned())
	}
	if top < 0 || bottom < 0 || top > 1 || bottom > 1 || top+bottom > 1 {
		return nil, fmt.Errorf("fractions top=%g bottom=%g must lie in [0, 1] and sum to at most 1", top, bottom)
	}
	me := f.Rank()
	local := make([]indicator, len(indicators))
	for i, v := range indicators {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: indicator %g of leaf %v", forest.ErrConsistency, v, f.Owned()[i].ID)
		}
		local[i] = indicator{Value: v, ID: f.Owned()[i].ID, Rank: me, Index: i}
	}
	gathered, err := comm.AllGatherValue(ctx, f.Comm(), "refine/indicators", local)
	if err != nil {
		return nil, fmt.Errorf("gathering indicators: %w", err)
	}
	var all []indicator
	for _, part := range gathered {
		all = append(all, part...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Value != all[j].Value {
			return all[i].Value > all[j].Value
		}
		return element.Compare(all[i].ID, all[j].ID) < 0
	})
	values := make([]float64, len(all))
	for i, in := range all {
		values[i] = in.Value
	}
	total := floats.Sum(values)

	selected := make([]forest.Flag, len(all))
	nRefine := 0
	if top > 0 && total > 0 {
		limit, sum := top*total, 0.0
		for ; nRefine < len(all); nRefine++ {
			if sum+values[nRefine] > limit {
				break
			}
			sum += values[nRefine]
			selected[nRefine] = forest.Refine
		}
	}
	nCoarsen := 0
	if bottom > 0 && total > 0 {
		limit, sum := bottom*total, 0.0
		for k := len(all) - 1; k >= nRefine && sum < limit; k-- {
			sum += values[k]
			selected[k] = forest.Coarsen
			nCoarsen++
		}
	}

	flags := make([]forest.Flag, len(indicators))
	for k, in := range all {
		if in.Rank == me {
			flags[in.Index] = selected[k]
		}
	}
	if err := f.SetFlags(flags); err != nil {
		return nil, err
	}
	e.log.Debugf("fixed fraction top=%g bottom=%g: %d refine, %d coarsen of %d", top, bottom, nRefine, nCoarsen, len(all))
	return flags, nil
}
