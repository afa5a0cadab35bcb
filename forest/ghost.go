package forest

import (
	"context"
	"fmt"
	"sort"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
)

// leavesIn returns the leaves of a curve-ordered, non-overlapping list whose
// range meets [lo, hi)
func leavesIn(list []Leaf, lo, hi element.Key) []Leaf {
	i := sort.Search(len(list), func(i int) bool { return lo.Less(list[i].ID.Next()) })
	j := i
	for j < len(list) && list[j].ID.First().Less(hi) {
		j++
	}
	return list[i:j]
}

// touching collects the leaves of list that share a face, edge or vertex with
// id. Every such leaf lies inside, or contains, a same-level neighbor of id.
func (f *Forest) touching(id element.ID, list []Leaf, seen map[element.ID]bool, out []Leaf) []Leaf {
	for _, n := range f.grid.Neighbors(id) {
		for _, l := range leavesIn(list, n.First(), n.Next()) {
			if seen[l.ID] || !f.grid.Touches(id, l.ID) {
				continue
			}
			seen[l.ID] = true
			out = append(out, l)
		}
	}
	return out
}

// Neighbors returns the owned and ghost leaves touching id
func (f *Forest) Neighbors(id element.ID) []Leaf {
	seen := make(map[element.ID]bool)
	out := f.touching(id, f.owned, seen, nil)
	return f.touching(id, f.ghosts, seen, out)
}

// RefreshGhosts rebuilds the ghost layer at the configured depth
func (f *Forest) RefreshGhosts(ctx context.Context) error {
	_, err := f.GhostLayer(ctx, f.settings.GhostDepth)
	return err
}

// GhostLayer re-derives the ghost layer from the owned leaves of every rank:
// layer 1 holds the leaves of other ranks touching an owned leaf, layer k+1
// the leaves touching layer k. Each layer costs one request/reply exchange in
// which a rank asks every rank whose range meets a neighbor box for the leaves
// it owns around the queried cells. The result replaces the current ghosts
// and carries the owners' current flags. GhostLayer is collective.
func (f *Forest) GhostLayer(ctx context.Context, depth int) ([]Leaf, error) {
	P, me := f.comm.Size(), f.comm.Rank()
	known := make(map[element.ID]bool, len(f.owned))
	frontier := make([]element.ID, 0, len(f.owned))
	for _, l := range f.owned {
		known[l.ID] = true
		frontier = append(frontier, l.ID)
	}
	var ghosts []Leaf
	for layer := 0; layer < depth; layer++ {
		requests := make([][]element.ID, P)
		asked := make([]map[element.ID]bool, P)
		for _, id := range frontier {
			for _, n := range f.grid.Neighbors(id) {
				for _, p := range f.ranksIntersecting(n.First(), n.Next()) {
					if p == me {
						continue
					}
					if asked[p] == nil {
						asked[p] = make(map[element.ID]bool)
					}
					if asked[p][id] {
						continue
					}
					asked[p][id] = true
					requests[p] = append(requests[p], id)
				}
			}
		}
		queries, err := comm.Exchange(ctx, f.comm, fmt.Sprintf("forest/ghost/query/%d", layer), requests)
		if err != nil {
			return nil, fmt.Errorf("ghost layer %d: %w", layer, err)
		}
		replies := make([][]Leaf, P)
		for src, ids := range queries {
			if src == me {
				continue
			}
			seen := make(map[element.ID]bool)
			for _, id := range ids {
				replies[src] = f.touching(id, f.owned, seen, replies[src])
			}
		}
		answers, err := comm.Exchange(ctx, f.comm, fmt.Sprintf("forest/ghost/reply/%d", layer), replies)
		if err != nil {
			return nil, fmt.Errorf("ghost layer %d: %w", layer, err)
		}
		frontier = frontier[:0:0]
		for src, leaves := range answers {
			if src == me {
				continue
			}
			for _, l := range leaves {
				if known[l.ID] {
					continue
				}
				known[l.ID] = true
				l.Owner = src
				ghosts = append(ghosts, l)
				frontier = append(frontier, l.ID)
			}
		}
	}
	sort.Slice(ghosts, func(i, j int) bool { return element.Compare(ghosts[i].ID, ghosts[j].ID) < 0 })
	f.ghosts = ghosts
	f.log.WithField("action", "ghost_layer").Debugf("%d ghosts at depth %d", len(ghosts), depth)
	return ghosts, nil
}
