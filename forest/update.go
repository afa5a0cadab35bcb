package forest

import (
	"context"
	"fmt"

	"github.com/notargets/DGForest/element"
)

// CellStatus classifies a leaf of the new frontier relative to the old one
type CellStatus uint8

const (
	CellPersist   CellStatus = iota // same leaf before and after
	CellRefined                     // descendant of a refined leaf
	CellCoarsened                   // ancestor of coarsened leaves
	CellAdded                       // region not owned before
)

func (s CellStatus) String() string {
	switch s {
	case CellPersist:
		return "persist"
	case CellRefined:
		return "refined"
	case CellCoarsened:
		return "coarsened"
	case CellAdded:
		return "added"
	}
	return fmt.Sprintf("CellStatus(%d)", uint8(s))
}

// TopologyDelta describes how a rank's owned leaves and ghosts changed
type TopologyDelta struct {
	Persisted []element.ID
	Refined   map[element.ID][]element.ID // old leaf -> new descendants, curve order
	Coarsened map[element.ID][]element.ID // new leaf -> old descendants, curve order
	Removed   []element.ID                // old leaves whose region is no longer owned
	Added     []element.ID                // new leaves whose region was not owned

	Status map[element.ID]CellStatus // every new owned leaf

	GhostsAdded   []element.ID
	GhostsRemoved []element.ID
}

// Empty reports whether the owned frontier is unchanged
func (d *TopologyDelta) Empty() bool {
	return len(d.Refined) == 0 && len(d.Coarsened) == 0 && len(d.Removed) == 0 && len(d.Added) == 0
}

// Diff compares two curve-ordered frontiers of the same rank
func Diff(old, next []element.ID) *TopologyDelta {
	d := &TopologyDelta{
		Refined:   make(map[element.ID][]element.ID),
		Coarsened: make(map[element.ID][]element.ID),
		Status:    make(map[element.ID]CellStatus, len(next)),
	}
	i, j := 0, 0
	for i < len(old) && j < len(next) {
		o, n := old[i], next[j]
		switch {
		case o == n:
			d.Persisted = append(d.Persisted, n)
			d.Status[n] = CellPersist
			i++
			j++
		case o.IsAncestorOf(n):
			var kids []element.ID
			for ; j < len(next) && o.IsAncestorOf(next[j]); j++ {
				kids = append(kids, next[j])
				d.Status[next[j]] = CellRefined
			}
			d.Refined[o] = kids
			i++
		case n.IsAncestorOf(o):
			var olds []element.ID
			for ; i < len(old) && n.IsAncestorOf(old[i]); i++ {
				olds = append(olds, old[i])
			}
			d.Coarsened[n] = olds
			d.Status[n] = CellCoarsened
			j++
		case o.First().Less(n.First()):
			d.Removed = append(d.Removed, o)
			i++
		default:
			d.Added = append(d.Added, n)
			d.Status[n] = CellAdded
			j++
		}
	}
	d.Removed = append(d.Removed, old[i:]...)
	for ; j < len(next); j++ {
		d.Added = append(d.Added, next[j])
		d.Status[next[j]] = CellAdded
	}
	return d
}

// LeafChanges lists the ids present only in next (added) or only in old (removed)
func LeafChanges(old, next []Leaf) (added, removed []element.ID) {
	was := make(map[element.ID]bool, len(old))
	for _, l := range old {
		was[l.ID] = true
	}
	is := make(map[element.ID]bool, len(next))
	for _, l := range next {
		is[l.ID] = true
		if !was[l.ID] {
			added = append(added, l.ID)
		}
	}
	for _, l := range old {
		if !is[l.ID] {
			removed = append(removed, l.ID)
		}
	}
	return added, removed
}

// ApplyTopologyUpdate replaces this rank's owned leaves with next, rebuilds
// the markers and the ghost layer, and reports what changed. It is collective.
func (f *Forest) ApplyTopologyUpdate(ctx context.Context, next []Leaf) (*TopologyDelta, error) {
	old := f.OwnedIDs()
	oldGhosts := f.ghosts
	if err := f.AssignOwnership(ctx, next); err != nil {
		return nil, fmt.Errorf("applying topology update: %w", err)
	}
	d := Diff(old, f.OwnedIDs())
	d.GhostsAdded, d.GhostsRemoved = LeafChanges(oldGhosts, f.ghosts)
	f.log.WithField("action", "topology_update").Debugf(
		"persist=%d refined=%d coarsened=%d removed=%d added=%d ghosts +%d -%d",
		len(d.Persisted), len(d.Refined), len(d.Coarsened), len(d.Removed), len(d.Added),
		len(d.GhostsAdded), len(d.GhostsRemoved))
	return d, nil
}
