package refine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/forest"
	"github.com/notargets/DGForest/migrate"
)

type Options struct {
	Policy   CoarsenPolicy
	MaxLevel int // deepest level refinement may reach; 0 means element.MaxLevel
}

// Engine turns the refine and coarsen flags of a forest into a new, 2:1
// balanced leaf frontier
type Engine struct {
	f    *forest.Forest
	opts Options
	log  logrus.FieldLogger
}

func NewEngine(f *forest.Forest, opts Options) (*Engine, error) {
	if opts.MaxLevel == 0 {
		opts.MaxLevel = element.MaxLevel
	}
	if opts.MaxLevel < 1 || opts.MaxLevel > element.MaxLevel {
		return nil, fmt.Errorf("max level %d outside [1, %d]", opts.MaxLevel, element.MaxLevel)
	}
	switch opts.Policy {
	case AllSiblings, MajoritySiblings, AnySibling:
	default:
		return nil, fmt.Errorf("invalid coarsen policy %v", opts.Policy)
	}
	return &Engine{f: f, opts: opts, log: f.Logger().WithField("action", "refine")}, nil
}

func (e *Engine) Forest() *forest.Forest { return e.f }

func (e *Engine) Options() Options { return e.opts }

// ComputeNextFrontier installs flags (one per owned leaf, curve order) and
// executes them; nil flags executes the flags already set on the forest.
// It is collective.
func (e *Engine) ComputeNextFrontier(ctx context.Context, flags []forest.Flag) (*forest.TopologyDelta, error) {
	if flags != nil {
		if err := e.f.SetFlags(flags); err != nil {
			return nil, err
		}
	}
	return e.Execute(ctx)
}

// RefineGlobal refines every leaf times times and reports the combined change
func (e *Engine) RefineGlobal(ctx context.Context, times int) (*forest.TopologyDelta, error) {
	base := e.f.OwnedIDs()
	ghosts := e.f.Ghosts()
	for k := 0; k < times; k++ {
		flags := make([]forest.Flag, e.f.NumOwned())
		for i := range flags {
			flags[i] = forest.Refine
		}
		if _, err := e.ComputeNextFrontier(ctx, flags); err != nil {
			return nil, err
		}
	}
	d := forest.Diff(base, e.f.OwnedIDs())
	d.GhostsAdded, d.GhostsRemoved = forest.LeafChanges(ghosts, e.f.Ghosts())
	return d, nil
}

type member struct {
	ID     element.ID  `msgpack:"id"`
	Flag   forest.Flag `msgpack:"f"`
	Vetoed bool        `msgpack:"v"`
	Rank   int         `msgpack:"r"`
}

// familyAt reports whether owned[i] is child 0 of a family whose children
// are all leaves held at owned[i:i+n]
func familyAt(owned []forest.Leaf, i, n int) bool {
	id := owned[i].ID
	if id.Level == 0 || id.ChildIndex() != 0 || i+n > len(owned) {
		return false
	}
	parent, _ := id.Parent()
	for k := 1; k < n; k++ {
		if owned[i+k].ID != parent.Child(k) {
			return false
		}
	}
	return true
}

// familyComplete reports whether all siblings of owned[i] are local leaves
func familyComplete(owned []forest.Leaf, i, n int) bool {
	start := i - owned[i].ID.ChildIndex()
	return start >= 0 && familyAt(owned, start, n)
}

func (e *Engine) decide(members []member) bool {
	requests := 0
	for _, m := range members {
		if m.Flag == forest.Refine || m.Vetoed {
			return false
		}
		if m.Flag == forest.Coarsen {
			requests++
		}
	}
	return e.opts.Policy.allows(requests, len(members))
}

// Execute applies the current flags:
//  1. refine flags at MaxLevel and coarsen flags on tree roots are dropped
//  2. a coarsen request is vetoed when a neighbor is finer, or as fine and
//     flagged for refinement, since the parent would break 2:1 balance
//  3. families split across ranks are decided on the gathered flags of all
//     members and, when merged, first gathered on the rank owning child 0
//  4. refined leaves are replaced by their children, merged families by
//     their parent
//  5. leaves with a neighbor two or more levels finer are refined until no
//     rank finds one
//
// Execute is collective and clears all flags.
func (e *Engine) Execute(ctx context.Context) (*forest.TopologyDelta, error) {
	f := e.f
	n := f.Grid().Shape().NumChildren()
	me := f.Rank()
	ghostsBefore := f.Ghosts()

	flags := f.Flags()
	for i, l := range f.Owned() {
		switch {
		case flags[i] == forest.Refine && int(l.ID.Level) >= e.opts.MaxLevel:
			flags[i] = forest.None
		case flags[i] == forest.Coarsen && l.ID.Level == 0:
			flags[i] = forest.None
		}
	}
	if err := f.SetFlags(flags); err != nil {
		return nil, err
	}
	if err := f.RefreshGhosts(ctx); err != nil {
		return nil, fmt.Errorf("publishing flags: %w", err)
	}

	vetoed := make(map[element.ID]bool)
	for _, l := range f.Owned() {
		if l.Flag != forest.Coarsen {
			continue
		}
		for _, nb := range f.Neighbors(l.ID) {
			if nb.ID.Level > l.ID.Level || (nb.ID.Level == l.ID.Level && nb.Flag == forest.Refine) {
				vetoed[l.ID] = true
				break
			}
		}
	}

	// Families straddling a rank boundary can only sit at either end of the range
	owned := f.Owned()
	var candidates []member
	for i, l := range owned {
		if i >= n-1 && i < len(owned)-(n-1) {
			continue
		}
		if l.ID.Level == 0 || familyComplete(owned, i, n) {
			continue
		}
		candidates = append(candidates, member{ID: l.ID, Flag: l.Flag, Vetoed: vetoed[l.ID], Rank: me})
	}
	gathered, err := comm.AllGatherValue(ctx, f.Comm(), "refine/families", candidates)
	if err != nil {
		return nil, fmt.Errorf("gathering split families: %w", err)
	}
	families := make(map[element.ID][]member)
	for _, ms := range gathered {
		for _, m := range ms {
			parent, _ := m.ID.Parent()
			families[parent] = append(families[parent], m)
		}
	}
	merged := make(map[element.ID]bool)
	head := make(map[element.ID]int)
	for parent, ms := range families {
		if len(ms) != n || !e.decide(ms) {
			continue
		}
		merged[parent] = true
		for _, m := range ms {
			if m.ID.ChildIndex() == 0 {
				head[parent] = m.Rank
			}
		}
	}
	if len(merged) > 0 {
		dest := make([]int, len(owned))
		moving := 0
		for i, l := range owned {
			dest[i] = me
			if parent, ok := l.ID.Parent(); ok && merged[parent] {
				dest[i] = head[parent]
				if dest[i] != me {
					moving++
				}
			}
		}
		if _, err := migrate.Relocate(ctx, f, dest); err != nil {
			return nil, fmt.Errorf("gathering split families: %w", err)
		}
		e.log.Debugf("%d split families merged, %d leaves sent to family heads", len(merged), moving)
	}

	base := f.OwnedIDs()
	owned = f.Owned()
	var next []forest.Leaf
	for i := 0; i < len(owned); {
		l := owned[i]
		if familyAt(owned, i, n) {
			parent, _ := l.ID.Parent()
			coarsen := merged[parent]
			if !coarsen {
				ms := make([]member, n)
				for k := range ms {
					ms[k] = member{ID: owned[i+k].ID, Flag: owned[i+k].Flag, Vetoed: vetoed[owned[i+k].ID]}
				}
				coarsen = e.decide(ms)
			}
			if coarsen {
				next = append(next, forest.Leaf{ID: parent})
				i += n
				continue
			}
		}
		if l.Flag == forest.Refine {
			for _, kid := range l.ID.Children() {
				next = append(next, forest.Leaf{ID: kid})
			}
		} else {
			next = append(next, forest.Leaf{ID: l.ID})
		}
		i++
	}
	if _, err := f.ApplyTopologyUpdate(ctx, next); err != nil {
		return nil, err
	}

	rounds, err := e.balance(ctx)
	if err != nil {
		return nil, err
	}

	d := forest.Diff(base, f.OwnedIDs())
	d.GhostsAdded, d.GhostsRemoved = forest.LeafChanges(ghostsBefore, f.Ghosts())
	e.log.WithFields(logrus.Fields{
		"refined":   len(d.Refined),
		"coarsened": len(d.Coarsened),
		"balance":   rounds,
		"owned":     f.NumOwned(),
	}).Debug("frontier updated")
	return d, nil
}

// balance refines every leaf that has a neighbor at least two levels finer
// until no rank finds one, and returns the number of refining rounds
func (e *Engine) balance(ctx context.Context) (int, error) {
	f := e.f
	for round := 0; ; round++ {
		var next []forest.Leaf
		changed := false
		for _, l := range f.Owned() {
			refine := false
			for _, nb := range f.Neighbors(l.ID) {
				if nb.ID.Level >= l.ID.Level+2 {
					refine = true
					break
				}
			}
			if !refine {
				next = append(next, forest.Leaf{ID: l.ID})
				continue
			}
			changed = true
			for _, kid := range l.ID.Children() {
				next = append(next, forest.Leaf{ID: kid})
			}
		}
		more, err := comm.AllReduceOr(ctx, f.Comm(), fmt.Sprintf("refine/balance/%d", round), changed)
		if err != nil {
			return round, fmt.Errorf("balance round %d: %w", round, err)
		}
		if !more {
			return round, nil
		}
		if _, err := f.ApplyTopologyUpdate(ctx, next); err != nil {
			return round, err
		}
	}
}

// CheckBalance verifies that no two touching leaves differ by more than one
// level. It is collective.
func CheckBalance(ctx context.Context, f *forest.Forest) error {
	var violation error
	for _, l := range f.Owned() {
		for _, nb := range f.Neighbors(l.ID) {
			if int(nb.ID.Level) > int(l.ID.Level)+1 {
				violation = fmt.Errorf("%w: leaf %v (level %d) touches %v (level %d)",
					forest.ErrInvariant, l.ID, l.ID.Level, nb.ID, nb.ID.Level)
				break
			}
		}
		if violation != nil {
			break
		}
	}
	elsewhere, err := comm.AllReduceOr(ctx, f.Comm(), "refine/check_balance", violation != nil)
	if err != nil {
		return err
	}
	if violation != nil {
		return violation
	}
	if elsewhere {
		return fmt.Errorf("%w: 2:1 balance violated on another rank", forest.ErrInvariant)
	}
	return nil
}
