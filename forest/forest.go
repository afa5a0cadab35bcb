package forest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
)

var (
	// ErrConsistency marks caller-supplied data whose length or content does
	// not match the current set of owned leaves
	ErrConsistency = errors.New("consistency violation")
	// ErrInvariant marks an internal invariant failure of the forest
	ErrInvariant = errors.New("invariant violation")
)

// Flag is the refinement intent attached to a leaf until the next refinement pass
type Flag uint8

const (
	None    Flag = iota
	Refine       // replace by its children
	Coarsen      // merge with its siblings into the parent
)

func (f Flag) String() string {
	switch f {
	case None:
		return "none"
	case Refine:
		return "refine"
	case Coarsen:
		return "coarsen"
	}
	return fmt.Sprintf("Flag(%d)", uint8(f))
}

// Leaf is an active cell together with its owner and pending intent
type Leaf struct {
	ID    element.ID `msgpack:"id"`
	Flag  Flag       `msgpack:"f"`
	Owner int        `msgpack:"o"`
}

type Settings struct {
	GhostDepth int // number of ghost layers kept around the owned leaves
}

// Forest is one rank's view of a distributed forest of hypercube trees: the
// leaves it owns, a halo of ghost leaves owned by its neighbors, and the
// curve position at which every rank's range starts.
type Forest struct {
	grid     *element.Grid
	comm     comm.Comm
	log      logrus.FieldLogger
	settings Settings

	owned  []Leaf // curve order
	ghosts []Leaf // curve order
	index  map[element.ID]int

	markers []element.Key // markers[p] is the first key owned by p; markers[P] is the grid end
	counts  []int         // owned leaves per rank

	attachments []Attachment
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// New builds the initial forest: every tree of the coarse grid is a single
// leaf and rank r owns the trees [T*r/P, T*(r+1)/P). New is collective.
func New(ctx context.Context, grid *element.Grid, c comm.Comm, logger logrus.FieldLogger, settings Settings) (*Forest, error) {
	if grid == nil || c == nil {
		return nil, fmt.Errorf("forest requires a coarse grid and a communicator")
	}
	if logger == nil {
		logger = discardLogger()
	}
	if settings.GhostDepth < 1 {
		settings.GhostDepth = 1
	}
	f := &Forest{
		grid:     grid,
		comm:     c,
		log:      logger,
		settings: settings,
	}
	T, P, r := grid.NumTrees(), c.Size(), c.Rank()
	var leaves []Leaf
	for t := T * r / P; t < T*(r+1)/P; t++ {
		leaves = append(leaves, Leaf{ID: grid.Root(t)})
	}
	if err := f.AssignOwnership(ctx, leaves); err != nil {
		return nil, err
	}
	f.log.WithField("action", "forest_init").Debugf("own %d of %d trees", len(leaves), T)
	return f, nil
}

func (f *Forest) Grid() *element.Grid { return f.grid }

func (f *Forest) Comm() comm.Comm { return f.comm }

func (f *Forest) Logger() logrus.FieldLogger { return f.log }

func (f *Forest) Settings() Settings { return f.settings }

func (f *Forest) Rank() int { return f.comm.Rank() }

// Owned returns the owned leaves in curve order; the slice must not be modified
func (f *Forest) Owned() []Leaf { return f.owned }

// Ghosts returns the ghost leaves in curve order; the slice must not be modified
func (f *Forest) Ghosts() []Leaf { return f.ghosts }

func (f *Forest) NumOwned() int { return len(f.owned) }

func (f *Forest) OwnedIDs() []element.ID {
	ids := make([]element.ID, len(f.owned))
	for i, l := range f.owned {
		ids[i] = l.ID
	}
	return ids
}

// CountsPerRank returns the number of leaves owned by every rank
func (f *Forest) CountsPerRank() []int {
	out := make([]int, len(f.counts))
	copy(out, f.counts)
	return out
}

func (f *Forest) NumGlobalActive() int {
	n := 0
	for _, c := range f.counts {
		n += c
	}
	return n
}

// GlobalOffset is the curve position of this rank's first leaf among all leaves
func (f *Forest) GlobalOffset() int {
	n := 0
	for p := 0; p < f.comm.Rank(); p++ {
		n += f.counts[p]
	}
	return n
}

// OwnerOf returns the rank owning the curve position k, -1 before the first range
func (f *Forest) OwnerOf(k element.Key) int {
	return sort.Search(len(f.counts), func(p int) bool { return k.Less(f.markers[p]) }) - 1
}

// ranksIntersecting lists the non-empty ranks whose range meets [lo, hi)
func (f *Forest) ranksIntersecting(lo, hi element.Key) []int {
	p := f.OwnerOf(lo)
	if p < 0 {
		p = 0
	}
	var ranks []int
	for ; p < len(f.counts) && f.markers[p].Less(hi); p++ {
		if f.counts[p] > 0 {
			ranks = append(ranks, p)
		}
	}
	return ranks
}

// AssignOwnership replaces the owned leaves of this rank, refreshes every
// rank's range markers and rebuilds the ghost layer. It is collective.
func (f *Forest) AssignOwnership(ctx context.Context, leaves []Leaf) error {
	owned := make([]Leaf, len(leaves))
	copy(owned, leaves)
	sort.Slice(owned, func(i, j int) bool { return element.Compare(owned[i].ID, owned[j].ID) < 0 })
	index := make(map[element.ID]int, len(owned))
	for i := range owned {
		id := owned[i].ID
		if !f.grid.Contains(id) {
			return fmt.Errorf("%w: leaf %v is not a cell of the coarse grid", ErrInvariant, id)
		}
		if i > 0 && id.First().Less(owned[i-1].ID.Next()) {
			return fmt.Errorf("%w: leaves %v and %v overlap", ErrInvariant, owned[i-1].ID, id)
		}
		owned[i].Owner = f.comm.Rank()
		index[id] = i
	}
	f.owned, f.index = owned, index
	if err := f.refreshMarkers(ctx); err != nil {
		return err
	}
	return f.RefreshGhosts(ctx)
}

type rangeInfo struct {
	Count int         `msgpack:"n"`
	First element.Key `msgpack:"first"`
}

func (f *Forest) refreshMarkers(ctx context.Context) error {
	info := rangeInfo{Count: len(f.owned)}
	if len(f.owned) > 0 {
		info.First = f.owned[0].ID.First()
	}
	all, err := comm.AllGatherValue(ctx, f.comm, "forest/markers", info)
	if err != nil {
		return fmt.Errorf("exchanging range markers: %w", err)
	}
	P := len(all)
	f.counts = make([]int, P)
	f.markers = make([]element.Key, P+1)
	f.markers[P] = f.grid.End()
	for p := P - 1; p >= 0; p-- {
		f.counts[p] = all[p].Count
		if all[p].Count == 0 {
			f.markers[p] = f.markers[p+1]
		} else {
			f.markers[p] = all[p].First
		}
	}
	return nil
}

// SetFlag records the intent for an owned leaf
func (f *Forest) SetFlag(id element.ID, flag Flag) error {
	i, ok := f.index[id]
	if !ok {
		return fmt.Errorf("%w: leaf %v is not owned by rank %d", ErrConsistency, id, f.comm.Rank())
	}
	f.owned[i].Flag = flag
	return nil
}

// SetFlags records the intent of every owned leaf, in curve order
func (f *Forest) SetFlags(flags []Flag) error {
	if len(flags) != len(f.owned) {
		return fmt.Errorf("%w: %d flags for %d owned leaves", ErrConsistency, len(flags), len(f.owned))
	}
	for i, fl := range flags {
		f.owned[i].Flag = fl
	}
	return nil
}

func (f *Forest) Flags() []Flag {
	flags := make([]Flag, len(f.owned))
	for i, l := range f.owned {
		flags[i] = l.Flag
	}
	return flags
}

func (f *Forest) ClearFlags() {
	for i := range f.owned {
		f.owned[i].Flag = None
	}
}
