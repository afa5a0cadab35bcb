package transfer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/forest"
)

// Interpolator projects nodal values between a cell and its children, in
// child-index order
type Interpolator interface {
	Prolong(parent []float64) ([][]float64, error)
	Restrict(children [][]float64) ([]float64, error)
}

// SolutionTransfer carries one nodal vector per owned leaf across refinement,
// coarsening and migration. While prepared it is attached to the forest, so
// its vectors travel with their leaves whenever ownership changes.
type SolutionTransfer struct {
	f      *forest.Forest
	interp Interpolator
	name   string
	values map[element.ID][]float64
}

func New(f *forest.Forest, interp Interpolator, name string) *SolutionTransfer {
	return &SolutionTransfer{f: f, interp: interp, name: name}
}

func (s *SolutionTransfer) Name() string { return s.name }

// Prepare takes one vector per owned leaf, in curve order, and attaches the
// transfer to the forest
func (s *SolutionTransfer) Prepare(values [][]float64) error {
	owned := s.f.Owned()
	if len(values) != len(owned) {
		return fmt.Errorf("%w: %d vectors for %d owned leaves", forest.ErrConsistency, len(values), len(owned))
	}
	s.values = make(map[element.ID][]float64, len(owned))
	for i, l := range owned {
		s.values[l.ID] = values[i]
	}
	s.f.Attach(s)
	return nil
}

// Release detaches the transfer from the forest and drops its vectors
func (s *SolutionTransfer) Release() {
	s.f.Detach(s.name)
	s.values = nil
}

// Project moves the vectors onto the new frontier described by delta:
// refined leaves are prolonged onto their descendants, coarsened families
// restricted onto the parent. It must run after a topology change and before
// the next migration, so that vectors always match the leaves they travel with.
func (s *SolutionTransfer) Project(delta *forest.TopologyDelta) error {
	next := make(map[element.ID][]float64, len(s.values))
	for _, id := range delta.Persisted {
		v, ok := s.values[id]
		if !ok {
			return fmt.Errorf("%w: no vector for persisting leaf %v", forest.ErrInvariant, id)
		}
		next[id] = v
	}
	for old, kids := range delta.Refined {
		v, ok := s.values[old]
		if !ok {
			return fmt.Errorf("%w: no vector for refined leaf %v", forest.ErrInvariant, old)
		}
		if err := s.prolong(old, v, kids, next); err != nil {
			return err
		}
	}
	for parent := range delta.Coarsened {
		v, err := s.restrict(parent)
		if err != nil {
			return err
		}
		next[parent] = v
	}
	for _, id := range delta.Added {
		v, ok := s.values[id]
		if !ok {
			return fmt.Errorf("%w: no vector for added leaf %v", forest.ErrInvariant, id)
		}
		next[id] = v
	}
	s.values = next
	return nil
}

// prolong interpolates v from id down to every target below it
func (s *SolutionTransfer) prolong(id element.ID, v []float64, targets []element.ID, out map[element.ID][]float64) error {
	for _, t := range targets {
		if t == id {
			out[id] = v
			return nil
		}
	}
	kids, err := s.interp.Prolong(v)
	if err != nil {
		return fmt.Errorf("prolonging %v: %w", id, err)
	}
	for i, c := range id.Children() {
		for _, t := range targets {
			if t == c || c.IsAncestorOf(t) {
				if err := s.prolong(c, kids[i], targets, out); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// restrict builds the vector of id from the vectors of its old descendants
func (s *SolutionTransfer) restrict(id element.ID) ([]float64, error) {
	if v, ok := s.values[id]; ok {
		return v, nil
	}
	if int(id.Level) >= element.MaxLevel {
		return nil, fmt.Errorf("%w: no vectors below %v", forest.ErrInvariant, id)
	}
	kids := id.Children()
	vals := make([][]float64, len(kids))
	for i, c := range kids {
		v, err := s.restrict(c)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	v, err := s.interp.Restrict(vals)
	if err != nil {
		return nil, fmt.Errorf("restricting onto %v: %w", id, err)
	}
	return v, nil
}

// Interpolate returns the vectors of the current owned leaves in curve order
func (s *SolutionTransfer) Interpolate() ([][]float64, error) {
	owned := s.f.Owned()
	out := make([][]float64, len(owned))
	for i, l := range owned {
		v, ok := s.values[l.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no vector for leaf %v", forest.ErrInvariant, l.ID)
		}
		out[i] = v
	}
	return out, nil
}

// Pack serializes the vector of id for migration and drops it locally
func (s *SolutionTransfer) Pack(id element.ID) ([]byte, error) {
	v, ok := s.values[id]
	if !ok {
		return nil, fmt.Errorf("no vector for leaf %v", id)
	}
	delete(s.values, id)
	return msgpack.Marshal(v)
}

func (s *SolutionTransfer) Unpack(id element.ID, data []byte) error {
	var v []float64
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decoding vector of leaf %v: %w", id, err)
	}
	s.values[id] = v
	return nil
}
