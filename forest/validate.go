package forest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spaolacci/murmur3"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
)

type spanInfo struct {
	Count int         `msgpack:"n"`
	First element.Key `msgpack:"first"`
	End   element.Key `msgpack:"end"`
}

// Validate checks the local leaf frontier, the ghost layer and the global
// partition: every rank's leaves abut along the curve, the ranges of all ranks
// follow each other without gap or overlap and together cover the coarse grid.
// All violations found are reported together. Validate is collective.
func (f *Forest) Validate(ctx context.Context) error {
	var result *multierror.Error
	me := f.comm.Rank()
	for i, l := range f.owned {
		if l.Owner != me {
			result = multierror.Append(result, fmt.Errorf("leaf %v owned by %d recorded as owned by %d", l.ID, me, l.Owner))
		}
		if j, ok := f.index[l.ID]; !ok || j != i {
			result = multierror.Append(result, fmt.Errorf("leaf %v missing from index", l.ID))
		}
		if i > 0 && f.owned[i-1].ID.Next() != l.ID.First() {
			result = multierror.Append(result, fmt.Errorf("leaves %v and %v do not abut", f.owned[i-1].ID, l.ID))
		}
	}
	for _, g := range f.ghosts {
		if g.Owner == me {
			result = multierror.Append(result, fmt.Errorf("ghost %v owned by this rank", g.ID))
		}
		if p := f.OwnerOf(g.ID.First()); p != g.Owner {
			result = multierror.Append(result, fmt.Errorf("ghost %v recorded as owned by %d, range markers say %d", g.ID, g.Owner, p))
		}
		if _, ok := f.index[g.ID]; ok {
			result = multierror.Append(result, fmt.Errorf("ghost %v is also owned", g.ID))
		}
	}

	info := spanInfo{Count: len(f.owned)}
	if len(f.owned) > 0 {
		info.First = f.owned[0].ID.First()
		info.End = f.owned[len(f.owned)-1].ID.Next()
	}
	all, err := comm.AllGatherValue(ctx, f.comm, "forest/validate", info)
	if err != nil {
		return fmt.Errorf("validating forest: %w", err)
	}
	expect := element.Key{}
	for p, s := range all {
		if s.Count != f.counts[p] {
			result = multierror.Append(result, fmt.Errorf("rank %d owns %d leaves, markers record %d", p, s.Count, f.counts[p]))
		}
		if s.Count == 0 {
			continue
		}
		if s.First != expect {
			result = multierror.Append(result, fmt.Errorf("rank %d starts at %v, expected %v", p, s.First, expect))
		}
		expect = s.End
	}
	if expect != f.grid.End() {
		result = multierror.Append(result, fmt.Errorf("leaves end at %v, expected %v", expect, f.grid.End()))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return nil
}

func hashID(id element.ID) uint64 {
	var buf [17]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(id.Tree))
	buf[4] = id.Level
	for k := 0; k < 3; k++ {
		binary.LittleEndian.PutUint32(buf[5+4*k:], id.Coord[k])
	}
	return murmur3.Sum64(buf[:])
}

// Fingerprint hashes the global leaf frontier. It depends only on the set of
// leaves, not on which rank owns them. Fingerprint is collective.
func (f *Forest) Fingerprint(ctx context.Context) (uint64, error) {
	var sum uint64
	for _, l := range f.owned {
		sum += hashID(l.ID)
	}
	return comm.AllReduceSum(ctx, f.comm, "forest/fingerprint", sum)
}

// GlobalLeaves gathers the whole frontier in curve order on every rank. It is
// collective and meant for tests and small meshes.
func (f *Forest) GlobalLeaves(ctx context.Context) ([]element.ID, error) {
	all, err := comm.AllGatherValue(ctx, f.comm, "forest/leaves", f.OwnedIDs())
	if err != nil {
		return nil, err
	}
	var out []element.ID
	for _, ids := range all {
		out = append(out, ids...)
	}
	return out, nil
}
