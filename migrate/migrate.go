package migrate

import (
	"context"

	"github.com/pkg/errors"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/forest"
	"github.com/notargets/DGForest/partitions"
)

// Stats summarizes one relocation round on one rank
type Stats struct {
	Kept     int
	Sent     int
	Received int
}

// record is the wire form of a leaf changing owner: the leaf and one opaque
// payload per registered attachment, in registration order
type record struct {
	Leaf forest.Leaf `msgpack:"leaf"`
	Data [][]byte    `msgpack:"data"`
}

// Relocate sends every owned leaf i to rank dest[i] together with the data of
// every attachment, then installs the received leaves as the new owned set.
// Destinations must keep every rank's leaves contiguous along the curve. The
// call returns on a rank only after that rank has received and unpacked
// everything addressed to it. Relocate is collective.
func Relocate(ctx context.Context, f *forest.Forest, dest []int) (*Stats, error) {
	c := f.Comm()
	me := c.Rank()
	if len(dest) != f.NumOwned() {
		return nil, errors.Wrapf(forest.ErrConsistency, "%d destinations for %d owned leaves", len(dest), f.NumOwned())
	}
	plan, err := NewPlan(me, c.Size(), dest)
	if err != nil {
		return nil, errors.Wrap(err, "building migration plan")
	}
	if err := plan.Verify(); err != nil {
		return nil, errors.Wrap(err, "verifying migration plan")
	}

	owned := f.Owned()
	attachments := f.Attachments()
	stats := &Stats{}
	out := make([][]record, c.Size())
	var next []forest.Leaf
	for _, buf := range plan.PickIndices {
		for _, i := range buf.Indices {
			leaf := owned[i]
			if buf.TargetPartition == me {
				next = append(next, leaf)
				stats.Kept++
				continue
			}
			rec := record{Leaf: leaf, Data: make([][]byte, len(attachments))}
			for k, a := range attachments {
				if rec.Data[k], err = a.Pack(leaf.ID); err != nil {
					return nil, errors.Wrapf(err, "packing %s for leaf %v", a.Name(), leaf.ID)
				}
			}
			out[buf.TargetPartition] = append(out[buf.TargetPartition], rec)
			stats.Sent++
		}
	}

	in, err := comm.Exchange(ctx, c, "migrate/records", out)
	if err != nil {
		return nil, errors.Wrap(err, "exchanging migrated leaves")
	}
	for src, recs := range in {
		if src == me {
			continue
		}
		for _, rec := range recs {
			if len(rec.Data) != len(attachments) {
				return nil, errors.Wrapf(forest.ErrInvariant, "leaf %v from rank %d carries %d payloads, %d attachments registered",
					rec.Leaf.ID, src, len(rec.Data), len(attachments))
			}
			for k, a := range attachments {
				if err := a.Unpack(rec.Leaf.ID, rec.Data[k]); err != nil {
					return nil, errors.Wrapf(err, "unpacking %s for leaf %v", a.Name(), rec.Leaf.ID)
				}
			}
			next = append(next, rec.Leaf)
			stats.Received++
		}
	}
	if err := f.AssignOwnership(ctx, next); err != nil {
		return nil, errors.Wrap(err, "installing migrated leaves")
	}
	f.Logger().WithField("action", "migrate").Debugf("kept=%d sent=%d received=%d", stats.Kept, stats.Sent, stats.Received)
	return stats, nil
}

// Migrate moves the leaves and their attached payloads to the partition
// described by cut and returns once every rank holds exactly its new range.
// Migrate is collective.
func Migrate(ctx context.Context, f *forest.Forest, cut *partitions.Cut) (*Stats, error) {
	if cut == nil || cut.Layout == nil {
		return nil, errors.New("migrate: nil cut")
	}
	stats, err := Relocate(ctx, f, cut.Dest)
	if err != nil {
		return nil, err
	}
	if want := cut.Layout.Counts[f.Rank()]; f.NumOwned() != want {
		return nil, errors.Wrapf(forest.ErrInvariant, "rank %d owns %d leaves after migration, cut assigns %d",
			f.Rank(), f.NumOwned(), want)
	}
	if err := f.Comm().Barrier(ctx, "migrate/complete"); err != nil {
		return nil, errors.Wrap(err, "migration barrier")
	}
	return stats, nil
}
