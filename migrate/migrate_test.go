package migrate

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/forest"
	"github.com/notargets/DGForest/partitions"
)

func TestPlan(t *testing.T) {
	p, err := NewPlan(1, 3, []int{0, 1, 1, 2})
	require.NoError(t, err)
	require.NoError(t, p.Verify())
	assert.Equal(t, []int{0}, p.GetPickIndices(0))
	assert.Equal(t, []int{1, 2}, p.GetPickIndices(1))
	assert.Equal(t, []int{3}, p.GetPickIndices(2))
	assert.Nil(t, p.GetPickIndices(3))
	assert.Equal(t, 2, p.Outgoing())

	p.PickIndices[2].Indices = nil
	assert.Error(t, p.Verify())

	_, err = NewPlan(0, 2, []int{0, 2})
	assert.Error(t, err)
	_, err = NewPlan(2, 2, nil)
	assert.Error(t, err)
}

// blobs is an attachment holding opaque bytes per leaf
type blobs struct {
	data map[element.ID][]byte
}

func (b *blobs) Name() string { return "blobs" }

func (b *blobs) Pack(id element.ID) ([]byte, error) {
	d, ok := b.data[id]
	if !ok {
		return nil, errors.New("no data")
	}
	delete(b.data, id)
	return d, nil
}

func (b *blobs) Unpack(id element.ID, data []byte) error {
	b.data[id] = data
	return nil
}

func payload(rng *rand.Rand, id element.ID) []byte {
	var buf bytes.Buffer
	buf.WriteString(id.String())
	for i := 0; i < 3; i++ {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float64bits(rng.NormFloat64()))
	}
	return buf.Bytes()
}

func TestMigrateRoundTripIsBitForBit(t *testing.T) {
	const P = 3
	grid, err := element.NewGrid(element.MustShape(2), 8)
	require.NoError(t, err)
	err = comm.Run(context.Background(), P, func(ctx context.Context, c comm.Comm) error {
		f, err := forest.New(ctx, grid, c, nil, forest.Settings{})
		if err != nil {
			return err
		}
		var next []forest.Leaf
		for _, l := range f.Owned() {
			for _, kid := range l.ID.Children() {
				next = append(next, forest.Leaf{ID: kid})
			}
		}
		if _, err := f.ApplyTopologyUpdate(ctx, next); err != nil {
			return err
		}

		rng := rand.New(rand.NewSource(int64(c.Rank())))
		store := &blobs{data: make(map[element.ID][]byte)}
		orig := make(map[element.ID][]byte)
		for _, l := range f.Owned() {
			d := payload(rng, l.ID)
			store.data[l.ID] = d
			orig[l.ID] = append([]byte(nil), d...)
		}
		f.Attach(store)
		origCounts := f.CountsPerRank()

		cut, err := partitions.Repartition(ctx, f, nil)
		if err != nil {
			return err
		}
		stats, err := Migrate(ctx, f, cut)
		if err != nil {
			return err
		}
		assert.Equal(t, cut.Layout.Counts[c.Rank()], f.NumOwned())
		assert.Equal(t, stats.Kept+stats.Received, f.NumOwned())
		assert.Len(t, store.data, f.NumOwned())
		for _, l := range f.Owned() {
			assert.Contains(t, string(store.data[l.ID]), l.ID.String())
		}
		if err := f.Validate(ctx); err != nil {
			return err
		}

		// Back to the original ranges
		back := partitions.NewPartitionLayout(origCounts)
		dest := make([]int, f.NumOwned())
		for i := range dest {
			dest[i] = back.GetPartition(f.GlobalOffset() + i)
		}
		if _, err := Migrate(ctx, f, &partitions.Cut{Dest: dest, Layout: back}); err != nil {
			return err
		}
		assert.Equal(t, orig, store.data)
		return f.Validate(ctx)
	})
	require.NoError(t, err)
}

func TestMigrateRejectsWrongDestinationCount(t *testing.T) {
	grid, err := element.NewGrid(element.MustShape(1), 4)
	require.NoError(t, err)
	err = comm.Run(context.Background(), 1, func(ctx context.Context, c comm.Comm) error {
		f, err := forest.New(ctx, grid, c, nil, forest.Settings{})
		if err != nil {
			return err
		}
		_, err = Migrate(ctx, f, &partitions.Cut{Dest: []int{0}, Layout: partitions.NewPartitionLayout([]int{4})})
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, forest.ErrConsistency), "got %v", err)
}
