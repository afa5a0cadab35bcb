package migrate

import (
	"github.com/pkg/errors"
)

// Plan holds the pick indices of one rank for a relocation round: which owned
// leaves, by local curve index, go to which partition
type Plan struct {
	Rank          int
	NumPartitions int
	NumLocal      int   // Owned leaves before the round
	Dest          []int // Local leaf -> destination partition

	PickIndices []PickBuffer // [targetPartition]
}

// PickBuffer contains indices for gathering leaves to send
type PickBuffer struct {
	Indices         []int // Local leaf indices, ascending
	TargetPartition int
}

// NewPlan builds the pick buffers for a destination map
func NewPlan(rank, numPartitions int, dest []int) (*Plan, error) {
	if numPartitions <= 0 || rank < 0 || rank >= numPartitions {
		return nil, errors.Errorf("invalid plan dimensions: rank=%d, partitions=%d", rank, numPartitions)
	}
	p := &Plan{
		Rank:          rank,
		NumPartitions: numPartitions,
		NumLocal:      len(dest),
		Dest:          dest,
		PickIndices:   make([]PickBuffer, numPartitions),
	}
	for q := range p.PickIndices {
		p.PickIndices[q] = PickBuffer{Indices: make([]int, 0), TargetPartition: q}
	}
	for i, q := range dest {
		if q < 0 || q >= numPartitions {
			return nil, errors.Errorf("leaf %d: destination %d outside %d partitions", i, q, numPartitions)
		}
		p.PickIndices[q].Indices = append(p.PickIndices[q].Indices, i)
	}
	return p, nil
}

// GetPickIndices returns the local leaves sent to the target partition
func (p *Plan) GetPickIndices(target int) []int {
	if target < 0 || target >= p.NumPartitions {
		return nil
	}
	return p.PickIndices[target].Indices
}

// Outgoing counts the leaves leaving this rank
func (p *Plan) Outgoing() int {
	return p.NumLocal - len(p.PickIndices[p.Rank].Indices)
}

// Verify checks index validity and conservation properties
func (p *Plan) Verify() error {
	// Verify 1: Local validity - all pick indices are within bounds and ascending
	seen := make([]bool, p.NumLocal)
	for q, buf := range p.PickIndices {
		if buf.TargetPartition != q {
			return errors.Errorf("pick buffer %d targets partition %d", q, buf.TargetPartition)
		}
		for k, idx := range buf.Indices {
			if idx < 0 || idx >= p.NumLocal {
				return errors.Errorf("invalid pick index %d for partition %d (max %d)", idx, q, p.NumLocal-1)
			}
			if k > 0 && buf.Indices[k-1] >= idx {
				return errors.Errorf("pick indices for partition %d not ascending at %d", q, k)
			}
			if seen[idx] {
				return errors.Errorf("leaf %d picked twice", idx)
			}
			seen[idx] = true
		}
	}

	// Verify 2: Conservation - every local leaf is picked exactly once
	for i, ok := range seen {
		if !ok {
			return errors.Errorf("conservation error: leaf %d has no destination", i)
		}
	}
	return nil
}
