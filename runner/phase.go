package runner

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal phase transition")

// Phase is the position of a worker in the repartitioning cycle
type Phase int

const (
	Stable Phase = iota
	FlagsSet
	TopologyAgreed
	PartitionAgreed
	MigrationComplete
)

func (p Phase) String() string {
	switch p {
	case Stable:
		return "stable"
	case FlagsSet:
		return "flags_set"
	case TopologyAgreed:
		return "topology_agreed"
	case PartitionAgreed:
		return "partition_agreed"
	case MigrationComplete:
		return "migration_complete"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// TopologyAgreed returns to Stable directly when automatic repartitioning is
// off, and an explicit repartition starts from Stable.
var transitions = map[Phase][]Phase{
	Stable:            {FlagsSet, PartitionAgreed},
	FlagsSet:          {TopologyAgreed},
	TopologyAgreed:    {PartitionAgreed, Stable},
	PartitionAgreed:   {MigrationComplete},
	MigrationComplete: {Stable},
}

func (p Phase) CanTransition(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}
