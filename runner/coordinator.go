package runner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/forest"
	"github.com/notargets/DGForest/migrate"
	"github.com/notargets/DGForest/monitoring"
	"github.com/notargets/DGForest/partitions"
	"github.com/notargets/DGForest/refine"
)

// Projector moves per-leaf data onto a new frontier, before any of it leaves
// the rank. transfer.SolutionTransfer is one.
type Projector interface {
	Project(delta *forest.TopologyDelta) error
}

type Options struct {
	Policy          refine.CoarsenPolicy
	MaxLevel        int
	AutoRepartition bool // repartition with unit weights after every refinement
	Metrics         *monitoring.Metrics
}

// Coordinator sequences refinement, partitioning and migration of one
// worker's forest so that every worker passes through the same phases in the
// same order. Every phase transition is a barrier; a worker that transitions
// differently from its peers fails the barrier with comm.ErrProtocolMismatch.
type Coordinator struct {
	f          *forest.Forest
	engine     *refine.Engine
	opts       Options
	phase      Phase
	cut        *partitions.Cut
	fp         uint64
	projectors []Projector
	log        logrus.FieldLogger
}

func NewCoordinator(f *forest.Forest, opts Options) (*Coordinator, error) {
	e, err := refine.NewEngine(f, refine.Options{Policy: opts.Policy, MaxLevel: opts.MaxLevel})
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		f:      f,
		engine: e,
		opts:   opts,
		phase:  Stable,
		log:    f.Logger().WithField("action", "phase"),
	}
	c.recordActive()
	return c, nil
}

func (c *Coordinator) Phase() Phase { return c.phase }

func (c *Coordinator) Forest() *forest.Forest { return c.f }

func (c *Coordinator) Engine() *refine.Engine { return c.engine }

// Fingerprint is the topology fingerprint agreed at the last TopologyAgreed
func (c *Coordinator) Fingerprint() uint64 { return c.fp }

// Cut is the partition agreed at the last PartitionAgreed
func (c *Coordinator) Cut() *partitions.Cut { return c.cut }

// Track registers a projector run on every topology change
func (c *Coordinator) Track(p Projector) { c.projectors = append(c.projectors, p) }

func (c *Coordinator) illegal(to Phase) error {
	return fmt.Errorf("%w: %v -> %v", ErrIllegalTransition, c.phase, to)
}

// Transition moves every worker to phase to. It is collective: no worker
// returns before all workers reached the same barrier, and the checks of the
// new phase have passed on every rank.
func (c *Coordinator) Transition(ctx context.Context, to Phase) error {
	if !c.phase.CanTransition(to) {
		return c.illegal(to)
	}
	if err := c.f.Comm().Barrier(ctx, "phase/"+to.String()); err != nil {
		return fmt.Errorf("entering %v: %w", to, err)
	}
	switch to {
	case TopologyAgreed:
		if err := c.f.Validate(ctx); err != nil {
			return err
		}
		if err := refine.CheckBalance(ctx, c.f); err != nil {
			return err
		}
		fp, err := c.f.Fingerprint(ctx)
		if err != nil {
			return err
		}
		c.fp = fp
	case PartitionAgreed:
		if err := c.agreeOnCut(ctx); err != nil {
			return err
		}
	case MigrationComplete:
		if err := c.f.Validate(ctx); err != nil {
			return err
		}
	}
	from := c.phase
	c.phase = to
	c.opts.Metrics.PhaseEntered(to.String())
	entry := c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()})
	if c.f.Rank() == 0 {
		entry.Info("phase transition")
	} else {
		entry.Debug("phase transition")
	}
	return nil
}

func layoutHash(counts []int) (uint64, error) {
	buf, err := msgpack.Marshal(counts)
	if err != nil {
		return 0, err
	}
	return murmur3.Sum64(buf), nil
}

// agreeOnCut checks that every rank computed the same partition
func (c *Coordinator) agreeOnCut(ctx context.Context) error {
	if c.cut == nil {
		return fmt.Errorf("%w: no partition computed", forest.ErrInvariant)
	}
	h, err := layoutHash(c.cut.Layout.Counts)
	if err != nil {
		return err
	}
	all, err := comm.AllGatherValue(ctx, c.f.Comm(), "phase/cut", h)
	if err != nil {
		return err
	}
	for p, other := range all {
		if other != h {
			return fmt.Errorf("%w: rank %d computed a different partition than rank %d", forest.ErrInvariant, p, c.f.Rank())
		}
	}
	return nil
}

// MarkFlags installs one flag per owned leaf and enters FlagsSet
func (c *Coordinator) MarkFlags(ctx context.Context, flags []forest.Flag) error {
	if c.phase != Stable {
		return c.illegal(FlagsSet)
	}
	if err := c.f.SetFlags(flags); err != nil {
		return err
	}
	return c.Transition(ctx, FlagsSet)
}

// MarkFixedFraction selects flags from indicators and enters FlagsSet
func (c *Coordinator) MarkFixedFraction(ctx context.Context, indicators []float64, top, bottom float64) ([]forest.Flag, error) {
	if c.phase != Stable {
		return nil, c.illegal(FlagsSet)
	}
	flags, err := c.engine.SelectFixedFraction(ctx, indicators, top, bottom)
	if err != nil {
		return nil, err
	}
	return flags, c.Transition(ctx, FlagsSet)
}

// Refine executes the flags set in FlagsSet, projects every tracked payload
// onto the new frontier and agrees on the topology. With AutoRepartition the
// new leaves are then rebalanced and migrated, otherwise the workers return
// to Stable. Refine is collective.
func (c *Coordinator) Refine(ctx context.Context) (*forest.TopologyDelta, error) {
	if c.phase != FlagsSet {
		return nil, c.illegal(TopologyAgreed)
	}
	delta, err := c.engine.Execute(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range c.projectors {
		if err := p.Project(delta); err != nil {
			return nil, fmt.Errorf("projecting onto the new frontier: %w", err)
		}
	}
	c.opts.Metrics.TopologyChanged(len(delta.Refined), len(delta.Coarsened))
	if err := c.Transition(ctx, TopologyAgreed); err != nil {
		return nil, err
	}
	c.opts.Metrics.CycleCompleted("refine")
	if c.opts.AutoRepartition {
		if _, err := c.Repartition(ctx, nil); err != nil {
			return nil, err
		}
		return delta, nil
	}
	if err := c.Transition(ctx, Stable); err != nil {
		return nil, err
	}
	c.recordActive()
	return delta, nil
}

// Repartition computes a new partition, weighted when weights is not nil,
// migrates the leaves with their attachments and returns to Stable. It is
// collective and legal from Stable or TopologyAgreed.
func (c *Coordinator) Repartition(ctx context.Context, weights []uint64) (*partitions.Cut, error) {
	if c.phase != Stable && c.phase != TopologyAgreed {
		return nil, c.illegal(PartitionAgreed)
	}
	cut, err := partitions.Repartition(ctx, c.f, weights)
	if err != nil {
		return nil, err
	}
	c.cut = cut
	if err := c.Transition(ctx, PartitionAgreed); err != nil {
		return nil, err
	}
	stats, err := migrate.Migrate(ctx, c.f, cut)
	if err != nil {
		return nil, err
	}
	c.opts.Metrics.Migrated(stats.Sent)
	if err := c.Transition(ctx, MigrationComplete); err != nil {
		return nil, err
	}
	if err := c.Transition(ctx, Stable); err != nil {
		return nil, err
	}
	c.opts.Metrics.SetImbalance(cut.WeightImbalance())
	c.opts.Metrics.CycleCompleted("repartition")
	c.recordActive()
	return cut, nil
}

func (c *Coordinator) recordActive() {
	c.opts.Metrics.SetActiveCells(strconv.Itoa(c.f.Rank()), c.f.NumOwned())
}
