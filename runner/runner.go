package runner

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/notargets/DGForest/comm"
	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/forest"
)

// Worker is one member of a process group: a rank, its communicator and a
// logger tagged with the rank and the group session
type Worker struct {
	Rank    int
	Comm    comm.Comm
	Log     logrus.FieldLogger
	Session uuid.UUID
}

// NewForest builds the initial forest of grid on this worker. It is collective.
func (w *Worker) NewForest(ctx context.Context, grid *element.Grid, settings forest.Settings) (*forest.Forest, error) {
	return forest.New(ctx, grid, w.Comm, w.Log, settings)
}

// Runner launches one worker per shard on an in-process world
type Runner struct {
	world *comm.World
	log   logrus.FieldLogger
}

// NewRunner creates a new Runner with size workers
func NewRunner(size int, logger logrus.FieldLogger) (*Runner, error) {
	w, err := comm.NewWorld(size)
	if err != nil {
		return nil, fmt.Errorf("creating process group: %w", err)
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &Runner{world: w, log: logger}, nil
}

func (r *Runner) Size() int { return r.world.Size() }

func (r *Runner) Session() uuid.UUID { return r.world.Session() }

// Run executes fn on every worker concurrently and returns the first error.
// An error on any worker cancels the context of all others.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context, w *Worker) error) error {
	return r.world.Run(ctx, func(ctx context.Context, c comm.Comm) error {
		w := &Worker{
			Rank:    c.Rank(),
			Comm:    c,
			Session: c.Session(),
			Log: r.log.WithFields(logrus.Fields{
				"rank":    c.Rank(),
				"session": c.Session().String(),
			}),
		}
		if err := fn(ctx, w); err != nil {
			w.Log.WithError(err).Error("worker failed")
			return err
		}
		return nil
	})
}

// Run starts size workers on a fresh process group
func Run(ctx context.Context, size int, logger logrus.FieldLogger, fn func(ctx context.Context, w *Worker) error) error {
	r, err := NewRunner(size, logger)
	if err != nil {
		return err
	}
	return r.Run(ctx, fn)
}
