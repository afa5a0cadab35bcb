package comm

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run starts size ranks on a fresh World, one goroutine each, and waits for
// all of them. The first error cancels the shared context so that peers
// blocked in a collective return instead of hanging.
func Run(ctx context.Context, size int, fn func(ctx context.Context, c Comm) error) error {
	w, err := NewWorld(size)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}

// Run executes fn once per rank of w
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c Comm) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < w.size; r++ {
		c := w.Comm(r)
		g.Go(func() error {
			return fn(gctx, c)
		})
	}
	return g.Wait()
}
