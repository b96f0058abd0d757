package workflow

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs several runners concurrently, one goroutine each. Runners
// share nothing mutable; a stop request reaches all of them through ctx.
type Supervisor struct {
	runners []*Runner
	logger  *slog.Logger
}

// NewSupervisor creates a supervisor for runners.
func NewSupervisor(logger *slog.Logger, runners ...*Runner) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{runners: runners, logger: logger}
}

// Runners returns the supervised runners.
func (s *Supervisor) Runners() []*Runner { return s.runners }

// Run blocks until every runner has stopped. Runners only stop on
// cancellation, so a nil ctx error is never returned; the result is
// ctx.Err() once all of them have drained.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() error {
			err := r.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Error("workflow runner exited", "workflow", r.Name(), "error", err)
			}
			return err
		})
	}
	s.logger.Info("supervisor started", "workflows", len(s.runners))
	err := g.Wait()
	s.logger.Info("supervisor stopped")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// RunOnce runs a single pass of every runner concurrently.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() error {
			_, err := r.RunPass(gctx)
			return err
		})
	}
	return g.Wait()
}
