// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package supervisor

import (
	"context"

	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"

	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
)

// Runner is anything with a blocking Run loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Service adapts a Runner to suture.Service.
type Service struct {
	name    string
	runner  Runner
	started bool
}

// NewService wraps runner under the given name.
func NewService(name string, runner Runner) *Service {
	return &Service{name: name, runner: runner}
}

// Serve runs the wrapped runner. A nil return after cancellation is reported
// as the context error so suture treats it as a normal stop, not a restart.
func (s *Service) Serve(ctx context.Context) error {
	if s.started {
		metrics.ServiceRestarts.WithLabelValues(s.name).Inc()
		logging.Warn().Str("service", s.name).Msg("service restarting")
	} else {
		s.started = true
		logging.Debug().Str("service", s.name).Msg("service starting")
	}

	err := s.runner.Run(ctx)
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Service) String() string { return s.name }

// OneShot runs its runner once and leaves the tree. An error restarts the
// run; the work must therefore be resumable.
type OneShot struct {
	name   string
	runner Runner
}

// NewOneShot wraps a run-once task under the given name.
func NewOneShot(name string, runner Runner) *OneShot {
	return &OneShot{name: name, runner: runner}
}

func (s *OneShot) Serve(ctx context.Context) error {
	if err := s.runner.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return suture.ErrDoNotRestart
}

func (s *OneShot) String() string { return s.name }

// Pipeline rebuilds the observer pair on every (re)start. The builder runs
// fresh each Serve, so a failed watcher comes back with a clean queue and a
// re-walked directory tree; the offset table and the engine live outside
// the builder and keep their state across rebuilds.
type Pipeline struct {
	name    string
	build   func(ctx context.Context) ([]Runner, error)
	started bool
}

// NewPipeline wraps a builder producing the runners of one rebuildable unit.
func NewPipeline(name string, build func(ctx context.Context) ([]Runner, error)) *Pipeline {
	return &Pipeline{name: name, build: build}
}

// Serve builds the runners and drives them as one group: the first failure
// cancels the rest, and the group error bubbles up for a supervised rebuild
// after the failure backoff.
func (p *Pipeline) Serve(ctx context.Context) error {
	if p.started {
		metrics.ServiceRestarts.WithLabelValues(p.name).Inc()
		logging.Warn().Str("service", p.name).Msg("pipeline rebuilding")
	} else {
		p.started = true
	}

	runners, err := p.build(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Pipeline) String() string { return p.name }
