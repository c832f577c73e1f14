// Package automation is the control surface of the curator: it owns the run
// state and wires the collection mover and the places recategorizer into
// runners. Commands reach the core only through Service.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/clock"
	"github.com/xkilldash9x/curator/internal/collections"
	"github.com/xkilldash9x/curator/internal/config"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/pipeline"
	"github.com/xkilldash9x/curator/internal/places"
	"github.com/xkilldash9x/curator/internal/poller"
	"github.com/xkilldash9x/curator/internal/runner"
	"github.com/xkilldash9x/curator/internal/runstate"
)

var (
	// ErrBusy is returned when a run is requested while another is active.
	ErrBusy = errors.New("a run is already in progress")
	// ErrInvalidCount is returned for a non-positive iteration count.
	ErrInvalidCount = errors.New("iteration count must be a positive integer")
)

// Service exposes start, stop, resume and the single-item entry points. Only
// one run executes at a time; Stop and Resume may be called from any goroutine
// while it does.
type Service struct {
	ctrl   *runstate.Controller
	loc    locator.Locator
	cfg    config.AutomationConfig
	clock  clock.Clock
	logger *zap.Logger

	poller *poller.Poller
	pipe   *pipeline.Pipeline

	mover       *collections.Mover
	moves       *runner.Runner
	recat       *places.Recategorizer
	recatRunner *runner.Runner
	maxPlaces   int

	busy atomic.Bool
	mu   sync.Mutex
	last *runner.Summary
}

// New wires a Service over loc. A nil clk uses the wall clock.
func New(loc locator.Locator, cfg config.Interface, clk clock.Clock, logger *zap.Logger) *Service {
	if loc == nil || cfg == nil {
		panic("automation service created with nil locator or config")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ac := cfg.Automation()
	ctrl := runstate.NewController()
	p := poller.New(ctrl, clk, logger)
	p.SetDefaultInterval(ac.PollInterval)
	pipe := pipeline.New(ctrl, p, clk, logger)

	s := &Service{
		ctrl:      ctrl,
		loc:       loc,
		cfg:       ac,
		clock:     clk,
		logger:    logger.Named("automation"),
		poller:    p,
		pipe:      pipe,
		mover:     collections.NewMover(loc, cfg.Collections(), logger),
		recat:     places.NewRecategorizer(loc, cfg.Places(), logger),
		maxPlaces: cfg.Places().MaxItems,
	}
	s.moves = runner.New(ctrl, pipe, p, clk, logger, s.runnerOptions("collections", s.mover.ReadyMarker()))
	s.recatRunner = runner.New(ctrl, pipe, p, clk, logger, s.runnerOptions("places", s.recat.ReadyMarker()))
	return s
}

func (s *Service) runnerOptions(workflow string, marker locator.Query) runner.Options {
	return runner.Options{
		Workflow: workflow,
		Readiness: runner.Readiness{
			Predicate:    poller.PageReady(s.loc, marker),
			Timeout:      s.cfg.ReadyTimeout,
			FirstTimeout: s.cfg.FirstReadyTimeout,
			Interval:     s.cfg.ReadyPollInterval,
			Settle:       s.cfg.ReadySettle,
		},
		IterationPause: s.cfg.IterationPause,
		FailurePause:   s.cfg.FailurePause,
	}
}

// Start moves n items into the destination collection. It blocks until the
// run ends; a stopped run returns its summary with an error wrapping
// runstate.ErrStopped.
func (s *Service) Start(ctx context.Context, n int) (runner.Summary, error) {
	if n < 1 {
		return runner.Summary{}, fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	return s.exclusive(func() (runner.Summary, error) {
		return s.moves.Run(ctx, n, s.mover.Steps)
	})
}

// Recategorize files every saved place, up to the configured maximum.
func (s *Service) Recategorize(ctx context.Context) (runner.Summary, error) {
	return s.exclusive(func() (runner.Summary, error) {
		s.recat.Reset()
		return s.recatRunner.Drain(ctx, s.maxPlaces, s.recat.Steps)
	})
}

// RunOne runs a single collection-move transaction without the readiness
// check or pauses of a full run.
func (s *Service) RunOne(ctx context.Context) (pipeline.Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return pipeline.Result{}, ErrBusy
	}
	defer s.busy.Store(false)

	s.ctrl.Start()
	release := context.AfterFunc(ctx, s.ctrl.RequestStop)
	defer release()
	if ctx.Err() != nil {
		s.ctrl.RequestStop()
	}

	res := s.pipe.Run(ctx, s.mover.Steps(runner.Iteration{Index: 1, Total: 1, First: true}))
	final := s.ctrl.Finish(res.Status() == pipeline.Cancelled)

	log := s.logger.With(zap.Stringer("status", res.Status()))
	switch {
	case final == runstate.Stopped:
		log.Info("Single run stopped.")
		return res, fmt.Errorf("run one: %w", runstate.ErrStopped)
	case res.Status() == pipeline.Failure:
		log.Warn("Single run failed.", zap.Error(res.Err()))
		return res, res.Err()
	}
	log.Info("Single run succeeded.", zap.Strings("warnings", res.Warnings()))
	return res, nil
}

// Stop requests the active run to stop. It is idempotent and does nothing
// when no run is active.
func (s *Service) Stop() {
	s.ctrl.RequestStop()
}

// Resume clears a stop so the next run, or a run that has not yet observed
// the stop, carries on.
func (s *Service) Resume() {
	s.ctrl.Resume()
}

// State reports the run state.
func (s *Service) State() runstate.State {
	return s.ctrl.State()
}

// Busy reports whether a run is in progress.
func (s *Service) Busy() bool {
	return s.busy.Load()
}

// LastSummary returns the summary of the most recent finished run.
func (s *Service) LastSummary() (runner.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return runner.Summary{}, false
	}
	return *s.last, true
}

// Inspect describes the collection page; it never clicks.
func (s *Service) Inspect(ctx context.Context) (collections.PageReport, error) {
	return s.mover.Inspect(ctx)
}

// CheckSelectors probes the configured collection selectors. It polls on a
// private controller so a stopped run does not short-circuit the probe.
func (s *Service) CheckSelectors(ctx context.Context) (collections.SelectorReport, error) {
	ctrl := runstate.NewController()
	ctrl.Start()
	p := poller.New(ctrl, s.clock, s.logger)
	p.SetDefaultInterval(s.cfg.PollInterval)
	ready := poller.PageReady(s.loc, s.mover.ReadyMarker())
	return s.mover.CheckSelectors(ctx, p, ready, s.cfg.ReadyTimeout)
}

func (s *Service) exclusive(run func() (runner.Summary, error)) (runner.Summary, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return runner.Summary{}, ErrBusy
	}
	defer s.busy.Store(false)

	sum, err := run()
	s.mu.Lock()
	s.last = &sum
	s.mu.Unlock()
	return sum, err
}
