// internal/runner/runner.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/clock"
	"github.com/xkilldash9x/curator/internal/pipeline"
	"github.com/xkilldash9x/curator/internal/poller"
	"github.com/xkilldash9x/curator/internal/runstate"
)

// Iteration describes the pipeline run a Factory is asked to build.
type Iteration struct {
	RunID string
	// Index is 1-based.
	Index int
	// Total is the requested iteration count; zero while draining.
	Total int
	First bool
}

// Factory builds the steps for one iteration. It is called once per
// iteration so steps can close over fresh per-item state.
type Factory func(it Iteration) []pipeline.Step

// Summary is the end-of-run artifact. Attempted always equals Succeeded +
// Failed; skipped and cancelled iterations are not counted.
type Summary struct {
	RunID      string         `json:"run_id"`
	Workflow   string         `json:"workflow"`
	Requested  int            `json:"requested"`
	Attempted  int            `json:"attempted"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Final      runstate.State `json:"final_state"`
	Exhausted  bool           `json:"exhausted,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// SuccessRate is the percentage of requested iterations that succeeded,
// rounded to the nearest integer. When draining, attempts are the base.
func (s Summary) SuccessRate() int {
	base := s.Requested
	if base <= 0 {
		base = s.Attempted
	}
	if base <= 0 {
		return 0
	}
	return int(float64(s.Succeeded)/float64(base)*100 + 0.5)
}

// Readiness is the page-readiness check run before every pipeline.
type Readiness struct {
	Predicate poller.Predicate
	// Timeout is the full wait used from the second iteration on; a timeout
	// here fails the iteration.
	Timeout time.Duration
	// FirstTimeout is the short, best-effort check used on the first
	// iteration, when the page is normally already rendered.
	FirstTimeout time.Duration
	Interval     time.Duration
	// Settle is paused after the check.
	Settle time.Duration
}

// Options configures a Runner.
type Options struct {
	Workflow string
	// Readiness is optional; nil Predicate skips the check.
	Readiness Readiness
	// IterationPause separates consecutive iterations.
	IterationPause time.Duration
	// FailurePause replaces IterationPause after a failed iteration so
	// transient UI backpressure can clear.
	FailurePause time.Duration
}

// Runner drives repeated pipeline runs and tallies their outcomes.
type Runner struct {
	ctrl     *runstate.Controller
	pipeline *pipeline.Pipeline
	poller   *poller.Poller
	clock    clock.Clock
	logger   *zap.Logger
	opts     Options
}

// New creates a Runner sharing ctrl with the pipeline and poller it drives.
func New(ctrl *runstate.Controller, pipe *pipeline.Pipeline, p *poller.Poller, clk clock.Clock, logger *zap.Logger, opts Options) *Runner {
	if ctrl == nil || pipe == nil || p == nil {
		panic("runner created with nil controller, pipeline or poller")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workflow == "" {
		opts.Workflow = "default"
	}
	return &Runner{
		ctrl:     ctrl,
		pipeline: pipe,
		poller:   p,
		clock:    clk,
		logger:   logger.Named("runner").With(zap.String("workflow", opts.Workflow)),
		opts:     opts,
	}
}

// Run executes up to n iterations of the pipeline built by factory. A stop
// request ends the loop at the next suspension point and the remainder is not
// counted. When the run was cancelled the summary is returned together with an
// error wrapping runstate.ErrStopped.
func (r *Runner) Run(ctx context.Context, n int, factory Factory) (Summary, error) {
	return r.loop(ctx, n, false, factory)
}

// Drain keeps running the pipeline until the factory's first step reports
// pipeline.ErrExhausted, a stop is observed, or max iterations were made. It
// replaces an unbounded "process the next item forever" recursion.
func (r *Runner) Drain(ctx context.Context, max int, factory Factory) (Summary, error) {
	return r.loop(ctx, max, true, factory)
}

func (r *Runner) loop(ctx context.Context, n int, drain bool, factory Factory) (Summary, error) {
	sum := Summary{
		RunID:     uuid.NewString(),
		Workflow:  r.opts.Workflow,
		StartedAt: r.clock.Now(),
	}
	if !drain {
		sum.Requested = n
	}
	log := r.logger.With(zap.String("run_id", sum.RunID))

	// Any stop left over from a previous run is cleared here.
	r.ctrl.Start()
	// A cancelled context becomes a stop request; RunState stays the only
	// thing the loop consults.
	release := context.AfterFunc(ctx, r.ctrl.RequestStop)
	defer release()
	if ctx.Err() != nil {
		r.ctrl.RequestStop()
	}

	log.Info("Starting automation run.", zap.Int("iterations", n), zap.Bool("drain", drain))

	cancelled := false
	for i := 1; i <= n; i++ {
		if r.ctrl.Checkpoint() {
			log.Info("Stop requested; not starting further iterations.", zap.Int("next_iteration", i))
			cancelled = true
			break
		}

		it := Iteration{RunID: sum.RunID, Index: i, Total: sum.Requested, First: i == 1}
		ilog := log.With(zap.Int("iteration", i))
		ilog.Info("Iteration starting.")

		status, err := r.iterate(ctx, it, factory, ilog)
		if status == pipeline.Failure && errors.Is(err, pipeline.ErrExhausted) {
			ilog.Info("Item source exhausted; ending run.")
			sum.Exhausted = true
			break
		}

		pause := r.opts.IterationPause
		switch status {
		case pipeline.Cancelled:
			ilog.Info("Iteration cancelled; unwinding run.")
			cancelled = true
		case pipeline.Success:
			sum.Succeeded++
			sum.Attempted++
			ilog.Info("Iteration complete.")
		case pipeline.Failure:
			sum.Failed++
			sum.Attempted++
			ilog.Error("Iteration failed; continuing with the next one.", zap.Error(err))
			pause = r.opts.FailurePause
		}
		if cancelled {
			break
		}

		if i < n && !r.ctrl.ShouldStop() && pause > 0 {
			log.Debug("Pausing before the next iteration.", zap.Int("done", i), zap.Duration("pause", pause))
			if r.ctrl.Suspend(ctx, r.clock, pause) {
				cancelled = true
				break
			}
		}
	}

	sum.Final = r.ctrl.Finish(cancelled)
	sum.FinishedAt = r.clock.Now()
	r.report(log, sum)

	if sum.Final == runstate.Stopped {
		return sum, fmt.Errorf("run %s: %w", sum.RunID, runstate.ErrStopped)
	}
	return sum, nil
}

// iterate runs the readiness check and one pipeline.
func (r *Runner) iterate(ctx context.Context, it Iteration, factory Factory, log *zap.Logger) (pipeline.Status, error) {
	if status, err := r.awaitReady(ctx, it.First, log); status != pipeline.Success {
		return status, err
	}
	res := r.pipeline.Run(ctx, factory(it))
	return res.Status(), res.Err()
}

func (r *Runner) awaitReady(ctx context.Context, first bool, log *zap.Logger) (pipeline.Status, error) {
	rd := r.opts.Readiness
	if rd.Predicate == nil {
		return pipeline.Success, nil
	}
	timeout := rd.Timeout
	if first {
		timeout = rd.FirstTimeout
		log.Info("First iteration; using the short readiness check.", zap.Duration("timeout", timeout))
	}

	var opts []poller.Option
	if rd.Interval > 0 {
		opts = append(opts, poller.WithInterval(rd.Interval))
	}
	out := r.poller.Poll(ctx, "page ready", rd.Predicate, timeout, opts...)
	switch out.Status {
	case poller.Cancelled:
		return pipeline.Cancelled, runstate.ErrStopped
	case poller.TimedOut:
		if !first {
			return pipeline.Failure, fmt.Errorf("page not ready after %v: %w", timeout, pipeline.ErrTimedOut)
		}
		log.Warn("Page did not look ready within the short check; continuing.", zap.Duration("timeout", timeout))
	}

	if r.ctrl.Suspend(ctx, r.clock, rd.Settle) {
		return pipeline.Cancelled, runstate.ErrStopped
	}
	return pipeline.Success, nil
}

func (r *Runner) report(log *zap.Logger, sum Summary) {
	fields := []zap.Field{
		zap.Int("requested", sum.Requested),
		zap.Int("attempted", sum.Attempted),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("success_rate_pct", sum.SuccessRate()),
		zap.Stringer("final_state", sum.Final),
		zap.Duration("duration", sum.FinishedAt.Sub(sum.StartedAt)),
	}
	switch {
	case sum.Final == runstate.Stopped:
		log.Info("Run stopped before completing all iterations.", fields...)
	case sum.Failed > 0:
		log.Warn("Run finished with failed iterations; review the log above.", fields...)
	case sum.Exhausted:
		log.Info("Run finished; every available item was processed.", fields...)
	default:
		log.Info("Run finished; all iterations succeeded.", fields...)
	}
}
