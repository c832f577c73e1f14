// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/clock"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/poller"
	"github.com/xkilldash9x/curator/internal/runstate"
)

var (
	// ErrTimedOut wraps a post-condition that did not hold within its budget.
	ErrTimedOut = errors.New("condition timed out")
	// ErrNotFound wraps a required element that was absent at the point of use.
	ErrNotFound = errors.New("required element not found")
	// ErrExhausted tells the runner that the item source has nothing left to
	// process. It ends a drain loop and is never counted as a failure.
	ErrExhausted = errors.New("no unprocessed items left")
)

// Status is the outcome of a step or of a whole pipeline run.
type Status int

const (
	Success Status = iota
	Failure
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Condition is a post-condition evaluated by the poller after a step's action.
type Condition struct {
	Name      string
	Predicate poller.Predicate
	Timeout   time.Duration
	// Interval overrides the poller's default sampling interval when positive.
	Interval time.Duration
}

// Step is one named UI action of a business transaction.
type Step struct {
	Name string
	// Action performs the side effect. prev is the handle produced by the
	// previous step's post-condition (locator.None for the first step).
	Action func(ctx context.Context, prev locator.Handle) error
	// Await builds the post-condition from the same prev handle. Nil means the
	// step completes as soon as its action returns.
	Await func(prev locator.Handle) *Condition
	// Soft turns a timed-out post-condition into a logged warning instead of
	// a failure; the side effect may already have happened.
	Soft bool
	// Settle is paused after the step succeeds so the UI can render.
	Settle time.Duration
}

// StepResult records what happened to one step.
type StepResult struct {
	Step     string
	Status   Status
	Err      error
	Warning  string
	Handle   locator.Handle
	Duration time.Duration
}

// Result is the ordered list of step results of one pipeline run.
type Result struct {
	Steps []StepResult
}

// Status folds the step results: Cancelled if any step was cancelled, Failure
// if any failed, Success otherwise (including the empty pipeline).
func (r Result) Status() Status {
	status := Success
	for _, s := range r.Steps {
		switch s.Status {
		case Cancelled:
			return Cancelled
		case Failure:
			status = Failure
		}
	}
	return status
}

// Err returns the error of the last non-successful step, if any.
func (r Result) Err() error {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Status != Success {
			return r.Steps[i].Err
		}
	}
	return nil
}

// Warnings lists the soft warnings raised during the run.
func (r Result) Warnings() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Warning != "" {
			out = append(out, s.Warning)
		}
	}
	return out
}

// Pipeline executes steps strictly in order against the live UI.
type Pipeline struct {
	ctrl   *runstate.Controller
	poller *poller.Poller
	clock  clock.Clock
	logger *zap.Logger
}

// New wires a Pipeline to the shared run state.
func New(ctrl *runstate.Controller, p *poller.Poller, clk clock.Clock, logger *zap.Logger) *Pipeline {
	if ctrl == nil || p == nil {
		panic("pipeline created with nil controller or poller")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{ctrl: ctrl, poller: p, clock: clk, logger: logger.Named("pipeline")}
}

// Run executes steps in order. It stops at the first step that does not
// succeed; that step's result is the last element of the returned Result.
// Clicks already dispatched are never undone.
func (p *Pipeline) Run(ctx context.Context, steps []Step) Result {
	var res Result
	prev := locator.None

	for _, step := range steps {
		log := p.logger.With(zap.String("step", step.Name))
		started := p.clock.Now()
		sr := p.runStep(ctx, step, prev, log)
		sr.Step = step.Name
		sr.Duration = p.clock.Now().Sub(started)
		res.Steps = append(res.Steps, sr)

		if sr.Status != Success {
			if sr.Status == Failure {
				log.Warn("Step failed.", zap.Error(sr.Err))
			} else {
				log.Info("Step cancelled by stop request.")
			}
			return res
		}
		prev = sr.Handle
	}
	return res
}

func (p *Pipeline) runStep(ctx context.Context, step Step, prev locator.Handle, log *zap.Logger) StepResult {
	if p.ctrl.Checkpoint() {
		return StepResult{Status: Cancelled, Err: runstate.ErrStopped}
	}

	if step.Action != nil {
		if err := step.Action(ctx, prev); err != nil {
			// An action that broke because the run is being torn down is a
			// cancellation, not a UI failure.
			if p.ctrl.Checkpoint() {
				return StepResult{Status: Cancelled, Err: runstate.ErrStopped}
			}
			return StepResult{Status: Failure, Err: fmt.Errorf("%s: %w", step.Name, err)}
		}
	}

	sr := StepResult{Status: Success, Handle: prev}
	if step.Await != nil {
		if cond := step.Await(prev); cond != nil {
			var opts []poller.Option
			if cond.Interval > 0 {
				opts = append(opts, poller.WithInterval(cond.Interval))
			}
			out := p.poller.Poll(ctx, cond.Name, cond.Predicate, cond.Timeout, opts...)
			switch out.Status {
			case poller.Cancelled:
				return StepResult{Status: Cancelled, Err: runstate.ErrStopped}
			case poller.TimedOut:
				err := fmt.Errorf("%s: waiting for %s after %v: %w", step.Name, cond.Name, cond.Timeout, ErrTimedOut)
				if !step.Soft {
					return StepResult{Status: Failure, Err: err}
				}
				sr.Warning = err.Error()
				log.Warn("Expected confirmation did not appear; the action may still have succeeded.", zap.String("condition", cond.Name))
			case poller.Found:
				sr.Handle = out.Handle
			}
		}
	}

	if step.Settle > 0 && p.ctrl.Suspend(ctx, p.clock, step.Settle) {
		return StepResult{Status: Cancelled, Err: runstate.ErrStopped}
	}
	log.Debug("Step complete.")
	return sr
}
