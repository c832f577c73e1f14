// internal/poller/poller.go
//
// The poller is the only way the automation core waits on the UI. The target
// page exposes no events we can subscribe to, so presence, absence and
// clickability are discovered by sampling the live document at a fixed
// interval until the condition holds, the budget is spent, or a stop request
// is observed.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/clock"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/runstate"
)

// DefaultInterval is the pause between two predicate evaluations.
const DefaultInterval = 100 * time.Millisecond

// Status is the terminal result of one Poll call.
type Status int

const (
	Found Status = iota
	TimedOut
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is what a Poll call produced. Handle is only meaningful when Status
// is Found.
type Outcome struct {
	Status  Status
	Handle  locator.Handle
	Polls   int
	Elapsed time.Duration
}

// Predicate is one side-effect-free sample of the UI. It reports whether the
// condition holds and, if it does, the handle of the element that satisfied it.
type Predicate func(ctx context.Context) (locator.Handle, bool, error)

// Poller samples predicates on behalf of the pipeline and the runner.
type Poller struct {
	ctrl     *runstate.Controller
	clock    clock.Clock
	logger   *zap.Logger
	interval time.Duration
}

// New creates a Poller. ctrl is required; a nil clk falls back to the wall clock.
func New(ctrl *runstate.Controller, clk clock.Clock, logger *zap.Logger) *Poller {
	if ctrl == nil {
		panic("poller created with nil run state controller")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{ctrl: ctrl, clock: clk, logger: logger.Named("poller"), interval: DefaultInterval}
}

// SetDefaultInterval replaces DefaultInterval for calls that pass no
// WithInterval. Call it before the poller is shared.
func (p *Poller) SetDefaultInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

type settings struct {
	interval time.Duration
}

// Option tunes a single Poll call.
type Option func(*settings)

// WithInterval overrides the default interval for one call.
func WithInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Poll evaluates pred until it holds, timeout elapses, or a stop request is
// observed, whichever comes first. Each cycle checks for cancellation before
// anything else, so a stop always wins over a simultaneous match or expiry.
// Nothing is cached between cycles.
func (p *Poller) Poll(ctx context.Context, name string, pred Predicate, timeout time.Duration, opts ...Option) Outcome {
	s := settings{interval: p.interval}
	for _, opt := range opts {
		opt(&s)
	}
	log := p.logger.With(zap.String("condition", name))
	if timeout <= 0 {
		log.Warn("Non-positive poll timeout; evaluating once.", zap.Duration("timeout", timeout))
	}

	start := p.clock.Now()
	out := Outcome{}
	for {
		if p.ctrl.Checkpoint() {
			out.Status = Cancelled
			break
		}

		out.Polls++
		h, ok, err := pred(ctx)
		if err != nil {
			log.Debug("Predicate sample failed; treating as unsatisfied.", zap.Int("poll", out.Polls), zap.Error(err))
		} else if ok {
			out.Status, out.Handle = Found, h
			break
		}

		elapsed := p.clock.Now().Sub(start)
		if elapsed >= timeout {
			out.Status = TimedOut
			break
		}

		wait := s.interval
		if remaining := timeout - elapsed; remaining < wait {
			wait = remaining
		}
		// A stop request wakes the sleep; the next cycle's checkpoint decides.
		if err := clock.Sleep(ctx, p.clock, wait, p.ctrl.Wake()); err != nil {
			p.ctrl.RequestStop()
			if !p.ctrl.ShouldStop() {
				// Outside a run there is no state to carry the stop (e.g. a
				// diagnostic probe); a dead context still has to end the poll.
				out.Status = Cancelled
				break
			}
		}
	}

	out.Elapsed = p.clock.Now().Sub(start)
	log.Debug("Poll finished.", zap.Stringer("status", out.Status), zap.Int("polls", out.Polls), zap.Duration("elapsed", out.Elapsed))
	return out
}
