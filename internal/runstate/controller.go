// internal/runstate/controller.go
package runstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/curator/internal/clock"
)

// State is the lifecycle of the automation run.
type State int32

const (
	Idle State = iota
	Running
	StopRequested
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText lets State render by name in JSON summaries and log fields.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrStopped is returned up the stack when a stop request was observed.
var ErrStopped = errors.New("automation stopped by user")

// Controller owns the single RunState of the process. It is shared by handle
// with the runner, the pipeline and the poller; every suspension point asks it
// whether to keep going.
//
// Reads are lock-free. Writers take mu so that the wake channel and the state
// always change together.
type Controller struct {
	state atomic.Int32

	mu   sync.Mutex
	wake chan struct{}
}

// NewController returns a Controller in the Idle state.
func NewController() *Controller {
	return &Controller{wake: make(chan struct{})}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Start moves the controller to Running, discarding any stop left over from a
// previous run.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rearm()
	c.state.Store(int32(Running))
}

// RequestStop asks the current run to stop at its next suspension point. It
// only has an effect while Running and is idempotent.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(Running), int32(StopRequested)) {
		return
	}
	close(c.wake)
}

// Resume sets the state to Running whenever it is not already Running. A stop
// requested but not yet observed is withdrawn, so an in-flight run continues.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) == Running {
		return
	}
	c.rearm()
	c.state.Store(int32(Running))
}

// ShouldStop reports whether a stop has been requested or observed. It never
// changes the state.
func (c *Controller) ShouldStop() bool {
	s := State(c.state.Load())
	return s == StopRequested || s == Stopped
}

// Checkpoint is called at every suspension point. A pending stop request is
// marked as observed (StopRequested -> Stopped) and true is returned.
func (c *Controller) Checkpoint() bool {
	c.state.CompareAndSwap(int32(StopRequested), int32(Stopped))
	return c.ShouldStop()
}

// Finish records the end of a run: Stopped when the run was cancelled or a stop
// is still pending, Idle otherwise. It returns the final state.
func (c *Controller) Finish(cancelled bool) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	final := Idle
	if cancelled || c.ShouldStop() {
		final = Stopped
	}
	c.state.Store(int32(final))
	return final
}

// Wake returns a channel that is closed when a stop is requested. Sleeping
// suspension points select on it so they return promptly; they must still call
// Checkpoint to decide.
func (c *Controller) Wake() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wake
}

// Suspend is the standard suspension point: it sleeps for d on clk, waking
// early on a stop request, and then checkpoints. A done ctx is converted into a
// stop request so the decision still flows through the run state. It returns
// true when the caller must stop.
func (c *Controller) Suspend(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if err := clock.Sleep(ctx, clk, d, c.Wake()); err != nil {
		c.RequestStop()
	}
	return c.Checkpoint()
}

// rearm replaces a closed wake channel. Caller holds mu.
func (c *Controller) rearm() {
	select {
	case <-c.wake:
		c.wake = make(chan struct{})
	default:
	}
}
