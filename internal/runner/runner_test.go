package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/curator/internal/clock/clocktest"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/pipeline"
	"github.com/xkilldash9x/curator/internal/poller"
	"github.com/xkilldash9x/curator/internal/runstate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	ctrl *runstate.Controller
	clk  *clocktest.Manual
	logs *observer.ObservedLogs
	run  *Runner
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	ctrl := runstate.NewController()
	clk := clocktest.NewManual()
	p := poller.New(ctrl, clk, logger)
	pipe := pipeline.New(ctrl, p, clk, logger)
	return &fixture{ctrl: ctrl, clk: clk, logs: logs, run: New(ctrl, pipe, p, clk, logger, opts)}
}

var defaultOpts = Options{
	Workflow:       "test",
	IterationPause: 2 * time.Second,
	FailurePause:   5 * time.Second,
}

// ignoreRunMeta drops the fields that vary between runs.
var ignoreRunMeta = cmpopts.IgnoreFields(Summary{}, "RunID", "StartedAt", "FinishedAt")

func step(name string, action func(ctx context.Context, prev locator.Handle) error) pipeline.Step {
	return pipeline.Step{Name: name, Action: action}
}

func ok(context.Context, locator.Handle) error { return nil }

func found(context.Context) (locator.Handle, bool, error) { return "h", true, nil }

func notFound(context.Context) (locator.Handle, bool, error) { return locator.None, false, nil }

func requireInvariant(t *testing.T, s Summary) {
	t.Helper()
	require.Equal(t, s.Succeeded+s.Failed, s.Attempted, "attempted must equal succeeded + failed")
}

func TestRun_AllIterationsSucceed(t *testing.T) {
	f := newFixture(t, defaultOpts)
	var seen []Iteration
	factory := func(it Iteration) []pipeline.Step {
		seen = append(seen, it)
		return []pipeline.Step{step("click", ok)}
	}

	sum, err := f.run.Run(context.Background(), 5, factory)
	require.NoError(t, err)
	requireInvariant(t, sum)

	want := Summary{Workflow: "test", Requested: 5, Attempted: 5, Succeeded: 5, Final: runstate.Idle}
	if diff := cmp.Diff(want, sum, ignoreRunMeta); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, runstate.Idle, f.ctrl.State())
	require.Len(t, seen, 5)
	assert.True(t, seen[0].First)
	assert.False(t, seen[1].First)
	assert.Equal(t, 5, seen[4].Index)
	assert.Equal(t, sum.RunID, seen[2].RunID)
	// Four pauses between five iterations, none after the last one.
	assert.Equal(t, 8*time.Second, f.clk.Total())
	assert.Equal(t, 8*time.Second, sum.FinishedAt.Sub(sum.StartedAt))
	assert.Equal(t, 1, f.logs.FilterMessage("Run finished; all iterations succeeded.").Len())
}

func TestRun_StopBetweenIterations(t *testing.T) {
	f := newFixture(t, defaultOpts)
	executed := 0
	factory := func(it Iteration) []pipeline.Step {
		return []pipeline.Step{step("click", func(context.Context, locator.Handle) error {
			executed++
			if it.Index == 2 {
				// The last action of iteration 2 requests the stop, so it lands
				// after the iteration completed and before iteration 3 begins.
				f.ctrl.RequestStop()
			}
			return nil
		})}
	}

	sum, err := f.run.Run(context.Background(), 5, factory)
	require.ErrorIs(t, err, runstate.ErrStopped)
	requireInvariant(t, sum)
	assert.Equal(t, 2, sum.Attempted)
	assert.LessOrEqual(t, sum.Succeeded, 2)
	assert.Equal(t, runstate.Stopped, sum.Final)
	assert.Equal(t, runstate.Stopped, f.ctrl.State())
	assert.Equal(t, 2, executed, "iterations 3-5 never execute")
}

func TestRun_StopDuringInterIterationPause(t *testing.T) {
	f := newFixture(t, defaultOpts)
	executed := 0
	factory := func(it Iteration) []pipeline.Step {
		return []pipeline.Step{step("click", func(context.Context, locator.Handle) error {
			executed++
			return nil
		})}
	}
	// The pause after iteration 2 is the second sleep of the run.
	stopper := &stopAfterSleeps{Manual: f.clk, ctrl: f.ctrl, after: 2}
	f.run.clock = stopper

	sum, err := f.run.Run(context.Background(), 5, factory)
	require.ErrorIs(t, err, runstate.ErrStopped)
	requireInvariant(t, sum)
	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, 2, executed)
	assert.Equal(t, runstate.Stopped, sum.Final)
}

// stopAfterSleeps requests a stop at the start of the nth sleep.
type stopAfterSleeps struct {
	*clocktest.Manual
	ctrl  *runstate.Controller
	after int
	n     int
}

func (s *stopAfterSleeps) After(d time.Duration) <-chan time.Time {
	s.n++
	if s.n == s.after {
		s.ctrl.RequestStop()
	}
	return s.Manual.After(d)
}

func TestRun_FailedIterationIsIsolated(t *testing.T) {
	f := newFixture(t, defaultOpts)
	executed := 0
	factory := func(it Iteration) []pipeline.Step {
		pred := poller.Predicate(found)
		if it.Index == 3 {
			pred = notFound
		}
		return []pipeline.Step{{
			Name:   "choose destination",
			Action: func(context.Context, locator.Handle) error { executed++; return nil },
			Await: func(locator.Handle) *pipeline.Condition {
				return &pipeline.Condition{Name: "destination entry", Predicate: pred, Timeout: 8 * time.Second}
			},
		}}
	}

	sum, err := f.run.Run(context.Background(), 5, factory)
	require.NoError(t, err)
	requireInvariant(t, sum)

	want := Summary{Workflow: "test", Requested: 5, Attempted: 5, Succeeded: 4, Failed: 1, Final: runstate.Idle}
	if diff := cmp.Diff(want, sum, ignoreRunMeta); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 5, executed, "iterations 4 and 5 still execute")
	assert.Equal(t, 80, sum.SuccessRate())
	assert.Contains(t, f.clk.Sleeps(), 5*time.Second, "failure pause replaces the regular pause")

	failed := f.logs.FilterMessage("Iteration failed; continuing with the next one.").All()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(3), failed[0].ContextMap()["iteration"])
	assert.Equal(t, 1, f.logs.FilterMessage("Run finished with failed iterations; review the log above.").Len())
}

func TestRun_SoftConfirmationTimeoutStillSucceeds(t *testing.T) {
	f := newFixture(t, defaultOpts)
	factory := func(it Iteration) []pipeline.Step {
		return []pipeline.Step{
			step("choose destination", ok),
			{
				Name: "await confirmation",
				Soft: true,
				Await: func(locator.Handle) *pipeline.Condition {
					return &pipeline.Condition{Name: "confirmation toast", Predicate: notFound, Timeout: 10 * time.Second}
				},
				Settle: 2 * time.Second,
			},
		}
	}

	sum, err := f.run.Run(context.Background(), 1, factory)
	require.NoError(t, err)
	requireInvariant(t, sum)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 1, f.logs.FilterMessage("Expected confirmation did not appear; the action may still have succeeded.").Len())
}

func TestRun_FirstIterationUsesShortReadinessCheck(t *testing.T) {
	opts := defaultOpts
	opts.Readiness = Readiness{
		Predicate:    notFound,
		Timeout:      5 * time.Second,
		FirstTimeout: 2 * time.Second,
		Interval:     200 * time.Millisecond,
		Settle:       time.Second,
	}
	f := newFixture(t, opts)
	var startedAt []time.Time
	factory := func(it Iteration) []pipeline.Step {
		startedAt = append(startedAt, f.clk.Now())
		return []pipeline.Step{step("click", ok)}
	}

	sum, err := f.run.Run(context.Background(), 2, factory)
	require.NoError(t, err)
	requireInvariant(t, sum)

	// Iteration 1 only warns after the 2s check; iteration 2 waits the full 5s
	// and is counted as a failure.
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, startedAt, 1)
	assert.Equal(t, 3*time.Second, startedAt[0].Sub(sum.StartedAt), "2s short check plus 1s settle")
	assert.Equal(t, 10*time.Second, f.clk.Total(), "2s check + 1s settle + 2s pause + 5s check")
	assert.Equal(t, 1, f.logs.FilterMessage("Page did not look ready within the short check; continuing.").Len())
	for _, d := range f.clk.Sleeps()[:10] {
		assert.Equal(t, 200*time.Millisecond, d, "readiness polls use their own interval")
	}
}

func TestRun_ReadyPageSkipsFullWait(t *testing.T) {
	opts := defaultOpts
	var polls atomic.Int32
	opts.Readiness = Readiness{
		Predicate: func(ctx context.Context) (locator.Handle, bool, error) {
			polls.Add(1)
			return found(ctx)
		},
		Timeout:      5 * time.Second,
		FirstTimeout: 2 * time.Second,
		Settle:       time.Second,
	}
	f := newFixture(t, opts)

	sum, err := f.run.Run(context.Background(), 3, func(Iteration) []pipeline.Step {
		return []pipeline.Step{step("click", ok)}
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, 3*time.Second+4*time.Second, f.clk.Total())
}

func TestRun_CancelledIterationIsNotCounted(t *testing.T) {
	f := newFixture(t, defaultOpts)
	factory := func(it Iteration) []pipeline.Step {
		return []pipeline.Step{{
			Name:   "await option",
			Action: ok,
			Await: func(locator.Handle) *pipeline.Condition {
				return &pipeline.Condition{Name: "option", Timeout: time.Minute, Predicate: func(context.Context) (locator.Handle, bool, error) {
					if it.Index == 2 {
						f.ctrl.RequestStop()
					}
					return locator.None, it.Index != 2, nil
				}}
			},
		}}
	}

	sum, err := f.run.Run(context.Background(), 4, factory)
	require.ErrorIs(t, err, runstate.ErrStopped)
	requireInvariant(t, sum)
	assert.Equal(t, 1, sum.Attempted, "the cancelled iteration is neither a success nor a failure")
	assert.Equal(t, runstate.Stopped, sum.Final)
	assert.Equal(t, 1, f.logs.FilterMessage("Run stopped before completing all iterations.").Len())
}

func TestRun_ContextCancellationBecomesStopRequest(t *testing.T) {
	f := newFixture(t, defaultOpts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	executed := 0
	factory := func(it Iteration) []pipeline.Step {
		return []pipeline.Step{{
			Name: "click",
			Action: func(context.Context, locator.Handle) error {
				executed++
				cancel()
				return nil
			},
			Settle: 500 * time.Millisecond,
		}}
	}

	sum, err := f.run.Run(ctx, 5, factory)
	require.ErrorIs(t, err, runstate.ErrStopped)
	requireInvariant(t, sum)
	assert.Equal(t, 1, executed)
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, runstate.Stopped, f.ctrl.State())
}

func TestRun_AlreadyCancelledContextRunsNothing(t *testing.T) {
	f := newFixture(t, defaultOpts)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false

	sum, err := f.run.Run(ctx, 3, func(Iteration) []pipeline.Step {
		called = true
		return nil
	})
	require.ErrorIs(t, err, runstate.ErrStopped)
	assert.False(t, called)
	assert.Zero(t, sum.Attempted)
}

func TestRun_StartClearsStaleStop(t *testing.T) {
	f := newFixture(t, defaultOpts)
	f.ctrl.Start()
	f.ctrl.RequestStop()
	f.ctrl.Finish(true)
	require.Equal(t, runstate.Stopped, f.ctrl.State())

	sum, err := f.run.Run(context.Background(), 2, func(Iteration) []pipeline.Step {
		return []pipeline.Step{step("click", ok)}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, runstate.Idle, sum.Final)
}

func TestRun_ZeroIterations(t *testing.T) {
	f := newFixture(t, defaultOpts)
	sum, err := f.run.Run(context.Background(), 0, func(Iteration) []pipeline.Step {
		t.Fatal("factory must not be called")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, runstate.Idle, sum.Final)
	assert.Zero(t, sum.SuccessRate())
}

func TestDrain_StopsAtExhaustionSentinel(t *testing.T) {
	f := newFixture(t, defaultOpts)
	remaining := 3
	factory := func(it Iteration) []pipeline.Step {
		return []pipeline.Step{step("next item", func(context.Context, locator.Handle) error {
			if remaining == 0 {
				return pipeline.ErrExhausted
			}
			remaining--
			return nil
		})}
	}

	sum, err := f.run.Drain(context.Background(), 100, factory)
	require.NoError(t, err)
	requireInvariant(t, sum)

	want := Summary{Workflow: "test", Attempted: 3, Succeeded: 3, Final: runstate.Idle, Exhausted: true}
	if diff := cmp.Diff(want, sum, ignoreRunMeta); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 100, sum.SuccessRate(), "drains rate against attempts")
	assert.Equal(t, 1, f.logs.FilterMessage("Item source exhausted; ending run.").Len())
}

func TestDrain_BoundedByMax(t *testing.T) {
	f := newFixture(t, defaultOpts)
	sum, err := f.run.Drain(context.Background(), 4, func(Iteration) []pipeline.Step {
		return []pipeline.Step{step("next item", ok)}
	})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Attempted)
	assert.False(t, sum.Exhausted)
	assert.Zero(t, sum.Requested)
}

func TestDrain_FailuresDoNotEndTheRun(t *testing.T) {
	f := newFixture(t, defaultOpts)
	calls := 0
	boom := errors.New("menu did not open")
	sum, err := f.run.Drain(context.Background(), 10, func(Iteration) []pipeline.Step {
		return []pipeline.Step{step("next item", func(context.Context, locator.Handle) error {
			calls++
			switch calls {
			case 1:
				return boom
			case 3:
				return pipeline.ErrExhausted
			}
			return nil
		})}
	})
	require.NoError(t, err)
	requireInvariant(t, sum)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.True(t, sum.Exhausted)
}

func TestSummary_SuccessRateRounds(t *testing.T) {
	assert.Equal(t, 67, Summary{Requested: 3, Succeeded: 2}.SuccessRate())
	assert.Equal(t, 33, Summary{Requested: 3, Succeeded: 1}.SuccessRate())
	assert.Equal(t, 40, Summary{Requested: 5, Attempted: 2, Succeeded: 2}.SuccessRate())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	assert.Panics(t, func() { New(nil, nil, nil, nil, nil, Options{}) })
}
