// internal/clock/clock.go
package clock

import (
	"context"
	"time"
)

// Clock is the time source every suspension point goes through. Production code
// uses Real; tests substitute a manual clock so waits are deterministic.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep suspends for d. It returns early, with a nil error, when wake is closed,
// and returns ctx.Err() when ctx is done first or already done on entry. A nil wake channel never fires.
// Callers are expected to consult their run state after Sleep returns; Sleep
// itself makes no stop decision.
func Sleep(ctx context.Context, c Clock, d time.Duration, wake <-chan struct{}) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-c.After(d):
		return nil
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
