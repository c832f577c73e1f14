package browser

import "context"

// CombineContext derives a context from values (which carries the chromedp tab)
// that is also cancelled when op is. Deadlines of op are not inherited, only
// its cancellation, which is how a deadline expiry surfaces anyway.
func CombineContext(values, op context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(values)
	stop := context.AfterFunc(op, func() { cancel(context.Cause(op)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
