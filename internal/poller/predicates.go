package poller

import (
	"context"
	"strings"

	"github.com/xkilldash9x/curator/internal/locator"
)

// ElementPresent holds once an element matching q exists.
func ElementPresent(loc locator.Locator, q locator.Query) Predicate {
	return func(ctx context.Context) (locator.Handle, bool, error) {
		return loc.FindFirst(ctx, q)
	}
}

// Clickable holds once the first element matching q is visible and enabled.
func Clickable(loc locator.Locator, q locator.Query) Predicate {
	return func(ctx context.Context) (locator.Handle, bool, error) {
		h, ok, err := loc.FindFirst(ctx, q)
		if err != nil || !ok {
			return locator.None, false, err
		}
		visible, err := loc.IsVisible(ctx, h)
		if err != nil || !visible {
			return locator.None, false, err
		}
		enabled, err := loc.IsEnabled(ctx, h)
		if err != nil || !enabled {
			return locator.None, false, err
		}
		return h, true, nil
	}
}

// TextEquals holds once an element matching q has trimmed text equal to text.
// The first match in document order is returned.
func TextEquals(loc locator.Locator, q locator.Query, text string) Predicate {
	return findText(loc, q, strings.TrimSpace(text), locator.Exact)
}

// TextContains holds once an element matching q has trimmed text containing
// text. The innermost match is returned.
func TextContains(loc locator.Locator, q locator.Query, text string) Predicate {
	return findText(loc, q, strings.TrimSpace(text), locator.Contains)
}

// TextAbsent holds once no element matching q has trimmed text equal to text.
// It yields no handle.
func TextAbsent(loc locator.Locator, q locator.Query, text string) Predicate {
	present := TextEquals(loc, q, text)
	return func(ctx context.Context) (locator.Handle, bool, error) {
		_, found, err := present(ctx)
		if err != nil {
			return locator.None, false, err
		}
		return locator.None, !found, nil
	}
}

// PageReady holds once the document has loaded and at least one element
// matching marker is present.
func PageReady(loc locator.Locator, marker locator.Query) Predicate {
	return func(ctx context.Context) (locator.Handle, bool, error) {
		ready, err := loc.DocumentReady(ctx)
		if err != nil || !ready {
			return locator.None, false, err
		}
		return loc.FindFirst(ctx, marker)
	}
}

func findText(loc locator.Locator, q locator.Query, text string, mode locator.MatchMode) Predicate {
	if tf, ok := loc.(locator.TextFinder); ok {
		return func(ctx context.Context) (locator.Handle, bool, error) {
			return tf.FindText(ctx, q, text, mode)
		}
	}
	return func(ctx context.Context) (locator.Handle, bool, error) {
		all, err := loc.FindAll(ctx, q)
		if err != nil {
			return locator.None, false, err
		}
		if mode == locator.Contains {
			// Walk backwards so the innermost candidate wins, as TextFinder does.
			for i := len(all) - 1; i >= 0; i-- {
				if ok, err := loc.TextContains(ctx, all[i], text); err == nil && ok {
					return all[i], true, nil
				}
			}
			return locator.None, false, nil
		}
		for _, h := range all {
			if ok, err := loc.TextEquals(ctx, h, text); err == nil && ok {
				return h, true, nil
			}
		}
		return locator.None, false, nil
	}
}
