// Package locator defines the narrow contract between the automation core and
// the user interface it drives. The core never sees selectors or document
// structure; it only holds opaque handles and asks the Locator about them.
package locator

import (
	"context"
	"errors"
)

// Handle is an opaque reference to a located UI fragment. Only the Locator that
// issued it knows what it points at.
type Handle string

// None is the zero Handle.
const None Handle = ""

// ErrStaleHandle means the referenced element no longer exists in the document.
var ErrStaleHandle = errors.New("element handle is stale or detached from the document")

// Query is a structural lookup, e.g. "nodes carrying marker attribute X",
// optionally scoped to the subtree of another handle.
type Query struct {
	Selector string
	Within   Handle
}

// MatchMode selects how element text is compared. Both modes trim surrounding
// whitespace before comparing.
type MatchMode int

const (
	Exact MatchMode = iota
	Contains
)

func (m MatchMode) String() string {
	if m == Contains {
		return "contains"
	}
	return "exact"
}

// Relation names a structural hop from one element to an associated one, such
// as "the action trigger belonging to this content node". The site profile
// builds these; the core passes them through untouched.
type Relation struct {
	// Ancestors climbs this many parents first.
	Ancestors int
	// PreviousSibling then moves to the previous element sibling.
	PreviousSibling bool
	// Descendant, when set, finally selects the first matching descendant.
	Descendant string
}

// Locator supplies presence, text and click facts about the live UI. Every
// method re-queries the live document; implementations must not cache results
// between calls because the page renders asynchronously.
type Locator interface {
	FindAll(ctx context.Context, q Query) ([]Handle, error)
	FindFirst(ctx context.Context, q Query) (Handle, bool, error)

	TextEquals(ctx context.Context, h Handle, text string) (bool, error)
	TextContains(ctx context.Context, h Handle, text string) (bool, error)
	ReadText(ctx context.Context, h Handle) (string, error)
	Attr(ctx context.Context, h Handle, name string) (string, bool, error)

	IsVisible(ctx context.Context, h Handle) (bool, error)
	IsEnabled(ctx context.Context, h Handle) (bool, error)

	// Click is fire-and-forget: it dispatches the click and returns.
	Click(ctx context.Context, h Handle) error

	// Related follows rel from h. found is false when the hop leads nowhere.
	Related(ctx context.Context, h Handle, rel Relation) (Handle, bool, error)

	// DocumentReady reports whether the document finished loading.
	DocumentReady(ctx context.Context) (bool, error)
}

// TextFinder is an optional fast path: locate the element matching q whose
// trimmed text matches text in a single round trip. For Exact the first match
// in document order wins; for Contains the innermost (last in document order)
// match wins so callers read the message node rather than a wrapper.
type TextFinder interface {
	FindText(ctx context.Context, q Query, text string, mode MatchMode) (Handle, bool, error)
}
