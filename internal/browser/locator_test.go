package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/curator/internal/locator"
)

// fakePage answers page scripts from canned responses keyed by operation and
// records every decoded request.
type fakePage struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	requests  []request
	// hang makes every evaluation block until its context ends.
	hang bool
}

func newFakePage() *fakePage {
	return &fakePage{responses: map[string]string{}}
}

func (f *fakePage) Evaluate(ctx context.Context, script string) ([]byte, error) {
	const marker = "const req = "
	start := strings.Index(script, marker)
	if start < 0 {
		return nil, errors.New("script carries no request")
	}
	rest := script[start+len(marker):]
	var req request
	if err := json.Unmarshal([]byte(rest[:strings.Index(rest, ";\n")]), &req); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.hang {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.responses[req.Op]; ok {
		return []byte(res), nil
	}
	return []byte(`{}`), nil
}

func (f *fakePage) last() request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestLocator(t *testing.T, page *fakePage) *Locator {
	return NewLocator(page, 0, time.Second, zaptest.NewLogger(t))
}

func TestLocator_FindAll(t *testing.T) {
	page := newFakePage()
	page.responses["find"] = `{"handles":["c1","c2"]}`
	l := newTestLocator(t, page)

	got, err := l.FindAll(context.Background(), locator.Query{Selector: "div[data-list-item]", Within: "c9"})
	require.NoError(t, err)
	assert.Equal(t, []locator.Handle{"c1", "c2"}, got)
	assert.Equal(t, request{Op: "find", Selector: "div[data-list-item]", Within: "c9"}, page.last())

	first, ok, err := l.FindFirst(context.Background(), locator.Query{Selector: "div"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, locator.Handle("c1"), first)
}

func TestLocator_FindFirstNothing(t *testing.T) {
	page := newFakePage()
	page.responses["find"] = `{"handles":[]}`
	l := newTestLocator(t, page)

	h, ok, err := l.FindFirst(context.Background(), locator.Query{Selector: "h1"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, locator.None, h)
}

func TestLocator_StaleHandles(t *testing.T) {
	page := newFakePage()
	page.responses["text"] = `{"stale":true}`
	page.responses["find"] = `{"stale":true}`
	l := newTestLocator(t, page)

	_, err := l.ReadText(context.Background(), "c4")
	assert.ErrorIs(t, err, locator.ErrStaleHandle)
	assert.ErrorContains(t, err, "c4")

	_, err = l.FindAll(context.Background(), locator.Query{Selector: "img", Within: "c7"})
	assert.ErrorIs(t, err, locator.ErrStaleHandle)
	assert.ErrorContains(t, err, "c7")
}

func TestLocator_Text(t *testing.T) {
	page := newFakePage()
	page.responses["text"] = `{"value":"Añadido a [AST] QI Turismo"}`
	l := newTestLocator(t, page)
	ctx := context.Background()

	got, err := l.ReadText(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, "Añadido a [AST] QI Turismo", got)

	eq, err := l.TextEquals(ctx, "c3", "  Añadido a [AST] QI Turismo ")
	require.NoError(t, err)
	assert.True(t, eq)

	contains, err := l.TextContains(ctx, "c3", "[AST]")
	require.NoError(t, err)
	assert.True(t, contains)

	eq, err = l.TextEquals(ctx, "c3", "Añadido")
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestLocator_FindText(t *testing.T) {
	page := newFakePage()
	l := newTestLocator(t, page)
	ctx := context.Background()

	page.responses["find_text"] = `{"ok":true,"handles":["c12"]}`
	h, ok, err := l.FindText(ctx, locator.Query{Selector: "*"}, " Añadir a una colección ", locator.Exact)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, locator.Handle("c12"), h)
	assert.Equal(t, request{Op: "find_text", Selector: "*", Text: "Añadir a una colección", Mode: "exact"}, page.last())

	page.responses["find_text"] = `{"ok":false}`
	_, ok, err = l.FindText(ctx, locator.Query{Selector: "*"}, "Añadido", locator.Contains)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "contains", page.last().Mode)
}

func TestLocator_AttrVisibleEnabled(t *testing.T) {
	page := newFakePage()
	page.responses["attr"] = `{"ok":true,"value":"menu"}`
	page.responses["visible"] = `{"ok":true}`
	page.responses["enabled"] = `{"ok":false}`
	l := newTestLocator(t, page)
	ctx := context.Background()

	v, ok, err := l.Attr(ctx, "c1", "aria-haspopup")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "menu", v)
	assert.Equal(t, "aria-haspopup", page.last().Name)

	visible, err := l.IsVisible(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, visible)

	enabled, err := l.IsEnabled(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestLocator_Related(t *testing.T) {
	page := newFakePage()
	page.responses["related"] = `{"ok":true,"handles":["c30"]}`
	l := newTestLocator(t, page)

	h, ok, err := l.Related(context.Background(), "c2", locator.Relation{Ancestors: 2, PreviousSibling: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, locator.Handle("c30"), h)
	assert.Equal(t, request{Op: "related", Handle: "c2", Ancestors: 2, PreviousSibling: true}, page.last())

	page.responses["related"] = `{"ok":false}`
	_, ok, err = l.Related(context.Background(), "c2", locator.Relation{Descendant: "button"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocator_Click(t *testing.T) {
	page := newFakePage()
	page.responses["click"] = `{"ok":true}`
	l := newTestLocator(t, page)

	require.NoError(t, l.Click(context.Background(), "c5"))
	assert.Equal(t, request{Op: "click", Handle: "c5"}, page.last())

	assert.Error(t, l.Click(context.Background(), locator.None))
}

func TestLocator_ClickIsPaced(t *testing.T) {
	page := newFakePage()
	l := NewLocator(page, 1, time.Second, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Click(ctx, "c1"), "the burst allows one click immediately")
	err := l.Click(ctx, "c2")
	require.Error(t, err, "the second click would wait past the deadline")
	assert.Len(t, page.requests, 1)
}

func TestLocator_Errors(t *testing.T) {
	t.Run("evaluation failure", func(t *testing.T) {
		page := newFakePage()
		page.err = errors.New("target closed")
		_, err := newTestLocator(t, page).DocumentReady(context.Background())
		assert.ErrorContains(t, err, "ready: target closed")
	})

	t.Run("script error", func(t *testing.T) {
		page := newFakePage()
		page.responses["text"] = `{"error":"boom"}`
		_, err := newTestLocator(t, page).ReadText(context.Background(), "c1")
		assert.ErrorContains(t, err, "page script: boom")
	})

	t.Run("undecodable result", func(t *testing.T) {
		page := newFakePage()
		page.responses["ready"] = `<html>`
		_, err := newTestLocator(t, page).DocumentReady(context.Background())
		assert.ErrorContains(t, err, "decoding page result")
	})
}

func TestLocator_DocumentReady(t *testing.T) {
	page := newFakePage()
	page.responses["ready"] = `{"ok":true}`
	ready, err := newTestLocator(t, page).DocumentReady(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestNewLocator_RequiresEvaluator(t *testing.T) {
	assert.Panics(t, func() { NewLocator(nil, 1, 0, nil) })
}

func TestLocator_EvaluationIsBounded(t *testing.T) {
	page := newFakePage()
	page.hang = true
	l := NewLocator(page, 0, 20*time.Millisecond, zaptest.NewLogger(t))

	start := time.Now()
	_, err := l.ReadText(context.Background(), "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second, "a hung page gives up after the evaluation timeout")
}

func TestPageScript_Formats(t *testing.T) {
	script := fmt.Sprintf(pageScript, `{"op":"ready"}`)
	assert.NotContains(t, script, "%!", "the script template takes exactly one verb")
	assert.Contains(t, script, `const req = {"op":"ready"};`)
	assert.Contains(t, script, "performance.timeOrigin", "handles are scoped to the document")
}
