package memdom

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/curator/internal/locator"
)

func TestDocument_FindAndText(t *testing.T) {
	ctx := context.Background()
	d := New()
	item := El("div", "", "item").With(
		El("span", "  Cafe Central "),
		El("button", "", "menu"),
	)
	d.Append(nil, item, El("div", "", "item"))

	all, err := d.FindAll(ctx, locator.Query{Selector: "item"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	first, ok, err := d.FindFirst(ctx, locator.Query{Selector: "menu, other"})
	require.NoError(t, err)
	require.True(t, ok)

	text, err := d.ReadText(ctx, all[0])
	require.NoError(t, err)
	assert.Equal(t, "Cafe Central", text)

	eq, err := d.TextEquals(ctx, all[0], "Cafe Central")
	require.NoError(t, err)
	assert.True(t, eq)

	within, ok, err := d.FindFirst(ctx, locator.Query{Selector: "menu", Within: all[1]})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, locator.None, within)

	require.NoError(t, d.Click(ctx, first))
	assert.Equal(t, []string{"menu"}, d.Clicks())
}

func TestDocument_TextComparisonsTrimBothSides(t *testing.T) {
	ctx := context.Background()
	d := New()
	label := El("span", "  Want to go\n")
	d.Append(nil, label)
	h := d.HandleOf(label)

	eq, err := d.TextEquals(ctx, h, " Want to go ")
	require.NoError(t, err)
	assert.True(t, eq)

	has, err := d.TextContains(ctx, h, "to go\n")
	require.NoError(t, err)
	assert.True(t, has)

	eq, err = d.TextEquals(ctx, h, "Want")
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestDocument_FindTextModes(t *testing.T) {
	ctx := context.Background()
	d := New()
	toast := El("div", "Añadido a [AST] QI Turismo")
	d.Append(nil, El("div", "").With(El("div", "Añadir a una colección")), El("div", "").With(toast))

	h, ok, err := d.FindText(ctx, locator.Query{Selector: "*"}, "Añadir a una colección", locator.Exact)
	require.NoError(t, err)
	require.True(t, ok)
	text, _ := d.ReadText(ctx, h)
	assert.Equal(t, "Añadir a una colección", text)

	h, ok, err = d.FindText(ctx, locator.Query{Selector: "*"}, "Añadido a", locator.Contains)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d.HandleOf(toast), h, "contains picks the innermost match")
}

func TestDocument_StaleHandles(t *testing.T) {
	ctx := context.Background()
	d := New()
	n := El("div", "gone")
	d.Append(nil, n)
	h := d.HandleOf(n)

	d.Remove(n)
	_, err := d.ReadText(ctx, h)
	assert.ErrorIs(t, err, locator.ErrStaleHandle)
	assert.ErrorIs(t, d.Click(ctx, h), locator.ErrStaleHandle)
}

func TestDocument_Related(t *testing.T) {
	ctx := context.Background()
	d := New()
	trigger := El("button", "Place", "place-button")
	note := El("a", "", "note")
	d.Append(nil, El("li", "").With(
		trigger,
		El("div", "").With(El("div", "").With(note)),
	))

	h, ok, err := d.Related(ctx, d.HandleOf(note), locator.Relation{Ancestors: 2, PreviousSibling: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d.HandleOf(trigger), h)

	_, ok, err = d.Related(ctx, d.HandleOf(trigger), locator.Relation{PreviousSibling: true})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDocument_DeferredRenderingAndFailures(t *testing.T) {
	ctx := context.Background()
	d := New()
	d.After(2, func(d *Document) { d.Append(nil, El("div", "", "late")) })

	for i := 0; i < 2; i++ {
		_, ok, err := d.FindFirst(ctx, locator.Query{Selector: "late"})
		require.NoError(t, err)
		assert.False(t, ok, "query %d", i)
	}
	_, ok, err := d.FindFirst(ctx, locator.Query{Selector: "late"})
	require.NoError(t, err)
	assert.True(t, ok)

	boom := errors.New("cdp hiccup")
	d.FailQueries(1, boom)
	_, _, err = d.FindFirst(ctx, locator.Query{Selector: "late"})
	assert.ErrorIs(t, err, boom)
	_, _, err = d.FindFirst(ctx, locator.Query{Selector: "late"})
	assert.NoError(t, err)
}

func TestDocument_Visibility(t *testing.T) {
	ctx := context.Background()
	d := New()
	btn := El("button", "", "save")
	wrapper := &Node{Tag: "div", Hidden: true}
	wrapper.With(btn)
	d.Append(nil, wrapper)

	visible, err := d.IsVisible(ctx, d.HandleOf(btn))
	require.NoError(t, err)
	assert.False(t, visible)

	btn.Disabled = true
	enabled, err := d.IsEnabled(ctx, d.HandleOf(btn))
	require.NoError(t, err)
	assert.False(t, enabled)
}
