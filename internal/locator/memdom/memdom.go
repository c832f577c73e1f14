// Package memdom is an in-memory, scriptable document that implements
// locator.Locator. It stands in for a real browser page in tests: nodes can
// appear, disappear and react to clicks, and rendering can be deferred by a
// number of queries to mimic asynchronous UIs.
//
// Selectors are deliberately simple. A query selector is a comma separated list
// of alternatives and a node matches an alternative when it equals "*", the
// node's tag, or one of the node's marks.
package memdom

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xkilldash9x/curator/internal/locator"
)

// Node is an element of the in-memory document.
type Node struct {
	Tag      string
	Marks    []string
	Attrs    map[string]string
	Text     string
	Hidden   bool
	Disabled bool
	// OnClick runs after the node is clicked, outside the document lock, so it
	// may freely mutate the document.
	OnClick func(d *Document)

	Children []*Node
	parent   *Node
}

// El builds a node with a tag, its own text and optional marks.
func El(tag, text string, marks ...string) *Node {
	return &Node{Tag: tag, Text: text, Marks: marks}
}

// With appends children and returns n for chaining.
func (n *Node) With(children ...*Node) *Node {
	for _, c := range children {
		c.parent = n
		n.Children = append(n.Children, c)
	}
	return n
}

// SetAttr sets an attribute and returns n for chaining.
func (n *Node) SetAttr(name, value string) *Node {
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	n.Attrs[name] = value
	return n
}

// Parent returns the parent node, nil for the root or detached nodes.
func (n *Node) Parent() *Node { return n.parent }

func (n *Node) matches(selector string) bool {
	for _, alt := range strings.Split(selector, ",") {
		alt = strings.TrimSpace(alt)
		if alt == "*" || alt == n.Tag {
			return true
		}
		for _, m := range n.Marks {
			if alt == m {
				return true
			}
		}
	}
	return false
}

func (n *Node) textContent() string {
	var b strings.Builder
	b.WriteString(n.Text)
	for _, c := range n.Children {
		b.WriteString(c.textContent())
	}
	return b.String()
}

type deferred struct {
	remaining int
	fn        func(d *Document)
}

// Document is the in-memory page. The zero value is not usable; call New.
type Document struct {
	mu      sync.Mutex
	root    *Node
	ready   bool
	seq     int
	handles map[*Node]locator.Handle
	nodes   map[locator.Handle]*Node

	clicks  []string
	queries int
	pending []*deferred
	failN   int
	failErr error
}

var (
	_ locator.Locator    = (*Document)(nil)
	_ locator.TextFinder = (*Document)(nil)
)

// New returns a loaded, empty document.
func New() *Document {
	return &Document{
		root:    El("body", ""),
		ready:   true,
		handles: make(map[*Node]locator.Handle),
		nodes:   make(map[locator.Handle]*Node),
	}
}

// Root returns the body node.
func (d *Document) Root() *Node { return d.root }

// Append attaches children under parent (the root when parent is nil).
func (d *Document) Append(parent *Node, children ...*Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if parent == nil {
		parent = d.root
	}
	parent.With(children...)
}

// Remove detaches n from the document. Handles to it become stale.
func (d *Document) Remove(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.Children {
		if c == n {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// SetReady toggles the document's load state.
func (d *Document) SetReady(ready bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = ready
}

// After runs fn once, after n further structural or text queries have
// completed and just before the next one. After(0, fn) runs before the next
// query.
func (d *Document) After(n int, fn func(d *Document)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, &deferred{remaining: n, fn: fn})
}

// FailQueries makes the next n queries return err.
func (d *Document) FailQueries(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN, d.failErr = n, err
}

// Clicks lists a description of every clicked node, in order.
func (d *Document) Clicks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.clicks))
	copy(out, d.clicks)
	return out
}

// Queries reports how many structural or text queries ran.
func (d *Document) Queries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

// HandleOf returns the handle for n, issuing one if needed.
func (d *Document) HandleOf(n *Node) locator.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handleLocked(n)
}

// beginQuery runs due deferred mutations and returns an injected failure.
func (d *Document) beginQuery() error {
	d.mu.Lock()
	d.queries++
	var due []func(*Document)
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.remaining <= 0 {
			due = append(due, p.fn)
			continue
		}
		p.remaining--
		kept = append(kept, p)
	}
	d.pending = kept
	var err error
	if d.failN > 0 {
		d.failN--
		err = d.failErr
	}
	d.mu.Unlock()

	for _, fn := range due {
		fn(d)
	}
	return err
}

func (d *Document) handleLocked(n *Node) locator.Handle {
	if h, ok := d.handles[n]; ok {
		return h
	}
	d.seq++
	h := locator.Handle(fmt.Sprintf("m%d", d.seq))
	d.handles[n] = h
	d.nodes[h] = n
	return h
}

func (d *Document) attachedLocked(n *Node) bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur == d.root {
			return true
		}
	}
	return false
}

func (d *Document) resolveLocked(h locator.Handle) (*Node, error) {
	n, ok := d.nodes[h]
	if !ok || !d.attachedLocked(n) {
		return nil, fmt.Errorf("%w: %s", locator.ErrStaleHandle, h)
	}
	return n, nil
}

func (d *Document) scopeLocked(q locator.Query) (*Node, error) {
	if q.Within == locator.None {
		return d.root, nil
	}
	return d.resolveLocked(q.Within)
}

// walk visits descendants of n (excluding n) in document order.
func walk(n *Node, visit func(*Node)) {
	for _, c := range n.Children {
		visit(c)
		walk(c, visit)
	}
}

func (d *Document) FindAll(ctx context.Context, q locator.Query) ([]locator.Handle, error) {
	if err := d.beginQuery(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	scope, err := d.scopeLocked(q)
	if err != nil {
		return nil, err
	}
	var out []locator.Handle
	walk(scope, func(n *Node) {
		if n.matches(q.Selector) {
			out = append(out, d.handleLocked(n))
		}
	})
	return out, nil
}

func (d *Document) FindFirst(ctx context.Context, q locator.Query) (locator.Handle, bool, error) {
	all, err := d.FindAll(ctx, q)
	if err != nil || len(all) == 0 {
		return locator.None, false, err
	}
	return all[0], true, nil
}

func (d *Document) FindText(ctx context.Context, q locator.Query, text string, mode locator.MatchMode) (locator.Handle, bool, error) {
	if err := d.beginQuery(); err != nil {
		return locator.None, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	scope, err := d.scopeLocked(q)
	if err != nil {
		return locator.None, false, err
	}
	var found *Node
	walk(scope, func(n *Node) {
		if !n.matches(q.Selector) {
			return
		}
		content := strings.TrimSpace(n.textContent())
		switch mode {
		case locator.Contains:
			if strings.Contains(content, text) {
				found = n
			}
		default:
			if found == nil && content == text {
				found = n
			}
		}
	})
	if found == nil {
		return locator.None, false, nil
	}
	return d.handleLocked(found), true, nil
}

func (d *Document) ReadText(ctx context.Context, h locator.Handle) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolveLocked(h)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(n.textContent()), nil
}

func (d *Document) TextEquals(ctx context.Context, h locator.Handle, text string) (bool, error) {
	got, err := d.ReadText(ctx, h)
	return err == nil && got == strings.TrimSpace(text), err
}

func (d *Document) TextContains(ctx context.Context, h locator.Handle, text string) (bool, error) {
	got, err := d.ReadText(ctx, h)
	return err == nil && strings.Contains(got, strings.TrimSpace(text)), err
}

func (d *Document) Attr(ctx context.Context, h locator.Handle, name string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolveLocked(h)
	if err != nil {
		return "", false, err
	}
	v, ok := n.Attrs[name]
	return v, ok, nil
}

func (d *Document) IsVisible(ctx context.Context, h locator.Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolveLocked(h)
	if err != nil {
		return false, err
	}
	for cur := n; cur != nil; cur = cur.parent {
		if cur.Hidden {
			return false, nil
		}
	}
	return true, nil
}

func (d *Document) IsEnabled(ctx context.Context, h locator.Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolveLocked(h)
	if err != nil {
		return false, err
	}
	return !n.Disabled, nil
}

func (d *Document) Click(ctx context.Context, h locator.Handle) error {
	d.mu.Lock()
	n, err := d.resolveLocked(h)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.clicks = append(d.clicks, describe(n))
	onClick := n.OnClick
	d.mu.Unlock()

	if onClick != nil {
		onClick(d)
	}
	return nil
}

func (d *Document) Related(ctx context.Context, h locator.Handle, rel locator.Relation) (locator.Handle, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolveLocked(h)
	if err != nil {
		return locator.None, false, err
	}
	for i := 0; i < rel.Ancestors; i++ {
		if n = n.parent; n == nil {
			return locator.None, false, nil
		}
	}
	if rel.PreviousSibling {
		p := n.parent
		if p == nil {
			return locator.None, false, nil
		}
		idx := -1
		for i, c := range p.Children {
			if c == n {
				idx = i
				break
			}
		}
		if idx <= 0 {
			return locator.None, false, nil
		}
		n = p.Children[idx-1]
	}
	if rel.Descendant != "" {
		var found *Node
		walk(n, func(c *Node) {
			if found == nil && c.matches(rel.Descendant) {
				found = c
			}
		})
		if found == nil {
			return locator.None, false, nil
		}
		n = found
	}
	return d.handleLocked(n), true, nil
}

func (d *Document) DocumentReady(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready, nil
}

func describe(n *Node) string {
	if n.Text != "" {
		return n.Text
	}
	if len(n.Marks) > 0 {
		return n.Marks[0]
	}
	return n.Tag
}
