// Package places files saved Google Maps places into per-category lists and
// takes them off the default "Want to go" list.
package places

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/config"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/pipeline"
	"github.com/xkilldash9x/curator/internal/poller"
	"github.com/xkilldash9x/curator/internal/runner"
)

// triggerOfNote leads from a place's "add note" anchor to the button that
// opens the place: the anchor's grandparent's previous sibling.
var triggerOfNote = locator.Relation{Ancestors: 2, PreviousSibling: true}

// optionRow leads from a save-menu label to the clickable row holding it.
var optionRow = locator.Relation{Ancestors: 1}

// Recategorizer builds the re-categorization pipeline. Places are taken from
// the list in order, skipping broken entries and places already handled in
// this run; when none are left the first step reports pipeline.ErrExhausted.
type Recategorizer struct {
	loc    locator.Locator
	cfg    config.PlacesConfig
	cat    Categorizer
	logger *zap.Logger

	mu sync.Mutex
	// seen is keyed by the trigger handle; names repeat across branches of
	// the same chain.
	seen map[locator.Handle]struct{}
}

// NewRecategorizer creates a Recategorizer using DefaultBuckets.
func NewRecategorizer(loc locator.Locator, cfg config.PlacesConfig, logger *zap.Logger) *Recategorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recategorizer{
		loc: loc,
		cfg: cfg,
		cat: Categorizer{
			Buckets:       DefaultBuckets,
			DefaultBucket: cfg.DefaultBucket,
			ClosedMarker:  cfg.ClosedMarker,
		},
		logger: logger.Named("places"),
		seen:   make(map[locator.Handle]struct{}),
	}
}

// Reset forgets which places were handled, so a new run reconsiders them all.
func (r *Recategorizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[locator.Handle]struct{})
}

// ReadyMarker is the list panel. It is present whether or not places remain,
// so an emptied list still reaches the exhaustion check.
func (r *Recategorizer) ReadyMarker() locator.Query {
	return locator.Query{Selector: r.cfg.ListSelector}
}

// place is the per-iteration state shared by the steps.
type place struct {
	trigger  locator.Handle
	name     string
	category string
	bucket   string
	skip     bool
	removing bool
}

// Steps is a runner.Factory.
func (r *Recategorizer) Steps(it runner.Iteration) []pipeline.Step {
	log := r.logger.With(zap.Int("iteration", it.Index))
	p := &place{}
	status := locator.Query{Selector: r.cfg.StatusSelector}

	return []pipeline.Step{
		{
			Name: "pick next place",
			Action: func(ctx context.Context, _ locator.Handle) error {
				if err := r.next(ctx, p); err != nil {
					return err
				}
				p.bucket, p.skip = r.cat.Bucket(p.category)
				log.Info("Processing place.",
					zap.String("place", p.name),
					zap.String("category", p.category),
					zap.String("bucket", p.bucket),
					zap.Bool("closed", p.skip),
				)
				return nil
			},
		},
		{
			Name:   "open place",
			Action: func(ctx context.Context, _ locator.Handle) error { return r.loc.Click(ctx, p.trigger) },
			Await: func(locator.Handle) *pipeline.Condition {
				return &pipeline.Condition{
					Name:      "place heading",
					Predicate: poller.TextEquals(r.loc, locator.Query{Selector: r.cfg.HeadingSelector}, p.name),
					Timeout:   r.cfg.HeadingTimeout,
				}
			},
			Settle: r.cfg.Settle,
		},
		{
			Name:   "open save menu",
			Action: r.clickSave,
			Settle: r.cfg.Settle,
		},
		{
			Name: "remove from default list",
			Action: func(ctx context.Context, _ locator.Handle) error {
				row, ok, err := r.optionRow(ctx, r.cfg.CheckedOptionSelector, r.cfg.DefaultList)
				if err != nil || !ok {
					return err
				}
				p.removing = true
				return r.loc.Click(ctx, row)
			},
			// The status can flash by between two samples; only its
			// disappearance is required.
			Soft:   true,
			Await:  r.whenRemoving(p, "removal status", poller.TextEquals(r.loc, status, r.cfg.RemovingText)),
			Settle: r.cfg.Settle,
		},
		{
			Name:   "await removal",
			Await:  r.whenRemoving(p, "removal finished", poller.TextAbsent(r.loc, status, r.cfg.RemovingText)),
			Settle: r.cfg.Settle,
		},
		{
			Name: "reopen save menu",
			Action: func(ctx context.Context, h locator.Handle) error {
				if p.skip {
					log.Info("Place is closed; not filing it.", zap.String("place", p.name))
					return nil
				}
				return r.clickSave(ctx, h)
			},
			Settle: r.cfg.Settle,
		},
		{
			Name: "select bucket",
			Action: func(ctx context.Context, _ locator.Handle) error {
				if p.skip {
					return nil
				}
				row, ok, err := r.optionRow(ctx, r.cfg.UncheckedOptionSelector, p.bucket)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("list %q: %w", p.bucket, pipeline.ErrNotFound)
				}
				return r.loc.Click(ctx, row)
			},
			Soft:   true,
			Await:  r.unlessSkipped(p, "saving status", poller.TextEquals(r.loc, status, r.cfg.SavingText)),
			Settle: r.cfg.Settle,
		},
		{
			Name:   "await save",
			Await:  r.unlessSkipped(p, "save finished", poller.TextAbsent(r.loc, status, r.cfg.SavingText)),
			Settle: r.cfg.Settle,
		},
	}
}

// next selects the first place that is neither broken nor already seen and
// marks it seen, so a failing place is not retried forever.
func (r *Recategorizer) next(ctx context.Context, p *place) error {
	anchors, err := r.loc.FindAll(ctx, locator.Query{Selector: r.cfg.NoteAnchorSelector})
	if err != nil {
		return fmt.Errorf("listing places: %w", err)
	}

	for _, anchor := range anchors {
		trigger, ok, err := r.loc.Related(ctx, anchor, triggerOfNote)
		if err != nil || !ok {
			continue
		}
		if r.broken(ctx, trigger) {
			continue
		}
		name, err := r.textWithin(ctx, trigger, r.cfg.NameSelector)
		if err != nil {
			continue
		}
		if !r.markSeen(trigger) {
			continue
		}

		label, err := r.textWithin(ctx, trigger, r.cfg.CategorySelector)
		if err != nil {
			return fmt.Errorf("category of %q: %w", name, err)
		}
		p.trigger, p.name, p.category = trigger, name, CleanLabel(label)
		return nil
	}
	return pipeline.ErrExhausted
}

func (r *Recategorizer) markSeen(trigger locator.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[trigger]; ok {
		return false
	}
	r.seen[trigger] = struct{}{}
	return true
}

// broken reports whether the place shows the "no thumbnail" placeholder; such
// entries cannot be opened.
func (r *Recategorizer) broken(ctx context.Context, trigger locator.Handle) bool {
	if r.cfg.BrokenThumbnailSrc == "" {
		return false
	}
	imgs, err := r.loc.FindAll(ctx, locator.Query{Selector: r.cfg.ThumbnailSelector, Within: trigger})
	if err != nil {
		return false
	}
	for _, img := range imgs {
		if src, ok, err := r.loc.Attr(ctx, img, "src"); err == nil && ok && src == r.cfg.BrokenThumbnailSrc {
			return true
		}
	}
	return false
}

func (r *Recategorizer) textWithin(ctx context.Context, scope locator.Handle, selector string) (string, error) {
	h, ok, err := r.loc.FindFirst(ctx, locator.Query{Selector: selector, Within: scope})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", selector, pipeline.ErrNotFound)
	}
	return r.loc.ReadText(ctx, h)
}

func (r *Recategorizer) clickSave(ctx context.Context, _ locator.Handle) error {
	h, ok, err := r.loc.FindFirst(ctx, locator.Query{Selector: r.cfg.SaveButtonSelector})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("save button: %w", pipeline.ErrNotFound)
	}
	return r.loc.Click(ctx, h)
}

// optionRow finds the save-menu row whose label (matched by selector) equals
// text. It samples the page once.
func (r *Recategorizer) optionRow(ctx context.Context, selector, text string) (locator.Handle, bool, error) {
	label, ok, err := poller.TextEquals(r.loc, locator.Query{Selector: selector}, text)(ctx)
	if err != nil || !ok {
		return locator.None, false, err
	}
	return r.loc.Related(ctx, label, optionRow)
}

func (r *Recategorizer) whenRemoving(p *place, name string, pred poller.Predicate) func(locator.Handle) *pipeline.Condition {
	return func(locator.Handle) *pipeline.Condition {
		if !p.removing {
			return nil
		}
		return r.statusCondition(name, pred)
	}
}

func (r *Recategorizer) unlessSkipped(p *place, name string, pred poller.Predicate) func(locator.Handle) *pipeline.Condition {
	return func(locator.Handle) *pipeline.Condition {
		if p.skip {
			return nil
		}
		return r.statusCondition(name, pred)
	}
}

func (r *Recategorizer) statusCondition(name string, pred poller.Predicate) *pipeline.Condition {
	return &pipeline.Condition{Name: name, Predicate: pred, Timeout: r.cfg.StatusTimeout}
}
