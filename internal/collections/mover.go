// Package collections moves saved items from the current list into another
// collection, one list head at a time.
package collections

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/config"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/pipeline"
	"github.com/xkilldash9x/curator/internal/poller"
	"github.com/xkilldash9x/curator/internal/runner"
)

// Mover builds the move-to-collection pipeline. Every iteration works on
// whatever item currently heads the list; a successful move removes it, so the
// next iteration sees the following one.
type Mover struct {
	loc    locator.Locator
	cfg    config.CollectionsConfig
	logger *zap.Logger
}

// NewMover creates a Mover reading the page through loc.
func NewMover(loc locator.Locator, cfg config.CollectionsConfig, logger *zap.Logger) *Mover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mover{loc: loc, cfg: cfg, logger: logger.Named("collections")}
}

// ReadyMarker is the element whose presence means the list has rendered.
func (m *Mover) ReadyMarker() locator.Query {
	return locator.Query{Selector: m.cfg.ListItemSelector}
}

// Steps is a runner.Factory.
func (m *Mover) Steps(it runner.Iteration) []pipeline.Step {
	log := m.logger.With(zap.Int("iteration", it.Index))
	var itemName string

	return []pipeline.Step{
		{
			Name: "find first list item",
			Await: func(locator.Handle) *pipeline.Condition {
				return &pipeline.Condition{
					Name:      "list item",
					Predicate: poller.ElementPresent(m.loc, m.ReadyMarker()),
					Timeout:   m.cfg.ItemTimeout,
				}
			},
			Settle: m.cfg.ItemSettle,
		},
		{
			Name: "open item menu",
			Action: func(ctx context.Context, item locator.Handle) error {
				itemName = m.itemName(ctx, item)
				log.Info("First list item found.", zap.String("item", itemName))

				trigger, ok, err := m.loc.Related(ctx, item, locator.Relation{Descendant: m.cfg.MenuTriggerSelector})
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("menu trigger: %w", pipeline.ErrNotFound)
				}
				return m.loc.Click(ctx, trigger)
			},
			Await:  m.awaitText("add-to-collection option", m.cfg.AddOptionLabel, m.cfg.OptionTimeout),
			Settle: m.cfg.MenuSettle,
		},
		{
			Name:   "add to collection",
			Action: m.click,
			Await:  m.awaitText("destination entry", m.cfg.Destination, m.cfg.DestinationTimeout),
			Settle: m.cfg.OptionSettle,
		},
		{
			Name:   "select destination",
			Action: m.click,
			Settle: m.cfg.DestinationSettle,
		},
		{
			Name: "await confirmation",
			Soft: true,
			Await: func(locator.Handle) *pipeline.Condition {
				return &pipeline.Condition{
					Name:      "confirmation toast",
					Predicate: poller.TextContains(m.loc, locator.Query{Selector: m.cfg.TextScope}, m.cfg.ConfirmationText),
					Timeout:   m.cfg.ConfirmationTimeout,
				}
			},
			Settle: m.cfg.ConfirmationDisplay,
		},
		{
			Name: "await list refresh",
			Action: func(context.Context, locator.Handle) error {
				log.Info("Item moved.", zap.String("item", itemName), zap.String("destination", m.cfg.Destination))
				return nil
			},
			Settle: m.cfg.ListRefresh,
		},
	}
}

func (m *Mover) click(ctx context.Context, h locator.Handle) error {
	if h == locator.None {
		return fmt.Errorf("nothing to click: %w", pipeline.ErrNotFound)
	}
	return m.loc.Click(ctx, h)
}

func (m *Mover) awaitText(name, text string, timeout time.Duration) func(locator.Handle) *pipeline.Condition {
	return func(locator.Handle) *pipeline.Condition {
		return &pipeline.Condition{
			Name:      name,
			Predicate: poller.TextEquals(m.loc, locator.Query{Selector: m.cfg.TextScope}, text),
			Timeout:   timeout,
		}
	}
}

// itemName reads the display name of a list item for logging. It never fails
// the step.
func (m *Mover) itemName(ctx context.Context, item locator.Handle) string {
	if m.cfg.ItemNameSelector == "" {
		return ""
	}
	h, ok, err := m.loc.FindFirst(ctx, locator.Query{Selector: m.cfg.ItemNameSelector, Within: item})
	if err != nil || !ok {
		return ""
	}
	name, err := m.loc.ReadText(ctx, h)
	if err != nil {
		return ""
	}
	return name
}
