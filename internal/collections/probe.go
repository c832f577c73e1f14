package collections

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/poller"
)

// ButtonInfo describes one button inside a list item.
type ButtonInfo struct {
	AriaLabel    string `json:"aria_label,omitempty"`
	DataValue    string `json:"data_value,omitempty"`
	AriaHaspopup string `json:"aria_haspopup,omitempty"`
	Text         string `json:"text,omitempty"`
}

// PageReport is what Inspect found on the page.
type PageReport struct {
	ListItems int          `json:"list_items"`
	Buttons   []ButtonInfo `json:"buttons,omitempty"`
}

// SelectorReport is the outcome of CheckSelectors.
type SelectorReport struct {
	PageReady    bool        `json:"page_ready"`
	FirstItem    string      `json:"first_item,omitempty"`
	TriggerFound bool        `json:"trigger_found"`
	Page         *PageReport `json:"page,omitempty"`
}

// Inspect counts the list items and describes the buttons of the first one.
// It is used to repair selectors when the page layout changes.
func (m *Mover) Inspect(ctx context.Context) (PageReport, error) {
	var report PageReport
	items, err := m.loc.FindAll(ctx, m.ReadyMarker())
	if err != nil {
		return report, fmt.Errorf("listing items: %w", err)
	}
	report.ListItems = len(items)
	m.logger.Info("List items found.", zap.Int("count", len(items)))
	if len(items) == 0 {
		return report, nil
	}

	buttons, err := m.loc.FindAll(ctx, locator.Query{Selector: "button", Within: items[0]})
	if err != nil {
		return report, fmt.Errorf("listing buttons of the first item: %w", err)
	}
	for i, b := range buttons {
		info := ButtonInfo{
			AriaLabel:    m.attr(ctx, b, "aria-label"),
			DataValue:    m.attr(ctx, b, "data-value"),
			AriaHaspopup: m.attr(ctx, b, "aria-haspopup"),
		}
		info.Text, _ = m.loc.ReadText(ctx, b)
		m.logger.Info("Button in first item.",
			zap.Int("index", i+1),
			zap.String("aria_label", info.AriaLabel),
			zap.String("data_value", info.DataValue),
			zap.String("aria_haspopup", info.AriaHaspopup),
			zap.String("text", info.Text),
		)
		report.Buttons = append(report.Buttons, info)
	}
	return report, nil
}

// CheckSelectors walks the first part of the pipeline without clicking
// anything: page readiness, first item, menu trigger. When the trigger is
// missing the page is inspected as well.
func (m *Mover) CheckSelectors(ctx context.Context, p *poller.Poller, ready poller.Predicate, readyTimeout time.Duration) (SelectorReport, error) {
	var report SelectorReport

	if out := p.Poll(ctx, "page ready", ready, readyTimeout); out.Status != poller.Found {
		return report, fmt.Errorf("page readiness check: %s", out.Status)
	}
	report.PageReady = true

	out := p.Poll(ctx, "list item", poller.ElementPresent(m.loc, m.ReadyMarker()), m.cfg.ItemTimeout)
	if out.Status != poller.Found {
		return report, fmt.Errorf("first list item: %s", out.Status)
	}
	report.FirstItem = m.itemName(ctx, out.Handle)

	_, ok, err := m.loc.Related(ctx, out.Handle, locator.Relation{Descendant: m.cfg.MenuTriggerSelector})
	if err != nil {
		return report, fmt.Errorf("menu trigger lookup: %w", err)
	}
	report.TriggerFound = ok
	if !ok {
		m.logger.Warn("Menu trigger not found in the first item; inspecting the page.")
		page, err := m.Inspect(ctx)
		if err != nil {
			return report, err
		}
		report.Page = &page
	}
	return report, nil
}

func (m *Mover) attr(ctx context.Context, h locator.Handle, name string) string {
	v, _, err := m.loc.Attr(ctx, h, name)
	if err != nil {
		return ""
	}
	return v
}
