package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/curator/internal/locator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Evaluator runs a script in the page and returns its JSON result.
type Evaluator interface {
	Evaluate(ctx context.Context, script string) ([]byte, error)
}

// request is the operation the page script performs.
type request struct {
	Op              string `json:"op"`
	Selector        string `json:"selector,omitempty"`
	Within          string `json:"within,omitempty"`
	Handle          string `json:"handle,omitempty"`
	Name            string `json:"name,omitempty"`
	Text            string `json:"text,omitempty"`
	Mode            string `json:"mode,omitempty"`
	Ancestors       int    `json:"ancestors,omitempty"`
	PreviousSibling bool   `json:"previous_sibling,omitempty"`
	Descendant      string `json:"descendant,omitempty"`
}

type response struct {
	Stale   bool     `json:"stale"`
	OK      bool     `json:"ok"`
	Handles []string `json:"handles"`
	Value   string   `json:"value"`
	Error   string   `json:"error"`
}

// Locator drives the live page. Every call is one script evaluation, so no
// result outlives the call that produced it. Clicks are paced by a limiter.
type Locator struct {
	eval        Evaluator
	limiter     *rate.Limiter
	evalTimeout time.Duration
	logger      *zap.Logger
}

var (
	_ locator.Locator    = (*Locator)(nil)
	_ locator.TextFinder = (*Locator)(nil)
)

// NewLocator wraps eval. actionsPerSecond bounds the click rate; zero or less
// disables pacing. evalTimeout caps each script evaluation; zero leaves only
// the caller's deadline.
func NewLocator(eval Evaluator, actionsPerSecond float64, evalTimeout time.Duration, logger *zap.Logger) *Locator {
	if eval == nil {
		panic("browser locator created with nil evaluator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if actionsPerSecond > 0 {
		limit = rate.Limit(actionsPerSecond)
	}
	return &Locator{
		eval:        eval,
		limiter:     rate.NewLimiter(limit, 1),
		evalTimeout: evalTimeout,
		logger:      logger.Named("locator"),
	}
}

func (l *Locator) do(ctx context.Context, req request) (response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("encoding %s request: %w", req.Op, err)
	}
	if l.evalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.evalTimeout)
		defer cancel()
	}
	raw, err := l.eval.Evaluate(ctx, fmt.Sprintf(pageScript, payload))
	if err != nil {
		return response{}, fmt.Errorf("%s: %w", req.Op, err)
	}

	var res response
	if err := json.Unmarshal(raw, &res); err != nil {
		return response{}, fmt.Errorf("%s: decoding page result: %w", req.Op, err)
	}
	if res.Error != "" {
		return response{}, fmt.Errorf("%s: page script: %s", req.Op, res.Error)
	}
	if res.Stale {
		target := req.Handle
		if target == "" {
			target = req.Within
		}
		return response{}, fmt.Errorf("%w: %s", locator.ErrStaleHandle, target)
	}
	return res, nil
}

func (l *Locator) FindAll(ctx context.Context, q locator.Query) ([]locator.Handle, error) {
	res, err := l.do(ctx, request{Op: "find", Selector: q.Selector, Within: string(q.Within)})
	if err != nil {
		return nil, err
	}
	out := make([]locator.Handle, len(res.Handles))
	for i, h := range res.Handles {
		out[i] = locator.Handle(h)
	}
	return out, nil
}

func (l *Locator) FindFirst(ctx context.Context, q locator.Query) (locator.Handle, bool, error) {
	all, err := l.FindAll(ctx, q)
	if err != nil || len(all) == 0 {
		return locator.None, false, err
	}
	return all[0], true, nil
}

// FindText scans q's matches in one evaluation.
func (l *Locator) FindText(ctx context.Context, q locator.Query, text string, mode locator.MatchMode) (locator.Handle, bool, error) {
	res, err := l.do(ctx, request{
		Op:       "find_text",
		Selector: q.Selector,
		Within:   string(q.Within),
		Text:     strings.TrimSpace(text),
		Mode:     mode.String(),
	})
	if err != nil || !res.OK || len(res.Handles) == 0 {
		return locator.None, false, err
	}
	return locator.Handle(res.Handles[0]), true, nil
}

func (l *Locator) ReadText(ctx context.Context, h locator.Handle) (string, error) {
	res, err := l.do(ctx, request{Op: "text", Handle: string(h)})
	return res.Value, err
}

func (l *Locator) TextEquals(ctx context.Context, h locator.Handle, text string) (bool, error) {
	got, err := l.ReadText(ctx, h)
	return err == nil && got == strings.TrimSpace(text), err
}

func (l *Locator) TextContains(ctx context.Context, h locator.Handle, text string) (bool, error) {
	got, err := l.ReadText(ctx, h)
	return err == nil && strings.Contains(got, strings.TrimSpace(text)), err
}

func (l *Locator) Attr(ctx context.Context, h locator.Handle, name string) (string, bool, error) {
	res, err := l.do(ctx, request{Op: "attr", Handle: string(h), Name: name})
	return res.Value, res.OK, err
}

func (l *Locator) IsVisible(ctx context.Context, h locator.Handle) (bool, error) {
	res, err := l.do(ctx, request{Op: "visible", Handle: string(h)})
	return res.OK, err
}

func (l *Locator) IsEnabled(ctx context.Context, h locator.Handle) (bool, error) {
	res, err := l.do(ctx, request{Op: "enabled", Handle: string(h)})
	return res.OK, err
}

// Click waits for the limiter, then dispatches a DOM click on h.
func (l *Locator) Click(ctx context.Context, h locator.Handle) error {
	if h == locator.None {
		return errors.New("click: no element handle")
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	_, err := l.do(ctx, request{Op: "click", Handle: string(h)})
	if err == nil {
		l.logger.Debug("Clicked element.", zap.String("handle", string(h)))
	}
	return err
}

func (l *Locator) Related(ctx context.Context, h locator.Handle, rel locator.Relation) (locator.Handle, bool, error) {
	res, err := l.do(ctx, request{
		Op:              "related",
		Handle:          string(h),
		Ancestors:       rel.Ancestors,
		PreviousSibling: rel.PreviousSibling,
		Descendant:      rel.Descendant,
	})
	if err != nil || !res.OK || len(res.Handles) == 0 {
		return locator.None, false, err
	}
	return locator.Handle(res.Handles[0]), true, nil
}

func (l *Locator) DocumentReady(ctx context.Context) (bool, error) {
	res, err := l.do(ctx, request{Op: "ready"})
	return res.OK, err
}
