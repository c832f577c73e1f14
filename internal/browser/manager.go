package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/config"
)

// Manager owns the browser process (or the remote connection) and the single
// tab the automation drives.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process. The tab context derives from it.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	tabCtx          context.Context
	tabCancel       context.CancelFunc
}

// Launch starts Chrome, or attaches to cfg.RemoteURL, opens a tab and loads
// cfg.StartURL. The browser lives until Close, independent of ctx.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger.Named("browser"), cfg: cfg}

	// The process must outlive the launch request.
	base := context.WithoutCancel(ctx)
	if cfg.RemoteURL != "" {
		m.logger.Info("Attaching to running browser.", zap.String("url", cfg.RemoteURL))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(base, cfg.RemoteURL)
	} else {
		m.logger.Info("Launching browser.", zap.Bool("headless", cfg.Headless), zap.String("profile", cfg.UserDataDir))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(base, AllocatorOptions(cfg)...)
	}

	var tabOpts []chromedp.ContextOption
	if cfg.Debug {
		sugar := m.logger.Sugar()
		tabOpts = append(tabOpts, chromedp.WithDebugf(sugar.Debugf))
	}
	tabOpts = append(tabOpts, chromedp.WithErrorf(m.logger.Sugar().Errorf))
	m.tabCtx, m.tabCancel = chromedp.NewContext(m.allocatorCtx, tabOpts...)

	// The first Run on the tab context starts the browser; it must not carry a
	// deadline of its own or the browser dies with it.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(m.tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("browser failed to start: %w", err)
		}
	case <-time.After(cfg.LaunchTimeout):
		m.Close()
		return nil, fmt.Errorf("browser did not start within %v", cfg.LaunchTimeout)
	case <-ctx.Done():
		m.Close()
		return nil, ctx.Err()
	}

	if cfg.StartURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, cfg.LaunchTimeout)
		defer cancel()
		if err := m.Navigate(navCtx, cfg.StartURL); err != nil {
			m.Close()
			return nil, err
		}
	}
	m.logger.Info("Browser ready.")
	return m, nil
}

// Navigate loads url in the tab and waits for the load event.
func (m *Manager) Navigate(ctx context.Context, url string) error {
	opCtx, cancel := CombineContext(m.tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// Locator returns a locator bound to the tab.
func (m *Manager) Locator() *Locator {
	return NewLocator(tabEvaluator{tab: m.tabCtx}, m.cfg.ActionsPerSecond, m.cfg.EvalTimeout, m.logger)
}

// Close closes the tab and then the browser. An attached remote browser keeps
// running. Close is safe to call more than once.
func (m *Manager) Close() {
	if m.tabCancel != nil {
		m.tabCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	m.logger.Info("Browser closed.")
}

// tabEvaluator evaluates scripts in a chromedp tab, bounded by the caller's
// context.
type tabEvaluator struct {
	tab context.Context
}

func (e tabEvaluator) Evaluate(ctx context.Context, script string) ([]byte, error) {
	opCtx, cancel := CombineContext(e.tab, ctx)
	defer cancel()

	var res []byte
	err := chromedp.Run(opCtx, chromedp.Evaluate(script, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, err
	}
	return res, nil
}
