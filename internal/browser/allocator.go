// Package browser launches or attaches to Chrome through chromedp and exposes
// the live page as a locator.Locator.
package browser

import (
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/curator/internal/config"
)

// Flag is a single Chrome command line switch. A false boolean value removes
// a switch that chromedp would otherwise pass by default.
type Flag struct {
	Name  string
	Value any
}

// Flags lists the switches for a launched browser, in application order.
// Later entries override earlier ones with the same name.
func Flags(cfg config.BrowserConfig) []Flag {
	flags := []Flag{
		{"headless", cfg.Headless},
		{"disable-gpu", cfg.Headless},
		// Google sign-in refuses browsers that advertise navigator.webdriver.
		{"disable-blink-features", "AutomationControlled"},
		{"enable-automation", false},
		{"disable-extensions", true},
		{"no-first-run", true},
		{"no-default-browser-check", true},
	}
	if cfg.UserDataDir != "" {
		flags = append(flags, Flag{"user-data-dir", cfg.UserDataDir})
	}

	if runtime.GOOS == "linux" {
		flags = append(flags,
			Flag{"no-sandbox", true},
			Flag{"disable-dev-shm-usage", true},
		)
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, Flag{name, parts[1]})
		} else {
			flags = append(flags, Flag{name, true})
		}
	}
	return flags
}

// AllocatorOptions turns Flags into exec allocator options on top of chromedp's
// defaults.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range Flags(cfg) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	return opts
}
