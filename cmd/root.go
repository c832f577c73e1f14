package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/automation"
	"github.com/xkilldash9x/curator/internal/browser"
	"github.com/xkilldash9x/curator/internal/clock"
	"github.com/xkilldash9x/curator/internal/config"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/observability"
)

// openLocator starts the browser. Tests replace it with an in-memory page.
var openLocator = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (locator.Locator, func(), error) {
	m, err := browser.Launch(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return m.Locator(), m.Close, nil
}

// NewRootCommand builds the curator command. Each call returns an independent
// tree that loads its configuration afresh.
func NewRootCommand() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "curator",
		Short: "Curator moves saved Google items into a collection and files saved places by category.",
		Long: `Curator drives a Chrome window signed in to your Google account. It opens an
interactive console where runs are started, stopped and resumed.

Configuration comes from defaults and CURATOR_* environment variables, for
example CURATOR_COLLECTIONS_DESTINATION or CURATOR_AUTOMATION_ITERATIONS.
The command takes no flags besides --help and --version.`,
		Version:      Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			loaded, err := config.Load(viper.New())
			if err != nil {
				return err
			}
			observability.InitializeLogger(loaded.Logger())
			observability.GetLogger().Info("Starting curator.", zap.String("version", Version))
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			loc, closeBrowser, err := openLocator(ctx, cfg.Browser(), logger)
			if err != nil {
				return fmt.Errorf("opening browser: %w", err)
			}
			defer closeBrowser()

			svc := automation.New(loc, cfg, clock.Real(), logger)
			console := NewConsole(svc, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.Automation().Iterations, logger)
			return console.Run(ctx)
		},
	}

	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	return root
}

// Execute runs the curator command and logs a failure before returning it.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Curator exited with an error.", zap.Error(err))
		return err
	}
	return nil
}
