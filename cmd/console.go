package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/curator/internal/automation"
	"github.com/xkilldash9x/curator/internal/collections"
	"github.com/xkilldash9x/curator/internal/observability"
	"github.com/xkilldash9x/curator/internal/pipeline"
	"github.com/xkilldash9x/curator/internal/runner"
	"github.com/xkilldash9x/curator/internal/runstate"
)

// Controls is what the console needs from the automation service.
type Controls interface {
	Start(ctx context.Context, n int) (runner.Summary, error)
	Stop()
	Resume()
	RunOne(ctx context.Context) (pipeline.Result, error)
	Recategorize(ctx context.Context) (runner.Summary, error)
	State() runstate.State
	Busy() bool
	LastSummary() (runner.Summary, bool)
	Inspect(ctx context.Context) (collections.PageReport, error)
	CheckSelectors(ctx context.Context) (collections.SelectorReport, error)
}

var _ Controls = (*automation.Service)(nil)

const prompt = "curator> "

// Console reads verbs line by line. Runs execute in the background so stop
// and resume can be typed while they are in progress; at most one runs at a
// time.
type Console struct {
	svc        Controls
	in         io.Reader
	out        io.Writer
	iterations int
	logger     *zap.Logger

	jobs errgroup.Group
}

// NewConsole creates a console. iterations is the default for "start".
func NewConsole(svc Controls, in io.Reader, out io.Writer, iterations int, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Console{
		svc:        svc,
		in:         in,
		out:        &lockedWriter{w: out},
		iterations: iterations,
		logger:     logger.Named("console"),
	}
	c.jobs.SetLimit(1)
	return c
}

// Run serves commands until exit, end of input or ctx cancellation. An active
// run is stopped and awaited before Run returns.
func (c *Console) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-jobCtx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, `Type "help" for commands.`)
	var err error
loop:
	for {
		fmt.Fprint(c.out, prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			break loop
		case line, ok := <-lines:
			if !ok {
				select {
				case err = <-readErr:
				default:
				}
				break loop
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				break loop
			}
			c.Execute(jobCtx, line)
		}
	}

	if c.svc.Busy() {
		fmt.Fprintln(c.out, "Stopping the active run...")
	}
	// Cancellation reaches a run even before it has started its controller.
	cancelJobs()
	_ = c.jobs.Wait()
	fmt.Fprintln(c.out, "Goodbye.")
	if err != nil {
		return fmt.Errorf("reading commands: %w", err)
	}
	return nil
}

// Execute runs one command line on a fresh command tree, so flags never leak
// between lines.
func (c *Console) Execute(ctx context.Context, line string) {
	root := c.commands()
	root.SetArgs(strings.Fields(line))
	root.SetOut(c.out)
	root.SetErr(c.out)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(c.out, "Error:", err)
	}
}

func (c *Console) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "curator",
		Short:         "Curator console",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
	}
	root.CompletionOptions.DisableDefaultCmd = true

	var asJSON bool
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Show the summary of the last finished run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, ok := c.svc.LastSummary()
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No run has finished yet.")
				return nil
			}
			if asJSON {
				b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(sum, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeSummary(sum))
			return nil
		},
	}
	summary.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	root.AddCommand(
		&cobra.Command{
			Use:   "start [n]",
			Short: "Move the first n items into the destination collection",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n := c.iterations
				if len(args) == 1 {
					v, err := strconv.Atoi(args[0])
					if err != nil || v < 1 {
						return fmt.Errorf("%q is not a positive number of iterations", args[0])
					}
					n = v
				}
				return c.background(cmd.Context(), fmt.Sprintf("Starting %d iterations.", n), func(ctx context.Context) {
					c.report(c.svc.Start(ctx, n))
				})
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the active run at its next wait",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				c.svc.Stop()
				if !c.svc.Busy() {
					fmt.Fprintln(cmd.OutOrStdout(), "No run in progress.")
					return
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Stop requested.")
			},
		},
		&cobra.Command{
			Use:   "resume",
			Short: "Withdraw a stop so the run, or the next one, carries on",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				c.svc.Resume()
				fmt.Fprintf(cmd.OutOrStdout(), "Resumed; state is %s.\n", c.svc.State())
			},
		},
		&cobra.Command{
			Use:   "run-one",
			Short: "Move a single item, without readiness checks or pauses",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.background(cmd.Context(), "Moving one item.", func(ctx context.Context) {
					res, err := c.svc.RunOne(ctx)
					c.reportOne(res, err)
				})
			},
		},
		&cobra.Command{
			Use:   "recategorize",
			Short: "File every saved place into its category list",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.background(cmd.Context(), "Recategorizing saved places.", func(ctx context.Context) {
					c.report(c.svc.Recategorize(ctx))
				})
			},
		},
		&cobra.Command{
			Use:   "wait",
			Short: "Block until the active run finishes",
			Args:  cobra.NoArgs,
			Run: func(*cobra.Command, []string) {
				_ = c.jobs.Wait()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the run state",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "State: %s; run in progress: %t.\n", c.svc.State(), c.svc.Busy())
			},
		},
		summary,
		&cobra.Command{
			Use:   "debug",
			Short: "Describe the list page and the first item's buttons",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				report, err := c.svc.Inspect(cmd.Context())
				if err != nil {
					return err
				}
				printPage(cmd.OutOrStdout(), report)
				return nil
			},
		},
		&cobra.Command{
			Use:   "selectors",
			Short: "Check that the configured selectors resolve on the current page",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				report, err := c.svc.CheckSelectors(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Page ready: %t\n", report.PageReady)
				fmt.Fprintf(out, "First item: %q\n", report.FirstItem)
				fmt.Fprintf(out, "Menu trigger found: %t\n", report.TriggerFound)
				if report.Page != nil {
					printPage(out, *report.Page)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "log-level <level>",
			Short: "Change the log level (debug, info, warn, error)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := observability.SetLevel(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Log level set to %s.\n", args[0])
				return nil
			},
		},
	)
	return root
}

// background starts job unless another run is active. ctx ends when the
// console exits, which stops the job.
func (c *Console) background(ctx context.Context, announce string, job func(ctx context.Context)) error {
	if !c.jobs.TryGo(func() error {
		job(ctx)
		return nil
	}) {
		return automation.ErrBusy
	}
	fmt.Fprintln(c.out, announce)
	return nil
}

func (c *Console) report(sum runner.Summary, err error) {
	switch {
	case errors.Is(err, runstate.ErrStopped):
		fmt.Fprintln(c.out, "\nRun stopped.", describeSummary(sum))
	case err != nil:
		fmt.Fprintln(c.out, "\nRun failed:", err)
	default:
		fmt.Fprintln(c.out, "\nRun finished.", describeSummary(sum))
	}
	c.logger.Debug("Background run returned.", zap.Error(err))
}

func (c *Console) reportOne(res pipeline.Result, err error) {
	switch {
	case errors.Is(err, runstate.ErrStopped):
		fmt.Fprintln(c.out, "\nSingle run stopped.")
	case err != nil:
		fmt.Fprintln(c.out, "\nSingle run failed:", err)
	default:
		fmt.Fprintf(c.out, "\nItem moved in %d steps.\n", len(res.Steps))
		for _, w := range res.Warnings() {
			fmt.Fprintln(c.out, "  warning:", w)
		}
	}
}

func describeSummary(sum runner.Summary) string {
	if sum.Exhausted && sum.Attempted == 0 {
		return fmt.Sprintf("[%s] nothing to do; final state %s.", sum.Workflow, sum.Final)
	}
	total := sum.Requested
	if total == 0 {
		total = sum.Attempted
	}
	return fmt.Sprintf("[%s] %d/%d succeeded (%d%%), %d failed; final state %s.",
		sum.Workflow, sum.Succeeded, total, sum.SuccessRate(), sum.Failed, sum.Final)
}

func printPage(out io.Writer, report collections.PageReport) {
	fmt.Fprintf(out, "List items: %d\n", report.ListItems)
	if len(report.Buttons) == 0 {
		fmt.Fprintln(out, "No buttons in the first item.")
		return
	}
	for i, b := range report.Buttons {
		fmt.Fprintf(out, "  button %d: aria-label=%q data-value=%q aria-haspopup=%q text=%q\n",
			i+1, b.AriaLabel, b.DataValue, b.AriaHaspopup, b.Text)
	}
}

// lockedWriter serializes writes from the prompt loop and background runs.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
