package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dayflow/internal/day"
	"dayflow/internal/orchestrator"
)

var (
	endForce     bool
	historyLimit int
)

var dayCmd = &cobra.Command{
	Use:   "day",
	Short: "Run and inspect trading day workflows",
	Long: `Run the trading day workflows of an environment against the configured
capture processes. DATE is YYYY-MM-DD and defaults to today in UTC.`,
}

var dayStartCmd = &cobra.Command{
	Use:   "start [DATE]",
	Short: "Start a trading day",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOrchestrator(func(ctx context.Context, a *app, o *orchestrator.Orchestrator, date day.Date) (any, error) {
		return o.Start(ctx, a.key(date))
	}),
}

var dayEndCmd = &cobra.Command{
	Use:   "end [DATE]",
	Short: "End an active trading day",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOrchestrator(func(ctx context.Context, a *app, o *orchestrator.Orchestrator, date day.Date) (any, error) {
		return o.End(ctx, a.key(date), orchestrator.EndOptions{Force: endForce})
	}),
}

var dayRollCmd = &cobra.Command{
	Use:   "roll [DATE]",
	Short: "End DATE and start the following day",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOrchestrator(func(ctx context.Context, a *app, o *orchestrator.Orchestrator, date day.Date) (any, error) {
		return o.Roll(ctx, a.env, date, orchestrator.EndOptions{Force: endForce})
	}),
}

var dayCheckCmd = &cobra.Command{
	Use:   "check [DATE]",
	Short: "Health check an active trading day",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOrchestrator(func(ctx context.Context, a *app, o *orchestrator.Orchestrator, date day.Date) (any, error) {
		return o.Check(ctx, a.key(date))
	}),
}

var dayRecoverCmd = &cobra.Command{
	Use:   "recover [DATE]",
	Short: "Resolve a trading day left in STARTING, ENDING, ERROR or FAILED",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOrchestrator(func(ctx context.Context, a *app, o *orchestrator.Orchestrator, date day.Date) (any, error) {
		return o.Recover(ctx, a.key(date))
	}),
}

var dayShowCmd = &cobra.Command{
	Use:   "show [DATE]",
	Short: "Print the current state of a trading day",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) (any, error) {
		date, err := dateArg(args)
		if err != nil {
			return nil, err
		}
		return a.days.Get(ctx, a.key(date))
	}),
}

var dayListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every known trading day of the environment",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) (any, error) {
		return a.days.List(ctx, a.env)
	}),
}

var dayHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Replay the journal and print the most recent trading days",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) (any, error) {
		return a.history.History(ctx, a.env, historyLimit)
	}),
}

var dayEventsCmd = &cobra.Command{
	Use:   "events [DATE]",
	Short: "Print the journal events of a trading day",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) (any, error) {
		date, err := dateArg(args)
		if err != nil {
			return nil, err
		}
		return a.history.Events(ctx, a.key(date))
	}),
}

var dayRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the cached projection of every day from the journal",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) (any, error) {
		n, err := a.days.Rebuild(ctx, a.env)
		return map[string]any{"env": a.env, "events": n}, err
	}),
}

func init() {
	dayEndCmd.Flags().BoolVar(&endForce, "force", false, "skip archive verification")
	dayRollCmd.Flags().BoolVar(&endForce, "force", false, "skip archive verification when ending")
	dayHistoryCmd.Flags().IntVar(&historyLimit, "limit", 7, "number of days to print, 0 for all")

	dayCmd.AddCommand(
		dayStartCmd,
		dayEndCmd,
		dayRollCmd,
		dayCheckCmd,
		dayRecoverCmd,
		dayShowCmd,
		dayListCmd,
		dayHistoryCmd,
		dayEventsCmd,
		dayRebuildCmd,
	)
	rootCmd.AddCommand(dayCmd)
}

func dateArg(args []string) (day.Date, error) {
	if len(args) == 0 {
		return day.DateOf(time.Now()), nil
	}
	return day.ParseDate(args[0])
}

type appFunc func(ctx context.Context, a *app, args []string) (any, error)

// withApp opens the stores, runs fn and prints its result as JSON. The
// result is printed even when fn fails, so a FAILED day is still shown.
func withApp(fn appFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		out, runErr := fn(ctx, a, args)
		if td, ok := out.(day.TradingDay); ok && td.State == "" {
			out = nil
		}
		if out != nil {
			if err := printJSON(out); err != nil {
				return err
			}
		}
		return runErr
	}
}

func withOrchestrator(fn func(ctx context.Context, a *app, o *orchestrator.Orchestrator, date day.Date) (any, error)) func(*cobra.Command, []string) error {
	return withApp(func(ctx context.Context, a *app, args []string) (any, error) {
		date, err := dateArg(args)
		if err != nil {
			return nil, err
		}
		o, err := a.orchestrator(ctx, local{})
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, o, date)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
