package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/api"
	"github.com/Remdon/DubK-Options-sub000/internal/bot"
	"github.com/Remdon/DubK-Options-sub000/internal/markethours"
	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	redisstore "github.com/Remdon/DubK-Options-sub000/internal/store/redis"
)

func newRootCmd() *cobra.Command {
	var opts globalOptions
	root := &cobra.Command{
		Use:   "optionsbot",
		Short: "Multi-leg options trading loop",
		Long: `optionsbot sizes, submits, tracks and exits multi-leg options strategies.

Broker credentials come from BROKER_API_KEY and BROKER_API_SECRET (or the OS
keyring, see "optionsbot secret set"). Without them an in-process paper broker
is used.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.policyPath, "policy", "", "Policy YAML file (overrides POLICY_PATH)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().Int64Var(&opts.paperCash, "paper-cash", 100000, "Starting cash of the in-process paper broker")

	root.AddCommand(
		newRunCmd(&opts),
		newEvaluateCmd(&opts),
		newEnterCmd(&opts),
		newSweepCmd(&opts),
		newStatusCmd(&opts),
		newAlertsCmd(),
		newSecretCmd(),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, *opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runLoop(ctx, a)
		},
	}
}

func runLoop(ctx context.Context, a *app) error {
	deps := api.Deps{Strategies: a.tracker, History: a.reader}
	if a.events != nil {
		deps.Events = a.events
	}
	srv := metrics.NewServer(a.cfg.MetricsAddr, a.registry, a.health)
	srv.Mount("/api/", api.NewRouter(deps))
	srv.Start()
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(shutdown)
	}()

	if a.publisher != nil {
		a.health.StartLivenessChecker(ctx, a.publisher.Client(), a.journal.DB(), 10*time.Second)
	} else {
		a.health.StartLivenessChecker(ctx, nil, a.journal.DB(), 10*time.Second)
	}

	stream, err := a.tradeStream()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.svc.Run(gctx) })
	if stream != nil {
		a.health.SetStreamConnected(true)
		g.Go(func() error {
			defer a.health.SetStreamConnected(false)
			return stream.Run(gctx)
		})
	}
	err = g.Wait()
	if errors.Is(err, bot.ErrFatal) {
		a.log.Error("trading loop stopped on fatal error", "err", err)
	}
	return err
}

func newEvaluateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run one monitor cycle now, regardless of market hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, *opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.svc.Cycle(ctx)
			printCycle(cmd.OutOrStdout(), rep)
			return err
		},
	}
}

func printCycle(out io.Writer, rep bot.CycleReport) {
	fmt.Fprintf(out, "orders checked %d, updated %d, closes finalized %d, cancelled %d, swept %d\n",
		rep.Sync.Checked, rep.Sync.Updated, rep.Finalized, len(rep.Cancelled), rep.Swept)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tTYPE\tP&L\tDTE\tDECISION\tDETAIL")
	for _, o := range rep.Exits.Outcomes {
		dte := "-"
		if o.DTE != nil {
			dte = fmt.Sprint(*o.DTE)
		}
		decision, detail := "hold", o.Decision.Detail
		switch {
		case o.Skipped != "":
			decision, detail = "skipped", o.Skipped
		case o.Close != nil && o.Close.Submitted:
			decision = "closed:" + string(o.Decision.Reason)
		case o.Close != nil && o.Close.Partial:
			decision = "partial:" + string(o.Decision.Reason)
		case o.Decision.Close:
			decision = "close failed:" + string(o.Decision.Reason)
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			o.Symbol, o.StrategyType, o.PnLPct*100, dte, decision, detail)
	}
	w.Flush()

	for _, err := range rep.Errors {
		fmt.Fprintf(out, "error: %v\n", err)
	}
}

func newEnterCmd(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enter",
		Short: "Size and submit trade candidates from a YAML file",
		Long: `Runs every candidate through cooldown, exposure, sizing and execution.

Example candidates file:

  candidates:
    - symbol: SPY
      strategy: BULL_PUT_SPREAD
      confidence: 82
      legs:
        - {contract: SPY240315P00470000, side: SELL}
        - {contract: SPY240315P00465000, side: BUY}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			candidates, err := bot.LoadCandidates(file)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, *opts)
			if err != nil {
				return err
			}
			defer a.Close()

			outcomes, err := a.svc.EnterBatch(ctx, candidates)
			printEntries(cmd.OutOrStdout(), outcomes)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Candidates YAML file")
	return cmd
}

func printEntries(out io.Writer, outcomes []bot.EntryOutcome) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSTAGE\tQTY\tALLOC\tSTRATEGY\tREASON")
	for _, o := range outcomes {
		qty := "-"
		if o.Sizing.Quantity > 0 {
			qty = fmt.Sprint(o.Sizing.Quantity)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f%%\t%s\t%s\n",
			o.Symbol, o.Stage, qty, o.Sizing.AllocationPct*100, o.StrategyID, o.Reason)
	}
	w.Flush()
}

func newSweepCmd(opts *globalOptions) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Drop terminal strategy records older than the retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, *opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if retention <= 0 {
				retention = a.policy.Loop.Retention
			}
			n, err := a.tracker.SweepExpired(ctx, retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d strategies older than %s\n", n, retention)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "older-than", 0, "Retention (default from policy)")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show market session and tracked strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, *opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, markethours.StatusString(time.Now()))
			counts := a.tracker.Counts()
			fmt.Fprintf(out, "strategies: %d tracked", a.tracker.Len())
			for _, st := range []model.StrategyStatus{
				model.StatusPending, model.StatusPartiallyFilled, model.StatusFilled,
				model.StatusCancelled, model.StatusFailed,
			} {
				if n := counts[st]; n > 0 {
					fmt.Fprintf(out, ", %d %s", n, st)
				}
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STRATEGY\tSYMBOL\tPURPOSE\tSTATUS\tLEGS\tATTENTION")
			for _, o := range a.tracker.Open() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%v\n",
					o.StrategyID, o.Symbol, o.Purpose, o.Status, len(o.Legs), o.NeedsAttention)
			}
			return w.Flush()
		},
	}
}

func newAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Follow critical alerts published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.RedisAddr == "" {
				return fmt.Errorf("REDIS_ADDR is not set")
			}
			ctx, stop := signalContext()
			defer stop()

			r, err := redisstore.NewReader(redisstore.ReaderConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			if err != nil {
				return err
			}
			defer r.Close()

			alerts := make(chan notification.Alert, 16)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer close(alerts)
				return r.SubscribeAlerts(gctx, alerts)
			})
			g.Go(func() error {
				for a := range alerts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %-16s %s %s: %s\n",
						a.Time.Format(time.RFC3339), a.Level, a.Kind, a.Symbol, a.Title, a.Message)
				}
				return nil
			})
			return g.Wait()
		},
	}
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the broker API secret in the OS keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the broker API secret, read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "broker API secret: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			secret := strings.TrimSpace(line)
			if secret == "" {
				return fmt.Errorf("empty secret")
			}
			if err := config.StoreSecret(secret); err != nil {
				return fmt.Errorf("keyring: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored in keyring service %q\n", config.KeyringService)
			return nil
		},
	})
	return cmd
}
