// Command worker runs setup operations and worker invocations against the
// queue. It is meant to be launched by cron or run as a long-lived
// scheduler.
//
//	init-queue     create the queue and install the form trigger
//	init-trigger   install periodic worker triggers
//	run            run one worker invocation
//	enqueue        fan out a form submission
//	rebuild-index  republish docs/index.html
//	schedule       fire installed worker triggers until stopped
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"form-fanout/internal/app"
	"form-fanout/internal/config"
	"form-fanout/internal/models"
	"form-fanout/internal/trigger"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "form-fanout queue worker",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config")

	root.AddCommand(
		initQueueCmd(),
		initTriggerCmd(),
		runCmd(),
		enqueueCmd(),
		rebuildIndexCmd(),
		scheduleCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func withApp(fn func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := app.Bootstrap(configPath, envFile)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-queue",
		Short: "Create the queue if absent and reinstall the form trigger",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			return a.Setup.InitQueue(cmd.Context())
		}),
	}
}

func initTriggerCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "init-trigger [JOB_TYPE...]",
		Short: "Reinstall periodic worker triggers (all job types by default)",
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			types := config.KnownJobTypes
			if len(args) > 0 {
				types = nil
				for _, arg := range args {
					t, err := config.ParseJobType(arg)
					if err != nil {
						return err
					}
					types = append(types, t)
				}
			}
			for _, t := range types {
				interval := every
				if interval <= 0 {
					interval = a.Intervals[t]
				}
				if _, err := a.Setup.InitWorkerTrigger(cmd.Context(), t, interval); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().DurationVar(&every, "every", 0, "trigger interval (default workers.<name>.interval)")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run JOB_TYPE",
		Short: "Run one worker invocation",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			t, err := config.ParseJobType(args[0])
			if err != nil {
				return err
			}
			w, err := a.Worker(t)
			if err != nil {
				return err
			}
			report, err := w.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		}),
	}
}

func enqueueCmd() *cobra.Command {
	var (
		sheet   string
		row     int
		answers []string
		values  []string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Fan out one form submission into the queue",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			sub := models.FormSubmission{
				SourceSheet: sheet,
				SourceRow:   row,
				Values:      values,
				NamedValues: make(map[string][]string),
			}
			for _, kv := range answers {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("answer %q: expected question=value", kv)
				}
				sub.NamedValues[key] = append(sub.NamedValues[key], value)
			}
			res, err := a.Jobs.Enqueue(cmd.Context(), sub)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "source sheet name")
	cmd.Flags().IntVar(&row, "row", 0, "source row (enables duplicate detection)")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "named answer as question=value (repeatable)")
	cmd.Flags().StringArrayVar(&values, "value", nil, "raw response value in column order (repeatable)")
	return cmd
}

func rebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Regenerate docs/index.html from DONE pages",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if err := a.Pages.Preflight(cmd.Context()); err != nil {
				return err
			}
			n, err := a.Pages.RebuildIndex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "items=%d\n", n)
			return nil
		}),
	}
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Fire installed worker triggers until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			err := a.Scheduler.Run(ctx)
			if errors.Is(err, trigger.ErrNoTriggers) {
				return fmt.Errorf("%w; run init-trigger first", err)
			}
			if ctx.Err() != nil {
				log.Info().Msg("scheduler stopped")
				return nil
			}
			return err
		}),
	}
}
