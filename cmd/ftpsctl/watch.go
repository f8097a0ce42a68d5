package main

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func (a *app) watchCommand() *cobra.Command {
	var (
		flags    fetchFlags
		schedule string
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "watch [remote-dir]",
		Short: "Fetch matching files on a cron schedule until interrupted",
		Long: `Watch runs fetch on the given cron schedule, opening a new session
for every run. A run still in progress when the next one is due causes
that next run to be skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			re, err := flags.compile()
			if err != nil {
				return err
			}
			// Validate the rest of the configuration before waiting on
			// the first tick.
			if _, err := a.config(cmd.Flags()); err != nil {
				return err
			}

			logger := a.logger()
			run := func() {
				start := time.Now()
				if err := a.fetchAndReport(cmd, dir, re, flags.dest); err != nil {
					a.warn("fetch failed: %v", err)
					return
				}
				logger.Info("fetch finished", "dir", dir, "elapsed", time.Since(start))
			}

			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			if _, err := c.AddFunc(schedule, run); err != nil {
				return fmt.Errorf("invalid --schedule: %w", err)
			}
			if now {
				run()
			}

			c.Start()
			a.success("Watching %q on schedule %q", dir, schedule)
			<-cmd.Context().Done()
			<-c.Stop().Done()
			return nil
		},
	}
	flags.add(cmd.Flags())
	cmd.Flags().StringVarP(&schedule, "schedule", "s", "", "cron schedule, for example \"*/5 * * * *\"")
	cmd.Flags().BoolVar(&now, "now", false, "also run once immediately")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}
