package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the periodic calibration schedule",
		Long: `Manage the periodic calibration schedule of the station daemon.

The schedule command can be used in multiple ways:
  trimcal schedule 'minute hour day month weekday' Set schedule with cron expression
  trimcal schedule disable                         Disable the schedule
  trimcal schedule skip                            Skip next run
  trimcal schedule                                 Show current schedule`,
		Example: `  trimcal schedule '0 3 * * *'   (At 03:00 every day)
  trimcal schedule '0 6 * * 1'   (At 06:00 on Monday)
  trimcal schedule '@every 12h'`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "disable",
			Short: "Disable the calibration schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := apiClient.Schedule(""); err != nil {
					return err
				}
				cmd.Println("Calibration schedule disabled.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "skip",
			Short: "Skip the next scheduled calibration run",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				next, err := apiClient.SkipSchedule()
				if err != nil {
					return err
				}
				cmd.Printf("Next run skipped. Following run: %s\n", next.Local().Format(time.DateTime))
				return nil
			},
		},
	)

	return cmd
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	nextRuns, err := apiClient.Schedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Printf("Calibration scheduled. Next %d run(s):\n", len(nextRuns))
	for _, run := range nextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	conf, err := apiClient.GetConfig()
	if err != nil {
		return err
	}
	if conf.Cron == nil || *conf.Cron == "" {
		cmd.Println("No calibration schedule.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", bold("%s", *conf.Cron))

	st, err := apiClient.GetCalibrationStatus()
	if err != nil {
		return err
	}
	if !st.ScheduledAt.IsZero() {
		cmd.Printf("Next run: %s\n", st.ScheduledAt.Local().Format(time.DateTime))
	}
	return nil
}
