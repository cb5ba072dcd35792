package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/events"
	"github.com/montanafw/trimcal/pkg/plan"
)

func NewCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"calibration", "cali"},
		Short:   "Manage calibration runs on the station daemon",
		Long:    "Start, monitor and inspect calibration plan runs executed by the station daemon.",
		GroupID: gAdvanced,
	}

	follow := false
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the configured calibration plan on the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			// Subscribe before starting so no step is missed.
			var stream <-chan events.Event
			if follow {
				var err error
				stream, err = apiClient.Events(ctx)
				if err != nil {
					return err
				}
			}

			if _, err := apiClient.StartCalibration(); err != nil {
				return fmt.Errorf("failed to start calibration: %w", err)
			}
			cmd.Println("Calibration started.")

			if !follow {
				return nil
			}
			return followRun(ctx, cmd, stream)
		},
	}
	startCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow the run until it finishes")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current calibration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetCalibrationStatus()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration status: %w", err)
			}
			printCalibrationStatus(cmd, st)
			return nil
		},
	}

	output := ""
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Show the results of the last calibration run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := apiClient.GetCalibrationResults()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration results: %w", err)
			}
			printReport(cmd, rep)
			if output != "" {
				return writeRecords(output, rep)
			}
			return nil
		},
	}
	resultsCmd.Flags().StringVarP(&output, "output", "o", "", "write the trim records to this file (JSON, or CBOR for .cbor)")

	cmd.AddCommand(startCmd, statusCmd, resultsCmd)
	return cmd
}

// followRun prints step results from stream until the run leaves its
// calibrating phases.
func followRun(ctx context.Context, cmd *cobra.Command, stream <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return fmt.Errorf("event stream closed before the run finished")
			}
			switch ev.Name {
			case events.CalibrationStep:
				step, err := events.DecodeAs[events.CalibrationStepEvent](ev)
				if err != nil || step.Kind != string(plan.EventStepFinished) {
					continue
				}
				mark := bool2Text(step.Status == 0)
				cmd.Printf("  %s [%d/%d] %s target %s: code %d\n", mark, step.Index+1, step.Total, step.Block, step.Target, step.Code)
				if step.Error != "" {
					cmd.Printf("      %s\n", step.Error)
				}
			case events.CalibrationPhase:
				phase, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
				if err != nil {
					continue
				}
				cmd.Printf("%s\n", bold("%s", phase.Message))
				if to := calibration.Phase(phase.To); to == calibration.PhaseIdle || to == calibration.PhaseError {
					return nil
				}
			}
		}
	}
}
