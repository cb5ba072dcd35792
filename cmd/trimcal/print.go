package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/plan"
	"github.com/montanafw/trimcal/pkg/units"
)

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

// measured renders a measured value of block b with its unit.
func measured(b calibration.Block, v int64) string {
	if b.IsOscillator() {
		return units.Frequency(v).String()
	}
	return units.Potential(v).String()
}

func printStepResult(cmd *cobra.Command, sr plan.StepResult) {
	res := sr.Result
	cmd.Printf("  %s %-9s target %s: code %s, measured %s",
		bool2Text(sr.Status == 0), sr.Step.Block, sr.Step.TargetString(),
		bold("%d", res.Code), bold("%s", measured(sr.Step.Block, res.Measured)))
	if res.Iterations > 0 {
		cmd.Printf(" (%d probes)", res.Iterations)
	}
	cmd.Println()

	if sr.Status != 0 {
		cmd.Printf("      %s %s\n", color.RedString("status %s:", sr.Status), sr.Error)
	}
	if sr.Substituted {
		cmd.Printf("      %s\n", color.YellowString("factory default code %d applied", res.Code))
	}
}

func printReport(cmd *cobra.Command, rep *plan.Report) {
	cmd.Println(bold("Calibration results:"))
	for _, sr := range rep.Results {
		printStepResult(cmd, sr)
	}
	cmd.Println()

	status := color.New(color.Bold, color.FgGreen).Sprint("ok")
	if !rep.OK() {
		status = color.New(color.Bold, color.FgRed).Sprint(rep.Status.String())
	}
	cmd.Printf("Status: %s\n", status)
	if !rep.StartedAt.IsZero() {
		cmd.Printf("Finished: %s (took %s)\n", rep.FinishedAt.Local().Format(time.DateTime),
			rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
}

func printCalibrationStatus(cmd *cobra.Command, st *calibration.Status) {
	cmd.Printf("Phase: %s\n", bold("%s", st.Phase))
	if st.Running {
		cmd.Printf("Step: %s\n", bold("%s", st.Step))
	}
	if !st.StartedAt.IsZero() {
		cmd.Printf("Started: %s (%s ago)\n", st.StartedAt.Local().Format(time.DateTime), time.Since(st.StartedAt).Round(time.Second))
	}
	if !st.Running && !st.FinishedAt.IsZero() {
		cmd.Printf("Finished: %s\n", st.FinishedAt.Local().Format(time.DateTime))
		cmd.Printf("Last status: %s\n", bold("%s", st.LastStatus))
	}
	if len(st.FailedBlock) > 0 {
		cmd.Printf("Failed blocks: %s\n", color.RedString("%v", st.FailedBlock))
	}
	if st.Message != "" {
		cmd.Printf("Message: %s\n", st.Message)
	}
	if !st.ScheduledAt.IsZero() {
		cmd.Printf("Next scheduled run: %s\n", st.ScheduledAt.Local().Format(time.DateTime))
	}
}

// writeRecords writes the trim records of rep to path for the write-back
// tooling. Paths ending in .cbor get the binary encoding, anything else JSON.
func writeRecords(path string, rep *plan.Report) error {
	var (
		b   []byte
		err error
	)
	if filepath.Ext(path) == ".cbor" {
		b, err = plan.MarshalRecords(rep.Records())
	} else {
		b, err = json.MarshalIndent(rep.Records(), "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
