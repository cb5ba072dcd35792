package main

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/config"
	"github.com/montanafw/trimcal/pkg/daemon"
	"github.com/montanafw/trimcal/pkg/plan"
)

// openRunner opens the configured backend for an in-process calibration.
// The returned function closes the device.
func openRunner(notify func(plan.Event)) (*plan.Runner, config.Config, func(), error) {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	dev, err := daemon.OpenDevice(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := dev.Close(); err != nil {
			logrus.Errorf("failed to close device: %v", err)
		}
	}

	return plan.NewRunner(dev, config.RunnerOptions(conf, notify)), conf, closeFn, nil
}

func progress(cmd *cobra.Command) func(plan.Event) {
	return func(e plan.Event) {
		switch e.Kind {
		case plan.EventStepStarted:
			logrus.WithField("step", e.Step.String()).Debugf("step %d/%d started", e.Index+1, e.Total)
		case plan.EventStepFinished:
			if e.Result != nil {
				printStepResult(cmd, *e.Result)
			}
		}
	}
}

func NewRunCommand() *cobra.Command {
	output := ""

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the configured calibration plan in-process",
		GroupID: gBasic,
		Long: `Run the configured calibration plan against the configured backend, without the daemon.

Every step runs even if an earlier one fails. Mandatory blocks that fail get their factory default code.
The command fails if any step failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, conf, closeFn, err := openRunner(progress(cmd))
			if err != nil {
				return err
			}
			defer closeFn()

			cmd.Println(bold("Calibrating:"))
			rep, err := runner.Run(conf.Targets())
			if err != nil {
				return fmt.Errorf("failed to run calibration: %w", err)
			}
			cmd.Println()
			printReport(cmd, &rep)

			if output != "" {
				if err := writeRecords(output, &rep); err != nil {
					return err
				}
				logrus.Infof("trim records written to %s", output)
			}

			if !rep.OK() {
				return fmt.Errorf("calibration failed: %s", rep.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the trim records to this file (JSON, or CBOR for .cbor)")

	return cmd
}

// parseStepArgs parses "<block> <target>" and checks the block kind.
func parseStepArgs(args []string, oscillator bool) (plan.Step, error) {
	if len(args) != 2 {
		return plan.Step{}, fmt.Errorf("invalid number of arguments")
	}

	b, err := calibration.ParseBlock(args[0])
	if err != nil {
		return plan.Step{}, err
	}
	if b.IsOscillator() != oscillator {
		if oscillator {
			return plan.Step{}, fmt.Errorf("%s is not an oscillator", b)
		}
		return plan.Step{}, fmt.Errorf("%s is not a rail", b)
	}

	target, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil || target == 0 {
		return plan.Step{}, fmt.Errorf("invalid target %q", args[1])
	}
	return plan.Step{Block: b, Target: uint32(target)}, nil
}

func newStepCommand(use, short, long string, oscillator bool) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Long:    long,
		GroupID: gBasic,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := parseStepArgs(args, oscillator)
			if err != nil {
				return err
			}

			runner, _, closeFn, err := openRunner(nil)
			if err != nil {
				return err
			}
			defer closeFn()

			sr, err := runner.RunStep(step)
			if err != nil {
				return fmt.Errorf("failed to calibrate %s: %w", step.Block, err)
			}
			printStepResult(cmd, sr)

			if sr.Status != 0 {
				return fmt.Errorf("calibration of %s failed: %s", step.Block, sr.Status)
			}
			return nil
		},
	}
}

func NewRailCommand() *cobra.Command {
	return newStepCommand(
		"rail <dcdc|vddrf|vddif|vddflash|vddpa|vddc|vddm> <target>",
		"Calibrate one power rail in-process",
		`Calibrate one power rail in-process. The target is in 10 mV units, e.g. 110 for 1.10 V.`,
		false,
	)
}

func NewOscCommand() *cobra.Command {
	return newStepCommand(
		"osc <rc32k|startosc> <target>",
		"Calibrate one RC oscillator in-process",
		`Calibrate one RC oscillator in-process. The target is in Hz for rc32k and in kHz for startosc.`,
		true,
	)
}
