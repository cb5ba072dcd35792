package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/montanafw/trimcal/pkg/osc"
)

func NewCrystalCommand() *cobra.Command {
	gpio := 1

	cmd := &cobra.Command{
		Use:     "crystal <xtal32|xtal48>",
		Short:   "Check an external crystal is fitted and running",
		GroupID: gBasic,
		Long: `Check an external crystal through the station daemon.

The crystal is routed to a GPIO pad and counted against the 24 MHz RC clock. The check fails if no edges are
seen or the count lies outside the plausible range of the crystal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := osc.ParseCrystal(args[0])
			if err != nil {
				return err
			}

			rep, err := apiClient.CheckCrystal(x, gpio)
			if err != nil {
				return err
			}

			cmd.Printf("  %s %s count %s (expected %d..%d)\n", bool2Text(rep.Status == 0), x,
				bold("%d", rep.Check.Count), rep.Check.Limits.Min, rep.Check.Limits.Max)
			if rep.Status != 0 {
				return fmt.Errorf("crystal check failed: %s", rep.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&gpio, "gpio", gpio, "GPIO pad the crystal is routed to")

	return cmd
}
