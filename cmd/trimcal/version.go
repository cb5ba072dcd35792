package main

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/montanafw/trimcal/pkg/client"
	"github.com/montanafw/trimcal/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)

			daemonVersion, err := apiClient.GetVersion()
			switch {
			case err == nil:
				cmd.Printf("daemon: %s\n", daemonVersion)
				if daemonVersion != version.Version {
					logrus.WithFields(logrus.Fields{
						"clientVersion": version.Version,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. Reinstall the daemon with this binary.")
				}
			case errors.Is(err, client.ErrDaemonNotRunning):
				cmd.Println("daemon: not running")
			default:
				logrus.WithError(err).Debug("failed to get daemon version")
			}
		},
	}
}
