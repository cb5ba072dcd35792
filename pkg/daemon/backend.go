package daemon

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/config"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/hw/serialconn"
	"github.com/montanafw/trimcal/pkg/hw/sim"
)

// OpenDevice opens the device of the backend configured in c.
func OpenDevice(c config.Config) (*hw.Device, error) {
	var conn hw.Conn

	switch b := c.Backend(); b {
	case config.BackendSim:
		conn = sim.NewBoard()
	case config.BackendSerial:
		conn = serialconn.New(c.SerialPort(), c.SerialBaud())
	default:
		return nil, fmt.Errorf("unknown backend %q", b)
	}

	dev := hw.New(conn)
	if err := dev.Open(); err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", c.Backend(), err)
	}

	logrus.WithFields(logrus.Fields{
		"backend": c.Backend(),
		"port":    c.SerialPort(),
	}).Info("device opened")

	return dev, nil
}
