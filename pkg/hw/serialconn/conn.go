// Package serialconn talks to the debug monitor running on a device under
// test over a serial line.
//
// The monitor speaks a line protocol:
//
//	R <register>          -> <hex value>
//	W <register> <hex>    -> OK
//
// Any other reply, or a reply starting with ERR, is an error.
package serialconn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/montanafw/trimcal/pkg/hw"
)

// DefaultBaud is the baud rate of the debug monitor.
const DefaultBaud = 115200

// ErrNotOpen is returned when the connection is used before Open.
var ErrNotOpen = errors.New("serial connection is not open")

// openPort is a seam for tests.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Conn is a hw.Conn over a serial port.
type Conn struct {
	cfg *serial.Config

	mu   sync.Mutex
	port io.ReadWriteCloser
	r    *bufio.Reader
}

var _ hw.Conn = (*Conn)(nil)

// New returns a connection to the monitor on device. A zero baud selects
// DefaultBaud.
func New(device string, baud int) *Conn {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &Conn{
		cfg: &serial.Config{
			Name:        device,
			Baud:        baud,
			ReadTimeout: 2 * time.Second,
		},
	}
}

// Open opens the serial port.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return nil
	}
	port, err := openPort(c.cfg)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open serial port %s", c.cfg.Name)
	}
	c.port = port
	c.r = bufio.NewReader(port)

	logrus.WithFields(logrus.Fields{
		"port": c.cfg.Name,
		"baud": c.cfg.Baud,
	}).Info("Connected to device monitor")

	return nil
}

// Close closes the serial port.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	c.r = nil
	return err
}

// Read implements hw.Conn.
func (c *Conn) Read(reg hw.Register) (uint32, error) {
	reply, err := c.roundTrip(fmt.Sprintf("R %s", reg))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(reply, "0x"), 16, 32)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "bad reply %q reading %s", reply, reg)
	}
	return uint32(v), nil
}

// Write implements hw.Conn.
func (c *Conn) Write(reg hw.Register, value uint32) error {
	reply, err := c.roundTrip(fmt.Sprintf("W %s %08X", reg, value))
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("bad reply %q writing %s", reply, reg)
	}
	return nil
}

func (c *Conn) roundTrip(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return "", ErrNotOpen
	}
	if _, err := io.WriteString(c.port, cmd+"\n"); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to send %q", cmd)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to read reply to %q", cmd)
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "ERR") {
		return "", fmt.Errorf("monitor rejected %q: %s", cmd, strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
	}
	return line, nil
}
