// Package hw is the hardware handle of the calibration engine. All register
// traffic of a calibration run goes through a Device.
package hw

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/units"
)

// ErrBusy is returned by Claim while another run owns the device.
var ErrBusy = errors.New("device is claimed by another calibration")

// Conn is a register-level connection to a device under test.
type Conn interface {
	Open() error
	Close() error
	Read(reg Register) (uint32, error)
	Write(reg Register, value uint32) error
}

// Device is a wrapper of Conn.
type Device struct {
	conn Conn
	mu   sync.Mutex
}

// New returns a new Device.
func New(conn Conn) *Device {
	return &Device{
		conn: conn,
	}
}

// Open opens the connection.
func (d *Device) Open() error {
	return d.conn.Open()
}

// Close closes the connection.
func (d *Device) Close() error {
	return d.conn.Close()
}

// Claim grants exclusive ownership of the device for one calibration. The
// returned function releases it.
func (d *Device) Claim() (release func(), err error) {
	if !d.mu.TryLock() {
		return nil, ErrBusy
	}
	var once sync.Once
	return func() { once.Do(d.mu.Unlock) }, nil
}

// Read reads a register.
func (d *Device) Read(reg Register) (uint32, error) {
	logrus.WithFields(logrus.Fields{
		"reg": reg,
	}).Trace("Trying to read register")

	v, err := d.conn.Read(reg)
	if err != nil {
		return v, err
	}

	logrus.WithFields(logrus.Fields{
		"reg": reg,
		"val": v,
	}).Trace("Read register succeed")

	return v, nil
}

// Write writes a register.
func (d *Device) Write(reg Register, value uint32) error {
	logrus.WithFields(logrus.Fields{
		"reg": reg,
		"val": value,
	}).Trace("Trying to write register")

	return d.conn.Write(reg, value)
}

// Update performs a read-modify-write of the bits in mask.
func (d *Device) Update(reg Register, mask, value uint32) error {
	w, err := d.Read(reg)
	if err != nil {
		return err
	}
	return d.Write(reg, (w&^mask)|(value&mask))
}

// ReadField reads a single field.
func (d *Device) ReadField(f Field) (uint32, error) {
	w, err := d.Read(f.Reg)
	if err != nil {
		return 0, err
	}
	return f.Extract(w), nil
}

// WriteField writes a single field, leaving the rest of the register intact.
func (d *Device) WriteField(f Field, v uint32) error {
	w, err := d.Read(f.Reg)
	if err != nil {
		return err
	}
	return d.Write(f.Reg, f.Insert(w, v))
}

// SetBit sets or clears a one-bit field.
func (d *Device) SetBit(f Field, on bool) error {
	v := uint32(0)
	if on {
		v = 1
	}
	return d.WriteField(f, v)
}

// RefreshWatchdog must be called from every polling loop.
func (d *Device) RefreshWatchdog() error {
	return d.Write(RegWatchdog, WatchdogKey)
}

// LoadGainOffset reads the factory LSAD trim record.
func (d *Device) LoadGainOffset() (units.GainOffset, error) {
	off, err := d.Read(RegTrimLFOffset)
	if err != nil {
		return units.Identity, err
	}
	gain, err := d.Read(RegTrimLFGain)
	if err != nil {
		return units.Identity, err
	}
	g := units.DecodeGainOffset(off, gain)
	logrus.WithFields(logrus.Fields{
		"gain":   g.Gain,
		"offset": g.Offset,
	}).Debug("Loaded ADC gain and offset")
	return g, nil
}
