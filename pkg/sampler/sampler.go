// Package sampler turns raw hardware readings into measurements the search
// can trust. Rails are sampled through the ADC with median-of-three noise
// rejection, oscillators through the async clock counter.
package sampler

import (
	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/units"
)

const (
	// StableRange is the largest difference in LSB between the first and
	// third conversion of a triple that is accepted as settled.
	StableRange = 10

	DefaultStabilizeAttempts = 64
	DefaultPollBudget        = 100000
)

// Config bounds the sampler loops.
type Config struct {
	// StabilizeAttempts caps the number of conversion triples taken while
	// waiting for a rail to settle.
	StabilizeAttempts int
	// PollBudget caps the number of status polls per conversion or counter
	// window.
	PollBudget int
	// TimeoutCycles is the counter window timeout in system clock cycles.
	// Zero disables it.
	TimeoutCycles uint32
}

// WithDefaults fills unset bounds with their defaults.
func (c Config) WithDefaults() Config {
	if c.StabilizeAttempts <= 0 {
		c.StabilizeAttempts = DefaultStabilizeAttempts
	}
	if c.PollBudget <= 0 {
		c.PollBudget = DefaultPollBudget
	}
	return c
}

// Median3 returns the median of a, b and c.
func Median3(a, b, c uint32) uint32 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
		if a > b {
			a, b = b, a
		}
	}
	return b
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// ADC samples a rail routed to AOUT.
type ADC struct {
	dev  *hw.Device
	ch   int
	gain units.GainOffset
	cfg  Config
}

// NewADC returns a sampler reading ADC channel ch of dev, corrected by gain.
func NewADC(dev *hw.Device, ch int, gain units.GainOffset, cfg Config) *ADC {
	return &ADC{
		dev:  dev,
		ch:   ch,
		gain: gain,
		cfg:  cfg.WithDefaults(),
	}
}

// Measure returns the corrected rail voltage in mV. It keeps taking triples
// of conversions until the first and third agree within StableRange, and
// reports the median of the settled triple.
func (s *ADC) Measure() (calibration.Measurement, error) {
	var s1, s2, s3 uint32
	for attempt := 1; attempt <= s.cfg.StabilizeAttempts; attempt++ {
		var err error
		if s1, err = s.convert(); err != nil {
			return calibration.Measurement{}, err
		}
		if s2, err = s.convert(); err != nil {
			return calibration.Measurement{}, err
		}
		if s3, err = s.convert(); err != nil {
			return calibration.Measurement{}, err
		}

		if absDiff(s1, s3) <= StableRange {
			raw := Median3(s1, s2, s3)
			return calibration.Measurement{
				Value: s.gain.MilliVolts(raw),
				Raw:   calibration.RawSample(raw),
			}, nil
		}

		logrus.WithFields(logrus.Fields{
			"attempt": attempt,
			"first":   s1,
			"third":   s3,
		}).Trace("Supply still settling")
	}

	e := calibration.NewError(calibration.KindStabilizationTimeout, "measure supply", nil)
	e.Measured = s.gain.MilliVolts(Median3(s1, s2, s3))
	return calibration.Measurement{}, e
}

// convert waits for one conversion and returns it.
func (s *ADC) convert() (uint32, error) {
	if err := s.dev.ClearADCReady(); err != nil {
		return 0, err
	}
	for i := 0; i < s.cfg.PollBudget; i++ {
		if err := s.dev.RefreshWatchdog(); err != nil {
			return 0, err
		}
		ready, err := s.dev.ADCReady()
		if err != nil {
			return 0, err
		}
		if ready {
			return s.dev.ReadADC(s.ch)
		}
	}
	return 0, calibration.NewError(calibration.KindSignalTimeout, "adc conversion", nil)
}

// Counter samples the async clock counter.
type Counter struct {
	dev *hw.Device
	cfg Config
}

// NewCounter returns a sampler of the async clock counter of dev.
func NewCounter(dev *hw.Device, cfg Config) *Counter {
	return &Counter{
		dev: dev,
		cfg: cfg.WithDefaults(),
	}
}

// Count runs one window of hw.AsyncPeriods reference periods and returns the
// number of system clock cycles it took. If timeout is non-zero and that many
// system clock cycles elapse first, or the poll budget runs out, it returns
// calibration.NoSignal.
func (c *Counter) Count(timeout uint32) (calibration.RawSample, error) {
	if timeout != 0 {
		if err := c.dev.StartActivityCounter(); err != nil {
			return 0, err
		}
	}
	if err := c.dev.StartASCC(); err != nil {
		return 0, err
	}

	for i := 0; ; i++ {
		busy, err := c.dev.ASCCBusy()
		if err != nil {
			return 0, err
		}
		if !busy {
			break
		}
		if err := c.dev.RefreshWatchdog(); err != nil {
			return 0, err
		}
		if timeout != 0 {
			cnt, err := c.dev.SysclkCount()
			if err != nil {
				return 0, err
			}
			if cnt >= timeout {
				return calibration.NoSignal, c.dev.StopActivityCounter()
			}
		}
		if i >= c.cfg.PollBudget {
			if timeout != 0 {
				return calibration.NoSignal, c.dev.StopActivityCounter()
			}
			return calibration.NoSignal, nil
		}
	}

	if timeout != 0 {
		if err := c.dev.StopActivityCounter(); err != nil {
			return 0, err
		}
	}
	cnt, err := c.dev.TakePeriodCount()
	return calibration.RawSample(cnt), err
}

// Measure counts one window with the configured timeout. A window that never
// completes is reported as calibration.ErrSignalTimeout.
func (c *Counter) Measure() (calibration.Measurement, error) {
	raw, err := c.Count(c.cfg.TimeoutCycles)
	if err != nil {
		return calibration.Measurement{}, err
	}
	if raw == calibration.NoSignal {
		return calibration.Measurement{Raw: raw}, calibration.NewError(calibration.KindSignalTimeout, "count clock periods", nil)
	}
	return calibration.Measurement{Value: int64(raw), Raw: raw}, nil
}
