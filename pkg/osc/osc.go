// Package osc calibrates the RC oscillators against a reference clock and
// checks that the crystals oscillate.
package osc

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/converge"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/sampler"
	"github.com/montanafw/trimcal/pkg/units"
)

const (
	// TrimmingStep is the smallest relative frequency change of one trim
	// code.
	TrimmingStep = 0.015
	// RC32ToleranceFactor and StartOscToleranceFactor scale TrimmingStep
	// into the accepted deviation of each oscillator.
	RC32ToleranceFactor     = 0.5
	StartOscToleranceFactor = 0.75
)

// FTrimRange is the trim range of both RC oscillators.
var FTrimRange = calibration.Range{Min: 0, Max: 63}

// NonMonotonicCodes are the RC32 trim codes where frequency locally reverses.
var NonMonotonicCodes = []calibration.TrimCode{32, 48}

var (
	rc32Trim = hw.TrimField{Field: hw.FieldRC32FTrim, Range: FTrimRange}
	rcTrim   = hw.TrimField{Field: hw.FieldRCFTrim, Range: FTrimRange}
)

// Trims maps each oscillator to its trim field.
var Trims = map[calibration.Block]hw.TrimField{
	calibration.BlockRC32K:    rc32Trim,
	calibration.BlockStartOsc: rcTrim,
}

// Tolerance returns the accepted cycle count deviation for a target of
// cycles.
func Tolerance(cycles int64, factor float64) int64 {
	return int64(float64(cycles) * TrimmingStep * factor)
}

// Calibrator trims the oscillators of one device.
type Calibrator struct {
	dev      *hw.Device
	sysclkHz uint32
	cfg      sampler.Config
}

// New returns a Calibrator. sysclkHz is the system clock frequency used as
// the time base while the RC32 oscillator is measured.
func New(dev *hw.Device, sysclkHz uint32, cfg sampler.Config) *Calibrator {
	return &Calibrator{
		dev:      dev,
		sysclkHz: sysclkHz,
		cfg:      cfg.WithDefaults(),
	}
}

// Initialize starts both RC oscillators at nominal trim.
func (c *Calibrator) Initialize() error {
	return c.dev.InitOscillators()
}

// search describes one oscillator calibration.
type search struct {
	params   converge.Params
	trim     hw.TrimField
	rangeBit hw.Field
	toHz     func(cycles int64) int64
	targetHz int64
}

// run checks the current trim first and only searches when it is off. A
// search that gets stuck is repeated once with the range adjust bit set.
func (c *Calibrator) run(s search) calibration.Result {
	log := logrus.WithFields(logrus.Fields{
		"block":  s.params.Block,
		"target": s.targetHz,
		"cycles": s.params.Target.Value,
	})
	counter := sampler.NewCounter(c.dev, c.cfg)

	current, err := c.dev.CurrentTrim(s.trim)
	if err != nil {
		return calibration.Result{Block: s.params.Block, Err: calibration.Tag(err, s.params.Block)}
	}
	m, err := counter.Measure()
	if err != nil {
		return calibration.Result{Block: s.params.Block, Code: current, Err: calibration.Tag(err, s.params.Block)}
	}

	var res calibration.Result
	if s.params.Target.Within(m.Value) {
		log.WithField("code", current).Debug("Oscillator already within tolerance")
		res = calibration.Result{
			Block:    s.params.Block,
			Code:     current,
			Measured: m.Value,
			Raw:      int64(m.Raw),
			Closest:  current,
		}
	} else {
		apply := func(code calibration.TrimCode) error {
			return c.dev.ApplyTrim(s.trim, code)
		}
		res = converge.Converge(s.params, apply, counter.Measure)

		if errors.Is(res.Err, calibration.ErrSearchExhausted) && res.Deviation > 0 {
			log.WithError(res.Err).Info("Retrying with the range adjust bit set")
			if err := c.dev.SetBit(s.rangeBit, true); err != nil {
				res.Err = calibration.Tag(err, s.params.Block)
				return res
			}
			first := res.Iterations
			res = converge.Converge(s.params, apply, counter.Measure)
			res.Iterations += first
		}
	}

	// Report frequencies rather than cycle counts.
	res.Raw = res.Measured
	res.Measured = s.toHz(res.Measured)
	res.Deviation = calibration.Deviation(res.Measured, s.targetHz)

	fields := logrus.Fields{
		"code":       res.Code,
		"measured":   res.Measured,
		"iterations": res.Iterations,
	}
	if res.Err != nil {
		log.WithFields(fields).WithError(res.Err).Warn("Oscillator calibration failed")
	} else {
		log.WithFields(fields).Info("Oscillator calibrated")
	}
	return res
}

// RC32K trims the 32 kHz RC oscillator to targetHz. The 32 kHz crystal is
// disabled for the run and restored afterwards.
func (c *Calibrator) RC32K(targetHz uint32) (res calibration.Result) {
	const b = calibration.BlockRC32K

	xtal, err := c.dev.Read(hw.RegXTAL32KCtrl)
	if err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}
	defer func() {
		if err := c.dev.Write(hw.RegXTAL32KCtrl, xtal&^hw.FieldXTAL32OK.Mask()); err != nil && res.Err == nil {
			res.Err = calibration.Tag(err, b)
		}
	}()

	if err := c.dev.SetBit(hw.FieldXTAL32Enable, false); err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}
	if err := c.dev.SelectASCCSource(hw.ASCCSrcStandbyClk); err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}

	cycles := units.CyclesAtSysclk(c.sysclkHz, targetHz)
	return c.run(search{
		params: converge.Params{
			Block:        b,
			Target:       calibration.Target{Value: cycles, Tolerance: Tolerance(cycles, RC32ToleranceFactor)},
			Range:        FTrimRange,
			Direction:    calibration.Inverse,
			NonMonotonic: NonMonotonicCodes,
		},
		trim:     rc32Trim,
		rangeBit: hw.FieldRC32RangeM25,
		toHz: func(cycles int64) int64 {
			return units.HzFromSysclkCycles(c.sysclkHz, cycles)
		},
		targetHz: int64(targetHz),
	})
}

// StartOsc trims the RC start oscillator to targetKHz, measured against the
// 32 kHz crystal, starting from nominal trim. The system clock runs from the
// RC oscillator for the duration and is restored afterwards, together with
// the crystal settings.
func (c *Calibrator) StartOsc(targetKHz uint32) (res calibration.Result) {
	const b = calibration.BlockStartOsc

	xtal, err := c.dev.Read(hw.RegXTAL32KCtrl)
	if err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}
	sysclk, err := c.dev.SystemClock()
	if err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}
	defer func() {
		if err := c.dev.SetSystemClock(sysclk); err != nil && res.Err == nil {
			res.Err = calibration.Tag(err, b)
		}
		if err := c.dev.Write(hw.RegXTAL32KCtrl, xtal&^hw.FieldXTAL32OK.Mask()); err != nil && res.Err == nil {
			res.Err = calibration.Tag(err, b)
		}
	}()

	if err := c.startXTAL32(); err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}
	if err := c.dev.SelectASCCSource(hw.ASCCSrcStandbyClk); err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}
	if err := c.dev.SetSystemClock(hw.SysclkSrcRC); err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}
	// The check before the search is made at nominal trim.
	if err := c.dev.ApplyTrim(rcTrim, calibration.TrimCode(hw.NominalFTrim)); err != nil {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}

	hz := units.KHz(targetKHz)
	cycles := units.CyclesAgainstRC32(hz)
	return c.run(search{
		params: converge.Params{
			Block:     b,
			Target:    calibration.Target{Value: cycles, Tolerance: Tolerance(cycles, StartOscToleranceFactor)},
			Range:     FTrimRange,
			Direction: calibration.Direct,
		},
		trim:     rcTrim,
		rangeBit: hw.FieldRCRangeM15,
		toHz:     units.HzFromRC32Cycles,
		targetHz: int64(hz),
	})
}

// startXTAL32 enables the 32 kHz crystal and waits for it to report ready.
func (c *Calibrator) startXTAL32() error {
	if err := c.dev.EnableXTAL32(); err != nil {
		return err
	}
	for i := 0; i < c.cfg.PollBudget; i++ {
		if err := c.dev.RefreshWatchdog(); err != nil {
			return err
		}
		ok, err := c.dev.XTAL32Ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return calibration.NewError(calibration.KindSignalTimeout, "start 32 kHz crystal", nil)
}
