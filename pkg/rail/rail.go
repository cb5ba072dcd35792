// Package rail calibrates the regulator output voltages.
package rail

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/converge"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/sampler"
	"github.com/montanafw/trimcal/pkg/units"
)

// Measurement errors of the ADC for rails trimmed in 10 mV and 25 mV steps.
const (
	Tolerance10mV = 5
	Tolerance25mV = 13
)

// Spec describes how one rail is trimmed and observed.
type Spec struct {
	Block calibration.Block
	Trim  hw.TrimField
	// AOUT is the test mux selection that routes the rail to the ADC.
	AOUT      uint32
	Tolerance int64
	// OffsetMV is added to the target before the search.
	OffsetMV int64
}

func spec(b calibration.Block, reg hw.Register, aout uint32, min, max calibration.TrimCode, tol, offset int64) Spec {
	return Spec{
		Block:     b,
		Trim:      hw.TrimField{Field: hw.FieldVTrim.On(reg), Range: calibration.Range{Min: min, Max: max}},
		AOUT:      aout,
		Tolerance: tol,
		OffsetMV:  offset,
	}
}

// Specs lists every rail.
var Specs = map[calibration.Block]Spec{
	calibration.BlockDCDC:     spec(calibration.BlockDCDC, hw.RegVCCCtrl, hw.AOUTVCC, 30, 56, Tolerance10mV, 0),
	calibration.BlockVDDRF:    spec(calibration.BlockVDDRF, hw.RegVDDRFCtrl, hw.AOUTVDDRF, 0, 57, Tolerance10mV, 0),
	calibration.BlockVDDIF:    spec(calibration.BlockVDDIF, hw.RegVDDIFCtrl, hw.AOUTVDDIF, 0, 63, Tolerance25mV, 0),
	calibration.BlockVDDFLASH: spec(calibration.BlockVDDFLASH, hw.RegVDDFlashCtrl, hw.AOUTVDDFlash, 30, 44, Tolerance25mV, 0),
	calibration.BlockVDDPA:    spec(calibration.BlockVDDPA, hw.RegVDDPACtrl, hw.AOUTVDDPA, 0, 63, Tolerance10mV, 0),
	calibration.BlockVDDC:     spec(calibration.BlockVDDC, hw.RegVDDCCtrl, hw.AOUTVDDC, 0, 57, Tolerance10mV, 5),
	calibration.BlockVDDM:     spec(calibration.BlockVDDM, hw.RegVDDMCtrl, hw.AOUTVDDM, 15, 52, Tolerance10mV, 5),
}

// Calibrator trims rails of one device.
type Calibrator struct {
	dev  *hw.Device
	ch   int
	gain units.GainOffset
	cfg  sampler.Config
}

// New returns a Calibrator measuring through ADC channel ch.
func New(dev *hw.Device, ch int, gain units.GainOffset, cfg sampler.Config) *Calibrator {
	return &Calibrator{
		dev:  dev,
		ch:   ch,
		gain: gain,
		cfg:  cfg,
	}
}

// Initialize configures the ADC for power calibration. Call it once before
// the first rail.
func (c *Calibrator) Initialize() error {
	return c.dev.ConfigureADC()
}

// DCDC trims the DC-DC converter output. target is in 10 mV units.
func (c *Calibrator) DCDC(target uint32) calibration.Result {
	return c.Calibrate(calibration.BlockDCDC, target)
}

// VDDRF trims the radio supply. target is in 10 mV units.
func (c *Calibrator) VDDRF(target uint32) calibration.Result {
	return c.Calibrate(calibration.BlockVDDRF, target)
}

// VDDIF trims the interface supply. target is in 10 mV units.
func (c *Calibrator) VDDIF(target uint32) calibration.Result {
	return c.Calibrate(calibration.BlockVDDIF, target)
}

// VDDFLASH trims the flash supply. target is in 10 mV units.
func (c *Calibrator) VDDFLASH(target uint32) calibration.Result {
	return c.Calibrate(calibration.BlockVDDFLASH, target)
}

// VDDPA trims the power amplifier supply. target is in 10 mV units.
func (c *Calibrator) VDDPA(target uint32) calibration.Result {
	return c.Calibrate(calibration.BlockVDDPA, target)
}

// VDDC trims the digital core supply. target is in 10 mV units.
func (c *Calibrator) VDDC(target uint32) calibration.Result {
	return c.Calibrate(calibration.BlockVDDC, target)
}

// VDDM trims the memory supply. target is in 10 mV units.
func (c *Calibrator) VDDM(target uint32) calibration.Result {
	return c.Calibrate(calibration.BlockVDDM, target)
}

// Calibrate trims rail b to target, given in 10 mV units. The ADC interrupt is
// released on every exit path.
func (c *Calibrator) Calibrate(b calibration.Block, target uint32) (res calibration.Result) {
	s, ok := Specs[b]
	if !ok {
		return calibration.Result{
			Block: b,
			Err:   calibration.Tag(calibration.NewError(calibration.KindInvalidRange, "lookup rail", fmt.Errorf("%q is not a rail", b)), b),
		}
	}

	log := logrus.WithFields(logrus.Fields{
		"block":  b,
		"target": target,
	})
	log.Debug("Calibrating rail")

	fail := func(err error) calibration.Result {
		return calibration.Result{Block: b, Err: calibration.Tag(err, b)}
	}

	defer func() {
		if err := c.dev.ReleaseADC(); err != nil {
			log.WithError(err).Error("Failed to release ADC")
			if res.Err == nil {
				res.Err = calibration.Tag(err, b)
			}
		}
	}()

	if err := c.dev.MeasureAOUT(c.ch); err != nil {
		return fail(err)
	}

	if b == calibration.BlockVDDPA {
		saved, err := c.dev.ReadField(hw.FieldPADynamic)
		if err != nil {
			return fail(err)
		}
		if err := c.dev.WriteField(hw.FieldPADynamic, 0); err != nil {
			return fail(err)
		}
		defer func() {
			if err := c.dev.WriteField(hw.FieldPADynamic, saved); err != nil {
				log.WithError(err).Error("Failed to restore VDDPA dynamic control")
				if res.Err == nil {
					res.Err = calibration.Tag(err, b)
				}
			}
		}()
	}

	if err := c.dev.SetBit(hw.FieldRailEnable.On(s.Trim.Reg), true); err != nil {
		return fail(err)
	}
	if err := c.dev.RouteAOUT(s.AOUT); err != nil {
		return fail(err)
	}

	adc := sampler.NewADC(c.dev, c.ch, c.gain, c.cfg)
	res = converge.Converge(converge.Params{
		Block:     b,
		Target:    calibration.Target{Value: units.TargetMilliVolts(target) + s.OffsetMV, Tolerance: s.Tolerance},
		Range:     s.Trim.Range,
		Direction: calibration.Direct,
	}, func(code calibration.TrimCode) error {
		return c.dev.ApplyTrim(s.Trim, code)
	}, adc.Measure)

	fields := logrus.Fields{
		"code":       res.Code,
		"measured":   res.Measured,
		"iterations": res.Iterations,
	}
	if res.Err != nil {
		log.WithFields(fields).WithError(res.Err).Warn("Rail calibration failed")
	} else {
		log.WithFields(fields).Info("Rail calibrated")
	}
	return res
}
