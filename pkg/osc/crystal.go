package osc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/sampler"
)

// Crystal identifies an external crystal.
type Crystal string

const (
	XTAL48 Crystal = "xtal48"
	XTAL32 Crystal = "xtal32"
)

// Crystals lists the crystals CheckCrystal knows.
var Crystals = []Crystal{XTAL48, XTAL32}

// ParseCrystal looks up a crystal by name.
func ParseCrystal(s string) (Crystal, error) {
	for _, x := range Crystals {
		if string(x) == s {
			return x, nil
		}
	}
	return "", fmt.Errorf("unknown crystal %q", s)
}

// CountLimits is the plausible range of counts for a crystal measured with
// the system clock at 24 MHz.
type CountLimits struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

// Limits per crystal. The 48 MHz crystal is observed as an 8 MHz RF clock.
var Limits = map[Crystal]CountLimits{
	XTAL48: {Min: 16, Max: 96},
	XTAL32: {Min: 5120, Max: 24400},
}

// xtalClkPrescale6 outputs the RF clock divided by six.
const xtalClkPrescale6 uint32 = 0x15

// CrystalCheck is the outcome of CheckCrystal.
type CrystalCheck struct {
	Crystal Crystal               `json:"crystal"`
	Count   calibration.RawSample `json:"count"`
	Limits  CountLimits           `json:"limits"`
}

// CheckCrystal routes crystal x to GPIO pad gpio, counts it with the system
// clock running from the RC oscillator at 24 MHz and checks the count lies
// within its limits. The system clock configuration is restored afterwards.
func (c *Calibrator) CheckCrystal(x Crystal, gpio int) (check CrystalCheck, err error) {
	lim, ok := Limits[x]
	if !ok {
		return check, fmt.Errorf("unknown crystal %q", x)
	}
	if gpio < 0 || gpio >= hw.NumGPIO {
		return check, fmt.Errorf("gpio %d out of range", gpio)
	}
	check = CrystalCheck{Crystal: x, Limits: lim}

	log := logrus.WithFields(logrus.Fields{
		"crystal": x,
		"gpio":    gpio,
	})

	sysclk, err := c.dev.SystemClock()
	if err != nil {
		return check, err
	}
	defer func() {
		if rerr := c.dev.SetSystemClock(sysclk); rerr != nil && err == nil {
			err = rerr
		}
	}()

	switch x {
	case XTAL48:
		if err := c.dev.Write(hw.RegClkXTALCfg, xtalClkPrescale6); err != nil {
			return check, err
		}
		if err := c.dev.SetGPIOMode(gpio, hw.GPIOModeRFClk); err != nil {
			return check, err
		}
	case XTAL32:
		if err := c.startXTAL32(); err != nil {
			return check, err
		}
		if err := c.dev.SetGPIOMode(gpio, hw.GPIOModeStandbyClk); err != nil {
			return check, err
		}
	}

	if err := c.dev.WriteField(hw.FieldRCFSel, hw.RCFSel24MHz); err != nil {
		return check, err
	}
	if err := c.dev.SetSystemClock(hw.SysclkSrcRC); err != nil {
		return check, err
	}
	if err := c.dev.SelectASCCSource(uint32(gpio)); err != nil {
		return check, err
	}

	counter := sampler.NewCounter(c.dev, c.cfg)
	check.Count, err = counter.Count(lim.Max * 2)
	if err != nil {
		return check, err
	}

	if check.Count == calibration.NoSignal {
		log.Warn("Crystal did not produce a signal")
		return check, calibration.NewError(calibration.KindSignalTimeout, "check crystal", fmt.Errorf("%s: no signal", x))
	}
	if uint32(check.Count) < lim.Min || uint32(check.Count) > lim.Max {
		log.WithField("count", check.Count).Warn("Crystal out of range")
		e := calibration.NewError(calibration.KindCrystalOutOfRange, "check crystal",
			fmt.Errorf("%s: count %d outside [%d, %d]", x, check.Count, lim.Min, lim.Max))
		e.Measured = int64(check.Count)
		return check, e
	}

	log.WithField("count", check.Count).Info("Crystal is running")
	return check, nil
}
