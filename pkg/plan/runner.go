package plan

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/osc"
	"github.com/montanafw/trimcal/pkg/rail"
	"github.com/montanafw/trimcal/pkg/sampler"
)

// EventKind distinguishes runner notifications.
type EventKind string

const (
	EventStepStarted  EventKind = "step.started"
	EventStepFinished EventKind = "step.finished"
)

// Event is a progress notification of a running plan.
type Event struct {
	Kind   EventKind   `json:"kind"`
	Index  int         `json:"index"`
	Total  int         `json:"total"`
	Step   Step        `json:"step"`
	Result *StepResult `json:"result,omitempty"`
}

// Options configures a Runner.
type Options struct {
	ADCChannel int
	SysclkHz   uint32
	Sampler    sampler.Config
	// FactoryDefaults are written to mandatory blocks that fail to converge.
	FactoryDefaults map[calibration.Block]calibration.TrimCode
	Mandatory       []calibration.Block
	// Notify receives progress events. It must not block.
	Notify func(Event)
}

// Runner runs plans against one device.
type Runner struct {
	dev  *hw.Device
	opts Options
}

// NewRunner returns a Runner for dev.
func NewRunner(dev *hw.Device, opts Options) *Runner {
	return &Runner{
		dev:  dev,
		opts: opts,
	}
}

func (r *Runner) notify(e Event) {
	if r.opts.Notify != nil {
		r.opts.Notify(e)
	}
}

func (r *Runner) mandatory(b calibration.Block) bool {
	for _, m := range r.opts.Mandatory {
		if m == b {
			return true
		}
	}
	return false
}

// calibrators bundles the per-run calibration state.
type calibrators struct {
	rails *rail.Calibrator
	oscs  *osc.Calibrator
}

// prepare loads the ADC correction and initializes whichever of the power
// and clock blocks the steps need.
func (r *Runner) prepare(steps []Step) (*calibrators, error) {
	needRails, needOscs := false, false
	for _, s := range steps {
		if s.Block.IsOscillator() {
			needOscs = true
		} else {
			needRails = true
		}
	}

	c := &calibrators{}
	if needRails {
		gain, err := r.dev.LoadGainOffset()
		if err != nil {
			return nil, fmt.Errorf("failed to load ADC trim: %w", err)
		}
		c.rails = rail.New(r.dev, r.opts.ADCChannel, gain, r.opts.Sampler)
		if err := c.rails.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize power calibration: %w", err)
		}
	}
	if needOscs {
		c.oscs = osc.New(r.dev, r.opts.SysclkHz, r.opts.Sampler)
		if err := c.oscs.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize clock calibration: %w", err)
		}
	}
	return c, nil
}

func (c *calibrators) run(s Step) calibration.Result {
	switch s.Block {
	case calibration.BlockRC32K:
		return c.oscs.RC32K(s.Target)
	case calibration.BlockStartOsc:
		return c.oscs.StartOsc(s.Target)
	}
	return c.rails.Calibrate(s.Block, s.Target)
}

// Run claims the device and runs every step of p in order. A failed step does
// not stop the plan. The returned error is only set when the plan could not
// start at all.
func (r *Runner) Run(p Plan) (Report, error) {
	if err := p.Validate(); err != nil {
		return Report{}, err
	}

	release, err := r.dev.Claim()
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{StartedAt: time.Now()}

	c, err := r.prepare(p.Steps)
	if err != nil {
		return report, err
	}

	total := len(p.Steps)
	for i, s := range p.Steps {
		r.notify(Event{Kind: EventStepStarted, Index: i, Total: total, Step: s})

		sr := r.finish(s, c.run(s))
		report.Results = append(report.Results, sr)
		report.Status |= sr.Status

		r.notify(Event{Kind: EventStepFinished, Index: i, Total: total, Step: s, Result: &sr})
	}
	report.FinishedAt = time.Now()

	logrus.WithFields(logrus.Fields{
		"status":   report.Status.String(),
		"steps":    total,
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Calibration plan finished")

	return report, nil
}

// RunStep claims the device and runs a single step.
func (r *Runner) RunStep(s Step) (StepResult, error) {
	rep, err := r.Run(Plan{Steps: []Step{s}})
	if err != nil {
		return StepResult{}, err
	}
	return rep.Results[0], nil
}

// CheckCrystal claims the device and checks crystal x on GPIO pad gpio.
func (r *Runner) CheckCrystal(x osc.Crystal, gpio int) (osc.CrystalCheck, error) {
	release, err := r.dev.Claim()
	if err != nil {
		return osc.CrystalCheck{}, err
	}
	defer release()

	return osc.New(r.dev, r.opts.SysclkHz, r.opts.Sampler).CheckCrystal(x, gpio)
}

// finish derives the status of res and substitutes the factory default of a
// failed mandatory block.
func (r *Runner) finish(s Step, res calibration.Result) StepResult {
	sr := StepResult{Step: s, Result: res, Status: res.Status()}
	if res.Err == nil {
		return sr
	}
	sr.Error = res.Err.Error()

	if !r.mandatory(s.Block) {
		return sr
	}
	code, ok := r.opts.FactoryDefaults[s.Block]
	if !ok {
		logrus.WithField("block", s.Block).Warn("Mandatory block failed and has no factory default")
		return sr
	}

	tf, ok := trimField(s.Block)
	if !ok {
		return sr
	}
	if err := r.dev.ApplyTrim(tf, code); err != nil {
		logrus.WithField("block", s.Block).WithError(err).Error("Failed to apply factory default")
		return sr
	}

	logrus.WithFields(logrus.Fields{
		"block": s.Block,
		"code":  code,
	}).Warn("Calibration failed, applied factory default")
	sr.Substituted = true
	sr.Result.Code = code
	return sr
}

func trimField(b calibration.Block) (hw.TrimField, bool) {
	if s, ok := rail.Specs[b]; ok {
		return s.Trim, true
	}
	tf, ok := osc.Trims[b]
	return tf, ok
}
