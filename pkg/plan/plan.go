// Package plan runs an ordered list of calibrations against one device and
// aggregates their outcome.
package plan

import (
	"fmt"
	"time"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/osc"
	"github.com/montanafw/trimcal/pkg/units"
)

// Step is one calibration of a plan. Target is in 10 mV units for rails, Hz
// for the RC32 oscillator and kHz for the start oscillator.
type Step struct {
	Block  calibration.Block `json:"block"`
	Target uint32            `json:"target"`
}

func (s Step) String() string {
	return fmt.Sprintf("%s@%s", s.Block, s.TargetString())
}

// TargetString renders the target with its unit.
func (s Step) TargetString() string {
	switch s.Block {
	case calibration.BlockRC32K:
		return units.Frequency(int64(s.Target)).String()
	case calibration.BlockStartOsc:
		return units.Frequency(int64(units.KHz(s.Target))).String()
	}
	return units.Potential(units.TargetMilliVolts(s.Target)).String()
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Default returns the factory calibration sequence.
func Default() Plan {
	return Plan{Steps: []Step{
		{calibration.BlockDCDC, 125},
		{calibration.BlockVDDRF, 115},
		{calibration.BlockVDDC, 110},
		{calibration.BlockVDDM, 115},
		{calibration.BlockVDDPA, 164},
		{calibration.BlockVDDIF, 190},
		{calibration.BlockVDDFLASH, 160},
		{calibration.BlockRC32K, 40000},
		{calibration.BlockRC32K, 32768},
		{calibration.BlockStartOsc, 4000},
	}}
}

// Validate checks every step names a known block with a non-zero target.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, s := range p.Steps {
		if _, err := calibration.ParseBlock(string(s.Block)); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if s.Target == 0 {
			return fmt.Errorf("step %d: %s has no target", i, s.Block)
		}
	}
	return nil
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step   Step                   `json:"step"`
	Result calibration.Result     `json:"result"`
	Status calibration.StatusWord `json:"status"`
	Error  string                 `json:"error,omitempty"`

	// Substituted is set when a mandatory block failed and its factory
	// default code was written instead.
	Substituted bool `json:"substituted,omitempty"`
}

// Report is the outcome of a plan.
type Report struct {
	Results    []StepResult           `json:"results"`
	Status     calibration.StatusWord `json:"status"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
}

// OK reports whether every step converged.
func (r Report) OK() bool { return r.Status == 0 }

// TrimRecord is one trim setting handed to the write-back collaborator.
type TrimRecord struct {
	Block    calibration.Block    `json:"block" cbor:"1,keyasint"`
	Target   uint32               `json:"target" cbor:"2,keyasint"`
	Trim     calibration.TrimCode `json:"trim" cbor:"3,keyasint"`
	Measured int64                `json:"measured" cbor:"4,keyasint"`
}

// Records returns the trim settings worth persisting: every converged step
// and every substituted factory default.
func (r Report) Records() []TrimRecord {
	var out []TrimRecord
	for _, res := range r.Results {
		if res.Status != 0 && !res.Substituted {
			continue
		}
		out = append(out, TrimRecord{
			Block:    res.Step.Block,
			Target:   res.Step.Target,
			Trim:     res.Result.Code,
			Measured: res.Result.Measured,
		})
	}
	return out
}

// CrystalReport is the outcome of a crystal check in the form reported to
// station clients.
type CrystalReport struct {
	Check  osc.CrystalCheck       `json:"check"`
	Status calibration.StatusWord `json:"status"`
	Error  string                 `json:"error,omitempty"`
}

// NewCrystalReport builds the report of a check that returned err.
func NewCrystalReport(check osc.CrystalCheck, err error) CrystalReport {
	r := CrystalReport{Check: check, Status: calibration.StatusOf(err)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
