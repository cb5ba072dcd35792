package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/hw/sim"
	"github.com/montanafw/trimcal/pkg/osc"
	"github.com/montanafw/trimcal/pkg/rail"
)

func newRunner(b *sim.Board, opts Options) *Runner {
	if opts.ADCChannel == 0 {
		opts.ADCChannel = 6
	}
	if opts.SysclkHz == 0 {
		opts.SysclkHz = 16000000
	}
	return NewRunner(hw.New(b), opts)
}

func TestRunDefaultPlan(t *testing.T) {
	b := sim.NewBoard()
	var events []Event
	r := newRunner(b, Options{Notify: func(e Event) { events = append(events, e) }})

	p := Default()
	rep, err := r.Run(p)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() {
		for _, res := range rep.Results {
			if res.Status != 0 {
				t.Errorf("%s failed: %s", res.Step, res.Error)
			}
		}
		t.Fatalf("plan status %s", rep.Status)
	}
	if len(rep.Results) != len(p.Steps) {
		t.Fatalf("got %d results for %d steps", len(rep.Results), len(p.Steps))
	}
	if len(rep.Records()) != len(p.Steps) {
		t.Fatalf("got %d records", len(rep.Records()))
	}
	if rep.FinishedAt.Before(rep.StartedAt) {
		t.Fatalf("finished before started")
	}

	if len(events) != 2*len(p.Steps) {
		t.Fatalf("got %d events", len(events))
	}
	for i, e := range events {
		wantKind := EventStepStarted
		if i%2 == 1 {
			wantKind = EventStepFinished
		}
		if e.Kind != wantKind || e.Index != i/2 || e.Total != len(p.Steps) {
			t.Fatalf("event %d = %+v", i, e)
		}
		if e.Kind == EventStepFinished && e.Result == nil {
			t.Fatalf("finished event without result")
		}
	}
}

func TestRunAggregatesFailures(t *testing.T) {
	b := sim.NewBoard()
	b.Rails[hw.RegVDDRFCtrl].Law = sim.Constant(400)
	b.Rails[hw.RegVDDCCtrl].Law = sim.Constant(400)
	r := newRunner(b, Options{})

	rep, err := r.Run(Default())
	if err != nil {
		t.Fatal(err)
	}
	if rep.OK() {
		t.Fatalf("expected failures")
	}
	if rep.Status.Kind() != calibration.KindSearchExhausted {
		t.Fatalf("status kind %v", rep.Status.Kind())
	}
	failed := rep.Status.FailedBlocks()
	if len(failed) != 2 || failed[0] != calibration.BlockVDDRF || failed[1] != calibration.BlockVDDC {
		t.Fatalf("failed blocks %v", failed)
	}
	// Later steps still ran.
	last := rep.Results[len(rep.Results)-1]
	if last.Step.Block != calibration.BlockStartOsc || last.Status != 0 {
		t.Fatalf("last step %+v", last)
	}
	if len(rep.Records()) != len(rep.Results)-2 {
		t.Fatalf("failed steps leaked into records")
	}
}

func TestRunSubstitutesMandatoryDefault(t *testing.T) {
	b := sim.NewBoard()
	b.Rails[hw.RegVDDFlashCtrl].Law = sim.Constant(0)
	r := newRunner(b, Options{
		Mandatory:       []calibration.Block{calibration.BlockVDDFLASH},
		FactoryDefaults: map[calibration.Block]calibration.TrimCode{calibration.BlockVDDFLASH: 36},
	})

	sr, err := r.RunStep(Step{Block: calibration.BlockVDDFLASH, Target: 160})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(sr.Result.Err, calibration.ErrSearchExhausted) {
		t.Fatalf("expected ErrSearchExhausted, got %v", sr.Result.Err)
	}
	if !sr.Substituted || sr.Result.Code != 36 {
		t.Fatalf("factory default not substituted: %+v", sr)
	}
	tf := rail.Specs[calibration.BlockVDDFLASH].Trim
	if got := tf.Decode(b.Get(hw.RegVDDFlashCtrl)); got != 36 {
		t.Fatalf("register holds %d, want 36", got)
	}
	if sr.Status == 0 {
		t.Fatalf("substitution must not hide the failure")
	}

	rep := Report{Results: []StepResult{sr}}
	recs := rep.Records()
	if len(recs) != 1 || recs[0].Trim != 36 {
		t.Fatalf("records %+v", recs)
	}
}

func TestRunRejectsConcurrentClaim(t *testing.T) {
	d := hw.New(sim.NewBoard())
	release, err := d.Claim()
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	r := NewRunner(d, Options{ADCChannel: 6, SysclkHz: 16000000})
	if _, err := r.Run(Default()); !errors.Is(err, hw.ErrBusy) {
		t.Fatalf("expected hw.ErrBusy, got %v", err)
	}
	if _, err := r.CheckCrystal(osc.XTAL48, 1); !errors.Is(err, hw.ErrBusy) {
		t.Fatalf("expected hw.ErrBusy, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{"default", Default(), false},
		{"empty", Plan{}, true},
		{"unknown block", Plan{Steps: []Step{{Block: "vbg", Target: 1}}}, true},
		{"zero target", Plan{Steps: []Step{{Block: calibration.BlockVDDM, Target: 0}}}, true},
	}
	for _, tt := range tests {
		if err := tt.plan.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestCheckCrystalThroughRunner(t *testing.T) {
	r := newRunner(sim.NewBoard(), Options{})
	check, err := r.CheckCrystal(osc.XTAL32, 1)
	if err != nil {
		t.Fatal(err)
	}
	if check.Crystal != osc.XTAL32 || check.Count == 0 {
		t.Fatalf("unexpected check %+v", check)
	}
}

func TestStepTargetString(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{Step{calibration.BlockVDDRF, 115}, "V"},
		{Step{calibration.BlockRC32K, 32768}, "Hz"},
		{Step{calibration.BlockStartOsc, 4000}, "Hz"},
	}
	for _, tt := range tests {
		if got := tt.step.TargetString(); !strings.HasSuffix(got, tt.want) {
			t.Errorf("%s: TargetString() = %q, want unit %q", tt.step.Block, got, tt.want)
		}
	}
}
