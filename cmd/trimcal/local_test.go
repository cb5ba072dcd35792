package main

import (
	"testing"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/plan"
)

func TestParseStepArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		oscillator bool
		want       plan.Step
		wantErr    bool
	}{
		{"rail", []string{"vddflash", "180"}, false, plan.Step{Block: calibration.BlockVDDFLASH, Target: 180}, false},
		{"osc", []string{"rc32k", "32768"}, true, plan.Step{Block: calibration.BlockRC32K, Target: 32768}, false},
		{"rail as osc", []string{"vddc", "110"}, true, plan.Step{}, true},
		{"osc as rail", []string{"startosc", "24000"}, false, plan.Step{}, true},
		{"unknown block", []string{"vddx", "110"}, false, plan.Step{}, true},
		{"zero target", []string{"vddc", "0"}, false, plan.Step{}, true},
		{"negative target", []string{"vddc", "-1"}, false, plan.Step{}, true},
		{"missing target", []string{"vddc"}, false, plan.Step{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStepArgs(tt.args, tt.oscillator)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseStepArgs(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseStepArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}
