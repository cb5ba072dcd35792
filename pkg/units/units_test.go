package units

import (
	"math"
	"testing"

	"periph.io/x/conn/v3/physic"
)

func TestRawToMilliVolts(t *testing.T) {
	tests := []struct {
		raw  uint32
		want int64
	}{
		{0, 0},
		{8192, 1000},
		{16383, 1999},
		{9011, 1099},
	}
	for _, tt := range tests {
		if got := RawToMilliVolts(tt.raw); got != tt.want {
			t.Errorf("RawToMilliVolts(%d) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestDecodeGainOffset(t *testing.T) {
	tests := []struct {
		name   string
		offset uint32
		gain   uint32
		want   GainOffset
	}{
		{"erased", 0xFFFF, 0x3FFFF, Identity},
		{"offset only", 0x0100, 0x3FFFF, GainOffset{Gain: 1, Offset: 256.0 / 32768}},
		{"negative offset", 0xFF00, 0x3FFFF, GainOffset{Gain: 1, Offset: -256.0 / 32768}},
		{"gain only", 0xFFFF, 0x10800, GainOffset{Gain: float64(0x10800) / 65536, Offset: 0}},
		{"zero gain", 0xFFFF, 0, Identity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeGainOffset(tt.offset, tt.gain)
			if math.Abs(got.Gain-tt.want.Gain) > 1e-9 || math.Abs(got.Offset-tt.want.Offset) > 1e-9 {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCorrect(t *testing.T) {
	if got := Identity.Correct(1250); got != 1250 {
		t.Fatalf("identity correction changed value: %d", got)
	}
	g := GainOffset{Gain: 0.5, Offset: 0.1}
	// ((1.25 - 0.1) / 0.5) * 1000
	if got := g.Correct(1250); got != 2300 {
		t.Fatalf("Correct(1250) = %d, want 2300", got)
	}
}

func TestCycleConversions(t *testing.T) {
	if got := CyclesAtSysclk(16000000, 40000); got != 6400 {
		t.Fatalf("CyclesAtSysclk = %d, want 6400", got)
	}
	if got := HzFromSysclkCycles(16000000, 6400); got != 40000 {
		t.Fatalf("HzFromSysclkCycles = %d, want 40000", got)
	}
	if got := CyclesAgainstRC32(KHz(4000)); got != 1953 {
		t.Fatalf("CyclesAgainstRC32 = %d, want 1953", got)
	}
	if got := HzFromRC32Cycles(1953); got != 3999744 {
		t.Fatalf("HzFromRC32Cycles = %d, want 3999744", got)
	}
	if got := CyclesAtSysclk(16000000, 0); got != 0 {
		t.Fatalf("zero frequency should yield zero cycles")
	}
}

func TestPhysic(t *testing.T) {
	if got := Potential(1250); got != 1250*physic.MilliVolt {
		t.Fatalf("Potential(1250) = %s", got)
	}
	if got := Frequency(32768); got != 32768*physic.Hertz {
		t.Fatalf("Frequency(32768) = %s", got)
	}
}
