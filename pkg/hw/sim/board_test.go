package sim

import (
	"testing"

	"github.com/montanafw/trimcal/pkg/hw"
	"github.com/montanafw/trimcal/pkg/units"
)

func TestMilliVoltsToRawRoundTrip(t *testing.T) {
	for _, mv := range []int64{1, 750, 1100, 1250, 1640, 1999} {
		if got := units.RawToMilliVolts(MilliVoltsToRaw(mv)); got != mv {
			t.Fatalf("round trip of %d mV gave %d", mv, got)
		}
	}
}

func TestRailConversion(t *testing.T) {
	b := NewBoard()
	d := hw.New(b)

	if err := d.Write(hw.RegVDDRFCtrl, hw.FieldRailEnable.Insert(0, 1)|40); err != nil {
		t.Fatal(err)
	}
	if err := d.MeasureAOUT(6); err != nil {
		t.Fatal(err)
	}
	if err := d.RouteAOUT(hw.AOUTVDDRF); err != nil {
		t.Fatal(err)
	}
	raw, err := d.ReadADC(6)
	if err != nil {
		t.Fatal(err)
	}
	if got := units.RawToMilliVolts(raw); got != 1150 {
		t.Fatalf("expected 1150 mV, got %d", got)
	}
}

func TestASCCWindowAgainstRC32(t *testing.T) {
	b := NewBoard()
	d := hw.New(b)

	if err := d.InitOscillators(); err != nil {
		t.Fatal(err)
	}
	if err := d.SelectASCCSource(hw.ASCCSrcStandbyClk); err != nil {
		t.Fatal(err)
	}
	if err := d.StartASCC(); err != nil {
		t.Fatal(err)
	}
	polls := 0
	for {
		busy, err := d.ASCCBusy()
		if err != nil {
			t.Fatal(err)
		}
		if !busy {
			break
		}
		polls++
	}
	// The window lasts 7813 cycles at 1000 cycles per poll.
	if polls != 7 {
		t.Fatalf("counter busy for %d polls, want 7", polls)
	}
	cnt, err := d.TakePeriodCount()
	if err != nil {
		t.Fatal(err)
	}
	// 16 MHz * 16 / 32768 Hz
	if cnt != 7813 {
		t.Fatalf("unexpected count %d", cnt)
	}
}

func TestNoSignalKeepsCounterBusy(t *testing.T) {
	b := NewBoard()
	b.XTAL48Present = false
	d := hw.New(b)

	_ = d.SetGPIOMode(1, hw.GPIOModeRFClk)
	_ = d.SelectASCCSource(1)
	_ = d.StartActivityCounter()
	_ = d.StartASCC()
	for i := 0; i < 5; i++ {
		busy, _ := d.ASCCBusy()
		if !busy {
			t.Fatalf("counter completed without a reference clock")
		}
	}
	cnt, _ := d.SysclkCount()
	if cnt != 5*b.PollCycles {
		t.Fatalf("sysclk counter = %d, want %d", cnt, 5*b.PollCycles)
	}
}
