// Package sim is an in-memory model of the device under test. It answers
// register reads and writes the way the trim hardware does, which lets the
// whole calibration stack run without a bench.
package sim

import (
	"math"
	"sync"

	"github.com/montanafw/trimcal/pkg/calibration"
	"github.com/montanafw/trimcal/pkg/hw"
)

// RailLaw returns the rail voltage in mV produced by code.
type RailLaw func(code calibration.TrimCode) int64

// Linear returns a rail law base + step*code.
func Linear(base, step int64) RailLaw {
	return func(code calibration.TrimCode) int64 {
		return base + step*int64(code)
	}
}

// Constant returns a rail law stuck at mv.
func Constant(mv int64) RailLaw {
	return func(calibration.TrimCode) int64 { return mv }
}

// Rail models one regulator.
type Rail struct {
	Law RailLaw
	// Settle is the number of conversions after a trim change during which
	// the rail still reads at its previous voltage.
	Settle int
	// Unsettled makes the rail drift by more than the stabilization
	// threshold across every three conversions.
	Unsettled bool

	settling int
	previous int64
	drift    int64
}

// Oscillator models one RC oscillator.
type Oscillator struct {
	// NominalHz is the frequency at the nominal trim code.
	NominalHz float64
	// StepPercent is the frequency change per trim code.
	StepPercent float64
	// RangeScale multiplies the frequency when the range adjust bit is set.
	RangeScale float64
	// Glitch adds a frequency error at the listed codes.
	Glitch map[calibration.TrimCode]float64
	// Law overrides the linear model when set.
	Law func(code calibration.TrimCode, adjusted bool) float64
}

// Hz returns the frequency of o at code.
func (o *Oscillator) Hz(code calibration.TrimCode, adjusted bool) float64 {
	if o.Law != nil {
		return o.Law(code, adjusted)
	}
	f := o.NominalHz * (1 + o.StepPercent/100*(float64(code)-float64(hw.NominalFTrim)))
	if adjusted && o.RangeScale != 0 {
		f *= o.RangeScale
	}
	return f + o.Glitch[code]
}

// Board is a simulated device.
type Board struct {
	// SysclkHz is the system clock when it is not sourced from the RC
	// oscillator.
	SysclkHz float64
	// PollCycles is how much simulated time, in system clock cycles, passes
	// per status poll. A counter window completes once its cycle count has
	// elapsed.
	PollCycles uint32
	// ReadyPolls is the number of polls before an ADC conversion completes.
	// A negative value means conversions never complete.
	ReadyPolls int
	// XTAL32Polls is the number of polls before the 32 kHz crystal reports
	// ready. A negative value means it never starts.
	XTAL32Polls int

	XTAL32Present bool
	XTAL48Present bool

	Rails map[hw.Register]*Rail
	RC32  *Oscillator
	RC    *Oscillator

	mu        sync.Mutex
	regs      map[hw.Register]uint32
	history   map[hw.Register][]uint32
	watchdog  int
	pending   uint32
	elapsed   uint32
	noSignal  bool
	readyLeft int
	xtalLeft  int
	acntOn    bool
}

// rcBaseHz maps the FSEL multiplier of the start oscillator to its nominal
// frequency.
var rcBaseHz = map[uint32]float64{
	hw.RCFSel3MHz:  3e6,
	hw.RCFSel12MHz: 12e6,
	hw.RCFSel24MHz: 24e6,
	hw.RCFSel48MHz: 48e6,
}

var railSel = map[uint32]hw.Register{
	hw.AOUTVCC:      hw.RegVCCCtrl,
	hw.AOUTVDDRF:    hw.RegVDDRFCtrl,
	hw.AOUTVDDIF:    hw.RegVDDIFCtrl,
	hw.AOUTVDDFlash: hw.RegVDDFlashCtrl,
	hw.AOUTVDDPA:    hw.RegVDDPACtrl,
	hw.AOUTVDDC:     hw.RegVDDCCtrl,
	hw.AOUTVDDM:     hw.RegVDDMCtrl,
}

// NewBoard returns a board whose rails and oscillators can all be trimmed to
// the factory targets.
func NewBoard() *Board {
	b := &Board{
		SysclkHz:      16e6,
		PollCycles:    1000,
		XTAL32Polls:   2,
		XTAL32Present: true,
		XTAL48Present: true,
		Rails: map[hw.Register]*Rail{
			hw.RegVCCCtrl:      {Law: Linear(900, 10)},
			hw.RegVDDRFCtrl:    {Law: Linear(750, 10)},
			hw.RegVDDIFCtrl:    {Law: Linear(750, 25)},
			hw.RegVDDFlashCtrl: {Law: Linear(850, 25)},
			hw.RegVDDPACtrl:    {Law: Linear(1050, 10)},
			hw.RegVDDCCtrl:     {Law: Linear(750, 10)},
			hw.RegVDDMCtrl:     {Law: Linear(750, 10)},
		},
		RC32: &Oscillator{NominalHz: 32768, StepPercent: 1.5, RangeScale: 0.75},
		RC:   &Oscillator{StepPercent: 1.5, RangeScale: 0.85},
		regs: map[hw.Register]uint32{
			hw.RegTrimLFOffset: 0xFFFF,
			hw.RegTrimLFGain:   0x3FFFF,
			hw.RegClkSysCfg:    hw.SysclkSrcRFClk,
		},
		history: map[hw.Register][]uint32{},
	}
	return b
}

// Open implements hw.Conn.
func (b *Board) Open() error { return nil }

// Close implements hw.Conn.
func (b *Board) Close() error { return nil }

// Set presets a register without side effects.
func (b *Board) Set(reg hw.Register, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[reg] = v
}

// Get returns a register without side effects.
func (b *Board) Get(reg hw.Register) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[reg]
}

// History returns every value written to reg, oldest first.
func (b *Board) History(reg hw.Register) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.history[reg]...)
}

// Watchdog returns the number of watchdog refreshes seen.
func (b *Board) Watchdog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watchdog
}

// Write implements hw.Conn.
func (b *Board) Write(reg hw.Register, v uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history[reg] = append(b.history[reg], v)

	switch reg {
	case hw.RegWatchdog:
		if v == hw.WatchdogKey {
			b.watchdog++
		}
		return nil
	case hw.RegLSADMonitorStatus:
		// Write one to clear.
		b.regs[reg] &^= v
		if v&hw.LSADReady != 0 {
			b.readyLeft = b.ReadyPolls
		}
		return nil
	case hw.RegACNTCtrl:
		if v&hw.ACNTClear != 0 {
			b.regs[hw.RegSysclkCnt] = 0
		}
		if v&hw.ACNTStart != 0 {
			b.acntOn = true
		}
		if v&hw.ACNTStop != 0 {
			b.acntOn = false
		}
		return nil
	case hw.RegASCCCtrl:
		b.regs[reg] = v
		if v&hw.ASCCPeriodCntStart != 0 {
			b.startWindow()
		}
		return nil
	case hw.RegXTAL32KCtrl:
		v &^= hw.FieldXTAL32OK.Mask()
		if hw.FieldXTAL32Enable.Extract(v) != 0 && hw.FieldXTAL32Enable.Extract(b.regs[reg]) == 0 {
			b.xtalLeft = b.XTAL32Polls
		}
		b.regs[reg] = v
		return nil
	}

	if rail, ok := b.Rails[reg]; ok {
		old := hw.FieldVTrim.Extract(b.regs[reg])
		if hw.FieldVTrim.Extract(v) != old && rail.Law != nil {
			rail.previous = rail.Law(calibration.TrimCode(old))
			rail.settling = rail.Settle
		}
	}
	b.regs[reg] = v
	return nil
}

// Read implements hw.Conn.
func (b *Board) Read(reg hw.Register) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch reg {
	case hw.RegLSADMonitorStatus:
		b.tick()
		if b.ReadyPolls >= 0 {
			if b.readyLeft <= 0 {
				b.regs[reg] |= hw.LSADReady
			} else {
				b.readyLeft--
			}
		}
		return b.regs[reg], nil
	case hw.RegASCCCtrl:
		b.tick()
		v := b.regs[reg] &^ hw.ASCCPeriodCntBusy
		if b.noSignal {
			return v | hw.ASCCPeriodCntBusy, nil
		}
		b.elapsed += b.PollCycles
		if b.elapsed < b.pending {
			return v | hw.ASCCPeriodCntBusy, nil
		}
		b.regs[hw.RegASCCPeriodCnt] = b.pending
		return v, nil
	case hw.RegXTAL32KCtrl:
		b.tick()
		v := b.regs[reg]
		if hw.FieldXTAL32Enable.Extract(v) == 0 || !b.XTAL32Present || b.XTAL32Polls < 0 {
			return v, nil
		}
		if b.xtalLeft > 0 {
			b.xtalLeft--
			return v, nil
		}
		return v | hw.FieldXTAL32OK.Mask(), nil
	}

	for ch := 0; ch < hw.NumADCChannels; ch++ {
		if reg == hw.RegLSADData(ch) {
			return b.convert(ch), nil
		}
	}

	return b.regs[reg], nil
}

func (b *Board) tick() {
	if b.acntOn {
		b.regs[hw.RegSysclkCnt] += b.PollCycles
	}
}

// convert produces one 14-bit conversion of channel ch.
func (b *Board) convert(ch int) uint32 {
	if b.regs[hw.RegLSADInputSel(ch)] != hw.LSADInputSelect(hw.LSADInputAOUT, hw.LSADInputGND) {
		return 0
	}
	reg, ok := railSel[hw.FieldAOUTSel.Extract(b.regs[hw.RegAOUTCtrl])]
	if !ok {
		return 0
	}
	rail := b.Rails[reg]
	if rail == nil || rail.Law == nil || hw.FieldRailEnable.Extract(b.regs[reg]) == 0 {
		return 0
	}

	mv := rail.Law(calibration.TrimCode(hw.FieldVTrim.Extract(b.regs[reg])))
	if rail.settling > 0 {
		rail.settling--
		mv = rail.previous
	}
	if rail.Unsettled {
		rail.drift += 5
		mv += rail.drift
	}
	return MilliVoltsToRaw(mv)
}

// MilliVoltsToRaw returns the smallest ADC code that reads back as mv.
func MilliVoltsToRaw(mv int64) uint32 {
	if mv <= 0 {
		return 0
	}
	raw := (mv*8192 + 999) / 1000
	if raw > 0x3FFF {
		raw = 0x3FFF
	}
	return uint32(raw)
}

// startWindow latches the count of the next async counter window.
func (b *Board) startWindow() {
	b.elapsed = 0
	b.noSignal = false

	ref := b.referenceHz()
	if ref <= 0 {
		b.noSignal = true
		return
	}
	b.pending = uint32(math.Round(b.sysclkHz() * hw.AsyncPeriods / ref))
}

func (b *Board) rcosc() uint32 {
	return b.regs[hw.RegRCOscCtrl]
}

func (b *Board) sysclkHz() float64 {
	if b.regs[hw.RegClkSysCfg] != hw.SysclkSrcRC {
		return b.SysclkHz
	}
	w := b.rcosc()
	base := rcBaseHz[hw.FieldRCFSel.Extract(w)]
	if base == 0 {
		base = 3e6
	}
	osc := *b.RC
	osc.NominalHz = base
	return osc.Hz(calibration.TrimCode(hw.FieldRCFTrim.Extract(w)), hw.FieldRCRangeM15.Extract(w) != 0)
}

// referenceHz is the frequency of the clock selected into the counter, or 0
// when that clock is not running.
func (b *Board) referenceHz() float64 {
	src := b.regs[hw.RegASCCSrc]
	if src == hw.ASCCSrcStandbyClk {
		if hw.FieldXTAL32Enable.Extract(b.regs[hw.RegXTAL32KCtrl]) != 0 {
			if b.XTAL32Present {
				return 32768
			}
			return 0
		}
		w := b.rcosc()
		return b.RC32.Hz(calibration.TrimCode(hw.FieldRC32FTrim.Extract(w)), hw.FieldRC32RangeM25.Extract(w) != 0)
	}
	if src < hw.NumGPIO {
		switch b.regs[hw.RegGPIOCfg(int(src))] {
		case hw.GPIOModeRFClk:
			if b.XTAL48Present {
				return 8e6
			}
		case hw.GPIOModeStandbyClk:
			if b.XTAL32Present && hw.FieldXTAL32Enable.Extract(b.regs[hw.RegXTAL32KCtrl]) != 0 {
				return 32768
			}
		}
	}
	return 0
}
