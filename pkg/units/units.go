// Package units converts between hardware-native readings and the physical
// quantities the calibration targets are expressed in.
package units

import (
	"math"

	"periph.io/x/conn/v3/physic"
)

const (
	// AsyncClockPeriods is the number of reference clock periods one async
	// counter window spans.
	AsyncClockPeriods = 16
	// RC32Hz is the nominal standby clock frequency used as the reference
	// when the start oscillator is measured.
	RC32Hz = 32768

	adcFullScaleShift = 13

	erasedOffset = 0xFFFF
	erasedGain   = 0x3FFFF
	gainMask     = 0x3FFFF
)

// GainOffset is the per-device linear correction of the ADC, derived from
// the factory LSAD trim record.
type GainOffset struct {
	Gain   float64 `json:"gain"`
	Offset float64 `json:"offset"`
}

// Identity is the correction used when no trim record is available.
var Identity = GainOffset{Gain: 1, Offset: 0}

// DecodeGainOffset builds a GainOffset from the raw low-frequency trim
// words. Erased words fall back to gain 1 and offset 0 independently.
func DecodeGainOffset(rawOffset, rawGain uint32) GainOffset {
	g := Identity
	if rawOffset&0xFFFF != erasedOffset {
		g.Offset = float64(int16(uint16(rawOffset))) / 32768
	}
	if rawGain&gainMask != erasedGain {
		g.Gain = float64(rawGain&gainMask) / 65536
	}
	if g.Gain == 0 {
		g.Gain = 1
	}
	return g
}

// RawToMilliVolts converts a 14-bit ADC code to mV against the 2 V full
// scale reference: (x * 1000) >> 13.
func RawToMilliVolts(x uint32) int64 {
	return int64(uint64(x)*1000) >> adcFullScaleShift
}

// Correct applies g to an uncorrected reading in mV and returns mV rounded
// to the nearest integer.
func (g GainOffset) Correct(mv int64) int64 {
	v := float64(mv) / 1000
	return int64(math.Round(((v - g.Offset) / g.Gain) * 1000))
}

// MilliVolts converts a raw ADC code to a corrected mV reading.
func (g GainOffset) MilliVolts(x uint32) int64 {
	return g.Correct(RawToMilliVolts(x))
}

// TargetMilliVolts converts a rail target in 10 mV units to mV.
func TargetMilliVolts(target uint32) int64 {
	return int64(target) * 10
}

// CyclesAtSysclk returns the number of system clock cycles counted over
// AsyncClockPeriods periods of a reference oscillating at hz.
func CyclesAtSysclk(sysclkHz, hz uint32) int64 {
	if hz == 0 {
		return 0
	}
	return int64(sysclkHz) * AsyncClockPeriods / int64(hz)
}

// HzFromSysclkCycles inverts CyclesAtSysclk.
func HzFromSysclkCycles(sysclkHz uint32, cycles int64) int64 {
	if cycles <= 0 {
		return 0
	}
	return int64(sysclkHz) * AsyncClockPeriods / cycles
}

// CyclesAgainstRC32 returns the number of cycles of an oscillator running
// at hz counted over AsyncClockPeriods periods of the 32768 Hz reference.
func CyclesAgainstRC32(hz uint32) int64 {
	return int64(hz) * AsyncClockPeriods / RC32Hz
}

// HzFromRC32Cycles inverts CyclesAgainstRC32.
func HzFromRC32Cycles(cycles int64) int64 {
	return cycles * RC32Hz / AsyncClockPeriods
}

// KHz converts a kHz target to Hz.
func KHz(khz uint32) uint32 {
	return khz * 1000
}

// Potential expresses mv as a physic quantity.
func Potential(mv int64) physic.ElectricPotential {
	return physic.ElectricPotential(mv) * physic.MilliVolt
}

// Frequency expresses hz as a physic quantity.
func Frequency(hz int64) physic.Frequency {
	return physic.Frequency(hz) * physic.Hertz
}
