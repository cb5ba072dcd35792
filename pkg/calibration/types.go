package calibration

import (
	"fmt"
	"time"
)

// TrimCode is a quantized analog control value written to a trim field.
type TrimCode uint32

// Range is the closed interval of trim codes one search may write.
type Range struct {
	Min TrimCode `json:"min"`
	Max TrimCode `json:"max"`
}

// Contains reports whether c lies within [Min, Max].
func (r Range) Contains(c TrimCode) bool {
	return c >= r.Min && c <= r.Max
}

// Span returns Max - Min.
func (r Range) Span() uint32 {
	if r.Max < r.Min {
		return 0
	}
	return uint32(r.Max - r.Min)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// Direction is the polarity of the code to value relationship of a control law.
type Direction int

const (
	// Direct means a higher code produces a higher measured value.
	Direct Direction = iota
	// Inverse means a higher code produces a lower measured value.
	Inverse
)

func (d Direction) String() string {
	if d == Inverse {
		return "inverse"
	}
	return "direct"
}

// Target is the desired value of one search and the deviation accepted as
// converged. Both are in the converged unit (mV or cycle counts).
type Target struct {
	Value     int64 `json:"value"`
	Tolerance int64 `json:"tolerance"`
}

// Within reports whether v is inside the tolerance band of t.
func (t Target) Within(v int64) bool {
	return Deviation(v, t.Value) <= t.Tolerance
}

// Deviation returns |a - b|.
func Deviation(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// RawSample is a hardware-native reading: a 14-bit ADC code or an async clock
// period count.
type RawSample uint32

// NoSignal is the sample returned when the async counter does not complete its
// window before the timeout.
const NoSignal RawSample = 0xFFFFFFFF

// Block identifies one independently calibrated rail or oscillator.
type Block string

const (
	BlockDCDC     Block = "dcdc"
	BlockVDDRF    Block = "vddrf"
	BlockVDDIF    Block = "vddif"
	BlockVDDFLASH Block = "vddflash"
	BlockVDDPA    Block = "vddpa"
	BlockVDDC     Block = "vddc"
	BlockVDDM     Block = "vddm"
	BlockRC32K    Block = "rc32k"
	BlockStartOsc Block = "startosc"
)

// Blocks lists every block in status word bit order. Do not reorder: the
// position is persisted in status words.
var Blocks = []Block{
	BlockDCDC,
	BlockVDDRF,
	BlockVDDIF,
	BlockVDDFLASH,
	BlockVDDPA,
	BlockVDDC,
	BlockVDDM,
	BlockRC32K,
	BlockStartOsc,
}

// ParseBlock looks up a block by name.
func ParseBlock(s string) (Block, error) {
	for _, b := range Blocks {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown block %q", s)
}

// Bit returns the status word bit of b, or 0 for an unknown block.
func (b Block) Bit() StatusWord {
	for i, bb := range Blocks {
		if bb == b {
			return 1 << (blockShift + uint(i))
		}
	}
	return 0
}

// IsOscillator reports whether b is calibrated in cycle counts.
func (b Block) IsOscillator() bool {
	return b == BlockRC32K || b == BlockStartOsc
}

// Result is the outcome of calibrating one block.
//
// On success Code is the converged code and is left in the trim register, and
// Measured is the value read at Code. On failure Code is whatever code the
// register was left at, Measured is the closest value observed during the
// search and Closest is the code that produced it.
type Result struct {
	Block      Block    `json:"block,omitempty"`
	Code       TrimCode `json:"trimSetting"`
	Measured   int64    `json:"measuredValue"`
	Raw        int64    `json:"raw,omitempty"`
	Deviation  int64    `json:"deviation"`
	Closest    TrimCode `json:"closest"`
	Iterations int      `json:"iterations"`
	Err        error    `json:"-"`
}

// OK reports whether the calibration converged.
func (r Result) OK() bool { return r.Err == nil }

// Status returns the status word of r. Zero means success.
func (r Result) Status() StatusWord {
	return StatusOf(r.Err)
}

// Phase defines phases of a station calibration run.
type Phase string

const (
	PhaseIdle  Phase = "Idle"
	PhasePower Phase = "CalibratePower"
	PhaseClock Phase = "CalibrateClock"
	PhaseError Phase = "Error"
)

// Action defines user and scheduler actions on the station.
type Action string

const (
	ActionStart           Action = "Start"
	ActionSchedule        Action = "Schedule"
	ActionScheduleDisable Action = "DisableSchedule"
	ActionScheduleSkip    Action = "SkipSchedule"
)

// State holds station runtime state persisted to disk.
type State struct {
	Phase      Phase      `json:"phase"`
	Step       Block      `json:"step,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	LastStatus StatusWord `json:"lastStatus"`
	LastError  string     `json:"lastError"`
}

// Status is a synthesized view model exposed via HTTP. It derives from the
// persisted State plus the scheduler's next run time.
type Status struct {
	Phase       Phase      `json:"phase"`
	Step        Block      `json:"step,omitempty"`
	Running     bool       `json:"running"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  time.Time  `json:"finishedAt"`
	LastStatus  StatusWord `json:"lastStatus"`
	FailedBlock []Block    `json:"failedBlocks,omitempty"`
	Message     string     `json:"message"`
	ScheduledAt time.Time  `json:"scheduledAt,omitempty"`
}

// Measurement is one sampler reading: the value in the converged unit and
// the raw hardware reading it was derived from.
type Measurement struct {
	Value int64
	Raw   RawSample
}
