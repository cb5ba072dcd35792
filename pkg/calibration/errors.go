package calibration

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a calibration failure.
type Kind uint8

const (
	// KindSearchExhausted: the search reached a fixed point without meeting
	// the tolerance.
	KindSearchExhausted Kind = 0x01
	// KindInvalidRange: the caller passed min == max.
	KindInvalidRange Kind = 0x03
	// KindSignalTimeout: no reference edges or conversions before the timeout.
	KindSignalTimeout Kind = 0x04
	// KindStabilizationTimeout: a rail never settled within the retake budget.
	KindStabilizationTimeout Kind = 0x05
	// KindCrystalOutOfRange: a crystal oscillates outside its plausible band.
	KindCrystalOutOfRange Kind = 0x06
	// KindHardware: register access to the device failed.
	KindHardware Kind = 0x07
)

func (k Kind) String() string {
	switch k {
	case KindSearchExhausted:
		return "search exhausted"
	case KindInvalidRange:
		return "invalid range"
	case KindSignalTimeout:
		return "signal timeout"
	case KindStabilizationTimeout:
		return "stabilization timeout"
	case KindCrystalOutOfRange:
		return "crystal out of range"
	case KindHardware:
		return "hardware access"
	}
	return fmt.Sprintf("kind(%#x)", uint8(k))
}

// Error is a calibration failure, optionally tagged with the block it
// happened on. Two errors match under errors.Is when their kinds are equal,
// so a tagged error still matches the untagged sentinels below.
type Error struct {
	Kind  Kind
	Block Block
	Op    string
	// Measured is the closest value observed before the failure, for
	// diagnostics.
	Measured int64
	Err      error
}

var (
	ErrSearchExhausted      = &Error{Kind: KindSearchExhausted}
	ErrInvalidRange         = &Error{Kind: KindInvalidRange}
	ErrSignalTimeout        = &Error{Kind: KindSignalTimeout}
	ErrStabilizationTimeout = &Error{Kind: KindStabilizationTimeout}
	ErrCrystalOutOfRange    = &Error{Kind: KindCrystalOutOfRange}
	ErrHardware             = &Error{Kind: KindHardware}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Block != "" {
		b.WriteString(string(e.Block))
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Status returns the status word of e.
func (e *Error) Status() StatusWord {
	return StatusWord(e.Kind) | e.Block.Bit()
}

// NewError returns an untagged error of kind k.
func NewError(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Tag returns err tagged with block b. Errors that are not calibration errors
// are wrapped as hardware errors so that they still show up in the status
// word. Tag(nil, b) is nil.
func Tag(err error, b Block) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		tagged := *ce
		tagged.Block = b
		return &tagged
	}
	return &Error{Kind: KindHardware, Block: b, Err: err}
}

const blockShift = 8

// StatusWord is the aggregate status of one or more calibrations. The low
// byte carries the failure kind, and bits 8 and up carry one bit per failed
// block in the order of Blocks. OR-ing status words keeps every failed block
// identifiable. Zero means success.
type StatusWord uint32

// StatusOf returns the status word for err.
func StatusOf(err error) StatusWord {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status()
	}
	return StatusWord(KindHardware)
}

// Kind returns the failure kind bits of w.
func (w StatusWord) Kind() Kind {
	return Kind(w & 0xFF)
}

// Failed reports whether block b failed in w.
func (w StatusWord) Failed(b Block) bool {
	bit := b.Bit()
	return bit != 0 && w&bit != 0
}

// FailedBlocks lists the blocks whose bits are set in w.
func (w StatusWord) FailedBlocks() []Block {
	var out []Block
	for _, b := range Blocks {
		if w.Failed(b) {
			out = append(out, b)
		}
	}
	return out
}

func (w StatusWord) String() string {
	if w == 0 {
		return "ok"
	}
	blocks := w.FailedBlocks()
	names := make([]string, 0, len(blocks))
	for _, b := range blocks {
		names = append(names, string(b))
	}
	return fmt.Sprintf("%#06x (%s) [%s]", uint32(w), w.Kind(), strings.Join(names, ","))
}
