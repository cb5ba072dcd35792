package hw

import (
	"fmt"

	"github.com/montanafw/trimcal/pkg/calibration"
)

// Field is a contiguous bit field of a register.
type Field struct {
	Reg   Register
	Pos   uint
	Width uint
}

// On returns a copy of f located in reg.
func (f Field) On(reg Register) Field {
	f.Reg = reg
	return f
}

// Mask returns the in-place mask of f.
func (f Field) Mask() uint32 {
	return uint32((uint64(1)<<f.Width)-1) << f.Pos
}

// Max returns the largest value f can hold.
func (f Field) Max() uint32 {
	return uint32((uint64(1) << f.Width) - 1)
}

// Extract returns the value of f in word.
func (f Field) Extract(word uint32) uint32 {
	return (word & f.Mask()) >> f.Pos
}

// Insert returns word with f set to v. Bits of v beyond the field width are
// dropped.
func (f Field) Insert(word, v uint32) uint32 {
	return (word &^ f.Mask()) | ((v << f.Pos) & f.Mask())
}

// TrimField is a field holding a trim code together with the codes that are
// legal to write to it.
type TrimField struct {
	Field
	Range calibration.Range
}

// Encode places code into word. Codes outside Range are rejected instead of
// being truncated into a neighbouring field.
func (t TrimField) Encode(word uint32, code calibration.TrimCode) (uint32, error) {
	if !t.Range.Contains(code) || uint32(code) > t.Max() {
		return word, fmt.Errorf("trim code %d out of range %s for %s", code, t.Range, t.Reg)
	}
	return t.Insert(word, uint32(code)), nil
}

// Decode returns the code stored in word.
func (t TrimField) Decode(word uint32) calibration.TrimCode {
	return calibration.TrimCode(t.Extract(word))
}
