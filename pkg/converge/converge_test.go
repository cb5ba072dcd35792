package converge

import (
	"errors"
	"testing"

	"github.com/montanafw/trimcal/pkg/calibration"
)

// fakeTrim is a synthetic control law with a write log.
type fakeTrim struct {
	law     func(calibration.TrimCode) int64
	code    calibration.TrimCode
	writes  []calibration.TrimCode
	samples int
}

func (f *fakeTrim) apply(c calibration.TrimCode) error {
	f.code = c
	f.writes = append(f.writes, c)
	return nil
}

func (f *fakeTrim) sample() (calibration.Measurement, error) {
	f.samples++
	v := f.law(f.code)
	return calibration.Measurement{Value: v, Raw: calibration.RawSample(v)}, nil
}

func run(p Params, law func(calibration.TrimCode) int64) (calibration.Result, *fakeTrim) {
	f := &fakeTrim{law: law}
	return Converge(p, f.apply, f.sample), f
}

func TestInverseScenario(t *testing.T) {
	p := Params{
		Target:    calibration.Target{Value: 1250, Tolerance: 5},
		Range:     calibration.Range{Min: 0, Max: 255},
		Direction: calibration.Inverse,
	}
	res, f := run(p, func(c calibration.TrimCode) int64 { return 2500 - 8*int64(c) })

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Code != 156 || res.Measured != 1252 {
		t.Fatalf("got code %d measured %d, want 156 / 1252", res.Code, res.Measured)
	}
	if res.Status() != 0 {
		t.Fatalf("expected zero status word, got %s", res.Status())
	}
	if f.code != 156 {
		t.Fatalf("converged code not left applied: %d", f.code)
	}
	want := []calibration.TrimCode{127, 191, 159, 143, 151, 155, 157, 156}
	if len(f.writes) != len(want) {
		t.Fatalf("probe sequence %v, want %v", f.writes, want)
	}
	for i := range want {
		if f.writes[i] != want[i] {
			t.Fatalf("probe sequence %v, want %v", f.writes, want)
		}
	}
}

func TestUnreachableTarget(t *testing.T) {
	p := Params{
		Block:     calibration.BlockVDDRF,
		Target:    calibration.Target{Value: 1250, Tolerance: 5},
		Range:     calibration.Range{Min: 0, Max: 255},
		Direction: calibration.Direct,
	}
	res, f := run(p, func(c calibration.TrimCode) int64 { return 1000 + int64(c)*100/255 })

	if !errors.Is(res.Err, calibration.ErrSearchExhausted) {
		t.Fatalf("expected ErrSearchExhausted, got %v", res.Err)
	}
	if res.Measured != 1100 {
		t.Fatalf("measured = %d, want closest observed 1100", res.Measured)
	}
	if res.Closest != 255 {
		t.Fatalf("closest = %d, want 255", res.Closest)
	}
	if res.Code != f.code {
		t.Fatalf("result code %d does not match applied code %d", res.Code, f.code)
	}
	if !res.Status().Failed(calibration.BlockVDDRF) {
		t.Fatalf("status %s does not flag vddrf", res.Status())
	}
	if res.Status().Kind() != calibration.KindSearchExhausted {
		t.Fatalf("status kind %v", res.Status().Kind())
	}
}

func TestInvalidRangeDoesNotSample(t *testing.T) {
	for _, r := range []calibration.Range{{Min: 10, Max: 10}, {Min: 0, Max: 0}, {Min: 20, Max: 10}} {
		res, f := run(Params{Range: r}, func(calibration.TrimCode) int64 {
			t.Fatalf("sampled with invalid range %s", r)
			return 0
		})
		if !errors.Is(res.Err, calibration.ErrInvalidRange) {
			t.Fatalf("range %s: expected ErrInvalidRange, got %v", r, res.Err)
		}
		if len(f.writes) != 0 || f.samples != 0 {
			t.Fatalf("range %s: hardware touched", r)
		}
	}
}

func TestMonotonicConverges(t *testing.T) {
	ranges := []calibration.Range{
		{Min: 0, Max: 1},
		{Min: 0, Max: 2},
		{Min: 30, Max: 56},
		{Min: 15, Max: 52},
		{Min: 0, Max: 63},
		{Min: 0, Max: 255},
	}
	for _, r := range ranges {
		for _, dir := range []calibration.Direction{calibration.Direct, calibration.Inverse} {
			law := func(c calibration.TrimCode) int64 { return 1000 + 10*int64(c) }
			if dir == calibration.Inverse {
				law = func(c calibration.TrimCode) int64 { return 5000 - 10*int64(c) }
			}
			for c := r.Min; c <= r.Max; c++ {
				target := calibration.Target{Value: law(c) + 3, Tolerance: 5}
				res, f := run(Params{Target: target, Range: r, Direction: dir}, law)
				if res.Err != nil {
					t.Fatalf("range %s dir %s target %d: %v", r, dir, target.Value, res.Err)
				}
				if !target.Within(law(res.Code)) {
					t.Fatalf("range %s dir %s: code %d out of tolerance", r, dir, res.Code)
				}
				if res.Iterations > MaxIterations(r) {
					t.Fatalf("range %s: %d iterations exceeds bound %d", r, res.Iterations, MaxIterations(r))
				}
				for _, w := range f.writes {
					if !r.Contains(w) {
						t.Fatalf("range %s: wrote out of range code %d", r, w)
					}
				}
			}
		}
	}
}

func TestStuckHardwareTerminates(t *testing.T) {
	ranges := []calibration.Range{
		{Min: 0, Max: 1},
		{Min: 0, Max: 255},
		{Min: 0, Max: 256},
		{Min: 30, Max: 44},
		{Min: 7, Max: 100},
	}
	for _, r := range ranges {
		for _, v := range []int64{0, 5000} {
			for _, dir := range []calibration.Direction{calibration.Direct, calibration.Inverse} {
				p := Params{
					Target:    calibration.Target{Value: 1250, Tolerance: 5},
					Range:     r,
					Direction: dir,
				}
				res, f := run(p, func(calibration.TrimCode) int64 { return v })
				if !errors.Is(res.Err, calibration.ErrSearchExhausted) {
					t.Fatalf("range %s stuck at %d: expected ErrSearchExhausted, got %v", r, v, res.Err)
				}
				if f.samples > MaxIterations(r) {
					t.Fatalf("range %s stuck at %d: %d samples exceeds bound %d", r, v, f.samples, MaxIterations(r))
				}
				if res.Measured != v {
					t.Fatalf("measured %d, want %d", res.Measured, v)
				}
			}
		}
	}
}

func TestMaxIterations(t *testing.T) {
	tests := []struct {
		r    calibration.Range
		want int
	}{
		{calibration.Range{Min: 5, Max: 5}, 0},
		{calibration.Range{Min: 0, Max: 1}, 2},
		{calibration.Range{Min: 0, Max: 2}, 2},
		{calibration.Range{Min: 0, Max: 255}, 9},
		{calibration.Range{Min: 0, Max: 256}, 9},
		{calibration.Range{Min: 0, Max: 257}, 10},
	}
	for _, tt := range tests {
		if got := MaxIterations(tt.r); got != tt.want {
			t.Errorf("MaxIterations(%s) = %d, want %d", tt.r, got, tt.want)
		}
	}
}

func TestNonMonotonicCode(t *testing.T) {
	trueLaw := func(c calibration.TrimCode) int64 { return 1000 + 10*int64(c) }
	corrupted := func(c calibration.TrimCode) int64 {
		if c == 31 {
			return 1500
		}
		return trueLaw(c)
	}
	p := Params{
		Target:    calibration.Target{Value: 1320, Tolerance: 5},
		Range:     calibration.Range{Min: 0, Max: 63},
		Direction: calibration.Direct,
	}

	// Without knowing about the glitch the search is misdirected.
	res, _ := run(p, corrupted)
	if !errors.Is(res.Err, calibration.ErrSearchExhausted) {
		t.Fatalf("expected the glitch to derail a plain search, got code %d", res.Code)
	}

	p.NonMonotonic = []calibration.TrimCode{31}
	res, f := run(p, corrupted)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !p.Target.Within(trueLaw(res.Code)) {
		t.Fatalf("code %d does not meet tolerance on the true law", res.Code)
	}
	if f.code != res.Code {
		t.Fatalf("best code %d not re-applied, hardware holds %d", res.Code, f.code)
	}
}

func TestNonMonotonicNeighbourStaysCandidate(t *testing.T) {
	law := func(c calibration.TrimCode) int64 { return 1000 + 10*int64(c) }
	for hi := calibration.TrimCode(1); hi <= 64; hi++ {
		r := calibration.Range{Min: 0, Max: hi}
		for n := r.Min; n <= r.Max; n++ {
			for c := r.Min; c <= r.Max; c++ {
				p := Params{
					Target:       calibration.Target{Value: law(c), Tolerance: 4},
					Range:        r,
					Direction:    calibration.Direct,
					NonMonotonic: []calibration.TrimCode{n},
				}
				res, f := run(p, law)
				if res.Err != nil {
					t.Fatalf("range %s non-monotonic %d target code %d: %v (writes %v)", r, n, c, res.Err, f.writes)
				}
				if res.Code != c || f.code != c {
					t.Fatalf("range %s non-monotonic %d: got code %d (applied %d), want %d", r, n, res.Code, f.code, c)
				}
			}
		}
	}
}

func TestNonMonotonicNeighbourReachedLater(t *testing.T) {
	law := func(c calibration.TrimCode) int64 { return 1000 + 10*int64(c) }
	p := Params{
		Target:       calibration.Target{Value: law(4), Tolerance: 4},
		Range:        calibration.Range{Min: 0, Max: 4},
		Direction:    calibration.Direct,
		NonMonotonic: []calibration.TrimCode{2},
	}
	res, f := run(p, law)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v (writes %v)", res.Err, f.writes)
	}
	want := []calibration.TrimCode{2, 3, 3, 4}
	if len(f.writes) != len(want) {
		t.Fatalf("writes %v, want %v", f.writes, want)
	}
	for i := range want {
		if f.writes[i] != want[i] {
			t.Fatalf("writes %v, want %v", f.writes, want)
		}
	}
	if res.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", res.Iterations)
	}
}

func TestNonMonotonicKeepsCloserOfPair(t *testing.T) {
	// Code 32 reads far off; 33 is the true answer.
	law := func(c calibration.TrimCode) int64 {
		if c == 32 {
			return 100
		}
		return 2000 - 10*int64(c)
	}
	p := Params{
		Target:       calibration.Target{Value: 1670, Tolerance: 4},
		Range:        calibration.Range{Min: 0, Max: 64},
		Direction:    calibration.Inverse,
		NonMonotonic: []calibration.TrimCode{32, 48},
	}
	res, f := run(p, law)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Code != 33 || f.code != 33 {
		t.Fatalf("got code %d (applied %d), want 33", res.Code, f.code)
	}
	if f.writes[0] != 32 || f.writes[1] != 33 {
		t.Fatalf("expected paired probe of 32 and 33, got %v", f.writes)
	}
}

func TestNonMonotonicAtMaxProbesBelow(t *testing.T) {
	law := func(c calibration.TrimCode) int64 { return 1000 + 10*int64(c) }
	p := Params{
		Target:       calibration.Target{Value: 1400, Tolerance: 5},
		Range:        calibration.Range{Min: 38, Max: 40},
		Direction:    calibration.Direct,
		NonMonotonic: []calibration.TrimCode{40},
	}
	res, f := run(p, law)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	for _, w := range f.writes {
		if !p.Range.Contains(w) {
			t.Fatalf("wrote %d outside %s", w, p.Range)
		}
	}
	if res.Code != 40 {
		t.Fatalf("got code %d, want 40", res.Code)
	}
}

func TestSampleErrorAborts(t *testing.T) {
	boom := errors.New("link down")
	f := &fakeTrim{}
	res := Converge(Params{
		Block:  calibration.BlockVDDC,
		Target: calibration.Target{Value: 1, Tolerance: 0},
		Range:  calibration.Range{Min: 0, Max: 10},
	}, f.apply, func() (calibration.Measurement, error) {
		return calibration.Measurement{}, boom
	})
	if !errors.Is(res.Err, boom) {
		t.Fatalf("expected wrapped link error, got %v", res.Err)
	}
	if !errors.Is(res.Err, calibration.ErrHardware) {
		t.Fatalf("expected hardware kind, got %v", res.Err)
	}
	if !res.Status().Failed(calibration.BlockVDDC) {
		t.Fatalf("status %s does not flag vddc", res.Status())
	}
}

func TestSamplerTimeoutPropagates(t *testing.T) {
	f := &fakeTrim{}
	res := Converge(Params{
		Block: calibration.BlockRC32K,
		Range: calibration.Range{Min: 0, Max: 63},
	}, f.apply, func() (calibration.Measurement, error) {
		return calibration.Measurement{}, calibration.ErrSignalTimeout
	})
	if !errors.Is(res.Err, calibration.ErrSignalTimeout) {
		t.Fatalf("expected ErrSignalTimeout, got %v", res.Err)
	}
}

func TestNonMonotonicReappliesBestOfPair(t *testing.T) {
	// The neighbour probed second is the glitched one, so the search has to
	// go back to the candidate.
	law := func(c calibration.TrimCode) int64 {
		if c == 33 {
			return 100
		}
		return 2000 - 10*int64(c)
	}
	p := Params{
		Target:       calibration.Target{Value: 1680, Tolerance: 4},
		Range:        calibration.Range{Min: 0, Max: 64},
		Direction:    calibration.Inverse,
		NonMonotonic: []calibration.TrimCode{32},
	}
	res, f := run(p, law)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want := []calibration.TrimCode{32, 33, 32}
	if len(f.writes) != len(want) {
		t.Fatalf("writes %v, want %v", f.writes, want)
	}
	for i := range want {
		if f.writes[i] != want[i] {
			t.Fatalf("writes %v, want %v", f.writes, want)
		}
	}
	if res.Code != 32 || res.Measured != 1680 {
		t.Fatalf("got code %d measured %d", res.Code, res.Measured)
	}
}
