// Package converge implements the closed-loop binary search shared by every
// rail and oscillator calibration.
package converge

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/montanafw/trimcal/pkg/calibration"
)

// ApplyFunc writes a trim code to the hardware.
type ApplyFunc func(code calibration.TrimCode) error

// SampleFunc measures the controlled quantity at the currently applied code.
type SampleFunc func() (calibration.Measurement, error)

// Params describes one search.
type Params struct {
	Block     calibration.Block
	Target    calibration.Target
	Range     calibration.Range
	Direction calibration.Direction
	// NonMonotonic lists codes where the control law locally reverses. A
	// candidate landing on one of them is measured together with its
	// neighbour and the closer of the two is kept.
	NonMonotonic []calibration.TrimCode
}

func (p Params) isNonMonotonic(c calibration.TrimCode) bool {
	for _, n := range p.NonMonotonic {
		if n == c {
			return true
		}
	}
	return false
}

// MaxIterations is the largest number of candidates a search over r may
// probe: ceil(log2(span)) + 1, and 2 for adjacent bounds.
func MaxIterations(r calibration.Range) int {
	span := r.Span()
	switch span {
	case 0:
		return 0
	case 1:
		return 2
	}
	return bits.Len32(span-1) + 1
}

type probe struct {
	code calibration.TrimCode
	m    calibration.Measurement
	dev  int64
}

type search struct {
	p      Params
	apply  ApplyFunc
	sample SampleFunc
	log    *logrus.Entry

	applied calibration.TrimCode
	// probed holds the bisection candidates tried so far.
	probed  map[calibration.TrimCode]bool
	best    *probe
}

// Converge searches p.Range for a code whose measurement lies within
// p.Target. On success the converged code is left applied. On failure the
// last attempted code stays applied and the result carries the closest
// measurement observed.
func Converge(p Params, apply ApplyFunc, sample SampleFunc) calibration.Result {
	res := calibration.Result{Block: p.Block}
	log := logrus.WithFields(logrus.Fields{
		"block":  p.Block,
		"target": p.Target.Value,
		"range":  p.Range.String(),
	})

	if p.Range.Min >= p.Range.Max {
		res.Err = calibration.Tag(calibration.NewError(calibration.KindInvalidRange, "converge",
			fmt.Errorf("range %s", p.Range)), p.Block)
		return res
	}

	s := &search{
		p:      p,
		apply:  apply,
		sample: sample,
		log:    log,
		probed: map[calibration.TrimCode]bool{},
	}

	lo, hi := p.Range.Min, p.Range.Max
	prev := int64(-1)
	limit := MaxIterations(p.Range)

	for lo != hi && res.Iterations < limit {
		cur := lo + (hi-lo)/2
		if int64(cur) == prev {
			// Floor division never reaches hi on its own.
			cur = hi
		}
		if s.probed[cur] {
			log.WithField("code", cur).Debug("Search reached a fixed point")
			break
		}
		// Only bisection candidates count towards the fixed point. A
		// neighbour read by measure may still become a candidate later.
		s.probed[cur] = true

		rep, err := s.measure(cur)
		res.Iterations++
		res.Code = s.applied
		if err != nil {
			return s.fail(res, err)
		}

		log.WithFields(logrus.Fields{
			"code":     rep.code,
			"measured": rep.m.Value,
			"lo":       lo,
			"hi":       hi,
		}).Debug("Probed trim code")

		if p.Target.Within(rep.m.Value) {
			if s.applied != rep.code {
				if err := s.write(rep.code); err != nil {
					return s.fail(res, err)
				}
			}
			res.Code = rep.code
			res.Measured = rep.m.Value
			res.Raw = int64(rep.m.Raw)
			res.Deviation = rep.dev
			res.Closest = rep.code
			return res
		}

		above := rep.m.Value > p.Target.Value
		if above == (p.Direction == calibration.Direct) {
			hi = cur
		} else {
			lo = cur
		}
		prev = int64(cur)
	}

	return s.fail(res, calibration.ErrSearchExhausted)
}

// measure applies cur and samples it. Non-monotonic codes are measured
// together with a neighbour and the closer reading is returned.
func (s *search) measure(cur calibration.TrimCode) (probe, error) {
	codes := []calibration.TrimCode{cur}
	if s.p.isNonMonotonic(cur) {
		if cur == s.p.Range.Max {
			codes = append(codes, cur-1)
		} else {
			codes = append(codes, cur+1)
		}
	}

	var rep *probe
	for _, c := range codes {
		if err := s.write(c); err != nil {
			return probe{}, err
		}
		m, err := s.sample()
		if err != nil {
			return probe{}, err
		}
		pr := probe{code: c, m: m, dev: calibration.Deviation(m.Value, s.p.Target.Value)}
		if rep == nil || pr.dev < rep.dev {
			rep = &pr
		}
		if s.best == nil || pr.dev < s.best.dev {
			best := pr
			s.best = &best
		}
	}
	return *rep, nil
}

func (s *search) write(c calibration.TrimCode) error {
	if err := s.apply(c); err != nil {
		return err
	}
	s.applied = c
	return nil
}

func (s *search) fail(res calibration.Result, err error) calibration.Result {
	res.Code = s.applied
	e := &calibration.Error{Kind: calibration.KindHardware, Op: "converge", Err: err}
	var ce *calibration.Error
	if errors.As(err, &ce) {
		cp := *ce
		e = &cp
		if e.Op == "" {
			e.Op = "converge"
		}
	}
	if s.best != nil {
		res.Measured = s.best.m.Value
		res.Raw = int64(s.best.m.Raw)
		res.Deviation = s.best.dev
		res.Closest = s.best.code
		e.Measured = s.best.m.Value
	}
	res.Err = calibration.Tag(e, s.p.Block)

	s.log.WithFields(logrus.Fields{
		"code":     res.Code,
		"closest":  res.Closest,
		"measured": res.Measured,
	}).WithError(res.Err).Warn("Calibration did not converge")
	return res
}
