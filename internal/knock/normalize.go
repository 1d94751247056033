package knock

import (
	"math"

	"golang.org/x/exp/constraints"
)

// RawSequence is the ordered list of absolute tap timestamps, in milliseconds,
// that make up one gesture.
type RawSequence []int64

// NormalizedSequence is a gesture reshaped onto [0,1]. The first beat is 0.0
// and the last is 1.0, so absolute start time and overall tempo drop out.
type NormalizedSequence []float64

// Timestamp is any numeric type a tap time can be expressed in.
type Timestamp interface {
	constraints.Integer | constraints.Float
}

// Normalize maps raw timestamps onto [0,1] using the first tap as the origin
// and the last tap as the unit. The input is never modified.
//
// A single tap normalizes to [0.0]. A multi-tap gesture whose taps all share
// one timestamp has no span to divide by and normalizes to all zeros.
func Normalize[T Timestamp](raw []T) (NormalizedSequence, error) {
	if len(raw) == 0 {
		return nil, ErrEmptySequence
	}
	for i := 1; i < len(raw); i++ {
		if raw[i] < raw[i-1] {
			return nil, ErrOutOfOrder
		}
	}

	out := make(NormalizedSequence, len(raw))
	origin := float64(raw[0])
	span := float64(raw[len(raw)-1]) - origin
	if span == 0 {
		return out, nil
	}

	for i, v := range raw {
		out[i] = (float64(v) - origin) / span
	}
	return out, nil
}

// Len returns the number of beats.
func (s NormalizedSequence) Len() int {
	return len(s)
}

// Clone returns an independent copy of the sequence.
func (s NormalizedSequence) Clone() NormalizedSequence {
	if s == nil {
		return nil
	}
	out := make(NormalizedSequence, len(s))
	copy(out, s)
	return out
}

// Valid reports whether s has the shape Normalize produces: beats in [0,1]
// that never decrease, starting at 0 and ending at 1. A single beat, or a
// gesture whose beats are all 0, has no span and is valid as all zeros.
func (s NormalizedSequence) Valid() bool {
	if len(s) == 0 || s[0] != 0 {
		return false
	}
	for i, v := range s {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
		if i > 0 && v < s[i-1] {
			return false
		}
	}
	last := s[len(s)-1]
	return last == 1 || last == 0
}

// Intervals returns the gaps between consecutive taps in milliseconds.
func (r RawSequence) Intervals() []int64 {
	if len(r) < 2 {
		return nil
	}
	out := make([]int64, len(r)-1)
	for i := 1; i < len(r); i++ {
		out[i-1] = r[i] - r[i-1]
	}
	return out
}
