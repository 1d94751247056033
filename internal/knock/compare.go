package knock

import (
	"fmt"
	"math"
	"strings"
)

// Threshold presets. Smaller thresholds are stricter.
const (
	RigorousThreshold = 0.01
	DefaultThreshold  = 0.04
	LenientThreshold  = 0.09

	DefaultAllowedErrors = 0
)

// Policy governs how much per-beat deviation a comparison tolerates.
type Policy struct {
	// Threshold is the largest absolute per-beat deviation that still counts
	// as a hit.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// AllowedErrors is how many beats may exceed Threshold before the whole
	// comparison fails.
	AllowedErrors int `json:"allowed_errors" yaml:"allowed_errors"`
}

// DefaultPolicy returns the 0.04 / 0 policy.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:     DefaultThreshold,
		AllowedErrors: DefaultAllowedErrors,
	}
}

// Validate rejects a non-positive threshold or a negative error allowance.
func (p Policy) Validate() error {
	if !(p.Threshold > 0) || math.IsInf(p.Threshold, 1) {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, p.Threshold)
	}
	if p.AllowedErrors < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAllowedErrors, p.AllowedErrors)
	}
	return nil
}

// String returns a short human-readable form.
func (p Policy) String() string {
	return fmt.Sprintf("threshold=%g allowed_errors=%d", p.Threshold, p.AllowedErrors)
}

// PresetThreshold resolves a named strictness level to its threshold.
func PresetThreshold(name string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "rigorous", "strict":
		return RigorousThreshold, nil
	case "", "default", "normal":
		return DefaultThreshold, nil
	case "lenient", "loose":
		return LenientThreshold, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
}

// Result describes a comparison beat by beat.
type Result struct {
	Match          bool      `json:"match"`
	LengthMismatch bool      `json:"length_mismatch,omitempty"`
	Errors         int       `json:"errors"`
	MaxDeviation   float64   `json:"max_deviation"`
	Deviations     []float64 `json:"-"`
	Policy         Policy    `json:"policy"`
}

// Evaluate compares a and b under p and reports how each beat fared.
// Sequences of different length never match, whatever the policy.
func Evaluate(a, b NormalizedSequence, p Policy) Result {
	res := Result{Policy: p}
	if len(a) != len(b) {
		res.LengthMismatch = true
		return res
	}

	res.Deviations = make([]float64, len(a))
	for i := range a {
		diff := math.Abs(a[i] - b[i])
		res.Deviations[i] = diff
		if diff > res.MaxDeviation {
			res.MaxDeviation = diff
		}
		if diff > p.Threshold {
			res.Errors++
		}
	}

	res.Match = res.Errors <= p.AllowedErrors
	return res
}

// Compare reports whether a and b are the same rhythm under p.
func Compare(a, b NormalizedSequence, p Policy) bool {
	return Evaluate(a, b, p).Match
}

// CompareOption overrides part of the ambient policy for a single comparison.
type CompareOption func(*Policy)

// WithThreshold overrides the threshold for one comparison.
func WithThreshold(t float64) CompareOption {
	return func(p *Policy) {
		p.Threshold = t
	}
}

// WithAllowedErrors overrides the allowed error count for one comparison.
// Zero is a real override, not "unset".
func WithAllowedErrors(n int) CompareOption {
	return func(p *Policy) {
		p.AllowedErrors = n
	}
}

// Apply returns p with opts applied in order.
func (p Policy) Apply(opts ...CompareOption) Policy {
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}
