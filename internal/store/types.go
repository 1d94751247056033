// Package store provides SQLite-based storage for reference knock patterns
// and the verification attempts made against them.
package store

import (
	"errors"
	"time"

	"knockd/internal/knock"
)

var (
	// ErrNotFound is returned when a pattern does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateName is returned when a pattern name is already taken.
	ErrDuplicateName = errors.New("store: pattern name already exists")
	// ErrInvalidPattern is returned for a pattern without a name or with a
	// sequence that is not normalized.
	ErrInvalidPattern = errors.New("store: invalid pattern")
)

// Pattern is a stored reference rhythm.
type Pattern struct {
	ID    string
	Name  string
	Beats knock.NormalizedSequence

	// Digest is knock.Fingerprint(Beats), set on save.
	Digest string

	// Threshold and AllowedErrors override the server policy when non-nil.
	Threshold     *float64
	AllowedErrors *int

	CreatedAt time.Time
}

// Policy returns def with this pattern's overrides applied.
func (p *Pattern) Policy(def knock.Policy) knock.Policy {
	var opts []knock.CompareOption
	if p.Threshold != nil {
		opts = append(opts, knock.WithThreshold(*p.Threshold))
	}
	if p.AllowedErrors != nil {
		opts = append(opts, knock.WithAllowedErrors(*p.AllowedErrors))
	}
	return def.Apply(opts...)
}

// Attempt records the outcome of one verification against a pattern.
type Attempt struct {
	ID             int64
	PatternID      string
	Matched        bool
	LengthMismatch bool
	Errors         int
	MaxDeviation   float64
	CreatedAt      time.Time
}

// AttemptFromResult builds an attempt record from a comparison result.
func AttemptFromResult(patternID string, res knock.Result) *Attempt {
	return &Attempt{
		PatternID:      patternID,
		Matched:        res.Match,
		LengthMismatch: res.LengthMismatch,
		Errors:         res.Errors,
		MaxDeviation:   res.MaxDeviation,
	}
}
