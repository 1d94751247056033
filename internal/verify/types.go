package verify

import (
	"errors"
	"fmt"
	"time"

	"knockd/internal/knock"
	"knockd/internal/store"
)

// maxBeats matches the limit pattern documents enforce.
const maxBeats = 256

var errSequenceSource = errors.New("exactly one of taps or beats is required")

// Gesture is a rhythm as sent by a client: raw tap times in milliseconds or
// an already normalized sequence.
type Gesture struct {
	Taps  []int64   `json:"taps,omitempty"`
	Beats []float64 `json:"beats,omitempty"`
}

// Sequence normalizes the gesture.
func (g Gesture) Sequence() (knock.NormalizedSequence, error) {
	if len(g.Taps) > maxBeats || len(g.Beats) > maxBeats {
		return nil, fmt.Errorf("a gesture has at most %d beats", maxBeats)
	}
	switch {
	case len(g.Taps) > 0 && len(g.Beats) == 0:
		return knock.Normalize(g.Taps)
	case len(g.Beats) > 0 && len(g.Taps) == 0:
		seq := knock.NormalizedSequence(g.Beats)
		if !seq.Valid() {
			return nil, errors.New("beats must be non-decreasing values in [0,1] starting at 0 and ending at 1")
		}
		return seq.Clone(), nil
	default:
		return nil, errSequenceSource
	}
}

// Overrides are optional per-request or per-pattern policy values.
type Overrides struct {
	Threshold     *float64 `json:"threshold,omitempty"`
	AllowedErrors *int     `json:"allowed_errors,omitempty"`
}

func (o Overrides) options() []knock.CompareOption {
	var opts []knock.CompareOption
	if o.Threshold != nil {
		opts = append(opts, knock.WithThreshold(*o.Threshold))
	}
	if o.AllowedErrors != nil {
		opts = append(opts, knock.WithAllowedErrors(*o.AllowedErrors))
	}
	return opts
}

// CreatePatternRequest is the POST /patterns body.
type CreatePatternRequest struct {
	Name string `json:"name"`
	Gesture
	Overrides
}

// VerifyRequest is the POST /patterns/{id}/verify body.
type VerifyRequest struct {
	Gesture
	Overrides
}

// PatternResponse describes a stored pattern without its beats.
type PatternResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Length        int       `json:"length"`
	Digest        string    `json:"digest"`
	Threshold     *float64  `json:"threshold,omitempty"`
	AllowedErrors *int      `json:"allowed_errors,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func patternResponse(p *store.Pattern) PatternResponse {
	return PatternResponse{
		ID:            p.ID,
		Name:          p.Name,
		Length:        p.Beats.Len(),
		Digest:        p.Digest,
		Threshold:     p.Threshold,
		AllowedErrors: p.AllowedErrors,
		CreatedAt:     p.CreatedAt.UTC(),
	}
}

// VerifyResponse is the outcome of a verification. Per-beat deviations are
// withheld since they would reveal the reference rhythm.
type VerifyResponse struct {
	Match          bool         `json:"match"`
	LengthMismatch bool         `json:"length_mismatch,omitempty"`
	Errors         int          `json:"errors"`
	Policy         knock.Policy `json:"policy"`
	AttemptID      int64        `json:"attempt_id"`
}

// AttemptResponse is one entry of GET /patterns/{id}/attempts.
type AttemptResponse struct {
	ID             int64     `json:"id"`
	Matched        bool      `json:"matched"`
	LengthMismatch bool      `json:"length_mismatch,omitempty"`
	Errors         int       `json:"errors"`
	CreatedAt      time.Time `json:"created_at"`
}

func attemptResponse(a *store.Attempt) AttemptResponse {
	return AttemptResponse{
		ID:             a.ID,
		Matched:        a.Matched,
		LengthMismatch: a.LengthMismatch,
		Errors:         a.Errors,
		CreatedAt:      a.CreatedAt.UTC(),
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"detail"`
}
