package metrics

import (
	"time"

	"knockd/internal/knock"
)

// KnockdMetrics is the knockd metric set.
type KnockdMetrics struct {
	registry *Registry

	KnocksTotal           *Counter
	GesturesTotal         *Counter
	PatternsRecordedTotal *Counter
	VerificationsTotal    *Counter
	MatchesTotal          *Counter
	RejectionsTotal       *Counter
	ErrorsTotal           *Counter
	LockoutsTotal         *Counter

	PatternsStored *Gauge

	VerificationErrors *Histogram
	VerifyDuration     *Histogram
}

// NewKnockdMetrics registers the knockd metric set on registry. A nil
// registry gets a fresh one under the "knockd" namespace.
func NewKnockdMetrics(registry *Registry) *KnockdMetrics {
	if registry == nil {
		registry = NewRegistry("knockd", "")
	}

	return &KnockdMetrics{
		registry: registry,

		KnocksTotal:           registry.RegisterCounter("knocks_total", "Taps received by knock sessions", nil),
		GesturesTotal:         registry.RegisterCounter("gestures_total", "Gestures resolved after the idle delay", nil),
		PatternsRecordedTotal: registry.RegisterCounter("patterns_recorded_total", "Reference patterns saved", nil),
		VerificationsTotal:    registry.RegisterCounter("verifications_total", "Verification attempts", nil),
		MatchesTotal:          registry.RegisterCounter("matches_total", "Verification attempts that matched", nil),
		RejectionsTotal:       registry.RegisterCounter("rejections_total", "Verification attempts that did not match", nil),
		ErrorsTotal:           registry.RegisterCounter("errors_total", "Requests that failed with an internal error", nil),
		LockoutsTotal:         registry.RegisterCounter("lockouts_total", "Patterns locked after repeated failed verifications", nil),

		PatternsStored: registry.RegisterGauge("patterns_stored", "Reference patterns in the store", nil),

		VerificationErrors: registry.RegisterHistogram("verification_errors", "Beats outside the threshold per attempt", nil, CountBuckets),
		VerifyDuration:     registry.RegisterHistogram("verify_duration_seconds", "Time to load, compare and record a verification", nil, nil),
	}
}

// Registry returns the registry the metrics live in.
func (m *KnockdMetrics) Registry() *Registry {
	return m.registry
}

// ObserveResult counts a finished verification. Length mismatches are
// rejections with no per-beat errors to observe.
func (m *KnockdMetrics) ObserveResult(res knock.Result, elapsed time.Duration) {
	m.VerificationsTotal.Inc()
	if res.Match {
		m.MatchesTotal.Inc()
	} else {
		m.RejectionsTotal.Inc()
	}
	if !res.LengthMismatch {
		m.VerificationErrors.Observe(float64(res.Errors))
	}
	m.VerifyDuration.ObserveDuration(elapsed)
}

// Instrument counts taps and resolved gestures on s.
func (m *KnockdMetrics) Instrument(s *knock.Session) {
	s.OnKnock(m.KnocksTotal.Inc)
	gesture := func(knock.NormalizedSequence) { m.GesturesTotal.Inc() }
	s.OnDoneRecording(gesture)
	s.OnDoneKnocking(gesture)
}
