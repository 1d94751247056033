// Package knock captures secret-knock gestures and compares their rhythm.
//
// A Session collects tap timestamps until no tap has arrived for the
// configured delay. The finished gesture is normalized onto [0,1] so that
// tempo and start time drop out, then handed to the doneRecording or
// doneKnocking listeners depending on the session Mode.
//
// The comparison is a gesture password, not a cryptographic primitive:
// sequences are neither hashed for secrecy nor protected from replay.
package knock

import (
	"fmt"
	"sync"
	"time"

	"knockd/internal/logging"
)

// Mode selects where a resolved gesture is delivered.
type Mode int

const (
	// Evaluating delivers gestures to doneKnocking listeners as candidates.
	Evaluating Mode = iota
	// Recording delivers gestures to doneRecording listeners as new references.
	Recording
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Evaluating:
		return "evaluating"
	case Recording:
		return "recording"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the capture state of a session.
type State int

const (
	// Idle means no gesture is in progress.
	Idle State = iota
	// Capturing means at least one tap is waiting for the idle timeout.
	Capturing
)

// String returns the state name.
func (s State) String() string {
	if s == Capturing {
		return "capturing"
	}
	return "idle"
}

// Options configures a Session.
type Options struct {
	// Delay is the quiet period that ends a gesture.
	Delay time.Duration

	// Threshold and AllowedErrors form the ambient comparison policy.
	Threshold     float64
	AllowedErrors int

	// Record starts the session in Recording mode.
	Record bool

	// NewTimer builds the idle timer. Defaults to NewDebounceTimer.
	NewTimer TimerFactory

	// Logger defaults to the "knock" component of the default logger.
	Logger *logging.Logger
}

// DefaultOptions returns a 2s delay, the default policy and Evaluating mode.
func DefaultOptions() Options {
	return Options{
		Delay:         DefaultDelay,
		Threshold:     DefaultThreshold,
		AllowedErrors: DefaultAllowedErrors,
	}
}

// Validate rejects options the session cannot run with.
func (o Options) Validate() error {
	if o.Delay <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDelay, o.Delay)
	}
	return o.Policy().Validate()
}

// Policy returns the comparison policy carried by the options.
func (o Options) Policy() Policy {
	return Policy{Threshold: o.Threshold, AllowedErrors: o.AllowedErrors}
}

// Session is one knock input surface: a capture buffer, its idle timer, the
// current mode and the registered listeners.
//
// Taps and gesture resolution are serialized by the session. Listeners are
// called synchronously, outside the session lock, in registration order.
type Session struct {
	mu     sync.Mutex
	delay  time.Duration
	policy Policy
	mode   Mode
	buf    Buffer
	timer  IdleTimer
	gen    uint64
	closed bool

	onKnock     []func()
	onRecording []func(NormalizedSequence)
	onKnocking  []func(NormalizedSequence)

	log *logging.Logger
}

// NewSession validates opts and returns an idle session.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	newTimer := opts.NewTimer
	if newTimer == nil {
		newTimer = NewDebounceTimer
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("knock")
	}

	mode := Evaluating
	if opts.Record {
		mode = Recording
	}

	return &Session{
		delay:  opts.Delay,
		policy: opts.Policy(),
		mode:   mode,
		timer:  newTimer(opts.Delay),
		log:    log,
	}, nil
}

// OnKnock registers a listener fired once per accepted tap.
func (s *Session) OnKnock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKnock = append(s.onKnock, fn)
}

// OnDoneRecording registers a listener for gestures resolved in Recording mode.
func (s *Session) OnDoneRecording(fn func(NormalizedSequence)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecording = append(s.onRecording, fn)
}

// OnDoneKnocking registers a listener for gestures resolved in Evaluating mode.
func (s *Session) OnDoneKnocking(fn func(NormalizedSequence)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKnocking = append(s.onKnocking, fn)
}

// RecordTap appends a tap timestamp (milliseconds) and restarts the idle timer.
func (s *Session) RecordTap(ts int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.buf.Append(ts); err != nil {
		s.mu.Unlock()
		return err
	}
	s.gen++
	gen := s.gen
	s.timer.Reset(func() { s.resolve(gen) })
	listeners := s.onKnock
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// Knock records a tap at t.
func (s *Session) Knock(t time.Time) error {
	return s.RecordTap(t.UnixMilli())
}

// Flush resolves the gesture in progress now instead of waiting for the
// idle timeout. It does nothing when no tap is buffered.
func (s *Session) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timer.Stop()
	gen := s.gen
	s.mu.Unlock()

	s.resolve(gen)
}

// resolve ends the gesture started by tap generation gen. A timer that lost
// the race against a newer tap sees a stale generation and returns.
func (s *Session) resolve(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	raw := s.buf.Drain()
	mode := s.mode
	recording := s.onRecording
	knocking := s.onKnocking
	s.mu.Unlock()

	if raw == nil {
		return
	}

	seq, err := Normalize(raw)
	if err != nil {
		s.log.Warn("discarding gesture", "length", len(raw), "error", err)
		return
	}
	s.log.Debug("gesture resolved", "mode", mode.String(), "length", len(seq))

	var listeners []func(NormalizedSequence)
	switch mode {
	case Recording:
		listeners = recording
	case Evaluating:
		listeners = knocking
	}
	for _, fn := range listeners {
		fn(seq.Clone())
	}
}

// Mode returns the current dispatch mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode changes the dispatch mode. It may be called mid-gesture; the mode
// in effect when the gesture resolves wins.
func (s *Session) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// ToggleRecordMode flips between Recording and Evaluating and returns the new mode.
func (s *Session) ToggleRecordMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == Recording {
		s.mode = Evaluating
	} else {
		s.mode = Recording
	}
	return s.mode
}

// State reports whether a gesture is in progress.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		return Capturing
	}
	return Idle
}

// Pending returns the number of taps in the gesture in progress.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Delay returns the inactivity window.
func (s *Session) Delay() time.Duration {
	return s.delay
}

// Policy returns the ambient comparison policy.
func (s *Session) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy replaces the ambient comparison policy.
func (s *Session) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// Compare checks a candidate against a reference using the ambient policy,
// with opts overriding threshold or allowed errors for this call only.
func (s *Session) Compare(a, b NormalizedSequence, opts ...CompareOption) bool {
	return s.Evaluate(a, b, opts...).Match
}

// Evaluate is Compare with the per-beat detail.
func (s *Session) Evaluate(a, b NormalizedSequence, opts ...CompareOption) Result {
	return Evaluate(a, b, s.Policy().Apply(opts...))
}

// Close cancels any pending gesture. Later taps return ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.timer.Stop()
	s.buf.Drain()
	return nil
}
