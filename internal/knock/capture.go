package knock

import (
	"time"

	"github.com/bep/debounce"
)

// DefaultDelay is the quiet period after the last tap that ends a gesture.
const DefaultDelay = 2000 * time.Millisecond

// Buffer accumulates the taps of the gesture in progress.
// It is not safe for concurrent use; Session guards it.
type Buffer struct {
	taps RawSequence
}

// Append adds a tap. A timestamp earlier than the previous tap is rejected.
func (b *Buffer) Append(ts int64) error {
	if n := len(b.taps); n > 0 && ts < b.taps[n-1] {
		return ErrOutOfOrder
	}
	b.taps = append(b.taps, ts)
	return nil
}

// Len returns the number of buffered taps.
func (b *Buffer) Len() int {
	return len(b.taps)
}

// Drain hands over the buffered taps and leaves the buffer empty.
// It returns nil when nothing was buffered.
func (b *Buffer) Drain() RawSequence {
	if len(b.taps) == 0 {
		return nil
	}
	out := b.taps
	b.taps = nil
	return out
}

// IdleTimer is a single re-armable deferred callback. Reset cancels whatever
// is pending and schedules fn; Stop cancels without scheduling.
type IdleTimer interface {
	Reset(fn func())
	Stop()
}

// TimerFactory builds the idle timer for a session.
type TimerFactory func(delay time.Duration) IdleTimer

// debounceTimer adapts a debouncer: every call replaces the pending function
// and restarts the wait.
type debounceTimer struct {
	debounced func(f func())
}

// NewDebounceTimer returns an IdleTimer backed by github.com/bep/debounce.
func NewDebounceTimer(delay time.Duration) IdleTimer {
	return &debounceTimer{debounced: debounce.New(delay)}
}

func (t *debounceTimer) Reset(fn func()) {
	t.debounced(fn)
}

func (t *debounceTimer) Stop() {
	t.debounced(func() {})
}
