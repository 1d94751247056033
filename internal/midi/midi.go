// Package midi turns Standard MIDI Files into knock tap sequences: every
// note-on becomes one tap at its absolute time in milliseconds.
package midi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"

	"knockd/internal/knock"
)

// ErrNoNotes is returned when no note-on passes the filter.
var ErrNoNotes = errors.New("midi: no matching note-on events")

// Filter selects the note-ons that count as taps. A nil Filter accepts all.
type Filter func(channel, key uint8) bool

// Channel accepts notes on one channel (0-15).
func Channel(ch uint8) Filter {
	return func(channel, _ uint8) bool { return channel == ch }
}

// Key accepts one note number.
func Key(k uint8) Filter {
	return func(_, key uint8) bool { return key == k }
}

// And accepts notes every non-nil filter accepts.
func And(filters ...Filter) Filter {
	return func(channel, key uint8) bool {
		for _, f := range filters {
			if f != nil && !f(channel, key) {
				return false
			}
		}
		return true
	}
}

// ReadTaps reads the SMF at path.
func ReadTaps(path string, filter Filter) (knock.RawSequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read midi file: %w", err)
	}
	return TapsFrom(bytes.NewReader(data), filter)
}

// TapsFrom parses an SMF and returns the sorted note-on times of all tracks.
// Note-ons landing on the same millisecond, such as chords, count once.
func TapsFrom(r io.Reader, filter Filter) (taps knock.RawSequence, err error) {
	// the smf reader panics on some malformed input
	defer func() {
		if rec := recover(); rec != nil {
			taps, err = nil, fmt.Errorf("parse midi file: %v", rec)
		}
	}()

	s, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("parse midi file: %w", err)
	}

	var micros []int64
	for _, track := range s.Tracks {
		var absTicks int64
		for _, event := range track {
			absTicks += int64(event.Delta)

			var channel, key, velocity uint8
			if !event.Message.GetNoteOn(&channel, &key, &velocity) || velocity == 0 {
				continue
			}
			if filter != nil && !filter(channel, key) {
				continue
			}
			micros = append(micros, s.TimeAt(absTicks))
		}
	}
	if len(micros) == 0 {
		return nil, ErrNoNotes
	}

	sort.Slice(micros, func(i, j int) bool { return micros[i] < micros[j] })

	taps = make(knock.RawSequence, 0, len(micros))
	for _, us := range micros {
		ms := us / 1000
		if n := len(taps); n > 0 && taps[n-1] == ms {
			continue
		}
		taps = append(taps, ms)
	}
	return taps, nil
}
