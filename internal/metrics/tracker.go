package metrics

import (
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
)

// Stats is a point-in-time reading of a typist's performance.
type Stats struct {
	CharactersTyped int
	WPM             int
	Accuracy        int
	Progress        float64
	Complete        bool
	Elapsed         time.Duration
}

// Tracker derives live stats from a growing transcript against a fixed
// reference text. The WPM clock starts on the first non-empty input,
// not on race start, since typists need reaction time.
type Tracker struct {
	reference  string
	transcript string
	clock      clockwork.Clock
	startedAt  time.Time
}

// NewTracker returns a tracker for one race attempt at the given
// reference text.
func NewTracker(reference string, clock clockwork.Clock) *Tracker {
	return &Tracker{
		reference: reference,
		clock:     clock,
	}
}

// Update records the latest transcript and returns recomputed stats.
// The transcript is capped at the reference length in characters;
// anything past it is dropped. Stats are recomputed on every call, so a
// displayed value always reflects the transcript it was computed from.
func (t *Tracker) Update(transcript string) Stats {
	refLen := utf8.RuneCountInString(t.reference)
	if typed := []rune(transcript); len(typed) > refLen {
		transcript = string(typed[:refLen])
	}
	if t.startedAt.IsZero() && len(transcript) > 0 {
		t.startedAt = t.clock.Now()
	}
	t.transcript = transcript
	return t.Stats()
}

// Stats returns the current reading without changing the transcript.
func (t *Tracker) Stats() Stats {
	var elapsed time.Duration
	if !t.startedAt.IsZero() {
		elapsed = t.clock.Since(t.startedAt)
	}
	return Stats{
		CharactersTyped: utf8.RuneCountInString(t.transcript),
		WPM:             WPM(t.transcript, elapsed),
		Accuracy:        Accuracy(t.transcript, t.reference),
		Progress:        Progress(t.transcript, t.reference),
		Complete:        IsComplete(t.transcript, t.reference),
		Elapsed:         elapsed,
	}
}

// Transcript returns the last recorded transcript.
func (t *Tracker) Transcript() string {
	return t.transcript
}

// Started reports whether the first keystroke has landed.
func (t *Tracker) Started() bool {
	return !t.startedAt.IsZero()
}
