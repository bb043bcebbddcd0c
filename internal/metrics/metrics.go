package metrics

import (
	"math"
	"time"
	"unicode/utf8"
)

// Accuracy returns the rounded percentage of typed characters that
// match the reference text at the same position. Characters are runes,
// so multi-byte text is scored per character, not per byte. An empty
// transcript is 0, not a division by zero. Reference characters past
// the end of the transcript are not counted against the typist.
func Accuracy(transcript, reference string) int {
	typed := []rune(transcript)
	if len(typed) == 0 {
		return 0
	}
	ref := []rune(reference)
	matches := 0
	for i := 0; i < len(typed) && i < len(ref); i++ {
		if typed[i] == ref[i] {
			matches++
		}
	}
	return int(math.Round(float64(matches) / float64(len(typed)) * 100))
}

// WPM converts a transcript and elapsed time into words per minute
// using the five-characters-per-word convention. Zero or negative
// elapsed time yields 0 rather than a NaN or Inf from the division.
func WPM(transcript string, elapsed time.Duration) int {
	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return 0
	}
	words := float64(utf8.RuneCountInString(transcript)) / 5
	wpm := words / minutes
	if math.IsNaN(wpm) || math.IsInf(wpm, 0) || wpm < 0 {
		return 0
	}
	return int(math.Round(wpm))
}

// IsComplete reports whether the transcript covers the full reference
// text. The typing surface is length-capped by the caller, so equal
// character count means done.
func IsComplete(transcript, reference string) bool {
	return utf8.RuneCountInString(transcript) == utf8.RuneCountInString(reference)
}

// Progress returns the percentage of the reference text covered by the
// transcript, in [0, 100].
func Progress(transcript, reference string) float64 {
	refLen := utf8.RuneCountInString(reference)
	if refLen == 0 {
		return 0
	}
	pct := float64(utf8.RuneCountInString(transcript)) / float64(refLen) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
