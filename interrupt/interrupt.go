// Package interrupt decides whether live speech heard during playback is the
// user barging in or the assistant hearing itself through the microphone.
package interrupt

import (
	"strings"
	"time"
)

const (
	DefaultGrace = 1500 * time.Millisecond
	minChars     = 3
)

type Decision int

const (
	Allow Decision = iota
	NotPlaying
	NotIsolated
	InGrace
	Echo
	TooShort
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case NotPlaying:
		return "not_playing"
	case NotIsolated:
		return "not_isolated"
	case InGrace:
		return "grace"
	case Echo:
		return "echo"
	case TooShort:
		return "too_short"
	default:
		return "unknown"
	}
}

// Arbiter tracks what the assistant has said during the current output cycle
// and rules on barge-in. It is owned by the session coordinator.
type Arbiter struct {
	Grace time.Duration

	playing   bool
	startedAt time.Time
	spoken    strings.Builder
	latest    string
}

func New() *Arbiter {
	return &Arbiter{Grace: DefaultGrace}
}

// Start opens an output cycle. Spoken text from the previous cycle is dropped.
func (a *Arbiter) Start(now time.Time) {
	a.playing = true
	a.startedAt = now
	a.spoken.Reset()
	a.latest = ""
}

// Spoke records a segment handed to the speaker in this cycle.
func (a *Arbiter) Spoke(segment string) {
	if a.spoken.Len() > 0 {
		a.spoken.WriteByte(' ')
	}
	a.spoken.WriteString(segment)
	a.latest = segment
}

// Stop closes the output cycle.
func (a *Arbiter) Stop() {
	a.playing = false
}

func (a *Arbiter) Playing() bool { return a.playing }

// Elapsed is the playback time since Start.
func (a *Arbiter) Elapsed(now time.Time) time.Duration {
	if a.startedAt.IsZero() {
		return 0
	}
	return now.Sub(a.startedAt)
}

// Evaluate applies the barge-in rules in order to a live partial transcript.
// isolated reports whether the output device keeps playback out of the
// microphone (headphones, Bluetooth, car audio).
func (a *Arbiter) Evaluate(transcript string, isolated bool, now time.Time) Decision {
	if !a.playing {
		return NotPlaying
	}
	if !isolated {
		return NotIsolated
	}
	if now.Sub(a.startedAt) < a.Grace {
		return InGrace
	}
	heard := Normalize(transcript)
	if heard != "" {
		if strings.Contains(Normalize(a.spoken.String()), heard) ||
			strings.Contains(Normalize(a.latest), heard) {
			return Echo
		}
	}
	if len([]rune(heard)) < minChars {
		return TooShort
	}
	return Allow
}

var contractions = strings.NewReplacer(
	"all right", "alright",
	"gonna", "going to",
	"wanna", "want to",
	"gotta", "got to",
)

// Normalize lowercases s, collapses whitespace and canonicalizes common
// spoken contractions so recognizer output compares against reply text.
func Normalize(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return contractions.Replace(s)
}
