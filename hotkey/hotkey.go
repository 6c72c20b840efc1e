package hotkey

import (
	"fmt"
	"strings"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// DefaultChord is the push-to-talk key used when none is configured.
const DefaultChord = "ctrl+shift+space"

// Chord is a key plus the modifiers that must be held with it.
type Chord struct {
	Ctrl  bool
	Shift bool
	Alt   bool
	Key   string // "space", "a".."z" or "f1".."f12"
}

func (c Chord) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "ctrl")
	}
	if c.Shift {
		parts = append(parts, "shift")
	}
	if c.Alt {
		parts = append(parts, "alt")
	}
	return strings.Join(append(parts, c.Key), "+")
}

// ParseChord reads chords like "ctrl+shift+space" or "alt+f9".
func ParseChord(s string) (Chord, error) {
	var c Chord
	fields := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if i == len(fields)-1 {
			if !validKey(f) {
				return Chord{}, fmt.Errorf("unsupported key %q in chord %q", f, s)
			}
			c.Key = f
			break
		}
		switch f {
		case "ctrl", "control":
			c.Ctrl = true
		case "shift":
			c.Shift = true
		case "alt", "option":
			c.Alt = true
		default:
			return Chord{}, fmt.Errorf("unknown modifier %q in chord %q", f, s)
		}
	}
	if !c.Ctrl && !c.Shift && !c.Alt {
		return Chord{}, fmt.Errorf("chord %q needs at least one modifier", s)
	}
	return c, nil
}

func validKey(k string) bool {
	if k == "space" {
		return true
	}
	if len(k) == 1 && k[0] >= 'a' && k[0] <= 'z' {
		return true
	}
	_, ok := functionKey(k)
	return ok
}

// functionKey returns n for "fN" with 1 <= n <= 12.
func functionKey(k string) (int, bool) {
	if len(k) < 2 || k[0] != 'f' {
		return 0, false
	}
	n := 0
	for _, r := range k[1:] {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, n >= 1 && n <= 12
}
