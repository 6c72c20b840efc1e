//go:build linux

package hotkey

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	evKey      = 1
	keyPress   = 1
	keyRelease = 0
	keyLCtrl   = 29
	keyRCtrl   = 97
	keyLShift  = 42
	keyRShift  = 54
	keyLAlt    = 56
	keyRAlt    = 100
	keySpace   = 57
)

const inputEventSize = 24

// evdev codes follow the physical QWERTY rows.
var letterCodes = map[byte]uint16{
	'q': 16, 'w': 17, 'e': 18, 'r': 19, 't': 20, 'y': 21, 'u': 22, 'i': 23, 'o': 24, 'p': 25,
	'a': 30, 's': 31, 'd': 32, 'f': 33, 'g': 34, 'h': 35, 'j': 36, 'k': 37, 'l': 38,
	'z': 44, 'x': 45, 'c': 46, 'v': 47, 'b': 48, 'n': 49, 'm': 50,
}

func keyCode(k string) uint16 {
	if k == "space" {
		return keySpace
	}
	if n, ok := functionKey(k); ok {
		switch {
		case n <= 10:
			return uint16(58 + n)
		case n == 11:
			return 87
		default:
			return 88
		}
	}
	return letterCodes[k[0]]
}

type linuxHotkey struct {
	chord   Chord
	code    uint16
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

// New reads the chord straight from /dev/input, which needs the user to be in
// the input group but works under both X11 and Wayland.
func New(chord Chord) (Hotkey, error) {
	return &linuxHotkey{
		chord:   chord,
		code:    keyCode(chord.Key),
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}, nil
}

func (h *linuxHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	h.stop = make(chan struct{})

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f)
	}

	if len(h.files) == 0 {
		return fmt.Errorf("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
	}

	return nil
}

func (h *linuxHotkey) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var ctrlHeld, shiftHeld, altHeld, keyHeld bool

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		n, err := f.Read(buf)
		if err != nil {
			return
		}

		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			evType := binary.LittleEndian.Uint16(buf[i+16:])
			evCode := binary.LittleEndian.Uint16(buf[i+18:])
			evValue := int32(binary.LittleEndian.Uint32(buf[i+20:]))

			if evType != evKey {
				continue
			}

			pressed := evValue == keyPress
			released := evValue == keyRelease

			switch evCode {
			case keyLCtrl, keyRCtrl:
				ctrlHeld = pressed || (!released && ctrlHeld)
			case keyLShift, keyRShift:
				shiftHeld = pressed || (!released && shiftHeld)
			case keyLAlt, keyRAlt:
				altHeld = pressed || (!released && altHeld)
			case h.code:
				if pressed && !keyHeld && h.modifiersHeld(ctrlHeld, shiftHeld, altHeld) {
					keyHeld = true
					notify(h.keydown)
				} else if released && keyHeld {
					keyHeld = false
					notify(h.keyup)
				}
			}
		}
	}
}

func (h *linuxHotkey) modifiersHeld(ctrl, shift, alt bool) bool {
	return (!h.chord.Ctrl || ctrl) && (!h.chord.Shift || shift) && (!h.chord.Alt || alt)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *linuxHotkey) Unregister() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *linuxHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *linuxHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}

	var keyboards []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		if isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

func isKeyboard(eventName string) bool {
	capsPath := filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key")
	data, err := os.ReadFile(capsPath)
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}

// Diagnose reports whether the push-to-talk chord can be read.
func Diagnose(chord Chord) (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err == nil {
			f.Close()
			return fmt.Sprintf("%s via %s (%d keyboard(s))", chord, path, len(keyboards)), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
}
