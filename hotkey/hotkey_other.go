//go:build !linux

package hotkey

import (
	"fmt"

	"golang.design/x/hotkey"
)

type xHotkey struct {
	hk      *hotkey.Hotkey
	keydown chan struct{}
	keyup   chan struct{}
	done    chan struct{}
}

func New(chord Chord) (Hotkey, error) {
	mods, key, err := translate(chord)
	if err != nil {
		return nil, err
	}
	return &xHotkey{
		hk:      hotkey.New(mods, key),
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

func translate(c Chord) ([]hotkey.Modifier, hotkey.Key, error) {
	if c.Alt {
		return nil, 0, fmt.Errorf("alt chords are only supported on linux")
	}
	var mods []hotkey.Modifier
	if c.Ctrl {
		mods = append(mods, hotkey.ModCtrl)
	}
	if c.Shift {
		mods = append(mods, hotkey.ModShift)
	}
	if c.Key == "space" {
		return mods, hotkey.KeySpace, nil
	}
	if n, ok := functionKey(c.Key); ok {
		fkeys := []hotkey.Key{
			hotkey.KeyF1, hotkey.KeyF2, hotkey.KeyF3, hotkey.KeyF4, hotkey.KeyF5, hotkey.KeyF6,
			hotkey.KeyF7, hotkey.KeyF8, hotkey.KeyF9, hotkey.KeyF10, hotkey.KeyF11, hotkey.KeyF12,
		}
		return mods, fkeys[n-1], nil
	}
	letters := []hotkey.Key{
		hotkey.KeyA, hotkey.KeyB, hotkey.KeyC, hotkey.KeyD, hotkey.KeyE, hotkey.KeyF, hotkey.KeyG,
		hotkey.KeyH, hotkey.KeyI, hotkey.KeyJ, hotkey.KeyK, hotkey.KeyL, hotkey.KeyM, hotkey.KeyN,
		hotkey.KeyO, hotkey.KeyP, hotkey.KeyQ, hotkey.KeyR, hotkey.KeyS, hotkey.KeyT, hotkey.KeyU,
		hotkey.KeyV, hotkey.KeyW, hotkey.KeyX, hotkey.KeyY, hotkey.KeyZ,
	}
	return mods, letters[c.Key[0]-'a'], nil
}

func (h *xHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	go h.forward(h.hk.Keydown(), h.keydown)
	go h.forward(h.hk.Keyup(), h.keyup)
	return nil
}

func (h *xHotkey) forward(in <-chan hotkey.Event, out chan struct{}) {
	for {
		select {
		case <-h.done:
			return
		case <-in:
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}

func (h *xHotkey) Unregister() {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	h.hk.Unregister()
}

func (h *xHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *xHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func Diagnose(chord Chord) (string, error) {
	if _, _, err := translate(chord); err != nil {
		return "", err
	}
	return fmt.Sprintf("hotkey support available (%s)", chord), nil
}
