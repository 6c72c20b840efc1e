package audio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

var ErrPickerCancelled = errors.New("microphone selection cancelled")

type pickerAction int

const (
	pickerNone pickerAction = iota
	pickerMove
	pickerConfirm
	pickerCancel
)

// pickerKey applies one keypress to the cursor.
func pickerKey(key []byte, cursor, n int) (int, pickerAction) {
	switch {
	case len(key) == 1 && key[0] == '\r':
		return cursor, pickerConfirm
	case len(key) == 1 && (key[0] == 3 || key[0] == 'q'):
		return cursor, pickerCancel
	case len(key) == 1 && key[0] == 'j',
		len(key) == 3 && key[0] == 0x1b && key[1] == '[' && key[2] == 'B':
		if cursor < n-1 {
			return cursor + 1, pickerMove
		}
	case len(key) == 1 && key[0] == 'k',
		len(key) == 3 && key[0] == 0x1b && key[1] == '[' && key[2] == 'A':
		if cursor > 0 {
			return cursor - 1, pickerMove
		}
	}
	return cursor, pickerNone
}

// deviceLabel marks microphones that make a poor talk-mode input.
func deviceLabel(d DeviceInfo, current string) string {
	label := d.Name
	if d.Name == current {
		label += " (current)"
	}
	if IsBluetooth(d.Name) {
		label += " \x1b[33m[headset profile: low quality, mutes playback]\x1b[0m"
	}
	return label
}

// SelectDevice lets the user pick a microphone in raw terminal mode. The
// cursor starts on current when it is in the list. A single device is
// returned without prompting.
func SelectDevice(ctx Context, current string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, fmt.Errorf("no capture devices found")
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	for i, d := range devices {
		if d.Name == current {
			cursor = i
		}
	}
	render := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Microphone for talk mode (↑/↓ or j/k, Enter to use, q to keep the default):\r\n\r\n")
		for i, d := range devices {
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s\x1b[0m\r\n", deviceLabel(d, current))
			} else {
				fmt.Printf("    %s\r\n", deviceLabel(d, current))
			}
		}
	}
	render()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		var action pickerAction
		cursor, action = pickerKey(buf[:n], cursor, len(devices))
		switch action {
		case pickerConfirm:
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case pickerCancel:
			fmt.Print("\r\n")
			return nil, ErrPickerCancelled
		case pickerMove:
			fmt.Printf("\x1b[%dA", len(devices)+2)
			render()
		}
	}
}
