package audio

import (
	"context"
	"strings"
	"time"
)

const WAVHeaderSize = 44

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]", "bluez",
}

var headphoneKeywords = []string{
	"headphone", "headset", "earphone", "earbud", "in-ear",
	"analog-stereo-headphones", "usb audio headset",
}

var carKeywords = []string{
	"carplay", "car audio", "car kit", "android auto", "handsfree", "hands-free",
}

func IsBluetooth(name string) bool {
	return containsAny(name, btKeywords)
}

// IsIsolated reports whether an output device keeps playback out of the
// microphone: headphones, Bluetooth or car audio. Built-in speakers are not.
func IsIsolated(name string) bool {
	return IsBluetooth(name) || containsAny(name, headphoneKeywords) || containsAny(name, carKeywords)
}

func containsAny(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type PlaybackConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewPlayback(config PlaybackConfig) (PlaybackDevice, error)
	// OutputDevice returns the current default output device.
	OutputDevice() (DeviceInfo, error)
	Close()
}

// CaptureDevice is a running capture pipeline. SetCallback installs the tap
// that receives PCM; ClearCallback removes it without stopping the device.
type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// PlaybackDevice plays 16-bit little-endian PCM.
type PlaybackDevice interface {
	Start() error
	// Write queues PCM, blocking while the device buffer is full.
	Write(ctx context.Context, pcm []byte) error
	// Drain blocks until everything written has been played.
	Drain(ctx context.Context) error
	// Stop discards queued audio immediately.
	Stop()
	// Played is how much audio has reached the device.
	Played() time.Duration
	Close()
}
