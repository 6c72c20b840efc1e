//go:build !linux

package audio

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) OutputDevice() (DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Playback)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("malgo playback devices: %w", err)
	}
	for _, d := range devices {
		if d.IsDefault != 0 {
			return DeviceInfo{ID: hex.EncodeToString(d.ID.Pointer()[:]), Name: d.Name()}, nil
		}
	}
	if len(devices) > 0 {
		return DeviceInfo{ID: hex.EncodeToString(devices[0].ID.Pointer()[:]), Name: devices[0].Name()}, nil
	}
	return DeviceInfo{}, fmt.Errorf("no playback devices found")
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	c := &malgoCapture{device: device}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			if cb := c.callback.Load(); cb != nil {
				(*cb)(data, frameCount)
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	c.dev = dev
	return c, nil
}

func (m *malgoContext) NewPlayback(config PlaybackConfig) (PlaybackDevice, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	p := &malgoPlayback{buf: newPCMBuffer(config)}
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			p.buf.read(out)
		},
	}
	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	p.dev = dev
	return p, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	dev      *malgo.Device
	device   *DeviceInfo
	callback atomic.Pointer[DataCallback]
}

func (c *malgoCapture) Start() error {
	return c.dev.Start()
}

func (c *malgoCapture) Stop() {
	c.dev.Stop()
}

func (c *malgoCapture) Close() {
	c.dev.Uninit()
}

func (c *malgoCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *malgoCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *malgoCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}

type malgoPlayback struct {
	dev *malgo.Device
	buf *pcmBuffer
}

func (p *malgoPlayback) Start() error { return p.dev.Start() }

func (p *malgoPlayback) Write(ctx context.Context, pcm []byte) error {
	return p.buf.write(ctx, pcm)
}

func (p *malgoPlayback) Drain(ctx context.Context) error {
	return p.buf.drain(ctx)
}

func (p *malgoPlayback) Stop() {
	p.buf.reset()
}

func (p *malgoPlayback) Played() time.Duration { return p.buf.playedDuration() }

func (p *malgoPlayback) Close() {
	p.dev.Stop()
	p.dev.Uninit()
}
