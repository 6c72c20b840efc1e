//go:build linux

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		devices = append(devices, DeviceInfo{
			ID:   s.ID(),
			Name: s.Name(),
		})
	}
	return devices, nil
}

func (p *pulseContext) OutputDevice() (DeviceInfo, error) {
	sink, err := p.client.DefaultSink()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("pulse default sink: %w", err)
	}
	return DeviceInfo{ID: sink.ID(), Name: sink.Name()}, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	return &pulseCapture{
		client: p.client,
		device: device,
		config: config,
	}, nil
}

func (p *pulseContext) NewPlayback(config PlaybackConfig) (PlaybackDevice, error) {
	pb := &pulsePlayback{buf: newPCMBuffer(config)}
	var scratch []byte
	reader := pulse.Int16Reader(func(out []int16) (int, error) {
		if cap(scratch) < len(out)*2 {
			scratch = make([]byte, len(out)*2)
		}
		raw := scratch[:len(out)*2]
		pb.buf.read(raw)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return len(out), nil
	})

	opts := []pulse.PlaybackOption{
		pulse.PlaybackSampleRate(int(config.SampleRate)),
		pulse.PlaybackLatency(0.1),
	}
	if config.Channels == 1 {
		opts = append(opts, pulse.PlaybackMono)
	} else {
		opts = append(opts, pulse.PlaybackStereo)
	}
	stream, err := p.client.NewPlayback(reader, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse playback: %w", err)
	}
	pb.stream = stream
	return pb, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client   *pulse.Client
	device   *DeviceInfo
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]

	stream *pulse.RecordStream
	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	const gain = 8

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			amplified := int32(s) * gain
			if amplified > 32767 {
				amplified = 32767
			} else if amplified < -32768 {
				amplified = -32768
			}
			binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(amplified)))
		}
		(*cb)(data, uint32(len(buf)))
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			vol := uint32(proto.VolumeNorm) * 3
			r.ChannelVolumes = proto.ChannelVolumes{vol}
		}),
	}
	if c.device != nil {
		source, err := c.client.SourceByID(c.device.ID)
		if err == nil && source != nil {
			opts = append(opts, pulse.RecordSource(source))
		}
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		stream.Start()
		<-c.stop
		stream.Stop()
		stream.Close()
	}()

	return nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *pulseCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}

type pulsePlayback struct {
	stream *pulse.PlaybackStream
	buf    *pcmBuffer
}

func (p *pulsePlayback) Start() error {
	p.stream.Start()
	return nil
}

func (p *pulsePlayback) Write(ctx context.Context, pcm []byte) error {
	return p.buf.write(ctx, pcm)
}

func (p *pulsePlayback) Drain(ctx context.Context) error {
	return p.buf.drain(ctx)
}

func (p *pulsePlayback) Stop() {
	p.buf.reset()
}

func (p *pulsePlayback) Played() time.Duration { return p.buf.playedDuration() }

func (p *pulsePlayback) Close() {
	p.stream.Stop()
	p.stream.Close()
}
