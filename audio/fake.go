package audio

import (
	"context"
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext replays PCM as microphone input and records playback. With no
// PCM the capture only delivers audio pushed through FakeCapture.Emit.
type FakeContext struct {
	pcm      []byte
	realtime bool
	output   string

	mu        sync.Mutex
	captures  []*FakeCapture
	playbacks []*FakePlayback
}

func NewFakeContext(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime, output: "Built-in Speakers"}
}

func NewFakeContextFromWAV(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return NewFakeContext(data, realtime), nil
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

// SetOutput changes the name reported by OutputDevice.
func (f *FakeContext) SetOutput(name string) {
	f.mu.Lock()
	f.output = name
	f.mu.Unlock()
}

func (f *FakeContext) OutputDevice() (DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return DeviceInfo{ID: "fake-out", Name: f.output}, nil
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	c := &FakeCapture{pcm: f.pcm, realtime: f.realtime, drained: make(chan struct{})}
	f.mu.Lock()
	f.captures = append(f.captures, c)
	f.mu.Unlock()
	return c, nil
}

func (f *FakeContext) NewPlayback(cfg PlaybackConfig) (PlaybackDevice, error) {
	p := &FakePlayback{cfg: cfg}
	f.mu.Lock()
	f.playbacks = append(f.playbacks, p)
	f.mu.Unlock()
	return p, nil
}

func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

func (f *FakeContext) Playbacks() []*FakePlayback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePlayback(nil), f.playbacks...)
}

type FakeCapture struct {
	pcm      []byte
	realtime bool

	mu       sync.Mutex
	cb       DataCallback
	running  bool
	starts   int
	stopCh   chan struct{}
	feedDone chan struct{}

	drained     chan struct{}
	drainedOnce sync.Once
}

// AudioDone is closed once the whole replayed clip has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.drained }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

// Running reports whether the pipeline is started.
func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Tapped reports whether a callback is installed.
func (f *FakeCapture) Tapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb != nil
}

// Starts counts pipeline starts.
func (f *FakeCapture) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Emit delivers pcm through the installed tap if the pipeline is running.
func (f *FakeCapture) Emit(pcm []byte) {
	f.mu.Lock()
	cb := f.cb
	running := f.running
	f.mu.Unlock()
	if cb != nil && running {
		cb(pcm, uint32(len(pcm)/fakeBytesPerFrame))
	}
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	f.running = true
	f.starts++
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	if len(f.pcm) == 0 {
		close(f.feedDone)
		f.drainedOnce.Do(func() { close(f.drained) })
		return nil
	}

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	interval := time.Millisecond
	if f.realtime {
		interval = time.Duration(fakeFrameSize) * time.Second / time.Duration(SampleRate)
	}
	stop, done := f.stopCh, f.feedDone
	go func() {
		defer close(done)
		pos := 0
		silence := make([]byte, chunkBytes)
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}
			chunk := silence
			if pos < len(f.pcm) {
				end := min(pos+chunkBytes, len(f.pcm))
				chunk = append([]byte(nil), f.pcm[pos:end]...)
				pos = end
			}
			f.Emit(chunk)
			if pos >= len(f.pcm) {
				f.drainedOnce.Do(func() { close(f.drained) })
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	done := f.feedDone
	f.mu.Unlock()
	<-done
}

func (f *FakeCapture) Close() { f.Stop() }

// FakePlayback records written PCM. Drain returns immediately.
type FakePlayback struct {
	cfg PlaybackConfig

	mu      sync.Mutex
	data    []byte
	started bool
	stopped bool
	closed  bool
}

func (p *FakePlayback) Start() error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *FakePlayback) Write(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.data = append(p.data, pcm...)
	p.mu.Unlock()
	return nil
}

func (p *FakePlayback) Drain(ctx context.Context) error { return ctx.Err() }

func (p *FakePlayback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *FakePlayback) Played() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	bps := int(p.cfg.SampleRate) * int(max(p.cfg.Channels, 1)) * BitsPerSample / 8
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(len(p.data)) / float64(bps) * float64(time.Second))
}

func (p *FakePlayback) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *FakePlayback) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.data...)
}

func (p *FakePlayback) Config() PlaybackConfig { return p.cfg }

func (p *FakePlayback) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
