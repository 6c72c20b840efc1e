package audio

import (
	"context"
	"sync"
	"time"
)

// pcmBuffer sits between a blocking writer and a device callback that pulls
// fixed-size chunks. Underruns are filled with silence.
type pcmBuffer struct {
	mu       sync.Mutex
	data     []byte
	max      int
	played   uint64
	draining bool

	space   chan struct{}
	drained chan struct{}

	bytesPerSecond int
}

func newPCMBuffer(cfg PlaybackConfig) *pcmBuffer {
	bps := int(cfg.SampleRate) * int(cfg.Channels) * BitsPerSample / 8
	return &pcmBuffer{
		max:            bps / 2, // 500ms
		space:          make(chan struct{}, 1),
		drained:        make(chan struct{}, 1),
		bytesPerSecond: bps,
	}
}

func (b *pcmBuffer) write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		b.mu.Lock()
		n := min(b.max-len(b.data), len(p))
		if n > 0 {
			b.data = append(b.data, p[:n]...)
			p = p[n:]
		}
		b.mu.Unlock()
		if len(p) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.space:
		}
	}
	return nil
}

// read fills out from the buffer and pads with silence.
func (b *pcmBuffer) read(out []byte) {
	b.mu.Lock()
	n := copy(out, b.data)
	b.data = b.data[n:]
	b.played += uint64(n)
	empty := len(b.data) == 0
	draining := b.draining
	b.mu.Unlock()

	clear(out[n:])

	select {
	case b.space <- struct{}{}:
	default:
	}
	if empty && draining {
		select {
		case b.drained <- struct{}{}:
		default:
		}
	}
}

func (b *pcmBuffer) drain(ctx context.Context) error {
	b.mu.Lock()
	if len(b.data) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.draining = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.drained:
			b.mu.Lock()
			empty := len(b.data) == 0
			b.mu.Unlock()
			if empty {
				return nil
			}
		}
	}
}

func (b *pcmBuffer) reset() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
	select {
	case b.space <- struct{}{}:
	default:
	}
}

func (b *pcmBuffer) playedDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(b.played) * time.Second / time.Duration(b.bytesPerSecond)
}
