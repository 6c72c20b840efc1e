package beep

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"talkmode/audio"
	"talkmode/log"
)

const sampleRate = 44100

type Cue int

const (
	// Listen plays when push-to-talk starts capturing.
	Listen Cue = iota
	// Send plays when an utterance is handed to the gateway.
	Send
	// Fail is a low double beep for errors.
	Fail
)

type tone struct {
	freq, duration, volume, decay float64
	repeat                        int
	gap                           float64
}

var tones = map[Cue]tone{
	Listen: {freq: 1200, duration: 0.2, volume: 0.5, decay: 60, repeat: 1},
	Send:   {freq: 900, duration: 0.2, volume: 0.5, decay: 40, repeat: 1},
	Fail:   {freq: 350, duration: 0.08, volume: 0.6, decay: 30, repeat: 2, gap: 0.05},
}

// Player renders cues through an audio context. One cue plays at a time; a
// cue requested while another is playing is dropped.
type Player struct {
	actx     audio.Context
	disabled atomic.Bool
	playing  atomic.Bool

	once    sync.Once
	samples map[Cue][]byte
}

func New(actx audio.Context) *Player {
	return &Player{actx: actx}
}

func (p *Player) Disable() { p.disabled.Store(true) }

func (p *Player) render() {
	p.samples = make(map[Cue][]byte, len(tones))
	for cue, t := range tones {
		p.samples[cue] = t.pcm()
	}
}

// Play renders cue and blocks until it finished playing.
func (p *Player) Play(ctx context.Context, cue Cue) error {
	if p == nil || p.actx == nil || p.disabled.Load() {
		return nil
	}
	p.once.Do(p.render)
	pcm, ok := p.samples[cue]
	if !ok || !p.playing.CompareAndSwap(false, true) {
		return nil
	}
	defer p.playing.Store(false)

	dev, err := p.actx.NewPlayback(audio.PlaybackConfig{SampleRate: sampleRate, Channels: 1})
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := dev.Start(); err != nil {
		return err
	}
	if err := dev.Write(ctx, pcm); err != nil {
		return err
	}
	return dev.Drain(ctx)
}

// Go plays cue in the background.
func (p *Player) Go(cue Cue) {
	go func() {
		if err := p.Play(context.Background(), cue); err != nil {
			log.Warnf("beep: %v", err)
		}
	}()
}

func (t tone) pcm() []byte {
	tick := tick(t.freq, t.duration, t.volume, t.decay)
	gap := make([]int16, int(sampleRate*t.gap))
	var samples []int16
	for i := 0; i < t.repeat; i++ {
		if i > 0 {
			samples = append(samples, gap...)
		}
		samples = append(samples, tick...)
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// tick is a decaying sine. The tail is long enough to fill the output
// buffer so the end of the cue is not clipped.
func tick(freq, duration, volume, decay float64) []int16 {
	n := int(sampleRate * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}
