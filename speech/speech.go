// Package speech turns text into audible output: a primary streaming
// synthesizer, a retry on an alternate encoding, an on-device fallback, and
// a single-consumer FIFO queue in front of them.
package speech

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"talkmode/audio"
	"talkmode/log"
	"talkmode/talkerr"
)

// Prosody holds optional voice controls; nil means the provider default.
type Prosody struct {
	Speed        *float64
	Stability    *float64
	Similarity   *float64
	Style        *float64
	SpeakerBoost *bool
}

type Request struct {
	Text         string
	VoiceID      string
	ModelID      string
	Language     string
	OutputFormat string // provider format such as "pcm_24000"
	Prosody      Prosody
}

// Result reports how playback ended. InterruptedAt is the playback position
// in seconds when output was cut short by cancellation.
type Result struct {
	Finished      bool
	InterruptedAt *float64
}

func (r Result) Interrupted() bool { return r.InterruptedAt != nil }

func interruptedAt(seconds float64) Result {
	return Result{InterruptedAt: &seconds}
}

type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// Fallback speaks on-device. Cancelling ctx stops it.
type Fallback interface {
	Name() string
	Speak(ctx context.Context, text, language string) error
}

// Speaker is what the queue drives.
type Speaker interface {
	Speak(ctx context.Context, req Request) (Result, error)
}

const (
	DefaultFormat   = "pcm_24000"
	alternateFormat = "pcm_16000"
	secondaryFormat = "pcm_22050"
)

// AlternateFormat is the encoding retried after a primary attempt that
// neither finished nor was interrupted.
func AlternateFormat(format string) string {
	if format == alternateFormat {
		return secondaryFormat
	}
	return alternateFormat
}

// SampleRate parses the rate out of a "pcm_<rate>" format.
func SampleRate(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("unsupported output format %q (want pcm_<rate>)", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad sample rate in output format %q", format)
	}
	return n, nil
}

// Chain tries Primary, then Primary again on an alternate encoding, then
// Fallback. Primary may be nil when no credential is configured.
type Chain struct {
	Primary  Synthesizer
	Fallback Fallback
}

// NewChain builds the usual stack: ElevenLabs when apiKey is set, with the
// system engine behind it when one is installed.
func NewChain(apiKey string, actx audio.Context) *Chain {
	c := &Chain{}
	if apiKey != "" {
		c.Primary = NewElevenLabs(apiKey, actx)
	}
	if sys, err := NewSystem(); err != nil {
		log.Warnf("no fallback speech: %v", err)
	} else {
		c.Fallback = sys
	}
	return c
}

func (c *Chain) Speak(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{Finished: true}, nil
	}
	if req.OutputFormat == "" {
		req.OutputFormat = DefaultFormat
	}

	if c.Primary != nil && req.VoiceID != "" {
		for _, format := range []string{req.OutputFormat, AlternateFormat(req.OutputFormat)} {
			attempt := req
			attempt.OutputFormat = format
			res, err := c.Primary.Synthesize(ctx, attempt)
			log.Synthesis(c.Primary.Name(), format, res.Finished, positionOf(res), err)
			if res.Finished || res.Interrupted() {
				return res, nil
			}
			if ctx.Err() != nil {
				return interruptedAt(0), nil
			}
		}
	}

	if c.Fallback == nil {
		return Result{}, talkerr.New(talkerr.CodeSynthesisFailure, "no speech provider available")
	}
	err := c.Fallback.Speak(ctx, req.Text, req.Language)
	log.Synthesis(c.Fallback.Name(), "", err == nil, 0, err)
	if ctx.Err() != nil {
		return interruptedAt(0), nil
	}
	if err != nil {
		return Result{}, talkerr.Wrap(err, talkerr.CodeSynthesisFailure, c.Fallback.Name())
	}
	return Result{Finished: true}, nil
}

func positionOf(r Result) float64 {
	if r.InterruptedAt == nil {
		return 0
	}
	return *r.InterruptedAt
}
