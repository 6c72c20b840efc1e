package speech

import (
	"context"
	"sync"
	"time"
)

// Step is a scripted synthesizer outcome.
type Step struct {
	Result Result
	Err    error
}

// FakeSynthesizer "plays" each request for Duration. Script may override
// the outcome of a call by returning a non-nil Step; otherwise an
// uncancelled call finishes and a cancelled one reports where it was cut off.
type FakeSynthesizer struct {
	Duration time.Duration
	Script   func(call int, req Request) *Step

	mu    sync.Mutex
	calls []Request
}

func (f *FakeSynthesizer) Name() string { return "fake" }

func (f *FakeSynthesizer) Synthesize(ctx context.Context, req Request) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	f.mu.Unlock()

	if f.Script != nil {
		if step := f.Script(call, req); step != nil {
			return step.Result, step.Err
		}
	}
	start := time.Now()
	select {
	case <-time.After(f.Duration):
		return Result{Finished: true}, nil
	case <-ctx.Done():
		return interruptedAt(time.Since(start).Seconds()), nil
	}
}

func (f *FakeSynthesizer) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

// Texts lists the text of every call in order.
func (f *FakeSynthesizer) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Text
	}
	return out
}

type FakeFallback struct {
	Err error

	mu    sync.Mutex
	texts []string
}

func (f *FakeFallback) Name() string { return "fake-system" }

func (f *FakeFallback) Speak(ctx context.Context, text, _ string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Err
}

func (f *FakeFallback) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// SpeakerFunc adapts a function to Speaker.
type SpeakerFunc func(ctx context.Context, req Request) (Result, error)

func (f SpeakerFunc) Speak(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }
