package transcriber

import (
	"context"
)

const (
	deepgramListenURL = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
)

type Deepgram struct {
	apiKey string
	url    string
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{apiKey: apiKey, url: deepgramListenURL}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return newStreamSession(ctx, func(ctx context.Context) (rawStreamSession, error) {
		return d.startStream(ctx, cfg)
	}), nil
}
