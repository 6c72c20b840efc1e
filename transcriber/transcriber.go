package transcriber

import (
	"context"
	"fmt"
)

// Update is the recognizer's best text so far. Final is set when the engine
// has committed the newest words and will not revise them.
type Update struct {
	Text  string
	Final bool
}

type SessionConfig struct {
	Language string
	Model    string
}

type StreamStats struct {
	ConnectMs    float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	CommitEvents int
	FinalizeMs   float64
	TotalMs      float64
	AudioS       float64
}

type SessionResult struct {
	Text     string
	NoSpeech bool
	Stream   *StreamStats // nil when the session never connected
}

// Session is one recognition pass over a capture cycle. Feed appends audio,
// Finish flushes and waits for the engine's last word, Cancel drops
// everything. Updates is closed once the session ends either way.
type Session interface {
	Feed(pcm []byte)
	Updates() <-chan Update
	Errors() <-chan error
	Finish() (SessionResult, error)
	Cancel()
}

type Transcriber interface {
	Name() string
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// New returns the streaming Deepgram recognizer.
func New(apiKey string) (Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("set DEEPGRAM_API_KEY or deepgram.api_key in the config file")
	}
	return NewDeepgram(apiKey), nil
}
