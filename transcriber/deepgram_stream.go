package transcriber

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"talkmode/audio"
)

type deepgramStreamResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStreamSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (d *Deepgram) listenURL(cfg SessionConfig) (string, error) {
	endpoint, err := url.Parse(d.url)
	if err != nil {
		return "", err
	}
	q := endpoint.Query()
	q.Set("model", cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	q.Set("channels", strconv.Itoa(audio.Channels))
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

func (d *Deepgram) startStream(ctx context.Context, cfg SessionConfig) (rawStreamSession, error) {
	u, err := d.listenURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(streamCtx, u, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, err
	}

	return &deepgramStreamSession{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

func (s *deepgramStreamSession) Send(pcm []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

func (s *deepgramStreamSession) CloseSend() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

func (s *deepgramStreamSession) Recv() (streamUpdate, error) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return streamUpdate{}, err
		}

		var resp deepgramStreamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return streamUpdate{}, err
		}
		// Metadata, SpeechStarted and UtteranceEnd frames carry no text.
		if resp.Type != "" && resp.Type != "Results" {
			continue
		}

		transcript := ""
		if len(resp.Channel.Alternatives) > 0 {
			transcript = resp.Channel.Alternatives[0].Transcript
		}

		return streamUpdate{
			Transcript:   strings.TrimSpace(transcript),
			IsFinal:      resp.IsFinal,
			SpeechFinal:  resp.SpeechFinal,
			FromFinalize: resp.FromFinalize,
		}, nil
	}
}

func (s *deepgramStreamSession) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
