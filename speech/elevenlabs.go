package speech

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-resty/resty/v2"

	"talkmode/audio"
	"talkmode/talkerr"
)

const (
	elevenLabsURL   = "https://api.elevenlabs.io"
	streamReadChunk = 4096
)

type voiceSettings struct {
	Stability       *float64 `json:"stability,omitempty"`
	SimilarityBoost *float64 `json:"similarity_boost,omitempty"`
	Style           *float64 `json:"style,omitempty"`
	UseSpeakerBoost *bool    `json:"use_speaker_boost,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
}

type ttsBody struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	LanguageCode  string         `json:"language_code,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// ElevenLabs streams raw PCM from the text-to-speech endpoint straight into
// a playback device, so speech starts before the whole clip is generated.
type ElevenLabs struct {
	client *resty.Client
	audio  audio.Context
}

func NewElevenLabs(apiKey string, actx audio.Context) *ElevenLabs {
	return newElevenLabs(elevenLabsURL, apiKey, actx)
}

func newElevenLabs(baseURL, apiKey string, actx audio.Context) *ElevenLabs {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("xi-api-key", apiKey).
		SetHeader("Accept", "audio/pcm")
	return &ElevenLabs{client: c, audio: actx}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func body(req Request) ttsBody {
	b := ttsBody{Text: req.Text, ModelID: req.ModelID, LanguageCode: req.Language}
	p := req.Prosody
	if p.Speed != nil || p.Stability != nil || p.Similarity != nil || p.Style != nil || p.SpeakerBoost != nil {
		b.VoiceSettings = &voiceSettings{
			Stability:       p.Stability,
			SimilarityBoost: p.Similarity,
			Style:           p.Style,
			UseSpeakerBoost: p.SpeakerBoost,
			Speed:           p.Speed,
		}
	}
	return b
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req Request) (Result, error) {
	rate, err := SampleRate(req.OutputFormat)
	if err != nil {
		return Result{}, talkerr.Wrap(err, talkerr.CodeSynthesisFailure, "elevenlabs")
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("voiceId", req.VoiceID).
		SetQueryParam("output_format", req.OutputFormat).
		SetBody(body(req)).
		Post("/v1/text-to-speech/{voiceId}/stream")
	if err != nil {
		if ctx.Err() != nil {
			return interruptedAt(0), nil
		}
		return Result{}, talkerr.Wrap(err, talkerr.CodeSynthesisFailure, "elevenlabs request")
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.StatusCode() != 200 {
		msg, _ := io.ReadAll(io.LimitReader(raw, 512))
		return Result{}, talkerr.Newf(talkerr.CodeSynthesisFailure, "elevenlabs %d: %s", resp.StatusCode(), msg)
	}

	pb, err := e.audio.NewPlayback(audio.PlaybackConfig{SampleRate: uint32(rate), Channels: 1})
	if err != nil {
		return Result{}, talkerr.Wrap(err, talkerr.CodeAudioConfiguration, "opening playback")
	}
	defer pb.Close()
	if err := pb.Start(); err != nil {
		return Result{}, talkerr.Wrap(err, talkerr.CodeAudioConfiguration, "starting playback")
	}

	return play(ctx, raw, pb)
}

// play copies 16-bit PCM from r to pb, holding back a trailing odd byte.
func play(ctx context.Context, r io.Reader, pb audio.PlaybackDevice) (Result, error) {
	buf := make([]byte, streamReadChunk)
	var carry []byte
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			carry = append([]byte(nil), chunk[even:]...)
			if err := pb.Write(ctx, chunk[:even]); err != nil {
				if ctx.Err() != nil {
					pb.Stop()
					return interruptedAt(pb.Played().Seconds()), nil
				}
				return Result{}, fmt.Errorf("playback write: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				pb.Stop()
				return interruptedAt(pb.Played().Seconds()), nil
			}
			// Truncated stream: the chain retries on another encoding.
			return Result{}, talkerr.Wrap(readErr, talkerr.CodeSynthesisFailure, "elevenlabs stream")
		}
	}
	if err := pb.Drain(ctx); err != nil {
		pb.Stop()
		if ctx.Err() != nil {
			return interruptedAt(pb.Played().Seconds()), nil
		}
		return Result{}, fmt.Errorf("playback drain: %w", err)
	}
	pb.Stop()
	return Result{Finished: true}, nil
}
