package segmenter

import (
	"encoding/json"
	"strings"
)

// Directive is a voice override an assistant reply may carry as a single JSON
// object on its first line, e.g.
//
//	{"voice":"narrator","speed":1.1,"once":true}
//	The reply text starts here.
type Directive struct {
	VoiceID      string
	ModelID      string
	Language     string
	OutputFormat string
	Prosody      Prosody
	// Once limits the override to the reply that carried it.
	Once bool
}

type Prosody struct {
	Speed        *float64
	Stability    *float64
	Similarity   *float64
	Style        *float64
	SpeakerBoost *bool
}

// ParseDirective splits a leading directive header from text. It returns the
// directive, the header line including its newline, and ok. A text without a
// well-formed header returns ok=false and is treated as plain content.
func ParseDirective(text string) (*Directive, string, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, "", false
	}
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		return nil, "", false
	}
	line := strings.TrimSpace(text[:nl])
	if !strings.HasSuffix(line, "}") {
		return nil, "", false
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, "", false
	}

	d := &Directive{
		VoiceID:      firstString(raw, "voice", "voice_id", "voiceId"),
		ModelID:      firstString(raw, "model", "model_id", "modelId"),
		Language:     firstString(raw, "lang", "language"),
		OutputFormat: firstString(raw, "format", "output_format", "outputFormat"),
		Prosody: Prosody{
			Speed:        firstNumber(raw, "speed", "rate"),
			Stability:    firstNumber(raw, "stability"),
			Similarity:   firstNumber(raw, "similarity", "similarity_boost"),
			Style:        firstNumber(raw, "style"),
			SpeakerBoost: firstBool(raw, "speaker_boost", "speakerBoost"),
		},
	}
	if once := firstBool(raw, "once"); once != nil {
		d.Once = *once
	}
	return d, text[:nl+1], true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return &f
		}
	}
	return nil
}

func firstBool(m map[string]any, keys ...string) *bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return &b
		}
	}
	return nil
}
