package config

import (
	"strings"

	"talkmode/talkerr"
)

// Talk is the voice configuration the session re-reads while running.
type Talk struct {
	VoiceID           string            `mapstructure:"voice_id"`
	ModelID           string            `mapstructure:"model_id"`
	OutputFormat      string            `mapstructure:"output_format"`
	APIKey            string            `mapstructure:"api_key"`
	Language          string            `mapstructure:"language"`
	Aliases           map[string]string `mapstructure:"aliases"`
	InterruptOnSpeech bool              `mapstructure:"interrupt_on_speech"`
}

func (t Talk) normalized() Talk {
	aliases := make(map[string]string, len(t.Aliases))
	for k, v := range t.Aliases {
		aliases[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	t.Aliases = aliases
	return t
}

// ResolveVoice maps a voice name or id to an id. Empty input yields the
// default voice. Aliases match case-insensitively; anything that looks like
// a provider voice id passes through. Unknown names return the default voice
// along with an UnknownVoiceAlias error.
func (t Talk) ResolveVoice(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return t.VoiceID, nil
	}
	if id, ok := t.Aliases[strings.ToLower(name)]; ok {
		return id, nil
	}
	for k, id := range t.Aliases {
		if strings.EqualFold(k, name) {
			return id, nil
		}
	}
	if looksLikeVoiceID(name) {
		return name, nil
	}
	return t.VoiceID, talkerr.Newf(talkerr.CodeUnknownVoiceAlias, "unknown voice %q", name)
}

// Provider voice ids are 20 character alphanumeric tokens.
func looksLikeVoiceID(s string) bool {
	if len(s) != 20 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
