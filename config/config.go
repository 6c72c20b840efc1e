package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "TALKMODE"

type GatewaySettings struct {
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	SessionKey string `mapstructure:"session_key"`
}

type DeepgramSettings struct {
	APIKey   string `mapstructure:"api_key"`
	Language string `mapstructure:"language"`
	Model    string `mapstructure:"model"`
}

type CaptureSettings struct {
	Device     string        `mapstructure:"device"`
	Continuous bool          `mapstructure:"continuous"`
	KeepAlive  bool          `mapstructure:"keep_alive"`
	PTTMax     time.Duration `mapstructure:"ptt_max"`
	LongPress  time.Duration `mapstructure:"long_press"`
	Hotkey     string        `mapstructure:"hotkey"`
	Archive    bool          `mapstructure:"archive"`
	Beep       bool          `mapstructure:"beep"`
}

// Settings is everything read once at startup. The talk section is also
// re-read at runtime through a Source.
type Settings struct {
	Gateway   GatewaySettings  `mapstructure:"gateway"`
	Deepgram  DeepgramSettings `mapstructure:"deepgram"`
	Capture   CaptureSettings  `mapstructure:"capture"`
	Talk      Talk             `mapstructure:"talk"`
	Streaming bool             `mapstructure:"streaming"`
	File      string           `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.url", "ws://127.0.0.1:18789")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.session_key", "main")

	v.SetDefault("deepgram.api_key", "")
	v.SetDefault("deepgram.language", "en")
	v.SetDefault("deepgram.model", "nova-3")

	v.SetDefault("capture.device", "")
	v.SetDefault("capture.continuous", false)
	v.SetDefault("capture.keep_alive", false)
	v.SetDefault("capture.ptt_max", "60s")
	v.SetDefault("capture.long_press", "350ms")
	v.SetDefault("capture.hotkey", "ctrl+shift+space")
	v.SetDefault("capture.archive", false)
	v.SetDefault("capture.beep", true)

	v.SetDefault("talk.voice_id", "")
	v.SetDefault("talk.model_id", "eleven_flash_v2_5")
	v.SetDefault("talk.output_format", "pcm_24000")
	v.SetDefault("talk.api_key", "")
	v.SetDefault("talk.language", "en")
	v.SetDefault("talk.interrupt_on_speech", true)
	v.SetDefault("talk.aliases", map[string]string{})

	v.SetDefault("streaming", true)
}

// DefaultDir is where the config file is looked up when no path is given.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "talkmode")
	}
	return "."
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Provider keys are also honored under their usual names.
	if err := v.BindEnv("deepgram.api_key", envPrefix+"_DEEPGRAM_API_KEY", "DEEPGRAM_API_KEY"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("talk.api_key", envPrefix+"_TALK_API_KEY", "ELEVENLABS_API_KEY"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load reads settings from path (or the default locations when empty) and
// TALKMODE_* environment variables.
func Load(path string) (Settings, error) {
	v, err := newViper(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding config: %w", err)
	}
	s.File = v.ConfigFileUsed()
	s.Talk = s.Talk.normalized()
	if s.Capture.PTTMax <= 0 {
		return Settings{}, fmt.Errorf("capture.ptt_max must be positive, got %s", s.Capture.PTTMax)
	}
	return s, nil
}
