package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	diagLog    zerolog.Logger
	diagWriter *lumberjack.Logger
	convFile   *os.File
	logMu      sync.Mutex
	logReady   bool
	pid        int
	dir        string
)

const (
	diagFileName = "diagnostics_log.txt"
	convFileName = "conversation_log.txt"
	diagMaxMB    = 10
	diagBackups  = 3
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: TALKMODE_LOG_PATH environment variable
	if envPath := os.Getenv("TALKMODE_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	convFile, err = os.OpenFile(filepath.Join(dir, convFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	diagWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, diagFileName),
		MaxSize:    diagMaxMB,
		MaxBackups: diagBackups,
	}
	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagWriter,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagWriter != nil {
		diagWriter.Close()
		diagWriter = nil
	}
	if convFile != nil {
		convFile.Close()
		convFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Conversation appends one line to conversation_log.txt.
// role is "user" or "assistant".
func Conversation(role, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if convFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, role, text)
	convFile.WriteString(line)
}

func SessionStart(gateway, recognizer, synthesizer string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("gateway", gateway).
		Str("recognizer", recognizer).
		Str("synthesizer", synthesizer).
		Msg("session_start")
}

func SessionEnd(turns int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("turns", turns).
		Msg("session_end")
}

func CaptureBegin(captureID, mode string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("capture_id", captureID).
		Str("mode", mode).
		Msg("capture_begin")
}

func CaptureEnd(captureID, status string, transcriptLen int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("capture_id", captureID).
		Str("status", status).
		Int("transcript_len", transcriptLen).
		Msg("capture_end")
}

func NoiseFloor(floor, threshold float64, samples int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("floor", floor).
		Float64("threshold", threshold).
		Int("samples", samples).
		Msg("noise_floor")
}

func TurnStart(runID string, utteranceLen int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("run_id", runID).
		Int("utterance_len", utteranceLen).
		Msg("turn_start")
}

type TurnMetrics struct {
	RunID       string
	Completion  string
	Outcome     string
	Segments    int
	FollowUps   int
	WaitMs      float64
	FetchMs     float64
	TotalMs     float64
	Interrupted bool
}

func TurnEnd(m TurnMetrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("run_id", m.RunID).
		Str("completion", m.Completion).
		Str("outcome", m.Outcome).
		Int("segments", m.Segments).
		Int("follow_ups", m.FollowUps).
		Float64("wait_ms", m.WaitMs).
		Float64("fetch_ms", m.FetchMs).
		Float64("total_ms", m.TotalMs).
		Bool("interrupted", m.Interrupted).
		Msg("turn_end")
}

func Interrupt(transcript string, elapsedS, bleed float64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("transcript", transcript).
		Float64("elapsed_s", elapsedS).
		Float64("bleed", bleed).
		Msg("interrupt")
}

func Synthesis(provider, format string, finished bool, interruptedAt float64, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Err(err)
	}
	ev.Str("provider", provider).
		Str("format", format).
		Bool("finished", finished).
		Float64("interrupted_at_s", interruptedAt).
		Msg("synthesis")
}

func GatewayState(url string, connected bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("url", url).
		Bool("connected", connected).
		Msg("gateway_state")
}

func RecognitionRestart(attempt int, err error) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Err(err).
		Int("attempt", attempt).
		Msg("recognition_restart")
}

type StreamMetricsData struct {
	ConnectMs    float64
	FinalizeMs   float64
	TotalMs      float64
	AudioS       float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Int("recv_interim", m.RecvInterim).
		Msg("stream_transcription")
}
