//go:build integration

package test_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var testBinary string

func TestMain(m *testing.M) {
	testBinary = os.Getenv("TALKMODE_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "TALKMODE_TEST_BIN not set; point it at a built talkmode binary")
		os.Exit(1)
	}

	silencePath := filepath.Join("data", "silence.wav")
	if err := os.MkdirAll("data", 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	if err := generateSilenceWAV(silencePath, 16000, 1.0); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate silence.wav: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	os.Remove(silencePath)
	os.Exit(code)
}

func generateSilenceWAV(path string, sampleRate int, durationS float64) error {
	const headerSize = 44
	numSamples := int(float64(sampleRate) * durationS)
	dataSize := numSamples * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	return os.WriteFile(path, buf, 0644)
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

// isolatedEnv drops every TALKMODE_* and provider variable from the
// environment, then adds extra.
func isolatedEnv(extra ...string) []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "TALKMODE_") || strings.HasPrefix(kv, "DEEPGRAM_") || strings.HasPrefix(kv, "ELEVENLABS_") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}

type run struct {
	out    string
	err    error
	logDir string
}

func runTalkmode(t *testing.T, env []string, stdin string, args ...string) run {
	t.Helper()
	logDir := t.TempDir()
	cmdArgs := append([]string{"-logpath", logDir, "-config", writeConfig(t)}, args...)

	cmd := exec.Command(testBinary, cmdArgs...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = env

	out, err := cmd.CombinedOutput()
	return run{out: string(out), err: err, logDir: logDir}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  beep: false\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func requireLive(t *testing.T) []string {
	t.Helper()
	key := os.Getenv("DEEPGRAM_API_KEY")
	url := os.Getenv("TALKMODE_GATEWAY_URL")
	if key == "" || url == "" {
		t.Skip("DEEPGRAM_API_KEY and TALKMODE_GATEWAY_URL required")
	}
	return isolatedEnv("DEEPGRAM_API_KEY="+key, "TALKMODE_GATEWAY_URL="+url, "TALKMODE_GATEWAY_TOKEN="+os.Getenv("TALKMODE_GATEWAY_TOKEN"))
}

func TestVersion(t *testing.T) {
	r := runTalkmode(t, isolatedEnv(), "", "-version")
	if r.err != nil {
		t.Fatalf("exit: %v\n%s", r.err, r.out)
	}
	if !strings.HasPrefix(r.out, "talkmode ") {
		t.Errorf("unexpected version output %q", r.out)
	}
}

func TestMissingRecognizerKey(t *testing.T) {
	r := runTalkmode(t, isolatedEnv(), cmds("QUIT"), "-test", "data/silence.wav")
	if r.err == nil {
		t.Fatalf("expected failure without a recognizer key, got:\n%s", r.out)
	}
	if !strings.Contains(r.out, "DEEPGRAM_API_KEY") {
		t.Errorf("error does not name the missing key:\n%s", r.out)
	}
}

func TestOfflineBeginRefused(t *testing.T) {
	env := isolatedEnv("DEEPGRAM_API_KEY=unused", "TALKMODE_GATEWAY_URL=ws://127.0.0.1:9")
	r := runTalkmode(t, env, cmds("BEGIN", "ENABLE", "STATE", "QUIT"), "-test", "data/silence.wav")
	if r.err != nil {
		t.Fatalf("exit: %v\n%s", r.err, r.out)
	}
	if !strings.Contains(r.out, "begin error:") {
		t.Errorf("begin should be refused while offline:\n%s", r.out)
	}
	if !strings.Contains(r.out, "enable error:") {
		t.Errorf("enable should be refused while offline:\n%s", r.out)
	}
	if !strings.Contains(r.out, `status="Offline"`) {
		t.Errorf("state should report Offline:\n%s", r.out)
	}
	diag := readLog(t, r.logDir, "diagnostics_log.txt")
	if !strings.Contains(diag, "session_start") {
		t.Error("expected session_start in diagnostics")
	}
}

func TestSilenceIsEmpty(t *testing.T) {
	env := requireLive(t)
	r := runTalkmode(t, env, cmds("SLEEP 1500", "BEGIN", "WAIT_AUDIO_DONE", "SLEEP 300", "END", "QUIT"),
		"-test", "data/silence.wav")
	if r.err != nil {
		t.Fatalf("exit: %v\n%s", r.err, r.out)
	}
	if !strings.Contains(r.out, "end empty") {
		t.Errorf("expected an empty capture:\n%s", r.out)
	}
	if strings.Contains(readLog(t, r.logDir, "conversation_log.txt"), "user") {
		t.Error("nothing should have been sent")
	}
}

func TestCancelledCapture(t *testing.T) {
	env := requireLive(t)
	r := runTalkmode(t, env, cmds("SLEEP 1500", "BEGIN", "SLEEP 300", "CANCEL", "CANCEL", "QUIT"),
		"-test", "data/silence.wav")
	if r.err != nil {
		t.Fatalf("exit: %v\n%s", r.err, r.out)
	}
	if !strings.Contains(r.out, "cancel cancelled") || !strings.Contains(r.out, "cancel idle") {
		t.Errorf("expected cancelled then idle:\n%s", r.out)
	}
}
