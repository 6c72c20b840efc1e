package speech

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// System speaks through the platform's command line engine: say on macOS,
// espeak-ng (or espeak) elsewhere.
type System struct {
	command string
	mac     bool
}

func NewSystem() (*System, error) {
	candidates := []string{"espeak-ng", "espeak"}
	if runtime.GOOS == "darwin" {
		candidates = []string{"say"}
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return &System{command: path, mac: name == "say"}, nil
		}
	}
	return nil, fmt.Errorf("no system speech engine found (tried %s)", strings.Join(candidates, ", "))
}

func (s *System) Name() string { return "system" }

func (s *System) args(text, language string) []string {
	if s.mac {
		return []string{text}
	}
	var args []string
	if language != "" {
		args = append(args, "-v", language)
	}
	return append(args, text)
}

func (s *System) Speak(ctx context.Context, text, language string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, s.command, s.args(text, language)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", s.command, err, strings.TrimSpace(string(out)))
	}
	return nil
}
