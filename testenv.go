package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"talkmode/audio"
	"talkmode/config"
	"talkmode/log"
	"talkmode/shutdown"
	"talkmode/speech"
	"talkmode/talk"
)

const testWaitLimit = 60 * time.Second

// runTestMode drives a real session headlessly. Microphone audio comes from
// a WAV file and commands come from stdin, one per line:
//
//	BEGIN, END, CANCEL, ONCE, ENABLE, DISABLE, STATE,
//	WAIT (until the current turn is over), WAIT_AUDIO_DONE, SLEEP <ms>, QUIT
//
// Results are printed to stdout.
func runTestMode(s config.Settings, wavPath string) int {
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	actx, err := audio.NewFakeContextFromWAV(wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}
	// Replies are synthesized into the fake output; nothing is spoken aloud.
	sp := &speech.Chain{}
	if s.Talk.APIKey != "" {
		sp.Primary = speech.NewElevenLabs(s.Talk.APIKey, actx)
	}
	s.Capture.Beep = false

	a, err := newApp(s, actx, nil, sp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.SessionStart(s.Gateway.URL, "deepgram", "test")

	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	done := a.start(ctx)
	mic := actx.Captures()[0]

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() && ctx.Err() == nil {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "QUIT" {
			break
		}
		testCommand(ctx, a.engine, mic, cmd)
	}

	stop()
	<-done
	return 0
}

func testCommand(ctx context.Context, e *talk.Engine, mic *audio.FakeCapture, cmd string) {
	switch cmd {
	case "BEGIN":
		id, err := e.Begin()
		if err != nil {
			fmt.Printf("begin error: %v\n", err)
			return
		}
		fmt.Printf("begin %s\n", id)
	case "END":
		res := e.End()
		fmt.Printf("end %s %q\n", res.Status, res.Transcript)
	case "CANCEL":
		fmt.Printf("cancel %s\n", e.Cancel().Status)
	case "ONCE":
		res := e.Once(ctx, talk.DefaultOnceMax)
		fmt.Printf("once %s %q\n", res.Status, res.Transcript)
	case "ENABLE":
		if err := e.Enable(); err != nil {
			fmt.Printf("enable error: %v\n", err)
			return
		}
		fmt.Println("enable ok")
	case "DISABLE":
		e.Disable()
		fmt.Println("disable ok")
	case "STATE":
		st := e.State()
		fmt.Printf("state mode=%s phase=%s status=%q connected=%t\n", st.Mode, st.Phase, st.Status, st.Connected)
	case "WAIT":
		waitTurn(e)
	case "WAIT_AUDIO_DONE":
		<-mic.AudioDone()
	default:
		if ms, ok := strings.CutPrefix(cmd, "SLEEP "); ok {
			if n, err := strconv.Atoi(ms); err == nil {
				time.Sleep(time.Duration(n) * time.Millisecond)
			}
			return
		}
		if cmd != "" {
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func waitTurn(e *talk.Engine) {
	deadline := time.Now().Add(testWaitLimit)
	for time.Now().Before(deadline) {
		st := e.State()
		if st.Phase != talk.PhaseThinking && st.Phase != talk.PhaseSpeaking {
			fmt.Printf("reply status=%q %q\n", st.Status, st.LastReply)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("wait timed out")
}
