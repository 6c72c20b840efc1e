package doctor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"talkmode/audio"
	"talkmode/config"
	"talkmode/gateway"
	"talkmode/hotkey"
	"talkmode/speech"
	"talkmode/transcriber"
)

const (
	recordFor      = 3 * time.Second
	gatewayTimeout = 10 * time.Second
	hotkeyTimeout  = 10 * time.Second
)

// Run executes interactive diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(s config.Settings) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("talkmode doctor - interactive system diagnostics")
	fmt.Println("================================================")
	if s.File != "" {
		fmt.Printf("config: %s\n", s.File)
	}

	checks := []func(config.Settings) bool{
		checkHotkey,
		checkGateway,
		checkMicAndRecognition,
		checkSpeech,
	}
	allPass := true
	for _, check := range checks {
		if !check(s) {
			allPass = false
			break
		}
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func confirm(question string) bool {
	resetTerminal()
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("%s [y/n]: ", question)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func checkHotkey(s config.Settings) bool {
	fmt.Println()
	fmt.Println("[1/4] Push-to-talk key")

	chord, err := hotkey.ParseChord(s.Capture.Hotkey)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	info, err := hotkey.Diagnose(chord)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	fmt.Printf("  %s\n", info)

	hk, err := hotkey.New(chord)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	if err := hk.Register(); err != nil {
		fmt.Printf("  FAIL: could not register hotkey: %v\n", err)
		return false
	}
	defer hk.Unregister()

	fmt.Printf("Press %s...\n", chord)
	select {
	case <-hk.Keydown():
		fmt.Println("  PASS: hotkey detected")
		select {
		case <-hk.Keyup():
		case <-time.After(5 * time.Second):
		}
		resetTerminal()
		return true
	case <-time.After(hotkeyTimeout):
		fmt.Println("  FAIL: timeout waiting for hotkey")
		return false
	}
}

func checkGateway(s config.Settings) bool {
	fmt.Println()
	fmt.Println("[2/4] Gateway")
	fmt.Printf("  connecting to %s\n", s.Gateway.URL)

	ctx, cancel := context.WithTimeout(context.Background(), gatewayTimeout)
	defer cancel()
	gw := gateway.NewWSClient(s.Gateway.URL, s.Gateway.Token, s.Gateway.SessionKey)
	go gw.Run(ctx)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !gw.Connected() {
		select {
		case <-ctx.Done():
			fmt.Println("  FAIL: gateway did not accept the connection")
			return false
		case <-tick.C:
		}
	}

	msgs, err := gw.History(ctx, s.Gateway.SessionKey, 1)
	if err != nil {
		fmt.Printf("  FAIL: history request: %v\n", err)
		return false
	}
	fmt.Printf("  PASS: connected, session %q has history (%d message(s) fetched)\n", s.Gateway.SessionKey, len(msgs))
	return true
}

func checkMicAndRecognition(s config.Settings) bool {
	fmt.Println()
	fmt.Println("[3/4] Microphone and recognition")

	trans, err := transcriber.New(s.Deepgram.APIKey)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer actx.Close()

	device, err := pickDevice(actx, s.Capture.Device)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	sess, err := trans.NewSession(context.Background(), transcriber.SessionConfig{
		Language: s.Deepgram.Language,
		Model:    s.Deepgram.Model,
	})
	if err != nil {
		fmt.Printf("  FAIL: recognizer session: %v\n", err)
		return false
	}

	fmt.Println()
	fmt.Printf("Press Enter and speak for %s...", recordFor)
	bufio.NewReader(os.Stdin).ReadString('\n')

	peak, err := record(actx, device, sess)
	if err != nil {
		sess.Cancel()
		fmt.Printf("  FAIL: recording error: %v\n", err)
		return false
	}
	fmt.Printf("  peak level %.2f\n", peak)

	result, err := sess.Finish()
	if err != nil {
		fmt.Printf("  FAIL: recognition error: %v\n", err)
		return false
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		text = "(no speech detected)"
	}
	fmt.Printf("\n  Recognized: %s\n\n", text)

	if confirm("Is this correct?") {
		fmt.Println("  PASS: recognition verified by user")
		return true
	}
	fmt.Println("  FAIL: recognition not confirmed")
	return false
}

func pickDevice(actx audio.Context, name string) (*audio.DeviceInfo, error) {
	if name != "" {
		devices, err := actx.Devices()
		if err != nil {
			return nil, fmt.Errorf("cannot list devices: %w", err)
		}
		for i := range devices {
			if devices[i].Name == name {
				fmt.Printf("Using device: %s\n", name)
				return &devices[i], nil
			}
		}
		fmt.Printf("  configured device %q not found\n", name)
	}
	dev, err := audio.SelectDevice(actx, name)
	resetTerminal()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Selected: %s\n", dev.Name)
	return dev, nil
}

// record streams recordFor of microphone audio into sess and returns the
// loudest level seen.
func record(actx audio.Context, device *audio.DeviceInfo, sess transcriber.Session) (float64, error) {
	capture, err := actx.NewCapture(device, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		return 0, err
	}
	defer capture.Close()

	levels := make(chan float64, 64)
	capture.SetCallback(func(data []byte, _ uint32) {
		sess.Feed(data)
		select {
		case levels <- audio.Level(data):
		default:
		}
	})
	if err := capture.Start(); err != nil {
		return 0, err
	}

	fmt.Print("  Recording")
	var peak float64
	deadline := time.After(recordFor)
	dots := time.NewTicker(500 * time.Millisecond)
	defer dots.Stop()
	for {
		select {
		case l := <-levels:
			peak = max(peak, l)
		case <-dots.C:
			fmt.Print(".")
		case <-deadline:
			capture.Stop()
			capture.ClearCallback()
			fmt.Println(" done")
			return peak, nil
		}
	}
}

func checkSpeech(s config.Settings) bool {
	fmt.Println()
	fmt.Println("[4/4] Speech output")

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer actx.Close()

	if out, err := actx.OutputDevice(); err == nil {
		fmt.Printf("  output: %s", out.Name)
		if audio.IsIsolated(out.Name) {
			fmt.Print(" (headphones, barge-in enabled)")
		}
		fmt.Println()
	}

	chain := speech.NewChain(s.Talk.APIKey, actx)
	if chain.Primary == nil {
		fmt.Println("  no ElevenLabs key, using system speech")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = chain.Speak(ctx, speech.Request{
		Text:         "This is talk mode. If you can hear me, speech works.",
		VoiceID:      s.Talk.VoiceID,
		ModelID:      s.Talk.ModelID,
		Language:     s.Talk.Language,
		OutputFormat: s.Talk.OutputFormat,
	})
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	if confirm("Did you hear the test sentence?") {
		fmt.Println("  PASS: speech verified by user")
		return true
	}
	fmt.Println("  FAIL: speech not confirmed")
	return false
}
