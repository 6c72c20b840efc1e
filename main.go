package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"time"

	"talkmode/audio"
	"talkmode/beep"
	"talkmode/capture"
	"talkmode/config"
	"talkmode/doctor"
	"talkmode/encoder"
	"talkmode/gateway"
	"talkmode/hotkey"
	"talkmode/log"
	"talkmode/shutdown"
	"talkmode/speech"
	"talkmode/talk"
	"talkmode/transcriber"
)

var version = "dev"

type flags struct {
	config     *string
	logPath    *string
	device     *string
	setup      *bool
	continuous *bool
	keepAlive  *bool
	pttMax     *time.Duration
	longPress  *time.Duration
	stream     *bool
	archive    *bool
	beep       *bool
	tui        *bool
	doctor     *bool
	version    *bool
	test       *bool
	profile    *string
}

func parseFlags() flags {
	f := flags{
		config:     flag.String("config", "", "config file (default: <user config dir>/talkmode/config.yaml)"),
		logPath:    flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)"),
		device:     flag.String("device", "", "Use named microphone device"),
		setup:      flag.Bool("setup", false, "Select microphone device (otherwise uses system default)"),
		continuous: flag.Bool("continuous", false, "Start in continuous listening mode"),
		keepAlive:  flag.Bool("keepalive", false, "Keep the microphone open while paused or in the background"),
		pttMax:     flag.Duration("ptt-max", 0, "Longest push-to-talk capture (e.g. 60s)"),
		longPress:  flag.Duration("longpress", 0, "Long-press threshold for hold-to-talk vs tap (e.g. 350ms)"),
		stream:     flag.Bool("stream", true, "Speak reply segments as they stream in"),
		archive:    flag.Bool("archive", false, "Save each utterance as FLAC in the log directory"),
		beep:       flag.Bool("beep", true, "Play earcons for push-to-talk"),
		tui:        flag.Bool("tui", true, "Run with terminal UI"),
		doctor:     flag.Bool("doctor", false, "Run system diagnostics and exit"),
		version:    flag.Bool("version", false, "Print version and exit"),
		test:       flag.Bool("test", false, "Test mode (headless, stdin-driven, audio from a WAV file)"),
		profile:    flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)"),
	}
	flag.Parse()
	return f
}

// apply lets explicitly passed flags override the config file.
func (f flags) apply(s *config.Settings) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "device":
			s.Capture.Device = *f.device
		case "continuous":
			s.Capture.Continuous = *f.continuous
		case "keepalive":
			s.Capture.KeepAlive = *f.keepAlive
		case "ptt-max":
			s.Capture.PTTMax = *f.pttMax
		case "longpress":
			s.Capture.LongPress = *f.longPress
		case "stream":
			s.Streaming = *f.stream
		case "archive":
			s.Capture.Archive = *f.archive
		case "beep":
			s.Capture.Beep = *f.beep
		}
	})
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	log.Close()
	os.Exit(1)
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

func modeLineText(s config.Settings, sp *speech.Chain) string {
	recognizer := "deepgram " + s.Deepgram.Model
	if s.Deepgram.Language != "" {
		recognizer += " (" + s.Deepgram.Language + ")"
	}
	voice := "system"
	if sp.Primary != nil {
		voice = sp.Primary.Name()
	}
	if s.Streaming {
		voice += " (stream)"
	}
	return fmt.Sprintf("[%s | %s]", recognizer, voice)
}

func findDevice(actx audio.Context, name string) *audio.DeviceInfo {
	devices, err := actx.Devices()
	if err != nil {
		log.Warnf("device enumeration failed: %v", err)
		return nil
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i]
		}
	}
	log.Warnf("device not found: %s, using system default", name)
	return nil
}

// app is everything one talk session needs, built from settings.
type app struct {
	settings config.Settings
	actx     audio.Context
	dev      *audio.DeviceInfo
	gw       *gateway.WSClient
	speaker  *speech.Chain
	engine   *talk.Engine
	beeper   *beep.Player
}

func newApp(s config.Settings, actx audio.Context, dev *audio.DeviceInfo, sp *speech.Chain) (*app, error) {
	trans, err := transcriber.New(s.Deepgram.APIKey)
	if err != nil {
		return nil, err
	}
	captureDevice, err := actx.NewCapture(dev, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}

	var archive *encoder.Archive
	if s.Capture.Archive {
		archive = encoder.NewArchive(filepath.Join(log.Dir(), "utterances"))
	}

	a := &app{
		settings: s,
		actx:     actx,
		dev:      dev,
		gw:       gateway.NewWSClient(s.Gateway.URL, s.Gateway.Token, s.Gateway.SessionKey),
		speaker:  sp,
		beeper:   beep.New(actx),
	}
	if !s.Capture.Beep {
		a.beeper.Disable()
	}
	a.engine = talk.New(talk.Options{
		Gateway:     a.gw,
		Audio:       actx,
		Capture:     captureDevice,
		Transcriber: trans,
		Speaker:     sp,
		Talk:        config.NewCached(config.FileSource{Path: s.File}),
		Permissions: capture.Granted{},
		Session:     transcriber.SessionConfig{Language: s.Deepgram.Language, Model: s.Deepgram.Model},
		SessionKey:  s.Gateway.SessionKey,
		Streaming:   s.Streaming,
		KeepAlive:   s.Capture.KeepAlive,
		CaptureMax:  s.Capture.PTTMax,
		Archive:     archive,
	})
	return a, nil
}

// start runs the gateway connection and the engine until ctx ends. The
// returned channel closes once the engine has shut down.
func (a *app) start(ctx context.Context) <-chan struct{} {
	go a.gw.Run(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.engine.Run(ctx)
	}()
	if a.settings.Capture.Continuous {
		go a.enableWhenConnected(ctx)
	}
	return done
}

// enableWhenConnected turns on continuous mode once the gateway is up;
// enabling while offline is refused.
func (a *app) enableWhenConnected(ctx context.Context) {
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for !a.gw.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
	if err := a.engine.Enable(); err != nil {
		log.Warnf("continuous mode: %v", err)
	}
}

func (a *app) begin() {
	if _, err := a.engine.Begin(); err != nil {
		log.Warnf("push-to-talk: %v", err)
		a.beeper.Go(beep.Fail)
		return
	}
	a.beeper.Go(beep.Listen)
}

func (a *app) end() {
	res := a.engine.End()
	switch res.Status {
	case capture.StatusQueued:
		a.beeper.Go(beep.Send)
	case capture.StatusOffline, capture.StatusBusy:
		a.beeper.Go(beep.Fail)
	}
}

// hotkeyLoop maps the push-to-talk key onto Begin and End.
func (a *app) hotkeyLoop(ctx context.Context, hk hotkey.Hotkey) {
	hy := hotkey.NewHybrid(ctx, hk, a.settings.Capture.LongPress)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hy.Start():
			log.Info("hotkey_start")
			a.begin()
		case ev := <-hy.Stop():
			log.Infof("hotkey_stop mode=%s held=%s", ev.Mode, ev.Held.Round(time.Millisecond))
			a.end()
		}
	}
}

func run() {
	f := parseFlags()

	if *f.version {
		fmt.Printf("talkmode %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*f.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	settings, err := config.Load(*f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	f.apply(&settings)

	if *f.doctor {
		os.Exit(doctor.Run(settings))
	}

	if *f.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *f.profile)
			if err := http.ListenAndServe(*f.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if *f.test {
		if flag.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "Usage: talkmode -test <wav-file>")
			os.Exit(1)
		}
		os.Exit(runTestMode(settings, flag.Arg(0)))
	}

	// Resolve -setup into -device early (before daemonization)
	if *f.setup && settings.Capture.Device == "" {
		actx, err := audio.NewContext()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
			os.Exit(1)
		}
		if dev, err := audio.SelectDevice(actx, settings.Capture.Device); err == nil {
			settings.Capture.Device = dev.Name
		}
		actx.Close()
	}

	// Daemonize in non-TUI mode: re-exec in background, return shell prompt
	if !*f.tui && os.Getenv("_TALKMODE_BG") == "" {
		args := os.Args[1:]
		if settings.Capture.Device != "" {
			args = append(args, "-device", settings.Capture.Device)
		}
		exe, _ := os.Executable()
		cmd := exec.Command(exe, args...)
		cmd.Env = append(os.Environ(), "_TALKMODE_BG=1")
		devnull, _ := os.Open(os.DevNull)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	chord, err := hotkey.ParseChord(settings.Capture.Hotkey)
	if err != nil {
		fatalf("%v", err)
	}

	actx, err := audio.NewContext()
	if err != nil {
		fatalf("initializing audio context: %v", err)
	}
	defer actx.Close()

	var dev *audio.DeviceInfo
	if settings.Capture.Device != "" {
		dev = findDevice(actx, settings.Capture.Device)
	}

	sp := speech.NewChain(settings.Talk.APIKey, actx)
	a, err := newApp(settings, actx, dev, sp)
	if err != nil {
		fatalf("%v", err)
	}
	synthName := "system"
	if sp.Primary != nil {
		synthName = sp.Primary.Name()
	}
	log.SessionStart(settings.Gateway.URL, "deepgram", synthName)

	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	engineDone := a.start(ctx)

	hk, err := hotkey.New(chord)
	if err != nil {
		fatalf("%v", err)
	}
	if err := hk.Register(); err != nil {
		fatalf("registering hotkey %s: %v", chord, err)
	}
	defer hk.Unregister()
	go a.hotkeyLoop(ctx, hk)

	if *f.tui {
		p := NewTUIProgram(a.engine)
		states, detach := a.engine.Subscribe()
		go func() {
			defer detach()
			for {
				select {
				case <-ctx.Done():
					return
				case s := <-states:
					p.Send(StateMsg(s))
				}
			}
		}()
		go func() {
			<-ctx.Done()
			p.Quit()
		}()
		go func() {
			p.Send(ModeLineMsg{Text: modeLineText(settings, sp)})
			p.Send(DeviceLineMsg{Text: deviceLineText(dev)})
		}()
		if _, err := p.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}

	select {
	case <-engineDone:
	case <-time.After(3 * time.Second):
		log.Warn("engine did not stop in time")
	}
}
