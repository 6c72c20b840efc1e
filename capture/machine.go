// Package capture owns the microphone side of a talk session: the
// Idle/Continuous/PushToTalk state machine, the audio tap feeding the
// recognizer, endpoint detection and recognition restarts.
//
// A Machine is driven from a single coordinator goroutine. Audio and
// recognizer callbacks never touch its state directly; they hand closures to
// the coordinator through Options.Post.
package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"talkmode/audio"
	"talkmode/detector"
	"talkmode/log"
	"talkmode/talkerr"
	"talkmode/transcriber"
)

type Mode int

const (
	Idle Mode = iota
	Continuous
	PushToTalk
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case PushToTalk:
		return "push-to-talk"
	}
	return "idle"
}

const (
	DefaultRestartDebounce = 250 * time.Millisecond
	DefaultMaxRestarts     = 5

	permissionTimeout = 30 * time.Second
	maxArchiveBytes   = audio.SampleRate * audio.Channels * (audio.BitsPerSample / 8) * 300
)

// Utterance is one finished stretch of user speech.
type Utterance struct {
	CaptureID string
	Text      string
	PCM       []byte
}

// Hooks are invoked on the coordinator goroutine.
type Hooks struct {
	Level   func(level float64)
	BargeIn func(transcript string)
	// Failure reports a recognition error that ended capture or a
	// push-to-talk recognizer.
	Failure func(err error)
}

type Options struct {
	Device      audio.CaptureDevice
	Transcriber transcriber.Transcriber
	Permissions Permissions
	Session     transcriber.SessionConfig
	KeepAlive   bool
	// Archive keeps each utterance's PCM on the Utterance.
	Archive bool

	// Post runs fn on the coordinator; it must not drop fn.
	Post func(fn func())
	// TryPost must not block: the pipeline may be stopping on the
	// coordinator. Level updates are dropped when it is nil.
	TryPost func(fn func()) bool

	Hooks Hooks
	Now   func() time.Time

	RestartDebounce time.Duration
	MaxRestarts     int
}

// TickResult is what the endpoint monitor found on one tick.
type TickResult struct {
	Utterance *Utterance
	// AutoStop asks the coordinator to end the current push-to-talk capture.
	AutoStop bool
}

// tap is one recognition attempt. The audio callback reads it through an
// atomic pointer.
type tap struct {
	gen  uint64
	sess transcriber.Session
	keep bool

	mu  sync.Mutex
	pcm []byte
}

func (t *tap) take() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	pcm := t.pcm
	t.pcm = nil
	return pcm
}

type Machine struct {
	opts Options
	det  *detector.Detector

	mode             Mode
	ptt              *Request
	resumeContinuous bool
	keepAlive        bool
	// paused: a turn owns the floor; recognition is stopped.
	paused    bool
	suspended bool
	// resumeOnForeground re-enables continuous capture after a suspend
	// that tore the pipeline down.
	resumeOnForeground bool
	speaking           bool

	running bool
	tapped  bool

	gen         uint64
	session     *tap
	current     atomic.Pointer[tap]
	endpointing bool
	bargeIn     bool
	transcript  string
	lastHeard   time.Time

	restartPending bool
	failures       int
}

func New(opts Options) *Machine {
	if opts.Permissions == nil {
		opts.Permissions = Granted{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RestartDebounce <= 0 {
		opts.RestartDebounce = DefaultRestartDebounce
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.TryPost == nil {
		opts.TryPost = func(func()) bool { return false }
	}
	return &Machine{opts: opts, det: detector.New(), keepAlive: opts.KeepAlive}
}

func (m *Machine) Mode() Mode { return m.mode }
func (m *Machine) Current() *Request { return m.ptt }
func (m *Machine) Transcript() string { return m.transcript }
func (m *Machine) Detector() *detector.Detector { return m.det }
func (m *Machine) KeepAlive() bool { return m.keepAlive }
func (m *Machine) Suspended() bool { return m.suspended }
func (m *Machine) PipelineRunning() bool { return m.running }
func (m *Machine) BargeInListening() bool { return m.bargeIn && m.session != nil }
func (m *Machine) SetSpeaking(speaking bool) { m.speaking = speaking }
func (m *Machine) ResumeContinuous() bool { return m.resumeContinuous }

// Listening reports whether recognition is running for the user's turn.
func (m *Machine) Listening() bool {
	return m.session != nil && !m.bargeIn
}

// Enable enters continuous capture. An active push-to-talk capture is
// cancelled and returned so the caller can report it.
func (m *Machine) Enable() (*Request, error) {
	if m.mode == Continuous {
		return nil, nil
	}
	if err := m.authorize(); err != nil {
		return nil, err
	}
	cancelled := m.dropPTT()
	m.mode = Continuous
	m.failures = 0
	if m.paused || m.suspended {
		return cancelled, nil
	}
	if err := m.listen(true); err != nil {
		m.mode = Idle
		m.stopPipeline()
		return cancelled, err
	}
	return cancelled, nil
}

// Disable returns to Idle from any mode. An active push-to-talk capture is
// returned unresolved.
func (m *Machine) Disable() *Request {
	req := m.dropPTT()
	m.mode = Idle
	m.resumeContinuous = false
	m.resumeOnForeground = false
	m.paused = false
	m.suspended = false
	m.bargeIn = false
	m.restartPending = false
	m.stopRecognition()
	m.stopPipeline()
	return req
}

// Begin starts a push-to-talk capture, or returns the one already running.
func (m *Machine) Begin() (*Request, error) {
	if m.ptt != nil {
		return m.ptt, nil
	}
	if err := m.authorize(); err != nil {
		return nil, err
	}
	resume := m.mode == Continuous || m.resumeContinuous
	m.stopRecognition()
	m.bargeIn = false
	m.paused = false
	m.resumeContinuous = false

	req := newRequest(uuid.NewString(), m.opts.Now(), resume)
	m.mode = PushToTalk
	m.ptt = req
	if err := m.listen(true); err != nil {
		m.ptt = nil
		m.mode = Idle
		m.stopPipeline()
		return nil, err
	}
	log.CaptureBegin(req.ID, m.mode.String())
	return req, nil
}

// End stops the push-to-talk capture and hands back its transcript. ok is
// false when no capture is active. The request is left for the caller to
// resolve.
func (m *Machine) End() (req *Request, u Utterance, ok bool) {
	req = m.ptt
	if req == nil {
		return nil, Utterance{}, false
	}
	u = Utterance{CaptureID: req.ID, Text: strings.TrimSpace(m.transcript)}
	if m.session != nil {
		u.PCM = m.session.take()
	}
	m.stopRecognition()
	m.transcript = ""
	m.ptt = nil
	m.mode = Idle
	m.resumeContinuous = req.ResumeContinuous
	return req, u, true
}

// Cancel discards the push-to-talk capture.
func (m *Machine) Cancel() (*Request, bool) {
	req, _, ok := m.End()
	return req, ok
}

// Pause stops recognition while a turn runs. Without keep-alive the
// pipeline stops too.
func (m *Machine) Pause() {
	m.paused = true
	m.bargeIn = false
	m.stopRecognition()
	m.stopPipeline()
}

// Restore resumes capture after a turn or a push-to-talk capture that
// produced no turn.
func (m *Machine) Restore() error {
	m.paused = false
	if m.mode == PushToTalk {
		return nil
	}
	if m.resumeContinuous {
		m.resumeContinuous = false
		m.mode = Continuous
	}
	if m.mode == Continuous && !m.suspended {
		if m.session != nil && !m.bargeIn && m.endpointing {
			return nil
		}
		m.stopRecognition()
		m.bargeIn = false
		m.failures = 0
		if err := m.listen(true); err != nil {
			m.mode = Idle
			m.stopPipeline()
			return err
		}
		return nil
	}
	m.stopRecognition()
	m.bargeIn = false
	m.stopPipeline()
	return nil
}

// ListenForBargeIn runs recognition without endpointing while a reply plays.
// Partial transcripts go to Hooks.BargeIn.
func (m *Machine) ListenForBargeIn() error {
	if !m.paused || m.suspended || m.session != nil {
		return nil
	}
	m.bargeIn = true
	if err := m.listen(false); err != nil {
		m.bargeIn = false
		m.stopPipeline()
		return err
	}
	return nil
}

// StopBargeIn ends barge-in recognition, if any.
func (m *Machine) StopBargeIn() {
	if !m.bargeIn {
		return
	}
	m.bargeIn = false
	m.stopRecognition()
	m.stopPipeline()
}

// PromoteBargeIn turns barge-in recognition into a regular continuous
// capture so the words that interrupted playback are kept.
func (m *Machine) PromoteBargeIn() bool {
	if !m.bargeIn || m.session == nil || m.mode != Continuous {
		return false
	}
	m.bargeIn = false
	m.endpointing = true
	m.lastHeard = m.opts.Now()
	return true
}

// Suspend handles the app going to the background. With keep-alive only
// recognition pauses; otherwise capture drops to Idle.
func (m *Machine) Suspend() *Request {
	if m.suspended {
		return nil
	}
	if m.keepAlive {
		m.suspended = true
		m.stopRecognition()
		return nil
	}
	wasContinuous := m.mode == Continuous || m.resumeContinuous
	req := m.Disable()
	m.resumeOnForeground = wasContinuous
	return req
}

// Resume undoes Suspend.
func (m *Machine) Resume() error {
	if m.suspended {
		m.suspended = false
		if m.mode != Continuous || m.paused || m.session != nil {
			return nil
		}
		// Reattach to the pipeline that kept running.
		m.det.Reset()
		return m.startRecognition(true)
	}
	if m.resumeOnForeground {
		m.resumeOnForeground = false
		_, err := m.Enable()
		return err
	}
	return nil
}

func (m *Machine) SetKeepAlive(on bool) {
	if m.keepAlive == on {
		return
	}
	m.keepAlive = on
	if on {
		return
	}
	if m.suspended {
		m.suspended = false
		wasContinuous := m.mode == Continuous
		m.stopPipeline()
		if wasContinuous {
			m.mode = Idle
			m.resumeOnForeground = true
		}
		return
	}
	if m.session == nil {
		m.stopPipeline()
	}
}

// Close tears down recognition and the pipeline regardless of keep-alive.
func (m *Machine) Close() *Request {
	m.keepAlive = false
	return m.Disable()
}

// Tick runs the endpoint monitor.
func (m *Machine) Tick(now time.Time) TickResult {
	if m.session == nil || !m.endpointing || m.bargeIn || m.paused {
		return TickResult{}
	}
	if !m.det.Endpointed(strings.TrimSpace(m.transcript), m.lastHeard, now) {
		return TickResult{}
	}
	switch m.mode {
	case Continuous:
		u := Utterance{Text: strings.TrimSpace(m.transcript), PCM: m.session.take()}
		m.stopRecognition()
		m.transcript = ""
		return TickResult{Utterance: &u}
	case PushToTalk:
		if m.ptt != nil && m.ptt.AutoStop {
			return TickResult{AutoStop: true}
		}
	}
	return TickResult{}
}

func (m *Machine) dropPTT() *Request {
	req := m.ptt
	if req == nil {
		return nil
	}
	m.ptt = nil
	m.stopRecognition()
	m.transcript = ""
	if m.mode == PushToTalk {
		m.mode = Idle
	}
	return req
}

func (m *Machine) authorize() error {
	ctx, cancel := context.WithTimeout(context.Background(), permissionTimeout)
	defer cancel()
	granted, err := m.opts.Permissions.Request(ctx)
	if err != nil {
		return talkerr.Wrap(err, talkerr.CodePermissionDenied, "requesting microphone access")
	}
	if !granted {
		return talkerr.ErrPermissionDenied
	}
	return nil
}

// listen starts a fresh capture cycle.
func (m *Machine) listen(endpointing bool) error {
	m.det.Reset()
	if err := m.startPipeline(); err != nil {
		return err
	}
	if err := m.startRecognition(endpointing); err != nil {
		return talkerr.Wrap(err, talkerr.CodeAudioConfiguration, "starting speech recognition")
	}
	return nil
}

func (m *Machine) startPipeline() error {
	if !m.running {
		if err := m.opts.Device.Start(); err != nil {
			return talkerr.Wrap(err, talkerr.CodeAudioConfiguration, "starting microphone")
		}
		m.running = true
	}
	if !m.tapped {
		m.opts.Device.SetCallback(m.onPCM)
		m.tapped = true
	}
	return nil
}

func (m *Machine) stopPipeline() {
	if m.keepAlive {
		return
	}
	if m.tapped {
		m.opts.Device.ClearCallback()
		m.tapped = false
	}
	if m.running {
		m.opts.Device.Stop()
		m.running = false
	}
}

func (m *Machine) startRecognition(endpointing bool) error {
	sess, err := m.opts.Transcriber.NewSession(context.Background(), m.opts.Session)
	if err != nil {
		return err
	}
	m.gen++
	t := &tap{gen: m.gen, sess: sess, keep: m.opts.Archive && !m.bargeIn}
	m.session = t
	m.endpointing = endpointing
	m.transcript = ""
	m.lastHeard = time.Time{}
	m.current.Store(t)
	go m.pump(t)
	return nil
}

// stopRecognition cancels the recognizer without waiting for it. The
// transcript is kept for the caller.
func (m *Machine) stopRecognition() {
	t := m.session
	if t == nil {
		return
	}
	m.session = nil
	m.current.Store(nil)
	go t.sess.Cancel()
}

// onPCM runs on the audio thread.
func (m *Machine) onPCM(data []byte, _ uint32) {
	t := m.current.Load()
	if t == nil {
		return
	}
	t.sess.Feed(data)
	if t.keep {
		t.mu.Lock()
		if len(t.pcm)+len(data) <= maxArchiveBytes {
			t.pcm = append(t.pcm, data...)
		}
		t.mu.Unlock()
	}
	level := audio.Level(data)
	m.opts.TryPost(func() { m.observe(t, level) })
}

func (m *Machine) observe(t *tap, level float64) {
	if m.session != t {
		return
	}
	if m.det.Observe(level, m.opts.Now(), !m.bargeIn, m.speaking) {
		floor, _ := m.det.Floor()
		log.NoiseFloor(floor, m.det.Threshold(), detector.CalibrationSamples)
	}
	if m.opts.Hooks.Level != nil {
		m.opts.Hooks.Level(m.det.Level())
	}
}

// pump forwards recognizer output to the coordinator until the session ends.
func (m *Machine) pump(t *tap) {
	updates, errs := t.sess.Updates(), t.sess.Errors()
	for updates != nil {
		select {
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.opts.Post(func() { m.onUpdate(t, u) })
		case err := <-errs:
			errs = nil
			m.opts.Post(func() { m.onError(t, err) })
		}
	}
}

func (m *Machine) onUpdate(t *tap, u transcriber.Update) {
	if m.session != t {
		return
	}
	m.failures = 0
	m.transcript = u.Text
	m.lastHeard = m.opts.Now()
	if m.bargeIn && m.opts.Hooks.BargeIn != nil {
		m.opts.Hooks.BargeIn(u.Text)
	}
}

func (m *Machine) onError(t *tap, err error) {
	if m.session != t {
		return
	}
	log.Warnf("recognition error: %v", err)
	m.stopRecognition()
	switch {
	case m.bargeIn:
		m.bargeIn = false
		m.stopPipeline()
	case m.mode == Continuous && !m.paused && !m.suspended:
		m.scheduleRestart(err)
	case m.mode == PushToTalk:
		m.fail(err)
	}
}

// scheduleRestart retries continuous recognition after a debounce. At most
// one restart is pending; consecutive failures are capped.
func (m *Machine) scheduleRestart(err error) {
	if m.restartPending {
		return
	}
	m.failures++
	log.RecognitionRestart(m.failures, err)
	if m.failures > m.opts.MaxRestarts {
		m.failures = 0
		m.mode = Idle
		m.stopPipeline()
		m.fail(fmt.Errorf("speech recognition failed: %w", err))
		return
	}
	m.restartPending = true
	time.AfterFunc(m.opts.RestartDebounce, func() {
		m.opts.Post(m.restart)
	})
}

func (m *Machine) restart() {
	if !m.restartPending {
		return
	}
	m.restartPending = false
	if m.mode != Continuous || m.paused || m.suspended || m.session != nil {
		return
	}
	m.det.Reset()
	if err := m.startRecognition(true); err != nil {
		m.scheduleRestart(err)
	}
}

func (m *Machine) fail(err error) {
	if m.opts.Hooks.Failure != nil {
		m.opts.Hooks.Failure(err)
	}
}
