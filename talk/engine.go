// Package talk is the session coordinator. One goroutine owns the capture
// state machine, the active turn and the interrupt arbiter; every public call
// and every device or network callback is marshalled onto it as a closure.
package talk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"talkmode/audio"
	"talkmode/capture"
	"talkmode/config"
	"talkmode/detector"
	"talkmode/encoder"
	"talkmode/gateway"
	"talkmode/interrupt"
	"talkmode/log"
	"talkmode/speech"
	"talkmode/talkerr"
	"talkmode/transcriber"
	"talkmode/turn"
)

const (
	DefaultOnceMax    = 12 * time.Second
	DefaultCaptureMax = 60 * time.Second

	eventBuffer = 256
)

var ErrStopped = errors.New("talk engine stopped")

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseListening Phase = "listening"
	PhaseThinking  Phase = "thinking"
	PhaseSpeaking  Phase = "speaking"
)

// State is what observers see. Subscribers always get the latest value;
// intermediate states may be skipped.
type State struct {
	Mode      capture.Mode
	Phase     Phase
	Listening bool
	Speaking  bool
	Connected bool
	KeepAlive bool
	Status    string
	Level     float64
	CaptureID string
	// Transcript is the live recognizer text of the current capture.
	Transcript string
	LastUser   string
	LastReply  string
}

type Options struct {
	Gateway gateway.Client
	// Audio is used to check whether output is routed to headphones; may be nil.
	Audio       audio.Context
	Capture     audio.CaptureDevice
	Transcriber transcriber.Transcriber
	Speaker     speech.Speaker
	Talk        *config.Cached
	Permissions capture.Permissions
	Session     transcriber.SessionConfig
	SessionKey  string
	Streaming   bool
	KeepAlive   bool
	// CaptureMax bounds a manual push-to-talk capture.
	CaptureMax time.Duration
	Archive    *encoder.Archive
	Timing     turn.Timing
	// Grace overrides the barge-in grace period after playback starts.
	Grace time.Duration
}

type activeTurn struct {
	cancel    context.CancelFunc
	speechErr error
}

type Engine struct {
	opts Options

	events chan func()
	done   chan struct{}
	ctx    context.Context

	m       *capture.Machine
	queue   *speech.Queue
	runner  *turn.Runner
	arbiter *interrupt.Arbiter

	turn              *activeTurn
	turns             int
	speaking          bool
	isolated          bool
	interruptOnSpeech bool
	interruptNote     time.Duration
	state             State

	subMu sync.Mutex
	subs  map[chan State]struct{}
	last  State
}

func New(opts Options) *Engine {
	if opts.CaptureMax <= 0 {
		opts.CaptureMax = DefaultCaptureMax
	}
	if opts.SessionKey == "" {
		opts.SessionKey = "main"
	}
	e := &Engine{
		opts:    opts,
		events:  make(chan func(), eventBuffer),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		arbiter: interrupt.New(),
		subs:    make(map[chan State]struct{}),
	}
	if opts.Grace > 0 {
		e.arbiter.Grace = opts.Grace
	}
	e.queue = speech.NewQueue(opts.Speaker)
	e.queue.OnStart = func(req speech.Request) {
		e.post(func() { e.onSpeechStart(req) })
	}
	e.queue.OnDone = func(req speech.Request, res speech.Result, err error) {
		if err != nil {
			e.post(func() { e.onSpeechError(err) })
		}
	}
	e.runner = turn.New(opts.Gateway, e.queue, opts.Talk, turn.Options{
		SessionKey: opts.SessionKey,
		Streaming:  opts.Streaming,
		Timing:     opts.Timing,
	})
	e.m = capture.New(capture.Options{
		Device:      opts.Capture,
		Transcriber: opts.Transcriber,
		Permissions: opts.Permissions,
		Session:     opts.Session,
		KeepAlive:   opts.KeepAlive,
		Archive:     opts.Archive != nil,
		Post:        e.post,
		TryPost:     e.tryPost,
		Hooks: capture.Hooks{
			Level:   func(l float64) { e.state.Level = l },
			BargeIn: e.onBargeIn,
			Failure: func(err error) { e.setStatus(talkerr.Status(err)) },
		},
	})
	e.state = State{Phase: PhaseIdle, Status: "Ready", KeepAlive: opts.KeepAlive}
	e.last = e.state
	return e
}

// Run drives the coordinator until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	go e.queue.Run(ctx)
	ticker := time.NewTicker(detector.TickInterval)
	defer ticker.Stop()
	e.state.Connected = e.opts.Gateway.Connected()
	e.publish()
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case fn := <-e.events:
			fn()
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

func (e *Engine) post(fn func()) {
	select {
	case e.events <- fn:
	case <-e.done:
	}
}

func (e *Engine) tryPost(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	default:
		return false
	}
}

// do runs fn on the coordinator and waits. It reports false if the engine
// stopped first.
func (e *Engine) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case e.events <- func() { fn(); close(finished) }:
	case <-e.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-e.done:
		return false
	}
}

// Enable turns on continuous listening.
func (e *Engine) Enable() error {
	err := ErrStopped
	e.do(func() { err = e.enable() })
	return err
}

func (e *Engine) Disable() {
	e.do(e.disable)
}

// Begin starts push-to-talk and returns the capture id. Calling it again
// while a capture is active returns the same id.
func (e *Engine) Begin() (string, error) {
	var (
		req *capture.Request
		err = ErrStopped
	)
	e.do(func() { req, err = e.begin() })
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

// End finishes push-to-talk. A non-empty transcript starts a turn in the
// background and End returns at once with StatusQueued.
func (e *Engine) End() capture.Result {
	res := capture.Result{Status: capture.StatusIdle, Err: ErrStopped}
	e.do(func() { res = e.end() })
	return res
}

func (e *Engine) Cancel() capture.Result {
	res := capture.Result{Status: capture.StatusIdle, Err: ErrStopped}
	e.do(func() { res = e.cancel() })
	return res
}

// Once captures a single push-to-talk utterance that ends on endpoint
// silence, after limit, or when ctx ends, whichever comes first.
func (e *Engine) Once(ctx context.Context, limit time.Duration) capture.Result {
	if limit <= 0 {
		limit = DefaultOnceMax
	}
	var (
		req *capture.Request
		err = ErrStopped
	)
	e.do(func() {
		req, err = e.begin()
		if req != nil {
			req.AutoStop = true
		}
	})
	if err != nil {
		return capture.Result{Status: capture.StatusIdle, Err: err}
	}

	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-req.Done():
	case <-timer.C:
		e.finishIfCurrent(req, e.end)
	case <-ctx.Done():
		e.finishIfCurrent(req, e.cancel)
	}
	select {
	case <-req.Done():
		return req.Result()
	case <-e.done:
		return capture.Result{CaptureID: req.ID, Status: capture.StatusIdle, Err: ErrStopped}
	}
}

// finishIfCurrent runs finish only if req is still the active capture, so a
// timeout racing an explicit end resolves the request exactly once.
func (e *Engine) finishIfCurrent(req *capture.Request, finish func() capture.Result) {
	e.do(func() {
		if e.m.Current() == req {
			finish()
		}
	})
}

// Suspend is called when the app goes to the background.
func (e *Engine) Suspend() {
	e.do(func() {
		if !e.m.KeepAlive() {
			e.abortTurn()
		}
		e.resolveCancelled(e.m.Suspend())
		e.setStatus(e.idleStatus())
	})
}

func (e *Engine) Resume() error {
	err := ErrStopped
	e.do(func() {
		err = e.m.Resume()
		if err != nil {
			e.setStatus(talkerr.Status(err))
			return
		}
		e.setStatus(e.idleStatus())
	})
	return err
}

func (e *Engine) SetKeepAlive(on bool) {
	e.do(func() {
		e.m.SetKeepAlive(on)
		e.state.KeepAlive = on
		e.publish()
	})
}

// State returns the current state.
func (e *Engine) State() State {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.last
}

// Subscribe returns a channel that always holds the latest state, and a
// function that detaches it.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	ch <- e.last
	e.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, ch)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) enable() error {
	if !e.opts.Gateway.Connected() {
		e.setStatus(talkerr.Status(talkerr.ErrGatewayUnavailable))
		return talkerr.ErrGatewayUnavailable
	}
	cancelled, err := e.m.Enable()
	e.resolveCancelled(cancelled)
	if err != nil {
		e.setStatus(talkerr.Status(err))
		return err
	}
	if e.turn == nil {
		e.setStatus(e.idleStatus())
	} else {
		e.publish()
	}
	return nil
}

func (e *Engine) disable() {
	e.abortTurn()
	e.resolveCancelled(e.m.Disable())
	e.setStatus(e.idleStatus())
}

func (e *Engine) begin() (*capture.Request, error) {
	if cur := e.m.Current(); cur != nil {
		return cur, nil
	}
	if !e.opts.Gateway.Connected() {
		e.setStatus(talkerr.Status(talkerr.ErrGatewayUnavailable))
		return nil, talkerr.ErrGatewayUnavailable
	}
	if e.speaking {
		e.interruptTurn(e.arbiter.Elapsed(time.Now()))
	}
	req, err := e.m.Begin()
	if err != nil {
		e.setStatus(talkerr.Status(err))
		return nil, err
	}
	time.AfterFunc(e.opts.CaptureMax, func() {
		e.post(func() {
			if e.m.Current() == req {
				log.Warnf("push-to-talk capture %s hit the %s limit", req.ID, e.opts.CaptureMax)
				e.end()
			}
		})
	})
	e.state.CaptureID = req.ID
	e.setStatus("Listening")
	return req, nil
}

func (e *Engine) end() capture.Result {
	req, u, ok := e.m.End()
	if !ok {
		return capture.Result{Status: capture.StatusIdle}
	}
	res := capture.Result{Transcript: u.Text}
	switch {
	case u.Text == "":
		res.Status = capture.StatusEmpty
		e.restore()
	case !e.opts.Gateway.Connected():
		res.Status = capture.StatusOffline
		e.restore()
		e.setStatus(talkerr.Status(talkerr.ErrGatewayUnavailable))
	case e.turn != nil:
		res.Status = capture.StatusBusy
		e.restore()
	default:
		res.Status = capture.StatusQueued
		e.startTurn(u)
	}
	req.Resolve(res)
	log.CaptureEnd(req.ID, string(res.Status), len(u.Text))
	e.state.CaptureID = ""
	return req.Result()
}

func (e *Engine) cancel() capture.Result {
	req, ok := e.m.Cancel()
	if !ok {
		return capture.Result{Status: capture.StatusIdle}
	}
	req.Resolve(capture.Result{Status: capture.StatusCancelled})
	log.CaptureEnd(req.ID, string(capture.StatusCancelled), 0)
	e.state.CaptureID = ""
	e.restore()
	return req.Result()
}

func (e *Engine) resolveCancelled(req *capture.Request) {
	if req == nil {
		return
	}
	if req.Resolve(capture.Result{Status: capture.StatusCancelled}) {
		log.CaptureEnd(req.ID, string(capture.StatusCancelled), 0)
	}
	e.state.CaptureID = ""
}

// restore resumes capture when no turn follows.
func (e *Engine) restore() {
	if e.turn != nil {
		return
	}
	if err := e.m.Restore(); err != nil {
		e.setStatus(talkerr.Status(err))
		return
	}
	e.setStatus(e.idleStatus())
}

func (e *Engine) tick(now time.Time) {
	if e.turn == nil {
		res := e.m.Tick(now)
		if res.Utterance != nil {
			e.onUtterance(*res.Utterance)
		}
		if res.AutoStop {
			e.end()
		}
	}
	connected := e.opts.Gateway.Connected()
	if connected != e.state.Connected {
		e.state.Connected = connected
		if !connected && e.m.Mode() != capture.Idle {
			e.setStatus(talkerr.Status(talkerr.ErrGatewayUnavailable))
		} else if connected && e.state.Status == talkerr.Status(talkerr.ErrGatewayUnavailable) && e.turn == nil {
			e.setStatus(e.idleStatus())
		}
	}
	e.publish()
}

func (e *Engine) onUtterance(u capture.Utterance) {
	if u.CaptureID == "" {
		u.CaptureID = uuid.NewString()
	}
	log.CaptureEnd(u.CaptureID, "endpoint", len(u.Text))
	if !e.opts.Gateway.Connected() {
		e.restore()
		e.setStatus(talkerr.Status(talkerr.ErrGatewayUnavailable))
		return
	}
	e.startTurn(u)
}

func (e *Engine) startTurn(u capture.Utterance) {
	e.m.Pause()
	e.interruptOnSpeech = e.talkConfig().InterruptOnSpeech
	ctx, cancel := context.WithCancel(e.ctx)
	t := &activeTurn{cancel: cancel}
	e.turn = t
	e.turns++
	e.state.LastUser = u.Text
	in := turn.Input{Text: u.Text, InterruptedAfter: e.interruptNote}
	e.interruptNote = 0
	e.archive(u)
	e.setStatus("Thinking")

	go func() {
		out := e.runner.Run(ctx, in)
		cancel()
		e.post(func() { e.finishTurn(t, out) })
	}()
}

func (e *Engine) finishTurn(t *activeTurn, out turn.Outcome) {
	if e.turn != t {
		return
	}
	e.turn = nil
	if out.Interrupted {
		// Drop anything the turn queued while it was being cancelled.
		e.queue.Interrupt()
	}
	e.stopSpeaking()
	if out.Reply != "" {
		e.state.LastReply = out.Reply
	}
	restoreErr := e.m.Restore()
	switch {
	case out.Err != nil:
		log.Warnf("turn %s: %v", out.RunID, out.Err)
		e.setStatus(talkerr.Status(out.Err))
	case restoreErr != nil:
		e.setStatus(talkerr.Status(restoreErr))
	case t.speechErr != nil && !out.Interrupted:
		e.setStatus(talkerr.Status(t.speechErr))
	default:
		e.setStatus(e.idleStatus())
	}
}

// abortTurn cancels the active turn and its playback.
func (e *Engine) abortTurn() {
	if e.turn == nil {
		return
	}
	e.turn.cancel()
	e.queue.Interrupt()
	e.stopSpeaking()
}

// interruptTurn stops the reply because the user cut in. elapsed goes into
// the next prompt.
func (e *Engine) interruptTurn(elapsed time.Duration) {
	if e.turn == nil {
		return
	}
	e.interruptNote = elapsed
	e.turn.cancel()
	e.queue.Interrupt()
	e.speaking = false
	e.m.SetSpeaking(false)
	e.arbiter.Stop()
}

func (e *Engine) onSpeechStart(req speech.Request) {
	if e.turn == nil {
		return
	}
	if !e.speaking {
		e.speaking = true
		e.m.SetSpeaking(true)
		e.arbiter.Start(time.Now())
		e.m.Detector().ResetBleed()
		e.isolated = e.outputIsolated()
		if e.interruptOnSpeech {
			if err := e.m.ListenForBargeIn(); err != nil {
				log.Warnf("barge-in listening unavailable: %v", err)
			}
		}
	}
	e.arbiter.Spoke(req.Text)
	e.setStatus("Speaking")
}

func (e *Engine) onSpeechError(err error) {
	if e.turn != nil {
		e.turn.speechErr = err
	}
}

func (e *Engine) onBargeIn(transcript string) {
	if e.turn == nil || !e.speaking {
		return
	}
	now := time.Now()
	decision := e.arbiter.Evaluate(transcript, e.isolated, now)
	if decision != interrupt.Allow {
		return
	}
	elapsed := e.arbiter.Elapsed(now)
	log.Interrupt(transcript, elapsed.Seconds(), e.m.Detector().Bleed())
	e.interruptTurn(elapsed)
	if !e.m.PromoteBargeIn() {
		e.m.StopBargeIn()
	}
	e.setStatus("Listening")
}

func (e *Engine) stopSpeaking() {
	e.speaking = false
	e.m.SetSpeaking(false)
	e.arbiter.Stop()
	e.m.StopBargeIn()
}

func (e *Engine) outputIsolated() bool {
	if e.opts.Audio == nil {
		return false
	}
	dev, err := e.opts.Audio.OutputDevice()
	if err != nil {
		log.Warnf("output device lookup failed: %v", err)
		return false
	}
	return audio.IsIsolated(dev.Name)
}

func (e *Engine) talkConfig() config.Talk {
	if e.opts.Talk == nil {
		return config.Talk{}
	}
	t, err := e.opts.Talk.Get(e.ctx, false)
	if err != nil {
		log.Warnf("talk config: %v", err)
	}
	return t
}

func (e *Engine) archive(u capture.Utterance) {
	if e.opts.Archive == nil || len(u.PCM) == 0 {
		return
	}
	a, id, pcm := e.opts.Archive, u.CaptureID, u.PCM
	go func() {
		path, err := a.Save(id, pcm)
		if err != nil {
			log.Warnf("archiving utterance %s: %v", id, err)
			return
		}
		log.Infof("archived utterance to %s", path)
	}()
}

func (e *Engine) idleStatus() string {
	switch {
	case e.m.Suspended():
		return "Paused"
	case e.m.Mode() == capture.Idle:
		return "Ready"
	}
	return "Listening"
}

func (e *Engine) phase() Phase {
	switch {
	case e.speaking:
		return PhaseSpeaking
	case e.turn != nil:
		return PhaseThinking
	case e.m.Listening():
		return PhaseListening
	}
	return PhaseIdle
}

func (e *Engine) setStatus(s string) {
	if s != e.state.Status {
		log.Infof("status: %s", s)
	}
	e.state.Status = s
	e.publish()
}

// publish snapshots coordinator state for observers, dropping any value a
// slow subscriber has not read yet.
func (e *Engine) publish() {
	s := e.state
	s.Mode = e.m.Mode()
	s.Phase = e.phase()
	s.Listening = e.m.Listening()
	s.Transcript = e.m.Transcript()
	s.Speaking = e.speaking
	s.KeepAlive = e.m.KeepAlive()

	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.last = s
	for ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (e *Engine) shutdown() {
	e.abortTurn()
	e.turn = nil
	e.resolveCancelled(e.m.Close())
	log.SessionEnd(e.turns)
	close(e.done)
}
