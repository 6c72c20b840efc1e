package talk

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkmode/audio"
	"talkmode/capture"
	"talkmode/config"
	"talkmode/gateway"
	"talkmode/speech"
	"talkmode/talkerr"
	"talkmode/transcriber"
	"talkmode/turn"
)

const waitFor = 5 * time.Second

type env struct {
	e     *Engine
	gw    *gateway.Fake
	tr    *transcriber.FakeTranscriber
	actx  *audio.FakeContext
	dev   *audio.FakeCapture
	synth *speech.FakeSynthesizer
	talk  *config.StaticSource
}

func newEnv(t *testing.T, talk config.Talk, mutate func(*Options, *env)) *env {
	t.Helper()
	actx := audio.NewFakeContext(nil, false)
	dev, err := actx.NewCapture(nil, audio.CaptureConfig{SampleRate: audio.SampleRate, Channels: audio.Channels})
	require.NoError(t, err)
	v := &env{
		gw:    gateway.NewFake(),
		tr:    transcriber.NewFake(),
		actx:  actx,
		dev:   dev.(*audio.FakeCapture),
		synth: &speech.FakeSynthesizer{Duration: 5 * time.Millisecond},
		talk:  config.NewStatic(talk),
	}
	opts := Options{
		Gateway:     v.gw,
		Audio:       actx,
		Capture:     v.dev,
		Transcriber: v.tr,
		Speaker:     &speech.Chain{Primary: v.synth, Fallback: &speech.FakeFallback{}},
		Talk:        config.NewCached(v.talk),
		Timing: turn.Timing{
			HistoryPoll:   5 * time.Millisecond,
			AfterFinal:    200 * time.Millisecond,
			AfterTimeout:  200 * time.Millisecond,
			FollowUpEvery: 5 * time.Millisecond,
		},
		Grace: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts, v)
	}
	v.e = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = v.e.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return v
}

// replies scripts the gateway to answer the n-th message with texts[n].
func (v *env) replies(texts ...string) {
	v.gw.OnSend = func(f *gateway.Fake, s gateway.Sent) {
		n := len(f.Sent()) - 1
		if n >= len(texts) {
			return
		}
		f.AppendHistory(gateway.AssistantMessage(texts[n], time.Now().UnixMilli()))
		f.Publish(gateway.ChatEvent{RunID: s.RunID, SessionKey: s.SessionKey, State: gateway.StateFinal})
	}
}

func (v *env) waitSessions(t *testing.T, n int) *transcriber.FakeSession {
	t.Helper()
	require.Eventually(t, func() bool { return len(v.tr.Sessions()) >= n }, waitFor, 5*time.Millisecond)
	return v.tr.Sessions()[n-1]
}

func (v *env) waitState(t *testing.T, ok func(State) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return ok(v.e.State()) }, waitFor, 5*time.Millisecond)
}

func TestContinuousTurnRestoresListening(t *testing.T) {
	v := newEnv(t, config.Talk{VoiceID: "voice-1"}, nil)
	v.replies("It's 3pm.")

	require.NoError(t, v.e.Enable())
	v.waitSessions(t, 1).Say("what time is it", true)

	require.Eventually(t, func() bool {
		texts := v.synth.Texts()
		return len(texts) == 1 && texts[0] == "It's 3pm."
	}, waitFor, 10*time.Millisecond)
	v.waitState(t, func(s State) bool {
		return s.Status == "Listening" && s.Phase == PhaseListening && s.LastReply == "It's 3pm."
	})

	s := v.e.State()
	assert.Equal(t, capture.Continuous, s.Mode)
	assert.Equal(t, "what time is it", s.LastUser)
	sent := v.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "what time is it", sent[0].Message)
	assert.Equal(t, "voice-1", v.synth.Calls()[0].VoiceID)
	assert.GreaterOrEqual(t, len(v.tr.Sessions()), 2, "a fresh recognizer after the turn")
}

func TestEndTwiceStartsOneTurn(t *testing.T) {
	v := newEnv(t, config.Talk{VoiceID: "voice-1"}, nil)
	v.replies("Hi there.")

	id, err := v.e.Begin()
	require.NoError(t, err)
	again, err := v.e.Begin()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	v.waitSessions(t, 1).Say("hello there", false)
	v.waitState(t, func(s State) bool { return s.Transcript == "hello there" })

	first := v.e.End()
	assert.Equal(t, capture.StatusQueued, first.Status)
	assert.Equal(t, id, first.CaptureID)
	assert.Equal(t, "hello there", first.Transcript)

	second := v.e.End()
	assert.Equal(t, capture.StatusIdle, second.Status)

	require.Eventually(t, func() bool { return len(v.synth.Texts()) == 1 }, waitFor, 10*time.Millisecond)
	v.waitState(t, func(s State) bool { return s.Status == "Ready" && s.Phase == PhaseIdle })
	assert.Len(t, v.gw.Sent(), 1)
}

func TestEndWithoutSpeechIsEmpty(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	_, err := v.e.Begin()
	require.NoError(t, err)

	assert.Equal(t, capture.StatusEmpty, v.e.End().Status)
	assert.Equal(t, capture.StatusIdle, v.e.End().Status)
	assert.Empty(t, v.gw.Sent())
}

func TestOffline(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	v.gw.SetConnected(false)

	err := v.e.Enable()
	assert.ErrorIs(t, err, talkerr.ErrGatewayUnavailable)
	assert.Equal(t, "Offline", v.e.State().Status)
	_, err = v.e.Begin()
	assert.ErrorIs(t, err, talkerr.ErrGatewayUnavailable)

	v.gw.SetConnected(true)
	_, err = v.e.Begin()
	require.NoError(t, err)
	v.waitSessions(t, 1).Say("are you there", true)
	v.waitState(t, func(s State) bool { return s.Transcript == "are you there" })
	v.gw.SetConnected(false)

	res := v.e.End()
	assert.Equal(t, capture.StatusOffline, res.Status)
	assert.Empty(t, v.gw.Sent())
}

func TestPushToTalkExitsAndResumesContinuous(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	require.NoError(t, v.e.Enable())
	_, err := v.e.Begin()
	require.NoError(t, err)
	v.waitState(t, func(s State) bool { return s.Mode == capture.PushToTalk })

	assert.Equal(t, capture.StatusEmpty, v.e.End().Status)
	v.waitState(t, func(s State) bool {
		return s.Mode == capture.Continuous && s.Listening && s.Status == "Listening"
	})
}

func TestEnableCancelsPushToTalk(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	result := make(chan capture.Result, 1)
	go func() { result <- v.e.Once(context.Background(), 5*time.Second) }()
	v.waitSessions(t, 1)

	require.NoError(t, v.e.Enable())
	select {
	case res := <-result:
		assert.Equal(t, capture.StatusCancelled, res.Status)
	case <-time.After(waitFor):
		t.Fatal("single-shot capture was not resolved")
	}
	assert.Equal(t, capture.Continuous, v.e.State().Mode)
}

func TestCancel(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	id, err := v.e.Begin()
	require.NoError(t, err)

	res := v.e.Cancel()
	assert.Equal(t, capture.StatusCancelled, res.Status)
	assert.Equal(t, id, res.CaptureID)
	assert.Equal(t, capture.StatusIdle, v.e.Cancel().Status)
}

func TestOnceForceEndsAtLimit(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	v.replies("Done.")
	result := make(chan capture.Result, 1)
	go func() { result <- v.e.Once(context.Background(), 300*time.Millisecond) }()

	v.waitSessions(t, 1).Say("turn on the lights", false)
	select {
	case res := <-result:
		assert.Equal(t, capture.StatusQueued, res.Status)
		assert.Equal(t, "turn on the lights", res.Transcript)
	case <-time.After(waitFor):
		t.Fatal("single-shot capture did not time out")
	}
}

func TestOnceStopsOnSilence(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	v.replies("Done.")
	result := make(chan capture.Result, 1)
	start := time.Now()
	go func() { result <- v.e.Once(context.Background(), 30*time.Second) }()

	v.waitSessions(t, 1).Say("lights off", true)
	select {
	case res := <-result:
		assert.Equal(t, capture.StatusQueued, res.Status)
		assert.Less(t, time.Since(start), 10*time.Second)
	case <-time.After(waitFor):
		t.Fatal("single-shot capture did not stop on silence")
	}
}

func TestOnceCancelledByContext(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan capture.Result, 1)
	go func() { result <- v.e.Once(ctx, 30*time.Second) }()

	v.waitSessions(t, 1)
	cancel()
	select {
	case res := <-result:
		assert.Equal(t, capture.StatusCancelled, res.Status)
	case <-time.After(waitFor):
		t.Fatal("single-shot capture ignored cancellation")
	}
}

func TestBargeInInterruptsReply(t *testing.T) {
	talk := config.Talk{VoiceID: "voice-1", InterruptOnSpeech: true}
	v := newEnv(t, talk, func(o *Options, v *env) {
		v.synth.Duration = 10 * time.Second
		v.actx.SetOutput("AirPods Pro")
	})
	v.replies("Once upon a time there was a dragon.", "Okay.")

	require.NoError(t, v.e.Enable())
	v.waitSessions(t, 1).Say("tell me a story", true)
	v.waitState(t, func(s State) bool { return s.Speaking })

	bargeIn := v.waitSessions(t, 2)
	time.Sleep(60 * time.Millisecond)
	bargeIn.Say("stop right there", false)

	require.Eventually(t, func() bool { return len(v.gw.Sent()) == 2 }, waitFor, 10*time.Millisecond)
	msg := v.gw.Sent()[1].Message
	assert.True(t, strings.HasPrefix(msg, "(interrupted after "), msg)
	assert.True(t, strings.HasSuffix(msg, "\nstop right there"), msg)
}

func TestBargeInDropsStreamedSegments(t *testing.T) {
	talk := config.Talk{VoiceID: "voice-1", InterruptOnSpeech: true}
	v := newEnv(t, talk, func(o *Options, v *env) {
		o.Streaming = true
		v.synth.Duration = 10 * time.Second
		v.actx.SetOutput("AirPods Pro")
	})
	stop := make(chan struct{})
	defer close(stop)
	v.gw.OnSend = func(f *gateway.Fake, s gateway.Sent) {
		if len(f.Sent()) > 1 {
			f.AppendHistory(gateway.AssistantMessage("Okay.", time.Now().UnixMilli()))
			f.Publish(gateway.ChatEvent{RunID: s.RunID, SessionKey: s.SessionKey, State: gateway.StateFinal})
			return
		}
		go func() {
			text := ""
			for n := 1; n <= 100; n++ {
				text += fmt.Sprintf("Sentence number %d. ", n)
				m := gateway.AssistantMessage(text, time.Now().UnixMilli())
				f.Publish(gateway.ChatEvent{RunID: s.RunID, SessionKey: s.SessionKey, State: gateway.StateDelta, Message: &m})
				select {
				case <-stop:
					return
				case <-time.After(5 * time.Millisecond):
				}
			}
		}()
	}

	require.NoError(t, v.e.Enable())
	v.waitSessions(t, 1).Say("tell me a story", true)
	v.waitState(t, func(s State) bool { return s.Speaking })

	bargeIn := v.waitSessions(t, 2)
	time.Sleep(60 * time.Millisecond)
	bargeIn.Say("stop right there", false)

	require.Eventually(t, func() bool {
		for _, text := range v.synth.Texts() {
			if text == "Okay." {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	var story []string
	for _, text := range v.synth.Texts() {
		if strings.HasPrefix(text, "Sentence") {
			story = append(story, text)
		}
	}
	assert.Equal(t, []string{"Sentence number 1."}, story, "only the segment playing at the barge-in was spoken")
}

func TestBargeInIgnoredOnSpeakers(t *testing.T) {
	talk := config.Talk{VoiceID: "voice-1", InterruptOnSpeech: true}
	v := newEnv(t, talk, func(o *Options, v *env) {
		v.synth.Duration = 400 * time.Millisecond
		v.actx.SetOutput("MacBook Pro Speakers")
	})
	v.replies("A long answer about dragons.")

	require.NoError(t, v.e.Enable())
	v.waitSessions(t, 1).Say("tell me a story", true)
	v.waitState(t, func(s State) bool { return s.Speaking })
	v.waitSessions(t, 2).Say("stop right there", false)

	v.waitState(t, func(s State) bool { return !s.Speaking && s.Status == "Listening" })
	assert.Len(t, v.gw.Sent(), 1)
	assert.Equal(t, "A long answer about dragons.", v.e.State().LastReply)
}

func TestNoReplyStatus(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	v.gw.OnSend = func(f *gateway.Fake, s gateway.Sent) {
		f.Publish(gateway.ChatEvent{RunID: s.RunID, State: gateway.StateFinal})
	}
	_, err := v.e.Begin()
	require.NoError(t, err)
	v.waitSessions(t, 1).Say("hello", true)
	v.waitState(t, func(s State) bool { return s.Transcript == "hello" })
	require.Equal(t, capture.StatusQueued, v.e.End().Status)

	v.waitState(t, func(s State) bool { return s.Status == "No reply" })
}

func TestSuspendWithoutKeepAlive(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	require.NoError(t, v.e.Enable())
	v.e.Suspend()
	s := v.e.State()
	assert.Equal(t, capture.Idle, s.Mode)
	assert.False(t, v.dev.Running())

	require.NoError(t, v.e.Resume())
	v.waitState(t, func(s State) bool { return s.Mode == capture.Continuous && s.Listening })
}

func TestSuspendWithKeepAlive(t *testing.T) {
	v := newEnv(t, config.Talk{}, func(o *Options, _ *env) { o.KeepAlive = true })
	require.NoError(t, v.e.Enable())
	v.e.Suspend()
	s := v.e.State()
	assert.Equal(t, "Paused", s.Status)
	assert.Equal(t, capture.Continuous, s.Mode)
	assert.True(t, v.dev.Running())

	require.NoError(t, v.e.Resume())
	v.waitState(t, func(s State) bool { return s.Listening && s.Status == "Listening" })
	assert.Equal(t, 1, v.dev.Starts())
}

func TestSubscribe(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	ch, stop := v.e.Subscribe()
	defer stop()

	require.NoError(t, v.e.Enable())
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-ch:
			if s.Status == "Listening" && s.Mode == capture.Continuous {
				return
			}
		case <-deadline:
			t.Fatal("never observed the listening state")
		}
	}
}

func TestDisable(t *testing.T) {
	v := newEnv(t, config.Talk{}, nil)
	require.NoError(t, v.e.Enable())
	v.e.Disable()
	s := v.e.State()
	assert.Equal(t, capture.Idle, s.Mode)
	assert.Equal(t, "Ready", s.Status)
	assert.False(t, v.dev.Running())
}
