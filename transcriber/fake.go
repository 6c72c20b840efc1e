package transcriber

import (
	"context"
	"strings"
	"sync"
)

// FakeTranscriber hands out FakeSessions that tests drive by hand.
type FakeTranscriber struct {
	mu       sync.Mutex
	sessions []*FakeSession
	failNext error
}

func NewFake() *FakeTranscriber { return &FakeTranscriber{} }

func (f *FakeTranscriber) Name() string { return "fake" }

// FailNext makes the next NewSession call return err.
func (f *FakeTranscriber) FailNext(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

func (f *FakeTranscriber) NewSession(_ context.Context, cfg SessionConfig) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	s := &FakeSession{
		Config:  cfg,
		updates: make(chan Update, 64),
		errs:    make(chan error, 1),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *FakeTranscriber) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

// Last returns the most recent session, or nil.
func (f *FakeTranscriber) Last() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type FakeSession struct {
	Config SessionConfig

	updates chan Update
	errs    chan error

	mu        sync.Mutex
	text      string
	fed       int
	finished  bool
	cancelled bool
}

// Say delivers a recognizer update. It is a no-op after the session ended.
func (s *FakeSession) Say(text string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.cancelled {
		return
	}
	s.text = text
	select {
	case s.updates <- Update{Text: text, Final: final}:
	default:
	}
}

// Fail reports an engine error on the session's error channel.
func (s *FakeSession) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *FakeSession) Feed(pcm []byte) {
	s.mu.Lock()
	s.fed += len(pcm)
	s.mu.Unlock()
}

func (s *FakeSession) Updates() <-chan Update { return s.updates }

func (s *FakeSession) Errors() <-chan error { return s.errs }

func (s *FakeSession) Finish() (SessionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.cancelled {
		return SessionResult{NoSpeech: true}, errSessionEnded
	}
	s.finished = true
	close(s.updates)
	text := strings.TrimSpace(s.text)
	return SessionResult{Text: text, NoSpeech: text == ""}, nil
}

func (s *FakeSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.cancelled {
		return
	}
	s.cancelled = true
	close(s.updates)
}

func (s *FakeSession) Fed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fed
}

func (s *FakeSession) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *FakeSession) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
