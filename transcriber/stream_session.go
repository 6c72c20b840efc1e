package transcriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"talkmode/audio"
	"talkmode/log"
)

const (
	streamChunkMs      = 200
	streamChunkBytes   = audio.SampleRate * audio.Channels * (audio.BitsPerSample / 8) * streamChunkMs / 1000
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
	streamDrainMax     = 2 * time.Second
)

var errSessionEnded = errors.New("recognition session already ended")

type rawStreamSession interface {
	Send(pcm []byte) error
	CloseSend() error
	Recv() (streamUpdate, error)
	Close() error
}

type streamUpdate struct {
	Transcript   string
	IsFinal      bool
	SpeechFinal  bool
	FromFinalize bool
}

type streamSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws        rawStreamSession
	audioCh   chan []byte
	updates   chan Update
	errs      chan error
	startedAt time.Time
	connected chan struct{} // closed when the socket is ready or the dial failed

	sendDone      chan struct{}
	recvDone      chan struct{}
	finalized     chan struct{}
	finalizedOnce sync.Once
	ended         atomic.Bool

	feedBuf    []byte
	feedMu     sync.Mutex
	feedClosed bool

	mu        sync.Mutex
	committed string
	err       error
	closing   bool
	stats     streamStats
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	CommitEvents int
	FinalizeWait time.Duration
	SessionDur   time.Duration
}

func (s streamStats) audioDuration() float64 {
	return float64(s.SentBytes) / float64(audio.SampleRate*audio.Channels*(audio.BitsPerSample/8))
}

func newStreamSession(parent context.Context, dial func(context.Context) (rawStreamSession, error)) *streamSession {
	ctx, cancel := context.WithCancel(parent)
	ss := &streamSession{
		ctx:       ctx,
		cancel:    cancel,
		audioCh:   make(chan []byte, 128),
		updates:   make(chan Update, 64),
		errs:      make(chan error, 1),
		startedAt: time.Now(),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		finalized: make(chan struct{}),
		connected: make(chan struct{}),
	}

	go func() {
		connectStart := time.Now()
		ws, err := dial(ctx)
		ss.mu.Lock()
		ss.stats.ConnectDur = time.Since(connectStart)
		ss.mu.Unlock()

		if err != nil {
			ss.setErr(err)
			close(ss.sendDone)
			close(ss.recvDone)
			close(ss.connected)
			return
		}

		ss.mu.Lock()
		ss.ws = ws
		ss.mu.Unlock()
		close(ss.connected)
		go ss.runSender()
		go ss.runReceiver()
	}()

	return ss
}

func (s *streamSession) Feed(pcm []byte) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feedClosed {
		return
	}
	s.feedBuf = append(s.feedBuf, pcm...)
	for len(s.feedBuf) >= streamChunkBytes {
		chunk := make([]byte, streamChunkBytes)
		copy(chunk, s.feedBuf[:streamChunkBytes])
		s.feedBuf = s.feedBuf[streamChunkBytes:]
		select {
		case s.audioCh <- chunk:
		case <-s.sendDone:
			s.feedBuf = nil
			return
		case <-s.ctx.Done():
			s.feedBuf = nil
			return
		}
	}
}

func (s *streamSession) Updates() <-chan Update { return s.updates }

func (s *streamSession) Errors() <-chan error { return s.errs }

// closeFeed stops accepting audio; flush sends the partial tail chunk first.
func (s *streamSession) closeFeed(flush bool) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feedClosed {
		return
	}
	s.feedClosed = true
	if flush && len(s.feedBuf) > 0 {
		select {
		case s.audioCh <- s.feedBuf:
		case <-s.sendDone:
		}
	}
	s.feedBuf = nil
	close(s.audioCh)
}

func (s *streamSession) Finish() (SessionResult, error) {
	if !s.ended.CompareAndSwap(false, true) {
		return SessionResult{NoSpeech: true}, errSessionEnded
	}
	<-s.connected

	s.mu.Lock()
	connErr := s.err
	s.mu.Unlock()
	if s.ws == nil {
		s.closeFeed(false)
		s.cancel()
		close(s.updates)
		return SessionResult{NoSpeech: true}, connErr
	}

	s.closeFeed(true)
	finalizeStart := time.Now()
	<-s.sendDone

	// Wait for the server's finalize acknowledgement, then a brief quiet period.
	select {
	case <-s.finalized:
		time.Sleep(streamFinalizeIdle)
	case <-time.After(streamFinalizeMax):
	case <-s.recvDone:
	}

	s.shutdown()

	// The last non-blocking send may have been dropped.
	s.mu.Lock()
	finalText := s.committed
	s.mu.Unlock()
	if finalText != "" {
		select {
		case s.updates <- Update{Text: finalText, Final: true}:
		default:
		}
	}
	close(s.updates)

	s.mu.Lock()
	text := strings.TrimSpace(s.committed)
	stats := s.stats
	stats.FinalizeWait = time.Since(finalizeStart)
	stats.SessionDur = time.Since(s.startedAt)
	sessionErr := s.err
	s.mu.Unlock()

	st := &StreamStats{
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		RecvMessages: stats.RecvMessages,
		RecvFinal:    stats.RecvFinal,
		RecvInterim:  stats.RecvInterim,
		CommitEvents: stats.CommitEvents,
		FinalizeMs:   float64(stats.FinalizeWait.Milliseconds()),
		TotalMs:      float64(stats.SessionDur.Milliseconds()),
		AudioS:       stats.audioDuration(),
	}
	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:    st.ConnectMs,
		FinalizeMs:   st.FinalizeMs,
		TotalMs:      st.TotalMs,
		AudioS:       st.AudioS,
		SentChunks:   st.SentChunks,
		SentKB:       st.SentKB,
		RecvMessages: st.RecvMessages,
		RecvFinal:    st.RecvFinal,
		RecvInterim:  st.RecvInterim,
	})

	return SessionResult{Text: text, NoSpeech: text == "", Stream: st}, sessionErr
}

// Cancel abandons the session without waiting for the engine. Buffered
// audio is discarded.
func (s *streamSession) Cancel() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	<-s.connected
	if s.ws != nil {
		s.ws.Close()
	}
	s.closeFeed(false)
	<-s.sendDone
	<-s.recvDone
	close(s.updates)
}

func (s *streamSession) shutdown() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.ws.Close()
	s.cancel()
	select {
	case <-s.recvDone:
	case <-time.After(streamDrainMax):
		log.Warn("stream receiver drain timeout")
	}
}

func (s *streamSession) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.ws.Send(chunk); err != nil {
			s.setErr(err)
			// Keep draining so closeFeed never blocks on a dead socket.
			for range s.audioCh {
			}
			return
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}
	if err := s.ws.CloseSend(); err != nil {
		s.setErr(err)
	}
}

func (s *streamSession) runReceiver() {
	defer close(s.recvDone)
	for {
		update, err := s.ws.Recv()
		if err != nil {
			s.setErr(err)
			return
		}

		if update.FromFinalize {
			s.finalizedOnce.Do(func() { close(s.finalized) })
		}

		isFinal := update.IsFinal || update.SpeechFinal || update.FromFinalize
		transcript := strings.TrimSpace(update.Transcript)

		s.mu.Lock()
		s.stats.RecvMessages++
		if isFinal {
			s.stats.RecvFinal++
		} else {
			s.stats.RecvInterim++
		}
		if transcript == "" {
			s.mu.Unlock()
			continue
		}
		var out Update
		if isFinal {
			s.committed = joinWords(s.committed, transcript)
			s.stats.CommitEvents++
			out = Update{Text: s.committed, Final: true}
		} else {
			out = Update{Text: joinWords(s.committed, transcript)}
		}
		s.mu.Unlock()

		select {
		case s.updates <- out:
		default:
		}
	}
}

func joinWords(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}

// setErr records the first failure and reports it unless the session is
// already being torn down on purpose.
func (s *streamSession) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err != nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.err = err
	ws := s.ws
	s.mu.Unlock()

	select {
	case s.errs <- err:
	default:
	}
	if ws != nil {
		ws.Close()
	}
}
