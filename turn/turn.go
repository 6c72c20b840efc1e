// Package turn runs one conversational exchange: submit the utterance, wait
// for the run to finish while speaking streamed text, fetch the authoritative
// reply from history, and pick up follow-up messages.
package turn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"talkmode/config"
	"talkmode/gateway"
	"talkmode/log"
	"talkmode/segmenter"
	"talkmode/speech"
	"talkmode/talkerr"
)

type Completion string

const (
	CompletionFinal     Completion = "final"
	CompletionAborted   Completion = "aborted"
	CompletionError     Completion = "error"
	CompletionTimeout   Completion = "timeout"
	CompletionCancelled Completion = "cancelled"
)

// Timing bounds every wait in a turn.
type Timing struct {
	Completion     time.Duration
	HistoryPoll    time.Duration
	AfterFinal     time.Duration
	AfterTimeout   time.Duration
	FollowUpEvery  time.Duration
	FollowUpPolls  int
	FollowUpMisses int
	HistoryLimit   int
}

func DefaultTiming() Timing {
	return Timing{
		Completion:     120 * time.Second,
		HistoryPoll:    300 * time.Millisecond,
		AfterFinal:     12 * time.Second,
		AfterTimeout:   25 * time.Second,
		FollowUpEvery:  2 * time.Second,
		FollowUpPolls:  8,
		FollowUpMisses: 2,
		HistoryLimit:   20,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.Completion <= 0 {
		t.Completion = d.Completion
	}
	if t.HistoryPoll <= 0 {
		t.HistoryPoll = d.HistoryPoll
	}
	if t.AfterFinal <= 0 {
		t.AfterFinal = d.AfterFinal
	}
	if t.AfterTimeout <= 0 {
		t.AfterTimeout = d.AfterTimeout
	}
	if t.FollowUpEvery <= 0 {
		t.FollowUpEvery = d.FollowUpEvery
	}
	if t.FollowUpPolls <= 0 {
		t.FollowUpPolls = d.FollowUpPolls
	}
	if t.FollowUpMisses <= 0 {
		t.FollowUpMisses = d.FollowUpMisses
	}
	if t.HistoryLimit <= 0 {
		t.HistoryLimit = d.HistoryLimit
	}
	return t
}

// Speaker is the FIFO output the runner feeds; speech.Queue implements it.
// A request must not be spoken once its ctx has ended.
type Speaker interface {
	Enqueue(ctx context.Context, req speech.Request)
	Wait(ctx context.Context) error
	Interrupt() bool
}

type Input struct {
	Text string
	// InterruptedAfter is how long the previous reply played before the
	// user cut in; zero when it was not interrupted.
	InterruptedAfter time.Duration
}

type Outcome struct {
	RunID       string
	Completion  Completion
	Reply       string
	Segments    int
	FollowUps   int
	Interrupted bool
	Err         error

	Wait  time.Duration
	Fetch time.Duration
	Total time.Duration
}

type Options struct {
	SessionKey string
	Streaming  bool
	Timing     Timing
	Now        func() time.Time
}

type Runner struct {
	gw   gateway.Client
	sp   Speaker
	talk *config.Cached
	opts Options

	mu       sync.Mutex
	override *segmenter.Directive
}

func New(gw gateway.Client, sp Speaker, talk *config.Cached, opts Options) *Runner {
	opts.Timing = opts.Timing.withDefaults()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{gw: gw, sp: sp, talk: talk, opts: opts}
}

// Prompt is the message submitted for in.
func Prompt(in Input) string {
	text := strings.TrimSpace(in.Text)
	if in.InterruptedAfter > 0 {
		return fmt.Sprintf("(interrupted after %.1fs)\n%s", in.InterruptedAfter.Seconds(), text)
	}
	return text
}

// Run performs one turn. Failures come back on Outcome.Err; Run never
// retries a submitted utterance.
func (r *Runner) Run(ctx context.Context, in Input) (out Outcome) {
	started := r.opts.Now()
	defer func() {
		out.Total = r.opts.Now().Sub(started)
		if ctx.Err() != nil {
			out.Interrupted = true
		}
		outcome := "ok"
		if out.Err != nil {
			outcome = string(talkerr.CodeOf(out.Err))
			if outcome == "" {
				outcome = "error"
			}
		}
		log.TurnEnd(log.TurnMetrics{
			RunID:       out.RunID,
			Completion:  string(out.Completion),
			Outcome:     outcome,
			Segments:    out.Segments,
			FollowUps:   out.FollowUps,
			WaitMs:      float64(out.Wait.Milliseconds()),
			FetchMs:     float64(out.Fetch.Milliseconds()),
			TotalMs:     float64(out.Total.Milliseconds()),
			Interrupted: out.Interrupted,
		})
	}()

	if !r.gw.Connected() {
		out.Err = talkerr.ErrGatewayUnavailable
		return out
	}
	talk := r.loadTalk(ctx)
	prompt := Prompt(in)
	log.Conversation("user", prompt)

	runID, err := r.gw.Send(ctx, r.opts.SessionKey, prompt, uuid.NewString())
	if err != nil {
		if ctx.Err() == nil {
			out.Err = r.sendError(err)
		}
		return out
	}
	out.RunID = runID
	log.TurnStart(runID, len(prompt))

	v := r.newVoice(ctx, talk)
	waitStart := r.opts.Now()
	completion, failure, st := r.await(ctx, runID, v)
	out.Completion = completion
	out.Wait = r.opts.Now().Sub(waitStart)
	out.Segments = st.segments

	switch completion {
	case CompletionCancelled:
		return out
	case CompletionAborted:
		r.sp.Interrupt()
		out.Err = runFailure(talkerr.ErrRunAborted, failure)
		return out
	case CompletionError:
		r.sp.Interrupt()
		out.Err = runFailure(talkerr.ErrRunError, failure)
		return out
	}

	deadline := r.opts.Timing.AfterFinal
	if completion == CompletionTimeout {
		deadline = r.opts.Timing.AfterTimeout
	}
	since := started.UnixMilli()
	fetchStart := r.opts.Now()
	reply, history, found := r.fetchReply(ctx, since, deadline)
	out.Fetch = r.opts.Now().Sub(fetchStart)
	if ctx.Err() != nil {
		return out
	}

	text := st.last
	if found {
		text = reply.Text()
	}
	if st.segments == 0 {
		if strings.TrimSpace(text) == "" {
			if completion == CompletionTimeout {
				out.Err = talkerr.ErrRunTimeout
			} else {
				out.Err = talkerr.ErrNoReplyTimeout
			}
			return out
		}
		spoken, n := r.speakWhole(v, text)
		out.Reply = spoken
		out.Segments += n
	} else {
		out.Reply = st.spoken
	}
	log.Conversation("assistant", out.Reply)

	if found {
		out.FollowUps = r.followUps(ctx, v, since, history)
	}
	_ = r.sp.Wait(ctx)
	return out
}

func (r *Runner) loadTalk(ctx context.Context) config.Talk {
	if r.talk == nil {
		return config.Talk{}
	}
	t, err := r.talk.Get(ctx, false)
	if err != nil {
		log.Warnf("talk config unavailable, using defaults: %v", err)
	}
	return t
}

func (r *Runner) sendError(err error) error {
	if !r.gw.Connected() || talkerr.CodeOf(err) == talkerr.CodeGatewayUnavailable {
		return talkerr.Wrap(err, talkerr.CodeGatewayUnavailable, "submitting utterance")
	}
	return talkerr.Wrap(err, talkerr.CodeRunError, "submitting utterance")
}

func runFailure(base *talkerr.Error, detail string) error {
	if detail == "" {
		return base
	}
	return talkerr.Newf(base.Code, "%s: %s", base.Message, detail)
}

type streamed struct {
	segments int
	last     string
	spoken   string
}

// await races the run's terminal event against the completion timeout while
// the streaming consumer speaks text as it arrives.
func (r *Runner) await(ctx context.Context, runID string, v *voice) (Completion, string, streamed) {
	var (
		completion Completion
		failure    string
		st         streamed
	)
	g, gctx := errgroup.WithContext(ctx)
	streamCtx, cancelStream := context.WithCancel(gctx)
	defer cancelStream()

	if r.opts.Streaming {
		sub := r.gw.Subscribe(gateway.ForRun(runID))
		g.Go(func() error {
			defer sub.Close()
			st = r.stream(streamCtx, sub, v)
			return nil
		})
	}
	g.Go(func() error {
		completion, failure = r.waitCompletion(gctx, runID)
		if completion != CompletionFinal {
			cancelStream()
		}
		return nil
	})
	_ = g.Wait()
	if completion != CompletionCancelled && ctx.Err() != nil {
		completion = CompletionCancelled
	}
	return completion, failure, st
}

func (r *Runner) waitCompletion(ctx context.Context, runID string) (Completion, string) {
	sub := r.gw.Subscribe(gateway.ForRun(runID))
	defer sub.Close()
	timer := time.NewTimer(r.opts.Timing.Completion)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return CompletionCancelled, ""
		case <-timer.C:
			return CompletionTimeout, ""
		case ev, ok := <-sub.C:
			if !ok {
				return CompletionCancelled, ""
			}
			if ev.State.Terminal() {
				return Completion(ev.State), ev.ErrorMessage
			}
		}
	}
}

func (r *Runner) stream(ctx context.Context, sub *gateway.Subscription, v *voice) streamed {
	var st streamed
	seg := segmenter.New()
	speak := func(parts []string) {
		for _, p := range parts {
			if ctx.Err() != nil || !v.say(r.sp, seg.Directive(), p) {
				return
			}
			st.segments++
			st.spoken = joinSpoken(st.spoken, p)
		}
	}
	for {
		// Buffered events must not win over cancellation.
		if ctx.Err() != nil {
			return st
		}
		select {
		case <-ctx.Done():
			return st
		case ev, ok := <-sub.C:
			if !ok {
				return st
			}
			switch ev.State {
			case gateway.StateDelta:
				text := ev.Text()
				if text == "" {
					continue
				}
				st.last = text
				speak(seg.Ingest(text, false))
			case gateway.StateFinal:
				if text := ev.Text(); text != "" {
					st.last = text
				}
				if st.last != "" {
					speak(seg.Ingest(st.last, true))
				}
				speak(seg.Flush())
				return st
			default:
				return st
			}
		}
	}
}

// fetchReply polls history for the newest assistant message at or after
// since (unix ms) until deadline.
func (r *Runner) fetchReply(ctx context.Context, since int64, deadline time.Duration) (gateway.Message, []gateway.Message, bool) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(r.opts.Timing.HistoryPoll)
	defer ticker.Stop()
	for {
		msgs, err := r.gw.History(ctx, r.opts.SessionKey, r.opts.Timing.HistoryLimit)
		if err == nil {
			if m, ok := latestAssistant(msgs, since); ok {
				return m, msgs, true
			}
		} else if ctx.Err() == nil {
			log.Warnf("history fetch failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return gateway.Message{}, nil, false
		case <-ticker.C:
		}
	}
}

// followUps speaks assistant messages that show up after the reply, e.g.
// the later steps of a tool-using run.
func (r *Runner) followUps(ctx context.Context, v *voice, since int64, history []gateway.Message) int {
	seen := make(map[string]bool)
	for _, m := range assistantSince(history, since) {
		seen[messageKey(m)] = true
	}
	spoken, misses := 0, 0
	t := r.opts.Timing
	for poll := 0; poll < t.FollowUpPolls && misses < t.FollowUpMisses; poll++ {
		select {
		case <-ctx.Done():
			return spoken
		case <-time.After(t.FollowUpEvery):
		}
		msgs, err := r.gw.History(ctx, r.opts.SessionKey, t.HistoryLimit)
		if err != nil {
			misses++
			continue
		}
		var fresh []gateway.Message
		for _, m := range assistantSince(msgs, since) {
			if !seen[messageKey(m)] {
				fresh = append(fresh, m)
			}
		}
		if len(fresh) == 0 {
			misses++
			continue
		}
		misses = 0
		for _, m := range fresh {
			seen[messageKey(m)] = true
			text, _ := r.speakWhole(v, m.Text())
			log.Conversation("assistant", text)
			spoken++
		}
	}
	return spoken
}

// speakWhole segments a complete reply and queues it.
func (r *Runner) speakWhole(v *voice, text string) (string, int) {
	seg := segmenter.New()
	parts := append(seg.Ingest(text, true), seg.Flush()...)
	spoken, n := "", 0
	for _, p := range parts {
		if !v.say(r.sp, seg.Directive(), p) {
			break
		}
		spoken = joinSpoken(spoken, p)
		n++
	}
	return spoken, n
}

func latestAssistant(msgs []gateway.Message, since int64) (gateway.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == "assistant" && m.Timestamp >= since && m.Text() != "" {
			return m, true
		}
	}
	return gateway.Message{}, false
}

func assistantSince(msgs []gateway.Message, since int64) []gateway.Message {
	var out []gateway.Message
	for _, m := range msgs {
		if m.Role == "assistant" && m.Timestamp >= since && m.Text() != "" {
			out = append(out, m)
		}
	}
	return out
}

func messageKey(m gateway.Message) string {
	return fmt.Sprintf("%d\x00%s", m.Timestamp, m.Text())
}

func joinSpoken(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}
