package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkmode/audio"
	"talkmode/talkerr"
)

func TestAlternateFormat(t *testing.T) {
	assert.Equal(t, "pcm_16000", AlternateFormat("pcm_24000"))
	assert.Equal(t, "pcm_16000", AlternateFormat("pcm_44100"))
	assert.Equal(t, "pcm_22050", AlternateFormat("pcm_16000"))
}

func TestSampleRate(t *testing.T) {
	rate, err := SampleRate("pcm_24000")
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	_, err = SampleRate("mp3_44100_128")
	assert.Error(t, err)
	_, err = SampleRate("pcm_x")
	assert.Error(t, err)
}

func TestChainPrimaryFinishes(t *testing.T) {
	syn := &FakeSynthesizer{}
	fb := &FakeFallback{}
	c := &Chain{Primary: syn, Fallback: fb}

	res, err := c.Speak(context.Background(), Request{Text: "It's 3pm.", VoiceID: "v"})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	require.Len(t, syn.Calls(), 1)
	assert.Equal(t, DefaultFormat, syn.Calls()[0].OutputFormat)
	assert.Empty(t, fb.Texts())
}

func TestChainRetriesAlternateThenFallsBack(t *testing.T) {
	syn := &FakeSynthesizer{Script: func(int, Request) *Step {
		return &Step{Err: errors.New("stream cut")}
	}}
	fb := &FakeFallback{}
	c := &Chain{Primary: syn, Fallback: fb}

	res, err := c.Speak(context.Background(), Request{Text: "Hello.", VoiceID: "v", OutputFormat: "pcm_24000", Language: "en"})
	require.NoError(t, err)
	assert.True(t, res.Finished)

	calls := syn.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "pcm_24000", calls[0].OutputFormat)
	assert.Equal(t, "pcm_16000", calls[1].OutputFormat)
	assert.Equal(t, []string{"Hello."}, fb.Texts())
}

func TestChainRetrySucceeds(t *testing.T) {
	syn := &FakeSynthesizer{Script: func(call int, _ Request) *Step {
		if call == 1 {
			return &Step{Result: Result{}}
		}
		return nil
	}}
	fb := &FakeFallback{}
	res, err := (&Chain{Primary: syn, Fallback: fb}).Speak(context.Background(), Request{Text: "Hi.", VoiceID: "v"})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Len(t, syn.Calls(), 2)
	assert.Empty(t, fb.Texts())
}

func TestChainInterruptedPrimaryIsNotRetried(t *testing.T) {
	syn := &FakeSynthesizer{Duration: time.Second}
	fb := &FakeFallback{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := (&Chain{Primary: syn, Fallback: fb}).Speak(ctx, Request{Text: "Long answer.", VoiceID: "v"})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Greater(t, *res.InterruptedAt, 0.0)
	assert.Len(t, syn.Calls(), 1)
	assert.Empty(t, fb.Texts())
}

func TestChainWithoutPrimaryUsesFallback(t *testing.T) {
	fb := &FakeFallback{}
	res, err := (&Chain{Fallback: fb}).Speak(context.Background(), Request{Text: "Hi."})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Equal(t, []string{"Hi."}, fb.Texts())
}

func TestChainFallbackFailure(t *testing.T) {
	fb := &FakeFallback{Err: errors.New("espeak missing voice")}
	_, err := (&Chain{Fallback: fb}).Speak(context.Background(), Request{Text: "Hi."})
	assert.True(t, errors.Is(err, talkerr.ErrSynthesisFailure))
	assert.True(t, talkerr.Recoverable(err))
}

func TestQueueFIFOAndWait(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var concurrent, maxConcurrent int
	sp := SpeakerFunc(func(ctx context.Context, req Request) (Result, error) {
		mu.Lock()
		concurrent++
		maxConcurrent = max(maxConcurrent, concurrent)
		order = append(order, req.Text)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
		return Result{Finished: true}, nil
	})
	q := NewQueue(sp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.NoError(t, q.Wait(ctx), "an empty queue is idle")
	q.Enqueue(ctx, Request{Text: "one"})
	q.Enqueue(ctx, Request{Text: "  "})
	q.Enqueue(ctx, Request{Text: "two"})
	q.Enqueue(ctx, Request{Text: "three"})
	require.NoError(t, q.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, order)
	assert.Equal(t, 1, maxConcurrent)
	assert.False(t, q.Busy())
}

func TestQueueInterruptClearsPending(t *testing.T) {
	syn := &FakeSynthesizer{Duration: time.Second}
	q := NewQueue(&Chain{Primary: syn})
	var mu sync.Mutex
	var results []Result
	q.OnDone = func(_ Request, res Result, _ error) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}
	started := make(chan struct{}, 4)
	q.OnStart = func(Request) { started <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(ctx, Request{Text: "first", VoiceID: "v"})
	q.Enqueue(ctx, Request{Text: "second", VoiceID: "v"})
	<-started
	assert.True(t, q.Interrupt())

	waitCtx, done := context.WithTimeout(ctx, time.Second)
	defer done()
	require.NoError(t, q.Wait(waitCtx))
	assert.Equal(t, []string{"first"}, syn.Texts())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.True(t, results[0].Interrupted())
	assert.False(t, q.Interrupt(), "nothing left to interrupt")
}

func TestQueueDropsItemsOfEndedContext(t *testing.T) {
	syn := &FakeSynthesizer{Duration: time.Second}
	q := NewQueue(&Chain{Primary: syn})
	started := make(chan struct{}, 4)
	q.OnStart = func(Request) { started <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	turnCtx, endTurn := context.WithCancel(ctx)
	q.Enqueue(turnCtx, Request{Text: "first", VoiceID: "v"})
	q.Enqueue(turnCtx, Request{Text: "second", VoiceID: "v"})
	<-started
	endTurn()
	q.Enqueue(turnCtx, Request{Text: "third", VoiceID: "v"})

	waitCtx, done := context.WithTimeout(ctx, 500*time.Millisecond)
	defer done()
	require.NoError(t, q.Wait(waitCtx), "ending the context stops playback")
	assert.Equal(t, []string{"first"}, syn.Texts())
	assert.False(t, q.Busy())
}

func TestElevenLabsStreamsPCM(t *testing.T) {
	pcm := bytes.Repeat([]byte{1, 2}, 5000)
	var got struct {
		path, format, key string
		body              ttsBody
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.format = r.URL.Query().Get("output_format")
		got.key = r.Header.Get("xi-api-key")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &got.body)
		w.Write(pcm[:3])
		w.(http.Flusher).Flush()
		w.Write(pcm[3:])
	}))
	defer srv.Close()

	actx := audio.NewFakeContext(nil, false)
	el := newElevenLabs(srv.URL, "secret", actx)
	speed := 1.1
	res, err := el.Synthesize(context.Background(), Request{
		Text: "Hello.", VoiceID: "voice1", ModelID: "m", OutputFormat: "pcm_24000",
		Prosody: Prosody{Speed: &speed},
	})
	require.NoError(t, err)
	assert.True(t, res.Finished)

	assert.Equal(t, "/v1/text-to-speech/voice1/stream", got.path)
	assert.Equal(t, "pcm_24000", got.format)
	assert.Equal(t, "secret", got.key)
	assert.Equal(t, "Hello.", got.body.Text)
	require.NotNil(t, got.body.VoiceSettings)
	assert.Equal(t, 1.1, *got.body.VoiceSettings.Speed)

	pbs := actx.Playbacks()
	require.Len(t, pbs, 1)
	assert.Equal(t, uint32(24000), pbs[0].Config().SampleRate)
	assert.Equal(t, pcm, pbs[0].Bytes())
	assert.True(t, pbs[0].Closed())
}

func TestElevenLabsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusUnauthorized)
	}))
	defer srv.Close()

	el := newElevenLabs(srv.URL, "k", audio.NewFakeContext(nil, false))
	res, err := el.Synthesize(context.Background(), Request{Text: "Hi.", VoiceID: "v", OutputFormat: "pcm_16000"})
	assert.False(t, res.Finished)
	assert.False(t, res.Interrupted())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
