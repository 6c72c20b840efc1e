package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkmode/talkerr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "gateway:\n  url: ws://gw.local:1234\n")
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://gw.local:1234", s.Gateway.URL)
	assert.Equal(t, "main", s.Gateway.SessionKey)
	assert.Equal(t, 60*time.Second, s.Capture.PTTMax)
	assert.Equal(t, "pcm_24000", s.Talk.OutputFormat)
	assert.True(t, s.Talk.InterruptOnSpeech)
	assert.True(t, s.Streaming)
	assert.Equal(t, path, s.File)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
talk:
  voice_id: defaultvoice
  aliases:
    Rachel: 21m00Tcm4TlvDq8ikWAM
capture:
  ptt_max: 8s
`)
	t.Setenv("TALKMODE_GATEWAY_TOKEN", "secret")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", s.Gateway.Token)
	assert.Equal(t, "dg-key", s.Deepgram.APIKey)
	assert.Equal(t, 8*time.Second, s.Capture.PTTMax)
	assert.Equal(t, "21m00Tcm4TlvDq8ikWAM", s.Talk.Aliases["rachel"])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestResolveVoice(t *testing.T) {
	talk := Talk{
		VoiceID: "default",
		Aliases: map[string]string{"Rachel": "21m00Tcm4TlvDq8ikWAM"},
	}.normalized()

	id, err := talk.ResolveVoice("RACHEL")
	require.NoError(t, err)
	assert.Equal(t, "21m00Tcm4TlvDq8ikWAM", id)

	id, err = talk.ResolveVoice("")
	require.NoError(t, err)
	assert.Equal(t, "default", id)

	id, err = talk.ResolveVoice("pNInz6obpgDQGcFmaJgB")
	require.NoError(t, err)
	assert.Equal(t, "pNInz6obpgDQGcFmaJgB", id)

	id, err = talk.ResolveVoice("Morgan Freeman")
	assert.True(t, errors.Is(err, talkerr.ErrUnknownVoiceAlias))
	assert.Equal(t, "default", id)
}

func TestCachedRefreshesAtMostOncePerInterval(t *testing.T) {
	src := NewStatic(Talk{VoiceID: "a"})
	c := NewCached(src)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	v, err := c.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "a", v.VoiceID)

	src.Set(Talk{VoiceID: "b"})
	now = now.Add(30 * time.Second)
	v, _ = c.Get(ctx, false)
	assert.Equal(t, "a", v.VoiceID, "cached within the interval")
	assert.Equal(t, 1, src.Loads())

	v, _ = c.Get(ctx, true)
	assert.Equal(t, "b", v.VoiceID, "forced refresh")
	assert.Equal(t, 2, src.Loads())

	src.Set(Talk{VoiceID: "c"})
	now = now.Add(RefreshInterval)
	v, _ = c.Get(ctx, false)
	assert.Equal(t, "c", v.VoiceID)
	assert.Equal(t, 3, src.Loads())
}

func TestCachedKeepsLastGoodValue(t *testing.T) {
	src := NewStatic(Talk{VoiceID: "a"})
	c := NewCached(src)
	ctx := context.Background()

	_, err := c.Get(ctx, false)
	require.NoError(t, err)

	src.SetErr(errors.New("disk gone"))
	v, err := c.Get(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "a", v.VoiceID)
}

func TestCachedFirstLoadFailure(t *testing.T) {
	src := NewStatic(Talk{})
	src.SetErr(errors.New("disk gone"))
	_, err := NewCached(src).Get(context.Background(), false)
	assert.Error(t, err)
}

type slowSource struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (s *slowSource) Load(context.Context) (Talk, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.gate
	return Talk{VoiceID: "x"}, nil
}

func TestCachedCollapsesConcurrentRefreshes(t *testing.T) {
	src := &slowSource{gate: make(chan struct{})}
	c := NewCached(src)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), true)
			assert.NoError(t, err)
			assert.Equal(t, "x", v.VoiceID)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.calls)
}
