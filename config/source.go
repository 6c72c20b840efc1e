package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"talkmode/log"
)

// RefreshInterval bounds how often Cached goes back to its Source.
const RefreshInterval = 60 * time.Second

type Source interface {
	Load(ctx context.Context) (Talk, error)
}

// FileSource re-reads the talk section of the config file and environment.
type FileSource struct {
	Path string
}

func (f FileSource) Load(ctx context.Context) (Talk, error) {
	if err := ctx.Err(); err != nil {
		return Talk{}, err
	}
	v, err := newViper(f.Path)
	if err != nil {
		return Talk{}, err
	}
	var t Talk
	if err := v.UnmarshalKey("talk", &t); err != nil {
		return Talk{}, fmt.Errorf("decoding talk config: %w", err)
	}
	return t.normalized(), nil
}

// StaticSource serves a fixed Talk, for tests and for running without a file.
type StaticSource struct {
	mu    sync.Mutex
	talk  Talk
	err   error
	loads int
}

func NewStatic(t Talk) *StaticSource {
	return &StaticSource{talk: t.normalized()}
}

func (s *StaticSource) Set(t Talk) {
	s.mu.Lock()
	s.talk = t.normalized()
	s.mu.Unlock()
}

// SetErr makes subsequent loads fail with err until cleared with nil.
func (s *StaticSource) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StaticSource) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *StaticSource) Load(ctx context.Context) (Talk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return Talk{}, s.err
	}
	return s.talk, ctx.Err()
}

// Cached serves a Source's value, refreshing it at most once per
// RefreshInterval unless forced. A failed refresh keeps the last good value.
type Cached struct {
	src   Source
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	val     Talk
	have    bool
	fetched time.Time
}

func NewCached(src Source) *Cached {
	return &Cached{src: src, ttl: RefreshInterval, now: time.Now}
}

func (c *Cached) Get(ctx context.Context, force bool) (Talk, error) {
	c.mu.Lock()
	if c.have && !force && c.now().Sub(c.fetched) < c.ttl {
		v := c.val
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("talk", func() (any, error) {
		t, err := c.src.Load(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.fetched = c.now()
		if err != nil {
			return nil, err
		}
		c.val = t
		c.have = true
		return t, nil
	})
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.have {
			log.Warnf("talk config refresh failed, keeping previous: %v", err)
			return c.val, nil
		}
		return Talk{}, fmt.Errorf("loading talk config: %w", err)
	}
	return v.(Talk), nil
}
