package turn

import (
	"context"

	"talkmode/config"
	"talkmode/log"
	"talkmode/segmenter"
	"talkmode/speech"
)

// voice resolves the synthesis parameters for one turn. A directive seen in
// the reply applies to the rest of the turn; without once it also becomes
// the session override for later turns. Segments are queued under the turn's
// ctx so cancelling the turn also drops what it queued.
type voice struct {
	r       *Runner
	ctx     context.Context
	talk    config.Talk
	current speech.Request
	last    *segmenter.Directive
}

func (r *Runner) newVoice(ctx context.Context, talk config.Talk) *voice {
	r.mu.Lock()
	override := r.override
	r.mu.Unlock()
	base := speech.Request{
		VoiceID:      talk.VoiceID,
		ModelID:      talk.ModelID,
		Language:     talk.Language,
		OutputFormat: talk.OutputFormat,
	}
	return &voice{r: r, ctx: ctx, talk: talk, current: applyDirective(talk, base, override)}
}

func (v *voice) request(d *segmenter.Directive) speech.Request {
	if d != nil && d != v.last {
		v.last = d
		v.current = applyDirective(v.talk, v.current, d)
		if !d.Once {
			v.r.mu.Lock()
			v.r.override = d
			v.r.mu.Unlock()
		}
	}
	return v.current
}

// say queues text. It reports false, queuing nothing, once the turn is over.
func (v *voice) say(sp Speaker, d *segmenter.Directive, text string) bool {
	if v.ctx.Err() != nil {
		return false
	}
	req := v.request(d)
	req.Text = text
	sp.Enqueue(v.ctx, req)
	return true
}

// Override returns the session voice override, or nil.
func (r *Runner) Override() *segmenter.Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.override
}

// ClearOverride drops the session voice override.
func (r *Runner) ClearOverride() {
	r.mu.Lock()
	r.override = nil
	r.mu.Unlock()
}

func applyDirective(talk config.Talk, req speech.Request, d *segmenter.Directive) speech.Request {
	if d == nil {
		return req
	}
	if d.VoiceID != "" {
		id, err := talk.ResolveVoice(d.VoiceID)
		if err != nil {
			log.Warnf("%v, using default voice", err)
		}
		req.VoiceID = id
	}
	if d.ModelID != "" {
		req.ModelID = d.ModelID
	}
	if d.Language != "" {
		req.Language = d.Language
	}
	if d.OutputFormat != "" {
		req.OutputFormat = d.OutputFormat
	}
	p := d.Prosody
	if p.Speed != nil {
		req.Prosody.Speed = p.Speed
	}
	if p.Stability != nil {
		req.Prosody.Stability = p.Stability
	}
	if p.Similarity != nil {
		req.Prosody.Similarity = p.Similarity
	}
	if p.Style != nil {
		req.Prosody.Style = p.Style
	}
	if p.SpeakerBoost != nil {
		req.Prosody.SpeakerBoost = p.SpeakerBoost
	}
	return req
}
