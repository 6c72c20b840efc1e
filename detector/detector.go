// Package detector turns raw microphone levels into a smoothed UI level, an
// adaptive activity threshold calibrated from the room's noise floor, and an
// endpoint decision for the current utterance.
//
// A Detector is owned by the session coordinator and is not safe for
// concurrent use.
package detector

import (
	"sort"
	"time"
)

const (
	TickInterval  = 100 * time.Millisecond
	SilenceWindow = 600 * time.Millisecond

	CalibrationSamples = 22
	minFloorSamples    = 6

	DefaultThreshold = 0.18
	MinThreshold     = 0.12
	MaxThreshold     = 0.35
	thresholdMargin  = 0.10

	// Tunables, not protocol constants.
	LevelSmoothing = 0.8
	BleedSmoothing = 0.92
)

type Detector struct {
	level float64
	bleed float64

	window     []float64
	floor      float64
	calibrated bool

	lastActivity time.Time
}

func New() *Detector {
	return &Detector{window: make([]float64, 0, CalibrationSamples)}
}

// Reset clears calibration and activity state at a capture-cycle boundary.
func (d *Detector) Reset() {
	d.level = 0
	d.window = d.window[:0]
	d.floor = 0
	d.calibrated = false
	d.lastActivity = time.Time{}
}

// ResetBleed clears the playback bleed baseline; called when output starts.
func (d *Detector) ResetBleed() {
	d.bleed = 0
}

// Observe feeds one raw level sample in [0,1]. It reports true when this
// sample completed noise-floor calibration.
func (d *Detector) Observe(raw float64, now time.Time, listening, speaking bool) bool {
	raw = clamp(raw, 0, 1)
	d.level = d.level*LevelSmoothing + raw*(1-LevelSmoothing)

	calibratedNow := false
	if listening && !speaking && !d.calibrated {
		d.window = append(d.window, raw)
		if len(d.window) >= CalibrationSamples {
			d.floor = lowerHalfMean(d.window)
			d.calibrated = true
			d.window = d.window[:0]
			calibratedNow = true
		}
	}

	if raw >= d.Threshold() {
		d.lastActivity = now
	}

	if speaking {
		d.bleed = d.bleed*BleedSmoothing + raw*(1-BleedSmoothing)
	}
	return calibratedNow
}

func lowerHalfMean(samples []float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	n := max(len(sorted)/2, minFloorSamples)
	n = min(n, len(sorted))
	var sum float64
	for _, s := range sorted[:n] {
		sum += s
	}
	return sum / float64(n)
}

// Threshold is floor+0.10 clamped to [0.12, 0.35] once calibrated, else 0.18.
func (d *Detector) Threshold() float64 {
	if !d.calibrated {
		return DefaultThreshold
	}
	return clamp(d.floor+thresholdMargin, MinThreshold, MaxThreshold)
}

func (d *Detector) Floor() (float64, bool) { return d.floor, d.calibrated }

func (d *Detector) Level() float64 { return d.level }

func (d *Detector) Bleed() float64 { return d.bleed }

func (d *Detector) LastActivity() time.Time { return d.lastActivity }

// Endpointed reports whether the utterance is complete: a transcript exists
// and nothing was heard or transcribed for longer than SilenceWindow.
func (d *Detector) Endpointed(transcript string, lastHeard, now time.Time) bool {
	if transcript == "" {
		return false
	}
	last := lastHeard
	if d.lastActivity.After(last) {
		last = d.lastActivity
	}
	return now.Sub(last) > SilenceWindow
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
