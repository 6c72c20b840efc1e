package audio

import (
	"encoding/binary"
	"math"
)

const (
	levelFloorDB = -50.0
	levelRangeDB = 50.0
)

// RMS returns the root mean square of 16-bit little-endian PCM, normalized to [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(n))
}

// Level maps PCM loudness onto [0,1] on a decibel scale: -50 dBFS and below
// is 0, full scale is 1.
func Level(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	l := (db - levelFloorDB) / levelRangeDB
	return math.Max(0, math.Min(1, l))
}
