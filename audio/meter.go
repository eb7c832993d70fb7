package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// Level returns the RMS loudness of raw in [0, 1]. 16-bit samples are
// normalized by 32768; 32-bit samples are read as little-endian floats.
// Empty, truncated or unsupported input yields 0, never NaN.
func Level(raw []byte, bitsPerSample int) float32 {
	switch bitsPerSample {
	case 16:
		return level16(raw)
	case 32:
		return level32(raw)
	}
	return 0
}

func level16(raw []byte) float32 {
	n := len(raw) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768.0
		sum += s * s
	}
	return clampLevel(math.Sqrt(sum / float64(n)))
}

func level32(raw []byte) float32 {
	n := len(raw) / 4
	if n == 0 {
		return 0
	}
	var sum float64
	var counted int
	for i := 0; i < n; i++ {
		s := float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		sum += s * s
		counted++
	}
	if counted == 0 {
		return 0
	}
	return clampLevel(math.Sqrt(sum / float64(counted)))
}

func clampLevel(v float64) float32 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return float32(v)
}

// Bars splits 16-bit mono PCM into len(dst) equal slices and stores the RMS
// level of each. It is the per-band breakdown published with a level sample.
func Bars(raw []byte, dst []float32) []float32 {
	n := len(dst)
	if n == 0 {
		return dst
	}
	samples := len(raw) / 2
	per := samples / n
	for i := range dst {
		if per == 0 {
			dst[i] = 0
			continue
		}
		dst[i] = level16(raw[i*per*2 : (i+1)*per*2])
	}
	return dst
}

// PeakMeter holds the highest level observed since the last Reset.
// It is safe for one writer and any number of readers.
type PeakMeter struct {
	bits atomic.Uint32
}

// Observe records level and returns the current peak.
func (p *PeakMeter) Observe(level float32) float32 {
	for {
		old := p.bits.Load()
		peak := math.Float32frombits(old)
		if !(level > peak) {
			return peak
		}
		if p.bits.CompareAndSwap(old, math.Float32bits(level)) {
			return level
		}
	}
}

// Peak returns the current peak.
func (p *PeakMeter) Peak() float32 {
	return math.Float32frombits(p.bits.Load())
}

// Reset clears the peak for a new recording.
func (p *PeakMeter) Reset() {
	p.bits.Store(0)
}

// BandCount is the number of per-slice levels carried by a LevelSample.
const BandCount = 8

// LevelSample is the loudness of one captured buffer.
type LevelSample struct {
	Level float32
	Peak  float32
	Bands [BandCount]float32
}
