package audio

import (
	"encoding/binary"
	"math"
)

// Convert turns src, captured in format from, into mono 16-bit little-endian
// PCM at targetRate. The result is written into dst, which is grown at most
// once; pass the previous result back in to reuse its storage. Convert treats
// src as a whole clip; use a Resampler for a stream of buffers.
//
// Mono 16-bit input already at the target rate is returned as src itself.
// Formats other than 16-bit integer and 32-bit float are returned unchanged:
// audio is never dropped here, an incompatible recording is left for the
// transcription backend to reject.
func Convert(dst, src []byte, from Format, targetRate int) []byte {
	var r Resampler
	return r.Convert(dst, src, from, targetRate)
}

// Resampler converts a continuous stream buffer by buffer. It carries the
// interpolation phase and the last source frame from one buffer to the next,
// so no output frames are lost at buffer boundaries. The zero value is ready
// to use.
type Resampler struct {
	// pos is the source position of the next output frame relative to the
	// first frame of the next buffer. Below zero it falls between prev and
	// that frame.
	pos  float64
	prev float64
}

// Reset forgets the carried phase.
func (r *Resampler) Reset() {
	r.pos, r.prev = 0, 0
}

// Convert is the package Convert for the next buffer of the stream.
func (r *Resampler) Convert(dst, src []byte, from Format, targetRate int) []byte {
	if !Convertible(from) || len(src) == 0 {
		return src
	}
	if targetRate <= 0 || from.SampleRate <= 0 {
		targetRate = from.SampleRate
	}
	if from.Encoding == PCMInt && from.Channels == 1 && from.SampleRate == targetRate {
		return src
	}

	inFrames := len(src) / from.FrameSize()
	if from.SampleRate == targetRate {
		need := inFrames * 2
		if cap(dst) < need {
			dst = make([]byte, need)
		}
		dst = dst[:need]
		for i := 0; i < inFrames; i++ {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(mixFrame(src, i, from)))
		}
		return dst
	}
	if inFrames == 0 {
		return dst[:0]
	}

	step := float64(from.SampleRate) / float64(targetRate)
	// Upper bound for any phase, so a steady buffer size never regrows dst.
	limit := int(float64(inFrames)/step) + 2
	if cap(dst) < limit*2 {
		dst = make([]byte, limit*2)
	}
	dst = dst[:limit*2]

	last := float64(inFrames - 1)
	n := 0
	for ; n < limit; n++ {
		pos := r.pos + float64(n)*step
		if pos > last {
			break
		}
		idx := int(math.Floor(pos))
		frac := pos - float64(idx)

		var s0, s1 float64
		if idx < 0 {
			s0, s1 = r.prev, mixFrameScaled(src, 0, from)
		} else {
			next := idx + 1
			if next > inFrames-1 {
				next = inFrames - 1
			}
			s0, s1 = mixFrameScaled(src, idx, from), mixFrameScaled(src, next, from)
		}
		binary.LittleEndian.PutUint16(dst[n*2:], uint16(clampInt16(s0+frac*(s1-s0))))
	}

	r.pos = r.pos + float64(n)*step - float64(inFrames)
	r.prev = mixFrameScaled(src, inFrames-1, from)
	return dst[:n*2]
}

// Convertible reports whether Convert can transform f. Other formats pass through.
func Convertible(f Format) bool {
	if f.Channels <= 0 {
		return false
	}
	switch {
	case f.Encoding == PCMInt && f.BitDepth == 16:
		return true
	case f.Encoding == Float && f.BitDepth == 32:
		return true
	}
	return false
}

// mixFrame averages the channels of frame i. Integer input is averaged with
// integer arithmetic; float input is clamped to [-1, 1] and scaled by 32767.
func mixFrame(src []byte, i int, f Format) int16 {
	if f.Encoding == Float {
		return int16(clampUnit(floatMean(src, i, f)) * 32767)
	}

	off := i * f.Channels * 2
	var sum int32
	for ch := 0; ch < f.Channels; ch++ {
		sum += int32(int16(binary.LittleEndian.Uint16(src[off+ch*2:])))
	}
	return int16(sum / int32(f.Channels))
}

// mixFrameScaled is mixFrame without the final truncation, on the int16 scale.
func mixFrameScaled(src []byte, i int, f Format) float64 {
	if f.Encoding == Float {
		return clampUnit(floatMean(src, i, f)) * 32767
	}

	off := i * f.Channels * 2
	var sum int32
	for ch := 0; ch < f.Channels; ch++ {
		sum += int32(int16(binary.LittleEndian.Uint16(src[off+ch*2:])))
	}
	return float64(sum) / float64(f.Channels)
}

func floatMean(src []byte, i int, f Format) float64 {
	off := i * f.Channels * 4
	var sum float64
	for ch := 0; ch < f.Channels; ch++ {
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(src[off+ch*4:])))
		if math.IsNaN(v) {
			continue
		}
		sum += v
	}
	return sum / float64(f.Channels)
}

func clampUnit(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	case math.IsNaN(v):
		return 0
	}
	return v
}

func clampInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
