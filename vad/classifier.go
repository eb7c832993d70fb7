package vad

// Classifier estimates the probability that a buffer holds speech.
// pcm is mono 16-bit PCM and level its RMS loudness in [0, 1].
type Classifier interface {
	SpeechProbability(pcm []byte, level float32) float32
}

// LevelClassifier treats loudness above Threshold as speech. The probability
// is level/(2*Threshold), clamped, so it crosses 0.5 exactly at Threshold.
type LevelClassifier struct {
	Threshold float32
}

func (c LevelClassifier) SpeechProbability(_ []byte, level float32) float32 {
	if c.Threshold <= 0 {
		if level > 0 {
			return 1
		}
		return 0
	}
	p := level / (2 * c.Threshold)
	switch {
	case p > 1:
		return 1
	case p < 0 || p != p:
		return 0
	}
	return p
}

// Fixed always reports the same probability. Fixed(0) disables auto-stop.
type Fixed float32

func (f Fixed) SpeechProbability([]byte, float32) float32 { return float32(f) }
