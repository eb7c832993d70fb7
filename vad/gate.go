// Package vad decides when a dictation utterance has ended. A Gate is fed a
// speech probability per captured buffer and signals AutoStop once speech has
// been heard and followed by a long enough silence.
package vad

import "time"

const (
	DefaultThreshold       = 0.5
	DefaultSilenceDuration = 1500 * time.Millisecond
	DefaultMinRecording    = 500 * time.Millisecond
)

// Config holds the gate thresholds.
type Config struct {
	Threshold       float32
	SilenceDuration time.Duration
	MinRecording    time.Duration
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:       DefaultThreshold,
		SilenceDuration: DefaultSilenceDuration,
		MinRecording:    DefaultMinRecording,
	}
}

// Decision is the outcome of one Advance call.
type Decision int

const (
	Silence Decision = iota
	Speech
	AutoStop
	// Inert is returned after AutoStop until the gate is reset.
	Inert
)

func (d Decision) String() string {
	switch d {
	case Silence:
		return "silence"
	case Speech:
		return "speech"
	case AutoStop:
		return "auto_stop"
	case Inert:
		return "inert"
	}
	return "unknown"
}

// Gate tracks silence for one capture session. It is not safe for concurrent
// use; the capture callback owns it.
type Gate struct {
	cfg Config

	speechDetected     bool
	silenceStartedAt   time.Time
	recordingStartedAt time.Time
	fired              bool
}

// NewGate returns a gate for a recording that started at startedAt.
func NewGate(cfg Config, startedAt time.Time) *Gate {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}
	if cfg.MinRecording < 0 {
		cfg.MinRecording = DefaultMinRecording
	}
	return &Gate{cfg: cfg, recordingStartedAt: startedAt}
}

// Advance feeds one speech probability observed at now.
func (g *Gate) Advance(prob float32, now time.Time) Decision {
	if g.fired {
		return Inert
	}

	if prob > g.cfg.Threshold {
		g.speechDetected = true
		g.silenceStartedAt = time.Time{}
		return Speech
	}

	if !g.speechDetected {
		return Silence
	}

	if g.silenceStartedAt.IsZero() {
		g.silenceStartedAt = now
		return Silence
	}

	if now.Sub(g.silenceStartedAt) >= g.cfg.SilenceDuration &&
		now.Sub(g.recordingStartedAt) >= g.cfg.MinRecording {
		g.fired = true
		return AutoStop
	}
	return Silence
}

// Reset prepares the gate for a new recording.
func (g *Gate) Reset(startedAt time.Time) {
	g.speechDetected = false
	g.silenceStartedAt = time.Time{}
	g.recordingStartedAt = startedAt
	g.fired = false
}

// SpeechDetected reports whether any speech was heard this session.
func (g *Gate) SpeechDetected() bool { return g.speechDetected }

// Fired reports whether AutoStop was emitted.
func (g *Gate) Fired() bool { return g.fired }

// SilenceStartedAt returns when the current silence began, zero if none.
func (g *Gate) SilenceStartedAt() time.Time { return g.silenceStartedAt }
