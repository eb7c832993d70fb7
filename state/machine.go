// Package state holds the recording state machine, the single source of truth
// for where a dictation session is in its lifecycle.
package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/d1nch8g/dictation/audio"
)

// Notifier receives state machine events. Methods are called after the
// machine's lock is released, so they may call back into the machine.
type Notifier interface {
	StateChanged(from, to State)
	TranscriptionCompleted(t Transcript)
	ErrorOccurred(f Failure)
	LevelChanged(s audio.LevelSample)
}

// Snapshot is a copy of the machine's fields at one instant.
type Snapshot struct {
	State     State
	Text      string
	Error     string
	ErrorKind ErrorKind
	Duration  time.Duration
	Level     float32
	Peak      float32
	ChangedAt time.Time
}

// Machine validates and applies recording state transitions.
type Machine struct {
	mu       sync.Mutex
	snap     Snapshot
	notifier Notifier
	logger   *slog.Logger
	rejected func(op string, from State)
	now      func() time.Time
}

// NewMachine returns a machine in Idle. notifier may be nil.
func NewMachine(notifier Notifier, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		notifier: notifier,
		logger:   logger.With(slog.String("component", "state")),
		now:      time.Now,
	}
	m.snap.ChangedAt = m.now()
	return m
}

// OnRejected installs a hook called for every rejected transition.
// It must be set before the machine is shared.
func (m *Machine) OnRejected(fn func(op string, from State)) {
	m.rejected = fn
}

// Start enters Recording from Idle, Result or Error. Entering Recording
// clears the text, error, duration and levels of the previous session.
func (m *Machine) Start() bool {
	m.mu.Lock()
	from := m.snap.State
	if from != Idle && from != Result && from != Error {
		m.mu.Unlock()
		m.reject("start", from)
		return false
	}
	m.snap = Snapshot{State: Recording, ChangedAt: m.now()}
	m.mu.Unlock()

	m.stateChanged(from, Recording)
	return true
}

// BeginProcessing moves Recording to Processing.
func (m *Machine) BeginProcessing() bool {
	return m.move("begin_processing", Recording, Processing)
}

// SetResult moves Processing to Result and publishes the transcript.
func (m *Machine) SetResult(t Transcript) bool {
	m.mu.Lock()
	from := m.snap.State
	if from != Processing {
		m.mu.Unlock()
		m.reject("set_result", from)
		return false
	}
	m.snap.State = Result
	m.snap.Text = t.Text
	if t.Duration > 0 {
		m.snap.Duration = t.Duration
	}
	m.snap.ChangedAt = m.now()
	m.mu.Unlock()

	m.stateChanged(from, Result)
	if m.notifier != nil {
		m.notifier.TranscriptionCompleted(t)
	}
	return true
}

// SetError enters Error from any state.
func (m *Machine) SetError(kind ErrorKind, msg string) bool {
	m.mu.Lock()
	from := m.snap.State
	m.snap.State = Error
	m.snap.Error = msg
	m.snap.ErrorKind = kind
	m.snap.ChangedAt = m.now()
	m.mu.Unlock()

	m.logger.Warn("recording error",
		slog.String("kind", kind.String()),
		slog.String("from", from.String()),
		slog.String("error", msg),
	)
	m.stateChanged(from, Error)
	if m.notifier != nil {
		m.notifier.ErrorOccurred(Failure{Kind: kind, Message: msg, From: from})
	}
	return true
}

// Reset returns to Idle from any state.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	from := m.snap.State
	m.snap = Snapshot{State: Idle, ChangedAt: m.now()}
	m.mu.Unlock()

	m.stateChanged(from, Idle)
	return true
}

// UpdateLevel records the current level of a live recording. The peak
// never decreases within a session.
func (m *Machine) UpdateLevel(s audio.LevelSample) bool {
	m.mu.Lock()
	if m.snap.State != Recording {
		m.mu.Unlock()
		return false
	}
	m.snap.Level = s.Level
	if s.Peak > m.snap.Peak {
		m.snap.Peak = s.Peak
	}
	if s.Level > m.snap.Peak {
		m.snap.Peak = s.Level
	}
	s.Peak = m.snap.Peak
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.LevelChanged(s)
	}
	return true
}

// SetDuration records the length of the current recording.
func (m *Machine) SetDuration(d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State != Recording && m.snap.State != Processing {
		return false
	}
	m.snap.Duration = d
	return true
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State
}

// Snapshot returns a copy of every field.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Machine) move(op string, from, to State) bool {
	m.mu.Lock()
	cur := m.snap.State
	if cur != from {
		m.mu.Unlock()
		m.reject(op, cur)
		return false
	}
	m.snap.State = to
	m.snap.ChangedAt = m.now()
	m.mu.Unlock()

	m.stateChanged(from, to)
	return true
}

func (m *Machine) reject(op string, from State) {
	m.logger.Debug("transition rejected",
		slog.String("kind", InvalidTransition.String()),
		slog.String("op", op),
		slog.String("from", from.String()),
	)
	if m.rejected != nil {
		m.rejected(op, from)
	}
}

func (m *Machine) stateChanged(from, to State) {
	m.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	if m.notifier != nil {
		m.notifier.StateChanged(from, to)
	}
}
