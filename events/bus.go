// Package events fans dictation events out to in-process subscribers over
// bounded channels. Publishing never blocks: a subscriber that falls behind
// loses events instead of stalling the publisher.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/d1nch8g/dictation/audio"
	"github.com/d1nch8g/dictation/metrics"
	"github.com/d1nch8g/dictation/state"
)

// Meta identifies one published event.
type Meta struct {
	ID        string
	Timestamp time.Time
}

func newMeta() Meta {
	return Meta{ID: xid.New().String(), Timestamp: time.Now().UTC()}
}

// Level is a loudness update for a live recording.
type Level struct {
	Meta
	audio.LevelSample
}

// StateChange is a recording state transition.
type StateChange struct {
	Meta
	From state.State
	To   state.State
}

// Recording is a finished capture that was handed to transcription.
type Recording struct {
	Meta
	SessionID   string
	Path        string
	Duration    time.Duration
	AutoStopped bool
}

// Transcription is a completed transcript.
type Transcription struct {
	Meta
	state.Transcript
}

// Error is a failure or warning.
type Error struct {
	Meta
	state.Failure
}

// Kind selects event types for a subscription.
type Kind uint8

const (
	KindLevel Kind = 1 << iota
	KindState
	KindRecording
	KindTranscription
	KindError
)

// AllKinds subscribes to every event type.
const AllKinds = KindLevel | KindState | KindRecording | KindTranscription | KindError

func (k Kind) String() string {
	switch k {
	case KindLevel:
		return "level"
	case KindState:
		return "state"
	case KindRecording:
		return "recording"
	case KindTranscription:
		return "transcription"
	case KindError:
		return "error"
	}
	return "mixed"
}

// Subscription receives events on one channel per event type. Channels of
// kinds the subscriber did not ask for are nil. The others are closed by
// Unsubscribe or Close.
type Subscription struct {
	ID             string
	Kinds          Kind
	Levels         <-chan Level
	States         <-chan StateChange
	Recordings     <-chan Recording
	Transcriptions <-chan Transcription
	Errors         <-chan Error

	levels         chan Level
	states         chan StateChange
	recordings     chan Recording
	transcriptions chan Transcription
	errors         chan Error
}

// Bus publishes events to subscribers. It implements state.Notifier.
type Bus struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewBus returns an empty bus. m may be nil.
func NewBus(logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger.With(slog.String("component", "events")),
		metrics: m,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber with bufSize slots per event type. Only
// the given kinds are delivered; none means AllKinds. An existing
// subscription with the same id is replaced.
func (b *Bus) Subscribe(id string, bufSize int, kinds ...Kind) *Subscription {
	if bufSize <= 0 {
		bufSize = 64
	}
	var want Kind
	for _, k := range kinds {
		want |= k
	}
	if want == 0 {
		want = AllKinds
	}

	s := &Subscription{ID: id, Kinds: want}
	if want&KindLevel != 0 {
		s.levels = make(chan Level, bufSize)
	}
	if want&KindState != 0 {
		s.states = make(chan StateChange, bufSize)
	}
	if want&KindRecording != 0 {
		s.recordings = make(chan Recording, bufSize)
	}
	if want&KindTranscription != 0 {
		s.transcriptions = make(chan Transcription, bufSize)
	}
	if want&KindError != 0 {
		s.errors = make(chan Error, bufSize)
	}
	s.Levels = s.levels
	s.States = s.states
	s.Recordings = s.recordings
	s.Transcriptions = s.transcriptions
	s.Errors = s.errors

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	if old, ok := b.subs[id]; ok {
		old.close()
	}
	b.subs[id] = s
	return s
}

// Unsubscribe removes a subscription and closes its channels.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		s.close()
		delete(b.subs, id)
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

func (s *Subscription) close() {
	if s.levels != nil {
		close(s.levels)
	}
	if s.states != nil {
		close(s.states)
	}
	if s.recordings != nil {
		close(s.recordings)
	}
	if s.transcriptions != nil {
		close(s.transcriptions)
	}
	if s.errors != nil {
		close(s.errors)
	}
}

// LevelChanged publishes a level sample. Drops are logged at debug since
// levels arrive every few milliseconds.
func (b *Bus) LevelChanged(sample audio.LevelSample) {
	ev := Level{Meta: newMeta(), LevelSample: sample}
	b.fanout(KindLevel, func(s *Subscription) bool {
		select {
		case s.levels <- ev:
			return true
		default:
			return false
		}
	})
}

// StateChanged publishes a state transition.
func (b *Bus) StateChanged(from, to state.State) {
	ev := StateChange{Meta: newMeta(), From: from, To: to}
	b.fanout(KindState, func(s *Subscription) bool {
		select {
		case s.states <- ev:
			return true
		default:
			return false
		}
	})
}

// TranscriptionCompleted publishes a transcript.
func (b *Bus) TranscriptionCompleted(t state.Transcript) {
	ev := Transcription{Meta: newMeta(), Transcript: t}
	b.fanout(KindTranscription, func(s *Subscription) bool {
		select {
		case s.transcriptions <- ev:
			return true
		default:
			return false
		}
	})
}

// ErrorOccurred publishes a failure that moved the machine to Error.
func (b *Bus) ErrorOccurred(f state.Failure) {
	b.PublishError(f)
}

// PublishError publishes a failure or a warning that does not change state.
func (b *Bus) PublishError(f state.Failure) {
	ev := Error{Meta: newMeta(), Failure: f}
	b.fanout(KindError, func(s *Subscription) bool {
		select {
		case s.errors <- ev:
			return true
		default:
			return false
		}
	})
}

// PublishRecording announces a finished capture.
func (b *Bus) PublishRecording(r Recording) {
	r.Meta = newMeta()
	b.fanout(KindRecording, func(s *Subscription) bool {
		select {
		case s.recordings <- r:
			return true
		default:
			return false
		}
	})
}

func (b *Bus) fanout(kind Kind, send func(s *Subscription) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		if s.Kinds&kind == 0 || send(s) {
			continue
		}
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues(kind.String()).Inc()
		}
		if kind == KindLevel {
			b.logger.Debug("event dropped: subscriber buffer full",
				slog.String("subscriber", id), slog.String("event_type", kind.String()))
			continue
		}
		b.logger.Warn("event dropped: subscriber buffer full",
			slog.String("subscriber", id), slog.String("event_type", kind.String()))
	}
}

var _ state.Notifier = (*Bus)(nil)
