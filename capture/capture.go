// Package capture owns the microphone stream of a dictation session. Every
// hardware buffer is converted to the recording format, metered, appended to
// the session's sink and fed to the voice activity gate. The buffer callback
// never blocks: levels and notices are offered on bounded channels and
// dropped when nobody is listening.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/d1nch8g/dictation/audio"
	"github.com/d1nch8g/dictation/metrics"
	"github.com/d1nch8g/dictation/sink"
	"github.com/d1nch8g/dictation/vad"
)

var (
	// ErrSessionActive is returned by Start while a session is live.
	ErrSessionActive = errors.New("capture session already active")
	// ErrWriteFailure wraps sink errors that ended a session.
	ErrWriteFailure = errors.New("recording write failed")
)

const (
	DefaultFramesPerBuffer = 512
	DefaultPreRoll         = 250 * time.Millisecond
)

// Config holds the capture settings.
type Config struct {
	// Format is the recording format. Only SampleRate is configurable; the
	// rest is always mono 16-bit PCM.
	Format          audio.Format
	Channels        int
	FramesPerBuffer int

	VAD vad.Config
	// Classifier enables the voice activity gate. Nil disables auto-stop.
	Classifier vad.Classifier
	// TrimLeadingSilence holds audio back until the gate first hears
	// speech. Only PreRoll of audio before the speech onset is recorded.
	TrimLeadingSilence bool
	PreRoll            time.Duration

	LevelBuffer  int
	NoticeBuffer int
}

func (c *Config) defaults() {
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = 16000
	}
	c.Format = audio.Target(c.Format.SampleRate)
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.VAD == (vad.Config{}) {
		c.VAD = vad.DefaultConfig()
	}
	if c.PreRoll <= 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.LevelBuffer <= 0 {
		c.LevelBuffer = 32
	}
	if c.NoticeBuffer <= 0 {
		c.NoticeBuffer = 8
	}
}

// Session describes a live recording.
type Session struct {
	ID        string
	Path      string
	Device    audio.Device
	StartedAt time.Time
	Format    audio.Format
}

// CapturedAudio is the result of a stopped session.
type CapturedAudio struct {
	SessionID string
	Path      string
	// Bytes and Duration describe the audio in the file.
	Bytes    int64
	Duration time.Duration
	// Elapsed is how much audio the device delivered during the session.
	Elapsed        time.Duration
	SpeechDetected bool
	AutoStopped    bool
	// Trimmed is set when leading silence was left out of the file.
	Trimmed bool
	// BelowMinimum is set when the session ended before the minimum
	// recording time without an auto-stop.
	BelowMinimum bool
}

// Level is a level sample of one buffer.
type Level struct {
	SessionID string
	Elapsed   time.Duration
	Sample    audio.LevelSample
}

// NoticeKind identifies a Notice.
type NoticeKind int

const (
	NoticeAutoStop NoticeKind = iota
	NoticeWriteFailure
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeAutoStop:
		return "auto_stop"
	case NoticeWriteFailure:
		return "write_failure"
	}
	return "unknown"
}

// Notice reports an event the control side must act on.
type Notice struct {
	Kind      NoticeKind
	SessionID string
	Err       error
}

// Engine runs at most one capture session at a time.
type Engine struct {
	backend audio.Backend
	sinks   sink.Creator
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	levels  chan Level
	notices chan Notice

	mu  sync.Mutex
	cur *session
}

// New returns an idle engine. m may be nil.
func New(backend audio.Backend, sinks sink.Creator, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		backend: backend,
		sinks:   sinks,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "capture")),
		now:     time.Now,
		levels:  make(chan Level, cfg.LevelBuffer),
		notices: make(chan Notice, cfg.NoticeBuffer),
	}
}

// Levels delivers one sample per processed buffer, best effort.
func (e *Engine) Levels() <-chan Level { return e.levels }

// Notices delivers auto-stop and write failure notices.
func (e *Engine) Notices() <-chan Notice { return e.notices }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start resolves the capture device and begins recording. An empty, unknown
// or unusable deviceID falls back to the default device.
func (e *Engine) Start(deviceID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != nil {
		return nil, ErrSessionActive
	}

	dev, err := audio.Resolve(e.backend, deviceID)
	if err != nil {
		return nil, err
	}
	if deviceID != "" && dev.ID != deviceID && !strings.EqualFold(dev.Name, deviceID) {
		e.logger.Warn("requested device unavailable, using fallback",
			slog.String("requested", deviceID), slog.String("device", dev.Name))
	}

	out, err := e.sinks.Create(e.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	s := e.newSession(dev, out)
	want := audio.Format{
		SampleRate: e.cfg.Format.SampleRate,
		BitDepth:   16,
		Channels:   e.cfg.Channels,
		Encoding:   audio.PCMInt,
	}
	stream, err := e.backend.Open(dev, want, e.cfg.FramesPerBuffer, func(buf audio.Buffer) {
		e.process(s, buf)
	})
	if err != nil {
		_ = out.Discard()
		return nil, deviceError(dev, "open", err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = out.Discard()
		return nil, deviceError(dev, "start", err)
	}
	e.cur = s

	e.logger.Info("recording started",
		slog.String("session", s.info.ID),
		slog.String("device", dev.Name),
		slog.String("path", s.info.Path),
	)
	info := s.info
	return &info, nil
}

func deviceError(dev audio.Device, op string, err error) error {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s %q: %v", audio.ErrDeviceUnavailable, op, dev.Name, err)
}

// Stop ends the live session and finalizes its file. It returns nil, nil
// when no session is live. A session that hit a write failure is discarded
// and reported with an error wrapping ErrWriteFailure.
func (e *Engine) Stop() (*CapturedAudio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur
	if s == nil {
		return nil, nil
	}
	e.cur = nil
	e.halt(s)

	if s.failed.Load() {
		return nil, e.fail(s, s.writeErr)
	}
	if s.preRoll != nil && !s.speech {
		// No speech onset: keep what the pre-roll still holds.
		if err := s.sink.Write(s.preRoll); err != nil {
			return nil, e.fail(s, err)
		}
		s.written += int64(len(s.preRoll))
	}
	if err := s.sink.Close(); err != nil {
		return nil, e.fail(s, err)
	}

	elapsed := s.elapsed()
	res := &CapturedAudio{
		SessionID:      s.info.ID,
		Path:           s.info.Path,
		Bytes:          s.written,
		Duration:       e.cfg.Format.Duration(s.written),
		Elapsed:        elapsed,
		SpeechDetected: s.speech,
		AutoStopped:    s.autoStopped.Load(),
		Trimmed:        s.preRoll != nil && s.speech,
	}
	res.BelowMinimum = elapsed < e.cfg.VAD.MinRecording && !res.AutoStopped

	e.metrics.RecordingDuration.Observe(res.Duration.Seconds())
	e.logger.Info("recording stopped",
		slog.String("session", res.SessionID),
		slog.Duration("duration", res.Duration),
		slog.Duration("elapsed", res.Elapsed),
		slog.Bool("auto_stopped", res.AutoStopped),
		slog.Bool("below_minimum", res.BelowMinimum),
	)
	return res, nil
}

// Abort ends the live session and removes its file. It is a no-op when no
// session is live.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur
	if s == nil {
		return nil
	}
	e.cur = nil
	e.halt(s)

	if s.failed.Load() {
		e.metrics.Sessions.WithLabelValues(metrics.OutcomeFailed).Inc()
	} else {
		e.metrics.Sessions.WithLabelValues(metrics.OutcomeAborted).Inc()
	}
	e.logger.Info("recording aborted", slog.String("session", s.info.ID))
	if err := s.sink.Discard(); err != nil {
		return err
	}
	return nil
}

// Active returns the live session, if any.
func (e *Engine) Active() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return Session{}, false
	}
	return e.cur.info, true
}

// halt stops the device. Once Stop returns no callback is in flight, so
// the session's callback-owned fields may be read.
func (e *Engine) halt(s *session) {
	s.closing.Store(true)
	if err := s.stream.Stop(); err != nil {
		e.logger.Warn("stop capture stream", slog.String("session", s.info.ID), slog.Any("error", err))
	}
	if err := s.stream.Close(); err != nil {
		e.logger.Warn("close capture stream", slog.String("session", s.info.ID), slog.Any("error", err))
	}
	if n := s.levelDrops; n > 0 {
		e.logger.Debug("level samples dropped", slog.String("session", s.info.ID), slog.Int64("count", n))
	}
}

func (e *Engine) fail(s *session, err error) error {
	_ = s.sink.Discard()
	e.metrics.Sessions.WithLabelValues(metrics.OutcomeFailed).Inc()
	e.logger.Error("recording discarded", slog.String("session", s.info.ID), slog.Any("error", err))
	if errors.Is(err, ErrWriteFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrWriteFailure, err)
}

func (e *Engine) newSession(dev audio.Device, out sink.Sink) *session {
	s := &session{
		info: Session{
			ID:        xid.New().String(),
			Path:      out.Path(),
			Device:    dev,
			StartedAt: e.now(),
			Format:    e.cfg.Format,
		},
		sink: out,
	}
	if e.cfg.Classifier != nil {
		s.gate = vad.NewGate(e.cfg.VAD, s.info.StartedAt)
		if e.cfg.TrimLeadingSilence {
			n := int(int64(e.cfg.PreRoll) * int64(e.cfg.Format.SampleRate) / int64(time.Second) * 2)
			s.preRoll = make([]byte, 0, n)
		}
	}
	return s
}

// session is the state of one recording. Fields below the atomics are
// owned by the buffer callback until the stream is stopped.
type session struct {
	info   Session
	stream audio.Stream
	sink   sink.Sink

	closing     atomic.Bool
	failed      atomic.Bool
	autoStopped atomic.Bool

	gate       *vad.Gate
	peak       audio.PeakMeter
	resampler  audio.Resampler
	scratch    []byte
	preRoll    []byte
	speech     bool
	srcFrames  int64
	srcRate    int
	written    int64
	levelDrops int64
	writeErr   error
}

func (s *session) elapsed() time.Duration {
	if s.srcRate <= 0 {
		return 0
	}
	return time.Duration(s.srcFrames) * time.Second / time.Duration(s.srcRate)
}

// process runs on the audio thread.
func (e *Engine) process(s *session, buf audio.Buffer) {
	if s.closing.Load() || s.failed.Load() || len(buf.Data) == 0 {
		return
	}
	began := time.Now()

	pcm := s.resampler.Convert(s.scratch, buf.Data, buf.Format, e.cfg.Format.SampleRate)
	if !sameBacking(pcm, buf.Data) {
		s.scratch = pcm
	}

	if frame := buf.Format.FrameSize(); frame > 0 {
		s.srcFrames += int64(len(buf.Data) / frame)
		s.srcRate = buf.Format.SampleRate
	}
	elapsed := s.elapsed()

	// Unconvertible buffers pass through raw and read as silence.
	var sample audio.LevelSample
	if audio.Convertible(buf.Format) {
		sample.Level = audio.Level(pcm, 16)
		audio.Bars(pcm, sample.Bands[:])
	}
	level := sample.Level
	sample.Peak = s.peak.Observe(level)

	decision := vad.Silence
	if s.gate != nil {
		decision = s.gate.Advance(e.cfg.Classifier.SpeechProbability(pcm, level), s.info.StartedAt.Add(elapsed))
		s.speech = s.gate.SpeechDetected()
	}

	if err := e.write(s, pcm); err != nil {
		s.writeErr = err
		s.failed.Store(true)
		e.metrics.WriteFailures.Inc()
		e.notify(Notice{Kind: NoticeWriteFailure, SessionID: s.info.ID, Err: err})
		return
	}

	select {
	case e.levels <- Level{SessionID: s.info.ID, Elapsed: elapsed, Sample: sample}:
	default:
		s.levelDrops++
		e.metrics.LevelsDropped.Inc()
	}

	if decision == vad.AutoStop {
		s.autoStopped.Store(true)
		e.metrics.AutoStops.Inc()
		e.notify(Notice{Kind: NoticeAutoStop, SessionID: s.info.ID})
	}

	e.metrics.BuffersProcessed.Inc()
	e.metrics.CallbackDuration.Observe(time.Since(began).Seconds())
}

// write appends pcm to the sink, or to the pre-roll while leading silence
// is being trimmed.
func (e *Engine) write(s *session, pcm []byte) error {
	if s.preRoll != nil && !s.speech {
		s.preRoll = slide(s.preRoll, pcm)
		return nil
	}
	if s.preRoll != nil && len(s.preRoll) > 0 {
		if err := s.sink.Write(s.preRoll); err != nil {
			return err
		}
		s.written += int64(len(s.preRoll))
		e.metrics.BytesWritten.Add(float64(len(s.preRoll)))
		s.preRoll = s.preRoll[:0]
	}
	if err := s.sink.Write(pcm); err != nil {
		return err
	}
	s.written += int64(len(pcm))
	e.metrics.BytesWritten.Add(float64(len(pcm)))
	return nil
}

func (e *Engine) notify(n Notice) {
	select {
	case e.notices <- n:
	default:
		e.metrics.NoticesDropped.Inc()
	}
}

// slide appends pcm to buf keeping only the newest cap(buf) bytes, aligned
// to whole samples.
func slide(buf, pcm []byte) []byte {
	limit := cap(buf) &^ 1
	if len(pcm) >= limit {
		return append(buf[:0], pcm[len(pcm)-limit:]...)
	}
	if over := len(buf) + len(pcm) - limit; over > 0 {
		over = (over + 1) &^ 1
		n := copy(buf, buf[over:])
		buf = buf[:n]
	}
	return append(buf, pcm...)
}

func sameBacking(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
