package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/d1nch8g/dictation/audio"
	"github.com/d1nch8g/dictation/capture"
	"github.com/d1nch8g/dictation/events"
	"github.com/d1nch8g/dictation/metrics"
	"github.com/d1nch8g/dictation/state"
	"github.com/d1nch8g/dictation/stt"
)

// ErrRejected is returned when a command is invalid in the current state.
var ErrRejected = errors.New("command rejected in current state")

// Config holds the configuration for the dictation engine
type Config struct {
	DeviceID string
	// KeepRecordings leaves finished WAV files on disk after transcription.
	KeepRecordings    bool
	TranscribeTimeout time.Duration
}

// Engine orchestrates the dictation flow. It owns the state machine and is
// the only caller of the capture engine.
type Engine struct {
	config      Config
	capture     *capture.Engine
	machine     *state.Machine
	bus         *events.Bus
	transcriber stt.Transcriber
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	device  string
	session string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dictation engine. transcriber may be nil, in which case a
// finished recording's path is the result.
func New(
	config Config,
	capt *capture.Engine,
	bus *events.Bus,
	transcriber stt.Transcriber,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Engine {
	if config.TranscribeTimeout == 0 {
		config.TranscribeTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	var notifier state.Notifier
	if bus != nil {
		notifier = bus
	}
	machine := state.NewMachine(notifier, logger)
	machine.OnRejected(func(op string, from state.State) {
		m.RejectedTransitions.WithLabelValues(op, from.String()).Inc()
	})

	return &Engine{
		config:      config,
		capture:     capt,
		machine:     machine,
		bus:         bus,
		transcriber: transcriber,
		metrics:     m,
		logger:      logger.With(slog.String("component", "engine")),
		device:      config.DeviceID,
	}
}

// Machine returns the state machine.
func (e *Engine) Machine() *state.Machine { return e.machine }

// State returns the current recording state.
func (e *Engine) State() state.State { return e.machine.State() }

// SetSelectedDevice selects the capture device used by the next Start
// without a device.
func (e *Engine) SetSelectedDevice(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device != id {
		e.logger.Info("capture device selected", slog.String("device", id))
	}
	e.device = id
}

// SelectedDevice returns the device used by Start when none is given.
func (e *Engine) SelectedDevice() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Start begins a recording on deviceID, or on the selected device when
// deviceID is empty.
func (e *Engine) Start(deviceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if deviceID == "" {
		deviceID = e.device
	}
	if !e.machine.Start() {
		return ErrRejected
	}

	sess, err := e.capture.Start(deviceID)
	if err != nil {
		e.machine.SetError(KindOf(err), err.Error())
		return fmt.Errorf("failed to start capture: %w", err)
	}
	e.session = sess.ID
	return nil
}

// StopAndProcess stops the live recording and hands it to transcription.
// Recordings below the minimum duration are discarded and the machine
// returns to Idle. ctx bounds the transcription.
func (e *Engine) StopAndProcess(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopAndProcess(ctx)
}

func (e *Engine) stopAndProcess(ctx context.Context) error {
	if !e.machine.BeginProcessing() {
		return ErrRejected
	}

	res, err := e.capture.Stop()
	if err != nil {
		e.session = ""
		e.machine.SetError(KindOf(err), err.Error())
		return fmt.Errorf("failed to stop capture: %w", err)
	}
	if res == nil {
		e.session = ""
		e.machine.Reset()
		return nil
	}
	e.machine.SetDuration(res.Duration)

	if reason, discard := e.discardReason(res); discard {
		e.logger.Info("recording discarded",
			slog.String("session", res.SessionID),
			slog.String("reason", reason),
			slog.Duration("elapsed", res.Elapsed),
		)
		e.metrics.Sessions.WithLabelValues(metrics.OutcomeDiscarded).Inc()
		e.remove(res.Path)
		e.session = ""
		e.machine.Reset()
		return nil
	}

	e.metrics.Sessions.WithLabelValues(metrics.OutcomeCompleted).Inc()
	if e.bus != nil {
		e.bus.PublishRecording(events.Recording{
			SessionID:   res.SessionID,
			Path:        res.Path,
			Duration:    res.Duration,
			AutoStopped: res.AutoStopped,
		})
	}

	if e.transcriber == nil {
		e.session = ""
		e.machine.SetResult(state.Transcript{SessionID: res.SessionID, Path: res.Path, Duration: res.Duration})
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, e.config.TranscribeTimeout)
	e.session = res.SessionID
	e.cancel = cancel
	e.wg.Add(1)
	go e.transcribe(tctx, cancel, *res)
	return nil
}

func (e *Engine) discardReason(res *capture.CapturedAudio) (string, bool) {
	if res.BelowMinimum {
		return "below minimum duration", true
	}
	cfg := e.capture.Config()
	if cfg.Classifier != nil && cfg.TrimLeadingSilence && !res.SpeechDetected {
		return "no speech detected", true
	}
	return "", false
}

func (e *Engine) transcribe(ctx context.Context, cancel context.CancelFunc, res capture.CapturedAudio) {
	defer e.wg.Done()
	defer cancel()

	started := time.Now()
	text, err := e.transcriber.Transcribe(ctx, res.Path)
	e.metrics.TranscriptionDuration.Observe(time.Since(started).Seconds())
	if !e.config.KeepRecordings {
		e.remove(res.Path)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != res.SessionID {
		e.logger.Debug("stale transcription dropped", slog.String("session", res.SessionID))
		return
	}
	e.session = ""
	e.cancel = nil

	if err != nil {
		e.metrics.TranscriptionFailures.Inc()
		e.machine.SetError(state.TranscriptionFailed, err.Error())
		return
	}
	e.logger.Info("transcription completed",
		slog.String("session", res.SessionID),
		slog.Int("chars", len(text)),
		slog.Duration("took", time.Since(started)),
	)
	e.machine.SetResult(state.Transcript{
		SessionID: res.SessionID,
		Text:      text,
		Path:      res.Path,
		Duration:  res.Duration,
	})
}

// Reset cancels whatever is in progress and returns to Idle. It is safe to
// call at any time.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

func (e *Engine) reset() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.session = ""
	if err := e.capture.Abort(); err != nil {
		e.logger.Warn("failed to discard recording", slog.Any("error", err))
	}
	e.machine.Reset()
}

// Run forwards capture levels to the state machine and reacts to capture
// notices until ctx is done. On return any live recording is discarded and
// in-flight transcriptions have finished.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("dictation engine started")
	defer func() {
		e.Reset()
		e.wg.Wait()
		e.logger.Info("dictation engine stopped")
	}()

	levels := e.capture.Levels()
	notices := e.capture.Notices()
	for {
		select {
		case <-ctx.Done():
			return nil
		case lv := <-levels:
			if !e.isCurrent(lv.SessionID) {
				continue
			}
			if e.machine.UpdateLevel(lv.Sample) {
				e.machine.SetDuration(lv.Elapsed)
			}
		case n := <-notices:
			e.handleNotice(ctx, n)
		}
	}
}

func (e *Engine) handleNotice(ctx context.Context, n capture.Notice) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n.SessionID != e.session || e.machine.State() != state.Recording {
		e.logger.Debug("stale capture notice", slog.String("kind", n.Kind.String()), slog.String("session", n.SessionID))
		return
	}

	switch n.Kind {
	case capture.NoticeAutoStop:
		e.logger.Info("silence detected, stopping", slog.String("session", n.SessionID))
		if err := e.stopAndProcess(ctx); err != nil {
			e.logger.Error("auto-stop failed", slog.Any("error", err))
		}
	case capture.NoticeWriteFailure:
		if err := e.capture.Abort(); err != nil {
			e.logger.Warn("failed to discard recording", slog.Any("error", err))
		}
		e.session = ""
		e.machine.SetError(state.WriteFailure, fmt.Sprintf("%v: %v", capture.ErrWriteFailure, n.Err))
	}
}

func (e *Engine) isCurrent(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sessionID == e.session
}

func (e *Engine) remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("failed to remove recording", slog.String("path", path), slog.Any("error", err))
	}
}

// Close waits for in-flight transcriptions and closes the transcriber.
func (e *Engine) Close() error {
	e.wg.Wait()
	if e.transcriber == nil {
		return nil
	}
	if err := e.transcriber.Close(); err != nil {
		return fmt.Errorf("failed to close transcriber: %w", err)
	}
	return nil
}

// KindOf classifies an error returned by the engine's collaborators.
func KindOf(err error) state.ErrorKind {
	switch {
	case err == nil:
		return state.Unknown
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return state.DeviceUnavailable
	case errors.Is(err, capture.ErrWriteFailure):
		return state.WriteFailure
	case errors.Is(err, ErrRejected), errors.Is(err, capture.ErrSessionActive):
		return state.InvalidTransition
	}
	return state.Unknown
}
