package capture

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/d1nch8g/dictation/audio"
	"github.com/d1nch8g/dictation/audio/audiotest"
	"github.com/d1nch8g/dictation/sink"
	"github.com/d1nch8g/dictation/vad"
)

const rate = 16000

type memSink struct {
	mu        sync.Mutex
	data      []byte
	writes    int
	failAfter int
	closed    bool
	discarded bool
}

func (s *memSink) Path() string { return "mem.wav" }

func (s *memSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failAfter > 0 && s.writes > s.failAfter {
		return errors.New("no space left on device")
	}
	s.data = append(s.data, pcm...)
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func (s *memSink) Discard() error {
	s.discarded = true
	return nil
}

type memCreator struct {
	failAfter int
	sinks     []*memSink
}

func (c *memCreator) Create(audio.Format) (sink.Sink, error) {
	s := &memSink{failAfter: c.failAfter}
	c.sinks = append(c.sinks, s)
	return s, nil
}

func silence(ms int) []byte {
	return make([]byte, rate*ms/1000*2)
}

func tone(ms int) []byte {
	n := rate * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(0.5 * 32767 * math.Sin(2*math.Pi*440*float64(i)/rate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func vadConfig(trim bool) Config {
	return Config{
		Format:             audio.Target(rate),
		VAD:                vad.DefaultConfig(),
		Classifier:         vad.LevelClassifier{Threshold: 0.05},
		TrimLeadingSilence: trim,
	}
}

func drainNotice(e *Engine) (Notice, bool) {
	select {
	case n := <-e.Notices():
		return n, true
	default:
		return Notice{}, false
	}
}

// speakThenPause feeds 2000ms of silence, 1000ms of speech and up to 1600ms
// of silence in 50ms buffers. It returns the index of the buffer that
// produced the auto-stop notice, or -1.
func speakThenPause(t *testing.T, e *Engine, st *audiotest.Stream) int {
	t.Helper()
	var buffers [][]byte
	for i := 0; i < 40; i++ {
		buffers = append(buffers, silence(50))
	}
	for i := 0; i < 20; i++ {
		buffers = append(buffers, tone(50))
	}
	for i := 0; i < 32; i++ {
		buffers = append(buffers, silence(50))
	}

	for i, b := range buffers {
		if !st.Push(b) {
			t.Fatalf("buffer %d not delivered", i)
		}
		if n, ok := drainNotice(e); ok {
			if n.Kind != NoticeAutoStop {
				t.Fatalf("Unexpected notice %v", n.Kind)
			}
			return i
		}
	}
	return -1
}

func TestAutoStopAfterSpeech(t *testing.T) {
	backend := audiotest.NewBackend()
	sinks := &memCreator{}
	e := New(backend, sinks, vadConfig(true), nil, nil)

	sess, err := e.Start("")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Speech ends at 3000ms, silence is first seen at 3050ms and has
	// lasted 1500ms at 4550ms, the end of buffer 90.
	at := speakThenPause(t, e, backend.Last())
	if at != 90 {
		t.Fatalf("Expected auto-stop on buffer 90, got %d", at)
	}

	res, err := e.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.SessionID != sess.ID {
		t.Errorf("Expected session %s, got %s", sess.ID, res.SessionID)
	}
	if !res.AutoStopped || !res.SpeechDetected || res.BelowMinimum {
		t.Errorf("Unexpected flags %+v", res)
	}
	if res.Elapsed != 4550*time.Millisecond {
		t.Errorf("Expected 4550ms elapsed, got %v", res.Elapsed)
	}
	// 250ms pre-roll + 1000ms speech + 1550ms of trailing silence.
	if res.Duration != 2800*time.Millisecond {
		t.Errorf("Expected 2800ms recording, got %v", res.Duration)
	}
	if !res.Trimmed {
		t.Error("Expected leading silence to be trimmed")
	}
	if got := int64(len(sinks.sinks[0].data)); got != res.Bytes {
		t.Errorf("Expected %d bytes in sink, got %d", res.Bytes, got)
	}
	if !sinks.sinks[0].closed {
		t.Error("Expected sink to be finalized")
	}
}

func TestAutoStopWithoutTrim(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, &memCreator{}, vadConfig(false), nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}

	if at := speakThenPause(t, e, backend.Last()); at != 90 {
		t.Fatalf("Expected auto-stop on buffer 90, got %d", at)
	}
	res, err := e.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Duration != res.Elapsed || res.Trimmed {
		t.Errorf("Expected the whole session in the file, got %+v", res)
	}
}

func TestAutoStopFiresOnce(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, &memCreator{}, vadConfig(false), nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := backend.Last()
	speakThenPause(t, e, st)

	for i := 0; i < 60; i++ {
		st.Push(silence(50))
	}
	if n, ok := drainNotice(e); ok {
		t.Errorf("Expected a single notice, got another %v", n.Kind)
	}
}

func TestNoAutoStopWithoutClassifier(t *testing.T) {
	backend := audiotest.NewBackend()
	cfg := vadConfig(true)
	cfg.Classifier = nil
	e := New(backend, &memCreator{}, cfg, nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if at := speakThenPause(t, e, backend.Last()); at != -1 {
		t.Fatalf("Expected no auto-stop, got one on buffer %d", at)
	}
	res, _ := e.Stop()
	if res.Trimmed || res.Duration != res.Elapsed {
		t.Errorf("Expected untrimmed recording, got %+v", res)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, &memCreator{}, Config{}, nil, nil)

	if res, err := e.Stop(); res != nil || err != nil {
		t.Fatalf("Expected idle stop to be a no-op, got %v, %v", res, err)
	}

	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	backend.Last().Push(tone(100))

	first, err := e.Stop()
	if err != nil || first == nil {
		t.Fatalf("Expected first stop to return audio, got %v, %v", first, err)
	}
	second, err := e.Stop()
	if second != nil || err != nil {
		t.Errorf("Expected second stop to be a no-op, got %v, %v", second, err)
	}
	if !backend.Last().Closed() {
		t.Error("Expected stream to be closed")
	}
}

func TestNoBuffersAfterStop(t *testing.T) {
	backend := audiotest.NewBackend()
	sinks := &memCreator{}
	e := New(backend, sinks, Config{}, nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := backend.Last()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for st.Push(silence(10)) {
		}
	}()
	time.Sleep(5 * time.Millisecond)

	res, err := e.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-done

	// A late callback racing the stop must not touch the session.
	st.Deliver(silence(10))

	if got := int64(len(sinks.sinks[0].data)); got != res.Bytes {
		t.Errorf("Expected %d bytes after stop, got %d", res.Bytes, got)
	}
}

func TestStartWhileActive(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, &memCreator{}, Config{}, nil, nil)

	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.Start(""); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Expected ErrSessionActive, got %v", err)
	}
	if _, ok := e.Active(); !ok {
		t.Error("Expected first session to stay active")
	}

	if _, err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := e.Start(""); err != nil {
		t.Errorf("Expected start after stop to succeed, got %v", err)
	}
}

func TestDeviceResolution(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"default", "", "builtin"},
		{"by id", "usb", "usb"},
		{"by name", "usb mic", "usb"},
		{"unknown falls back", "bluetooth", "builtin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := audiotest.NewBackend()
			e := New(backend, &memCreator{}, Config{}, nil, nil)
			sess, err := e.Start(tt.requested)
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			if sess.Device.ID != tt.want {
				t.Errorf("Expected device %s, got %s", tt.want, sess.Device.ID)
			}
			e.Abort()
		})
	}
}

func TestDeviceUnavailable(t *testing.T) {
	t.Run("no devices", func(t *testing.T) {
		sinks := &memCreator{}
		e := New(&audiotest.Backend{}, sinks, Config{}, nil, nil)
		if _, err := e.Start(""); !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
		}
		if len(sinks.sinks) != 0 {
			t.Error("Expected no recording file to be created")
		}
	})

	t.Run("open fails", func(t *testing.T) {
		backend := audiotest.NewBackend()
		backend.OpenErr = errors.New("device busy")
		sinks := &memCreator{}
		e := New(backend, sinks, Config{}, nil, nil)
		if _, err := e.Start(""); !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
		}
		if !sinks.sinks[0].discarded {
			t.Error("Expected recording file to be discarded")
		}
		if _, ok := e.Active(); ok {
			t.Error("Expected no active session")
		}
	})

	t.Run("start fails", func(t *testing.T) {
		backend := audiotest.NewBackend()
		backend.StartErr = errors.New("unplugged")
		e := New(backend, &memCreator{}, Config{}, nil, nil)
		if _, err := e.Start(""); !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
		}
		if !backend.Last().Closed() {
			t.Error("Expected stream to be closed")
		}
	})
}

func TestWriteFailure(t *testing.T) {
	backend := audiotest.NewBackend()
	sinks := &memCreator{failAfter: 3}
	e := New(backend, sinks, Config{}, nil, nil)
	sess, err := e.Start("")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := backend.Last()
	for i := 0; i < 5; i++ {
		st.Push(tone(50))
	}

	n, ok := drainNotice(e)
	if !ok || n.Kind != NoticeWriteFailure || n.SessionID != sess.ID || n.Err == nil {
		t.Fatalf("Expected write failure notice, got %+v (ok=%v)", n, ok)
	}
	mem := sinks.sinks[0]
	if mem.writes != 4 {
		t.Errorf("Expected writes to stop after the failure, got %d attempts", mem.writes)
	}

	res, err := e.Stop()
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("Expected ErrWriteFailure, got %v", err)
	}
	if res != nil {
		t.Error("Expected no audio from a failed session")
	}
	if !mem.discarded {
		t.Error("Expected partial recording to be discarded")
	}
}

func TestAbortDiscards(t *testing.T) {
	backend := audiotest.NewBackend()
	sinks := &memCreator{}
	e := New(backend, sinks, Config{}, nil, nil)

	if err := e.Abort(); err != nil {
		t.Fatalf("Expected idle abort to be a no-op, got %v", err)
	}
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	backend.Last().Push(tone(50))
	if err := e.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !sinks.sinks[0].discarded {
		t.Error("Expected recording to be discarded")
	}
	if res, _ := e.Stop(); res != nil {
		t.Error("Expected stop after abort to be a no-op")
	}
}

func TestBelowMinimum(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, &memCreator{}, vadConfig(false), nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 4; i++ {
		backend.Last().Push(tone(50))
	}

	res, err := e.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Elapsed != 200*time.Millisecond {
		t.Errorf("Expected 200ms elapsed, got %v", res.Elapsed)
	}
	if !res.BelowMinimum {
		t.Error("Expected session to be flagged below minimum")
	}
}

func TestConvertsDeviceFormat(t *testing.T) {
	backend := audiotest.NewBackend()
	backend.Format = audio.Format{SampleRate: 48000, BitDepth: 32, Channels: 2, Encoding: audio.Float}
	sinks := &memCreator{}
	e := New(backend, sinks, Config{Format: audio.Target(rate)}, nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 100ms of float stereo at 48kHz.
	frames := 4800
	raw := make([]byte, frames*2*4)
	for i := 0; i < frames*2; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(0.25))
	}
	backend.Last().Push(raw)

	res, err := e.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Elapsed != 100*time.Millisecond || res.Duration != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got elapsed %v duration %v", res.Elapsed, res.Duration)
	}
	data := sinks.sinks[0].data
	if len(data) != 1600*2 {
		t.Fatalf("Expected 1600 mono samples, got %d bytes", len(data))
	}
	if v := int16(binary.LittleEndian.Uint16(data[100:])); v != 8191 {
		t.Errorf("Expected sample 8191, got %d", v)
	}
}

func TestResamplesContinuouslyAcrossBuffers(t *testing.T) {
	backend := audiotest.NewBackend()
	backend.Format = audio.Format{SampleRate: 44100, BitDepth: 32, Channels: 2, Encoding: audio.Float}
	sinks := &memCreator{}
	e := New(backend, sinks, Config{Format: audio.Target(rate)}, nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}

	raw := make([]byte, 512*backend.Format.FrameSize())
	for i := 0; i < 100; i++ {
		backend.Last().Push(raw)
	}
	if _, err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// 51200 frames at 44.1kHz is 18575.96 frames at 16kHz. Converting each
	// buffer on its own would give 185 per buffer.
	got := len(sinks.sinks[0].data) / 2
	if got < 18575 || got > 18577 {
		t.Errorf("Expected about 18576 frames, got %d", got)
	}
}

func TestUnconvertibleFormatReadsAsSilence(t *testing.T) {
	backend := audiotest.NewBackend()
	backend.Format = audio.Format{SampleRate: rate, BitDepth: 32, Channels: 1, Encoding: audio.PCMInt}
	e := New(backend, &memCreator{}, vadConfig(false), nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}

	raw := make([]byte, 800*4)
	for i := 0; i < 800; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(int32(1<<30)))
	}
	backend.Last().Push(raw)

	lv := <-e.Levels()
	if lv.Sample.Level != 0 || lv.Sample.Peak != 0 {
		t.Errorf("Expected raw 32-bit PCM to read as silence, got %+v", lv.Sample)
	}
	res, err := e.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.SpeechDetected {
		t.Error("Expected no speech from an unmetered format")
	}
}

func TestCallbackDoesNotAllocate(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
		cfg    Config
		buf    []byte
	}{
		{
			name: "mono pcm",
			cfg:  vadConfig(false),
			buf:  tone(32),
		},
		{
			name:   "float stereo trimmed",
			format: audio.Format{SampleRate: 44100, BitDepth: 32, Channels: 2, Encoding: audio.Float},
			cfg:    vadConfig(true),
			buf:    make([]byte, 512*8),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := audiotest.NewBackend()
			backend.Format = tt.format
			e := New(backend, sink.Dir(t.TempDir()), tt.cfg, nil, nil)
			if _, err := e.Start(""); err != nil {
				t.Fatalf("start: %v", err)
			}
			defer e.Abort()

			st := backend.Last()
			allocs := testing.AllocsPerRun(50, func() {
				st.Push(tt.buf)
			})
			if allocs != 0 {
				t.Errorf("Expected no allocations per callback, got %v", allocs)
			}
		})
	}
}

func TestLevelsPublished(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, &memCreator{}, Config{}, nil, nil)
	sess, err := e.Start("")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := backend.Last()
	st.Push(tone(50))
	st.Push(silence(50))

	loud := <-e.Levels()
	quiet := <-e.Levels()
	if loud.SessionID != sess.ID {
		t.Errorf("Expected session %s, got %s", sess.ID, loud.SessionID)
	}
	if loud.Sample.Level < 0.3 || loud.Sample.Level > 0.4 {
		t.Errorf("Expected RMS near 0.35, got %v", loud.Sample.Level)
	}
	if quiet.Sample.Level != 0 || quiet.Sample.Peak != loud.Sample.Level {
		t.Errorf("Expected peak to hold, got %+v", quiet.Sample)
	}
	if loud.Sample.Bands[0] == 0 {
		t.Error("Expected per-band levels")
	}
	if quiet.Elapsed != 100*time.Millisecond {
		t.Errorf("Expected 100ms elapsed, got %v", quiet.Elapsed)
	}
}

func TestLevelsNeverBlock(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, &memCreator{}, Config{LevelBuffer: 2}, nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			backend.Last().Push(tone(10))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Callback blocked on a full level channel")
	}
	if got := len(e.Levels()); got != 2 {
		t.Errorf("Expected 2 queued levels, got %d", got)
	}
}

func TestWAVSession(t *testing.T) {
	backend := audiotest.NewBackend()
	e := New(backend, sink.Dir(t.TempDir()), Config{}, nil, nil)
	if _, err := e.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	backend.Last().Push(tone(500))

	res, err := e.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, err := os.Stat(res.Path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() < res.Bytes {
		t.Errorf("Expected at least %d bytes on disk, got %d", res.Bytes, info.Size())
	}
}

func TestSlide(t *testing.T) {
	buf := make([]byte, 0, 6)
	buf = slide(buf, []byte{1, 2})
	buf = slide(buf, []byte{3, 4})
	buf = slide(buf, []byte{5, 6, 7, 8})
	if string(buf) != string([]byte{3, 4, 5, 6, 7, 8}) {
		t.Errorf("Unexpected window %v", buf)
	}
	buf = slide(buf, []byte{9, 10, 11, 12, 13, 14, 15, 16})
	if string(buf) != string([]byte{11, 12, 13, 14, 15, 16}) {
		t.Errorf("Unexpected window %v", buf)
	}
	if cap(buf) != 6 {
		t.Errorf("Expected no reallocation, cap %d", cap(buf))
	}
}
