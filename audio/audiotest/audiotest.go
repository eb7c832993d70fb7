// Package audiotest provides a capture backend that tests drive by hand.
package audiotest

import (
	"sync"

	"github.com/d1nch8g/dictation/audio"
)

// Stream delivers buffers synchronously from the calling goroutine. The
// callback runs under the stream's lock, so Stop waits for an in-flight
// delivery the way a hardware backend does.
type Stream struct {
	mu       sync.Mutex
	fn       audio.Callback
	format   audio.Format
	running  bool
	closed   bool
	startErr error
}

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.closed = true
	return nil
}

// Push delivers data if the stream is running and reports whether it did.
func (s *Stream) Push(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.fn(audio.Buffer{Data: data, Format: s.format})
	return true
}

// Deliver invokes the callback even after Stop, simulating a late buffer.
func (s *Stream) Deliver(data []byte) {
	s.fn(audio.Buffer{Data: data, Format: s.format})
}

// Format returns the format buffers are delivered in.
func (s *Stream) Format() audio.Format { return s.format }

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Backend is an in-memory audio.Backend.
type Backend struct {
	Inputs []audio.Device
	// Format overrides the delivered format; zero delivers what was asked.
	Format   audio.Format
	EnumErr  error
	OpenErr  error
	StartErr error

	mu      sync.Mutex
	streams []*Stream
	opened  []audio.Device
}

// NewBackend returns a backend with a USB microphone and a default
// built-in microphone.
func NewBackend() *Backend {
	return &Backend{Inputs: []audio.Device{
		{ID: "usb", Name: "USB Mic", Channels: 1},
		{ID: "builtin", Name: "Built-in Microphone", Default: true, Channels: 2},
	}}
}

func (b *Backend) Name() string { return "test" }

func (b *Backend) Devices() ([]audio.Device, error) {
	if b.EnumErr != nil {
		return nil, b.EnumErr
	}
	return b.Inputs, nil
}

func (b *Backend) Open(dev audio.Device, want audio.Format, _ int, fn audio.Callback) (audio.Stream, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	format := b.Format
	if format == (audio.Format{}) {
		format = want
	}
	s := &Stream{fn: fn, format: format, startErr: b.StartErr}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, s)
	b.opened = append(b.opened, dev)
	return s, nil
}

func (b *Backend) Close() error { return nil }

// Last returns the most recently opened stream, or nil.
func (b *Backend) Last() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

// Opened returns the devices streams were opened on.
func (b *Backend) Opened() []audio.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]audio.Device(nil), b.opened...)
}
