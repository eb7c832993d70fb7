package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeviceUnavailable is returned when no capture device can be resolved.
var ErrDeviceUnavailable = errors.New("no capture device available")

// Encoding describes how samples are represented in a Buffer.
type Encoding int

const (
	PCMInt Encoding = iota
	Float
)

func (e Encoding) String() string {
	switch e {
	case PCMInt:
		return "pcm"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// Format describes interleaved little-endian sample data.
type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int
	Encoding   Encoding
}

// Target returns the canonical recording format: mono 16-bit PCM.
func Target(sampleRate int) Format {
	return Format{SampleRate: sampleRate, BitDepth: 16, Channels: 1, Encoding: PCMInt}
}

// FrameSize returns the number of bytes per interleaved frame.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// Duration returns how much audio n bytes of this format hold.
func (f Format) Duration(n int64) time.Duration {
	frame := f.FrameSize()
	if frame <= 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := n / int64(frame)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is one run of samples delivered by a capture callback.
// Data is only valid until the callback returns.
type Buffer struct {
	Data   []byte
	Format Format
}

// Device is a capture device as reported by a Backend.
type Device struct {
	ID       string
	Name     string
	Default  bool
	Channels int
}

// Callback receives every hardware buffer. It runs on the audio thread and
// must not block.
type Callback func(buf Buffer)

// Backend defines the interface for platform capture implementations
type Backend interface {
	// Name identifies the backend in logs and configuration
	Name() string

	// Devices enumerates the available capture devices
	Devices() ([]Device, error)

	// Open prepares a capture stream on dev delivering buffers to fn.
	// The backend may deliver a different format than requested; every
	// Buffer carries the format it was actually captured in.
	Open(dev Device, want Format, framesPerBuffer int, fn Callback) (Stream, error)

	// Close releases the audio subsystem
	Close() error
}

// Stream is an opened capture stream.
type Stream interface {
	Start() error

	// Stop halts delivery. When Stop returns no callback is running and no
	// further callbacks will be made.
	Stop() error

	Close() error
}
