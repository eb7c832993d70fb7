package sound

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

type PlayerConfig struct {
	FramesPerBuffer int
}

func GetDefaultConfig() PlayerConfig {
	return PlayerConfig{FramesPerBuffer: 1024}
}

// PortaudioPlayer writes cues to the default output device. Streams are
// opened per cue since cues may differ in rate and channel count.
type PortaudioPlayer struct {
	config PlayerConfig
	mu     sync.Mutex
}

func NewPortaudioPlayer(config PlayerConfig) *PortaudioPlayer {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	return &PortaudioPlayer{config: config}
}

// Initialize initializes PortAudio. Calls are reference counted by the
// library, so it is safe alongside the capture backend.
func (p *PortaudioPlayer) Initialize() error {
	return portaudio.Initialize()
}

func (p *PortaudioPlayer) Terminate() {
	portaudio.Terminate()
}

func (p *PortaudioPlayer) Play(ctx context.Context, cue *Cue) error {
	if cue == nil || len(cue.Samples) == 0 {
		return nil
	}
	if cue.Channels <= 0 {
		return errors.New("cue has no channels")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	buffer := make([]int16, p.config.FramesPerBuffer*cue.Channels)
	stream, err := portaudio.OpenDefaultStream(
		0,
		cue.Channels,
		float64(cue.SampleRate),
		p.config.FramesPerBuffer,
		buffer,
	)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(cue.Samples); off += len(buffer) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buffer, cue.Samples[off:])
		// Zero-fill the tail of the last buffer
		clear(buffer[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("failed to write cue: %w", err)
		}
	}
	return nil
}
