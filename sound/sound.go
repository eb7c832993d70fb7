// Package sound plays short audio cues when a recording starts and stops.
package sound

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/d1nch8g/dictation/events"
	"github.com/d1nch8g/dictation/state"
)

// Player defines the interface for cue playback
type Player interface {
	// Play blocks until the cue has been played or ctx is done.
	Play(ctx context.Context, cue *Cue) error
}

// Cue is a decoded clip of interleaved 16-bit samples.
type Cue struct {
	Name       string
	SampleRate int
	Channels   int
	Samples    []int16
}

// Duration returns the playback length of the cue.
func (c *Cue) Duration() time.Duration {
	if c == nil || c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// LoadCue decodes the MP3 file at path.
func LoadCue(path string) (*Cue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cue: %w", err)
	}
	cue, err := DecodeCue(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cue %s: %w", path, err)
	}
	cue.Name = path
	return cue, nil
}

// DecodeCue decodes MP3 data. go-mp3 always yields stereo 16-bit
// little-endian PCM.
func DecodeCue(r io.Reader) (*Cue, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, err
	}
	return &Cue{
		SampleRate: d.SampleRate(),
		Channels:   2,
		Samples:    bytesToSamples(pcm),
	}, nil
}

func bytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// Cues plays Start when a recording begins and Stop when it ends. A nil cue
// is skipped.
type Cues struct {
	Start  *Cue
	Stop   *Cue
	Player Player
	Logger *slog.Logger
}

// Run plays cues for state changes received on changes until ctx is done or
// the channel is closed.
func (c *Cues) Run(ctx context.Context, changes <-chan events.StateChange) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-changes:
			if !ok {
				return nil
			}
			cue := c.pick(ev.From, ev.To)
			if cue == nil {
				continue
			}
			if err := c.Player.Play(ctx, cue); err != nil && ctx.Err() == nil {
				logger.Warn("failed to play cue", slog.String("cue", cue.Name), slog.Any("error", err))
			}
		}
	}
}

func (c *Cues) pick(from, to state.State) *Cue {
	switch {
	case to == state.Recording:
		return c.Start
	case from == state.Recording:
		return c.Stop
	}
	return nil
}
