package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Transcriber defines the interface for speech-to-text implementations
type Transcriber interface {
	// Transcribe recognizes the mono 16-bit WAV recording at path
	Transcribe(ctx context.Context, path string) (string, error)

	// Close closes the client and cleans up resources
	Close() error
}

// ReadPCM decodes a mono 16-bit WAV file into little-endian PCM and its
// sample rate.
func ReadPCM(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav file %s", path)
	}
	if d.NumChans != 1 || d.BitDepth != 16 {
		return nil, 0, fmt.Errorf("unsupported recording format: %d-bit x%d", d.BitDepth, d.NumChans)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode recording: %w", err)
	}
	rate := int(d.SampleRate)
	if buf.Format != nil && buf.Format.SampleRate > 0 {
		rate = buf.Format.SampleRate
	}
	return littleEndian16(buf), rate, nil
}

func littleEndian16(buf *goaudio.IntBuffer) []byte {
	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}
