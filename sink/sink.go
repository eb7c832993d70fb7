// Package sink accumulates converted recording audio into WAV files.
package sink

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/d1nch8g/dictation/audio"
)

// ErrClosed is returned by writes to a finalized or discarded sink.
var ErrClosed = errors.New("sink closed")

// Sink receives the ordered PCM bytes of one recording.
type Sink interface {
	// Path is the file the recording is written to.
	Path() string
	// Write appends mono 16-bit little-endian PCM.
	Write(pcm []byte) error
	// Close finalizes the file.
	Close() error
	// Discard closes and removes the file.
	Discard() error
}

// Creator opens a sink for a new recording.
type Creator interface {
	Create(f audio.Format) (Sink, error)
}

// Dir creates WAV recordings in a directory. An empty Dir uses the working
// directory.
type Dir string

// Create opens a new RecordTemp_<id>.wav file.
func (d Dir) Create(f audio.Format) (Sink, error) {
	dir := string(d)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve recordings dir: %w", err)
		}
		dir = cwd
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return NewWAV(filepath.Join(dir, TempName()), f)
}

// TempName returns a fresh recording file name.
func TempName() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return fmt.Sprintf("RecordTemp_%s.wav", id)
}

// headerSize is the length of a canonical PCM WAV header.
const headerSize = 44

// header is the canonical 44-byte PCM WAV header.
type header struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newHeader(sampleRate int, dataSize uint32) header {
	return header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAV streams PCM into a WAV container. The PCM is already little-endian
// 16-bit, so Write copies bytes into a reused buffer and never allocates.
// The header sizes are filled in by Close.
type WAV struct {
	path   string
	file   *os.File
	w      *bufio.Writer
	rate   int
	size   int64
	closed bool
}

// NewWAV creates the file at path. Only mono 16-bit PCM is accepted.
func NewWAV(path string, f audio.Format) (*WAV, error) {
	if f.BitDepth != 16 || f.Channels != 1 || f.Encoding != audio.PCMInt {
		return nil, fmt.Errorf("unsupported recording format %d-bit %s x%d", f.BitDepth, f.Encoding, f.Channels)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, newHeader(f.SampleRate, 0)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &WAV{
		path: path,
		file: file,
		w:    bufio.NewWriterSize(file, 32<<10),
		rate: f.SampleRate,
	}, nil
}

func (w *WAV) Path() string { return w.path }

// Write appends whole samples of pcm; a trailing odd byte is dropped.
func (w *WAV) Write(pcm []byte) error {
	if w.closed {
		return ErrClosed
	}
	n := len(pcm) &^ 1
	if n == 0 {
		return nil
	}
	if _, err := w.w.Write(pcm[:n]); err != nil {
		return fmt.Errorf("wav write: %w", err)
	}
	w.size += int64(n)
	return nil
}

// Close flushes buffered audio and rewrites the header with the final sizes.
func (w *WAV) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.finalize(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("wav close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wav close: %w", err)
	}
	return nil
}

func (w *WAV) finalize() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(w.file, binary.LittleEndian, newHeader(w.rate, uint32(w.size)))
}

func (w *WAV) Discard() error {
	if !w.closed {
		w.closed = true
		_ = w.file.Close()
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial recording: %w", err)
	}
	return nil
}
