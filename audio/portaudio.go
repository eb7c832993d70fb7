package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// PortAudio captures through the PortAudio library.
type PortAudio struct {
	logger *slog.Logger
}

// NewPortAudio initializes PortAudio. Close must be called when done.
func NewPortAudio(logger *slog.Logger) (*PortAudio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudio{logger: logger.With(slog.String("backend", "portaudio"))}, nil
}

func (p *PortAudio) Name() string { return "portaudio" }

func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

func (p *PortAudio) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		devices = append(devices, Device{
			ID:       info.Name,
			Name:     info.Name,
			Default:  info.Name == defaultName,
			Channels: info.MaxInputChannels,
		})
	}
	return devices, nil
}

func (p *PortAudio) lookup(dev Device) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name == dev.ID && info.MaxInputChannels > 0 {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceUnavailable, dev.ID)
}

func (p *PortAudio) Open(dev Device, want Format, framesPerBuffer int, fn Callback) (Stream, error) {
	info, err := p.lookup(dev)
	if err != nil {
		return nil, err
	}

	channels := want.Channels
	if channels <= 0 || channels > info.MaxInputChannels {
		channels = 1
	}
	format := Format{
		SampleRate: want.SampleRate,
		BitDepth:   16,
		Channels:   channels,
		Encoding:   PCMInt,
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(want.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	s := &paStream{
		format: format,
		fn:     fn,
		raw:    make([]byte, framesPerBuffer*channels*2),
	}
	stream, err := portaudio.OpenStream(params, s.process)
	if err != nil {
		return nil, fmt.Errorf("open capture stream on %q: %w", info.Name, err)
	}
	s.stream = stream

	p.logger.Debug("capture stream opened",
		slog.String("device", info.Name),
		slog.Int("channels", channels),
		slog.Int("sample_rate", want.SampleRate),
		slog.Int("frames_per_buffer", framesPerBuffer),
	)
	return s, nil
}

type paStream struct {
	stream *portaudio.Stream
	format Format
	fn     Callback
	raw    []byte
}

// process runs on the PortAudio callback thread.
func (s *paStream) process(in []int16) {
	need := len(in) * 2
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	for i, v := range in {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	s.fn(Buffer{Data: raw, Format: s.format})
}

func (s *paStream) Start() error {
	if s.stream == nil {
		return errors.New("stream not opened")
	}
	return s.stream.Start()
}

func (s *paStream) Stop() error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Stop()
}

func (s *paStream) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}
