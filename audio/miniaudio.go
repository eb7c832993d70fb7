package audio

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/malgo"
)

// Miniaudio captures through miniaudio (malgo). Buffers are delivered as
// 32-bit float samples and converted by the capture engine.
type Miniaudio struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

// NewMiniaudio initializes a miniaudio context. Close must be called when done.
func NewMiniaudio(logger *slog.Logger) (*Miniaudio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("backend", "miniaudio"))

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug("miniaudio", slog.String("message", msg))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Miniaudio{ctx: ctx, logger: logger}, nil
}

func (m *Miniaudio) Name() string { return "miniaudio" }

func (m *Miniaudio) Close() error {
	if m.ctx == nil {
		return nil
	}
	if err := m.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	m.ctx.Free()
	m.ctx = nil
	return nil
}

func (m *Miniaudio) Devices() ([]Device, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:       info.ID.String(),
			Name:     info.Name(),
			Default:  info.IsDefault != 0,
			Channels: 1,
		})
	}
	return devices, nil
}

func (m *Miniaudio) Open(dev Device, want Format, framesPerBuffer int, fn Callback) (Stream, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	var info *malgo.DeviceInfo
	for i := range infos {
		if infos[i].ID.String() == dev.ID {
			info = &infos[i]
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceUnavailable, dev.ID)
	}

	channels := want.Channels
	if channels <= 0 {
		channels = 1
	}
	format := Format{
		SampleRate: want.SampleRate,
		BitDepth:   32,
		Channels:   channels,
		Encoding:   Float,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.Capture.DeviceID = info.ID.Pointer()
	cfg.SampleRate = uint32(want.SampleRate)
	cfg.PeriodSizeInFrames = uint32(framesPerBuffer)

	s := &maStream{format: format, fn: fn}
	device, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.process,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing capture device %q: %w", dev.Name, err)
	}
	s.device = device

	m.logger.Debug("capture device initialized",
		slog.String("device", dev.Name),
		slog.Int("channels", channels),
		slog.Int("sample_rate", want.SampleRate),
	)
	return s, nil
}

type maStream struct {
	device *malgo.Device
	format Format
	fn     Callback
}

// process is the malgo data callback; input holds interleaved float32 frames.
func (s *maStream) process(_, input []byte, frameCount uint32) {
	n := int(frameCount) * s.format.FrameSize()
	if n > len(input) {
		n = len(input)
	}
	s.fn(Buffer{Data: input[:n], Format: s.format})
}

func (s *maStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("starting capture device: %w", err)
	}
	return nil
}

func (s *maStream) Stop() error {
	return s.device.Stop()
}

func (s *maStream) Close() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return nil
}
