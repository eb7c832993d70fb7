package audio

import (
	"fmt"
	"log/slog"
	"strings"
)

// NewBackend initializes the capture backend called name.
func NewBackend(name string, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "portaudio":
		return NewPortAudio(logger)
	case "miniaudio", "malgo":
		return NewMiniaudio(logger)
	}
	return nil, fmt.Errorf("unknown audio backend %q (allowed: portaudio, miniaudio)", name)
}
