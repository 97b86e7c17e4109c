//go:build !portaudio
// +build !portaudio

package audio

import (
	"context"
	"errors"
	"log/slog"

	"voice-bridge/internal/domain"
)

var errNoPortaudio = errors.New("sound card access not available: rebuild with -tags portaudio")

// Microphone stub when portaudio is not available
type Microphone struct{}

func openMicrophone(_ domain.AudioFormat, _ int, _ *slog.Logger) (*Microphone, error) {
	return nil, errNoPortaudio
}

func (m *Microphone) Read(_ context.Context) (domain.AudioFrame, error) {
	return domain.AudioFrame{}, errNoPortaudio
}

func (m *Microphone) Close() error {
	return nil
}

// Speaker stub when portaudio is not available
type Speaker struct {
	*Mixer
}

func openSpeaker(_ domain.AudioFormat, _ int, _ *slog.Logger) (*Speaker, error) {
	return nil, errNoPortaudio
}
