//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"voice-bridge/internal/domain"
)

// Microphone reads fixed-size frames from the default input device using a
// blocking stream.
type Microphone struct {
	logger   *slog.Logger
	channels int
	rate     int

	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []float32
	frames int64
}

func openMicrophone(format domain.AudioFormat, frameSize int, logger *slog.Logger) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}

	channels := max(format.Channels, 1)
	buffer := make([]float32, frameSize*channels)

	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(format.SampleRate), frameSize, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("opening input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("starting input stream: %w", err)
	}

	logger.Info("microphone started", "sampleRate", format.SampleRate, "frameSize", frameSize)
	return &Microphone{
		logger:   logger,
		channels: channels,
		rate:     format.SampleRate,
		stream:   stream,
		buffer:   buffer,
	}, nil
}

func (m *Microphone) Read(ctx context.Context) (domain.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return domain.AudioFrame{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return domain.AudioFrame{}, ErrInputClosed
	}

	// Overflows are expected while a reconnect countdown leaves the stream unread.
	if err := m.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return domain.AudioFrame{}, fmt.Errorf("reading from stream: %w", err)
	}

	samples := downmix(m.buffer, m.channels)
	ts := domain.FramesToDuration(m.frames, m.rate)
	m.frames += int64(len(samples))
	return domain.AudioFrame{Samples: samples, Timestamp: ts}, nil
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil
	}
	m.stream.Stop()
	err := m.stream.Close()
	m.stream = nil
	portaudio.Terminate()
	m.logger.Info("microphone stopped")
	return err
}

// Speaker pulls audio from a Mixer in the portaudio callback.
type Speaker struct {
	*Mixer
	logger *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
}

func openSpeaker(format domain.AudioFormat, framesPerBuffer int, logger *slog.Logger) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}

	mixer := NewMixer(format)
	stream, err := portaudio.OpenDefaultStream(0, mixer.channels, float64(format.SampleRate), framesPerBuffer, mixer.Render)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("opening output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("starting output stream: %w", err)
	}

	logger.Info("speaker started", "sampleRate", format.SampleRate, "framesPerBuffer", framesPerBuffer)
	return &Speaker{Mixer: mixer, logger: logger, stream: stream}, nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	s.Mixer.Close()
	portaudio.Terminate()
	s.logger.Info("speaker stopped")
	return err
}
