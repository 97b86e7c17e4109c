package application

import (
	"context"
	"time"

	"voice-bridge/internal/domain"
)

// Devices acquires the microphone and speaker for one session. Failures must
// be reported as *domain.DeviceError.
type Devices interface {
	OpenInput(ctx context.Context, format domain.AudioFormat, frameSize int) (AudioInput, error)
	OpenOutput(ctx context.Context, format domain.AudioFormat) (AudioOutput, error)
}

// AudioInput produces capture frames paced by the device.
type AudioInput interface {
	Read(ctx context.Context) (domain.AudioFrame, error)
	Close() error
}

// AudioOutput plays buffers against its own monotonic clock.
type AudioOutput interface {
	Now() time.Duration
	Play(buf *domain.SampleBuffer, at time.Duration, onEnded func()) (Voice, error)
	Close() error
}

// Voice is one scheduled buffer. Stop is safe to call more than once and
// does not fire the ended callback.
type Voice interface {
	Stop()
}
