package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voice-bridge/internal/application"
	"voice-bridge/internal/domain"
)

var ErrInputClosed = errors.New("audio input closed")

const (
	InputMicrophone = "microphone"
	InputFile       = "file"

	OutputSpeaker = "speaker"
	OutputDiscard = "discard"
)

type DevicesConfig struct {
	Input     string
	Output    string
	InputFile string
	// OutputBufferFrames is the portaudio callback size, or the render
	// period for the discard output.
	OutputBufferFrames int
}

// Devices opens the configured input and output for each session.
type Devices struct {
	cfg    DevicesConfig
	logger *slog.Logger
}

func NewDevices(cfg DevicesConfig, logger *slog.Logger) *Devices {
	return &Devices{cfg: cfg, logger: logger}
}

func (d *Devices) OpenInput(ctx context.Context, format domain.AudioFormat, frameSize int) (application.AudioInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frameSize < 1 || format.SampleRate < 1 {
		return nil, &domain.DeviceError{Device: "microphone", Err: fmt.Errorf("invalid capture format: %d Hz, %d frames", format.SampleRate, frameSize)}
	}

	switch d.cfg.Input {
	case InputMicrophone, "":
		mic, err := openMicrophone(format, frameSize, d.logger)
		if err != nil {
			return nil, &domain.DeviceError{Device: "microphone", Err: err}
		}
		return mic, nil
	case InputFile:
		f, err := OpenFileInput(d.cfg.InputFile, format, frameSize)
		if err != nil {
			return nil, &domain.DeviceError{Device: "microphone", Err: err}
		}
		d.logger.Info("replaying audio file as microphone", "path", d.cfg.InputFile)
		return f, nil
	default:
		return nil, &domain.DeviceError{Device: "microphone", Err: fmt.Errorf("unknown input %q", d.cfg.Input)}
	}
}

func (d *Devices) OpenOutput(ctx context.Context, format domain.AudioFormat) (application.AudioOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if format.SampleRate < 1 {
		return nil, &domain.DeviceError{Device: "speaker", Err: fmt.Errorf("invalid sample rate %d", format.SampleRate)}
	}

	frames := d.cfg.OutputBufferFrames
	if frames <= 0 {
		frames = 480
	}

	switch d.cfg.Output {
	case OutputSpeaker, "":
		spk, err := openSpeaker(format, frames, d.logger)
		if err != nil {
			return nil, &domain.DeviceError{Device: "speaker", Err: err}
		}
		return spk, nil
	case OutputDiscard:
		period := domain.FramesToDuration(int64(frames), format.SampleRate)
		if period <= 0 {
			period = 20 * time.Millisecond
		}
		return NewDiscardOutput(format, period), nil
	default:
		return nil, &domain.DeviceError{Device: "speaker", Err: fmt.Errorf("unknown output %q", d.cfg.Output)}
	}
}

// downmix averages interleaved channels into a fresh mono slice.
func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), interleaved...)
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
