package application

import (
	"context"
	"log/slog"

	"voice-bridge/internal/domain"
	"voice-bridge/internal/pcm"
)

// FrameSink consumes one captured frame before the next one is read.
type FrameSink func(ctx context.Context, frame domain.AudioFrame) error

// Capture pulls frames from a device and hands each one synchronously to a
// sink. The device paces the loop; nothing is queued in between.
type Capture struct {
	input  AudioInput
	level  func(rms float64)
	logger *slog.Logger
}

// NewCapture wires an input device to an optional level tap. The tap feeds
// visualization only and can never stop capture.
func NewCapture(input AudioInput, level func(rms float64), logger *slog.Logger) *Capture {
	return &Capture{
		input:  input,
		level:  level,
		logger: logger,
	}
}

// Run blocks until ctx is cancelled or the device fails. Device failures are
// returned as *domain.DeviceError; sink errors are logged and skipped.
func (c *Capture) Run(ctx context.Context, sink FrameSink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := c.input.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &domain.DeviceError{Device: "microphone", Err: err}
		}

		c.tap(frame)

		if err := sink(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("sending captured frame", "error", err)
		}
	}
}

func (c *Capture) tap(frame domain.AudioFrame) {
	if c.level == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("level tap failed", "panic", r)
		}
	}()
	c.level(pcm.RMS(frame.Samples))
}
