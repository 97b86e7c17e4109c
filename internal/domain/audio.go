package domain

import "time"

// AudioFormat describes one side of the device pair. Capture and playback are
// configured independently.
type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func DefaultInputFormat() AudioFormat {
	return AudioFormat{
		SampleRate: 16000,
		Channels:   1,
		BitDepth:   16,
	}
}

func DefaultOutputFormat() AudioFormat {
	return AudioFormat{
		SampleRate: 24000,
		Channels:   1,
		BitDepth:   16,
	}
}

// DefaultFrameSize is the number of samples per capture tick.
const DefaultFrameSize = 4096

// AudioFrame is one capture tick of normalized mono samples in [-1, 1].
type AudioFrame struct {
	Samples   []float32
	Timestamp time.Duration
}

// Blob is the transmissible unit for one encoded frame.
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// SampleBuffer holds decoded audio, one slice per channel.
type SampleBuffer struct {
	SampleRate int
	Channels   [][]float32
}

func (b *SampleBuffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

func (b *SampleBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return FramesToDuration(int64(b.Frames()), b.SampleRate)
}

// FramesToDuration converts a frame count at the given rate to a duration.
func FramesToDuration(frames int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(sampleRate))
}

// DurationToFrames converts a duration to the nearest frame position at the given rate.
func DurationToFrames(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return (int64(d)*int64(sampleRate) + int64(time.Second)/2) / int64(time.Second)
}
