package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"voice-bridge/internal/domain"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// FileInput replays a recording as if it came from a microphone: frames are
// released at the real capture rate, and silence follows the end of the file.
type FileInput struct {
	samples   []float32
	frameSize int
	rate      int
	period    time.Duration

	ticker *time.Ticker

	mu     sync.Mutex
	offset int
	frames int64
}

// OpenFileInput loads a .wav file (16-bit PCM) or headerless s16le mono
// .pcm/.raw data at the requested format.
func OpenFileInput(path string, format domain.AudioFormat, frameSize int) (*FileInput, error) {
	if frameSize < 1 {
		return nil, fmt.Errorf("invalid frame size %d", frameSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var samples []float32
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		var rate int
		samples, rate, err = decodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		if rate != format.SampleRate {
			return nil, fmt.Errorf("%s is %d Hz, capture expects %d Hz", path, rate, format.SampleRate)
		}
	case ".pcm", ".raw":
		samples = s16ToFloat(data, 1)
	default:
		return nil, fmt.Errorf("unsupported audio file %s", path)
	}

	period := domain.FramesToDuration(int64(frameSize), format.SampleRate)
	return &FileInput{
		samples:   samples,
		frameSize: frameSize,
		rate:      format.SampleRate,
		period:    period,
		ticker:    time.NewTicker(period),
	}, nil
}

func (f *FileInput) Read(ctx context.Context) (domain.AudioFrame, error) {
	select {
	case <-ctx.Done():
		return domain.AudioFrame{}, ctx.Err()
	case <-f.ticker.C:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	frame := make([]float32, f.frameSize)
	if f.offset < len(f.samples) {
		f.offset += copy(frame, f.samples[f.offset:])
	}

	ts := domain.FramesToDuration(f.frames, f.rate)
	f.frames += int64(f.frameSize)
	return domain.AudioFrame{Samples: frame, Timestamp: ts}, nil
}

// Exhausted reports whether the whole recording has been delivered.
func (f *FileInput) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset >= len(f.samples)
}

func (f *FileInput) Close() error {
	f.ticker.Stop()
	return nil
}

// decodeWAV extracts mono samples from a 16-bit PCM WAV. Multi-channel
// recordings are averaged down to one channel.
func decodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, 0, ErrNotWAV
	}

	var (
		channels, bits int
		rate           int
		haveFormat     bool
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(data[body:]); format != 1 {
				return nil, 0, fmt.Errorf("unsupported wav encoding %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFormat = true
		case "data":
			if !haveFormat {
				return nil, 0, errors.New("data chunk before fmt chunk")
			}
			if bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bit depth %d", bits)
			}
			if channels < 1 {
				return nil, 0, errors.New("wav declares no channels")
			}
			return s16ToFloat(data[body:body+size], channels), rate, nil
		}

		off = body + size + size%2
	}

	return nil, 0, errors.New("no data chunk")
}

func s16ToFloat(raw []byte, channels int) []float32 {
	frames := len(raw) / 2 / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(raw[off:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}
