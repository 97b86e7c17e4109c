// Package pcm converts between normalized float samples and the wire's signed
// 16-bit little-endian PCM, base64 framed.
//
// Encoding never fails: NaN becomes silence and out-of-range samples are
// clamped, because the wire format cannot represent overflow.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"

	"voice-bridge/internal/domain"
)

const scale = 32768

var (
	ErrOddLength       = errors.New("pcm payload has odd byte length")
	ErrInvalidChannel  = errors.New("channel count must be at least 1")
	ErrUnsupportedMIME = errors.New("unsupported audio mime type")
)

// Quantize maps one normalized sample to int16.
func Quantize(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := float64(s) * scale
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// EncodeFrame packs samples as s16le and returns the base64 text.
func EncodeFrame(samples []float32) string {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(Quantize(s)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// EncodeBlob encodes one captured frame into its wire blob.
func EncodeBlob(samples []float32, sampleRate int) domain.Blob {
	return domain.Blob{
		Data:     EncodeFrame(samples),
		MIMEType: MIMEType(sampleRate),
	}
}

func MIMEType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// DecodeFrame reverses EncodeFrame for interleaved multi-channel payloads.
// A trailing partial frame is dropped.
func DecodeFrame(b64 string, sampleRate, channels int) (*domain.SampleBuffer, error) {
	if channels < 1 {
		return nil, ErrInvalidChannel
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, ErrOddLength
	}

	frames := len(raw) / 2 / channels
	buf := &domain.SampleBuffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for c := 0; c < channels; c++ {
		data := make([]float32, frames)
		for i := 0; i < frames; i++ {
			off := (i*channels + c) * 2
			data[i] = float32(int16(binary.LittleEndian.Uint16(raw[off:]))) / scale
		}
		buf.Channels[c] = data
	}
	return buf, nil
}

// ParseMIME extracts the sample rate from an audio/pcm mime type, falling
// back to defaultRate when no rate parameter is present.
func ParseMIME(mimeType string, defaultRate int) (int, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("parsing mime type %q: %w", mimeType, err)
	}

	switch strings.ToLower(mediaType) {
	case "audio/pcm", "audio/l16":
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedMIME, mediaType)
	}

	rate, ok := params["rate"]
	if !ok {
		return defaultRate, nil
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid rate %q", rate)
	}
	return n, nil
}

// RMS returns the root-mean-square level of a frame.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if math.IsNaN(float64(s)) {
			continue
		}
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
