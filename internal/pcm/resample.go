package pcm

import "voice-bridge/internal/domain"

// Resample converts buf to rate with linear interpolation. The frame count is
// rounded so the duration stays within one output frame of the source.
// buf is returned unchanged when no conversion is needed.
func Resample(buf *domain.SampleBuffer, rate int) *domain.SampleBuffer {
	if buf == nil || rate <= 0 || buf.SampleRate <= 0 || buf.SampleRate == rate {
		return buf
	}

	in := buf.Frames()
	out := int((int64(in)*int64(rate) + int64(buf.SampleRate)/2) / int64(buf.SampleRate))
	ratio := float64(buf.SampleRate) / float64(rate)

	res := &domain.SampleBuffer{
		SampleRate: rate,
		Channels:   make([][]float32, len(buf.Channels)),
	}
	for c, src := range buf.Channels {
		dst := make([]float32, out)
		for i := range dst {
			pos := float64(i) * ratio
			j := int(pos)
			if j >= in-1 {
				dst[i] = src[in-1]
				continue
			}
			frac := float32(pos - float64(j))
			dst[i] = src[j] + frac*(src[j+1]-src[j])
		}
		res.Channels[c] = dst
	}
	return res
}
