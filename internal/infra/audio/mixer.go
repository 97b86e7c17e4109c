package audio

import (
	"errors"
	"sync"
	"time"

	"voice-bridge/internal/application"
	"voice-bridge/internal/domain"
	"voice-bridge/internal/pcm"
)

var ErrOutputClosed = errors.New("audio output closed")

// Mixer sums scheduled buffers into an interleaved output stream. Its clock
// is the number of frames rendered so far, so Now only advances when the
// device pulls audio.
type Mixer struct {
	rate     int
	channels int

	mu     sync.Mutex
	pos    int64
	voices []*voice
	closed bool
}

type voice struct {
	mixer   *Mixer
	buf     *domain.SampleBuffer
	start   int64
	onEnded func()
	stopped bool
}

func NewMixer(format domain.AudioFormat) *Mixer {
	channels := format.Channels
	if channels < 1 {
		channels = 1
	}
	return &Mixer{
		rate:     format.SampleRate,
		channels: channels,
	}
}

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.FramesToDuration(m.pos, m.rate)
}

// Play schedules buf to start at the given output time. Buffers at another
// rate are resampled to the mixer rate first.
func (m *Mixer) Play(buf *domain.SampleBuffer, at time.Duration, onEnded func()) (application.Voice, error) {
	buf = pcm.Resample(buf, m.rate)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrOutputClosed
	}

	start := domain.DurationToFrames(at, m.rate)
	if start < m.pos {
		start = m.pos
	}

	v := &voice{
		mixer:   m,
		buf:     buf,
		start:   start,
		onEnded: onEnded,
	}
	m.voices = append(m.voices, v)
	return v, nil
}

// Render fills out with the next len(out)/channels frames and advances the
// clock. Ended callbacks run on their own goroutines.
func (m *Mixer) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	m.mu.Lock()
	frames := int64(len(out) / m.channels)
	end := m.pos + frames

	var finished []func()
	live := m.voices[:0]
	for _, v := range m.voices {
		m.mix(v, out, end)
		if v.start+int64(v.buf.Frames()) <= end {
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
			continue
		}
		live = append(live, v)
	}
	for i := len(live); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = live
	m.pos = end
	m.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}

	for _, fn := range finished {
		go fn()
	}
}

func (m *Mixer) mix(v *voice, out []float32, end int64) {
	if v.start >= end {
		return
	}
	src := v.buf.Channels
	if len(src) == 0 {
		return
	}

	from := v.start
	if from < m.pos {
		from = m.pos
	}
	to := v.start + int64(len(src[0]))
	if to > end {
		to = end
	}

	for f := from; f < to; f++ {
		i := f - v.start
		o := int(f-m.pos) * m.channels
		for c := 0; c < m.channels; c++ {
			ch := src[0]
			if c < len(src) {
				ch = src[c]
			}
			out[o+c] += ch[i]
		}
	}
}

// Pending reports how many buffers are scheduled or playing.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.voices = nil
	return nil
}

func (v *voice) Stop() {
	m := v.mixer
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.stopped {
		return
	}
	v.stopped = true
	for i, other := range m.voices {
		if other == v {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}
