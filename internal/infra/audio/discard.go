package audio

import (
	"sync"
	"time"

	"voice-bridge/internal/domain"
)

// DiscardOutput renders the mixer on a wall-clock ticker and throws the
// samples away. It keeps the playback clock honest on hosts without a sound
// card.
type DiscardOutput struct {
	*Mixer

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func NewDiscardOutput(format domain.AudioFormat, period time.Duration) *DiscardOutput {
	if period <= 0 {
		period = 20 * time.Millisecond
	}

	d := &DiscardOutput{
		Mixer: NewMixer(format),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	frames := int(domain.DurationToFrames(period, format.SampleRate))
	if frames < 1 {
		frames = 1
	}
	go d.run(period, make([]float32, frames*d.Mixer.channels))
	return d
}

func (d *DiscardOutput) run(period time.Duration, buf []float32) {
	defer close(d.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.Render(buf)
		}
	}
}

func (d *DiscardOutput) Close() error {
	d.once.Do(func() { close(d.stop) })
	<-d.done
	return d.Mixer.Close()
}
