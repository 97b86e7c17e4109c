package application

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-bridge/internal/domain"
)

var errEmptyBuffer = errors.New("empty sample buffer")

// Scheduler chains decoded buffers back to back on the output clock.
//
// The cursor is the next free start time. Every buffer starts at
// max(cursor, now) and pushes the cursor past its own end, so scheduled
// intervals never overlap and start times never decrease, regardless of
// when payloads arrive.
type Scheduler struct {
	out    AudioOutput
	onIdle func()

	mu     sync.Mutex
	cursor time.Duration
	nextID uint64
	active map[uint64]Voice
}

// NewScheduler returns a scheduler for out. onIdle fires whenever the last
// active buffer finishes naturally.
func NewScheduler(out AudioOutput, onIdle func()) *Scheduler {
	return &Scheduler{
		out:    out,
		onIdle: onIdle,
		active: make(map[uint64]Voice),
	}
}

// Schedule queues buf and returns its start time.
func (p *Scheduler) Schedule(buf *domain.SampleBuffer) (time.Duration, error) {
	d := buf.Duration()
	if d <= 0 {
		return 0, errEmptyBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.cursor
	if now := p.out.Now(); now > start {
		start = now
	}

	p.nextID++
	id := p.nextID

	voice, err := p.out.Play(buf, start, func() { p.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("starting playback: %w", err)
	}

	p.cursor = start + d
	p.active[id] = voice
	return start, nil
}

// Interrupt stops everything queued and moves the cursor to the current
// output time.
func (p *Scheduler) Interrupt() int {
	return p.flush(p.out.Now())
}

// Reset stops everything queued and rewinds the cursor to zero.
func (p *Scheduler) Reset() int {
	return p.flush(0)
}

func (p *Scheduler) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Scheduler) Cursor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Scheduler) flush(cursor time.Duration) int {
	p.mu.Lock()
	voices := p.active
	p.active = make(map[uint64]Voice)
	p.cursor = cursor
	p.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return len(voices)
}

func (p *Scheduler) ended(id uint64) {
	p.mu.Lock()
	if _, ok := p.active[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, id)
	idle := len(p.active) == 0
	p.mu.Unlock()

	if idle && p.onIdle != nil {
		p.onIdle()
	}
}
