package application

import (
	"time"

	"voice-bridge/internal/domain"
)

// Observer receives session telemetry. Implementations must not block.
type Observer interface {
	StateChanged(from, to domain.State)
	RetryScheduled(attempt int)
	FrameSent(bytes int)
	PayloadScheduled(d time.Duration)
	Interrupted(flushed int)
	MessageDropped(err error)
	ToolCalled(name string, err error)
}

type NopObserver struct{}

func (NopObserver) StateChanged(_, _ domain.State)   {}
func (NopObserver) RetryScheduled(_ int)             {}
func (NopObserver) FrameSent(_ int)                  {}
func (NopObserver) PayloadScheduled(_ time.Duration) {}
func (NopObserver) Interrupted(_ int)                {}
func (NopObserver) MessageDropped(_ error)           {}
func (NopObserver) ToolCalled(_ string, _ error)     {}
