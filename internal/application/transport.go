package application

import (
	"context"

	"voice-bridge/internal/domain"
)

// Dialer opens the duplex channel to the inference service. The returned
// Conn reports readiness through an EventOpen on its event stream.
type Dialer interface {
	Dial(ctx context.Context, setup domain.Setup) (Conn, error)
}

type Conn interface {
	Send(ctx context.Context, msg domain.ClientMessage) error
	// Events is closed after the final close or error event.
	Events() <-chan domain.TransportEvent
	Close() error
}
