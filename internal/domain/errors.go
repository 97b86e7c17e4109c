package domain

import "fmt"

// DeviceError means the microphone or speaker could not be opened or failed
// mid-session. It is fatal and never retried.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ConnectError means the duplex channel could not be established or failed.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect (%s): %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ServiceOverloadedError is surfaced once the overload retries are exhausted.
type ServiceOverloadedError struct {
	Code     int
	Reason   string
	Attempts int
}

func (e *ServiceOverloadedError) Error() string {
	return fmt.Sprintf("service overloaded after %d retries (close %d: %s)", e.Attempts, e.Code, e.Reason)
}

// ProtocolError marks a single inbound message that could not be understood.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PlaybackError marks a single payload that could not be decoded or scheduled.
type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
