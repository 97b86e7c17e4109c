package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"voice-bridge/internal/application"
	"voice-bridge/internal/domain"
)

var errClosed = errors.New("closed")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type mockInput struct {
	frames chan domain.AudioFrame

	mu        sync.Mutex
	readErr   error
	closed    int
	closeGate chan struct{}
}

func newMockInput() *mockInput {
	return &mockInput{frames: make(chan domain.AudioFrame, 16)}
}

func (m *mockInput) Read(ctx context.Context) (domain.AudioFrame, error) {
	m.mu.Lock()
	err := m.readErr
	m.mu.Unlock()
	if err != nil {
		return domain.AudioFrame{}, err
	}

	select {
	case <-ctx.Done():
		return domain.AudioFrame{}, ctx.Err()
	case f := <-m.frames:
		return f, nil
	}
}

// Close blocks while a close gate is set and still open.
func (m *mockInput) Close() error {
	m.mu.Lock()
	gate := m.closeGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockInput) HoldClose() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeGate = make(chan struct{})
	return m.closeGate
}

func (m *mockInput) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type played struct {
	at      time.Duration
	d       time.Duration
	rate    int
	onEnded func()
	voice   *mockVoice
}

type mockVoice struct {
	mu      sync.Mutex
	stopped bool
}

func (v *mockVoice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

func (v *mockVoice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

type mockOutput struct {
	mu      sync.Mutex
	now     time.Duration
	played  []played
	playErr error
	closed  int
}

func (m *mockOutput) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockOutput) SetNow(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = d
}

func (m *mockOutput) Play(buf *domain.SampleBuffer, at time.Duration, onEnded func()) (application.Voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playErr != nil {
		return nil, m.playErr
	}
	v := &mockVoice{}
	m.played = append(m.played, played{at: at, d: buf.Duration(), rate: buf.SampleRate, onEnded: onEnded, voice: v})
	return v, nil
}

func (m *mockOutput) Played() []played {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]played(nil), m.played...)
}

// End fires the ended callback of the i-th played buffer.
func (m *mockOutput) End(i int) {
	m.mu.Lock()
	fn := m.played[i].onEnded
	m.mu.Unlock()
	fn()
}

func (m *mockOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockOutput) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockDevices struct {
	input  *mockInput
	output *mockOutput

	mu        sync.Mutex
	inputErr  error
	outputErr error
	opened    int
}

func newMockDevices() *mockDevices {
	return &mockDevices{
		input:  newMockInput(),
		output: &mockOutput{},
	}
}

func (m *mockDevices) OpenInput(_ context.Context, _ domain.AudioFormat, _ int) (application.AudioInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputErr != nil {
		return nil, m.inputErr
	}
	m.opened++
	return m.input, nil
}

func (m *mockDevices) OpenOutput(_ context.Context, _ domain.AudioFormat) (application.AudioOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputErr != nil {
		return nil, m.outputErr
	}
	return m.output, nil
}

func (m *mockDevices) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

type mockConn struct {
	events chan domain.TransportEvent

	mu     sync.Mutex
	sent   []domain.ClientMessage
	closed bool
}

func newMockConn() *mockConn {
	return &mockConn{events: make(chan domain.TransportEvent, 16)}
}

func (c *mockConn) Send(_ context.Context, msg domain.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *mockConn) Events() <-chan domain.TransportEvent { return c.events }

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) Sent() []domain.ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ClientMessage(nil), c.sent...)
}

func (c *mockConn) Open() {
	c.events <- domain.TransportEvent{Kind: domain.EventOpen}
}

func (c *mockConn) Message(data []byte) {
	c.events <- domain.TransportEvent{Kind: domain.EventMessage, Data: data}
}

func (c *mockConn) CloseWith(code int, reason string) {
	c.events <- domain.TransportEvent{Kind: domain.EventClose, Code: code, Reason: reason}
}

type mockDialer struct {
	mu     sync.Mutex
	conns  []*mockConn
	setups []domain.Setup
	err    error
}

func (d *mockDialer) Dial(_ context.Context, setup domain.Setup) (application.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setups = append(d.setups, setup)
	if d.err != nil {
		return nil, d.err
	}
	c := newMockConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *mockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.setups)
}

// Conn waits for the i-th successful dial.
func (d *mockDialer) Conn(t *testing.T, i int) *mockConn {
	t.Helper()
	var c *mockConn
	waitFor(t, "dial", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.conns) > i {
			c = d.conns[i]
			return true
		}
		return false
	})
	return c
}

type mockObserver struct {
	application.NopObserver

	mu          sync.Mutex
	transitions []domain.State
	retries     []int
	dropped     int
	interrupts  int
	tools       []string
}

func (o *mockObserver) StateChanged(_, to domain.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *mockObserver) RetryScheduled(attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, attempt)
}

func (o *mockObserver) MessageDropped(_ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *mockObserver) Interrupted(_ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interrupts++
}

func (o *mockObserver) ToolCalled(name string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tools = append(o.tools, name)
}

func (o *mockObserver) count(state domain.State) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.transitions {
		if s == state {
			n++
		}
	}
	return n
}

type mockTools struct {
	result map[string]any
	err    error
	// block names a function whose calls run until their context ends.
	block string
}

func (m *mockTools) Declarations() []domain.FunctionDeclaration {
	return []domain.FunctionDeclaration{{Name: "lookup"}}
}

func (m *mockTools) Call(ctx context.Context, call domain.FunctionCall) (map[string]any, error) {
	if call.Name == m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.result, m.err
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockNotifier) Notify(_ context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

func (m *mockNotifier) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}
