package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-bridge/internal/domain"
	"voice-bridge/internal/pcm"
)

// Close code the gateway uses when it is overloaded.
const overloadCloseCode = 1011

// Inbound audio is always mono regardless of the speaker layout.
const payloadChannels = 1

const notifyTimeout = 10 * time.Second

const (
	msgOverloaded = "Gateway overloaded. The live service stayed busy through every automatic retry. Use reconnect to try again."
	msgDevice     = "Could not access the microphone or speaker. Check audio permissions and reconnect."
	msgConnect    = "Could not establish the live session. Check connectivity and credentials, then reconnect."
	msgTransport  = "The live session failed unexpectedly. Reconnect to continue."
)

var (
	ErrToolsDisabled = errors.New("tool calling is disabled")
	errStale         = errors.New("session superseded")
)

type SessionConfig struct {
	Model             string
	Voice             string
	SystemInstruction string
	Input             domain.AudioFormat
	Output            domain.AudioFormat
	FrameSize         int
	Tools             bool
	Grounding         bool
	Retry             RetryPolicy
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Input:     domain.DefaultInputFormat(),
		Output:    domain.DefaultOutputFormat(),
		FrameSize: domain.DefaultFrameSize,
		Retry:     DefaultRetryPolicy(),
	}
}

type SessionOption func(*Session)

func WithTools(tools ToolHandler) SessionOption {
	return func(s *Session) { s.tools = tools }
}

func WithNotifier(n Notifier) SessionOption {
	return func(s *Session) { s.notifier = n }
}

func WithObserver(o Observer) SessionOption {
	return func(s *Session) { s.observer = o }
}

// Session owns one live conversation: the device pair, the duplex channel and
// everything flowing between them.
//
// Every acquisition of a transport bumps a generation counter. Goroutines and
// callbacks carry the generation they were started under, and anything that
// arrives for an older generation is dropped. That is what makes Stop and
// automatic retries safe against late events.
type Session struct {
	cfg      SessionConfig
	devices  Devices
	dialer   Dialer
	tools    ToolHandler
	notifier Notifier
	observer Observer
	logger   *slog.Logger

	mu       sync.Mutex
	gen      uint64
	status   domain.Status
	changed  chan struct{}
	base     context.Context
	cancel   context.CancelFunc
	conn     Conn
	input    AudioInput
	output   AudioOutput
	playback *Scheduler
	seen     map[string]bool
	// inflight holds the cancel func of each running tool call by call ID.
	inflight map[string]context.CancelFunc
	// releasing is closed once the most recent release has finished. Each
	// release waits for the one before it.
	releasing chan struct{}
}

func NewSession(cfg SessionConfig, devices Devices, dialer Dialer, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		cfg:      cfg,
		devices:  devices,
		dialer:   dialer,
		notifier: &NoopNotifier{},
		observer: NopObserver{},
		logger:   logger,
		status:   domain.Status{State: domain.StateIdle},
		changed:  make(chan struct{}),
		base:     context.Background(),
		seen:     make(map[string]bool),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start acquires the devices and opens the channel. ctx bounds the whole
// session, not just this call. Starting an active session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status.State.Active() {
		s.mu.Unlock()
		return nil
	}

	s.base = ctx
	s.seen = make(map[string]bool)
	from := s.status.State
	s.status = domain.Status{
		SessionID: uuid.NewString(),
		State:     domain.StateConnecting,
	}
	s.stateChangedLocked(from)
	gen := s.advanceLocked()
	id := s.status.SessionID
	s.mu.Unlock()

	s.logger.Info("starting session", "session", id, "model", s.cfg.Model)
	return s.connect(gen)
}

// Stop releases everything the session holds. Scheduled audio is silenced
// before Stop returns. Stopping an idle session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.status.State == domain.StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("stopping session", "session", s.status.SessionID)
	s.teardownLocked(domain.StateIdle, nil, "")
	return nil
}

// Reconnect stops whatever is running and starts over with a fresh retry budget.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	st.Grounding = append([]domain.GroundingSource(nil), s.status.Grounding...)
	return st
}

// Changed returns a channel that is closed on the next status change.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Session) connect(gen uint64) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return errStale
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	acquire := s.output == nil
	pending := s.releasing
	s.mu.Unlock()

	// Devices from a previous session must be closed before they are reopened.
	if acquire && pending != nil {
		<-pending
	}

	var (
		in  AudioInput
		out AudioOutput
		err error
	)
	if acquire {
		in, out, err = s.openDevices(ctx)
		if err != nil {
			s.terminate(gen, domain.StateError, err, msgDevice)
			return err
		}
	}

	conn, err := s.dialer.Dial(ctx, s.setup())
	if err != nil {
		closeDevices(in, out)
		err = &domain.ConnectError{Op: "dial", Err: err}
		s.terminate(gen, domain.StateError, err, msgConnect)
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		closeDevices(in, out)
		return errStale
	}
	if acquire {
		s.input = in
		s.output = out
		var sched *Scheduler
		sched = NewScheduler(out, func() { s.playbackIdle(sched) })
		s.playback = sched
	}
	s.conn = conn
	s.mu.Unlock()

	go s.pump(ctx, gen, conn)
	return nil
}

func (s *Session) openDevices(ctx context.Context) (AudioInput, AudioOutput, error) {
	out, err := s.devices.OpenOutput(ctx, s.cfg.Output)
	if err != nil {
		return nil, nil, asDeviceError("speaker", err)
	}
	in, err := s.devices.OpenInput(ctx, s.cfg.Input, s.cfg.FrameSize)
	if err != nil {
		out.Close()
		return nil, nil, asDeviceError("microphone", err)
	}
	return in, out, nil
}

func (s *Session) setup() domain.Setup {
	setup := domain.Setup{
		Model:             s.cfg.Model,
		Voice:             s.cfg.Voice,
		SystemInstruction: s.cfg.SystemInstruction,
		GoogleSearch:      s.cfg.Grounding,
	}
	if s.cfg.Tools && s.tools != nil {
		setup.Functions = s.tools.Declarations()
	}
	return setup
}

func (s *Session) pump(ctx context.Context, gen uint64, conn Conn) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.dispatch(ctx, gen, conn, ev)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, gen uint64, conn Conn, ev domain.TransportEvent) {
	switch ev.Kind {
	case domain.EventOpen:
		s.opened(ctx, gen, conn)
	case domain.EventMessage:
		s.handleMessage(ctx, gen, conn, ev.Data)
	case domain.EventClose:
		s.closed(gen, ev.Code, ev.Reason)
	case domain.EventError:
		s.terminate(gen, domain.StateError, &domain.ConnectError{Op: "receive", Err: ev.Err}, msgTransport)
	default:
		s.logger.Debug("ignoring transport event", "kind", ev.Kind)
	}
}

func (s *Session) opened(ctx context.Context, gen uint64, conn Conn) {
	s.mu.Lock()
	if gen != s.gen || s.status.State != domain.StateConnecting {
		s.mu.Unlock()
		return
	}
	s.status.Retries = 0
	s.status.Countdown = 0
	s.status.Err = nil
	s.status.Message = ""
	s.setStateLocked(domain.StateConnected)
	in := s.input
	id := s.status.SessionID
	s.mu.Unlock()

	s.logger.Info("session connected", "session", id)
	go s.capture(ctx, gen, conn, in)
}

func (s *Session) capture(ctx context.Context, gen uint64, conn Conn, in AudioInput) {
	c := NewCapture(in, func(rms float64) { s.setLevel(gen, rms) }, s.logger)

	err := c.Run(ctx, func(ctx context.Context, frame domain.AudioFrame) error {
		blob := pcm.EncodeBlob(frame.Samples, s.cfg.Input.SampleRate)
		msg := domain.ClientMessage{RealtimeInput: &domain.RealtimeInput{Media: &blob}}
		if err := conn.Send(ctx, msg); err != nil {
			return err
		}
		s.observer.FrameSent(len(blob.Data))
		return nil
	})

	var devErr *domain.DeviceError
	if errors.As(err, &devErr) {
		s.terminate(gen, domain.StateError, err, msgDevice)
	}
}

func (s *Session) handleMessage(ctx context.Context, gen uint64, conn Conn, data []byte) {
	msg, err := domain.DecodeServerMessage(data)
	if err != nil {
		s.dropped(err)
		return
	}

	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			toolCtx, ok := s.trackTool(ctx, gen, call.ID)
			if !ok {
				continue
			}
			go s.runTool(toolCtx, gen, conn, call)
		}
	}

	if msg.ToolCallCancellation != nil {
		s.cancelTools(gen, msg.ToolCallCancellation.IDs)
	}

	if msg.GoAway != nil {
		s.logger.Info("service will close the session soon", "time_left", msg.GoAway.TimeLeft)
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.GroundingMetadata != nil {
		s.addGrounding(gen, sc.GroundingMetadata.GroundingChunks)
	}

	if sc.Interrupted {
		s.interrupt(gen)
		return
	}

	if sc.ModelTurn == nil {
		return
	}
	for _, part := range sc.ModelTurn.Parts {
		if part.InlineData == nil {
			continue
		}
		buf, err := decodePayload(part.InlineData, s.cfg.Output.SampleRate)
		if err != nil {
			s.dropped(&domain.PlaybackError{Err: err})
			continue
		}
		s.schedule(gen, buf)
	}
}

// decodePayload returns the payload at the output device rate, so the
// scheduling cursor advances by exactly what the device will play.
func decodePayload(blob *domain.Blob, outputRate int) (*domain.SampleBuffer, error) {
	rate, err := pcm.ParseMIME(blob.MIMEType, outputRate)
	if err != nil {
		return nil, err
	}
	buf, err := pcm.DecodeFrame(blob.Data, rate, payloadChannels)
	if err != nil {
		return nil, err
	}
	return pcm.Resample(buf, outputRate), nil
}

func (s *Session) schedule(gen uint64, buf *domain.SampleBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.playback == nil || s.status.State != domain.StateConnected {
		return
	}

	if _, err := s.playback.Schedule(buf); err != nil {
		s.dropped(&domain.PlaybackError{Err: err})
		return
	}
	s.observer.PayloadScheduled(buf.Duration())

	if !s.status.Speaking {
		s.status.Speaking = true
		s.broadcastLocked()
	}
}

func (s *Session) interrupt(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.playback == nil {
		return
	}

	n := s.playback.Interrupt()
	s.observer.Interrupted(n)
	s.logger.Debug("model interrupted", "flushed", n)

	if s.status.Speaking {
		s.status.Speaking = false
		s.broadcastLocked()
	}
}

func (s *Session) playbackIdle(sched *Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playback != sched || !s.status.Speaking {
		return
	}
	s.status.Speaking = false
	s.broadcastLocked()
}

func (s *Session) closed(gen uint64, code int, reason string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	if overloaded(code, reason) {
		if s.status.Retries < s.cfg.Retry.MaxRetries {
			s.scheduleRetryLocked(code, reason)
			return
		}
		err := &domain.ServiceOverloadedError{Code: code, Reason: reason, Attempts: s.status.Retries}
		s.teardownLocked(domain.StateError, err, msgOverloaded)
		return
	}

	if s.status.State == domain.StateConnecting {
		err := &domain.ConnectError{Op: "setup", Err: fmt.Errorf("closed with code %d: %s", code, reason)}
		s.teardownLocked(domain.StateError, err, msgConnect)
		return
	}

	s.logger.Info("session closed by remote", "session", s.status.SessionID, "code", code, "reason", reason)
	s.teardownLocked(domain.StateIdle, nil, "")
}

func overloaded(code int, reason string) bool {
	return code == overloadCloseCode || strings.Contains(strings.ToLower(reason), "unavailable")
}

// scheduleRetryLocked drops the transport but keeps the devices, then counts
// down to a fresh connect. Called with s.mu held; returns with it released.
func (s *Session) scheduleRetryLocked(code int, reason string) {
	s.status.Retries++
	attempt := s.status.Retries
	next := s.advanceLocked()
	r := s.detachLocked(true)
	done := s.queueReleaseLocked(r)
	s.status.Countdown = s.cfg.Retry.Countdown
	s.status.ActiveTool = ""
	s.setStateLocked(domain.StateUnavailable)
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	id := s.status.SessionID
	s.mu.Unlock()

	s.logger.Warn("service overloaded, retrying",
		"session", id,
		"code", code,
		"reason", reason,
		"attempt", attempt,
		"max", s.cfg.Retry.MaxRetries,
	)
	s.observer.RetryScheduled(attempt)
	done()

	go s.countdown(ctx, next)
}

func (s *Session) countdown(ctx context.Context, gen uint64) {
	err := Countdown(ctx, s.cfg.Retry.Countdown, s.cfg.Retry.Tick, func(remaining int) bool {
		return s.setCountdown(gen, remaining)
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.status.State != domain.StateUnavailable {
		s.mu.Unlock()
		return
	}
	next := s.advanceLocked()
	s.status.Countdown = 0
	s.setStateLocked(domain.StateConnecting)
	s.mu.Unlock()

	_ = s.connect(next)
}

func (s *Session) setCountdown(gen uint64, remaining int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.status.State != domain.StateUnavailable {
		return false
	}
	if s.status.Countdown != remaining {
		s.status.Countdown = remaining
		s.broadcastLocked()
	}
	return true
}

func (s *Session) setLevel(gen uint64, rms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen == s.gen {
		s.status.InputLevel = rms
	}
}

func (s *Session) addGrounding(gen uint64, chunks []domain.GroundingChunk) {
	if !s.cfg.Grounding {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}

	added := false
	for _, c := range chunks {
		if c.Web == nil || c.Web.URI == "" || s.seen[c.Web.URI] {
			continue
		}
		s.seen[c.Web.URI] = true
		s.status.Grounding = append(s.status.Grounding, domain.GroundingSource{
			Title: c.Web.Title,
			URI:   c.Web.URI,
		})
		added = true
	}
	if added {
		s.broadcastLocked()
	}
}

func (s *Session) runTool(ctx context.Context, gen uint64, conn Conn, call domain.FunctionCall) {
	if !s.setActiveTool(gen, "", call.Name) {
		return
	}
	defer s.setActiveTool(gen, call.Name, "")
	defer s.untrackTool(gen, call.ID)

	s.logger.Info("running tool", "tool", call.Name, "id", call.ID)

	var (
		response map[string]any
		err      error
	)
	if s.cfg.Tools && s.tools != nil {
		response, err = s.tools.Call(ctx, call)
	} else {
		err = ErrToolsDisabled
	}
	s.observer.ToolCalled(call.Name, err)

	if ctx.Err() != nil {
		s.logger.Info("tool call cancelled", "tool", call.Name, "id", call.ID)
		return
	}
	if err != nil {
		s.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		response = map[string]any{"error": err.Error()}
	}

	if !s.current(gen) {
		return
	}

	msg := domain.ClientMessage{ToolResponse: &domain.ToolResponse{
		FunctionResponses: []domain.FunctionResponse{{
			ID:       call.ID,
			Name:     call.Name,
			Response: response,
		}},
	}}
	if err := conn.Send(ctx, msg); err != nil {
		s.logger.Warn("sending tool response", "tool", call.Name, "error", err)
	}
}

// trackTool derives the context a tool call runs under so a later
// cancellation can reach it.
func (s *Session) trackTool(ctx context.Context, gen uint64, id string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return nil, false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.inflight[id] = cancel
	return ctx, true
}

func (s *Session) untrackTool(gen uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	if cancel, ok := s.inflight[id]; ok {
		cancel()
		delete(s.inflight, id)
	}
}

// cancelTools aborts the listed calls. Their responses are never sent.
func (s *Session) cancelTools(gen uint64, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	for _, id := range ids {
		cancel, ok := s.inflight[id]
		if !ok {
			continue
		}
		cancel()
		delete(s.inflight, id)
		s.logger.Info("cancelling tool call", "id", id)
	}
}

// setActiveTool swaps the displayed tool name when it still equals from.
func (s *Session) setActiveTool(gen uint64, from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return false
	}
	if s.status.ActiveTool == from || from == "" {
		s.status.ActiveTool = to
		s.broadcastLocked()
	}
	return true
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Session) dropped(err error) {
	s.logger.Warn("dropping inbound message", "error", err)
	s.observer.MessageDropped(err)
}

// terminate tears the session down if gen is still current.
func (s *Session) terminate(gen uint64, final domain.State, err error, message string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.teardownLocked(final, err, message)
}

// teardownLocked releases every resource and settles in final. Called with
// s.mu held; returns with it released. The final state is only published
// once resources are gone, and only if nothing restarted the session meanwhile.
func (s *Session) teardownLocked(final domain.State, err error, message string) {
	next := s.advanceLocked()
	r := s.detachLocked(false)
	done := s.queueReleaseLocked(r)
	s.status.Countdown = 0
	s.status.ActiveTool = ""
	s.setStateLocked(domain.StateClosing)
	id := s.status.SessionID
	s.mu.Unlock()

	done()

	s.mu.Lock()
	if s.gen != next {
		s.mu.Unlock()
		return
	}
	s.status.Err = err
	s.status.Message = message
	s.status.InputLevel = 0
	s.setStateLocked(final)
	s.mu.Unlock()

	if err == nil {
		return
	}

	s.logger.Error("session failed", "session", id, "error", err)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if nerr := s.notifier.Notify(ctx, message); nerr != nil {
			s.logger.Warn("sending failure notification", "error", nerr)
		}
	}()
}

type resources struct {
	cancel context.CancelFunc
	conn   Conn
	input  AudioInput
	output AudioOutput
}

// detachLocked takes ownership of the transport and, unless keepDevices is
// set, the device pair. Playback is flushed while the lock is held.
func (s *Session) detachLocked(keepDevices bool) resources {
	r := resources{cancel: s.cancel, conn: s.conn}
	s.cancel = nil
	s.conn = nil

	if s.playback != nil {
		if keepDevices {
			s.playback.Interrupt()
		} else {
			s.playback.Reset()
		}
	}
	s.status.Speaking = false

	if !keepDevices {
		r.input, r.output = s.input, s.output
		s.input, s.output, s.playback = nil, nil, nil
	}
	return r
}

// queueReleaseLocked registers r as the newest pending release and returns
// the function that performs it. The returned function blocks until every
// earlier release has finished too, so a caller that returns after it knows
// no device handle is still open.
func (s *Session) queueReleaseLocked(r resources) func() {
	prev := s.releasing
	next := make(chan struct{})
	s.releasing = next

	return func() {
		s.release(r)
		if prev != nil {
			<-prev
		}
		close(next)

		s.mu.Lock()
		if s.releasing == next {
			s.releasing = nil
		}
		s.mu.Unlock()
	}
}

func (s *Session) release(r resources) {
	if r.cancel != nil {
		r.cancel()
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			s.logger.Debug("closing transport", "error", err)
		}
	}
	closeDevices(r.input, r.output)
}

func closeDevices(in AudioInput, out AudioOutput) {
	if in != nil {
		in.Close()
	}
	if out != nil {
		out.Close()
	}
}

func asDeviceError(device string, err error) error {
	var devErr *domain.DeviceError
	if errors.As(err, &devErr) {
		return err
	}
	return &domain.DeviceError{Device: device, Err: err}
}

// advanceLocked invalidates everything started under the previous
// generation, including running tool calls.
func (s *Session) advanceLocked() uint64 {
	for _, cancel := range s.inflight {
		cancel()
	}
	clear(s.inflight)
	s.gen++
	return s.gen
}

func (s *Session) setStateLocked(to domain.State) {
	from := s.status.State
	s.status.State = to
	s.stateChangedLocked(from)
}

func (s *Session) stateChangedLocked(from domain.State) {
	if from != s.status.State {
		s.observer.StateChanged(from, s.status.State)
	}
	s.broadcastLocked()
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
