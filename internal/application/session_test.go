package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"voice-bridge/internal/application"
	"voice-bridge/internal/domain"
	"voice-bridge/internal/pcm"
)

type sessionHarness struct {
	session  *application.Session
	devices  *mockDevices
	dialer   *mockDialer
	observer *mockObserver
	notifier *mockNotifier
}

func newHarness(t *testing.T, mutate func(*application.SessionConfig), opts ...application.SessionOption) *sessionHarness {
	t.Helper()

	cfg := application.DefaultSessionConfig()
	cfg.Model = "test-model"
	cfg.Voice = "Kore"
	cfg.Retry = application.RetryPolicy{MaxRetries: 3, Countdown: 2, Tick: time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &sessionHarness{
		devices:  newMockDevices(),
		dialer:   &mockDialer{},
		observer: &mockObserver{},
		notifier: &mockNotifier{},
	}
	opts = append([]application.SessionOption{
		application.WithObserver(h.observer),
		application.WithNotifier(h.notifier),
	}, opts...)
	h.session = application.NewSession(cfg, h.devices, h.dialer, discardLogger(), opts...)

	t.Cleanup(func() { h.session.Stop() })
	return h
}

func (h *sessionHarness) waitState(t *testing.T, want domain.State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool {
		return h.session.Status().State == want
	})
}

// connect starts the session and completes the handshake on the first dial.
func (h *sessionHarness) connect(t *testing.T) *mockConn {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := h.dialer.Conn(t, 0)
	conn.Open()
	h.waitState(t, domain.StateConnected)
	return conn
}

func audioMessage(t *testing.T, frames ...int) []byte {
	t.Helper()
	var parts []map[string]any
	for _, n := range frames {
		parts = append(parts, map[string]any{
			"inlineData": map[string]any{
				"mimeType": "audio/pcm;rate=24000",
				"data":     pcm.EncodeFrame(make([]float32, n)),
			},
		})
	}
	return mustJSON(t, map[string]any{
		"serverContent": map[string]any{"modelTurn": map[string]any{"parts": parts}},
	})
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSession_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	if setup := h.dialer.setups[0]; setup.Model != "test-model" || setup.Voice != "Kore" {
		t.Errorf("setup: got %+v", setup)
	}

	for i := 0; i < 3; i++ {
		h.devices.input.frames <- domain.AudioFrame{Samples: make([]float32, 4096)}
	}
	waitFor(t, "three frames sent", func() bool { return len(conn.Sent()) == 3 })

	for i, msg := range conn.Sent() {
		if msg.RealtimeInput == nil || msg.RealtimeInput.Media == nil {
			t.Fatalf("message %d: missing realtime input", i)
		}
		if msg.RealtimeInput.Media.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("message %d mime: got %s", i, msg.RealtimeInput.Media.MIMEType)
		}
	}

	if err := h.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := h.session.Status()
	if st.State != domain.StateIdle {
		t.Errorf("state: got %s, want idle", st.State)
	}
	if !conn.Closed() {
		t.Error("transport not closed")
	}
	if h.devices.input.Closed() != 1 {
		t.Errorf("input closed: got %d, want 1", h.devices.input.Closed())
	}
	if h.devices.output.Closed() != 1 {
		t.Errorf("output closed: got %d, want 1", h.devices.output.Closed())
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.session.Stop(); err != nil {
		t.Fatalf("Stop on idle: %v", err)
	}
	if h.session.Status().State != domain.StateIdle {
		t.Fatal("idle session left idle")
	}

	h.connect(t)
	h.session.Stop()
	h.session.Stop()

	if h.devices.input.Closed() != 1 {
		t.Errorf("input closed: got %d, want 1", h.devices.input.Closed())
	}
	if h.session.Status().State != domain.StateIdle {
		t.Errorf("state: got %s, want idle", h.session.Status().State)
	}
}

func TestSession_StartWhileActiveIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if h.dialer.Dials() != 1 {
		t.Errorf("dials: got %d, want 1", h.dialer.Dials())
	}
}

func TestSession_DeviceDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.devices.inputErr = errors.New("permission denied")

	err := h.session.Start(context.Background())

	var devErr *domain.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Start: got %v, want *domain.DeviceError", err)
	}

	st := h.session.Status()
	if st.State != domain.StateError {
		t.Errorf("state: got %s, want error", st.State)
	}
	if st.Message == "" {
		t.Error("expected a user-facing message")
	}
	if h.dialer.Dials() != 0 {
		t.Errorf("dials: got %d, want 0", h.dialer.Dials())
	}
	if h.devices.output.Closed() != 1 {
		t.Errorf("speaker not released: closed %d", h.devices.output.Closed())
	}
	waitFor(t, "notification", func() bool { return len(h.notifier.Messages()) == 1 })
}

func TestSession_DialFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = errors.New("no route to host")

	err := h.session.Start(context.Background())

	var connErr *domain.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Start: got %v, want *domain.ConnectError", err)
	}
	if h.session.Status().State != domain.StateError {
		t.Errorf("state: got %s, want error", h.session.Status().State)
	}
	if h.devices.input.Closed() != 1 || h.devices.output.Closed() != 1 {
		t.Error("devices not released after dial failure")
	}
}

func TestSession_CloseBeforeOpenIsConnectError(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.dialer.Conn(t, 0).CloseWith(1008, "API key not valid")
	h.waitState(t, domain.StateError)

	var connErr *domain.ConnectError
	if !errors.As(h.session.Status().Err, &connErr) {
		t.Errorf("err: got %v, want *domain.ConnectError", h.session.Status().Err)
	}
	if h.dialer.Dials() != 1 {
		t.Errorf("dials: got %d, want 1", h.dialer.Dials())
	}
}

func TestSession_RemoteCloseAfterOpenGoesIdle(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.CloseWith(1000, "")
	h.waitState(t, domain.StateIdle)

	if h.session.Status().Err != nil {
		t.Errorf("err: got %v, want nil", h.session.Status().Err)
	}
	if h.devices.input.Closed() != 1 || h.devices.output.Closed() != 1 {
		t.Error("devices not released after remote close")
	}
}

func TestSession_TransportError(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.events <- domain.TransportEvent{Kind: domain.EventError, Err: errors.New("connection reset")}
	h.waitState(t, domain.StateError)

	var connErr *domain.ConnectError
	if !errors.As(h.session.Status().Err, &connErr) {
		t.Errorf("err: got %v, want *domain.ConnectError", h.session.Status().Err)
	}
}

func TestSession_MicrophoneFailureMidSession(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.devices.input.mu.Lock()
	h.devices.input.readErr = errors.New("device unplugged")
	h.devices.input.mu.Unlock()
	h.devices.input.frames <- domain.AudioFrame{Samples: []float32{0}}

	h.waitState(t, domain.StateError)

	var devErr *domain.DeviceError
	if !errors.As(h.session.Status().Err, &devErr) {
		t.Errorf("err: got %v, want *domain.DeviceError", h.session.Status().Err)
	}
}

func TestSession_PayloadsResampledToOutputRate(t *testing.T) {
	h := newHarness(t, func(cfg *application.SessionConfig) {
		cfg.Output = domain.AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16}
	})
	conn := h.connect(t)
	out := h.devices.output

	conn.Message(audioMessage(t, 2400, 2400))
	waitFor(t, "two buffers scheduled", func() bool { return len(out.Played()) == 2 })

	for i, p := range out.Played() {
		if p.rate != 48000 {
			t.Errorf("buffer %d rate: got %d, want 48000", i, p.rate)
		}
		if p.d != 100*time.Millisecond {
			t.Errorf("buffer %d duration: got %v, want 100ms", i, p.d)
		}
		if want := time.Duration(i) * 100 * time.Millisecond; p.at != want {
			t.Errorf("buffer %d start: got %v, want %v", i, p.at, want)
		}
	}
}

func TestSession_PlaybackAndBargeIn(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	out := h.devices.output

	// Two 100ms payloads in one message, then one more in another.
	conn.Message(audioMessage(t, 2400, 2400))
	conn.Message(audioMessage(t, 2400))
	waitFor(t, "three buffers scheduled", func() bool { return len(out.Played()) == 3 })

	plays := out.Played()
	for i, want := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond} {
		if plays[i].at != want {
			t.Errorf("buffer %d start: got %v, want %v", i, plays[i].at, want)
		}
	}
	if !h.session.Status().Speaking {
		t.Error("expected speaking while audio is queued")
	}

	out.SetNow(50 * time.Millisecond)
	conn.Message(mustJSON(t, map[string]any{"serverContent": map[string]any{"interrupted": true}}))
	waitFor(t, "interrupt", func() bool { return !h.session.Status().Speaking })

	for i, p := range out.Played() {
		if !p.voice.Stopped() {
			t.Errorf("buffer %d still playing after interrupt", i)
		}
	}

	conn.Message(audioMessage(t, 2400))
	waitFor(t, "buffer after interrupt", func() bool { return len(out.Played()) == 4 })
	if got := out.Played()[3].at; got != 50*time.Millisecond {
		t.Errorf("start after interrupt: got %v, want 50ms", got)
	}
}

func TestSession_SpeakingClearsWhenPlaybackDrains(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	out := h.devices.output

	conn.Message(audioMessage(t, 240))
	waitFor(t, "scheduled", func() bool { return len(out.Played()) == 1 })
	waitFor(t, "speaking", func() bool { return h.session.Status().Speaking })

	out.End(0)
	if h.session.Status().Speaking {
		t.Error("speaking still set after last buffer ended")
	}
}

func TestSession_MalformedMessagesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.Message([]byte("not json"))
	conn.Message([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"!!"}}]}}}`))
	conn.Message(audioMessage(t, 240))

	waitFor(t, "valid audio scheduled", func() bool { return len(h.devices.output.Played()) == 1 })

	h.observer.mu.Lock()
	dropped := h.observer.dropped
	h.observer.mu.Unlock()
	if dropped != 2 {
		t.Errorf("dropped: got %d, want 2", dropped)
	}
	if h.session.Status().State != domain.StateConnected {
		t.Errorf("state: got %s, want connected", h.session.Status().State)
	}
}

func TestSession_OverloadRetriesAreBounded(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 4; i++ {
		h.dialer.Conn(t, i).CloseWith(1011, "overloaded")
	}
	h.waitState(t, domain.StateError)

	if h.dialer.Dials() != 4 {
		t.Errorf("dials: got %d, want 4", h.dialer.Dials())
	}

	st := h.session.Status()
	var overloaded *domain.ServiceOverloadedError
	if !errors.As(st.Err, &overloaded) {
		t.Fatalf("err: got %v, want *domain.ServiceOverloadedError", st.Err)
	}
	if overloaded.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", overloaded.Attempts)
	}
	if !strings.HasPrefix(st.Message, "Gateway overloaded") {
		t.Errorf("message: got %q", st.Message)
	}
	if h.devices.Opened() != 1 {
		t.Errorf("devices opened: got %d, want 1", h.devices.Opened())
	}
	if h.devices.input.Closed() != 1 {
		t.Errorf("input closed: got %d, want 1", h.devices.input.Closed())
	}
	if got := h.observer.count(domain.StateUnavailable); got != 3 {
		t.Errorf("unavailable transitions: got %d, want 3", got)
	}
}

func TestSession_OverloadThenSuccess(t *testing.T) {
	h := newHarness(t, func(cfg *application.SessionConfig) {
		cfg.Retry.Countdown = 3
		cfg.Retry.Tick = 50 * time.Millisecond
	})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := h.dialer.Conn(t, 0)
	first.CloseWith(1000, "Service Unavailable")
	h.waitState(t, domain.StateUnavailable)

	st := h.session.Status()
	if st.Retries != 1 {
		t.Errorf("retries: got %d, want 1", st.Retries)
	}
	if st.Countdown < 1 || st.Countdown > 3 {
		t.Errorf("countdown: got %d, want 1..3", st.Countdown)
	}
	if !first.Closed() {
		t.Error("overloaded transport not closed")
	}

	second := h.dialer.Conn(t, 1)
	second.Open()
	h.waitState(t, domain.StateConnected)

	st = h.session.Status()
	if st.Retries != 0 {
		t.Errorf("retries after success: got %d, want 0", st.Retries)
	}
	if got := h.observer.count(domain.StateUnavailable); got != 1 {
		t.Errorf("unavailable transitions: got %d, want 1", got)
	}
	if h.devices.Opened() != 1 {
		t.Errorf("devices opened: got %d, want 1", h.devices.Opened())
	}

	h.devices.input.frames <- domain.AudioFrame{Samples: []float32{0.5}}
	waitFor(t, "frame on new transport", func() bool { return len(second.Sent()) == 1 })
}

func TestSession_StopDuringCountdown(t *testing.T) {
	h := newHarness(t, func(cfg *application.SessionConfig) {
		cfg.Retry.Tick = time.Hour
	})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.dialer.Conn(t, 0).CloseWith(1011, "")
	h.waitState(t, domain.StateUnavailable)

	h.session.Stop()

	if h.session.Status().State != domain.StateIdle {
		t.Errorf("state: got %s, want idle", h.session.Status().State)
	}
	if h.dialer.Dials() != 1 {
		t.Errorf("dials: got %d, want 1", h.dialer.Dials())
	}
	if h.devices.input.Closed() != 1 {
		t.Errorf("input closed: got %d, want 1", h.devices.input.Closed())
	}
}

func TestSession_ReconnectResetsRetries(t *testing.T) {
	h := newHarness(t, func(cfg *application.SessionConfig) {
		cfg.Retry.MaxRetries = 0
	})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.dialer.Conn(t, 0).CloseWith(1011, "")
	h.waitState(t, domain.StateError)

	if err := h.session.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	h.dialer.Conn(t, 1).Open()
	h.waitState(t, domain.StateConnected)

	if h.session.Status().Retries != 0 {
		t.Errorf("retries: got %d, want 0", h.session.Status().Retries)
	}
}

func TestSession_StaleTransportIgnored(t *testing.T) {
	h := newHarness(t, nil)
	old := h.connect(t)
	h.session.Stop()

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.dialer.Conn(t, 1)

	old.events <- domain.TransportEvent{Kind: domain.EventOpen}
	old.CloseWith(1011, "")
	time.Sleep(20 * time.Millisecond)

	st := h.session.Status()
	if st.State != domain.StateConnecting {
		t.Errorf("state: got %s, want connecting", st.State)
	}
	if st.Retries != 0 {
		t.Errorf("retries: got %d, want 0", st.Retries)
	}
}

func TestSession_ToolCall(t *testing.T) {
	tools := &mockTools{result: map[string]any{"summary": "three listings"}}
	h := newHarness(t, func(cfg *application.SessionConfig) { cfg.Tools = true }, application.WithTools(tools))
	conn := h.connect(t)

	if fns := h.dialer.setups[0].Functions; len(fns) != 1 || fns[0].Name != "lookup" {
		t.Errorf("declared functions: got %+v", fns)
	}

	conn.Message(mustJSON(t, map[string]any{
		"toolCall": map[string]any{"functionCalls": []map[string]any{
			{"id": "call-1", "name": "lookup", "args": map[string]any{"location": "Austin"}},
		}},
	}))

	var resp domain.FunctionResponse
	waitFor(t, "tool response", func() bool {
		for _, m := range conn.Sent() {
			if m.ToolResponse != nil {
				resp = m.ToolResponse.FunctionResponses[0]
				return true
			}
		}
		return false
	})

	if resp.ID != "call-1" || resp.Name != "lookup" {
		t.Errorf("response identity: got %+v", resp)
	}
	if resp.Response["summary"] != "three listings" {
		t.Errorf("response payload: got %v", resp.Response)
	}
	waitFor(t, "active tool cleared", func() bool { return h.session.Status().ActiveTool == "" })
}

func TestSession_ToolCallCancellation(t *testing.T) {
	tools := &mockTools{result: map[string]any{"summary": "ok"}, block: "slow"}
	h := newHarness(t, func(cfg *application.SessionConfig) { cfg.Tools = true }, application.WithTools(tools))
	conn := h.connect(t)

	conn.Message(mustJSON(t, map[string]any{
		"toolCall": map[string]any{"functionCalls": []map[string]any{{"id": "call-1", "name": "slow"}}},
	}))
	waitFor(t, "tool running", func() bool { return h.session.Status().ActiveTool == "slow" })

	conn.Message(mustJSON(t, map[string]any{
		"toolCallCancellation": map[string]any{"ids": []string{"call-1", "never-issued"}},
	}))
	waitFor(t, "tool stopped", func() bool { return h.session.Status().ActiveTool == "" })

	for _, m := range conn.Sent() {
		if m.ToolResponse != nil {
			t.Fatalf("cancelled call answered: %+v", m.ToolResponse)
		}
	}

	conn.Message(mustJSON(t, map[string]any{
		"toolCall": map[string]any{"functionCalls": []map[string]any{{"id": "call-2", "name": "lookup"}}},
	}))

	var ids []string
	waitFor(t, "later tool response", func() bool {
		ids = ids[:0]
		for _, m := range conn.Sent() {
			if m.ToolResponse != nil {
				ids = append(ids, m.ToolResponse.FunctionResponses[0].ID)
			}
		}
		return len(ids) > 0
	})
	if len(ids) != 1 || ids[0] != "call-2" {
		t.Errorf("tool responses: got %v, want [call-2]", ids)
	}
}

func TestSession_ToolCallAbandonedOnStop(t *testing.T) {
	tools := &mockTools{block: "slow"}
	h := newHarness(t, func(cfg *application.SessionConfig) { cfg.Tools = true }, application.WithTools(tools))
	conn := h.connect(t)

	conn.Message(mustJSON(t, map[string]any{
		"toolCall": map[string]any{"functionCalls": []map[string]any{{"id": "call-1", "name": "slow"}}},
	}))
	waitFor(t, "tool running", func() bool { return h.session.Status().ActiveTool == "slow" })

	if err := h.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.session.Status().ActiveTool; got != "" {
		t.Errorf("active tool after stop: got %q", got)
	}
	for _, m := range conn.Sent() {
		if m.ToolResponse != nil {
			t.Fatalf("stopped session answered a tool call: %+v", m.ToolResponse)
		}
	}
}

func TestSession_ToolCallWhenDisabled(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	if fns := h.dialer.setups[0].Functions; len(fns) != 0 {
		t.Errorf("declared functions: got %+v, want none", fns)
	}

	conn.Message(mustJSON(t, map[string]any{
		"toolCall": map[string]any{"functionCalls": []map[string]any{{"id": "x", "name": "lookup"}}},
	}))

	waitFor(t, "error response", func() bool {
		for _, m := range conn.Sent() {
			if m.ToolResponse != nil {
				_, ok := m.ToolResponse.FunctionResponses[0].Response["error"]
				return ok
			}
		}
		return false
	})
}

func TestSession_GroundingDeduplicated(t *testing.T) {
	h := newHarness(t, func(cfg *application.SessionConfig) { cfg.Grounding = true })
	conn := h.connect(t)

	if !h.dialer.setups[0].GoogleSearch {
		t.Error("search grounding not requested in setup")
	}

	grounding := func(uris ...string) []byte {
		var chunks []map[string]any
		for _, u := range uris {
			chunks = append(chunks, map[string]any{"web": map[string]any{"title": "t " + u, "uri": u}})
		}
		return mustJSON(t, map[string]any{
			"serverContent": map[string]any{"groundingMetadata": map[string]any{"groundingChunks": chunks}},
		})
	}

	conn.Message(grounding("https://a.example", "https://b.example"))
	conn.Message(grounding("https://b.example", "https://c.example"))

	waitFor(t, "three sources", func() bool { return len(h.session.Status().Grounding) == 3 })

	got := h.session.Status().Grounding
	if got[0].URI != "https://a.example" || got[2].URI != "https://c.example" {
		t.Errorf("grounding order: got %+v", got)
	}
}

func TestSession_ChangedFiresOnTransition(t *testing.T) {
	h := newHarness(t, nil)
	changed := h.session.Changed()

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Changed not signalled on start")
	}
	if h.session.Status().SessionID == "" {
		t.Error("expected a session id")
	}
}

func TestSession_StopWaitsForInFlightTeardown(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	gate := h.devices.input.HoldClose()

	// The remote close starts a teardown that blocks while closing the microphone.
	conn.CloseWith(1000, "bye")
	h.waitState(t, domain.StateClosing)

	stopped := make(chan struct{})
	go func() {
		h.session.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the microphone was still open")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the release finished")
	}

	if got := h.devices.input.Closed(); got != 1 {
		t.Errorf("input closed: got %d, want 1", got)
	}
	if got := h.devices.output.Closed(); got != 1 {
		t.Errorf("output closed: got %d, want 1", got)
	}
	if st := h.session.Status().State; st != domain.StateIdle {
		t.Errorf("state: got %s, want idle", st)
	}
}

func TestSession_RestartWaitsForPreviousRelease(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	gate := h.devices.input.HoldClose()

	conn.CloseWith(1000, "bye")
	h.waitState(t, domain.StateClosing)

	started := make(chan error, 1)
	go func() { started <- h.session.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if got := h.devices.Opened(); got != 1 {
		t.Fatalf("devices reopened before release: opened %d", got)
	}

	close(gate)
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	if got := h.devices.Opened(); got != 2 {
		t.Errorf("opened: got %d, want 2", got)
	}
}
