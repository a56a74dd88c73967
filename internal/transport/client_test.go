package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

// fakeConn is an in-memory Conn. Reads block until a message is pushed via
// incoming, an error is pushed via readErr, or the context ends.
type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error

	incoming chan []byte
	readErr  chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case err := <-c.readErr:
		return nil, err
	case data := <-c.incoming:
		return data, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// writtenEvents decodes the envelope event names written so far, in order.
func (c *fakeConn) writtenEvents(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []string
	for _, data := range c.writes {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("malformed envelope on wire: %v", err)
		}
		events = append(events, env.Event)
	}
	return events
}

// fakeDialer scripts dial outcomes: dialErrs are consumed one per call, then
// dials succeed with fresh fakeConns.
type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error
	conns    []*fakeConn
	calls    int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestClient(d *fakeDialer, cfg ResilienceConfig) *Client {
	return New("ws://test.invalid/realtime",
		WithDialer(d),
		WithResilienceConfig(cfg),
		WithOnlineProber(func(context.Context) bool { return true }),
	)
}

// deterministic reconnection: no jitter, single attempt unless stated.
var testResilience = ResilienceConfig{
	InitialReconnectionDelay: 20 * time.Millisecond,
	MaxReconnectionAttempts:  1,
}

// ─── offline queue ───────────────────────────────────────────────────────────

func TestEmitQueuesWhileDisconnectedAndDrainsInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(dialer, testResilience)

	for _, event := range []string{EventJoinSession, EventStartRecording, EventAudioChunk} {
		if err := c.Emit(event, map[string]string{"sessionId": "s-1"}); err != nil {
			t.Fatalf("Emit(%s): %v", event, err)
		}
	}
	if got := c.QueueDepth(); got != 3 {
		t.Fatalf("QueueDepth = %d, want 3", got)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if got := c.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth after connect = %d, want 0", got)
	}

	want := []string{EventJoinSession, EventStartRecording, EventAudioChunk}
	got := dialer.lastConn().writtenEvents(t)
	if len(got) != len(want) {
		t.Fatalf("wrote %d messages %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmitWriteFailureRequeues(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(dialer, testResilience)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	dialer.lastConn().setWriteErr(errors.New("broken pipe"))

	if err := c.Emit(EventAudioChunk, map[string]string{"sessionId": "s-1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := c.QueueDepth(); got != 1 {
		t.Errorf("QueueDepth = %d, want 1", got)
	}
}

// ─── connection failures ─────────────────────────────────────────────────────

func TestConnectFailureClassifiesAndSchedulesReconnect(t *testing.T) {
	dialer := &fakeDialer{dialErrs: []error{
		errors.New("self signed certificate in certificate chain"),
		errors.New("self signed certificate in certificate chain"),
	}}
	c := newTestClient(dialer, ResilienceConfig{
		InitialReconnectionDelay: 50 * time.Millisecond,
		MaxReconnectionAttempts:  1,
	})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded, want error")
	}

	state := c.GetConnectionState()
	if state.Error == nil {
		t.Fatal("state.Error is nil")
	}
	if state.Error.Code != CodeTLSHandshakeFailed {
		t.Errorf("Code = %q, want %q", state.Error.Code, CodeTLSHandshakeFailed)
	}
	// No jitter configured, so the delay is the exact base value.
	if state.Error.RetryInMs != 50 {
		t.Errorf("RetryInMs = %d, want 50", state.Error.RetryInMs)
	}

	// Exactly one self-healing reconnect fires after the delay, then the
	// attempt budget is spent.
	waitFor(t, time.Second, func() bool { return dialer.callCount() == 2 },
		"reconnect attempt never fired")
	time.Sleep(150 * time.Millisecond)
	if got := dialer.callCount(); got != 2 {
		t.Errorf("dial count = %d, want 2 (budget exhausted)", got)
	}
}

func TestReconnectClearsErrorAndResetsBackoff(t *testing.T) {
	dialer := &fakeDialer{dialErrs: []error{errors.New("connection refused")}}
	c := newTestClient(dialer, ResilienceConfig{
		InitialReconnectionDelay: 20 * time.Millisecond,
		MaxReconnectionAttempts:  3,
	})

	_ = c.Connect(context.Background())
	defer c.Disconnect()

	waitFor(t, time.Second, func() bool { return c.GetConnectionState().IsConnected },
		"client never reconnected")

	state := c.GetConnectionState()
	if state.Error != nil {
		t.Errorf("state.Error = %+v, want nil after successful reconnect", state.Error)
	}
}

func TestReadErrorNotifiesAndReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(dialer, ResilienceConfig{
		InitialReconnectionDelay: 20 * time.Millisecond,
		MaxReconnectionAttempts:  3,
	})

	var mu sync.Mutex
	var statuses []string
	c.On(EventConnectionStatus, func(payload json.RawMessage) {
		var p struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(payload, &p)
		mu.Lock()
		statuses = append(statuses, p.Status)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	dialer.lastConn().readErr <- errors.New("connection reset by peer")

	waitFor(t, time.Second, func() bool { return dialer.callCount() >= 2 },
		"reconnect after read error never fired")
	waitFor(t, time.Second, func() bool { return c.GetConnectionState().IsConnected },
		"client never recovered")

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 3 || statuses[0] != "connected" || statuses[1] != "disconnected" || statuses[2] != "connected" {
		t.Errorf("statuses = %v, want connected, disconnected, connected", statuses)
	}
}

// ─── state handling ──────────────────────────────────────────────────────────

func TestGetConnectionStateReturnsDefensiveCopy(t *testing.T) {
	dialer := &fakeDialer{dialErrs: []error{errors.New("connection refused")}}
	c := newTestClient(dialer, testResilience)

	_ = c.Connect(context.Background())
	defer c.Disconnect()

	state := c.GetConnectionState()
	if state.Error == nil {
		t.Fatal("state.Error is nil")
	}
	state.Error.Code = "MUTATED"

	if got := c.GetConnectionState().Error.Code; got != CodeConnectionError {
		t.Errorf("internal state mutated through copy: Code = %q", got)
	}
}

func TestConnectIsNoOpWhenConnected(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(dialer, testResilience)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := dialer.callCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestDisconnectSafeWhenNotConnectedAndRetainsQueue(t *testing.T) {
	c := newTestClient(&fakeDialer{}, testResilience)

	if err := c.Emit(EventJoinSession, map[string]string{"sessionId": "s-1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	c.Disconnect()
	c.Disconnect()

	if got := c.QueueDepth(); got != 1 {
		t.Errorf("QueueDepth = %d, want 1 (queue survives Disconnect)", got)
	}
}

func TestUpdateResilienceConfigAppliesPartialPatch(t *testing.T) {
	dialer := &fakeDialer{dialErrs: []error{errors.New("connection refused")}}
	c := newTestClient(dialer, ResilienceConfig{
		InitialReconnectionDelay: 5 * time.Second,
		MaxReconnectionAttempts:  1,
	})

	delay := 120 * time.Millisecond
	c.UpdateResilienceConfig(ResiliencePatch{InitialReconnectionDelay: &delay})

	_ = c.Connect(context.Background())
	defer c.Disconnect()

	state := c.GetConnectionState()
	if state.Error == nil {
		t.Fatal("state.Error is nil")
	}
	if state.Error.RetryInMs != 120 {
		t.Errorf("RetryInMs = %d, want patched 120", state.Error.RetryInMs)
	}
}

func TestCheckNetworkRecordsProbeResult(t *testing.T) {
	c := New("ws://test.invalid/realtime",
		WithDialer(&fakeDialer{}),
		WithOnlineProber(func(context.Context) bool { return false }),
	)

	if online := c.CheckNetwork(context.Background()); online {
		t.Error("CheckNetwork = true, want false")
	}

	status := c.GetConnectionState().NetworkStatus
	if status.IsOnline {
		t.Error("NetworkStatus.IsOnline = true, want false")
	}
	if status.CheckedAt.IsZero() {
		t.Error("NetworkStatus.CheckedAt not recorded")
	}
}

// ─── listeners ───────────────────────────────────────────────────────────────

func TestListenerDispatchAndUnsubscribe(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(dialer, testResilience)

	received := make(chan json.RawMessage, 4)
	off := c.On(EventTranscriptionUpdate, func(payload json.RawMessage) {
		received <- payload
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	push := func() {
		env, _ := json.Marshal(Envelope{
			Event:     EventTranscriptionUpdate,
			Payload:   json.RawMessage(`{"text":"hello"}`),
			Timestamp: time.Now().UnixMilli(),
		})
		dialer.lastConn().incoming <- env
	}

	push()
	select {
	case payload := <-received:
		if string(payload) != `{"text":"hello"}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never invoked")
	}

	off()
	push()
	select {
	case <-received:
		t.Error("listener invoked after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(dialer, testResilience)

	c.On(EventError, func(json.RawMessage) { panic("listener bug") })
	received := make(chan struct{}, 1)
	c.On(EventError, func(json.RawMessage) { received <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	env, _ := json.Marshal(Envelope{Event: EventError, Timestamp: 1})
	dialer.lastConn().incoming <- env

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("healthy listener starved by panicking sibling")
	}
}

func TestMalformedServerMessageIsDropped(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(dialer, testResilience)

	received := make(chan json.RawMessage, 1)
	c.On(EventTranscriptionUpdate, func(p json.RawMessage) { received <- p })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	conn := dialer.lastConn()
	conn.incoming <- []byte("{not json")
	env, _ := json.Marshal(Envelope{
		Event:     EventTranscriptionUpdate,
		Payload:   json.RawMessage(`{"text":"ok"}`),
		Timestamp: 1,
	})
	conn.incoming <- env

	select {
	case payload := <-received:
		if string(payload) != `{"text":"ok"}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("read loop did not survive malformed message")
	}
}
