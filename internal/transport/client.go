// Package transport provides the resilient realtime connection to the
// transcription server.
//
// The [Client] owns a single underlying WebSocket connection and the outbound
// message queue. Consumers subscribe to server events via [Client.On] and
// send via [Client.Emit]; emits while disconnected are queued FIFO and
// replayed in original order on the next successful connect, so no
// user-initiated action is silently lost during a transient disconnection.
//
// Connection errors are classified into structured codes (see classify.go).
// TLS handshake failures look terminal to the underlying library and would
// never be retried by it, so the client schedules its own reconnect after
// the computed retry delay.
//
// Exactly one Client should exist per application; construct it once at
// startup and inject it into consumers rather than sharing hidden global
// state.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/seshat-labs/seshat-capture/internal/observe"
)

// Default resilience parameters.
const (
	defaultInitialReconnectionDelay = 1 * time.Second
	defaultMaxReconnectionDelay     = 30 * time.Second
	defaultReconnectionDelayJitter  = 250 * time.Millisecond
	defaultMaxReconnectionAttempts  = 10
)

// ConnectionError is the structured error stored in [ConnectionState] after
// a classified connection failure.
type ConnectionError struct {
	// Code is one of the Code* constants.
	Code string `json:"code"`

	// RetryInMs is when the client will attempt to reconnect, in
	// milliseconds from the failure.
	RetryInMs int64 `json:"retryInMs"`
}

// NetworkStatus reports the host's network reachability, fed by the online
// prober. It lets consumers distinguish "reconnecting because the network is
// down" from "reconnecting because the server rejected the handshake".
type NetworkStatus struct {
	// IsOnline is the result of the most recent probe. True before the
	// first probe runs.
	IsOnline bool `json:"isOnline"`

	// CheckedAt is when the last probe ran; zero before the first probe.
	CheckedAt time.Time `json:"checkedAt"`
}

// ConnectionState is the externally visible connection state. Consumers
// receive defensive copies; only the client's own event handlers mutate it.
type ConnectionState struct {
	IsConnected   bool
	IsConnecting  bool
	Error         *ConnectionError
	NetworkStatus NetworkStatus
}

// ResilienceConfig tunes reconnection scheduling.
type ResilienceConfig struct {
	// InitialReconnectionDelay is the base delay before the first reconnect.
	InitialReconnectionDelay time.Duration

	// ReconnectionDelayJitter is the maximum random spread added to each
	// delay. Zero disables jitter (deterministic delays for tests).
	ReconnectionDelayJitter time.Duration

	// MaxReconnectionAttempts bounds consecutive reconnection attempts.
	MaxReconnectionAttempts int
}

// ResiliencePatch is a partial [ResilienceConfig]; nil fields keep the live
// value. Used by [Client.UpdateResilienceConfig] for runtime tuning without
// a reconnect.
type ResiliencePatch struct {
	InitialReconnectionDelay *time.Duration
	ReconnectionDelayJitter  *time.Duration
	MaxReconnectionAttempts  *int
}

// Listener receives the raw payload of a forwarded server event.
type Listener func(payload json.RawMessage)

// Option is a functional option for [New].
type Option func(*Client)

// WithDialer injects the underlying connection dialer. Tests use this to
// substitute in-memory connections.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithResilienceConfig sets the initial resilience tuning.
func WithResilienceConfig(cfg ResilienceConfig) Option {
	return func(c *Client) { c.applyResilience(cfg) }
}

// WithLogger sets the logger used for connection lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics wires transport metrics. When nil, no metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithOnlineProber injects the network reachability probe. The default
// probe attempts a TCP dial to the socket URL host.
func WithOnlineProber(probe func(ctx context.Context) bool) Option {
	return func(c *Client) { c.prober = probe }
}

// Client is the resilient realtime connection manager. All methods are safe
// for concurrent use.
type Client struct {
	url     string
	dialer  Dialer
	logger  *slog.Logger
	metrics *observe.Metrics
	prober  func(ctx context.Context) bool

	mu         sync.Mutex
	resilience ResilienceConfig
	state      ConnectionState
	conn       Conn
	generation int
	queue      []QueuedMessage
	listeners  map[string]map[int]Listener
	nextID     int
	retry      *backoff
	timer      *time.Timer
	attempts   int
	readCancel context.CancelFunc
}

// New creates a disconnected [Client] for the given socket URL.
func New(socketURL string, opts ...Option) *Client {
	c := &Client{
		url:       socketURL,
		dialer:    WebsocketDialer{},
		logger:    slog.Default(),
		listeners: make(map[string]map[int]Listener),
		state:     ConnectionState{NetworkStatus: NetworkStatus{IsOnline: true}},
	}
	c.applyResilience(ResilienceConfig{})
	for _, o := range opts {
		o(c)
	}
	if c.prober == nil {
		c.prober = c.defaultProber
	}
	return c
}

// applyResilience fills zero fields with defaults and rebuilds the backoff.
func (c *Client) applyResilience(cfg ResilienceConfig) {
	if cfg.InitialReconnectionDelay <= 0 {
		cfg.InitialReconnectionDelay = defaultInitialReconnectionDelay
	}
	if cfg.ReconnectionDelayJitter < 0 {
		cfg.ReconnectionDelayJitter = defaultReconnectionDelayJitter
	}
	if cfg.MaxReconnectionAttempts <= 0 {
		cfg.MaxReconnectionAttempts = defaultMaxReconnectionAttempts
	}
	c.resilience = cfg
	c.retry = newBackoff(cfg.InitialReconnectionDelay, defaultMaxReconnectionDelay, cfg.ReconnectionDelayJitter)
}

// UpdateResilienceConfig merges patch into the live configuration without
// reconnecting. Primarily used to make tests deterministic and for runtime
// tuning.
func (c *Client) UpdateResilienceConfig(patch ResiliencePatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.resilience
	if patch.InitialReconnectionDelay != nil {
		cfg.InitialReconnectionDelay = *patch.InitialReconnectionDelay
	}
	if patch.ReconnectionDelayJitter != nil {
		cfg.ReconnectionDelayJitter = *patch.ReconnectionDelayJitter
	}
	if patch.MaxReconnectionAttempts != nil {
		cfg.MaxReconnectionAttempts = *patch.MaxReconnectionAttempts
	}
	c.resilience = cfg
	c.retry = newBackoff(cfg.InitialReconnectionDelay, defaultMaxReconnectionDelay, cfg.ReconnectionDelayJitter)
}

// GetConnectionState returns a defensive copy of the current state.
func (c *Client) GetConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.state
	if state.Error != nil {
		errCopy := *state.Error
		state.Error = &errCopy
	}
	return state
}

// QueueDepth returns the current offline queue length.
func (c *Client) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// On registers fn as a listener for the named server event and returns its
// unsubscribe function.
func (c *Client) On(event string, fn Listener) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[int]Listener)
	}
	id := c.nextID
	c.nextID++
	c.listeners[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[event], id)
	}
}

// Connect establishes the underlying connection. Calling Connect while
// already connected (or while a connect is in flight) is a logged no-op.
// A failed connect is classified, stored in connection state, and — when the
// attempt budget allows — a reconnect is scheduled after the computed delay.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.IsConnected {
		c.mu.Unlock()
		c.logger.Debug("connect skipped: already connected", "url", c.url)
		return nil
	}
	if c.state.IsConnecting {
		c.mu.Unlock()
		c.logger.Debug("connect skipped: connect in flight", "url", c.url)
		return nil
	}
	c.state.IsConnecting = true
	c.mu.Unlock()

	start := time.Now()
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.handleConnectError(err)
		return fmt.Errorf("transport: connect %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.generation++
	gen := c.generation
	c.state.IsConnected = true
	c.state.IsConnecting = false
	c.state.Error = nil
	c.attempts = 0
	c.retry.Reset()
	pending := c.queue
	c.queue = nil
	readCtx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.QueueDepth.Add(ctx, -int64(len(pending)))
	}
	c.logger.Info("realtime connection established",
		"url", c.url, "queued_messages", len(pending))

	c.drainQueue(ctx, conn, pending)
	c.notify(EventConnectionStatus, statusPayload("connected"))

	go c.readLoop(readCtx, conn, gen)
	return nil
}

// handleConnectError classifies err, stores the structured error in state,
// and schedules the self-healing reconnect.
func (c *Client) handleConnectError(err error) {
	code := classifyCode(err)

	c.mu.Lock()
	retryIn := c.retry.Next()
	c.state.IsConnected = false
	c.state.IsConnecting = false
	c.state.Error = &ConnectionError{Code: code, RetryInMs: retryIn.Milliseconds()}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTransportError(context.Background(), code)
	}
	c.logger.Warn("realtime connection failed",
		"url", c.url, "code", code, "retry_in", retryIn)

	c.scheduleReconnect(retryIn, "error")
}

// scheduleReconnect arms a one-shot reconnect after delay, bounded by the
// configured attempt budget. Only one reconnect may be pending at a time.
func (c *Client) scheduleReconnect(delay time.Duration, trigger string) {
	c.mu.Lock()
	if c.timer != nil || c.state.IsConnected {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.resilience.MaxReconnectionAttempts {
		c.mu.Unlock()
		c.logger.Error("reconnection attempts exhausted",
			"url", c.url, "max_attempts", c.resilience.MaxReconnectionAttempts)
		return
	}
	c.attempts++
	attempt := c.attempts
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.RecordReconnect(context.Background(), trigger)
		}
		c.logger.Info("attempting reconnection",
			"url", c.url, "attempt", attempt)
		_ = c.Connect(context.Background())
	})
	c.mu.Unlock()
}

// readLoop receives envelopes and forwards them to listeners until the
// connection fails or is replaced.
func (c *Client) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(ctx, gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed server message", "err", err)
			continue
		}
		c.notify(env.Event, env.Payload)
	}
}

// handleReadError marks the connection lost and schedules a reconnect,
// unless this loop belongs to an already-replaced connection.
func (c *Client) handleReadError(ctx context.Context, gen int, err error) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if gen != c.generation || !c.state.IsConnected {
		c.mu.Unlock()
		return
	}
	code := classifyCode(err)
	retryIn := c.retry.Next()
	c.state.IsConnected = false
	c.state.Error = &ConnectionError{Code: code, RetryInMs: retryIn.Milliseconds()}
	c.conn = nil
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTransportError(context.Background(), code)
	}
	c.logger.Warn("realtime connection lost",
		"url", c.url, "code", code, "retry_in", retryIn)

	c.notify(EventConnectionStatus, statusPayload("disconnected"))
	c.scheduleReconnect(retryIn, "disconnect")
}

// Emit sends an application event to the server. While disconnected the
// message is appended to the offline FIFO queue instead of being dropped;
// the queue is replayed in original order on the next successful connect.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state.IsConnected
	if !connected || conn == nil {
		c.queue = append(c.queue, QueuedMessage{
			Event:     event,
			Payload:   payload,
			Timestamp: time.Now().UnixMilli(),
		})
		depth := len(c.queue)
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.QueuedMessages.Add(context.Background(), 1)
			c.metrics.QueueDepth.Add(context.Background(), 1)
		}
		c.logger.Debug("queued message while disconnected",
			"event", event, "queue_depth", depth)
		return nil
	}
	c.mu.Unlock()

	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(context.Background(), data); err != nil {
		// The write failure doubles as disconnection detection; the read
		// loop observes the same failure and drives the state transition.
		// Queue the message so it is not lost.
		c.mu.Lock()
		c.queue = append(c.queue, QueuedMessage{
			Event:     event,
			Payload:   payload,
			Timestamp: time.Now().UnixMilli(),
		})
		c.mu.Unlock()
		return nil
	}
	return nil
}

// drainQueue replays pending messages in original order. Messages that fail
// to send are re-queued, preserving order, for the next connect.
func (c *Client) drainQueue(ctx context.Context, conn Conn, pending []QueuedMessage) {
	for i, msg := range pending {
		data, err := encodeEnvelope(msg.Event, msg.Payload)
		if err != nil {
			c.logger.Warn("dropping unencodable queued message",
				"event", msg.Event, "err", err)
			continue
		}
		if err := conn.Write(ctx, data); err != nil {
			c.mu.Lock()
			c.queue = append(pending[i:], c.queue...)
			c.mu.Unlock()
			return
		}
	}
}

// Disconnect tears down the underlying connection and cancels any pending
// reconnect. Safe to call when already disconnected. The offline queue is
// retained so a later Connect still replays it.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	conn := c.conn
	c.conn = nil
	wasConnected := c.state.IsConnected
	c.state.IsConnected = false
	c.state.IsConnecting = false
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("error closing realtime connection", "err", err)
		}
	}
	if wasConnected {
		c.notify(EventConnectionStatus, statusPayload("disconnected"))
	}
	c.logger.Info("realtime connection closed", "url", c.url)
}

// CheckNetwork runs the online probe once and records the result in
// connection state. Returns the probed status.
func (c *Client) CheckNetwork(ctx context.Context) bool {
	online := c.prober(ctx)

	c.mu.Lock()
	c.state.NetworkStatus = NetworkStatus{IsOnline: online, CheckedAt: time.Now()}
	c.mu.Unlock()
	return online
}

// MonitorNetwork probes reachability every interval until ctx is done.
// Run it in a goroutine.
func (c *Client) MonitorNetwork(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckNetwork(ctx)
		}
	}
}

// defaultProber attempts a TCP dial to the socket URL host.
func (c *Client) defaultProber(ctx context.Context) bool {
	u, err := url.Parse(c.url)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "wss", "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// notify forwards an event payload to every registered listener. Each
// listener is isolated: a panic in one cannot break dispatch to the others.
func (c *Client) notify(event string, payload json.RawMessage) {
	c.mu.Lock()
	var fns []Listener
	for _, fn := range c.listeners[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Error("event listener panicked",
						"event", event, "panic", rec)
				}
			}()
			fn(payload)
		}()
	}
}

// encodeEnvelope builds the JSON wire form of one message.
func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{
		Event:     event,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// statusPayload builds the connectionStatus payload.
func statusPayload(status string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"status": status})
	return data
}
