// Package session layers gaming-session semantics over the realtime
// transport and the capture controller: joining and leaving a session,
// starting and stopping recording, and forwarding server-side transcription
// and processing updates to local subscribers.
//
// All commands go through [transport.Client.Emit] and therefore inherit its
// offline queueing: a join or recording toggle issued during a transient
// disconnection is replayed on reconnect rather than lost.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seshat-labs/seshat-capture/internal/capture"
	"github.com/seshat-labs/seshat-capture/internal/diag"
	"github.com/seshat-labs/seshat-capture/internal/observe"
	"github.com/seshat-labs/seshat-capture/internal/transport"
	"github.com/seshat-labs/seshat-capture/pkg/media"
)

// CommandPayload is the payload of every session command event.
type CommandPayload struct {
	SessionID string `json:"sessionId"`
}

// AudioChunk is the payload of an audioChunk event: one captured frame bound
// to its session.
type AudioChunk struct {
	SessionID   string `json:"sessionId"`
	Data        []byte `json:"data"`
	SampleRate  int    `json:"sampleRate"`
	Channels    int    `json:"channels"`
	TimestampMs int64  `json:"timestampMs"`
}

// TranscriptionUpdate is a server transcription event.
type TranscriptionUpdate struct {
	SessionID  string  `json:"sessionId"`
	SpeakerID  string  `json:"speakerId"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// ProcessingUpdate is a server pipeline-progress event.
type ProcessingUpdate struct {
	SessionID string `json:"sessionId"`
	Stage     string `json:"stage"`
	Detail    string `json:"detail"`
}

// ErrNotJoined is returned by recording operations before Join.
var ErrNotJoined = fmt.Errorf("session: no session joined")

// Option is a functional option for [New].
type Option func(*Client)

// WithLogger sets the logger for session lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics wires session metrics. When nil, no metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client binds one capture controller and one transport to at most one
// joined gaming session at a time. Safe for concurrent use.
type Client struct {
	transport  *transport.Client
	controller *capture.Controller
	reporter   *diag.Reporter
	logger     *slog.Logger
	metrics    *observe.Metrics

	mu         sync.Mutex
	sessionID  string
	recording  bool
	pumpCancel context.CancelFunc
}

// New creates a session client. All of tc, controller, and reporter must be
// non-nil.
func New(tc *transport.Client, controller *capture.Controller, reporter *diag.Reporter, opts ...Option) *Client {
	c := &Client{
		transport:  tc,
		controller: controller,
		reporter:   reporter,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionID returns the currently joined session, empty when none.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Join announces participation in the given session. Joining while another
// session is active leaves it first.
func (c *Client) Join(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session: sessionID must not be empty")
	}

	c.mu.Lock()
	prior := c.sessionID
	c.mu.Unlock()
	if prior != "" && prior != sessionID {
		if err := c.Leave(ctx); err != nil {
			return err
		}
	}

	if err := c.transport.Emit(transport.EventJoinSession, CommandPayload{SessionID: sessionID}); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	c.logger.Info("joined session", "session_id", sessionID)
	return nil
}

// Leave announces departure from the current session, stopping any active
// recording first. A no-op when no session is joined.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	recording := c.recording
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	if recording {
		c.StopRecording(ctx)
	}

	if err := c.transport.Emit(transport.EventLeaveSession, CommandPayload{SessionID: sessionID}); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}
	c.logger.Info("left session", "session_id", sessionID)
	return nil
}

// StartRecording starts the capture pipeline and, on success, announces
// recording and begins pumping captured frames to the server. The capture
// result is returned unchanged so consumers can render error codes.
func (c *Client) StartRecording(ctx context.Context, constraints media.Constraints) (capture.StartResult, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return capture.StartResult{}, ErrNotJoined
	}

	result := c.controller.Start(ctx, capture.StartOptions{Constraints: constraints})
	if !result.Success {
		return result, nil
	}

	if err := c.transport.Emit(transport.EventStartRecording, CommandPayload{SessionID: sessionID}); err != nil {
		return result, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.recording = true
	c.pumpCancel = cancel
	c.mu.Unlock()

	go c.pump(pumpCtx, sessionID, result.Source)

	c.reporter.Child(diag.Context{SessionID: sessionID}).Emit(diag.Event{
		Event:     "audio.session.recording",
		Level:     diag.LevelInfo,
		Code:      "RECORDING_STARTED",
		Operation: "startRecording",
		Metadata:  &diag.Metadata{StreamID: result.Stream.ID()},
	})
	return result, nil
}

// StopRecording stops the frame pump and the capture pipeline, then
// announces the stop. Idempotent.
func (c *Client) StopRecording(ctx context.Context) {
	c.mu.Lock()
	sessionID := c.sessionID
	cancel := c.pumpCancel
	wasRecording := c.recording
	c.recording = false
	c.pumpCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.controller.Stop(ctx)

	if !wasRecording {
		return
	}

	if err := c.transport.Emit(transport.EventStopRecording, CommandPayload{SessionID: sessionID}); err != nil {
		c.logger.Warn("failed to announce recording stop", "err", err)
	}
	c.reporter.Child(diag.Context{SessionID: sessionID}).Emit(diag.Event{
		Event:     "audio.session.recording",
		Level:     diag.LevelInfo,
		Code:      "RECORDING_STOPPED",
		Operation: "stopRecording",
	})
}

// pump forwards captured frames to the server until the source channel
// closes or the pump context is cancelled.
func (c *Client) pump(ctx context.Context, sessionID string, source capture.SourceNode) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source.Frames():
			if !ok {
				return
			}
			chunk := AudioChunk{
				SessionID:   sessionID,
				Data:        frame.Data,
				SampleRate:  frame.SampleRate,
				Channels:    frame.Channels,
				TimestampMs: frame.Timestamp.Milliseconds(),
			}
			if err := c.transport.Emit(transport.EventAudioChunk, chunk); err != nil {
				c.logger.Warn("failed to emit audio chunk", "err", err)
			}
		}
	}
}

// OnTranscription subscribes fn to server transcription updates. Returns the
// unsubscribe function.
func (c *Client) OnTranscription(fn func(TranscriptionUpdate)) (off func()) {
	return c.transport.On(transport.EventTranscriptionUpdate, func(payload json.RawMessage) {
		var update TranscriptionUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			c.logger.Warn("malformed transcription update", "err", err)
			return
		}
		fn(update)
	})
}

// OnProcessing subscribes fn to server processing updates. Returns the
// unsubscribe function.
func (c *Client) OnProcessing(fn func(ProcessingUpdate)) (off func()) {
	return c.transport.On(transport.EventProcessingUpdate, func(payload json.RawMessage) {
		var update ProcessingUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			c.logger.Warn("malformed processing update", "err", err)
			return
		}
		fn(update)
	})
}

// OnServerError subscribes fn to server error events; the raw payload is
// passed through untouched.
func (c *Client) OnServerError(fn func(json.RawMessage)) (off func()) {
	return c.transport.On(transport.EventError, func(payload json.RawMessage) {
		fn(payload)
	})
}
