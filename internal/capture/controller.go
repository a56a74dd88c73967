// Package capture orchestrates end-to-end microphone acquisition: guard
// evaluation, retry-with-backoff grant requests, audio-graph wiring, and the
// idle → starting → capturing / error state machine.
//
// The [Controller] is the consumer-facing API of the capture pipeline. All
// expected failures surface as typed [StartResult] values with one of the six
// [ErrorCode] values; Start and Stop never return errors for host conditions.
//
// Callers must serialise Start/Stop invocations: a second Start while one is
// in flight races with it. The UI layer is expected to disable its controls
// while the state is [StatusStarting].
package capture

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/seshat-labs/seshat-capture/internal/diag"
	"github.com/seshat-labs/seshat-capture/internal/guard"
	"github.com/seshat-labs/seshat-capture/internal/observe"
	"github.com/seshat-labs/seshat-capture/pkg/media"
)

// Status is the controller lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusCapturing Status = "capturing"
	StatusError     Status = "error"
)

// ErrorCode is the closed failure taxonomy surfaced to consumers. The code is
// the UI's contract for rendering actionable guidance; no raw host error text
// accompanies it.
type ErrorCode string

const (
	// ErrSecureContextRequired — structural: host context is not secure.
	ErrSecureContextRequired ErrorCode = "SECURE_CONTEXT_REQUIRED"

	// ErrPermissionBlocked — structural: the user or policy said no.
	ErrPermissionBlocked ErrorCode = "PERMISSION_BLOCKED"

	// ErrUnsupported — structural: a capability surface is missing.
	ErrUnsupported ErrorCode = "UNSUPPORTED"

	// ErrStream — transient stream acquisition failure.
	ErrStream ErrorCode = "STREAM_ERROR"

	// ErrAudioContextFailed — the grant succeeded but the processing graph
	// could not be built. Distinct from ErrPermissionBlocked so callers can
	// tell "the user said no" from "the system failed us".
	ErrAudioContextFailed ErrorCode = "AUDIO_CONTEXT_FAILED"

	// ErrRetryExhausted — every configured attempt failed transiently.
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
)

// State is a snapshot of the controller's externally visible state. It is
// overwritten wholesale on each transition.
type State struct {
	Status Status

	// Evaluation is the last capability snapshot, nil before the first one.
	Evaluation *guard.Evaluation

	// LatencyMs is the last successful grant latency. Only retained when
	// latency tracking is enabled; zero otherwise.
	LatencyMs int64

	// ErrorCode is set only in [StatusError].
	ErrorCode ErrorCode
}

// RetryPolicy bounds the grant request loop. Attempts are strictly
// sequential; there is deliberately no overall deadline, only the fixed
// inter-attempt backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of grant attempts. Default 1.
	MaxAttempts int

	// Backoff is the fixed delay awaited in full between attempts.
	Backoff time.Duration
}

// StartOptions configures a single [Controller.Start] call.
type StartOptions struct {
	// Constraints narrows the requested stream.
	Constraints media.Constraints

	// ReuseExistingStream makes Start return the currently held stream
	// without a new grant request, supporting idempotent resume semantics.
	ReuseExistingStream bool
}

// StartResult is the tagged outcome of a Start call. Success is the
// discriminant: when true, Stream/Graph/Source are live; when false,
// ErrorCode is set.
type StartResult struct {
	Success bool

	Stream media.Stream
	Graph  AudioGraph
	Source SourceNode

	Evaluation guard.Evaluation
	LatencyMs  int64
	ErrorCode  ErrorCode
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithRetryPolicy sets the grant retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Controller) { c.retry = p }
}

// WithGraphFactory injects the audio-graph factory. Tests use this to supply
// graph doubles.
func WithGraphFactory(f GraphFactory) Option {
	return func(c *Controller) { c.graphFactory = f }
}

// WithLatencyTracking toggles retention of grant latency in controller state
// and diagnostics. Off by default for deployments that do not want timing
// telemetry retained.
func WithLatencyTracking(enabled bool) Option {
	return func(c *Controller) { c.trackLatency = enabled }
}

// WithMetrics wires capture metrics. When nil, no metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSleep injects the backoff wait function. Tests use this to advance
// time deterministically.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// Controller owns the active capture stream and audio graph pair. It is
// created idle; state transitions happen only through Start and Stop.
type Controller struct {
	guard        *guard.Guard
	reporter     *diag.Reporter
	retry        RetryPolicy
	graphFactory GraphFactory
	trackLatency bool
	metrics      *observe.Metrics
	sleep        func(ctx context.Context, d time.Duration)

	mu     sync.Mutex
	state  State
	stream media.Stream
	graph  AudioGraph
	source SourceNode
}

// New creates an idle [Controller]. g and reporter must be non-nil.
func New(g *guard.Guard, reporter *diag.Reporter, opts ...Option) *Controller {
	c := &Controller{
		guard:        g,
		reporter:     reporter,
		retry:        RetryPolicy{MaxAttempts: 1},
		graphFactory: DefaultGraphFactory,
		sleep:        defaultSleep,
		state:        State{Status: StatusIdle},
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry.MaxAttempts = 1
	}
	return c
}

// defaultSleep waits for d or until ctx is done, whichever comes first.
func defaultSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// GetState returns a copy of the current controller state.
func (c *Controller) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetStream returns the currently held stream, nil when not capturing.
func (c *Controller) GetStream() media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Source returns the current graph source node, nil when not capturing.
func (c *Controller) Source() SourceNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Start acquires a capture stream and wires it into the audio graph.
//
// With opts.ReuseExistingStream set and a stream already held, the held
// stream is returned immediately without a new grant request (an evaluation
// is still cached if none exists yet). Otherwise the full pipeline runs:
// guard evaluation, bounded retry over grant requests, prior-stream teardown,
// lazy graph construction, and source wiring.
func (c *Controller) Start(ctx context.Context, opts StartOptions) StartResult {
	if res, ok := c.tryReuse(ctx, opts); ok {
		return res
	}

	c.setState(State{Status: StatusStarting, Evaluation: c.lastEvaluation()})
	c.emitStart(opts.Constraints)

	eval := c.guard.Evaluate(ctx)
	c.cacheEvaluation(eval)
	if eval.Status != guard.StatusSupported {
		// Structural problem — retrying cannot help.
		return c.fail(eval, evaluationErrorCode(eval.Status), 0)
	}

	result := c.requestWithRetry(ctx, opts.Constraints)

	switch result.Status {
	case guard.ResultGranted:
		return c.wireGraph(ctx, result)
	case guard.ResultBlocked:
		if result.Blocked.Reason == guard.BlockedInsecureContext {
			return c.fail(result.Evaluation, ErrSecureContextRequired, 0)
		}
		return c.fail(result.Evaluation, ErrPermissionBlocked, 0)
	default:
		if result.Failure.Reason == guard.ErrorUnsupported {
			return c.fail(result.Evaluation, ErrUnsupported, 0)
		}
		if c.retry.MaxAttempts > 1 {
			return c.fail(result.Evaluation, ErrRetryExhausted, 0)
		}
		return c.fail(result.Evaluation, ErrStream, 0)
	}
}

// tryReuse handles the ReuseExistingStream fast path.
func (c *Controller) tryReuse(ctx context.Context, opts StartOptions) (StartResult, bool) {
	if !opts.ReuseExistingStream {
		return StartResult{}, false
	}

	c.mu.Lock()
	stream, g, source := c.stream, c.graph, c.source
	eval := c.state.Evaluation
	latency := c.state.LatencyMs
	c.mu.Unlock()

	if stream == nil {
		return StartResult{}, false
	}

	if eval == nil {
		e := c.guard.Evaluate(ctx)
		c.cacheEvaluation(e)
		eval = &e
	}
	return StartResult{
		Success:    true,
		Stream:     stream,
		Graph:      g,
		Source:     source,
		Evaluation: *eval,
		LatencyMs:  latency,
	}, true
}

// requestWithRetry runs the bounded sequential grant loop. A blocked result
// breaks out early because permission denial is not retryable. Panics if the
// loop somehow completes without producing a result — that is a programming
// error, not a host condition.
func (c *Controller) requestWithRetry(ctx context.Context, constraints media.Constraints) guard.RequestResult {
	var result *guard.RequestResult

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if c.retry.Backoff > 0 {
				c.sleep(ctx, c.retry.Backoff)
			}
			c.reporter.Emit(diag.Event{
				Event:     "audio.capture.retry",
				Level:     diag.LevelWarn,
				Code:      "RETRYING_ACCESS",
				Operation: "start",
				Metadata:  &diag.Metadata{Attempt: attempt},
			})
		}

		res := c.guard.RequestAccess(ctx, constraints)
		result = &res
		c.recordAttempt(ctx, res.Status)

		if res.Status == guard.ResultGranted || res.Status == guard.ResultBlocked {
			break
		}
	}

	if result == nil {
		panic("capture: request loop completed with no result")
	}
	return *result
}

// wireGraph tears down any previously held stream, lazily builds the audio
// graph, and attaches the newly granted stream. A failure here is reported as
// AUDIO_CONTEXT_FAILED even though the grant itself succeeded — permission
// and pipeline are distinct failure domains.
func (c *Controller) wireGraph(ctx context.Context, result guard.RequestResult) StartResult {
	granted := result.Granted

	c.mu.Lock()
	prior := c.stream
	c.stream = granted.Stream
	g := c.graph
	priorSource := c.source
	c.mu.Unlock()

	// Stop the prior stream's tracks first so a restart without Stop cannot
	// leak hardware handles.
	if prior != nil && prior != granted.Stream {
		stopTracks(prior)
	}

	if g == nil {
		var err error
		g, err = c.graphFactory()
		if err != nil {
			return c.graphFailure(result.Evaluation, granted, err)
		}
		c.mu.Lock()
		c.graph = g
		c.mu.Unlock()
	}

	if g.State() == GraphSuspended {
		if err := g.Resume(ctx); err != nil {
			return c.graphFailure(result.Evaluation, granted, err)
		}
	}

	if priorSource != nil {
		if err := priorSource.Disconnect(); err != nil {
			c.reporter.Emit(diag.Event{
				Event:     "audio.capture.source_disconnect_failed",
				Level:     diag.LevelWarn,
				Code:      "SOURCE_DISCONNECT_FAILED",
				Operation: "start",
			})
		}
	}

	source, err := g.CreateSource(granted.Stream)
	if err != nil {
		return c.graphFailure(result.Evaluation, granted, err)
	}

	latency := granted.LatencyMs
	if !c.trackLatency {
		latency = 0
	}

	c.mu.Lock()
	c.source = source
	c.state = State{
		Status:     StatusCapturing,
		Evaluation: &result.Evaluation,
		LatencyMs:  latency,
	}
	c.mu.Unlock()

	c.recordLatency(ctx, granted.LatencyMs)
	c.reporter.Emit(diag.Event{
		Event:     "audio.capture.success",
		Level:     diag.LevelInfo,
		Code:      "STREAM_ACTIVE",
		Operation: "start",
		Metadata: &diag.Metadata{
			LatencyMs: latency,
			StreamID:  granted.Stream.ID(),
		},
	})

	return StartResult{
		Success:    true,
		Stream:     granted.Stream,
		Graph:      g,
		Source:     source,
		Evaluation: result.Evaluation,
		LatencyMs:  latency,
	}
}

// graphFailure records an AUDIO_CONTEXT_FAILED outcome. The granted stream
// stays held so Stop can release the hardware handle.
func (c *Controller) graphFailure(eval guard.Evaluation, granted *guard.Granted, err error) StartResult {
	c.reporter.Emit(diag.Event{
		Event:     "audio.capture.graph_error",
		Level:     diag.LevelError,
		Code:      string(ErrAudioContextFailed),
		Operation: "start",
		Metadata: &diag.Metadata{
			StreamID: granted.Stream.ID(),
			Extra:    map[string]any{"message": guard.SanitizeMessage(err.Error())},
		},
	})
	return c.fail(eval, ErrAudioContextFailed, 0)
}

// Stop tears down the held stream, source node, and graph. It is idempotent
// and always completes: individual teardown errors are logged through
// diagnostics, never propagated.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	stream, source, g := c.stream, c.source, c.graph
	c.stream, c.source, c.graph = nil, nil, nil
	eval := c.state.Evaluation
	c.state = State{Status: StatusIdle, Evaluation: eval}
	c.mu.Unlock()

	if stream != nil {
		stopTracks(stream)
	}
	if source != nil {
		if err := source.Disconnect(); err != nil {
			c.reporter.Emit(diag.Event{
				Event:     "audio.capture.source_disconnect_failed",
				Level:     diag.LevelWarn,
				Code:      "SOURCE_DISCONNECT_FAILED",
				Operation: "stop",
			})
		}
	}
	if g != nil {
		if err := g.Close(ctx); err != nil {
			c.reporter.Emit(diag.Event{
				Event:     "audio.capture.graph_close_failed",
				Level:     diag.LevelWarn,
				Code:      "GRAPH_CLOSE_FAILED",
				Operation: "stop",
			})
		}
	}

	c.reporter.Emit(diag.Event{
		Event:     "audio.capture.stop",
		Level:     diag.LevelInfo,
		Code:      "CAPTURE_STOPPED",
		Operation: "stop",
	})
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// stopTracks stops every track on stream. MediaStreamTrack.Stop cannot fail
// by contract, so no per-track guarding is needed.
func stopTracks(stream media.Stream) {
	for _, t := range stream.Tracks() {
		t.Stop()
	}
}

// evaluationErrorCode maps a non-supported evaluation status to an ErrorCode.
func evaluationErrorCode(s guard.Status) ErrorCode {
	switch s {
	case guard.StatusSecureContextRequired:
		return ErrSecureContextRequired
	case guard.StatusPermissionBlocked:
		return ErrPermissionBlocked
	case guard.StatusUnavailable:
		return ErrUnsupported
	default:
		return ErrStream
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) lastEvaluation() *guard.Evaluation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Evaluation
}

func (c *Controller) cacheEvaluation(eval guard.Evaluation) {
	c.mu.Lock()
	st := c.state
	st.Evaluation = &eval
	c.state = st
	c.mu.Unlock()
}

// fail sets the error state, emits the error diagnostic, and builds the
// failure result.
func (c *Controller) fail(eval guard.Evaluation, code ErrorCode, latencyMs int64) StartResult {
	c.setState(State{
		Status:     StatusError,
		Evaluation: &eval,
		ErrorCode:  code,
	})
	c.reporter.Emit(diag.Event{
		Event:     "audio.capture.error",
		Level:     diag.LevelError,
		Code:      string(code),
		Operation: "start",
		Metadata:  &diag.Metadata{LatencyMs: latencyMs},
	})
	c.recordError(context.Background(), code)
	return StartResult{
		Success:    false,
		Evaluation: eval,
		ErrorCode:  code,
	}
}

// emitStart emits the start diagnostic with a sanitised constraints clone.
// The clone goes through a serialise/deserialise round trip to strip any
// non-serialisable references; a clone failure falls back to recording no
// constraints rather than failing the start.
func (c *Controller) emitStart(constraints media.Constraints) {
	var echoed any
	if raw, err := json.Marshal(constraints); err == nil {
		var clone map[string]any
		if err := json.Unmarshal(raw, &clone); err == nil {
			echoed = clone
		}
	}
	c.reporter.Emit(diag.Event{
		Event:     "audio.capture.start",
		Level:     diag.LevelInfo,
		Code:      "CAPTURE_STARTING",
		Operation: "start",
		Metadata:  &diag.Metadata{Constraints: echoed},
	})
}

// ─── metrics ─────────────────────────────────────────────────────────────────

func (c *Controller) recordAttempt(ctx context.Context, status guard.ResultStatus) {
	if c.metrics == nil {
		return
	}
	c.metrics.CaptureAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", string(status))))
}

func (c *Controller) recordError(ctx context.Context, code ErrorCode) {
	if c.metrics == nil {
		return
	}
	c.metrics.CaptureErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", string(code))))
}

func (c *Controller) recordLatency(ctx context.Context, latencyMs int64) {
	if c.metrics == nil {
		return
	}
	c.metrics.CaptureDuration.Record(ctx, float64(latencyMs)/1000.0)
}
