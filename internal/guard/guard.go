// Package guard evaluates whether microphone capture is possible in the
// current host environment and performs the actual grant request.
//
// All expected host conditions — missing capability surfaces, insecure
// contexts, denied permission — are normalised into a small closed set of
// result values. Guard methods never return errors for these cases; the
// [Evaluation] and [RequestResult] types are the whole contract. Only the
// device adapters themselves distinguish refusal kinds, via the
// [media.ErrNotAllowed] and [media.ErrSecurity] sentinels.
package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/seshat-labs/seshat-capture/internal/diag"
	"github.com/seshat-labs/seshat-capture/pkg/media"
)

// Status is the closed outcome set of a capability evaluation.
type Status string

const (
	// StatusSupported means a grant request can be attempted.
	StatusSupported Status = "SUPPORTED"

	// StatusSecureContextRequired means the host does not satisfy the
	// security preconditions for device access.
	StatusSecureContextRequired Status = "SECURE_CONTEXT_REQUIRED"

	// StatusPermissionBlocked means the permission state is an explicit deny.
	StatusPermissionBlocked Status = "PERMISSION_BLOCKED"

	// StatusUnavailable means a required capability surface is missing.
	StatusUnavailable Status = "UNAVAILABLE"
)

// Evaluation is an immutable snapshot of whether capture is currently
// possible. It is recomputed on every call and never persisted.
type Evaluation struct {
	// Status is the overall verdict.
	Status Status

	// SecureContext reports whether the host context is secure.
	SecureContext bool

	// Permission is the queried permission state, degrading to
	// [media.PermissionUnavailable] when the query surface is missing or
	// misbehaves.
	Permission media.PermissionState

	// CanRequest reports whether a grant request would be attempted.
	CanRequest bool

	// Reason names the first failed precondition, empty when supported.
	Reason string
}

// Evaluation reason strings, first match wins in the order listed.
const (
	ReasonEnvironmentUnavailable = "EnvironmentUnavailable"
	ReasonInsecureContext        = "InsecureContext"
	ReasonMediaDevicesMissing    = "MediaDevicesMissing"
	ReasonPermissionDenied       = "PermissionDenied"
)

// BlockedReason classifies a blocked grant request.
type BlockedReason string

const (
	BlockedPermissionDenied BlockedReason = "permission-denied"
	BlockedInsecureContext  BlockedReason = "insecure-context"
)

// ErrorReason classifies a failed grant request.
type ErrorReason string

const (
	ErrorUnsupported ErrorReason = "unsupported"
	ErrorUnknown     ErrorReason = "unknown"
)

// ResultStatus is the discriminant of a [RequestResult].
type ResultStatus string

const (
	ResultGranted ResultStatus = "granted"
	ResultBlocked ResultStatus = "blocked"
	ResultError   ResultStatus = "error"
)

// Granted carries the payload of a successful grant.
type Granted struct {
	// Stream is the live capture stream. Ownership passes to the caller.
	Stream media.Stream

	// TrackCount is the number of live tracks on the stream.
	TrackCount int

	// Constraints echoes the requested constraints.
	Constraints media.Constraints

	// LatencyMs is the wall-clock duration of the grant call in milliseconds.
	LatencyMs int64
}

// Blocked carries the payload of a refused grant.
type Blocked struct {
	// Reason distinguishes permission denial from an insecure context.
	Reason BlockedReason
}

// Failure carries the payload of an errored grant.
type Failure struct {
	// Reason classifies the failure.
	Reason ErrorReason

	// Message is a sanitised description. Raw host error text never appears
	// here; see [SanitizeMessage].
	Message string
}

// RequestResult is the tagged-union outcome of a grant attempt. Status is the
// single source of branching truth; exactly one of the variant pointers is
// populated per result.
type RequestResult struct {
	Status ResultStatus

	// Evaluation is the capability snapshot taken before the attempt.
	Evaluation Evaluation

	Granted *Granted
	Blocked *Blocked
	Failure *Failure
}

// maxMessageLen caps sanitised failure messages.
const maxMessageLen = 160

// SanitizeMessage strips msg down to alphanumerics and basic punctuation and
// caps its length. Host error text is an environment-fingerprinting vector,
// so it must pass through here before reaching any diagnostic or result.
func SanitizeMessage(msg string) string {
	var b strings.Builder
	for _, r := range msg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(" .,:;_-", r):
			b.WriteRune(r)
		}
		if b.Len() >= maxMessageLen {
			break
		}
	}
	return b.String()
}

// Option is a functional option for [New].
type Option func(*Guard)

// WithClock injects the time source used for grant latency measurement.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// Guard performs capability evaluation and grant requests against a
// [media.Environment]. A nil environment is valid and represents a host with
// no capability surface at all.
//
// Guard is immutable after construction and safe for concurrent use.
type Guard struct {
	env      media.Environment
	reporter *diag.Reporter
	now      func() time.Time
}

// New creates a [Guard]. reporter must be non-nil; env may be nil.
func New(env media.Environment, reporter *diag.Reporter, opts ...Option) *Guard {
	g := &Guard{
		env:      env,
		reporter: reporter,
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Evaluate computes a capability snapshot. It has no side effects beyond a
// diagnostic emission, and given identical environment state it returns
// identical evaluations.
func (g *Guard) Evaluate(ctx context.Context) Evaluation {
	ev := g.evaluate(ctx)
	g.emitEvaluation(ev)
	return ev
}

// evaluate is the emission-free evaluation core. The decision order is fixed:
// first failed precondition wins.
func (g *Guard) evaluate(ctx context.Context) Evaluation {
	if g.env == nil {
		return Evaluation{
			Status:     StatusUnavailable,
			Permission: media.PermissionUnavailable,
			Reason:     ReasonEnvironmentUnavailable,
		}
	}

	secure := g.env.SecureContext()
	permission := g.queryPermission(ctx)

	if !secure {
		return Evaluation{
			Status:     StatusSecureContextRequired,
			Permission: permission,
			Reason:     ReasonInsecureContext,
		}
	}

	if _, ok := g.env.MediaDevices(); !ok {
		return Evaluation{
			Status:        StatusUnavailable,
			SecureContext: true,
			Permission:    permission,
			Reason:        ReasonMediaDevicesMissing,
		}
	}

	if permission == media.PermissionDenied {
		return Evaluation{
			Status:        StatusPermissionBlocked,
			SecureContext: true,
			Permission:    permission,
			Reason:        ReasonPermissionDenied,
		}
	}

	return Evaluation{
		Status:        StatusSupported,
		SecureContext: true,
		Permission:    permission,
		CanRequest:    true,
	}
}

// queryPermission reads the permission state, degrading to unavailable when
// the query surface is missing or misbehaves. Query errors are swallowed here
// rather than propagated: a broken query surface must not block capture.
func (g *Guard) queryPermission(ctx context.Context) media.PermissionState {
	querier, ok := g.env.Permissions()
	if !ok {
		return media.PermissionUnavailable
	}
	state, err := querier.Query(ctx)
	if err != nil || state == "" {
		return media.PermissionUnavailable
	}
	return state
}

// RequestAccess re-evaluates capability (the evaluation is the single source
// of truth) and, only when the evaluation is [StatusSupported], performs the
// grant call with wall-clock latency measurement. For any other evaluation
// status the underlying device surface is never touched and the result
// mirrors the evaluation.
func (g *Guard) RequestAccess(ctx context.Context, constraints media.Constraints) RequestResult {
	eval := g.Evaluate(ctx)

	switch eval.Status {
	case StatusSecureContextRequired:
		return g.finishRequest(RequestResult{
			Status:     ResultBlocked,
			Evaluation: eval,
			Blocked:    &Blocked{Reason: BlockedInsecureContext},
		}, 0)
	case StatusPermissionBlocked:
		return g.finishRequest(RequestResult{
			Status:     ResultBlocked,
			Evaluation: eval,
			Blocked:    &Blocked{Reason: BlockedPermissionDenied},
		}, 0)
	case StatusUnavailable:
		return g.finishRequest(RequestResult{
			Status:     ResultError,
			Evaluation: eval,
			Failure:    &Failure{Reason: ErrorUnsupported},
		}, 0)
	}

	devices, ok := g.env.MediaDevices()
	if !ok {
		// Surface disappeared between evaluation and request.
		return g.finishRequest(RequestResult{
			Status:     ResultError,
			Evaluation: eval,
			Failure:    &Failure{Reason: ErrorUnsupported},
		}, 0)
	}

	start := g.now()
	stream, err := devices.RequestStream(ctx, constraints)
	latencyMs := g.now().Sub(start).Milliseconds()

	if err != nil {
		if errors.Is(err, media.ErrNotAllowed) || errors.Is(err, media.ErrSecurity) {
			return g.finishRequest(RequestResult{
				Status:     ResultBlocked,
				Evaluation: eval,
				Blocked:    &Blocked{Reason: BlockedPermissionDenied},
			}, latencyMs)
		}
		return g.finishRequest(RequestResult{
			Status:     ResultError,
			Evaluation: eval,
			Failure: &Failure{
				Reason:  ErrorUnknown,
				Message: SanitizeMessage(err.Error()),
			},
		}, latencyMs)
	}

	return g.finishRequest(RequestResult{
		Status:     ResultGranted,
		Evaluation: eval,
		Granted: &Granted{
			Stream:      stream,
			TrackCount:  len(stream.Tracks()),
			Constraints: constraints,
			LatencyMs:   latencyMs,
		},
	}, latencyMs)
}

// ─── diagnostics ─────────────────────────────────────────────────────────────

// evaluationCode maps an evaluation status to its diagnostic code.
func evaluationCode(s Status) string {
	switch s {
	case StatusSupported:
		return "CAPTURE_SUPPORTED"
	case StatusSecureContextRequired:
		return "SECURE_CONTEXT_REQUIRED"
	case StatusPermissionBlocked:
		return "PERMISSION_BLOCKED"
	default:
		return "CAPTURE_UNAVAILABLE"
	}
}

func (g *Guard) emitEvaluation(ev Evaluation) {
	level := diag.LevelInfo
	if ev.Status != StatusSupported {
		level = diag.LevelWarn
	}
	g.reporter.Emit(diag.Event{
		Event:     "audio.guard.evaluate",
		Level:     level,
		Code:      evaluationCode(ev.Status),
		Operation: "evaluate",
		Metadata: &diag.Metadata{
			Extra: map[string]any{
				"status":        string(ev.Status),
				"secureContext": ev.SecureContext,
				"permission":    string(ev.Permission),
				"canRequest":    ev.CanRequest,
				"reason":        ev.Reason,
			},
		},
	})
}

// finishRequest emits the request-phase diagnostic and returns res unchanged.
// The raw stream and raw host error never enter the event.
func (g *Guard) finishRequest(res RequestResult, latencyMs int64) RequestResult {
	var (
		code  string
		level = diag.LevelInfo
		meta  = diag.Metadata{LatencyMs: latencyMs}
	)
	switch res.Status {
	case ResultGranted:
		code = "ACCESS_GRANTED"
		meta.StreamID = res.Granted.Stream.ID()
		meta.Extra = map[string]any{"trackCount": res.Granted.TrackCount}
	case ResultBlocked:
		code = "ACCESS_BLOCKED"
		level = diag.LevelWarn
		meta.Extra = map[string]any{"reason": string(res.Blocked.Reason)}
	default:
		code = "ACCESS_ERROR"
		level = diag.LevelError
		meta.Extra = map[string]any{"reason": string(res.Failure.Reason)}
		if res.Failure.Message != "" {
			meta.Extra["message"] = res.Failure.Message
		}
	}
	g.reporter.Emit(diag.Event{
		Event:     "audio.guard.request",
		Level:     level,
		Code:      code,
		Operation: "request",
		Metadata:  &meta,
	})
	return res
}
