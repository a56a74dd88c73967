// Package diag provides the schema-validated diagnostic event facility used
// by the permission guard and the capture controller.
//
// Events are plain JSON-serialisable records ([Event]) that pass
// go-playground/validator schema validation before they reach any registered
// [Transport]. Malformed events are dropped before delivery — a transport can
// never observe an event that failed validation. The default transport is a
// structured slog sink that logs only the fixed event fields, never arbitrary
// payload objects.
//
// Reporters form a hierarchy: [Reporter.Child] returns a reporter that shares
// transports and clock with its parent but layers additional [Context] on
// top, used to scope diagnostics per session or per sub-operation.
package diag

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Component is the fixed component literal stamped into every event context.
// Consumers cannot override it; a child context that tries is re-pinned.
const Component = "audio-capture"

// Level is the severity of a diagnostic event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// codePattern constrains machine codes to uppercase snake-ish identifiers.
var codePattern = regexp.MustCompile(`^[A-Z0-9._-]+$`)

// Metadata carries the open-ended measurement payload of an event. All fields
// are optional.
type Metadata struct {
	// LatencyMs is a wall-clock measurement in milliseconds.
	LatencyMs int64 `json:"latencyMs,omitempty"`

	// Attempt is the 1-based retry attempt number.
	Attempt int `json:"attempt,omitempty"`

	// StreamID identifies the capture stream the event concerns.
	StreamID string `json:"streamId,omitempty"`

	// Constraints is a sanitised echo of the requested capture constraints.
	// It must already be stripped of non-serialisable references.
	Constraints any `json:"constraints,omitempty"`

	// Extra holds additional free-form keys.
	Extra map[string]any `json:"extra,omitempty"`
}

// Context identifies where in the application an event originated. Context
// values merge additively down the reporter hierarchy: child keys override
// parent keys, except Component which is always pinned to [Component].
type Context struct {
	// SessionID scopes the event to a gaming session.
	SessionID string `json:"sessionId,omitempty"`

	// Component is always [Component].
	Component string `json:"component" validate:"eq=audio-capture"`

	// Version is the application version, when known.
	Version string `json:"version,omitempty"`
}

// merge layers patch over c. Zero-value patch fields keep the receiver's
// value; Component is re-pinned unconditionally.
func (c Context) merge(patch Context) Context {
	out := c
	if patch.SessionID != "" {
		out.SessionID = patch.SessionID
	}
	if patch.Version != "" {
		out.Version = patch.Version
	}
	out.Component = Component
	return out
}

// Event is a single schema-validated diagnostic record. See the package
// documentation for the validation guarantees.
type Event struct {
	// Event is the namespaced event name (e.g., "audio.capture.success").
	Event string `json:"event" validate:"required"`

	// Level is the event severity.
	Level Level `json:"level" validate:"required,oneof=debug info warn error"`

	// Code is the machine-parseable outcome code (e.g., "STREAM_ACTIVE").
	Code string `json:"code" validate:"required,eventcode"`

	// Timestamp is the emission time in Unix milliseconds. Filled in by the
	// reporter when zero.
	Timestamp int64 `json:"timestamp" validate:"required,gt=0"`

	// Operation names the high-level operation in progress (e.g., "start").
	Operation string `json:"operation,omitempty"`

	// Metadata carries optional measurements.
	Metadata *Metadata `json:"metadata,omitempty"`

	// Context identifies the emission scope. Filled in by the reporter.
	Context *Context `json:"context,omitempty" validate:"omitempty"`
}

// validate is the shared validator instance for event schema validation.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	// eventcode enforces the machine-code charset.
	must(validate.RegisterValidation("eventcode", func(fl validator.FieldLevel) bool {
		return codePattern.MatchString(fl.Field().String())
	}))
}

func must(err error) {
	if err != nil {
		panic("diag: validator setup: " + err.Error())
	}
}

// Validate checks ev against the event schema. A nil return means every
// registered transport may observe the event.
func Validate(ev Event) error {
	return validate.Struct(ev)
}
