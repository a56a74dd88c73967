// Package media defines the host-capability abstraction for microphone access.
//
// The three primary abstractions are:
//
//   - [Environment] — describes what the current host can do: whether the
//     execution context is secure and whether a device surface or permission
//     query surface exists at all.
//   - [DeviceAccess] — performs the actual capture-stream grant.
//   - [Stream] — an active capture stream delivering [Frame] values until
//     every [Track] is stopped.
//
// Implementations are provided by host adapter packages (e.g., media/host for
// the headless agent). The interfaces are intentionally narrow so that the
// permission guard and the capture controller stay decoupled from host
// details, and so that hosts lacking a capability can be represented with the
// null-object implementations ([UnavailableDeviceAccess],
// [UnavailablePermissions]) instead of ad hoc nil checks.
//
// This package lives under pkg/ because external code (alternative host
// adapters) is expected to implement [Environment] and [DeviceAccess].
package media

import (
	"context"
	"errors"
	"time"
)

// PermissionState is the current microphone permission as reported by the
// host's permission query surface.
type PermissionState string

const (
	// PermissionGranted means capture may proceed without prompting.
	PermissionGranted PermissionState = "granted"

	// PermissionDenied means the user or platform policy has blocked capture.
	PermissionDenied PermissionState = "denied"

	// PermissionPrompt means the host will ask the user on the next request.
	PermissionPrompt PermissionState = "prompt"

	// PermissionUnavailable means the permission state cannot be determined,
	// either because the host has no query surface or because the query failed.
	PermissionUnavailable PermissionState = "unavailable"
)

// Classification sentinels returned by [DeviceAccess.RequestStream]
// implementations. The guard maps these to its closed outcome set; any other
// error is treated as an unknown failure.
var (
	// ErrNotAllowed indicates the user or a platform policy refused the grant.
	ErrNotAllowed = errors.New("media: capture not allowed")

	// ErrSecurity indicates the grant was refused for security reasons
	// (equivalent in effect to ErrNotAllowed, kept distinct for host fidelity).
	ErrSecurity = errors.New("media: security error")
)

// Constraints narrows the requested capture stream. The zero value asks for
// host defaults. Constraints must remain JSON-serialisable: they are echoed
// (sanitised) into diagnostics.
type Constraints struct {
	// DeviceID selects a specific input device. Empty means host default.
	DeviceID string `json:"deviceId,omitempty"`

	// SampleRate in Hz (e.g., 16000 for STT upload). Zero means host default.
	SampleRate int `json:"sampleRate,omitempty"`

	// Channels requests a channel count. Zero means host default.
	Channels int `json:"channels,omitempty"`

	// EchoCancellation requests acoustic echo cancellation when non-nil.
	EchoCancellation *bool `json:"echoCancellation,omitempty"`

	// NoiseSuppression requests noise suppression when non-nil.
	NoiseSuppression *bool `json:"noiseSuppression,omitempty"`
}

// Frame is a single chunk of captured PCM audio. Frames are the atomic unit
// flowing from a [Stream] into the processing graph and onto the transport.
type Frame struct {
	// PCM audio data. Sample rate and channel count follow the stream config.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Track is a single live capture track within a [Stream].
type Track interface {
	// ID is the host-assigned identifier for this track.
	ID() string

	// Kind describes the track media kind (currently always "audio").
	Kind() string

	// Stop releases the underlying hardware handle. Stop must not fail and
	// must be safe to call more than once.
	Stop()
}

// Stream is an active capture stream obtained from [DeviceAccess].
//
// The stream stays live until every track is stopped. Implementations must be
// safe for concurrent use.
type Stream interface {
	// ID is the host-assigned identifier for this stream.
	ID() string

	// Tracks returns a snapshot of the live tracks. Stopping every returned
	// track ends the stream.
	Tracks() []Track

	// Frames returns the read-only channel delivering captured audio. The
	// channel is closed when the stream ends.
	Frames() <-chan Frame
}

// PermissionQuerier exposes the host's permission query surface, when present.
type PermissionQuerier interface {
	// Query returns the current microphone permission state. An error means
	// the query surface itself misbehaved; callers should degrade to
	// [PermissionUnavailable] rather than propagate it.
	Query(ctx context.Context) (PermissionState, error)
}

// DeviceAccess performs capture-stream grants, when the host has a device
// surface at all.
type DeviceAccess interface {
	// RequestStream asks the host for a capture stream honouring constraints.
	// A refusal is reported via [ErrNotAllowed] or [ErrSecurity]; any other
	// error is an unclassified host failure.
	RequestStream(ctx context.Context, constraints Constraints) (Stream, error)
}

// Environment describes the capability set of the current host. A nil
// Environment means no host surface exists at all (the strictest failure).
//
// Implementations must be safe for concurrent use.
type Environment interface {
	// SecureContext reports whether the host satisfies the security
	// preconditions for device access (HTTPS-or-equivalent).
	SecureContext() bool

	// MediaDevices returns the device surface and whether one exists.
	MediaDevices() (DeviceAccess, bool)

	// Permissions returns the permission query surface and whether one exists.
	Permissions() (PermissionQuerier, bool)
}

// UnavailableDeviceAccess is the null-object [DeviceAccess] for hosts without
// a device surface. RequestStream always fails with [ErrNotAllowed].
type UnavailableDeviceAccess struct{}

// RequestStream implements [DeviceAccess].
func (UnavailableDeviceAccess) RequestStream(context.Context, Constraints) (Stream, error) {
	return nil, ErrNotAllowed
}

// UnavailablePermissions is the null-object [PermissionQuerier] for hosts
// without a permission query surface. Query always reports
// [PermissionUnavailable].
type UnavailablePermissions struct{}

// Query implements [PermissionQuerier].
func (UnavailablePermissions) Query(context.Context) (PermissionState, error) {
	return PermissionUnavailable, nil
}
