// Package mock provides in-memory mock implementations of the
// [media.Environment], [media.DeviceAccess], [media.PermissionQuerier],
// [media.Stream], and [media.Track] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream("stream-1", 1)
//	env := &mock.Environment{
//	    Secure:  true,
//	    Devices: &mock.DeviceAccess{StreamResult: stream},
//	    Querier: &mock.PermissionQuerier{State: media.PermissionPrompt},
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/seshat-labs/seshat-capture/pkg/media"
)

// ─── Track ────────────────────────────────────────────────────────────────────

// Track is a mock implementation of [media.Track].
type Track struct {
	mu sync.Mutex

	// TrackID is returned by ID.
	TrackID string

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// ID implements [media.Track].
func (t *Track) ID() string { return t.TrackID }

// Kind implements [media.Track]. Always "audio".
func (t *Track) Kind() string { return "audio" }

// Stop implements [media.Track]. Records the call.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountStop++
}

// StopCount returns how many times Stop has been called.
func (t *Track) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountStop
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [media.Stream]. Construct via [NewStream]
// so the track list is populated.
type Stream struct {
	// StreamID is returned by ID.
	StreamID string

	// TrackList holds the mock tracks returned by Tracks.
	TrackList []*Track

	// FrameCh is returned by Frames. Left nil unless a test needs to push
	// frames through the stream.
	FrameCh chan media.Frame
}

// NewStream creates a mock stream with trackCount mock tracks and a buffered
// frame channel.
func NewStream(id string, trackCount int) *Stream {
	s := &Stream{
		StreamID: id,
		FrameCh:  make(chan media.Frame, 16),
	}
	for i := 0; i < trackCount; i++ {
		s.TrackList = append(s.TrackList, &Track{TrackID: fmt.Sprintf("%s-track-%d", id, i)})
	}
	return s
}

// ID implements [media.Stream].
func (s *Stream) ID() string { return s.StreamID }

// Tracks implements [media.Stream].
func (s *Stream) Tracks() []media.Track {
	tracks := make([]media.Track, len(s.TrackList))
	for i, t := range s.TrackList {
		tracks[i] = t
	}
	return tracks
}

// Frames implements [media.Stream].
func (s *Stream) Frames() <-chan media.Frame { return s.FrameCh }

// StoppedTracks returns how many of the stream's tracks have been stopped at
// least once.
func (s *Stream) StoppedTracks() int {
	n := 0
	for _, t := range s.TrackList {
		if t.StopCount() > 0 {
			n++
		}
	}
	return n
}

// ─── DeviceAccess ─────────────────────────────────────────────────────────────

// RequestCall records the arguments of a single RequestStream invocation.
type RequestCall struct {
	// Constraints is the constraints argument passed to RequestStream.
	Constraints media.Constraints
}

// DeviceAccess is a mock implementation of [media.DeviceAccess].
// Set the exported Result fields before use; inspect RequestCalls after.
type DeviceAccess struct {
	mu sync.Mutex

	// StreamResult is the stream returned by RequestStream when RequestErrors
	// is exhausted (or empty).
	StreamResult media.Stream

	// RequestErrors is consumed one entry per call; once exhausted,
	// RequestStream returns StreamResult with a nil error. Use this to script
	// fail-then-succeed retry scenarios.
	RequestErrors []error

	// RequestCalls records all RequestStream invocations.
	RequestCalls []RequestCall
}

// RequestStream implements [media.DeviceAccess].
func (d *DeviceAccess) RequestStream(_ context.Context, constraints media.Constraints) (media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RequestCalls = append(d.RequestCalls, RequestCall{Constraints: constraints})
	if len(d.RequestErrors) > 0 {
		err := d.RequestErrors[0]
		d.RequestErrors = d.RequestErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	return d.StreamResult, nil
}

// CallCount returns how many times RequestStream has been called.
func (d *DeviceAccess) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.RequestCalls)
}

// ─── PermissionQuerier ────────────────────────────────────────────────────────

// PermissionQuerier is a mock implementation of [media.PermissionQuerier].
type PermissionQuerier struct {
	mu sync.Mutex

	// State is returned by Query.
	State media.PermissionState

	// Err is returned by Query alongside State.
	Err error

	// CallCountQuery records how many times Query was called.
	CallCountQuery int
}

// Query implements [media.PermissionQuerier].
func (q *PermissionQuerier) Query(context.Context) (media.PermissionState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.CallCountQuery++
	return q.State, q.Err
}

// ─── Environment ──────────────────────────────────────────────────────────────

// Environment is a mock implementation of [media.Environment]. Leave Devices
// or Querier nil to simulate a host lacking that capability surface.
type Environment struct {
	// Secure is returned by SecureContext.
	Secure bool

	// Devices is returned by MediaDevices; nil means no device surface.
	Devices *DeviceAccess

	// Querier is returned by Permissions; nil means no permission surface.
	Querier *PermissionQuerier
}

// SecureContext implements [media.Environment].
func (e *Environment) SecureContext() bool { return e.Secure }

// MediaDevices implements [media.Environment].
func (e *Environment) MediaDevices() (media.DeviceAccess, bool) {
	if e.Devices == nil {
		return nil, false
	}
	return e.Devices, true
}

// Permissions implements [media.Environment].
func (e *Environment) Permissions() (media.PermissionQuerier, bool) {
	if e.Querier == nil {
		return nil, false
	}
	return e.Querier, true
}
