// Package host provides the [media.Environment] implementation for the
// headless capture agent.
//
// The agent runs as a local process, so the environment always reports a
// secure context. Audio is produced by a synthetic source that emits silence
// frames at the requested sample rate; a real input backend can replace the
// frame generator via [WithFrameSource] without touching the guard or the
// capture controller.
package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seshat-labs/seshat-capture/pkg/media"
)

// Defaults applied when a constraint field is zero.
const (
	defaultSampleRate    = 16000
	defaultChannels      = 1
	defaultFrameInterval = 20 * time.Millisecond
)

// bytesPerSample is fixed: the agent captures 16-bit PCM.
const bytesPerSample = 2

// FrameSource produces the PCM payload for one frame. The returned slice must
// be exactly byteLen long.
type FrameSource func(byteLen int) []byte

// Environment is a [media.Environment] for the local host.
type Environment struct {
	secure        bool
	permission    media.PermissionState
	devices       map[string]struct{}
	frameInterval time.Duration
	source        FrameSource

	streamSeq atomic.Int64
}

// Option configures [New].
type Option func(*Environment)

// WithInsecureContext marks the environment as not satisfying the security
// preconditions for device access. Used to exercise the guard's blocked path.
func WithInsecureContext() Option {
	return func(e *Environment) { e.secure = false }
}

// WithPermission sets the state the permission querier reports. Defaults to
// [media.PermissionGranted]: a local process owns its own microphone policy.
func WithPermission(state media.PermissionState) Option {
	return func(e *Environment) { e.permission = state }
}

// WithDevices restricts grants to the given device IDs. With no registry any
// requested device is accepted.
func WithDevices(ids ...string) Option {
	return func(e *Environment) {
		e.devices = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			e.devices[id] = struct{}{}
		}
	}
}

// WithFrameInterval sets the synthetic frame cadence.
func WithFrameInterval(d time.Duration) Option {
	return func(e *Environment) { e.frameInterval = d }
}

// WithFrameSource replaces the silence generator with a custom PCM producer.
func WithFrameSource(src FrameSource) Option {
	return func(e *Environment) { e.source = src }
}

// New creates a local host environment. The zero configuration is a secure
// context with permission granted and silence audio.
func New(opts ...Option) *Environment {
	e := &Environment{
		secure:        true,
		permission:    media.PermissionGranted,
		frameInterval: defaultFrameInterval,
		source: func(n int) []byte {
			return make([]byte, n)
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SecureContext implements [media.Environment].
func (e *Environment) SecureContext() bool { return e.secure }

// MediaDevices implements [media.Environment].
func (e *Environment) MediaDevices() (media.DeviceAccess, bool) { return e, true }

// Permissions implements [media.Environment].
func (e *Environment) Permissions() (media.PermissionQuerier, bool) { return e, true }

// Query implements [media.PermissionQuerier].
func (e *Environment) Query(context.Context) (media.PermissionState, error) {
	return e.permission, nil
}

// RequestStream implements [media.DeviceAccess]. A denied permission refuses
// the grant with [media.ErrNotAllowed]; an unknown device ID is an
// unclassified failure.
func (e *Environment) RequestStream(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if e.permission == media.PermissionDenied {
		return nil, media.ErrNotAllowed
	}
	if c.DeviceID != "" && e.devices != nil {
		if _, ok := e.devices[c.DeviceID]; !ok {
			return nil, fmt.Errorf("host: unknown device %q", c.DeviceID)
		}
	}

	sampleRate := c.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	channels := c.Channels
	if channels <= 0 {
		channels = defaultChannels
	}

	id := fmt.Sprintf("host-stream-%d", e.streamSeq.Add(1))
	s := &stream{
		id:         id,
		sampleRate: sampleRate,
		channels:   channels,
		frames:     make(chan media.Frame, 8),
		done:       make(chan struct{}),
	}
	s.track = &track{id: id + "-audio", stream: s}

	go s.run(ctx, e.frameInterval, e.source)
	return s, nil
}

var _ media.Environment = (*Environment)(nil)
var _ media.DeviceAccess = (*Environment)(nil)
var _ media.PermissionQuerier = (*Environment)(nil)

// ─── Stream ──────────────────────────────────────────────────────────────────

type stream struct {
	id         string
	sampleRate int
	channels   int
	track      *track
	frames     chan media.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) ID() string { return s.id }

func (s *stream) Tracks() []media.Track { return []media.Track{s.track} }

func (s *stream) Frames() <-chan media.Frame { return s.frames }

// run emits one synthetic frame per tick until the stream is stopped or ctx
// is cancelled. A full buffer drops the frame rather than blocking the tick.
func (s *stream) run(ctx context.Context, interval time.Duration, source FrameSource) {
	defer close(s.frames)

	byteLen := int(interval.Seconds()*float64(s.sampleRate)) * s.channels * bytesPerSample
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			frame := media.Frame{
				Data:       source(byteLen),
				SampleRate: s.sampleRate,
				Channels:   s.channels,
				Timestamp:  time.Since(start),
			}
			select {
			case s.frames <- frame:
			default:
			}
		}
	}
}

func (s *stream) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

type track struct {
	id     string
	stream *stream
}

func (t *track) ID() string   { return t.id }
func (t *track) Kind() string { return "audio" }
func (t *track) Stop()        { t.stream.stop() }
