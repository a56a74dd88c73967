package diag

import (
	"log/slog"
	"time"
)

// Transport delivers a validated [Event] to a sink (console, remote log
// collector, test recorder). A transport returning an error or panicking does
// not interrupt delivery to the remaining transports.
type Transport interface {
	Deliver(ev Event) error
}

// TransportFunc adapts a plain function to the [Transport] interface.
type TransportFunc func(ev Event) error

// Deliver implements [Transport].
func (f TransportFunc) Deliver(ev Event) error { return f(ev) }

// ValidationErrorHandler is invoked when an event fails schema validation.
// The event passed is the event as it would have been delivered (timestamp
// and context already filled in).
type ValidationErrorHandler func(err error, attempted Event)

// Reporter emits schema-validated diagnostic events to a set of transports.
//
// A Reporter is immutable after construction and safe for concurrent use;
// [Reporter.Child] derives scoped reporters instead of mutating the parent.
type Reporter struct {
	transports []Transport
	now        func() time.Time
	ctx        Context
	onInvalid  ValidationErrorHandler
	logger     *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Reporter)

// WithTransports replaces the default console transport with the given sinks.
func WithTransports(transports ...Transport) Option {
	return func(r *Reporter) { r.transports = transports }
}

// WithClock injects the time source used to default event timestamps.
// Tests use this for deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithContext sets the base context layered into every emitted event.
// The component field is pinned to [Component] regardless of the value given.
func WithContext(ctx Context) Option {
	return func(r *Reporter) { r.ctx = Context{}.merge(ctx) }
}

// WithValidationErrorHandler installs cb as the handler invoked when an event
// fails schema validation. Without a handler, validation failures are logged
// as warnings. In both cases the event is dropped.
func WithValidationErrorHandler(cb ValidationErrorHandler) Option {
	return func(r *Reporter) { r.onInvalid = cb }
}

// WithLogger sets the logger used for internal reporter warnings (validation
// failures without a handler, transport delivery errors).
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) { r.logger = logger }
}

// New creates a [Reporter]. Without options it emits to a console transport
// backed by slog.Default, using wall-clock timestamps and an empty context.
func New(opts ...Option) *Reporter {
	r := &Reporter{
		now:    time.Now,
		ctx:    Context{Component: Component},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if len(r.transports) == 0 {
		r.transports = []Transport{ConsoleTransport(r.logger)}
	}
	return r
}

// Child returns a reporter sharing this reporter's transports, clock, and
// validation handler, with patch merged over the parent context. Child keys
// override parent keys; the component field stays pinned.
func (r *Reporter) Child(patch Context) *Reporter {
	child := *r
	child.ctx = r.ctx.merge(patch)
	return &child
}

// Emit fills in the event timestamp (when zero) and context, validates the
// result, and delivers it to every transport. Events failing validation are
// dropped before any transport sees them; a failing transport does not stop
// delivery to the others.
func (r *Reporter) Emit(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = r.now().UnixMilli()
	}
	if ev.Context == nil {
		ctx := r.ctx
		ev.Context = &ctx
	} else {
		merged := r.ctx.merge(*ev.Context)
		ev.Context = &merged
	}

	if err := Validate(ev); err != nil {
		if r.onInvalid != nil {
			r.onInvalid(err, ev)
			return
		}
		r.logger.Warn("dropping invalid diagnostic event",
			"event", ev.Event,
			"code", ev.Code,
			"err", err,
		)
		return
	}

	for _, t := range r.transports {
		r.deliver(t, ev)
	}
}

// deliver sends ev to a single transport, isolating panics and errors so one
// broken sink cannot break the others.
func (r *Reporter) deliver(t Transport, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("diagnostic transport panicked",
				"event", ev.Event, "panic", rec)
		}
	}()
	if err := t.Deliver(ev); err != nil {
		r.logger.Error("diagnostic transport delivery failed",
			"event", ev.Event, "err", err)
	}
}

// ConsoleTransport returns a [Transport] that logs the structured fields of
// each event through logger. Only fixed schema fields are logged — never
// arbitrary objects — so host error text or stream contents cannot leak
// through the console sink.
func ConsoleTransport(logger *slog.Logger) Transport {
	return TransportFunc(func(ev Event) error {
		attrs := []any{
			"code", ev.Code,
			"timestamp", ev.Timestamp,
		}
		if ev.Operation != "" {
			attrs = append(attrs, "operation", ev.Operation)
		}
		if ev.Metadata != nil {
			if ev.Metadata.LatencyMs > 0 {
				attrs = append(attrs, "latency_ms", ev.Metadata.LatencyMs)
			}
			if ev.Metadata.Attempt > 0 {
				attrs = append(attrs, "attempt", ev.Metadata.Attempt)
			}
			if ev.Metadata.StreamID != "" {
				attrs = append(attrs, "stream_id", ev.Metadata.StreamID)
			}
		}
		if ev.Context != nil && ev.Context.SessionID != "" {
			attrs = append(attrs, "session_id", ev.Context.SessionID)
		}

		switch ev.Level {
		case LevelDebug:
			logger.Debug(ev.Event, attrs...)
		case LevelWarn:
			logger.Warn(ev.Event, attrs...)
		case LevelError:
			logger.Error(ev.Event, attrs...)
		default:
			logger.Info(ev.Event, attrs...)
		}
		return nil
	})
}
