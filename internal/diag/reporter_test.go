package diag

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder captures every delivered event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Deliver(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func validEvent() Event {
	return Event{
		Event: "audio.capture.success",
		Level: LevelInfo,
		Code:  "STREAM_ACTIVE",
	}
}

func TestEmitFillsTimestampAndContext(t *testing.T) {
	rec := &recorder{}
	now := time.UnixMilli(1700000000000)
	r := New(
		WithTransports(rec),
		WithClock(func() time.Time { return now }),
		WithContext(Context{SessionID: "sess-1", Version: "1.2.3"}),
	)

	r.Emit(validEvent())

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Timestamp != now.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", ev.Timestamp, now.UnixMilli())
	}
	if ev.Context == nil {
		t.Fatal("Context not filled in")
	}
	if ev.Context.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", ev.Context.SessionID)
	}
	if ev.Context.Component != Component {
		t.Errorf("Component = %q, want %q", ev.Context.Component, Component)
	}
}

func TestEmitDropsInvalidEvents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{name: "lowercase code", mutate: func(ev *Event) { ev.Code = "stream_active" }},
		{name: "missing code", mutate: func(ev *Event) { ev.Code = "" }},
		{name: "missing event name", mutate: func(ev *Event) { ev.Event = "" }},
		{name: "unknown level", mutate: func(ev *Event) { ev.Level = "fatal" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			var handlerCalls int
			var handlerErr error
			r := New(
				WithTransports(rec),
				WithValidationErrorHandler(func(err error, _ Event) {
					handlerCalls++
					handlerErr = err
				}),
			)

			ev := validEvent()
			tt.mutate(&ev)
			r.Emit(ev)

			if got := len(rec.all()); got != 0 {
				t.Errorf("transport saw %d events, want 0", got)
			}
			if handlerCalls != 1 {
				t.Errorf("handler called %d times, want 1", handlerCalls)
			}
			if handlerErr == nil {
				t.Error("handler received nil error")
			}
		})
	}
}

func TestEmitValidEventReachesAllTransports(t *testing.T) {
	rec1 := &recorder{}
	rec2 := &recorder{}
	r := New(WithTransports(rec1, rec2))

	r.Emit(validEvent())

	if len(rec1.all()) != 1 || len(rec2.all()) != 1 {
		t.Errorf("delivery counts = %d, %d; want 1, 1", len(rec1.all()), len(rec2.all()))
	}
}

func TestEmitIsolatesBrokenTransports(t *testing.T) {
	panicker := TransportFunc(func(Event) error { panic("sink exploded") })
	failer := TransportFunc(func(Event) error { return errors.New("write refused") })
	rec := &recorder{}
	r := New(WithTransports(panicker, failer, rec))

	r.Emit(validEvent())

	if got := len(rec.all()); got != 1 {
		t.Errorf("healthy transport saw %d events, want 1", got)
	}
}

func TestChildMergesContext(t *testing.T) {
	rec := &recorder{}
	parent := New(
		WithTransports(rec),
		WithContext(Context{SessionID: "parent-session", Version: "0.9.0"}),
	)

	child := parent.Child(Context{SessionID: "child-session", Component: "bogus"})
	child.Emit(validEvent())

	// The parent is unaffected by the derivation.
	parent.Emit(validEvent())

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Context.SessionID != "child-session" {
		t.Errorf("child SessionID = %q, want child-session", events[0].Context.SessionID)
	}
	if events[0].Context.Version != "0.9.0" {
		t.Errorf("child Version = %q, want inherited 0.9.0", events[0].Context.Version)
	}
	if events[0].Context.Component != Component {
		t.Errorf("child Component = %q, want pinned %q", events[0].Context.Component, Component)
	}
	if events[1].Context.SessionID != "parent-session" {
		t.Errorf("parent SessionID = %q, want parent-session", events[1].Context.SessionID)
	}
}

func TestEmitKeepsProvidedTimestamp(t *testing.T) {
	rec := &recorder{}
	r := New(WithTransports(rec))

	ev := validEvent()
	ev.Timestamp = 42
	r.Emit(ev)

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Timestamp != 42 {
		t.Errorf("Timestamp = %d, want 42", events[0].Timestamp)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{
			name: "valid",
			ev: Event{
				Event:     "audio.guard.request",
				Level:     LevelWarn,
				Code:      "ACCESS_BLOCKED",
				Timestamp: 1,
			},
		},
		{
			name: "code with dots and dashes",
			ev: Event{
				Event:     "audio.guard.request",
				Level:     LevelInfo,
				Code:      "A9._-B",
				Timestamp: 1,
			},
		},
		{
			name: "zero timestamp",
			ev: Event{
				Event: "audio.guard.request",
				Level: LevelInfo,
				Code:  "OK",
			},
			wantErr: true,
		},
		{
			name: "code with space",
			ev: Event{
				Event:     "audio.guard.request",
				Level:     LevelInfo,
				Code:      "NOT OK",
				Timestamp: 1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.ev)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
