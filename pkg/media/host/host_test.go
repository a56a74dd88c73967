package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seshat-labs/seshat-capture/pkg/media"
)

func TestEnvironmentDefaults(t *testing.T) {
	env := New()

	if !env.SecureContext() {
		t.Error("SecureContext = false, want true for a local process")
	}
	if _, ok := env.MediaDevices(); !ok {
		t.Error("MediaDevices missing")
	}
	querier, ok := env.Permissions()
	if !ok {
		t.Fatal("Permissions missing")
	}
	state, err := querier.Query(context.Background())
	if err != nil || state != media.PermissionGranted {
		t.Errorf("Query = %q, %v; want granted, nil", state, err)
	}
}

func TestRequestStreamDeliversFrames(t *testing.T) {
	env := New(WithFrameInterval(5 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := env.RequestStream(ctx, media.Constraints{SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("RequestStream: %v", err)
	}
	if got := len(stream.Tracks()); got != 1 {
		t.Fatalf("Tracks = %d, want 1", got)
	}

	select {
	case frame := <-stream.Frames():
		if frame.SampleRate != 8000 {
			t.Errorf("SampleRate = %d, want 8000", frame.SampleRate)
		}
		// 5ms of 8kHz mono 16-bit PCM.
		if want := 80; len(frame.Data) != want {
			t.Errorf("len(Data) = %d, want %d", len(frame.Data), want)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestTrackStopEndsStream(t *testing.T) {
	env := New(WithFrameInterval(5 * time.Millisecond))

	stream, err := env.RequestStream(context.Background(), media.Constraints{})
	if err != nil {
		t.Fatalf("RequestStream: %v", err)
	}

	for _, tr := range stream.Tracks() {
		tr.Stop()
		tr.Stop() // safe to repeat
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-stream.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame channel never closed after Stop")
		}
	}
}

func TestRequestStreamDeniedPermission(t *testing.T) {
	env := New(WithPermission(media.PermissionDenied))

	_, err := env.RequestStream(context.Background(), media.Constraints{})
	if !errors.Is(err, media.ErrNotAllowed) {
		t.Errorf("err = %v, want ErrNotAllowed", err)
	}
}

func TestRequestStreamDeviceRegistry(t *testing.T) {
	env := New(WithDevices("usb-mic"))

	if _, err := env.RequestStream(context.Background(), media.Constraints{DeviceID: "usb-mic"}); err != nil {
		t.Errorf("known device refused: %v", err)
	}
	if _, err := env.RequestStream(context.Background(), media.Constraints{DeviceID: "ghost"}); err == nil {
		t.Error("unknown device accepted, want error")
	}
	// Refusal must not look like a permission denial.
	if _, err := env.RequestStream(context.Background(), media.Constraints{DeviceID: "ghost"}); errors.Is(err, media.ErrNotAllowed) {
		t.Error("unknown device classified as ErrNotAllowed")
	}
}

func TestWithFrameSource(t *testing.T) {
	env := New(
		WithFrameInterval(5*time.Millisecond),
		WithFrameSource(func(n int) []byte {
			data := make([]byte, n)
			for i := range data {
				data[i] = 0x7F
			}
			return data
		}),
	)

	stream, err := env.RequestStream(context.Background(), media.Constraints{})
	if err != nil {
		t.Fatalf("RequestStream: %v", err)
	}
	defer stream.Tracks()[0].Stop()

	select {
	case frame := <-stream.Frames():
		if len(frame.Data) == 0 || frame.Data[0] != 0x7F {
			t.Errorf("custom source not used: %v", frame.Data[:min(4, len(frame.Data))])
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}
