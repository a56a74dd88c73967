package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seshat-labs/seshat-capture/pkg/media"
	"github.com/seshat-labs/seshat-capture/pkg/media/mock"
)

func TestPassthroughGraphForwardsFrames(t *testing.T) {
	g := NewPassthroughGraph()
	stream := mock.NewStream("s1", 1)

	node, err := g.CreateSource(stream)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	want := media.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}
	stream.FrameCh <- want

	select {
	case got := <-node.Frames():
		if string(got.Data) != string(want.Data) || got.SampleRate != want.SampleRate {
			t.Errorf("frame = %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded frame")
	}
}

func TestPassthroughNodeClosesOnStreamEnd(t *testing.T) {
	g := NewPassthroughGraph()
	stream := mock.NewStream("s1", 1)

	node, err := g.CreateSource(stream)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	close(stream.FrameCh)

	select {
	case _, ok := <-node.Frames():
		if ok {
			t.Error("received frame after stream end, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("output channel did not close")
	}
}

func TestPassthroughNodeDisconnect(t *testing.T) {
	g := NewPassthroughGraph()
	stream := mock.NewStream("s1", 1)

	node, err := g.CreateSource(stream)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	if err := node.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	// Safe to call again.
	if err := node.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	select {
	case _, ok := <-node.Frames():
		if ok {
			t.Error("received frame after disconnect, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("output channel did not close after disconnect")
	}
}

func TestPassthroughGraphLifecycle(t *testing.T) {
	g := NewPassthroughGraph()
	if got := g.State(); got != GraphRunning {
		t.Errorf("State = %q, want %q", got, GraphRunning)
	}

	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := g.State(); got != GraphClosed {
		t.Errorf("State = %q, want %q", got, GraphClosed)
	}

	if _, err := g.CreateSource(mock.NewStream("s1", 1)); !errors.Is(err, ErrGraphClosed) {
		t.Errorf("CreateSource on closed graph = %v, want ErrGraphClosed", err)
	}
	if err := g.Resume(context.Background()); !errors.Is(err, ErrGraphClosed) {
		t.Errorf("Resume on closed graph = %v, want ErrGraphClosed", err)
	}
}
