package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/seshat-labs/seshat-capture/pkg/media"
)

// GraphState is the lifecycle state of an [AudioGraph].
type GraphState string

const (
	GraphRunning   GraphState = "running"
	GraphSuspended GraphState = "suspended"
	GraphClosed    GraphState = "closed"
)

// SourceNode is a stream's attachment point into an [AudioGraph]. Frames
// that have passed through the graph are read from [SourceNode.Frames].
type SourceNode interface {
	// Frames delivers processed audio. The channel closes when the node is
	// disconnected or the upstream stream ends.
	Frames() <-chan media.Frame

	// Disconnect detaches the node from the graph. Safe to call more than
	// once.
	Disconnect() error
}

// AudioGraph is the audio processing context a capture stream is wired into.
// The controller creates at most one graph lazily via its [GraphFactory] and
// owns it until Stop.
//
// Implementations must be safe for concurrent use.
type AudioGraph interface {
	// State returns the current graph lifecycle state.
	State() GraphState

	// Resume moves a suspended graph back to running.
	Resume(ctx context.Context) error

	// CreateSource attaches stream to the graph and returns its node. Any
	// previously attached node should be disconnected by the caller first.
	CreateSource(stream media.Stream) (SourceNode, error)

	// Close tears the graph down. Safe to call more than once.
	Close(ctx context.Context) error
}

// GraphFactory constructs an [AudioGraph]. Injectable so tests can supply
// doubles and hosts can supply platform graphs.
type GraphFactory func() (AudioGraph, error)

// ErrGraphClosed is returned when attaching a stream to a closed graph.
var ErrGraphClosed = errors.New("capture: audio graph is closed")

// ─── passthrough graph ───────────────────────────────────────────────────────

// PassthroughGraph is the default [AudioGraph]: it forwards stream frames
// unmodified. The headless agent has no host DSP surface, so the graph's job
// is purely lifecycle bookkeeping and frame fan-in.
type PassthroughGraph struct {
	mu    sync.Mutex
	state GraphState
}

// NewPassthroughGraph creates a running [PassthroughGraph].
func NewPassthroughGraph() *PassthroughGraph {
	return &PassthroughGraph{state: GraphRunning}
}

// DefaultGraphFactory is the [GraphFactory] used when none is injected.
func DefaultGraphFactory() (AudioGraph, error) {
	return NewPassthroughGraph(), nil
}

// State implements [AudioGraph].
func (g *PassthroughGraph) State() GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Resume implements [AudioGraph].
func (g *PassthroughGraph) Resume(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GraphClosed {
		return ErrGraphClosed
	}
	g.state = GraphRunning
	return nil
}

// CreateSource implements [AudioGraph]. The returned node forwards frames
// from stream until the stream ends or the node is disconnected.
func (g *PassthroughGraph) CreateSource(stream media.Stream) (SourceNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GraphClosed {
		return nil, ErrGraphClosed
	}

	node := &passthroughNode{
		out:  make(chan media.Frame, 64),
		done: make(chan struct{}),
	}
	go node.pump(stream.Frames())
	return node, nil
}

// Close implements [AudioGraph].
func (g *PassthroughGraph) Close(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = GraphClosed
	return nil
}

// passthroughNode forwards frames from the stream channel to its own output.
type passthroughNode struct {
	out  chan media.Frame
	done chan struct{}
	once sync.Once
}

// pump copies frames until the input closes or the node disconnects.
func (n *passthroughNode) pump(in <-chan media.Frame) {
	defer close(n.out)
	for {
		select {
		case <-n.done:
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			select {
			case n.out <- frame:
			case <-n.done:
				return
			}
		}
	}
}

// Frames implements [SourceNode].
func (n *passthroughNode) Frames() <-chan media.Frame { return n.out }

// Disconnect implements [SourceNode].
func (n *passthroughNode) Disconnect() error {
	n.once.Do(func() { close(n.done) })
	return nil
}
