package stream

import (
	"context"
	"sync"
	"time"
)

// Step is one scripted transport event. Before runs right before the chunk
// is handed out, which lets tests act between two chunk boundaries.
type Step struct {
	Chunk  Chunk
	Err    error
	Delay  time.Duration
	Before func()
}

// Chunks turns chunks into steps.
func Chunks(chunks ...Chunk) []Step {
	out := make([]Step, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Step{Chunk: c})
	}
	return out
}

// ScriptedTransport replays scripted steps. Once a script is exhausted the
// handle stays silent until its context is done.
type ScriptedTransport struct {
	// Respond builds the script for a request. When nil, Steps is replayed.
	Respond func(req Request) []Step
	Steps   []Step
	OpenErr error

	mu       sync.Mutex
	requests []Request
	closed   int
}

var _ Transport = &ScriptedTransport{}

func NewScriptedTransport(steps ...Step) *ScriptedTransport {
	return &ScriptedTransport{Steps: steps}
}

func (t *ScriptedTransport) Name() string { return "scripted" }

func (t *ScriptedTransport) Open(_ context.Context, req Request) (Handle, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	steps := t.Steps
	if t.Respond != nil {
		steps = t.Respond(req)
	}
	return &scriptedHandle{owner: t, steps: append([]Step(nil), steps...)}, nil
}

func (t *ScriptedTransport) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Request(nil), t.requests...)
}

func (t *ScriptedTransport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type scriptedHandle struct {
	owner  *ScriptedTransport
	steps  []Step
	pos    int
	closed bool
}

func (h *scriptedHandle) Next(ctx context.Context) (Chunk, error) {
	if h.pos >= len(h.steps) {
		<-ctx.Done()
		return Chunk{}, ctx.Err()
	}
	st := h.steps[h.pos]
	h.pos++
	if st.Delay > 0 {
		select {
		case <-time.After(st.Delay):
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
	if st.Before != nil {
		st.Before()
	}
	if st.Err != nil {
		return Chunk{}, st.Err
	}
	return st.Chunk, nil
}

func (h *scriptedHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.owner.mu.Lock()
	h.owner.closed++
	h.owner.mu.Unlock()
	return nil
}
