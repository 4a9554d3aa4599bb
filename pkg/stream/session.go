package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateIdle State = iota
	StateOpening
	StateActive
	StateCancelling
	StateCancelled
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

const (
	DefaultTimeout = 60 * time.Second
	StoppedMarker  = "[Generation stopped]"
	KindSeparator  = "\n"
)

var ErrNoChunks = errors.New("stream: no chunk received before timeout")

// TransportOpenError is returned when a transport could not open a stream.
// Opening is never retried by the session.
type TransportOpenError struct {
	Transport string
	Err       error
}

func (e *TransportOpenError) Error() string {
	return fmt.Sprintf("stream: open %s transport: %v", e.Transport, e.Err)
}

func (e *TransportOpenError) Unwrap() error { return e.Err }

// Result is what a session produced when it reached a terminal state.
type Result struct {
	SessionID  string
	State      State
	Text       string
	ToolText   string
	Chunks     int
	Malformed  int
	Stopped    bool
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Output is Text followed by the stopped marker when the session was cancelled.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	if r.Stopped {
		if r.Text == "" {
			return StoppedMarker
		}
		return r.Text + "\n" + StoppedMarker
	}
	return r.Text
}

type SessionOption func(*Session)

func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithTimeout sets how long the session waits for the next chunk.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDeltaConsumer receives text as soon as it arrives, including tool
// payloads, kind separators and the stopped marker.
func WithDeltaConsumer(f func(delta string)) SessionOption {
	return func(s *Session) { s.onDelta = f }
}

// WithStateObserver is called on every state transition.
func WithStateObserver(f func(sessionID string, st State)) SessionOption {
	return func(s *Session) { s.onState = f }
}

// Session consumes one transport stream. A session runs once.
type Session struct {
	id        string
	transport Transport
	ctl       *Controller
	timeout   time.Duration
	onDelta   func(string)
	onState   func(string, State)

	mu      sync.Mutex
	state   State
	claimed bool
}

// NewSession creates a session over t. ctl may be nil for background work
// that must not take the engine's single active slot.
func NewSession(t Transport, ctl *Controller, opts ...SessionOption) *Session {
	s := &Session{
		id:        uuid.NewString(),
		transport: t,
		ctl:       ctl,
		timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Claim takes the controller slot before Run is called, so a cancel issued
// between Claim and Run is not lost. Run releases the slot.
func (s *Session) Claim() error {
	if s.ctl == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return nil
	}
	if err := s.ctl.Begin(s.id); err != nil {
		return err
	}
	s.claimed = true
	return nil
}

// Release gives back a slot taken with Claim when Run will not be called.
func (s *Session) Release() {
	if s.ctl == nil {
		return
	}
	s.mu.Lock()
	claimed := s.claimed
	s.claimed = false
	s.mu.Unlock()
	if claimed {
		s.ctl.End(s.id)
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	log.Debug().Str("component", "stream").Str("session_id", s.id).Str("state", st.String()).Msg("session state")
	if s.onState != nil {
		s.onState(s.id, st)
	}
}

func (s *Session) emit(delta string) {
	if s.onDelta != nil && delta != "" {
		s.onDelta(delta)
	}
}

// Run opens the transport and consumes chunks until a terminal state. The
// returned result is non-nil whenever the session left Idle, and carries the
// partial text even when an error is returned.
func (s *Session) Run(ctx context.Context, req Request) (*Result, error) {
	if s == nil || s.transport == nil {
		return nil, errors.New("stream: session has no transport")
	}
	if st := s.State(); st != StateIdle {
		return nil, errors.Errorf("stream: session %s already ran (state %s)", s.id, st)
	}
	if s.ctl != nil {
		if err := s.Claim(); err != nil {
			return nil, err
		}
		defer s.Release()
	}
	if req.ID == "" {
		req.ID = s.id
	}

	res := &Result{SessionID: s.id, StartedAt: time.Now()}
	finish := func(st State) {
		res.State = st
		res.FinishedAt = time.Now()
		s.setState(st)
	}

	s.setState(StateOpening)
	h, err := s.transport.Open(ctx, req)
	if err != nil {
		finish(StateFailed)
		return res, &TransportOpenError{Transport: s.transport.Name(), Err: err}
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Str("component", "stream").Str("session_id", s.id).Msg("transport close failed")
		}
	}()
	s.setState(StateActive)

	// readCtx wakes a blocked Next when the controller is signalled.
	readCtx, stopReads := context.WithCancel(ctx)
	defer stopReads()
	if s.ctl != nil {
		go func(done <-chan struct{}) {
			select {
			case <-done:
				stopReads()
			case <-readCtx.Done():
			}
		}(s.ctl.Done())
	}

	var (
		text     strings.Builder
		tools    strings.Builder
		lastKind = ChunkMalformed
	)
	collect := func() {
		res.Text = text.String()
		res.ToolText = tools.String()
	}

	for {
		if s.cancelRequested(ctx) {
			s.setState(StateCancelling)
			collect()
			res.Stopped = true
			s.emit("\n" + StoppedMarker + "\n")
			log.Info().Str("component", "stream").Str("session_id", s.id).Int("chunks", res.Chunks).Msg("generation stopped")
			finish(StateCancelled)
			return res, nil
		}

		nextCtx, cancel := context.WithTimeout(readCtx, s.timeout)
		chunk, err := h.Next(nextCtx)
		cancel()
		if err != nil {
			if s.cancelRequested(ctx) {
				continue
			}
			collect()
			if errors.Is(err, context.DeadlineExceeded) {
				if res.Chunks > 0 {
					res.TimedOut = true
					log.Warn().Str("component", "stream").Str("session_id", s.id).
						Dur("timeout", s.timeout).Int("chunks", res.Chunks).
						Msg("stream went quiet, completing with partial text")
					finish(StateCompleted)
					return res, nil
				}
				finish(StateFailed)
				return res, errors.Wrapf(ErrNoChunks, "after %s", s.timeout)
			}
			finish(StateFailed)
			return res, errors.Wrap(err, "stream: read chunk")
		}
		res.Chunks++

		switch chunk.Kind {
		case ChunkPartialText:
			if lastKind == ChunkToolInvocation {
				s.emit(KindSeparator)
			}
			lastKind = ChunkPartialText
			text.WriteString(chunk.Text)
			s.emit(chunk.Text)
		case ChunkToolInvocation:
			if lastKind == ChunkPartialText {
				s.emit(KindSeparator)
			}
			lastKind = ChunkToolInvocation
			tools.WriteString(chunk.Text)
			s.emit(chunk.Text)
		case ChunkMalformed:
			res.Malformed++
			log.Warn().Str("component", "stream").Str("session_id", s.id).
				Str("fragment", truncate(chunk.Text, 200)).
				Msg("skipping malformed chunk")
		case ChunkEndOfStream:
			collect()
			finish(StateCompleted)
			return res, nil
		default:
			res.Malformed++
			log.Warn().Str("component", "stream").Str("session_id", s.id).Int("kind", int(chunk.Kind)).Msg("skipping chunk of unknown kind")
		}
	}
}

func (s *Session) cancelRequested(ctx context.Context) bool {
	if s.ctl != nil && s.ctl.Signalled() {
		return true
	}
	return ctx.Err() != nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Collect runs a session without a controller and returns the buffered text.
// It is meant for background requests such as title generation.
func Collect(ctx context.Context, t Transport, req Request, timeout time.Duration) (string, error) {
	res, err := NewSession(t, nil, WithTimeout(timeout)).Run(ctx, req)
	if err != nil {
		return "", err
	}
	if res.State != StateCompleted {
		return "", errors.Errorf("stream: collect ended in state %s", res.State)
	}
	return res.Text, nil
}
