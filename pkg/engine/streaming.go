package engine

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatline/pkg/stream"
)

const deltaBuffer = 256

// StreamingReply is an exchange whose session runs on its own goroutine.
// Deltas can be read while it runs; Wait stores the exchange on the calling
// goroutine.
type StreamingReply struct {
	e       *Engine
	ctx     context.Context
	p       *prepared
	session *stream.Session
	deltas  chan string
	done    chan struct{}

	res    *stream.Result
	runErr error

	once  sync.Once
	reply *Reply
	err   error
}

// AskStreaming validates and assembles the request and claims the session
// slot synchronously, then runs the session in the background. Budget,
// assembly and slot errors are returned here; session errors are returned by
// Wait.
func (e *Engine) AskStreaming(ctx context.Context, req AskRequest) (*StreamingReply, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	sr := &StreamingReply{
		e:      e,
		ctx:    ctx,
		p:      p,
		deltas: make(chan string, deltaBuffer),
		done:   make(chan struct{}),
	}
	sr.session = e.newSession(p, func(d string) {
		if req.OnDelta != nil {
			req.OnDelta(d)
		}
		sr.deltas <- d
	})
	// The slot is taken here so Cancel works as soon as AskStreaming returns.
	if err := sr.session.Claim(); err != nil {
		return nil, err
	}
	go func() {
		defer close(sr.done)
		defer close(sr.deltas)
		sr.res, sr.runErr = sr.session.Run(ctx, e.request(p, sr.session.ID()))
	}()
	return sr, nil
}

func (s *StreamingReply) SessionID() string { return s.session.ID() }

// Deltas is closed when the session reached a terminal state.
func (s *StreamingReply) Deltas() <-chan string { return s.deltas }

// Cancel stops the session at its next chunk boundary.
func (s *StreamingReply) Cancel() bool { return s.e.Cancel("caller cancelled") }

// Wait blocks until the session ended and stores the exchange. Deltas that
// were not read are discarded. Wait may be called more than once.
func (s *StreamingReply) Wait() (*Reply, error) {
	s.once.Do(func() {
		for range s.deltas {
		}
		<-s.done
		s.reply, s.err = s.e.finish(s.ctx, s.p, s.res, s.runErr)
	})
	return s.reply, s.err
}
