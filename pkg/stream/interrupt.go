package stream

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrSessionActive = errors.New("stream: a session is already active")

// Controller owns the single cooperative cancellation flag of an engine. The
// flag is scoped to the currently active session and is only observed at
// chunk boundaries.
type Controller struct {
	mu        sync.Mutex
	owner     string
	reason    string
	done      chan struct{}
	signalled atomic.Bool
}

func NewController() *Controller {
	return &Controller{}
}

// Begin claims the controller for sessionID. Claiming while another session
// is active fails with ErrSessionActive.
func (c *Controller) Begin(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != "" {
		return errors.Wrapf(ErrSessionActive, "session %s", c.owner)
	}
	c.owner = sessionID
	c.reason = ""
	c.done = make(chan struct{})
	c.signalled.Store(false)
	return nil
}

// End releases the controller and resets the flag. Ending a session that
// does not own the controller does nothing.
func (c *Controller) End(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != sessionID {
		return
	}
	c.owner = ""
	c.reason = ""
	c.signalled.Store(false)
}

// Interrupt raises the flag on behalf of the user. It reports whether a
// session was active.
func (c *Controller) Interrupt() bool {
	return c.Cancel("interrupted")
}

// Cancel raises the flag programmatically, for example on a caller timeout.
func (c *Controller) Cancel(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == "" {
		return false
	}
	if !c.signalled.Load() {
		c.reason = reason
		close(c.done)
	}
	c.signalled.Store(true)
	log.Debug().Str("component", "stream").Str("session_id", c.owner).Str("reason", reason).Msg("cancellation requested")
	return true
}

// Done is closed when the current session is signalled. It is nil before the
// first Begin.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) Signalled() bool {
	return c.signalled.Load()
}

func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner, c.owner != ""
}

// NotifySignals turns the given OS signals into Interrupt calls until ctx is
// done or the returned stop function is called. Signals that arrive while no
// session is active are passed to onIdle, if set.
func NotifySignals(ctx context.Context, c *Controller, onIdle func(os.Signal), sig ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case s := <-ch:
				if !c.Interrupt() && onIdle != nil {
					onIdle(s)
				}
			}
		}
	}()
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
