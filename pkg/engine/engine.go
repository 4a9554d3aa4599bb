// Package engine runs one exchange at a time: it assembles the context for a
// checkpoint, fits it into the token budget, streams the reply through a
// transport and stores the exchange once the session ended well.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/go-go-golems/chatline/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrEmptyPrompt         = errors.New("engine: prompt is empty")
	ErrUnknownConversation = errors.New("engine: unknown conversation")
)

// PersistenceError is returned when the store rejected a write after the
// session ended. Messages written before the failure stay in the store, so the
// caller should re-read the conversation before continuing it.
type PersistenceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("engine: persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine: persist %s (conversation %s): %v", e.Op, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type Config struct {
	Model        string
	Provider     string
	OwnerID      string
	SystemPrompt string
	Budget       int
	Timeout      time.Duration
	// PinSystem keeps a leading system message when truncating.
	PinSystem bool

	Titles       bool
	TitleModel   string
	TitleTimeout time.Duration
}

type Option func(*Engine)

func WithSink(s events.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithTitleTransport sends title requests through t instead of the main transport.
func WithTitleTransport(t stream.Transport) Option {
	return func(e *Engine) { e.titleTransport = t }
}

func WithController(c *stream.Controller) Option {
	return func(e *Engine) {
		if c != nil {
			e.ctl = c
		}
	}
}

// Engine owns the single active session slot, the navigation map and the
// background title tasks of one interactive client.
type Engine struct {
	cfg            Config
	store          chatstore.Store
	assembler      *conversation.Assembler
	tok            tokens.Tokenizer
	transport      stream.Transport
	titleTransport stream.Transport
	ctl            *stream.Controller
	sink           events.Sink
	nav            *conversation.NavigationMap

	titles  singleflight.Group
	titleWG sync.WaitGroup
	bgCtx   context.Context
	bgStop  context.CancelFunc
}

func New(cfg Config, store chatstore.Store, tok tokens.Tokenizer, transport stream.Transport, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is nil")
	}
	if tok == nil {
		return nil, errors.New("engine: tokenizer is nil")
	}
	if transport == nil {
		return nil, errors.New("engine: transport is nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = stream.DefaultTimeout
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 20 * time.Second
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = cfg.Model
	}
	bgCtx, bgStop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:            cfg,
		store:          store,
		assembler:      conversation.NewAssembler(store),
		tok:            tok,
		transport:      transport,
		titleTransport: transport,
		ctl:            stream.NewController(),
		sink:           events.Discard{},
		nav:            conversation.NewNavigationMap(),
		bgCtx:          bgCtx,
		bgStop:         bgStop,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Navigation returns the navigation map. It must only be used from the
// goroutine that calls Ask and Wait.
func (e *Engine) Navigation() *conversation.NavigationMap { return e.nav }

func (e *Engine) Controller() *stream.Controller { return e.ctl }

// Interrupt stops the active session at its next chunk boundary.
func (e *Engine) Interrupt() bool { return e.ctl.Interrupt() }

// Cancel is Interrupt with a reason, for programmatic cancellation.
func (e *Engine) Cancel(reason string) bool { return e.ctl.Cancel(reason) }

// Close waits for background title tasks to finish.
func (e *Engine) Close() error {
	e.titleWG.Wait()
	e.bgStop()
	return nil
}

type AskRequest struct {
	Text string
	// Checkpoint is where the exchange attaches. The zero value starts a new
	// conversation.
	Checkpoint conversation.Checkpoint
	// OnDelta receives output as it arrives. Ask calls it on the caller's
	// goroutine.
	OnDelta func(delta string)
}

// Reply is the outcome of an exchange that reached Completed or Cancelled.
type Reply struct {
	ConversationID string
	Text           string
	ToolText       string
	State          stream.State
	Stopped        bool
	TimedOut       bool
	// Stored is false when the session produced no text and nothing was written.
	Stored     bool
	Sent       []conversation.ChatMessage
	Truncation tokens.Truncation
	Warnings   []string

	UserMessage      conversation.Message
	AssistantMessage conversation.Message
	Checkpoint       conversation.Checkpoint
	Counter          int
}

// Output is the text shown to the user, with the stopped marker when the
// generation was interrupted.
func (r *Reply) Output() string {
	if r == nil {
		return ""
	}
	res := stream.Result{Text: r.Text, Stopped: r.Stopped}
	return res.Output()
}

type prepared struct {
	req      AskRequest
	asm      conversation.Assembly
	sent     []conversation.ChatMessage
	trunc    tokens.Truncation
	warnings []string
}

func (e *Engine) prepare(ctx context.Context, req AskRequest) (*prepared, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyPrompt
	}
	if _, active := e.ctl.Active(); active {
		return nil, stream.ErrSessionActive
	}
	cp := req.Checkpoint
	if !cp.IsNew() {
		if _, ok, err := e.store.GetConversation(ctx, cp.ConversationID); err != nil {
			return nil, errors.Wrap(err, "engine: load conversation")
		} else if !ok {
			return nil, errors.Wrapf(ErrUnknownConversation, "%s", cp.ConversationID)
		}
	}

	asm, err := e.assembler.Assemble(ctx, cp, req.Text, e.cfg.SystemPrompt)
	if err != nil {
		return nil, err
	}
	sent, trunc, err := tokens.EnforceBudget(asm.Messages, e.cfg.Budget, e.tok, tokens.Options{PinSystem: e.cfg.PinSystem})
	if err != nil {
		return nil, err
	}
	p := &prepared{req: req, asm: asm, sent: sent, trunc: trunc}
	if trunc.Removed > 0 {
		p.warnings = append(p.warnings, trunc.String())
	}
	return p, nil
}

func (e *Engine) newSession(p *prepared, onDelta func(string)) *stream.Session {
	convID := p.req.Checkpoint.ConversationID
	return stream.NewSession(e.transport, e.ctl,
		stream.WithTimeout(e.cfg.Timeout),
		stream.WithDeltaConsumer(func(d string) {
			e.sink.Publish(events.Event{Type: events.TypeDelta, ConversationID: convID, Delta: d})
			if onDelta != nil {
				onDelta(d)
			}
		}),
		stream.WithStateObserver(func(id string, st stream.State) {
			e.sink.Publish(events.Event{Type: events.TypeSessionState, SessionID: id, ConversationID: convID, State: st.String()})
		}),
	)
}

func (e *Engine) request(p *prepared, sessionID string) stream.Request {
	return stream.Request{ID: sessionID, Model: e.cfg.Model, Messages: p.sent}
}

// Ask runs one exchange on the caller's goroutine.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (*Reply, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	s := e.newSession(p, req.OnDelta)
	if err := s.Claim(); err != nil {
		return nil, err
	}
	res, err := s.Run(ctx, e.request(p, s.ID()))
	return e.finish(ctx, p, res, err)
}

// finish stores a successful exchange and advances the navigation map.
func (e *Engine) finish(ctx context.Context, p *prepared, res *stream.Result, runErr error) (*Reply, error) {
	if runErr != nil {
		return nil, runErr
	}
	reply := &Reply{
		ConversationID: p.req.Checkpoint.ConversationID,
		Text:           res.Text,
		ToolText:       res.ToolText,
		State:          res.State,
		Stopped:        res.Stopped,
		TimedOut:       res.TimedOut,
		Sent:           p.sent,
		Truncation:     p.trunc,
		Warnings:       append([]string(nil), p.warnings...),
	}
	if res.TimedOut {
		reply.Warnings = append(reply.Warnings, "stream went quiet, reply may be incomplete")
	}
	if res.Text == "" {
		reply.Warnings = append(reply.Warnings, "no text was generated, nothing stored")
		return reply, nil
	}

	// A cancelled caller context still stores the partial reply.
	if err := e.persist(context.WithoutCancel(ctx), p, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (e *Engine) persist(ctx context.Context, p *prepared, reply *Reply) error {
	convID := p.req.Checkpoint.ConversationID
	if convID == "" {
		conv, err := e.store.CreateConversation(ctx, e.cfg.OwnerID, e.cfg.Model, e.cfg.Provider)
		if err != nil {
			return &PersistenceError{Op: "create conversation", Err: err}
		}
		convID = conv.ID
	}

	parent := p.asm.Parent()
	if p.asm.StartsFresh() {
		sys, err := e.store.AppendMessage(ctx, convID, nil, conversation.RoleSystem, e.cfg.SystemPrompt)
		if err != nil {
			return &PersistenceError{Op: "append system message", ConversationID: convID, Err: err}
		}
		parent = &sys.ID
	}
	user, err := e.store.AppendMessage(ctx, convID, parent, conversation.RoleUser, p.req.Text)
	if err != nil {
		return &PersistenceError{Op: "append user message", ConversationID: convID, Err: err}
	}
	assistant, err := e.store.AppendMessage(ctx, convID, &user.ID, conversation.RoleAssistant, reply.Text)
	if err != nil {
		return &PersistenceError{Op: "append assistant message", ConversationID: convID, Err: err}
	}

	cp := conversation.Checkpoint{ConversationID: convID, MessageID: assistant.ID}
	reply.ConversationID = convID
	reply.UserMessage = user
	reply.AssistantMessage = assistant
	reply.Checkpoint = cp
	reply.Counter = e.nav.Append(cp)
	reply.Stored = true

	log.Debug().Str("component", "engine").Str("conv_id", convID).
		Int64("assistant_id", assistant.ID).Int("counter", reply.Counter).
		Msg("exchange stored")
	e.sink.Publish(events.Event{Type: events.TypePersisted, ConversationID: convID, MessageID: assistant.ID})

	if p.asm.StartsFresh() && e.cfg.Titles {
		e.generateTitle(convID, p.req.Text, reply.Text)
	}
	return nil
}
