package conversation

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var ErrBrokenChain = errors.New("conversation: message parent chain does not reach a root")

// HistoryReader is the read side of the persistence store. upTo == 0 returns
// every message of the conversation.
type HistoryReader interface {
	GetMessages(ctx context.Context, conversationID string, upTo int64) ([]Message, error)
}

// Assembler projects a conversation's stored history plus a new user message
// into the ordered list submitted to the provider. It never writes.
type Assembler struct {
	store HistoryReader
}

func NewAssembler(store HistoryReader) *Assembler {
	return &Assembler{store: store}
}

// Assembly is an assembled request context together with the stored path it
// was built from.
type Assembly struct {
	Messages []ChatMessage
	Path     []Message
}

// Parent is the stored message a new user message attaches to, nil when the
// conversation has no stored messages yet.
func (a Assembly) Parent() *int64 {
	if len(a.Path) == 0 {
		return nil
	}
	id := a.Path[len(a.Path)-1].ID
	return &id
}

// StartsFresh reports whether the leading system message was synthesized and
// still has to be stored.
func (a Assembly) StartsFresh() bool {
	return len(a.Path) == 0
}

// Build returns the context for a new user message attached at cp.
//
// For a new conversation the result is [system, user]. Otherwise the stored
// messages with id <= cp.MessageID are loaded and reduced to the ancestry of
// the target, which is what makes rewinding to (and branching from) an
// earlier message possible. A system message is prepended when no history
// survives.
func (a *Assembler) Build(ctx context.Context, cp Checkpoint, newUserText string, systemText string) ([]ChatMessage, error) {
	asm, err := a.Assemble(ctx, cp, newUserText, systemText)
	if err != nil {
		return nil, err
	}
	return asm.Messages, nil
}

func (a *Assembler) Assemble(ctx context.Context, cp Checkpoint, newUserText string, systemText string) (Assembly, error) {
	var path []Message
	if !cp.IsNew() {
		p, err := a.Path(ctx, cp)
		if err != nil {
			return Assembly{}, err
		}
		path = p
	}
	out := make([]ChatMessage, 0, len(path)+2)
	if len(path) == 0 {
		out = append(out, NewChatMessage(RoleSystem, systemText))
	}
	for _, m := range path {
		out = append(out, NewChatMessage(m.Role, m.Content))
	}
	out = append(out, NewChatMessage(RoleUser, newUserText))
	return Assembly{Messages: out, Path: path}, nil
}

// History returns the role/content projection of the path from the root to
// the checkpoint's message, inclusive.
func (a *Assembler) History(ctx context.Context, cp Checkpoint) ([]ChatMessage, error) {
	path, err := a.Path(ctx, cp)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(path))
	for _, m := range path {
		out = append(out, NewChatMessage(m.Role, m.Content))
	}
	return out, nil
}

// Path returns the stored messages from the root to the checkpoint's message.
// A zero MessageID targets the most recent message of the conversation.
func (a *Assembler) Path(ctx context.Context, cp Checkpoint) ([]Message, error) {
	if a == nil || a.store == nil {
		return nil, errors.New("conversation assembler: store is nil")
	}
	convID := strings.TrimSpace(cp.ConversationID)
	if convID == "" {
		return nil, nil
	}
	msgs, err := a.store.GetMessages(ctx, convID, cp.MessageID)
	if err != nil {
		return nil, errors.Wrap(err, "conversation assembler: load history")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	target := cp.MessageID
	if target == 0 {
		target = msgs[len(msgs)-1].ID
	}
	return ancestry(msgs, target)
}

func ancestry(msgs []Message, target int64) ([]Message, error) {
	index := make(map[int64]Message, len(msgs))
	for _, m := range msgs {
		index[m.ID] = m
	}
	cur, ok := index[target]
	if !ok {
		return nil, errors.Errorf("conversation assembler: message %d not found", target)
	}

	var rev []Message
	for steps := 0; ; steps++ {
		if steps > len(msgs) {
			return nil, ErrBrokenChain
		}
		rev = append(rev, cur)
		if cur.ParentID == nil {
			break
		}
		parent, ok := index[*cur.ParentID]
		if !ok {
			return nil, errors.Wrapf(ErrBrokenChain, "message %d references missing parent %d", cur.ID, *cur.ParentID)
		}
		cur = parent
	}

	out := make([]Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out, nil
}
