package tokens

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/conversation"
)

const (
	// TokensPerMessage is the envelope every message is wrapped in.
	TokensPerMessage = 4
	// TokensPerName is applied when a name is present; the role is omitted then.
	TokensPerName = -1
	// ReplyPriming covers the assistant header the provider adds to every reply.
	ReplyPriming = 2
)

// BudgetExceededError is returned when a single remaining message still does
// not fit the budget. Such a request is never sent.
type BudgetExceededError struct {
	Budget int
	Tokens int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded: %d tokens in the last remaining message, budget is %d", e.Tokens, e.Budget)
}

// Truncation reports what EnforceBudget dropped.
type Truncation struct {
	Removed int
	Tokens  int
}

func (t Truncation) String() string {
	return fmt.Sprintf("removed %d message(s) from context, %d tokens remain", t.Removed, t.Tokens)
}

// Count returns the number of tokens msgs occupy in a request.
func Count(msgs []conversation.ChatMessage, tok Tokenizer) int {
	if len(msgs) == 0 {
		return 0
	}
	n := 0
	for _, m := range msgs {
		n += TokensPerMessage
		n += tok.Count(string(m.Role))
		n += tok.Count(m.Content)
		if m.Name != "" {
			n += tok.Count(m.Name)
			n += TokensPerName
		}
	}
	return n + ReplyPriming
}

// Options tunes EnforceBudget.
type Options struct {
	// PinSystem keeps a leading system message and drops the oldest message
	// after it instead.
	PinSystem bool
}

// EnforceBudget drops the oldest messages until msgs fits budget. The last
// message is never dropped: if it alone exceeds the budget a
// *BudgetExceededError is returned. The input slice is not modified.
func EnforceBudget(msgs []conversation.ChatMessage, budget int, tok Tokenizer, opts ...Options) ([]conversation.ChatMessage, Truncation, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if len(msgs) == 0 {
		return msgs, Truncation{}, nil
	}
	if budget <= 0 {
		return nil, Truncation{}, &BudgetExceededError{Budget: budget, Tokens: Count(msgs, tok)}
	}

	out := append([]conversation.ChatMessage(nil), msgs...)
	tokens := Count(out, tok)
	removed := 0
	for tokens > budget && len(out) > 1 {
		idx := 0
		if o.PinSystem && out[0].Role == conversation.RoleSystem && len(out) > 2 {
			idx = 1
		}
		out = append(out[:idx], out[idx+1:]...)
		removed++
		tokens = Count(out, tok)
	}
	if tokens > budget {
		return nil, Truncation{Removed: removed, Tokens: tokens}, &BudgetExceededError{Budget: budget, Tokens: tokens}
	}

	tr := Truncation{Removed: removed, Tokens: tokens}
	if removed > 0 {
		log.Warn().
			Str("component", "tokens").
			Int("removed", removed).
			Int("tokens", tokens).
			Int("budget", budget).
			Msg("context truncated to fit token budget")
	}
	return out, tr, nil
}
