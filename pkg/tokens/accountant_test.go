package tokens

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/conversation"
)

// wordTokenizer counts whitespace separated words, which keeps the arithmetic
// in these tests readable.
type wordTokenizer struct{}

func (wordTokenizer) Name() string { return "words" }

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func msg(role conversation.Role, n int) conversation.ChatMessage {
	return conversation.NewChatMessage(role, words(n))
}

func TestCount_Empty(t *testing.T) {
	require.Equal(t, 0, Count(nil, wordTokenizer{}))
}

func TestCount_EnvelopeAndPriming(t *testing.T) {
	msgs := []conversation.ChatMessage{msg(conversation.RoleUser, 3)}
	// 4 envelope + 1 role + 3 content + 2 priming
	require.Equal(t, 10, Count(msgs, wordTokenizer{}))
}

func TestCount_NameDiscount(t *testing.T) {
	plain := []conversation.ChatMessage{msg(conversation.RoleUser, 3)}
	named := []conversation.ChatMessage{{Role: conversation.RoleUser, Content: words(3), Name: "alice"}}
	// name costs one token for its text and gives one back
	require.Equal(t, Count(plain, wordTokenizer{}), Count(named, wordTokenizer{}))
}

func TestCount_Monotonic(t *testing.T) {
	tok := wordTokenizer{}
	msgs := []conversation.ChatMessage{}
	prev := Count(msgs, tok)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, msg(conversation.RoleUser, i))
		cur := Count(msgs, tok)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	for i := range msgs {
		msgs[i].Content += " more words"
		cur := Count(msgs, tok)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestEnforceBudget_FitsUnchanged(t *testing.T) {
	msgs := []conversation.ChatMessage{
		msg(conversation.RoleSystem, 5),
		msg(conversation.RoleUser, 3000),
	}
	out, tr, err := EnforceBudget(msgs, 4000, wordTokenizer{})
	require.NoError(t, err)
	require.Equal(t, msgs, out)
	require.Equal(t, 0, tr.Removed)
}

func TestEnforceBudget_DropsOldestFirst(t *testing.T) {
	msgs := []conversation.ChatMessage{
		{Role: conversation.RoleUser, Content: "a " + words(1999)},
		{Role: conversation.RoleAssistant, Content: "b " + words(1999)},
		{Role: conversation.RoleUser, Content: "c " + words(1999)},
	}
	out, tr, err := EnforceBudget(msgs, 3000, wordTokenizer{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, strings.HasPrefix(out[0].Content, "c "))
	require.Equal(t, 2, tr.Removed)
	require.Equal(t, Count(out, wordTokenizer{}), tr.Tokens)
	require.LessOrEqual(t, tr.Tokens, 3000)
	require.Len(t, msgs, 3, "input must not be modified")
}

func TestEnforceBudget_SystemIsDroppedWhenOldest(t *testing.T) {
	msgs := []conversation.ChatMessage{
		msg(conversation.RoleSystem, 50),
		msg(conversation.RoleUser, 50),
	}
	out, tr, err := EnforceBudget(msgs, 60, wordTokenizer{})
	require.NoError(t, err)
	require.Equal(t, 1, tr.Removed)
	require.Equal(t, conversation.RoleUser, out[0].Role)
}

func TestEnforceBudget_PinSystem(t *testing.T) {
	msgs := []conversation.ChatMessage{
		msg(conversation.RoleSystem, 5),
		msg(conversation.RoleUser, 50),
		msg(conversation.RoleAssistant, 50),
		msg(conversation.RoleUser, 5),
	}
	out, tr, err := EnforceBudget(msgs, 40, wordTokenizer{}, Options{PinSystem: true})
	require.NoError(t, err)
	require.Equal(t, 2, tr.Removed)
	require.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser}, []conversation.Role{out[0].Role, out[1].Role})
}

func TestEnforceBudget_LastMessageTooLarge(t *testing.T) {
	msgs := []conversation.ChatMessage{
		msg(conversation.RoleSystem, 5),
		msg(conversation.RoleUser, 500),
	}
	out, _, err := EnforceBudget(msgs, 100, wordTokenizer{})
	require.Error(t, err)
	require.Nil(t, out)

	var be *BudgetExceededError
	require.True(t, errors.As(err, &be))
	require.Equal(t, 100, be.Budget)
	require.Greater(t, be.Tokens, 100)
}

func TestEnforceBudget_NonPositiveBudget(t *testing.T) {
	_, _, err := EnforceBudget([]conversation.ChatMessage{msg(conversation.RoleUser, 1)}, 0, wordTokenizer{})
	var be *BudgetExceededError
	require.True(t, errors.As(err, &be))

	out, tr, err := EnforceBudget(nil, 0, wordTokenizer{})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, 0, tr.Removed)
}

func TestEnforceBudget_NeverGrows(t *testing.T) {
	tok := wordTokenizer{}
	for budget := 1; budget < 200; budget += 7 {
		msgs := []conversation.ChatMessage{
			msg(conversation.RoleSystem, 10),
			msg(conversation.RoleUser, 20),
			msg(conversation.RoleAssistant, 30),
			msg(conversation.RoleUser, 5),
		}
		out, _, err := EnforceBudget(msgs, budget, tok)
		if err != nil {
			continue
		}
		require.LessOrEqual(t, len(out), len(msgs))
		require.LessOrEqual(t, Count(out, tok), budget)
		require.Equal(t, msgs[len(msgs)-1], out[len(out)-1])
	}
}

func TestDefaultEncodingForModel(t *testing.T) {
	require.Equal(t, "cl100k_base", DefaultEncodingForModel("gpt-4"))
	require.Equal(t, "cl100k_base", DefaultEncodingForModel("gpt-3.5-turbo-0613"))
	require.Equal(t, "o200k_base", DefaultEncodingForModel("gpt-4o-mini"))
	require.Equal(t, "p50k_base", DefaultEncodingForModel("text-davinci-003"))
	require.Equal(t, DefaultEncoding, DefaultEncodingForModel("some-local-model"))
}

func TestForModel_Tiktoken(t *testing.T) {
	tok, err := ForModel(BackendTiktoken, "gpt-4", "")
	require.NoError(t, err)
	require.Equal(t, "cl100k_base", tok.Name())
	require.Equal(t, 2, tok.Count("hello world"))
	require.Equal(t, 0, tok.Count(""))

	unknown, err := ForModel(BackendTiktoken, "my-finetune", "")
	require.NoError(t, err)
	require.Equal(t, DefaultEncoding, unknown.Name())

	fallback, err := ForModel(BackendTiktoken, "gpt-4", "no_such_encoding")
	require.NoError(t, err)
	require.Equal(t, DefaultEncoding, fallback.Name())
}

func TestHeuristic(t *testing.T) {
	h := Heuristic{}
	require.Equal(t, 0, h.Count(""))
	require.Equal(t, 1, h.Count("abc"))
	require.Equal(t, 2, h.Count("abcde"))
}
