package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubHistory struct {
	msgs  []Message
	err   error
	calls int
}

func (s *stubHistory) GetMessages(_ context.Context, conversationID string, upTo int64) ([]Message, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := []Message{}
	for _, m := range s.msgs {
		if m.ConversationID != conversationID {
			continue
		}
		if upTo > 0 && m.ID > upTo {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func ptr(v int64) *int64 { return &v }

func linearHistory(convID string, n int) []Message {
	base := time.UnixMilli(1_700_000_000_000)
	roles := []Role{RoleSystem, RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	out := make([]Message, 0, n)
	for i := 1; i <= n; i++ {
		m := Message{
			ID:             int64(i),
			ConversationID: convID,
			Role:           roles[(i-1)%len(roles)],
			Content:        "m" + string(rune('0'+i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if i > 1 {
			m.ParentID = ptr(int64(i - 1))
		}
		out = append(out, m)
	}
	return out
}

func TestBuild_NewConversation(t *testing.T) {
	store := &stubHistory{}
	a := NewAssembler(store)

	got, err := a.Build(context.Background(), Checkpoint{}, "hello", "be brief")
	require.NoError(t, err)
	require.Equal(t, []ChatMessage{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hello"},
	}, got)
	require.Equal(t, 0, store.calls)
}

func TestBuild_RewindToEarlierMessage(t *testing.T) {
	store := &stubHistory{msgs: linearHistory("c1", 5)}
	a := NewAssembler(store)

	got, err := a.Build(context.Background(), Checkpoint{ConversationID: "c1", MessageID: 3}, "next", "sys")
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "m1", got[0].Content)
	require.Equal(t, "m2", got[1].Content)
	require.Equal(t, "m3", got[2].Content)
	require.Equal(t, ChatMessage{Role: RoleUser, Content: "next"}, got[3])
}

func TestBuild_BranchIgnoresSiblingMessages(t *testing.T) {
	msgs := linearHistory("c1", 5)
	base := msgs[4].CreatedAt
	// 6 and 7 branch off message 3; 4 and 5 belong to the abandoned branch.
	msgs = append(msgs,
		Message{ID: 6, ConversationID: "c1", Role: RoleUser, Content: "b6", ParentID: ptr(3), CreatedAt: base.Add(time.Second)},
		Message{ID: 7, ConversationID: "c1", Role: RoleAssistant, Content: "b7", ParentID: ptr(6), CreatedAt: base.Add(2 * time.Second)},
	)
	a := NewAssembler(&stubHistory{msgs: msgs})

	got, err := a.History(context.Background(), Checkpoint{ConversationID: "c1", MessageID: 7})
	require.NoError(t, err)
	contents := []string{}
	for _, m := range got {
		contents = append(contents, m.Content)
	}
	require.Equal(t, []string{"m1", "m2", "m3", "b6", "b7"}, contents)
}

func TestBuild_EmptyHistoryPrependsSystem(t *testing.T) {
	a := NewAssembler(&stubHistory{})

	got, err := a.Build(context.Background(), Checkpoint{ConversationID: "c-empty", MessageID: 9}, "hi", "sys")
	require.NoError(t, err)
	require.Equal(t, []ChatMessage{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, got)
}

func TestBuild_ZeroMessageIDTargetsLatest(t *testing.T) {
	a := NewAssembler(&stubHistory{msgs: linearHistory("c1", 3)})

	got, err := a.Build(context.Background(), Checkpoint{ConversationID: "c1"}, "q", "sys")
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "m3", got[2].Content)
}

func TestBuild_BrokenChain(t *testing.T) {
	msgs := linearHistory("c1", 3)
	msgs[1].ParentID = ptr(42)
	a := NewAssembler(&stubHistory{msgs: msgs})

	_, err := a.Build(context.Background(), Checkpoint{ConversationID: "c1", MessageID: 3}, "q", "sys")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBrokenChain))
}

func TestBuild_StoreErrorPropagates(t *testing.T) {
	a := NewAssembler(&stubHistory{err: errors.New("disk on fire")})

	_, err := a.Build(context.Background(), Checkpoint{ConversationID: "c1", MessageID: 1}, "q", "sys")
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk on fire")
}

func TestNavigationMap_AppendOnly(t *testing.T) {
	n := NewNavigationMap()
	_, ok := n.Latest()
	require.False(t, ok)

	require.Equal(t, 1, n.Append(Checkpoint{ConversationID: "c1", MessageID: 2}))
	require.Equal(t, 2, n.Append(Checkpoint{ConversationID: "c1", MessageID: 4}))

	cp, ok := n.Get(1)
	require.True(t, ok)
	require.Equal(t, int64(2), cp.MessageID)

	latest, ok := n.Latest()
	require.True(t, ok)
	require.Equal(t, int64(4), latest.MessageID)

	_, ok = n.Get(3)
	require.False(t, ok)
	require.Equal(t, 2, n.Len())
}

func TestAssemble_ParentAndFreshness(t *testing.T) {
	a := NewAssembler(&stubHistory{msgs: linearHistory("c1", 5)})

	asm, err := a.Assemble(context.Background(), Checkpoint{ConversationID: "c1", MessageID: 3}, "q", "sys")
	require.NoError(t, err)
	require.False(t, asm.StartsFresh())
	require.NotNil(t, asm.Parent())
	require.Equal(t, int64(3), *asm.Parent())
	require.Len(t, asm.Path, 3)

	asm, err = a.Assemble(context.Background(), Checkpoint{}, "q", "sys")
	require.NoError(t, err)
	require.True(t, asm.StartsFresh())
	require.Nil(t, asm.Parent())
	require.Len(t, asm.Messages, 2)
}
