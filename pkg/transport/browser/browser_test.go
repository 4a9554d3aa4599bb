package browser

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakePage replays drain results and records released request ids.
type fakePage struct {
	drains   []drained
	released []string
	scripts  []string
}

func (p *fakePage) eval(ctx context.Context, script string, res interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.scripts = append(p.scripts, script)
	switch {
	case strings.Contains(script, "slot.abort.abort()"):
		p.released = append(p.released, script)
		return nil
	case strings.Contains(script, "queue.splice"):
		d := drained{}
		if len(p.drains) > 0 {
			d = p.drains[0]
			p.drains = p.drains[1:]
		}
		b, _ := json.Marshal(d)
		return json.Unmarshal(b, res)
	default:
		return nil
	}
}

func newFakeTransport(p *fakePage) *Transport {
	return &Transport{
		settings: Settings{Endpoint: "/v1/chat/completions", PollInterval: time.Millisecond},
		eval:     p.eval,
	}
}

func payload(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(b)
}

func TestTransport_PollsPageBuffer(t *testing.T) {
	p := &fakePage{drains: []drained{
		{},
		{Payloads: []string{payload("Hel")}},
		{},
		{Payloads: []string{payload("lo"), "data: [DONE]"}, Done: true},
	}}
	s := stream.NewSession(newFakeTransport(p), stream.NewController())

	res, err := s.Run(context.Background(), stream.Request{
		ID:       "req-1",
		Model:    "m",
		Messages: []conversation.ChatMessage{conversation.NewChatMessage(conversation.RoleUser, "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, stream.StateCompleted, res.State)
	require.Equal(t, "Hello", res.Text)
	require.Len(t, p.released, 1)
	require.Contains(t, p.released[0], `"req-1"`)
}

func TestTransport_DoneWithoutSentinelEndsStream(t *testing.T) {
	p := &fakePage{drains: []drained{
		{Payloads: []string{payload("A"), "data: {broken", payload("B")}, Done: true},
	}}
	s := stream.NewSession(newFakeTransport(p), nil)

	res, err := s.Run(context.Background(), stream.Request{ID: "r"})
	require.NoError(t, err)
	require.Equal(t, "AB", res.Text)
	require.Equal(t, 1, res.Malformed)
}

func TestTransport_PageErrorFails(t *testing.T) {
	p := &fakePage{drains: []drained{{Done: true, Error: "status 403"}}}
	s := stream.NewSession(newFakeTransport(p), nil)

	res, err := s.Run(context.Background(), stream.Request{ID: "r"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 403")
	require.Equal(t, stream.StateFailed, res.State)
	require.Len(t, p.released, 1)
}

func TestTransport_PageErrorAfterPartialPayloads(t *testing.T) {
	p := &fakePage{drains: []drained{
		{Payloads: []string{payload("Hel")}, Done: true, Error: "connection reset"},
	}}
	s := stream.NewSession(newFakeTransport(p), nil)

	res, err := s.Run(context.Background(), stream.Request{ID: "r"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
	require.Equal(t, stream.StateFailed, res.State)
	require.Equal(t, "Hel", res.Text)
	require.Len(t, p.released, 1)
}

func TestTransport_QuietPageTimesOut(t *testing.T) {
	p := &fakePage{}
	s := stream.NewSession(newFakeTransport(p), nil, stream.WithTimeout(20*time.Millisecond))

	res, err := s.Run(context.Background(), stream.Request{ID: "r"})
	require.Error(t, err)
	require.True(t, errors.Is(err, stream.ErrNoChunks))
	require.Equal(t, stream.StateFailed, res.State)
}

func TestStartScript_EmbedsRequest(t *testing.T) {
	script, err := StartScript(stream.Request{
		ID:       `id"quoted`,
		Model:    "gpt-4o",
		Messages: []conversation.ChatMessage{conversation.NewChatMessage(conversation.RoleSystem, "be brief")},
	}, "https://example.com/v1/chat/completions")
	require.NoError(t, err)
	require.Contains(t, script, `"id\"quoted"`)
	require.Contains(t, script, `"https://example.com/v1/chat/completions"`)
	require.Contains(t, script, `"stream":true`)
	require.Contains(t, script, `"content":"be brief"`)
}
