package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/stream"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, lines []string, hang <-chan struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body["stream"] != true {
			http.Error(w, "stream must be set", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for _, l := range lines {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", l)
			f.Flush()
		}
		if hang != nil {
			select {
			case <-hang:
			case <-r.Context().Done():
			}
		}
	}))
}

func delta(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, content)
}

func TestTransport_StreamsIntoSession(t *testing.T) {
	srv := sseServer(t, []string{delta("Hel"), delta("lo"), "[DONE]"}, nil)
	defer srv.Close()

	tr := New(Settings{BaseURL: srv.URL + "/v1", APIKey: "test"})
	s := stream.NewSession(tr, stream.NewController())
	res, err := s.Run(context.Background(), stream.Request{
		Model:    "gpt-4o-mini",
		Messages: []conversation.ChatMessage{conversation.NewChatMessage(conversation.RoleUser, "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, stream.StateCompleted, res.State)
	require.Equal(t, "Hello", res.Text)
}

func TestTransport_NextHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := sseServer(t, []string{delta("partial")}, release)
	defer srv.Close()
	defer close(release)

	tr := New(Settings{BaseURL: srv.URL + "/v1"})
	h, err := tr.Open(context.Background(), stream.Request{Model: "m"})
	require.NoError(t, err)

	c, err := h.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, stream.PartialText("partial"), c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestTransport_OpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	s := stream.NewSession(New(Settings{BaseURL: srv.URL + "/v1"}), nil)
	res, err := s.Run(context.Background(), stream.Request{Model: "m"})
	require.Error(t, err)
	var oe *stream.TransportOpenError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "direct", oe.Transport)
	require.Equal(t, stream.StateFailed, res.State)
}

func TestChunkFromResponse(t *testing.T) {
	_, ok := ChunkFromResponse(openai.ChatCompletionStreamResponse{})
	require.False(t, ok)

	c, ok := ChunkFromResponse(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "x"}}},
	})
	require.True(t, ok)
	require.Equal(t, stream.PartialText("x"), c)

	c, _ = ChunkFromResponse(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonStop}},
	})
	require.Equal(t, stream.EndOfStream(), c)

	c, _ = ChunkFromResponse(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{
			ToolCalls: []openai.ToolCall{{ID: "t1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "lookup"}}},
		}}},
	})
	require.Equal(t, stream.ChunkToolInvocation, c.Kind)
	require.Contains(t, c.Text, "lookup")
}

func TestIsDecodeError(t *testing.T) {
	var v map[string]int
	err := json.Unmarshal([]byte(`{"a":`), &v)
	require.True(t, isDecodeError(err))
	require.False(t, isDecodeError(nil))
	require.False(t, isDecodeError(context.Canceled))
}
