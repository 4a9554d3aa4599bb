// Package direct streams completions straight from an OpenAI-compatible HTTP
// endpoint.
package direct

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

type Settings struct {
	BaseURL      string
	APIKey       string
	Organization string
}

type Transport struct {
	client *openai.Client
}

var _ stream.Transport = &Transport{}

func New(s Settings) *Transport {
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	if s.Organization != "" {
		cfg.OrgID = s.Organization
	}
	return &Transport{client: openai.NewClientWithConfig(cfg)}
}

func (t *Transport) Name() string { return "direct" }

func (t *Transport) Open(ctx context.Context, req stream.Request) (stream.Handle, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	s, err := t.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "direct transport: create completion stream")
	}
	h := &handle{
		id:      req.ID,
		s:       s,
		results: make(chan result),
		done:    make(chan struct{}),
	}
	go h.pump()
	return h, nil
}

type result struct {
	chunk stream.Chunk
	err   error
}

// handle moves the blocking Recv loop onto its own goroutine so Next can
// honour context deadlines.
type handle struct {
	id      string
	s       *openai.ChatCompletionStream
	results chan result
	done    chan struct{}
	once    sync.Once
}

func (h *handle) pump() {
	defer close(h.results)
	for {
		resp, err := h.s.Recv()
		var r result
		switch {
		case errors.Is(err, io.EOF):
			r = result{chunk: stream.EndOfStream()}
		case isDecodeError(err):
			r = result{chunk: stream.Malformed(err.Error())}
		case err != nil:
			r = result{err: err}
		default:
			c, ok := ChunkFromResponse(resp)
			if !ok {
				continue
			}
			r = result{chunk: c}
		}
		select {
		case h.results <- r:
		case <-h.done:
			return
		}
		if r.err != nil || r.chunk.Kind == stream.ChunkEndOfStream {
			return
		}
	}
}

func (h *handle) Next(ctx context.Context) (stream.Chunk, error) {
	select {
	case <-ctx.Done():
		return stream.Chunk{}, ctx.Err()
	case r, ok := <-h.results:
		if !ok {
			return stream.Chunk{}, io.ErrUnexpectedEOF
		}
		return r.chunk, r.err
	}
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		err = h.s.Close()
		log.Debug().Str("component", "direct").Str("request_id", h.id).Msg("stream closed")
	})
	return err
}

func isDecodeError(err error) bool {
	if err == nil {
		return false
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// ChunkFromResponse maps one streamed response onto a chunk. Responses without
// choices (usage trailers) report false.
func ChunkFromResponse(resp openai.ChatCompletionStreamResponse) (stream.Chunk, bool) {
	if len(resp.Choices) == 0 {
		return stream.Chunk{}, false
	}
	choice := resp.Choices[0]
	if len(choice.Delta.ToolCalls) > 0 {
		b, err := json.Marshal(choice.Delta.ToolCalls)
		if err != nil {
			return stream.Malformed(err.Error()), true
		}
		return stream.ToolInvocation(string(b)), true
	}
	if choice.Delta.Content == "" && choice.FinishReason != "" {
		return stream.EndOfStream(), true
	}
	return stream.PartialText(choice.Delta.Content), true
}
