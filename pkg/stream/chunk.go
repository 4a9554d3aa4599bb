package stream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/chatline/pkg/conversation"
)

type ChunkKind int

const (
	ChunkPartialText ChunkKind = iota
	ChunkToolInvocation
	ChunkMalformed
	ChunkEndOfStream
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkPartialText:
		return "partial_text"
	case ChunkToolInvocation:
		return "tool_invocation"
	case ChunkMalformed:
		return "malformed"
	case ChunkEndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// Chunk is one unit of transport output.
type Chunk struct {
	Kind ChunkKind
	// Text is the delta for PartialText, the payload for ToolInvocation and
	// the raw fragment for Malformed.
	Text string
}

func PartialText(delta string) Chunk { return Chunk{Kind: ChunkPartialText, Text: delta} }
func ToolInvocation(payload string) Chunk { return Chunk{Kind: ChunkToolInvocation, Text: payload} }
func Malformed(raw string) Chunk { return Chunk{Kind: ChunkMalformed, Text: raw} }
func EndOfStream() Chunk { return Chunk{Kind: ChunkEndOfStream} }

// Request is what a transport submits to the provider.
type Request struct {
	ID       string
	Model    string
	Messages []conversation.ChatMessage
}

// Transport opens a provider stream for a request.
type Transport interface {
	Name() string
	Open(ctx context.Context, req Request) (Handle, error)
}

// Handle yields the chunks of one open stream. Next must return ctx.Err()
// once ctx is done. Close releases everything the transport created for the
// stream and is safe to call more than once.
type Handle interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

type completionPayload struct {
	Choices []struct {
		Delta struct {
			Content   string            `json:"content"`
			ToolCalls []json.RawMessage `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// DecodeCompletionPayload decodes one OpenAI-compatible server-sent event
// payload (the part after "data: ").
func DecodeCompletionPayload(raw []byte) Chunk {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "data:")
	s = strings.TrimSpace(s)
	if s == "[DONE]" {
		return EndOfStream()
	}
	var p completionPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil || len(p.Choices) == 0 {
		return Malformed(s)
	}
	choice := p.Choices[0]
	if len(choice.Delta.ToolCalls) > 0 {
		parts := make([]string, 0, len(choice.Delta.ToolCalls))
		for _, tc := range choice.Delta.ToolCalls {
			parts = append(parts, string(tc))
		}
		return ToolInvocation(strings.Join(parts, "\n"))
	}
	if choice.Delta.Content == "" && choice.FinishReason != nil && *choice.FinishReason != "" {
		return EndOfStream()
	}
	return PartialText(choice.Delta.Content)
}
