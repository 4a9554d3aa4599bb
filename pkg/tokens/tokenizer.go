package tokens

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	tiktoken "github.com/weaviate/tiktoken-go"
)

// Tokenizer counts the tokens of a piece of text for one encoding.
type Tokenizer interface {
	Name() string
	Count(text string) int
}

type Backend string

const (
	BackendTiktoken  Backend = "tiktoken"
	BackendWeaviate  Backend = "weaviate"
	BackendHeuristic Backend = "heuristic"

	DefaultEncoding = "cl100k_base"
)

// DefaultEncodingForModel maps a model identifier onto an encoding name.
// Unknown identifiers fall back to DefaultEncoding.
func DefaultEncodingForModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "o200k_base"
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5-turbo"),
		strings.HasPrefix(model, "text-embedding-ada-002"):
		return "cl100k_base"
	case strings.HasPrefix(model, "text-davinci-002"),
		strings.HasPrefix(model, "text-davinci-003"):
		return "p50k_base"
	case strings.HasPrefix(model, "davinci"),
		strings.HasPrefix(model, "curie"),
		strings.HasPrefix(model, "babbage"),
		strings.HasPrefix(model, "ada"):
		return "r50k_base"
	default:
		return DefaultEncoding
	}
}

var (
	cacheMu sync.Mutex
	cache   = map[string]Tokenizer{}
)

// ForModel returns a tokenizer for model using the given backend. An explicit
// encoding overrides the model lookup. Encodings the backend cannot load fall
// back to DefaultEncoding.
func ForModel(backend Backend, model string, encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncodingForModel(model)
	}
	if backend == "" {
		backend = BackendTiktoken
	}
	key := string(backend) + "|" + encoding

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if t, ok := cache[key]; ok {
		return t, nil
	}

	t, err := load(backend, encoding)
	if err != nil && encoding != DefaultEncoding {
		log.Warn().Err(err).
			Str("component", "tokens").
			Str("model", model).
			Str("encoding", encoding).
			Msg("unsupported encoding, falling back to default")
		t, err = load(backend, DefaultEncoding)
	}
	if err != nil {
		return nil, err
	}
	cache[key] = t
	return t, nil
}

func load(backend Backend, encoding string) (Tokenizer, error) {
	switch backend {
	case BackendTiktoken:
		codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
		if err != nil {
			return nil, errors.Wrapf(err, "tokens: load tiktoken codec %q", encoding)
		}
		return &CodecTokenizer{name: encoding, codec: codec}, nil
	case BackendWeaviate:
		enc, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			return nil, errors.Wrapf(err, "tokens: load bpe encoding %q", encoding)
		}
		return &BPETokenizer{name: encoding, enc: enc}, nil
	case BackendHeuristic:
		return Heuristic{}, nil
	default:
		return nil, errors.Errorf("tokens: unknown backend %q", backend)
	}
}

// CodecTokenizer counts with github.com/tiktoken-go/tokenizer, whose
// vocabularies are embedded in the binary.
type CodecTokenizer struct {
	name  string
	codec tokenizer.Codec
}

func (c *CodecTokenizer) Name() string { return c.name }

func (c *CodecTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		log.Warn().Err(err).Str("component", "tokens").Str("encoding", c.name).Msg("encode failed, using heuristic count")
		return Heuristic{}.Count(text)
	}
	return len(ids)
}

// Codec exposes the underlying codec for encode/decode commands.
func (c *CodecTokenizer) Codec() tokenizer.Codec { return c.codec }

// BPETokenizer counts with github.com/weaviate/tiktoken-go.
type BPETokenizer struct {
	name string
	enc  *tiktoken.Tiktoken
}

func (b *BPETokenizer) Name() string { return b.name }

func (b *BPETokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(b.enc.Encode(text, nil, nil))
}

// Heuristic approximates one token per four bytes, rounding up.
type Heuristic struct{}

func (Heuristic) Name() string { return "heuristic" }

func (Heuristic) Count(text string) int {
	return (len(text) + 3) / 4
}
