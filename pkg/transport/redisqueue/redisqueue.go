// Package redisqueue hands requests to a worker through a Redis stream and
// polls the worker's reply stream for completion payloads.
//
// Requests are appended to "<prefix>:requests" with the fields id and
// payload. The worker writes each server-sent payload to "<prefix>:reply:<id>"
// under the field data, ending with "[DONE]".
package redisqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPrefix       = "chatline"
	DefaultPollInterval = 250 * time.Millisecond
)

type Settings struct {
	Addr         string
	Prefix       string
	PollInterval time.Duration
}

// client is the subset of the go-redis API the transport uses.
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Transport struct {
	rdb    client
	prefix string
	poll   time.Duration
	closer func() error
}

var _ stream.Transport = &Transport{}

func New(s Settings) *Transport {
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr})
	t := newTransport(rdb, s)
	t.closer = rdb.Close
	return t
}

func newTransport(rdb client, s Settings) *Transport {
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	return &Transport{rdb: rdb, prefix: s.Prefix, poll: s.PollInterval}
}

func (t *Transport) Name() string { return "redis" }

func (t *Transport) RequestStream() string { return t.prefix + ":requests" }

func (t *Transport) ReplyStream(id string) string { return t.prefix + ":reply:" + id }

// Shutdown closes the underlying client.
func (t *Transport) Shutdown() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

type queuedRequest struct {
	Model    string          `json:"model"`
	Messages []queuedMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type queuedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

func (t *Transport) Open(ctx context.Context, req stream.Request) (stream.Handle, error) {
	if req.ID == "" {
		return nil, errors.New("redis transport: request id is required")
	}
	body := queuedRequest{Model: req.Model, Stream: true}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, queuedMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "redis transport: encode request")
	}
	entryID, err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.RequestStream(),
		Values: map[string]interface{}{"id": req.ID, "payload": string(payload)},
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis transport: enqueue request")
	}
	log.Debug().Str("component", "redisqueue").Str("request_id", req.ID).Str("entry_id", entryID).Str("stream", t.RequestStream()).Msg("request enqueued")
	return &handle{t: t, id: req.ID, entryID: entryID, key: t.ReplyStream(req.ID), lastID: "0"}, nil
}

type handle struct {
	t       *Transport
	id      string
	entryID string
	key     string
	lastID  string
	pending []stream.Chunk
	closed  bool
}

func (h *handle) Next(ctx context.Context) (stream.Chunk, error) {
	for len(h.pending) == 0 {
		streams, err := h.t.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{h.key, h.lastID},
			Count:   64,
			Block:   h.t.poll,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return stream.Chunk{}, ctx.Err()
			}
			return stream.Chunk{}, errors.Wrap(err, "redis transport: read reply stream")
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				h.lastID = m.ID
				h.pending = append(h.pending, DecodeEntry(m))
			}
		}
		if len(h.pending) == 0 {
			if err := ctx.Err(); err != nil {
				return stream.Chunk{}, err
			}
		}
	}
	c := h.pending[0]
	h.pending = h.pending[1:]
	return c, nil
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Both the queued request and the reply stream belong to this handle.
	var first error
	if err := h.t.rdb.XDel(ctx, h.t.RequestStream(), h.entryID).Err(); err != nil {
		first = errors.Wrap(err, "redis transport: delete request entry")
	}
	if err := h.t.rdb.Del(ctx, h.key).Err(); err != nil && first == nil {
		first = errors.Wrap(err, "redis transport: delete reply stream")
	}
	return first
}

// DecodeEntry maps one reply stream entry onto a chunk.
func DecodeEntry(m redis.XMessage) stream.Chunk {
	raw, ok := m.Values["data"]
	if !ok {
		return stream.Malformed("entry " + m.ID + " has no data field")
	}
	s, ok := raw.(string)
	if !ok {
		return stream.Malformed("entry " + m.ID + " has a non-string data field")
	}
	return stream.DecodeCompletionPayload([]byte(s))
}
