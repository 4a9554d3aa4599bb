// Package events publishes engine lifecycle events on a watermill topic so that
// other processes (a web view, a logger, a recorder) can follow a conversation
// while it streams.
package events

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultTopic = "chatline.events"

type Type string

const (
	TypeSessionState Type = "session.state"
	TypeDelta        Type = "session.delta"
	TypePersisted    Type = "exchange.persisted"
	TypeTitle        Type = "conversation.title"
)

type Event struct {
	Type           Type      `json:"type"`
	SessionID      string    `json:"session_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          string    `json:"state,omitempty"`
	Delta          string    `json:"delta,omitempty"`
	MessageID      int64     `json:"message_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	At             time.Time `json:"at"`
}

// Sink receives engine events. Publishing never blocks generation on errors.
type Sink interface {
	Publish(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// WatermillSink encodes events as JSON watermill messages.
type WatermillSink struct {
	pub   message.Publisher
	topic string
}

var _ Sink = &WatermillSink{}

func NewWatermillSink(pub message.Publisher, topic string) *WatermillSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillSink{pub: pub, topic: topic}
}

func (s *WatermillSink) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "events").Msg("failed to encode event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set("type", string(ev.Type))
	if err := s.pub.Publish(s.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "events").Str("topic", s.topic).Str("type", string(ev.Type)).Msg("failed to publish event")
	}
}

func Decode(msg *message.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "events: decode payload")
	}
	return ev, nil
}
