package events

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds the Redis Streams transport configuration for events.
type Settings struct {
	RedisEnabled bool
	Addr         string
	Group        string
	Consumer     string
	Topic        string
}

// Bus is a publisher/subscriber pair. With Redis disabled it is an in-process
// go channel.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Topic      string
	closers    []func() error
}

// Build constructs a Bus backed by Redis Streams when enabled.
func Build(s Settings) (*Bus, error) {
	logger := NewZerologAdapter(log.Logger)
	topic := s.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	if !s.RedisEnabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Bus{Publisher: ch, Subscriber: ch, Topic: topic, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis subscriber")
	}
	return &Bus{
		Publisher:  pub,
		Subscriber: sub,
		Topic:      topic,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

func (b *Bus) Sink() *WatermillSink {
	return NewWatermillSink(b.Publisher, b.Topic)
}

// Follow calls fn for each decoded event until ctx is done. Undecodable
// messages are logged and skipped.
func (b *Bus) Follow(ctx context.Context, fn func(Event)) error {
	msgs, err := b.Subscriber.Subscribe(ctx, b.Topic)
	if err != nil {
		return errors.Wrap(err, "events: subscribe")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			msg.Ack()
			ev, err := Decode(msg)
			if err != nil {
				log.Warn().Err(err).Str("component", "events").Str("message_id", msg.UUID).Msg("skipping event")
				continue
			}
			fn(ev)
		}
	}
}

func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so a new follower does not replay old conversations.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "events: create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
