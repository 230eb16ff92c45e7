package redis

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// FeedChannel maps a feed topic to its pub/sub channel name.
func FeedChannel(topic string) string {
	return "devicelink:feed:" + topic
}

// FeedTransport carries feed events over redis pub/sub so that every server
// instance sees events published by any other.
type FeedTransport struct {
	client *Client
}

func NewFeedTransport(client *Client) *FeedTransport {
	return &FeedTransport{client: client}
}

func (t *FeedTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, FeedChannel(topic), payload).Err()
}

func (t *FeedTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	channel := FeedChannel(topic)
	pubsub := t.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so nothing published after we
	// return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	log.Debug().
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
