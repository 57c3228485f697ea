package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "queue:changes:"

// ChannelFor is the pub/sub channel carrying change signals for a provider.
func ChannelFor(providerID string) string {
	return channelPrefix + providerID
}

// Feed relays queue change signals between processes over Redis pub/sub.
// Writers call Notify after each successful store write; every process
// watching the provider's queue receives a signal on Subscribe.
type Feed struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewFeed(client *redis.Client, log zerolog.Logger) *Feed {
	return &Feed{client: client, log: log}
}

func (f *Feed) Notify(ctx context.Context, providerID string) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := f.client.Publish(ctx, ChannelFor(providerID), stamp).Err(); err != nil {
		return fmt.Errorf("publish queue change: %w", err)
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, providerID string) (<-chan struct{}, error) {
	channel := ChannelFor(providerID)
	ps := f.client.Subscribe(ctx, channel)

	// wait for the subscription to be confirmed so a dead server fails here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			if err := ps.Close(); err != nil {
				f.log.Debug().Err(err).Str("channel", channel).Msg("error closing pubsub")
			}
		}()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}
