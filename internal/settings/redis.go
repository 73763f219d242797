package settings

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisChannel carries settings-updated announcements over Redis pub/sub.
type RedisChannel struct {
	client  *redis.Client
	channel string
}

func NewRedisChannel(client *redis.Client, channel string) *RedisChannel {
	return &RedisChannel{client: client, channel: channel}
}

func (r *RedisChannel) Publish(ctx context.Context, version int64) error {
	return r.client.Publish(ctx, r.channel, version).Err()
}

// Subscribe returns a channel that fires once per announcement. Bursts are
// coalesced; a refresh always reads the newest version anyway.
func (r *RedisChannel) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	ps := r.client.Subscribe(ctx, r.channel)
	go func() {
		defer close(out)
		defer ps.Close()
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
	return out
}
