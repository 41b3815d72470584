package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStatus mirrors the status into a hash and announces the event on
// the channel of the same name.
type RedisStatus struct {
	client *redis.Client
	key    string
}

func NewRedisStatus(client *redis.Client, key string) *RedisStatus {
	return &RedisStatus{client: client, key: key}
}

func (r *RedisStatus) ID() string {
	return "redis-hash:" + r.key
}

func (r *RedisStatus) Notify(ctx context.Context, n Notification) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, statusValues(n)...)
		pipe.Publish(ctx, r.key, n.Event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", r.key, err)
	}
	return nil
}

// statusValues flattens the status into HSET field/value pairs.
func statusValues(n Notification) []any {
	fields := n.Status.Fields()
	if n.Fault != "" {
		fields["fault"] = n.Fault
	}

	values := make([]any, 0, 2*len(fields))
	for field, value := range fields {
		values = append(values, field, value)
	}
	return values
}

// RedisChannel publishes the full notification as JSON on a channel chosen
// by the subscriber.
type RedisChannel struct {
	client  *redis.Client
	channel string
}

func NewRedisChannel(client *redis.Client, channel string) *RedisChannel {
	return &RedisChannel{client: client, channel: channel}
}

// RedisChannelID is the subscriber id used for channel.
func RedisChannelID(channel string) string {
	return "redis-channel:" + channel
}

func (r *RedisChannel) ID() string {
	return RedisChannelID(r.channel)
}

func (r *RedisChannel) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}
