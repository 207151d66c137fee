package events

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "qms:queue"

// RedisPublisher publishes each event on one channel per affected department.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func RedisChannel(prefix, departmentID string) string {
	return prefix + ":" + departmentID
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	var errs []error
	for _, dept := range event.Departments() {
		if err := p.client.Publish(ctx, RedisChannel(p.prefix, dept), payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
