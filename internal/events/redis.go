package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"signalbeam.sh/internal/sberrors"
)

// streamPrefix namespaces SignalBeam streams in a shared Redis.
const streamPrefix = "signalbeam:events:"

// RedisPublisher publishes events to Redis streams, one stream per
// subject. XADD preserves insertion order per stream, which gives the
// per-subject ordering consumers rely on.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
	retry  *sberrors.RetryConfig
}

// NewRedisPublisher creates a publisher over an existing client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		maxLen: 100_000,
		retry: &sberrors.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      time.Second,
			Multiplier:    2.0,
			Jitter:        0.1,
			RetryableFunc: sberrors.IsRetryable,
		},
	}
}

// Publish appends one event to its subject stream. Transient Redis
// failures are retried in place so a blip does not stall the relay.
func (p *RedisPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	return sberrors.Retry(ctx, p.retry, func() error {
		err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamPrefix + subject,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{"payload": string(payload)},
		}).Err()
		if err != nil {
			return sberrors.Wrapf(err, sberrors.ErrCodeTransient, "xadd %s", subject)
		}
		return nil
	})
}
