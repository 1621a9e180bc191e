package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Queue over Redis lists.
//
// Layout per queue name q:
//
//	q             pending messages (LPUSH producer side, consumed from the tail)
//	q:processing  claimed messages awaiting ack
//	q:claims      hash of message ID -> claim epoch millis
//	q:dead        dead-lettered messages
type Redis struct {
	client *redis.Client
}

// Compile-time interface check.
var _ Queue = (*Redis)(nil)

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish appends a message to the named queue.
func (r *Redis) Publish(ctx context.Context, queue string, body []byte) error {
	data, err := newEnvelope(body)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Receive claims the oldest message by moving it atomically onto the
// processing list, then records the claim time for the reaper.
func (r *Redis) Receive(ctx context.Context, queue string, block time.Duration) (*Message, error) {
	raw, err := r.client.BRPopLPush(ctx, queue, queue+":processing", block).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to receive from %s: %w", queue, err)
	}

	msg, err := decodeEnvelope(raw)
	if err != nil {
		// Unparseable entry: drop it from the processing list so it cannot
		// wedge the reaper, and surface the decode failure.
		_ = r.client.LRem(ctx, queue+":processing", 1, raw).Err()
		return nil, err
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.client.HSet(ctx, queue+":claims", msg.ID, now).Err(); err != nil {
		return nil, fmt.Errorf("failed to record claim for %s: %w", queue, err)
	}
	return msg, nil
}

// Ack removes a claimed message permanently.
func (r *Redis) Ack(ctx context.Context, queue string, msg *Message) error {
	if err := r.client.LRem(ctx, queue+":processing", 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack on %s: %w", queue, err)
	}
	if err := r.client.HDel(ctx, queue+":claims", msg.ID).Err(); err != nil {
		return fmt.Errorf("failed to clear claim on %s: %w", queue, err)
	}
	return nil
}

// DeadLetter moves a claimed message to the queue's dead-letter list.
func (r *Redis) DeadLetter(ctx context.Context, queue string, msg *Message) error {
	if err := r.client.LPush(ctx, queue+":dead", msg.raw).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter on %s: %w", queue, err)
	}
	return r.Ack(ctx, queue, msg)
}

// ReapStale requeues claimed messages whose claim is older than age. A
// consumer that died mid-processing loses its claim here and the message is
// redelivered to another consumer.
func (r *Redis) ReapStale(ctx context.Context, queue string, age time.Duration) (int, error) {
	raws, err := r.client.LRange(ctx, queue+":processing", 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing list for %s: %w", queue, err)
	}

	cutoff := time.Now().Add(-age).UnixMilli()
	requeued := 0
	for _, raw := range raws {
		msg, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		claimed, err := r.client.HGet(ctx, queue+":claims", msg.ID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return requeued, fmt.Errorf("failed to read claim for %s: %w", queue, err)
		}
		claimedAt, _ := strconv.ParseInt(claimed, 10, 64)
		if claimedAt > cutoff {
			continue
		}

		// Requeue-then-remove: a crash or error between the two leaves the
		// message in both lists, so it may be delivered twice but is never
		// lost.
		if err := r.client.LPush(ctx, queue, raw).Err(); err != nil {
			return requeued, fmt.Errorf("failed to requeue on %s: %w", queue, err)
		}
		if err := r.client.LRem(ctx, queue+":processing", 1, raw).Err(); err != nil {
			return requeued, fmt.Errorf("failed to unclaim on %s: %w", queue, err)
		}
		_ = r.client.HDel(ctx, queue+":claims", msg.ID).Err()
		requeued++
	}
	return requeued, nil
}
