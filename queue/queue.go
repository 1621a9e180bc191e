// Package queue provides the at-least-once stage queues feeding the pipeline
// workers. The Redis implementation uses a list per queue with a per-queue
// processing list: a message is claimed by moving it atomically to the
// processing list and only removed once the consumer acknowledges it, so a
// crashed consumer's messages are requeued by the reaper and redelivered.
// Consumers must treat redelivery as normal.
package queue

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Message is one claimed queue entry. raw carries the exact bytes stored in
// the processing list and is what Ack and DeadLetter remove.
type Message struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`

	raw string
}

// ErrEmpty is returned by Receive when no message arrives within the blocking
// window.
var ErrEmpty = fmt.Errorf("queue empty")

// Queue is the contract shared by the Redis implementation and the in-memory
// twin used in tests.
// Example:
//
//	msg, err := q.Receive(ctx, "plan-tiles", 5*time.Second)
//	if errors.Is(err, queue.ErrEmpty) {
//	    continue
//	}
//	// ... process ...
//	_ = q.Ack(ctx, "plan-tiles", msg)
type Queue interface {
	// Publish appends a message to the named queue.
	Publish(ctx context.Context, queue string, body []byte) error
	// Receive claims the oldest message, blocking up to the given window.
	Receive(ctx context.Context, queue string, block time.Duration) (*Message, error)
	// Ack removes a claimed message permanently.
	Ack(ctx context.Context, queue string, msg *Message) error
	// DeadLetter moves a claimed message to the queue's dead-letter list.
	DeadLetter(ctx context.Context, queue string, msg *Message) error
	// ReapStale requeues claimed messages older than age. Returns the number
	// of messages returned to the queue.
	ReapStale(ctx context.Context, queue string, age time.Duration) (int, error)
}

// envelope is the wire form stored in the list. Claim timestamps live
// outside the envelope so the stored bytes stay identical across requeues.
type envelope struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

func newEnvelope(body []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{ID: uuid.NewString(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(raw string) (*Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to decode queue envelope: %w", err)
	}
	return &Message{ID: env.ID, Body: env.Body, raw: raw}, nil
}
