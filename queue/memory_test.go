package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueMirrorsRedisSemantics(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	if err := q.Publish(ctx, "jobs", []byte("one")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	msg, err := q.Receive(ctx, "jobs", time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(msg.Body) != "one" {
		t.Fatalf("unexpected body: %s", msg.Body)
	}

	// Unacked claims redeliver once stale.
	if n, _ := q.ReapStale(ctx, "jobs", 0); n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}
	msg, err = q.Receive(ctx, "jobs", time.Second)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if err := q.Ack(ctx, "jobs", msg); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if n, _ := q.ReapStale(ctx, "jobs", 0); n != 0 {
		t.Fatalf("acked message reaped: %d", n)
	}

	if _, err := q.Receive(ctx, "jobs", 20*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestMemoryQueueDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	_ = q.Publish(ctx, "jobs", []byte("poison"))
	msg, err := q.Receive(ctx, "jobs", time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if err := q.DeadLetter(ctx, "jobs", msg); err != nil {
		t.Fatalf("dead-letter failed: %v", err)
	}
	if q.DeadDepth("jobs") != 1 {
		t.Fatalf("expected 1 dead message, got %d", q.DeadDepth("jobs"))
	}
	if q.Depth("jobs") != 0 {
		t.Fatalf("expected empty queue, got %d", q.Depth("jobs"))
	}
}
