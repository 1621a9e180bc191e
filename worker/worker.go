// Package worker implements the stage consumers. Every stage shares one
// control-flow shape: pull a job, perform the stage side effect through the
// raster service, persist artifacts and sheet rows, post the completion to
// the coordinator, and only then acknowledge the queue message. A failed
// completion leaves the message unacked for redelivery, which is safe because
// completion handling is set-insert idempotent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Woody88/sitelink/metrics"
	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/queue"
)

// Completions is the coordinator surface workers post to.
type Completions interface {
	SheetComplete(ctx context.Context, uploadID string, sheetNumber int) (pipeline.Progress, error)
	TileComplete(ctx context.Context, uploadID string, sheetNumber int) (pipeline.Progress, error)
	MarkerComplete(ctx context.Context, uploadID string, sheetNumber int) (pipeline.Progress, error)
}

// Stage is one queue consumer implementation.
type Stage interface {
	// Name labels the stage in logs and metrics.
	Name() string
	// Queue returns the queue the stage consumes.
	Queue() string
	// Handle processes one claimed message. A nil return acks the message; a
	// Permanent error dead-letters it; any other error leaves it claimed for
	// the reaper to redeliver.
	Handle(ctx context.Context, msg *queue.Message) error
}

// Permanent wraps failures that must dead-letter instead of redeliver: the
// stage side effect was retried to its bound and still failed, so replaying
// the job cannot help. The deadline alarm owns the upload's verdict.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return fmt.Sprintf("permanent stage failure: %v", p.Err) }
func (p *Permanent) Unwrap() error { return p.Err }

// pollWindow bounds each blocking receive so consumers notice shutdown.
const pollWindow = 5 * time.Second

// visibilityTimeout is how long a claimed message may sit unacked before the
// reaper returns it to the queue. It must exceed the worst-case raster call
// including its retries.
const visibilityTimeout = 10 * time.Minute

// reapInterval is how often each runner sweeps its queue's processing list.
const reapInterval = 30 * time.Second

// Runner drives a fixed pool of consumers for one stage.
type Runner struct {
	stage   Stage
	queue   queue.Queue
	workers int
	log     *logrus.Logger
	metrics *metrics.Metrics
}

// NewRunner creates a runner with the given consumer pool size.
func NewRunner(stage Stage, q queue.Queue, workers int, log *logrus.Logger, m *metrics.Metrics) *Runner {
	return &Runner{stage: stage, queue: q, workers: workers, log: log, metrics: m}
}

// Run consumes until ctx is cancelled. It blocks.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.consume(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reap(ctx)
	}()

	wg.Wait()
}

func (r *Runner) consume(ctx context.Context, id int) {
	log := r.log.WithFields(logrus.Fields{"stage": r.stage.Name(), "worker": id})
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := r.queue.Receive(ctx, r.stage.Queue(), pollWindow)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.WithError(err).Error("failed to receive job")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		err = r.stage.Handle(ctx, msg)
		switch {
		case err == nil:
			if aerr := r.queue.Ack(ctx, r.stage.Queue(), msg); aerr != nil {
				log.WithError(aerr).Error("failed to ack job")
			}
		case isPermanent(err):
			log.WithError(err).Error("job failed permanently; dead-lettering")
			r.metrics.JobsDeadLettered.WithLabelValues(r.stage.Name()).Inc()
			if derr := r.queue.DeadLetter(ctx, r.stage.Queue(), msg); derr != nil {
				log.WithError(derr).Error("failed to dead-letter job")
			}
		default:
			// Leave the message claimed; the reaper redelivers it once the
			// visibility window lapses.
			log.WithError(err).Warn("job failed; leaving for redelivery")
		}
	}
}

func isPermanent(err error) bool {
	var p *Permanent
	return errors.Is(err, pipeline.ErrCorruptPayload) || errors.As(err, &p)
}

func (r *Runner) reap(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := r.queue.ReapStale(ctx, r.stage.Queue(), visibilityTimeout)
			if err != nil {
				r.log.WithError(err).WithField("stage", r.stage.Name()).Error("failed to reap stale jobs")
				continue
			}
			if n > 0 {
				r.log.WithFields(logrus.Fields{"stage": r.stage.Name(), "requeued": n}).Warn("requeued stale jobs")
			}
		case <-ctx.Done():
			return
		}
	}
}
