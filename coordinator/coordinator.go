// Package coordinator implements the per-upload pipeline coordinator: a
// single-writer durable actor keyed by uploadId. Each upload gets one
// dispatcher goroutine with an inbox channel, so handlers for the same upload
// run serially while any number of uploads progress in parallel. State is
// persisted before every reply; a deadline alarm caps every upload so it
// terminates in complete or failed_timeout.
package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Woody88/sitelink/metrics"
	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/queue"
	"github.com/Woody88/sitelink/store"
)

// ErrNotInitialized is returned when a completion or progress request arrives
// for an upload with no coordinator state. Workers must not ack on it.
var ErrNotInitialized = fmt.Errorf("coordinator not initialized")

// ErrAlreadyInitialized is returned when initialize is replayed with
// arguments diverging from the original ones.
type ErrAlreadyInitialized struct {
	UploadID  string
	Existing  int
	Requested int
}

func (e *ErrAlreadyInitialized) Error() string {
	return fmt.Sprintf("upload %s already initialized with %d sheets, re-init requested %d",
		e.UploadID, e.Existing, e.Requested)
}

// Queues names the three stage queues the coordinator publishes to.
type Queues struct {
	Metadata string
	Tiles    string
	Markers  string
}

// Coordinator owns the actor registry and the dependencies every actor
// shares. All public methods are safe for concurrent use.
type Coordinator struct {
	store   store.Store
	queue   queue.Queue
	queues  Queues
	filter  pipeline.SheetNameFilter
	log     *logrus.Logger
	metrics *metrics.Metrics

	shards [shardCount]shard
	closed chan struct{}
	wg     sync.WaitGroup
}

const shardCount = 16

type shard struct {
	mu     sync.Mutex
	actors map[string]*actor
}

// New creates a coordinator. The filter classifies extracted sheet names for
// the marker cross-reference context.
func New(st store.Store, q queue.Queue, queues Queues, filter pipeline.SheetNameFilter,
	log *logrus.Logger, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		store:   st,
		queue:   q,
		queues:  queues,
		filter:  filter,
		log:     log,
		metrics: m,
		closed:  make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].actors = make(map[string]*actor)
	}
	return c
}

// Initialize creates (or idempotently re-creates) the coordinator state for
// an upload and arms the deadline alarm at now+timeout.
func (c *Coordinator) Initialize(ctx context.Context, uploadID string, totalSheets int, timeout time.Duration) (pipeline.Progress, error) {
	if uploadID == "" {
		return pipeline.Progress{}, fmt.Errorf("upload ID is required")
	}
	if totalSheets < 1 {
		return pipeline.Progress{}, fmt.Errorf("total sheets must be at least 1")
	}
	return c.send(ctx, uploadID, request{kind: msgInitialize, totalSheets: totalSheets, timeout: timeout})
}

// SheetComplete records one sheet's metadata extraction. When the last sheet
// completes while the upload is in_progress, the tile stage fans out.
func (c *Coordinator) SheetComplete(ctx context.Context, uploadID string, sheetNumber int) (pipeline.Progress, error) {
	return c.send(ctx, uploadID, request{kind: msgSheetComplete, sheetNumber: sheetNumber})
}

// TileComplete records one sheet's tile generation. When the last tile
// completes while tiles are in progress, the marker stage fans out.
func (c *Coordinator) TileComplete(ctx context.Context, uploadID string, sheetNumber int) (pipeline.Progress, error) {
	return c.send(ctx, uploadID, request{kind: msgTileComplete, sheetNumber: sheetNumber})
}

// MarkerComplete records one sheet's marker detection. When the last marker
// completes while markers are in progress, the upload completes and the
// alarm is disarmed.
func (c *Coordinator) MarkerComplete(ctx context.Context, uploadID string, sheetNumber int) (pipeline.Progress, error) {
	return c.send(ctx, uploadID, request{kind: msgMarkerComplete, sheetNumber: sheetNumber})
}

// Progress returns the read-only projection of the upload's state.
func (c *Coordinator) Progress(ctx context.Context, uploadID string) (pipeline.Progress, error) {
	return c.send(ctx, uploadID, request{kind: msgProgress})
}

// Rehydrate scans every non-terminal upload and spawns its actor, re-arming
// deadline alarms from the durable wake_at column. Called once at startup so
// a crashed process resumes its pending uploads.
func (c *Coordinator) Rehydrate(ctx context.Context) (int, error) {
	states, err := c.store.ListActiveStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan active uploads: %w", err)
	}
	for _, st := range states {
		a := c.actorFor(st.State.UploadID)
		select {
		case a.inbox <- request{kind: msgRehydrate}:
		case <-c.closed:
			return 0, fmt.Errorf("coordinator is shut down")
		}
	}
	return len(states), nil
}

// Close stops every actor's alarm timer and dispatcher goroutine.
func (c *Coordinator) Close() {
	close(c.closed)
	c.wg.Wait()
}

// actorFor returns the dispatcher for uploadID, spawning it on first use.
func (c *Coordinator) actorFor(uploadID string) *actor {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uploadID))
	s := &c.shards[h.Sum32()%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[uploadID]; ok {
		return a
	}
	a := &actor{
		uploadID: uploadID,
		inbox:    make(chan request, 64),
		c:        c,
	}
	s.actors[uploadID] = a
	c.wg.Add(1)
	go a.run()
	return a
}

func (c *Coordinator) send(ctx context.Context, uploadID string, req request) (pipeline.Progress, error) {
	select {
	case <-c.closed:
		return pipeline.Progress{}, fmt.Errorf("coordinator is shut down")
	default:
	}

	req.reply = make(chan response, 1)
	a := c.actorFor(uploadID)

	select {
	case a.inbox <- req:
	case <-c.closed:
		return pipeline.Progress{}, fmt.Errorf("coordinator is shut down")
	case <-ctx.Done():
		return pipeline.Progress{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.progress, resp.err
	case <-c.closed:
		return pipeline.Progress{}, fmt.Errorf("coordinator is shut down")
	case <-ctx.Done():
		return pipeline.Progress{}, ctx.Err()
	}
}
