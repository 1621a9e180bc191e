package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Woody88/sitelink/metrics"
	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/queue"
	"github.com/Woody88/sitelink/raster"
	"github.com/Woody88/sitelink/store"
)

// MarkerStage runs callout detection on one sheet and persists the detected
// cross-references. It is the last stage: its completion signals drive the
// terminal transition.
type MarkerStage struct {
	queueName string
	store     store.Store
	raster    raster.Service
	coord     Completions
	metrics   *metrics.Metrics
}

// Compile-time interface check.
var _ Stage = (*MarkerStage)(nil)

// NewMarkerStage wires the marker consumer.
func NewMarkerStage(queueName string, st store.Store, svc raster.Service,
	coord Completions, m *metrics.Metrics) *MarkerStage {
	return &MarkerStage{
		queueName: queueName,
		store:     st,
		raster:    svc,
		coord:     coord,
		metrics:   m,
	}
}

func (s *MarkerStage) Name() string  { return "markers" }
func (s *MarkerStage) Queue() string { return s.queueName }

// Handle detects markers, persists the callout records, marks the sheet
// detected, and posts the marker completion.
func (s *MarkerStage) Handle(ctx context.Context, msg *queue.Message) error {
	job, err := pipeline.DecodeMarkerJob(msg.Body)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := s.raster.DetectMarkers(ctx, raster.MarkerRequest{
		PageKey:     job.SheetKey,
		ValidSheets: job.ValidSheets,
	})
	s.metrics.RasterDuration.WithLabelValues("markers").Observe(time.Since(start).Seconds())
	if err != nil {
		return &Permanent{Err: fmt.Errorf("failed to detect markers on sheet %d: %w", job.SheetNumber, err)}
	}

	callouts := make([]store.Callout, 0, len(result.Markers))
	for _, m := range result.Markers {
		// Deterministic IDs make redelivered jobs re-insert the same rows.
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.SheetID+"/"+m.Label+"/"+m.TargetSheet))
		callouts = append(callouts, store.Callout{
			ID:          id.String(),
			SheetID:     job.SheetID,
			UploadID:    job.UploadID,
			Label:       m.Label,
			TargetSheet: m.TargetSheet,
		})
	}
	if err := s.store.SaveCallouts(ctx, callouts); err != nil {
		return fmt.Errorf("failed to save callouts: %w", err)
	}

	if err := s.store.UpdateSheetStage(ctx, job.SheetID, store.ColMarkerStatus, store.SheetDetected); err != nil {
		return fmt.Errorf("failed to update sheet marker status: %w", err)
	}

	if _, err := s.coord.MarkerComplete(ctx, job.UploadID, job.SheetNumber); err != nil {
		return fmt.Errorf("failed to post marker completion: %w", err)
	}
	return nil
}
