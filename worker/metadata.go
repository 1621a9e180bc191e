package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/Woody88/sitelink/metrics"
	"github.com/Woody88/sitelink/objectstore"
	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/queue"
	"github.com/Woody88/sitelink/raster"
	"github.com/Woody88/sitelink/store"
)

// MetadataStage rasterizes one page of the uploaded plan and extracts its
// sheet label. It is the first stage: its completion signals drive the tile
// fan-out.
type MetadataStage struct {
	queueName string
	store     store.Store
	objects   objectstore.Store
	raster    raster.Service
	coord     Completions
	metrics   *metrics.Metrics
}

// Compile-time interface check.
var _ Stage = (*MetadataStage)(nil)

// NewMetadataStage wires the metadata consumer.
func NewMetadataStage(queueName string, st store.Store, objects objectstore.Store,
	svc raster.Service, coord Completions, m *metrics.Metrics) *MetadataStage {
	return &MetadataStage{
		queueName: queueName,
		store:     st,
		objects:   objects,
		raster:    svc,
		coord:     coord,
		metrics:   m,
	}
}

func (s *MetadataStage) Name() string  { return "metadata" }
func (s *MetadataStage) Queue() string { return s.queueName }

// Handle rasterizes the page, persists the page artifact and sheet row, and
// posts the sheet completion.
func (s *MetadataStage) Handle(ctx context.Context, msg *queue.Message) error {
	job, err := pipeline.DecodeMetadataJob(msg.Body)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := s.raster.RenderPage(ctx, raster.RenderRequest{
		PDFKey:      pipeline.OriginalKey(job.OrganizationID, job.ProjectID, job.PlanID),
		SheetNumber: job.SheetNumber,
	})
	s.metrics.RasterDuration.WithLabelValues("render").Observe(time.Since(start).Seconds())
	if err != nil {
		return &Permanent{Err: fmt.Errorf("failed to render sheet %d: %w", job.SheetNumber, err)}
	}

	// Idempotent PUT by stable key: a redelivered job overwrites the same
	// bytes.
	if err := s.objects.Put(ctx, job.SheetKey, result.Page, "application/pdf"); err != nil {
		return fmt.Errorf("failed to store rendered page: %w", err)
	}

	sheet, err := s.store.GetSheet(ctx, job.UploadID, job.SheetNumber)
	if err != nil {
		return fmt.Errorf("failed to look up sheet row: %w", err)
	}
	if err := s.store.UpdateSheetMetadata(ctx, sheet.ID, result.SheetName, job.SheetKey, store.SheetExtracted); err != nil {
		return fmt.Errorf("failed to update sheet metadata: %w", err)
	}

	if _, err := s.coord.SheetComplete(ctx, job.UploadID, job.SheetNumber); err != nil {
		return fmt.Errorf("failed to post sheet completion: %w", err)
	}
	return nil
}
