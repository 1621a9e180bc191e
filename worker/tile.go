package worker

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/Woody88/sitelink/metrics"
	"github.com/Woody88/sitelink/objectstore"
	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/queue"
	"github.com/Woody88/sitelink/raster"
	"github.com/Woody88/sitelink/store"
)

// dziManifest is the deep-zoom descriptor written at the sheet root. Viewers
// load it to address the tile pyramid.
type dziManifest struct {
	XMLName  xml.Name `xml:"Image"`
	Xmlns    string   `xml:"xmlns,attr"`
	TileSize int      `xml:"TileSize,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	Format   string   `xml:"Format,attr"`
	Size     struct {
		Width  int `xml:"Width,attr"`
		Height int `xml:"Height,attr"`
	} `xml:"Size"`
}

const dziNamespace = "http://schemas.microsoft.com/deepzoom/2008"

// TileStage produces the deep-zoom pyramid for one rasterized sheet: the
// tile images plus the .dzi manifest.
type TileStage struct {
	queueName string
	store     store.Store
	objects   objectstore.Store
	raster    raster.Service
	coord     Completions
	metrics   *metrics.Metrics
}

// Compile-time interface check.
var _ Stage = (*TileStage)(nil)

// NewTileStage wires the tile consumer.
func NewTileStage(queueName string, st store.Store, objects objectstore.Store,
	svc raster.Service, coord Completions, m *metrics.Metrics) *TileStage {
	return &TileStage{
		queueName: queueName,
		store:     st,
		objects:   objects,
		raster:    svc,
		coord:     coord,
		metrics:   m,
	}
}

func (s *TileStage) Name() string  { return "tiles" }
func (s *TileStage) Queue() string { return s.queueName }

// Handle generates the pyramid, persists every tile and the manifest, marks
// the sheet tiled, and posts the tile completion.
func (s *TileStage) Handle(ctx context.Context, msg *queue.Message) error {
	job, err := pipeline.DecodeTileJob(msg.Body)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := s.raster.GenerateTiles(ctx, raster.TileRequest{PageKey: job.SheetKey})
	s.metrics.RasterDuration.WithLabelValues("tiles").Observe(time.Since(start).Seconds())
	if err != nil {
		return &Permanent{Err: fmt.Errorf("failed to generate tiles for sheet %d: %w", job.SheetNumber, err)}
	}

	prefix := pipeline.SheetPrefix(job.OrganizationID, job.ProjectID, job.PlanID, job.SheetNumber)
	for _, tile := range result.Tiles {
		key := pipeline.TileKey(prefix, tile.Level, tile.Col, tile.Row)
		if err := s.objects.Put(ctx, key, tile.Data, "image/jpeg"); err != nil {
			return fmt.Errorf("failed to store tile %s: %w", key, err)
		}
	}

	manifest := dziManifest{
		Xmlns:    dziNamespace,
		TileSize: result.TileSize,
		Overlap:  result.Overlap,
		Format:   "jpg",
	}
	manifest.Size.Width = result.Width
	manifest.Size.Height = result.Height
	data, err := xml.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deep-zoom manifest: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	if err := s.objects.Put(ctx, pipeline.ManifestKey(prefix), data, "application/xml"); err != nil {
		return fmt.Errorf("failed to store deep-zoom manifest: %w", err)
	}

	if err := s.store.UpdateSheetStage(ctx, job.SheetID, store.ColTileStatus, store.SheetTiled); err != nil {
		return fmt.Errorf("failed to update sheet tile status: %w", err)
	}

	if _, err := s.coord.TileComplete(ctx, job.UploadID, job.SheetNumber); err != nil {
		return fmt.Errorf("failed to post tile completion: %w", err)
	}
	return nil
}
