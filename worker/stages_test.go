package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Woody88/sitelink/metrics"
	"github.com/Woody88/sitelink/objectstore"
	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/queue"
	"github.com/Woody88/sitelink/raster"
	"github.com/Woody88/sitelink/store"
)

// fakeRaster scripts the raster service responses.
type fakeRaster struct {
	renderResult raster.RenderResult
	renderErr    error
	tileResult   raster.TileResult
	markerResult raster.MarkerResult
}

func (f *fakeRaster) PageCount(ctx context.Context, pdfKey string) (int, error) {
	return 1, nil
}

func (f *fakeRaster) RenderPage(ctx context.Context, req raster.RenderRequest) (raster.RenderResult, error) {
	return f.renderResult, f.renderErr
}

func (f *fakeRaster) GenerateTiles(ctx context.Context, req raster.TileRequest) (raster.TileResult, error) {
	return f.tileResult, nil
}

func (f *fakeRaster) DetectMarkers(ctx context.Context, req raster.MarkerRequest) (raster.MarkerResult, error) {
	return f.markerResult, nil
}

// fakeCompletions records posted completions and can fail on demand.
type fakeCompletions struct {
	mu      sync.Mutex
	sheets  []int
	tiles   []int
	markers []int
	err     error
}

func (f *fakeCompletions) SheetComplete(ctx context.Context, uploadID string, n int) (pipeline.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pipeline.Progress{}, f.err
	}
	f.sheets = append(f.sheets, n)
	return pipeline.Progress{}, nil
}

func (f *fakeCompletions) TileComplete(ctx context.Context, uploadID string, n int) (pipeline.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiles = append(f.tiles, n)
	return pipeline.Progress{}, nil
}

func (f *fakeCompletions) MarkerComplete(ctx context.Context, uploadID string, n int) (pipeline.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers = append(f.markers, n)
	return pipeline.Progress{}, nil
}

func seedSheet(t *testing.T, st store.Store) store.PlanSheet {
	t.Helper()
	sheet := store.PlanSheet{
		ID:             "sheet-1",
		UploadID:       "u1",
		PlanID:         "plan-1",
		SheetNumber:    1,
		MetadataStatus: store.SheetPending,
		TileStatus:     store.SheetPending,
		MarkerStatus:   store.SheetPending,
	}
	if err := st.InsertSheets(context.Background(), []store.PlanSheet{sheet}); err != nil {
		t.Fatalf("failed to seed sheet: %v", err)
	}
	return sheet
}

func encode(t *testing.T, job any) *queue.Message {
	t.Helper()
	body, err := pipeline.EncodeJob(job)
	if err != nil {
		t.Fatalf("failed to encode job: %v", err)
	}
	return &queue.Message{ID: "m1", Body: body}
}

func TestMetadataStageHappyPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objectstore.NewMemory()
	svc := &fakeRaster{renderResult: raster.RenderResult{Page: []byte("%PDF-page"), SheetName: "A5"}}
	coord := &fakeCompletions{}
	seedSheet(t, st)

	stage := NewMetadataStage("md", st, objects, svc, coord, metrics.NewUnregistered())
	msg := encode(t, pipeline.MetadataJob{
		UploadID:       "u1",
		SheetNumber:    1,
		SheetKey:       pipeline.PageKey("org-1", "proj-1", "plan-1", 1),
		PlanID:         "plan-1",
		ProjectID:      "proj-1",
		OrganizationID: "org-1",
	})

	if err := stage.Handle(ctx, msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	page, err := objects.Get(ctx, pipeline.PageKey("org-1", "proj-1", "plan-1", 1))
	if err != nil || string(page) != "%PDF-page" {
		t.Fatalf("page artifact missing: %v", err)
	}
	sheet, _ := st.GetSheet(ctx, "u1", 1)
	if sheet.MetadataStatus != store.SheetExtracted || sheet.SheetName != "A5" {
		t.Fatalf("sheet row not updated: %+v", sheet)
	}
	if len(coord.sheets) != 1 || coord.sheets[0] != 1 {
		t.Fatalf("completion not posted: %v", coord.sheets)
	}
}

func TestMetadataStageRasterFailureIsPermanent(t *testing.T) {
	st := store.NewMemory()
	svc := &fakeRaster{renderErr: fmt.Errorf("ocr container crashed")}
	seedSheet(t, st)

	stage := NewMetadataStage("md", st, objectstore.NewMemory(), svc, &fakeCompletions{}, metrics.NewUnregistered())
	msg := encode(t, pipeline.MetadataJob{UploadID: "u1", SheetNumber: 1, SheetKey: "k", PlanID: "p", ProjectID: "pr", OrganizationID: "o"})

	err := stage.Handle(context.Background(), msg)
	var perm *Permanent
	if !errors.As(err, &perm) {
		t.Fatalf("expected Permanent, got %v", err)
	}
}

func TestMetadataStageCompletionFailureIsRetryable(t *testing.T) {
	st := store.NewMemory()
	svc := &fakeRaster{renderResult: raster.RenderResult{Page: []byte("x")}}
	coord := &fakeCompletions{err: fmt.Errorf("coordinator unavailable")}
	seedSheet(t, st)

	stage := NewMetadataStage("md", st, objectstore.NewMemory(), svc, coord, metrics.NewUnregistered())
	msg := encode(t, pipeline.MetadataJob{UploadID: "u1", SheetNumber: 1, SheetKey: "k", PlanID: "p", ProjectID: "pr", OrganizationID: "o"})

	err := stage.Handle(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error")
	}
	var perm *Permanent
	if errors.As(err, &perm) {
		t.Fatal("completion failure must stay retryable, not dead-letter")
	}
}

func TestTileStageWritesPyramidAndManifest(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objectstore.NewMemory()
	svc := &fakeRaster{tileResult: raster.TileResult{
		Width: 4096, Height: 2048, TileSize: 254, Overlap: 1,
		Tiles: []raster.Tile{
			{Level: 0, Col: 0, Row: 0, Data: []byte("t0")},
			{Level: 1, Col: 0, Row: 0, Data: []byte("t1")},
			{Level: 1, Col: 1, Row: 0, Data: []byte("t2")},
		},
	}}
	coord := &fakeCompletions{}
	seedSheet(t, st)

	stage := NewTileStage("tiles", st, objects, svc, coord, metrics.NewUnregistered())
	msg := encode(t, pipeline.TileJob{
		UploadID: "u1", SheetID: "sheet-1", SheetNumber: 1,
		SheetKey: "sheets/1/page.pdf", PlanID: "plan-1",
		ProjectID: "proj-1", OrganizationID: "org-1", TotalSheets: 1,
	})
	if err := stage.Handle(ctx, msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	prefix := pipeline.SheetPrefix("org-1", "proj-1", "plan-1", 1)
	for _, key := range []string{
		pipeline.TileKey(prefix, 0, 0, 0),
		pipeline.TileKey(prefix, 1, 0, 0),
		pipeline.TileKey(prefix, 1, 1, 0),
	} {
		if ok, _ := objects.Exists(ctx, key); !ok {
			t.Fatalf("tile missing: %s", key)
		}
	}

	manifest, err := objects.Get(ctx, pipeline.ManifestKey(prefix))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	for _, want := range []string{`TileSize="254"`, `Width="4096"`, `Height="2048"`, "deepzoom"} {
		if !strings.Contains(string(manifest), want) {
			t.Fatalf("manifest missing %q:\n%s", want, manifest)
		}
	}

	sheet, _ := st.GetSheet(ctx, "u1", 1)
	if sheet.TileStatus != store.SheetTiled {
		t.Fatalf("tile status not updated: %+v", sheet)
	}
	if len(coord.tiles) != 1 {
		t.Fatalf("completion not posted: %v", coord.tiles)
	}
}

func TestMarkerStagePersistsCalloutsIdempotently(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := &fakeRaster{markerResult: raster.MarkerResult{Markers: []raster.Marker{
		{Label: "5", TargetSheet: "A7"},
		{Label: "2", TargetSheet: "S12"},
	}}}
	coord := &fakeCompletions{}
	seedSheet(t, st)

	stage := NewMarkerStage("markers", st, svc, coord, metrics.NewUnregistered())
	msg := encode(t, pipeline.MarkerJob{
		UploadID: "u1", PlanID: "plan-1", OrganizationID: "org-1", ProjectID: "proj-1",
		SheetID: "sheet-1", SheetNumber: 1, SheetKey: "sheets/1/page.pdf",
		TotalSheets: 1, ValidSheets: []string{"A7", "S12"},
	})

	// Redelivered jobs re-run the whole handler; the callout rows must not
	// duplicate.
	for i := 0; i < 2; i++ {
		if err := stage.Handle(ctx, msg); err != nil {
			t.Fatalf("handle %d failed: %v", i, err)
		}
	}

	callouts := st.Callouts("u1")
	if len(callouts) != 2 {
		t.Fatalf("expected 2 callouts, got %d", len(callouts))
	}
	sheet, _ := st.GetSheet(ctx, "u1", 1)
	if sheet.MarkerStatus != store.SheetDetected {
		t.Fatalf("marker status not updated: %+v", sheet)
	}
	if len(coord.markers) != 2 {
		t.Fatalf("expected completion per delivery, got %v", coord.markers)
	}
}
