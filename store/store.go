// Package store implements relational persistence for pipeline coordination:
// the per-upload processing job row, the per-page sheet rows, detected callout
// records, and the coordinator's durable state blob with its alarm column.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Woody88/sitelink/pipeline"
)

// JobStatus is the externally visible state of one upload's processing job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// Stage artifact statuses tracked per sheet row.
const (
	SheetPending   = "pending"
	SheetExtracted = "extracted"
	SheetTiled     = "tiled"
	SheetDetected  = "detected"
	SheetFailed    = "failed"
)

// ProcessingJob is the relational row tracking one upload.
type ProcessingJob struct {
	UploadID       string     `db:"upload_id"`
	PlanID         string     `db:"plan_id"`
	ProjectID      string     `db:"project_id"`
	OrganizationID string     `db:"organization_id"`
	Status         JobStatus  `db:"status"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	LastError      string     `db:"last_error"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// PlanSheet is the relational row for one rasterized page.
type PlanSheet struct {
	ID             string `db:"id"`
	UploadID       string `db:"upload_id"`
	PlanID         string `db:"plan_id"`
	SheetNumber    int    `db:"sheet_number"`
	SheetName      string `db:"sheet_name"`
	SheetKey       string `db:"sheet_key"`
	MetadataStatus string `db:"metadata_status"`
	TileStatus     string `db:"tile_status"`
	MarkerStatus   string `db:"marker_status"`
}

// Callout is one detected marker: a reference symbol on a sheet pointing at
// another sheet, e.g. detail 5 on sheet A7.
type Callout struct {
	ID          string `db:"id"`
	SheetID     string `db:"sheet_id"`
	UploadID    string `db:"upload_id"`
	Label       string `db:"label"`
	TargetSheet string `db:"target_sheet"`
}

// ActorState couples the coordinator blob with its alarm deadline, as loaded
// by the restart rehydration scan.
type ActorState struct {
	State  *pipeline.State
	WakeAt *time.Time
}

// ErrNotFound is returned when a job, sheet, or state row does not exist.
var ErrNotFound = fmt.Errorf("not found")

// Store is the persistence contract shared by the Postgres implementation and
// the in-memory twin used in tests.
// Example:
//
//	var st store.Store
//	state, err := st.LoadState(ctx, uploadID)
//	if errors.Is(err, store.ErrNotFound) {
//	    // upload never initialized
//	}
type Store interface {
	// Processing jobs
	CreateJob(ctx context.Context, job ProcessingJob) error
	GetJob(ctx context.Context, uploadID string) (ProcessingJob, error)
	UpdateJobStatus(ctx context.Context, uploadID string, status JobStatus, lastError string) error

	// Plan sheets
	InsertSheets(ctx context.Context, sheets []PlanSheet) error
	GetSheet(ctx context.Context, uploadID string, sheetNumber int) (PlanSheet, error)
	UpdateSheetMetadata(ctx context.Context, sheetID, sheetName, sheetKey, status string) error
	UpdateSheetStage(ctx context.Context, sheetID, column, status string) error
	ListSheets(ctx context.Context, uploadID string) ([]PlanSheet, error)
	ListExtractedSheets(ctx context.Context, uploadID string) ([]PlanSheet, error)

	// Callouts
	SaveCallouts(ctx context.Context, callouts []Callout) error

	// Coordinator state. SaveState persists the blob and the alarm deadline in
	// one write; a nil wakeAt disarms the durable alarm. ListActiveStates feeds
	// the restart rehydration scan with every non-terminal upload.
	SaveState(ctx context.Context, state *pipeline.State, wakeAt *time.Time) error
	LoadState(ctx context.Context, uploadID string) (ActorState, error)
	ListActiveStates(ctx context.Context) ([]ActorState, error)
}

// Stage status columns accepted by UpdateSheetStage.
const (
	ColTileStatus   = "tile_status"
	ColMarkerStatus = "marker_status"
)
