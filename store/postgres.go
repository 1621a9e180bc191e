package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/Woody88/sitelink/pipeline"
)

// SQL statements kept as constants for clarity and reuse.
const (
	insertJobSQL = `
		INSERT INTO processing_jobs
			(upload_id, plan_id, project_id, organization_id, status, started_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', NOW())
		ON CONFLICT (upload_id) DO NOTHING`

	getJobSQL = `
		SELECT upload_id, plan_id, project_id, organization_id, status,
		       started_at, completed_at, last_error, updated_at
		FROM processing_jobs WHERE upload_id = $1`

	updateJobSQL = `
		UPDATE processing_jobs
		SET status = $2,
		    last_error = $3,
		    completed_at = CASE WHEN $2 IN ('complete', 'failed') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE upload_id = $1`

	insertSheetSQL = `
		INSERT INTO plan_sheets
			(id, upload_id, plan_id, sheet_number, sheet_name, sheet_key,
			 metadata_status, tile_status, marker_status)
		VALUES (:id, :upload_id, :plan_id, :sheet_number, :sheet_name, :sheet_key,
		        :metadata_status, :tile_status, :marker_status)
		ON CONFLICT (id) DO NOTHING`

	getSheetSQL = `
		SELECT id, upload_id, plan_id, sheet_number, sheet_name, sheet_key,
		       metadata_status, tile_status, marker_status
		FROM plan_sheets WHERE upload_id = $1 AND sheet_number = $2`

	updateSheetMetadataSQL = `
		UPDATE plan_sheets
		SET sheet_name = $2, sheet_key = $3, metadata_status = $4
		WHERE id = $1`

	listSheetsSQL = `
		SELECT id, upload_id, plan_id, sheet_number, sheet_name, sheet_key,
		       metadata_status, tile_status, marker_status
		FROM plan_sheets WHERE upload_id = $1 ORDER BY sheet_number`

	listExtractedSheetsSQL = `
		SELECT id, upload_id, plan_id, sheet_number, sheet_name, sheet_key,
		       metadata_status, tile_status, marker_status
		FROM plan_sheets WHERE upload_id = $1 AND metadata_status = 'extracted'
		ORDER BY sheet_number`

	insertCalloutSQL = `
		INSERT INTO plan_callouts (id, sheet_id, upload_id, label, target_sheet)
		VALUES (:id, :sheet_id, :upload_id, :label, :target_sheet)
		ON CONFLICT (id) DO NOTHING`

	saveStateSQL = `
		INSERT INTO coordinator_state (upload_id, state, wake_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (upload_id) DO UPDATE
		SET state = EXCLUDED.state, wake_at = EXCLUDED.wake_at, updated_at = NOW()`

	loadStateSQL = `SELECT state, wake_at FROM coordinator_state WHERE upload_id = $1`

	listActiveStatesSQL = `
		SELECT state, wake_at FROM coordinator_state
		WHERE state->>'status' NOT IN ('complete', 'failed_timeout')`
)

// Postgres implements Store over a Postgres database through sqlx.
type Postgres struct {
	db *sqlx.DB
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// CreateJob inserts the processing job row. Replayed intake requests are
// absorbed by the conflict clause.
func (p *Postgres) CreateJob(ctx context.Context, job ProcessingJob) error {
	_, err := p.db.ExecContext(ctx, insertJobSQL,
		job.UploadID, job.PlanID, job.ProjectID, job.OrganizationID, job.Status, job.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert processing job: %w", err)
	}
	return nil
}

// GetJob fetches one processing job row.
func (p *Postgres) GetJob(ctx context.Context, uploadID string) (ProcessingJob, error) {
	var job ProcessingJob
	if err := p.db.GetContext(ctx, &job, getJobSQL, uploadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProcessingJob{}, ErrNotFound
		}
		return ProcessingJob{}, fmt.Errorf("failed to get processing job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus writes the job status and diagnostic message. Terminal
// statuses also stamp completed_at.
func (p *Postgres) UpdateJobStatus(ctx context.Context, uploadID string, status JobStatus, lastError string) error {
	res, err := p.db.ExecContext(ctx, updateJobSQL, uploadID, status, lastError)
	if err != nil {
		return fmt.Errorf("failed to update processing job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSheets writes the placeholder sheet rows at intake.
func (p *Postgres) InsertSheets(ctx context.Context, sheets []PlanSheet) error {
	if len(sheets) == 0 {
		return nil
	}
	if _, err := p.db.NamedExecContext(ctx, insertSheetSQL, sheets); err != nil {
		return fmt.Errorf("failed to insert plan sheets: %w", err)
	}
	return nil
}

// GetSheet fetches one sheet row by upload and sheet number.
func (p *Postgres) GetSheet(ctx context.Context, uploadID string, sheetNumber int) (PlanSheet, error) {
	var sheet PlanSheet
	if err := p.db.GetContext(ctx, &sheet, getSheetSQL, uploadID, sheetNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PlanSheet{}, ErrNotFound
		}
		return PlanSheet{}, fmt.Errorf("failed to get plan sheet: %w", err)
	}
	return sheet, nil
}

// UpdateSheetMetadata records the extracted sheet label and page key.
func (p *Postgres) UpdateSheetMetadata(ctx context.Context, sheetID, sheetName, sheetKey, status string) error {
	_, err := p.db.ExecContext(ctx, updateSheetMetadataSQL, sheetID, sheetName, sheetKey, status)
	if err != nil {
		return fmt.Errorf("failed to update sheet metadata: %w", err)
	}
	return nil
}

// UpdateSheetStage sets one stage status column. The column name is
// restricted to the known stage columns; it is never caller input.
func (p *Postgres) UpdateSheetStage(ctx context.Context, sheetID, column, status string) error {
	if column != ColTileStatus && column != ColMarkerStatus {
		return fmt.Errorf("unknown stage column: %s", column)
	}
	q := fmt.Sprintf(`UPDATE plan_sheets SET %s = $2 WHERE id = $1`, column)
	if _, err := p.db.ExecContext(ctx, q, sheetID, status); err != nil {
		return fmt.Errorf("failed to update sheet %s: %w", column, err)
	}
	return nil
}

// ListSheets returns every sheet for the upload ordered by sheet number.
func (p *Postgres) ListSheets(ctx context.Context, uploadID string) ([]PlanSheet, error) {
	var sheets []PlanSheet
	if err := p.db.SelectContext(ctx, &sheets, listSheetsSQL, uploadID); err != nil {
		return nil, fmt.Errorf("failed to list plan sheets: %w", err)
	}
	return sheets, nil
}

// ListExtractedSheets returns the sheets whose metadata extraction succeeded,
// ordered by sheet number. The marker fan-out builds its cross-reference
// context from this set.
func (p *Postgres) ListExtractedSheets(ctx context.Context, uploadID string) ([]PlanSheet, error) {
	var sheets []PlanSheet
	if err := p.db.SelectContext(ctx, &sheets, listExtractedSheetsSQL, uploadID); err != nil {
		return nil, fmt.Errorf("failed to list extracted sheets: %w", err)
	}
	return sheets, nil
}

// SaveCallouts persists detected marker records. Redelivered marker jobs
// re-insert the same deterministic IDs and are absorbed.
func (p *Postgres) SaveCallouts(ctx context.Context, callouts []Callout) error {
	if len(callouts) == 0 {
		return nil
	}
	if _, err := p.db.NamedExecContext(ctx, insertCalloutSQL, callouts); err != nil {
		return fmt.Errorf("failed to insert callouts: %w", err)
	}
	return nil
}

// SaveState upserts the coordinator blob and alarm deadline in one write.
func (p *Postgres) SaveState(ctx context.Context, state *pipeline.State, wakeAt *time.Time) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode coordinator state: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, saveStateSQL, state.UploadID, blob, wakeAt); err != nil {
		return fmt.Errorf("failed to save coordinator state: %w", err)
	}
	return nil
}

// LoadState fetches one coordinator blob with its alarm deadline.
func (p *Postgres) LoadState(ctx context.Context, uploadID string) (ActorState, error) {
	var row struct {
		State  []byte     `db:"state"`
		WakeAt *time.Time `db:"wake_at"`
	}
	if err := p.db.GetContext(ctx, &row, loadStateSQL, uploadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActorState{}, ErrNotFound
		}
		return ActorState{}, fmt.Errorf("failed to load coordinator state: %w", err)
	}
	return decodeActorState(row.State, row.WakeAt)
}

// ListActiveStates returns every non-terminal coordinator state for the
// restart rehydration scan.
func (p *Postgres) ListActiveStates(ctx context.Context) ([]ActorState, error) {
	rows, err := p.db.QueryxContext(ctx, listActiveStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to scan active states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActorState
	for rows.Next() {
		var blob []byte
		var wakeAt *time.Time
		if err := rows.Scan(&blob, &wakeAt); err != nil {
			return nil, fmt.Errorf("failed to scan active state row: %w", err)
		}
		st, err := decodeActorState(blob, wakeAt)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active states: %w", err)
	}
	return out, nil
}

func decodeActorState(blob []byte, wakeAt *time.Time) (ActorState, error) {
	var state pipeline.State
	if err := json.Unmarshal(blob, &state); err != nil {
		return ActorState{}, fmt.Errorf("failed to decode coordinator state: %w", err)
	}
	return ActorState{State: &state, WakeAt: wakeAt}, nil
}
