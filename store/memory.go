package store

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Woody88/sitelink/pipeline"
)

// Memory implements Store using in-process maps. It is primarily intended for
// testing and mirrors the Postgres implementation's semantics, including
// insert-if-absent behavior and state blob round-tripping.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[string]ProcessingJob
	sheets   map[string]PlanSheet
	callouts map[string]Callout
	states   map[string]memoryState
}

type memoryState struct {
	blob   []byte
	wakeAt *time.Time
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]ProcessingJob),
		sheets:   make(map[string]PlanSheet),
		callouts: make(map[string]Callout),
		states:   make(map[string]memoryState),
	}
}

// CreateJob inserts the job row if absent.
func (m *Memory) CreateJob(ctx context.Context, job ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.UploadID]; ok {
		return nil
	}
	job.UpdatedAt = time.Now()
	m.jobs[job.UploadID] = job
	return nil
}

// GetJob fetches one job row.
func (m *Memory) GetJob(ctx context.Context, uploadID string) (ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[uploadID]
	if !ok {
		return ProcessingJob{}, ErrNotFound
	}
	return job, nil
}

// UpdateJobStatus writes the status and diagnostic message.
func (m *Memory) UpdateJobStatus(ctx context.Context, uploadID string, status JobStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[uploadID]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.LastError = lastError
	job.UpdatedAt = time.Now()
	if status == JobComplete || status == JobFailed {
		now := time.Now()
		job.CompletedAt = &now
	}
	m.jobs[uploadID] = job
	return nil
}

// InsertSheets writes placeholder sheet rows, skipping existing IDs.
func (m *Memory) InsertSheets(ctx context.Context, sheets []PlanSheet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sheets {
		if _, ok := m.sheets[s.ID]; !ok {
			m.sheets[s.ID] = s
		}
	}
	return nil
}

// GetSheet fetches one sheet row by upload and sheet number.
func (m *Memory) GetSheet(ctx context.Context, uploadID string, sheetNumber int) (PlanSheet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sheets {
		if s.UploadID == uploadID && s.SheetNumber == sheetNumber {
			return s, nil
		}
	}
	return PlanSheet{}, ErrNotFound
}

// UpdateSheetMetadata records the extracted label and page key.
func (m *Memory) UpdateSheetMetadata(ctx context.Context, sheetID, sheetName, sheetKey, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return ErrNotFound
	}
	s.SheetName = sheetName
	s.SheetKey = sheetKey
	s.MetadataStatus = status
	m.sheets[sheetID] = s
	return nil
}

// UpdateSheetStage sets one stage status column.
func (m *Memory) UpdateSheetStage(ctx context.Context, sheetID, column, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return ErrNotFound
	}
	switch column {
	case ColTileStatus:
		s.TileStatus = status
	case ColMarkerStatus:
		s.MarkerStatus = status
	default:
		return ErrNotFound
	}
	m.sheets[sheetID] = s
	return nil
}

// ListSheets returns the upload's sheets ordered by sheet number.
func (m *Memory) ListSheets(ctx context.Context, uploadID string) ([]PlanSheet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PlanSheet
	for _, s := range m.sheets {
		if s.UploadID == uploadID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SheetNumber < out[j].SheetNumber })
	return out, nil
}

// ListExtractedSheets returns sheets with extracted metadata, ordered by
// sheet number.
func (m *Memory) ListExtractedSheets(ctx context.Context, uploadID string) ([]PlanSheet, error) {
	all, _ := m.ListSheets(ctx, uploadID)
	out := make([]PlanSheet, 0, len(all))
	for _, s := range all {
		if s.MetadataStatus == SheetExtracted {
			out = append(out, s)
		}
	}
	return out, nil
}

// SaveCallouts persists detected marker records, skipping existing IDs.
func (m *Memory) SaveCallouts(ctx context.Context, callouts []Callout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range callouts {
		if _, ok := m.callouts[c.ID]; !ok {
			m.callouts[c.ID] = c
		}
	}
	return nil
}

// Callouts returns the stored callouts for one upload, for test assertions.
func (m *Memory) Callouts(uploadID string) []Callout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Callout
	for _, c := range m.callouts {
		if c.UploadID == uploadID {
			out = append(out, c)
		}
	}
	return out
}

// SaveState upserts the coordinator blob and alarm deadline. The blob is
// serialized so tests observe the same round-trip behavior as Postgres.
func (m *Memory) SaveState(ctx context.Context, state *pipeline.State, wakeAt *time.Time) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.UploadID] = memoryState{blob: blob, wakeAt: wakeAt}
	return nil
}

// LoadState fetches one coordinator blob with its alarm deadline.
func (m *Memory) LoadState(ctx context.Context, uploadID string) (ActorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[uploadID]
	if !ok {
		return ActorState{}, ErrNotFound
	}
	return decodeActorState(st.blob, st.wakeAt)
}

// ListActiveStates returns every non-terminal coordinator state.
func (m *Memory) ListActiveStates(ctx context.Context) ([]ActorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ActorState
	for _, st := range m.states {
		decoded, err := decodeActorState(st.blob, st.wakeAt)
		if err != nil {
			return nil, err
		}
		if decoded.State.Status.Terminal() {
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

// StateBlob returns the raw persisted bytes for one upload, for round-trip
// assertions in tests.
func (m *Memory) StateBlob(uploadID string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[uploadID].blob
}
