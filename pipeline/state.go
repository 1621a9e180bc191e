// Package pipeline defines the domain types shared across the plan processing
// pipeline: the coordinator's durable state, the stage statuses, the queue job
// payloads, and the object-store key scheme.
package pipeline

import (
	"fmt"
	"regexp"
	"sort"

	json "github.com/goccy/go-json"
)

// Status is the coordinator's position in the pipeline. Progression is
// monotonic along the happy-path chain; FailedTimeout is reachable from any
// non-complete status and is terminal, as is Complete.
type Status string

const (
	StatusInProgress        Status = "in_progress"
	StatusTriggeringTiles   Status = "triggering_tiles"
	StatusTilesInProgress   Status = "tiles_in_progress"
	StatusTriggeringMarkers Status = "triggering_markers"
	StatusMarkersInProgress Status = "markers_in_progress"
	StatusComplete          Status = "complete"
	StatusFailedTimeout     Status = "failed_timeout"
)

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailedTimeout
}

// SheetSet is a set of 1-based sheet numbers. It serializes as a sorted JSON
// array so that the same logical state always produces identical bytes.
type SheetSet map[int]struct{}

// NewSheetSet builds a set from the given sheet numbers.
func NewSheetSet(sheets ...int) SheetSet {
	s := make(SheetSet, len(sheets))
	for _, n := range sheets {
		s[n] = struct{}{}
	}
	return s
}

// Add inserts n and reports whether it was absent. Completion handlers use the
// return value to distinguish first delivery from a redelivered duplicate.
func (s SheetSet) Add(n int) bool {
	if _, ok := s[n]; ok {
		return false
	}
	s[n] = struct{}{}
	return true
}

// Contains reports membership.
func (s SheetSet) Contains(n int) bool {
	_, ok := s[n]
	return ok
}

// Len returns the cardinality.
func (s SheetSet) Len() int { return len(s) }

// Sorted returns the members in ascending order.
func (s SheetSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s SheetSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array of sheet numbers.
func (s *SheetSet) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	*s = NewSheetSet(nums...)
	return nil
}

// State is the coordinator's durable state for one upload. It is persisted as
// a JSON blob before every handler reply; the encoding round-trips byte-equal
// for the same logical state.
// Example:
//
//	st := pipeline.NewState("upload-1", 3, time.Now().UnixMilli())
//	st.CompletedSheets.Add(1)
//	data, _ := json.Marshal(st)
type State struct {
	UploadID         string   `json:"uploadId"`
	TotalSheets      int      `json:"totalSheets"`
	CompletedSheets  SheetSet `json:"completedSheets"`
	CompletedTiles   SheetSet `json:"completedTiles"`
	CompletedMarkers SheetSet `json:"completedMarkers"`
	Status           Status   `json:"status"`
	CreatedAt        int64    `json:"createdAt"` // epoch millis
}

// NewState returns the initial state for an upload with all completion sets
// empty and status in_progress.
func NewState(uploadID string, totalSheets int, createdAtMillis int64) *State {
	return &State{
		UploadID:         uploadID,
		TotalSheets:      totalSheets,
		CompletedSheets:  NewSheetSet(),
		CompletedTiles:   NewSheetSet(),
		CompletedMarkers: NewSheetSet(),
		Status:           StatusInProgress,
		CreatedAt:        createdAtMillis,
	}
}

// Percent returns the metadata-stage completion percentage reported by the
// progress endpoint. Later stages intentionally do not weight the number; the
// mobile client depends on this definition.
func (s *State) Percent() int {
	if s.TotalSheets == 0 {
		return 0
	}
	return s.CompletedSheets.Len() * 100 / s.TotalSheets
}

// Progress is the read-only projection served to polling clients.
type Progress struct {
	UploadID         string `json:"uploadId"`
	TotalSheets      int    `json:"totalSheets"`
	CompletedSheets  []int  `json:"completedSheets"`
	CompletedTiles   int    `json:"completedTiles"`
	CompletedMarkers int    `json:"completedMarkers"`
	Status           Status `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	Percent          int    `json:"progress"`
}

// Snapshot builds the projection for the current state.
func (s *State) Snapshot() Progress {
	return Progress{
		UploadID:         s.UploadID,
		TotalSheets:      s.TotalSheets,
		CompletedSheets:  s.CompletedSheets.Sorted(),
		CompletedTiles:   s.CompletedTiles.Len(),
		CompletedMarkers: s.CompletedMarkers.Len(),
		Status:           s.Status,
		CreatedAt:        s.CreatedAt,
		Percent:          s.Percent(),
	}
}

// DefaultMarkerContextPattern matches sheet names usable as cross-reference
// context for marker detection: a single letter discipline prefix followed by
// digits, e.g. A5 or S12.
const DefaultMarkerContextPattern = `^[A-Za-z][0-9]+$`

// SheetNameFilter classifies extracted sheet names; names it accepts are
// forwarded to the marker detector as valid cross-reference targets.
type SheetNameFilter func(name string) bool

// NewSheetNameFilter compiles pattern into a filter.
// Example:
//
//	filter, err := pipeline.NewSheetNameFilter(pipeline.DefaultMarkerContextPattern)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	filter("A5")          // true
//	filter("Sheet-14a8")  // false
func NewSheetNameFilter(pattern string) (SheetNameFilter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid marker context pattern: %w", err)
	}
	return func(name string) bool {
		return name != "" && re.MatchString(name)
	}, nil
}
