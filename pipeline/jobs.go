package pipeline

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrCorruptPayload is returned when a queue message cannot be decoded into a
// stage job. Consumers dead-letter such messages instead of retrying them.
var ErrCorruptPayload = fmt.Errorf("corrupt job payload")

// MetadataJob instructs a metadata worker to rasterize one page and extract
// its sheet label. One job is published per page at intake.
type MetadataJob struct {
	UploadID       string `json:"uploadId"`
	SheetNumber    int    `json:"sheetNumber"`
	SheetKey       string `json:"sheetKey"`
	PlanID         string `json:"planId"`
	ProjectID      string `json:"projectId"`
	OrganizationID string `json:"organizationId"`
}

// TileJob instructs a tile worker to produce the deep-zoom pyramid for one
// rasterized sheet. Published by the coordinator when every sheet's metadata
// extraction has been acknowledged.
type TileJob struct {
	UploadID       string `json:"uploadId"`
	SheetID        string `json:"sheetId"`
	SheetNumber    int    `json:"sheetNumber"`
	SheetKey       string `json:"sheetKey"`
	PlanID         string `json:"planId"`
	ProjectID      string `json:"projectId"`
	OrganizationID string `json:"organizationId"`
	TotalSheets    int    `json:"totalSheets"`
}

// MarkerJob instructs a marker worker to detect callouts on one sheet.
// ValidSheets carries the cross-reference context: the extracted sheet names
// that detected references may legally point at. An empty list means "run
// without cross-reference context".
type MarkerJob struct {
	UploadID       string   `json:"uploadId"`
	PlanID         string   `json:"planId"`
	OrganizationID string   `json:"organizationId"`
	ProjectID      string   `json:"projectId"`
	SheetID        string   `json:"sheetId"`
	SheetNumber    int      `json:"sheetNumber"`
	SheetKey       string   `json:"sheetKey"`
	TotalSheets    int      `json:"totalSheets"`
	ValidSheets    []string `json:"validSheets"`
}

// EncodeJob serializes any stage job for queue publication.
func EncodeJob(job any) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

// DecodeMetadataJob parses a metadata queue message.
func DecodeMetadataJob(data []byte) (MetadataJob, error) {
	var job MetadataJob
	if err := json.Unmarshal(data, &job); err != nil {
		return MetadataJob{}, ErrCorruptPayload
	}
	if job.UploadID == "" || job.SheetNumber < 1 {
		return MetadataJob{}, ErrCorruptPayload
	}
	return job, nil
}

// DecodeTileJob parses a tile queue message.
func DecodeTileJob(data []byte) (TileJob, error) {
	var job TileJob
	if err := json.Unmarshal(data, &job); err != nil {
		return TileJob{}, ErrCorruptPayload
	}
	if job.UploadID == "" || job.SheetNumber < 1 {
		return TileJob{}, ErrCorruptPayload
	}
	return job, nil
}

// DecodeMarkerJob parses a marker queue message.
func DecodeMarkerJob(data []byte) (MarkerJob, error) {
	var job MarkerJob
	if err := json.Unmarshal(data, &job); err != nil {
		return MarkerJob{}, ErrCorruptPayload
	}
	if job.UploadID == "" || job.SheetNumber < 1 {
		return MarkerJob{}, ErrCorruptPayload
	}
	return job, nil
}
