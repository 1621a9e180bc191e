package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Woody88/sitelink/coordinator"
	"github.com/Woody88/sitelink/objectstore"
	"github.com/Woody88/sitelink/pipeline"
	"github.com/Woody88/sitelink/queue"
	"github.com/Woody88/sitelink/raster"
	"github.com/Woody88/sitelink/store"
)

// maxUploadBytes caps the accepted plan size.
const maxUploadBytes = 256 << 20

// IntakeRequest is the multipart form accompanying the uploaded PDF.
type IntakeRequest struct {
	UploadID       string `validate:"required"`
	PlanID         string `validate:"required"`
	ProjectID      string `validate:"required"`
	OrganizationID string `validate:"required"`
}

// Intake validates an upload, stores the original PDF, determines the page
// count, creates the job and placeholder sheet rows, initializes the
// coordinator, and finally enqueues the metadata jobs. The coordinator must
// exist before any worker can post a completion, so initialization strictly
// precedes the enqueue; if the enqueue fails the handler errors out and the
// deadline alarm caps the partial job.
type Intake struct {
	store     store.Store
	objects   objectstore.Store
	raster    raster.Service
	coord     *coordinator.Coordinator
	queue     queue.Queue
	queueName string
	timeout   time.Duration
	validate  *validator.Validate
	log       *logrus.Logger
}

// NewIntake wires the intake handler.
func NewIntake(st store.Store, objects objectstore.Store, svc raster.Service,
	coord *coordinator.Coordinator, q queue.Queue, queueName string,
	timeout time.Duration, log *logrus.Logger) *Intake {
	return &Intake{
		store:     st,
		objects:   objects,
		raster:    svc,
		coord:     coord,
		queue:     q,
		queueName: queueName,
		timeout:   timeout,
		validate:  validator.New(),
		log:       log,
	}
}

// Handle processes POST /plans.
func (i *Intake) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	req := IntakeRequest{
		UploadID:       r.FormValue("uploadId"),
		PlanID:         r.FormValue("planId"),
		ProjectID:      r.FormValue("projectId"),
		OrganizationID: r.FormValue("organizationId"),
	}
	if err := i.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing plan file: %w", err))
		return
	}
	defer func() { _ = file.Close() }()
	pdf, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read plan file: %w", err))
		return
	}

	ctx := r.Context()
	log := i.log.WithField("uploadId", req.UploadID)

	originalKey := pipeline.OriginalKey(req.OrganizationID, req.ProjectID, req.PlanID)
	if err := i.objects.Put(ctx, originalKey, pdf, "application/pdf"); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	totalSheets, err := i.raster.PageCount(ctx, originalKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to determine page count: %w", err))
		return
	}

	if err := i.store.CreateJob(ctx, store.ProcessingJob{
		UploadID:       req.UploadID,
		PlanID:         req.PlanID,
		ProjectID:      req.ProjectID,
		OrganizationID: req.OrganizationID,
		Status:         store.JobPending,
		StartedAt:      time.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sheets := make([]store.PlanSheet, 0, totalSheets)
	for n := 1; n <= totalSheets; n++ {
		sheets = append(sheets, store.PlanSheet{
			ID:             uuid.NewString(),
			UploadID:       req.UploadID,
			PlanID:         req.PlanID,
			SheetNumber:    n,
			MetadataStatus: store.SheetPending,
			TileStatus:     store.SheetPending,
			MarkerStatus:   store.SheetPending,
		})
	}
	if err := i.store.InsertSheets(ctx, sheets); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if _, err := i.coord.Initialize(ctx, req.UploadID, totalSheets, i.timeout); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	for n := 1; n <= totalSheets; n++ {
		payload, err := pipeline.EncodeJob(pipeline.MetadataJob{
			UploadID:       req.UploadID,
			SheetNumber:    n,
			SheetKey:       pipeline.PageKey(req.OrganizationID, req.ProjectID, req.PlanID, n),
			PlanID:         req.PlanID,
			ProjectID:      req.ProjectID,
			OrganizationID: req.OrganizationID,
		})
		if err == nil {
			err = i.queue.Publish(ctx, i.queueName, payload)
		}
		if err != nil {
			// The coordinator is armed; the deadline alarm caps this partial
			// job even though some metadata jobs never made it out.
			log.WithError(err).Error("failed to enqueue metadata jobs")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	log.WithField("totalSheets", totalSheets).Info("plan accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"uploadId":    req.UploadID,
		"totalSheets": totalSheets,
	})
}
