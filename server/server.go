// Package server exposes the pipeline over HTTP: the coordinator control
// plane used by stage workers, the intake endpoint, the progress projection
// polled by clients, and the health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/Woody88/sitelink/coordinator"
	"github.com/Woody88/sitelink/pipeline"
)

// Server wires the HTTP surface.
type Server struct {
	coord          *coordinator.Coordinator
	intake         *Intake
	log            *logrus.Logger
	metricsHandler http.Handler
	defaultTimeout time.Duration
}

// New creates the server. metricsHandler serves GET /metrics; pass the
// promhttp handler for the process registry.
func New(coord *coordinator.Coordinator, intake *Intake, log *logrus.Logger,
	metricsHandler http.Handler, defaultTimeout time.Duration) *Server {
	return &Server{
		coord:          coord,
		intake:         intake,
		log:            log,
		metricsHandler: metricsHandler,
		defaultTimeout: defaultTimeout,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/initialize", s.handleInitialize)
	r.Post("/sheet-complete", s.completionHandler(s.coord.SheetComplete, "completedSheets"))
	r.Post("/tile-complete", s.completionHandler(s.coord.TileComplete, "completedTiles"))
	r.Post("/marker-complete", s.completionHandler(s.coord.MarkerComplete, "completedMarkers"))
	r.Get("/progress", s.handleProgress)

	r.Post("/plans", s.intake.Handle)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metricsHandler)

	return r
}

type initializeRequest struct {
	UploadID    string `json:"uploadId"`
	TotalSheets int    `json:"totalSheets"`
	TimeoutMs   int64  `json:"timeoutMs"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	timeout := s.defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	progress, err := s.coord.Initialize(r.Context(), req.UploadID, req.TotalSheets, timeout)
	if err != nil {
		var conflict *coordinator.ErrAlreadyInitialized
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": progress})
}

type completionRequest struct {
	UploadID    string   `json:"uploadId"`
	SheetNumber int      `json:"sheetNumber"`
	ValidSheets []string `json:"validSheets,omitempty"`
}

// completionHandler builds the shared handler for the three *-complete
// endpoints; countField names the stage's counter in the response body.
func (s *Server) completionHandler(
	complete func(ctx context.Context, uploadID string, sheetNumber int) (pipeline.Progress, error),
	countField string,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		progress, err := complete(r.Context(), req.UploadID, req.SheetNumber)
		if err != nil {
			if errors.Is(err, coordinator.ErrNotInitialized) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		count := len(progress.CompletedSheets)
		switch countField {
		case "completedTiles":
			count = progress.CompletedTiles
		case "completedMarkers":
			count = progress.CompletedMarkers
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"progress": map[string]any{
				countField:    count,
				"totalSheets": progress.TotalSheets,
				"status":      progress.Status,
			},
		})
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := r.URL.Query().Get("uploadId")
	progress, err := s.coord.Progress(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotInitialized) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
