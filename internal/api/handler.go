// Package api provides the HTTP API handlers and routing for the prediction service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
	"github.com/cnpem/boltz-slurm/internal/files"
	"github.com/cnpem/boltz-slurm/internal/health"
	"github.com/cnpem/boltz-slurm/internal/job"
)

// maxRequestBodySize limits prediction requests to prevent memory exhaustion
const maxRequestBodySize = 8 << 20 // 8 MB

// multipartOverhead is the allowance for multipart framing around an upload.
const multipartOverhead = 1 << 20

// Handler contains HTTP handlers for the prediction API
type Handler struct {
	svc    *job.Service
	files  *files.Gateway
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, gateway *files.Gateway, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		files:  gateway,
		health: healthChecker,
	}
}

// Predict handles POST /predict
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeJSON(w, http.StatusRequestEntityTooLarge, &job.SubmitResponse{Message: "Request body too large"})
		return
	}

	resp, err := h.svc.Submit(r.Context(), body)
	if err != nil {
		status := apperrors.HTTPStatus(err)
		h.logError(r, err, status)
		h.writeJSON(w, status, &job.SubmitResponse{Message: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /api/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetResults handles GET /api/jobs/{jobId}/results
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Results(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetFile handles GET /api/jobs/{jobId}/file/{filename}
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	name := r.PathValue("filename")
	path, err := h.files.Artifact(j.Dir, j.OutputDir, name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.serveFile(w, r, path, files.ContentType(name), "")
}

// GetStructure handles GET /api/jobs/{jobId}/pdb
func (h *Handler) GetStructure(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if j.Status != job.StatusCompleted {
		h.handleError(w, r, apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s is %s, structure is available once completed", j.ID, j.Status)))
		return
	}

	path, err := h.files.Structure(j.OutputDir)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.serveFile(w, r, path, files.ContentType(".pdb"), j.ID+".pdb")
}

// GetArchive handles GET /api/jobs/{jobId}/archive
func (h *Handler) GetArchive(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", attachment(j.ID+".tar.gz"))
	w.WriteHeader(http.StatusOK)

	// Headers are sent; a failure can only cut the stream short.
	if err := files.WriteArchive(r.Context(), w, j.Dir, j.ID); err != nil {
		slog.Warn("Archive stream aborted", "jobId", j.ID, "error", err)
	}
}

// UploadAlignment handles POST /upload_msa
func (h *Handler) UploadAlignment(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, h.files.SaveAlignment)
}

// UploadTemplate handles POST /upload_template
func (h *Handler) UploadTemplate(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, h.files.SaveTemplate)
}

type saveFunc func(ctx context.Context, name string, r io.Reader) (*files.Upload, error)

func (h *Handler) upload(w http.ResponseWriter, r *http.Request, save saveFunc) {
	r.Body = http.MaxBytesReader(w, r.Body, h.files.MaxUploadSize()+multipartOverhead)

	part, err := filePart(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer part.Close()

	up, err := save(r.Context(), part.FileName(), part)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = apperrors.UploadRejected("file", "file exceeds the upload limit")
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, up)
}

// filePart returns the multipart part carrying the "file" field without
// buffering the upload.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperrors.Validation("file", "multipart form with a file field is required")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperrors.Validation("file", "file field is required")
		}
		if err != nil {
			return nil, apperrors.Validation("file", "invalid multipart body: "+err.Error())
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the engine or the job store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, path, contentType, downloadName string) {
	f, err := os.Open(path)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("file", filepath.Base(path)))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.serveFile", err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	if downloadName != "" {
		w.Header().Set("Content-Disposition", attachment(downloadName))
	}
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	h.logError(r, err, status)
	h.writeError(w, status, err.Error())
}

func (h *Handler) logError(r *http.Request, err error, status int) {
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
}
