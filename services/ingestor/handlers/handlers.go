// Package handlers implements the HTTP endpoints of the ingestor
// service. Handlers translate between the wire contract and the
// pipeline/store layers; they never run extraction logic themselves.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fhirbridge/fhirbridge/services/ingestor/auth"
	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/pipeline"
	"github.com/fhirbridge/fhirbridge/services/ingestor/store"
)

const (
	maxFilesPerIngest = 8
	defaultPageSize   = 15

	// retryAfter is sent with every 503 so well-behaved clients back off.
	retryAfter = "30"
)

// Pipeline is the slice of the orchestrator the handlers need.
type Pipeline interface {
	Ingest(ctx context.Context, patientID, submissionID string, files []pipeline.SourceFile) (*pipeline.Result, error)
	Synthesize(ctx context.Context, bundleJSON, doctorNotes string) (string, error)
}

// Options configures a Handler.
type Options struct {
	Store    *store.Store
	Pipeline Pipeline
	Auth     *auth.Provider

	Version string
	Model   string
	// RequestDeadline caps one ingest or rerun end to end.
	RequestDeadline time.Duration
	// MaxFileBytes caps a single uploaded file.
	MaxFileBytes int64
}

// Handler carries the dependencies for all routes.
type Handler struct {
	store        *store.Store
	pipe         Pipeline
	auth         *auth.Provider
	version      string
	model        string
	deadline     time.Duration
	maxFileBytes int64
}

func New(opts Options) *Handler {
	if opts.RequestDeadline <= 0 {
		opts.RequestDeadline = 120 * time.Second
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 15 << 20
	}
	return &Handler{
		store:        opts.Store,
		pipe:         opts.Pipeline,
		auth:         opts.Auth,
		version:      opts.Version,
		model:        opts.Model,
		deadline:     opts.RequestDeadline,
		maxFileBytes: opts.MaxFileBytes,
	}
}

// Health reports liveness. Public.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
		"model":   h.model,
	})
}

// Register issues a new frontend API key. Public by design: the
// dashboard self-registers on first run.
func (h *Handler) Register(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&body) // name is optional

	key, err := h.auth.Register(c.Request.Context(), body.Name)
	if err != nil {
		h.storageError(c, "issuing api key", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"api_key": key.Key,
		"name":    key.Name,
		"role":    key.Role,
	})
}

// Ingest accepts a multipart upload and runs the full pipeline.
func (h *Handler) Ingest(c *gin.Context) {
	patientID := strings.TrimSpace(c.PostForm("patient_id"))
	if patientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patient_id is required"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed multipart body"})
		return
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		uploads = form.File["files[]"]
	}
	if len(uploads) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required"})
		return
	}
	if len(uploads) > maxFilesPerIngest {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("at most %d files per request", maxFilesPerIngest),
		})
		return
	}

	files, status, err := h.readUploads(uploads)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	submissionID := uuid.NewString()
	filename, imageURL, err := h.persistFiles(submissionID, files)
	if err != nil {
		h.storageError(c, "storing uploads", err)
		return
	}

	ctx, cancel := contextWithDeadline(c, h.deadline)
	defer cancel()
	res, err := h.pipe.Ingest(ctx, patientID, submissionID, files)
	if err != nil {
		h.pipelineError(c, err)
		return
	}

	sub := &datatypes.Submission{
		ID:            submissionID,
		PatientID:     patientID,
		Filename:      filename,
		ImageURL:      imageURL,
		Status:        res.Status,
		FHIRBundle:    string(res.BundleJSON),
		RawExtraction: res.Raw,
	}
	if err := h.store.SaveSubmission(c.Request.Context(), sub); err != nil {
		h.storageError(c, "persisting submission", err)
		return
	}

	slog.Info("Ingest complete",
		"submission_id", submissionID, "patient_id", patientID,
		"status", res.Status, "modality", res.Modality,
		"attempts", res.Attempts, "elapsed_ms", res.Elapsed.Milliseconds())

	c.JSON(http.StatusOK, gin.H{
		"submission_id": submissionID,
		"patient_id":    patientID,
		"status":        res.Status,
		"db_persisted":  true,
		"fhir_bundle":   json.RawMessage(res.BundleJSON),
	})
}

// readUploads validates and loads the multipart files into memory.
func (h *Handler) readUploads(uploads []*multipart.FileHeader) ([]pipeline.SourceFile, int, error) {
	files := make([]pipeline.SourceFile, 0, len(uploads))
	for _, fh := range uploads {
		if fh.Size > h.maxFileBytes {
			return nil, http.StatusRequestEntityTooLarge,
				fmt.Errorf("file %s exceeds the %d byte limit", fh.Filename, h.maxFileBytes)
		}
		mimeType := contentType(fh)
		if !allowedMIME(mimeType) {
			return nil, http.StatusBadRequest,
				fmt.Errorf("unsupported file type %s for %s", mimeType, fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("reading upload %s", fh.Filename)
		}
		data, err := io.ReadAll(io.LimitReader(f, h.maxFileBytes+1))
		f.Close()
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("reading upload %s", fh.Filename)
		}
		if int64(len(data)) > h.maxFileBytes {
			return nil, http.StatusRequestEntityTooLarge,
				fmt.Errorf("file %s exceeds the %d byte limit", fh.Filename, h.maxFileBytes)
		}
		files = append(files, pipeline.SourceFile{Name: fh.Filename, MIME: mimeType, Data: data})
	}
	return files, http.StatusOK, nil
}

// persistFiles writes the uploads to disk and returns the first file's
// name and serving URL for the submission row.
func (h *Handler) persistFiles(submissionID string, files []pipeline.SourceFile) (string, string, error) {
	var filename, imageURL string
	for i, f := range files {
		rel, err := h.store.Files().Save(submissionID, i, f.Name, f.Data)
		if err != nil {
			return "", "", err
		}
		if i == 0 {
			filename = f.Name
			imageURL = h.store.Files().URL(rel)
		}
	}
	return filename, imageURL, nil
}

// ListSubmissions returns the recent submissions, newest first.
func (h *Handler) ListSubmissions(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	subs, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.storageError(c, "listing submissions", err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// ListPatients returns the grouped patients view.
func (h *Handler) ListPatients(c *gin.Context) {
	patients, err := h.store.ListPatients(c.Request.Context())
	if err != nil {
		h.storageError(c, "listing patients", err)
		return
	}
	c.JSON(http.StatusOK, patients)
}

// PatientHistory returns one patient's submissions, newest first.
func (h *Handler) PatientHistory(c *gin.Context) {
	subs, err := h.store.PatientHistory(c.Request.Context(), c.Param("pid"))
	if err != nil {
		h.storageError(c, "fetching patient history", err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// Rerun reprocesses a stored submission's files through the pipeline.
// Concurrent reruns of the same id are rejected with 409.
func (h *Handler) Rerun(c *gin.Context) {
	id := c.Param("id")

	if !h.store.Locks().TryLock(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "a rerun for this submission is already in progress"})
		return
	}
	defer h.store.Locks().Unlock(id)

	sub, err := h.store.GetSubmission(c.Request.Context(), id)
	if err != nil {
		h.submissionError(c, id, err)
		return
	}

	rels, err := h.store.Files().List(id)
	if err != nil || len(rels) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "stored files for this submission are missing"})
		return
	}
	files := make([]pipeline.SourceFile, 0, len(rels))
	for _, rel := range rels {
		data, err := h.store.Files().Read(rel)
		if err != nil {
			h.storageError(c, "reading stored files", err)
			return
		}
		name := filepath.Base(rel)
		files = append(files, pipeline.SourceFile{Name: name, MIME: mimeByName(name), Data: data})
	}

	ctx, cancel := contextWithDeadline(c, h.deadline)
	defer cancel()
	res, err := h.pipe.Ingest(ctx, sub.PatientID, id, files)
	if err != nil {
		h.pipelineError(c, err)
		return
	}

	if err := h.store.UpdateResult(c.Request.Context(), id, res.Status, string(res.BundleJSON), res.Raw); err != nil {
		h.submissionError(c, id, err)
		return
	}

	slog.Info("Rerun complete", "submission_id", id, "status", res.Status, "attempts", res.Attempts)
	c.JSON(http.StatusOK, gin.H{
		"submission_id": id,
		"patient_id":    sub.PatientID,
		"status":        res.Status,
		"db_persisted":  true,
		"fhir_bundle":   json.RawMessage(res.BundleJSON),
	})
}

// SaveNotes stores the clinician's notes on a submission.
func (h *Handler) SaveNotes(c *gin.Context) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"notes\": string}"})
		return
	}
	id := c.Param("id")
	if err := h.store.UpdateNotes(c.Request.Context(), id, body.Notes); err != nil {
		h.submissionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission_id": id, "saved": true})
}

// GenerateSummary synthesizes the AI summary for a submission. It
// regenerates on every call; clients that want memoization cache on
// their side.
func (h *Handler) GenerateSummary(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.store.GetSubmission(c.Request.Context(), id)
	if err != nil {
		h.submissionError(c, id, err)
		return
	}

	ctx, cancel := contextWithDeadline(c, h.deadline)
	defer cancel()
	summary, err := h.pipe.Synthesize(ctx, sub.FHIRBundle, sub.DoctorNotes)
	if err != nil {
		h.pipelineError(c, err)
		return
	}

	if err := h.store.UpdateSummary(c.Request.Context(), id, summary); err != nil {
		h.submissionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// ServeFile streams a stored original. Traversal attempts 404; the
// resolved path never leaves the upload root.
func (h *Handler) ServeFile(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("relpath"), "/")
	abs, err := h.store.Files().Resolve(rel)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.File(abs)
}

// pipelineError maps orchestrator failures onto the wire contract.
func (h *Handler) pipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrLLMBusy):
		c.Header("Retry-After", retryAfter)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is at capacity, retry shortly"})
	case errors.Is(err, pipeline.ErrUpstream):
		c.Header("Retry-After", retryAfter)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "language model endpoint is unavailable"})
	default:
		// Deadline and cancellation land here.
		c.Header("Retry-After", retryAfter)
		slog.Error("Pipeline run failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "processing did not complete in time"})
	}
}

func (h *Handler) storageError(c *gin.Context, action string, err error) {
	slog.Error("Storage failure", "action", action, "error", err)
	c.Header("Retry-After", retryAfter)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is unavailable"})
}

func (h *Handler) submissionError(c *gin.Context, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown submission id"})
		return
	}
	h.storageError(c, "submission "+id, err)
}

func contextWithDeadline(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

func allowedMIME(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || mimeType == "application/pdf"
}

// contentType prefers the part's declared type, falling back to the
// file extension.
func contentType(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return mimeByName(fh.Filename)
}

func mimeByName(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}
