package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/subscriber-import/internal/importer"
)

// =============================================================================
// IMPORT HANDLERS
// =============================================================================
// HTTP surface for the bulk import pipeline:
// - Multipart upload creating one ImportJob per file (up to 10 files)
// - Job listing, summaries, results, cancellation
// - Structure preview (headers, column types, mapping suggestions)
// - Aggregate statistics

// ImportAPI provides HTTP handlers for import jobs.
type ImportAPI struct {
	service *importer.Service
}

// NewImportAPI creates the import API handler set.
func NewImportAPI(service *importer.Service) *ImportAPI {
	return &ImportAPI{service: service}
}

// RegisterRoutes registers import routes.
func (api *ImportAPI) RegisterRoutes(r chi.Router) {
	r.Route("/import", func(r chi.Router) {
		r.Post("/jobs", api.HandleCreateJobs)
		r.Get("/jobs", api.HandleListJobs)
		r.Get("/jobs/{jobID}", api.HandleGetJob)
		r.Get("/jobs/{jobID}/summary", api.HandleGetJobSummary)
		r.Get("/jobs/{jobID}/results", api.HandleGetResults)
		r.Post("/jobs/{jobID}/cancel", api.HandleCancelJob)
		r.Get("/statistics", api.HandleStatistics)
		r.Post("/validate-structure", api.HandleValidateStructure)
	})
}

// HandleCreateJobs accepts a multipart upload and creates one import job per
// file. The "options" part carries the shared ImportOptions JSON.
// POST /api/import/jobs
func (api *ImportAPI) HandleCreateJobs(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(importer.MaxUploadSize); err != nil {
		writeJSONError(w, "invalid multipart request: "+err.Error(), http.StatusBadRequest)
		return
	}

	var req importOptionsRequest
	optionsPart := r.FormValue("options")
	if optionsPart == "" {
		writeJSONError(w, "options part is required", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal([]byte(optionsPart), &req); err != nil {
		writeJSONError(w, "invalid options JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, "invalid options: "+err.Error(), http.StatusBadRequest)
		return
	}

	userID, err := optionalUserID(r)
	if err != nil {
		writeJSONError(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		if single := r.MultipartForm.File["file"]; len(single) > 0 {
			files = single
		}
	}
	if len(files) == 0 {
		writeJSONError(w, "at least one file is required", http.StatusBadRequest)
		return
	}
	if len(files) > importer.MaxUploadFiles {
		writeJSONError(w, fmt.Sprintf("at most %d files per upload", importer.MaxUploadFiles), http.StatusBadRequest)
		return
	}

	var jobs []importer.ImportJob
	for _, header := range files {
		job, err := api.createJobFromFile(r, header, req, userID)
		if err != nil {
			// A rejected file rejects the whole request: nothing was queued
			// for it and the client must fix the upload.
			writeServiceError(w, err)
			return
		}
		jobs = append(jobs, *job)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (api *ImportAPI) createJobFromFile(r *http.Request, header *multipart.FileHeader, req importOptionsRequest, userID *uuid.UUID) (*importer.ImportJob, error) {
	if header.Size > importer.MaxUploadSize {
		return nil, fmt.Errorf("file %s exceeds the %d byte limit", header.Filename, importer.MaxUploadSize)
	}
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %s: %w", header.Filename, err)
	}
	defer f.Close()

	return api.service.CreateImportJob(r.Context(), importer.CreateJobInput{
		OriginalFileName: header.Filename,
		ContentType:      header.Header.Get("Content-Type"),
		Content:          f,
		Options:          req.toOptions(),
		UserID:           userID,
	})
}

// HandleListJobs returns a filtered page of jobs.
// GET /api/import/jobs?user_id=&status=&page=&limit=
func (api *ImportAPI) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := importer.ListJobsFilter{
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", 20),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := importer.JobStatus(s)
		filter.Status = &status
	}
	if s := r.URL.Query().Get("user_id"); s != "" {
		userID, err := uuid.Parse(s)
		if err != nil {
			writeJSONError(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		filter.UserID = &userID
	}

	jobs, total, err := api.service.ListImportJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []importer.ImportJob{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// HandleGetJob returns one job.
// GET /api/import/jobs/{jobID}
func (api *ImportAPI) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJSONError(w, "invalid job ID", http.StatusBadRequest)
		return
	}

	job, err := api.service.GetImportJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleGetJobSummary returns the condensed progress view.
// GET /api/import/jobs/{jobID}/summary
func (api *ImportAPI) HandleGetJobSummary(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJSONError(w, "invalid job ID", http.StatusBadRequest)
		return
	}

	summary, err := api.service.GetImportJobSummary(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleGetResults returns a job's per-row results.
// GET /api/import/jobs/{jobID}/results?status=&limit=&offset=
func (api *ImportAPI) HandleGetResults(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJSONError(w, "invalid job ID", http.StatusBadRequest)
		return
	}

	filter := importer.ResultsFilter{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := importer.ResultStatus(s)
		filter.Status = &status
	}

	results, err := api.service.GetImportResults(r.Context(), jobID, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if results == nil {
		results = []importer.ImportResult{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// HandleCancelJob cancels a pending or processing job.
// POST /api/import/jobs/{jobID}/cancel
func (api *ImportAPI) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJSONError(w, "invalid job ID", http.StatusBadRequest)
		return
	}

	if err := api.service.CancelImportJob(r.Context(), jobID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "job cancelled",
	})
}

// HandleStatistics aggregates job outcomes, optionally for one user.
// GET /api/import/statistics?user_id=
func (api *ImportAPI) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	userID, err := optionalUserID(r)
	if err != nil {
		writeJSONError(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	stats, err := api.service.GetImportStatistics(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleValidateStructure previews a CSV without creating a job.
// POST /api/import/validate-structure (multipart, "file" part)
func (api *ImportAPI) HandleValidateStructure(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(importer.MaxUploadSize); err != nil {
		writeJSONError(w, "invalid multipart request: "+err.Error(), http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "file part is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	report, err := api.service.ValidateCsvStructure(r.Context(), f, header.Filename)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ── request helpers ──────────────────────────────────────────────────────────

func optionalUserID(r *http.Request) (*uuid.UUID, error) {
	s := r.URL.Query().Get("user_id")
	if s == "" {
		s = r.FormValue("user_id")
	}
	if s == "" {
		return nil, nil
	}
	userID, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &userID, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fallback
	}
	return n
}
