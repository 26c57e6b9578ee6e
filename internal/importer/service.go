package importer

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IMPORT JOB ORCHESTRATOR
// =============================================================================
// Owns the ImportJob lifecycle: upload intake (store, scan, parse, mapping
// validation), job CRUD and listing, cancellation, results access,
// statistics and cleanup. The orchestrator is the sole writer of job status
// transitions; the batch processor reports progress through the ProgressSink
// contract implemented here.

// JobEnqueuer hands a created job to the processing queue.
type JobEnqueuer interface {
	EnqueueImportJob(ctx context.Context, jobID uuid.UUID) error
}

// Service is the import job orchestrator.
type Service struct {
	store   *JobStore
	files   *FileStore
	scanner *SecurityScanner
	fields  *CustomFieldService
	queue   JobEnqueuer
}

// NewService creates the orchestrator.
func NewService(store *JobStore, files *FileStore, scanner *SecurityScanner, fields *CustomFieldService, queue JobEnqueuer) *Service {
	return &Service{
		store:   store,
		files:   files,
		scanner: scanner,
		fields:  fields,
		queue:   queue,
	}
}

// Store exposes the job store for collaborators wired at startup.
func (s *Service) Store() *JobStore { return s.store }

// Files exposes the file store for collaborators wired at startup.
func (s *Service) Files() *FileStore { return s.files }

// CreateJobInput is the upload payload for CreateImportJob.
type CreateJobInput struct {
	OriginalFileName string
	ContentType      string
	Content          io.Reader
	Options          ImportOptions
	UserID           *uuid.UUID
}

// CreateImportJob stores the upload, scans it, parses it, validates the
// column mapping, persists a PENDING job and enqueues it for processing.
// Any failure before the enqueue leaves no job behind.
func (s *Service) CreateImportJob(ctx context.Context, input CreateJobInput) (*ImportJob, error) {
	if input.ContentType != "" && !AllowedMIMETypes[input.ContentType] {
		return nil, fmt.Errorf("unsupported file type: %s", input.ContentType)
	}
	input.Options.Normalize()

	jobID := uuid.New()
	path, hash, size, err := s.files.Save(jobID, input.OriginalFileName, input.Content)
	if err != nil {
		return nil, err
	}
	log.Printf("[ImportService] stored upload for job %s: %s (%d bytes)", jobID, path, size)

	scan, err := s.scanner.ScanFile(ctx, path)
	if err != nil {
		s.files.CleanupJobFiles(jobID)
		return nil, fmt.Errorf("security scan failed: %w", err)
	}
	if !scan.IsClean {
		if _, qerr := s.files.Quarantine(path, jobID, scan.Threats); qerr != nil {
			log.Printf("[ImportService] quarantine failed for job %s: %v", jobID, qerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrFileQuarantined, scan.Threats)
	}

	parsed, err := ParseCSVFile(path)
	if err != nil {
		s.files.CleanupJobFiles(jobID)
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(parsed.Rows) == 0 {
		s.files.CleanupJobFiles(jobID)
		return nil, fmt.Errorf("file contains no importable rows")
	}

	fieldSet, err := s.fields.ActiveFieldSet(ctx)
	if err != nil {
		s.files.CleanupJobFiles(jobID)
		return nil, err
	}
	if !ValidateMapping(input.Options.ColumnMapping, fieldSet) {
		s.files.CleanupJobFiles(jobID)
		return nil, fmt.Errorf("%w: exactly one column must map to 'email' and all targets must be known fields", ErrMappingInvalid)
	}

	now := time.Now().UTC()
	job := &ImportJob{
		ID:               jobID,
		FileName:         SanitizeFileName(input.OriginalFileName),
		OriginalFileName: input.OriginalFileName,
		FilePath:         path,
		Status:           JobStatusPending,
		TotalRecords:     len(parsed.Rows),
		Options:          input.Options,
		UserID:           input.UserID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertJob(ctx, job, hash); err != nil {
		s.files.CleanupJobFiles(jobID)
		return nil, err
	}

	if err := s.queue.EnqueueImportJob(ctx, jobID); err != nil {
		failed := JobStatusFailed
		msg := "failed to enqueue job: " + err.Error()
		_ = s.store.UpdateProgress(ctx, jobID, JobProgress{Status: &failed, Error: &msg})
		s.files.CleanupJobFiles(jobID)
		return nil, fmt.Errorf("failed to enqueue import job: %w", err)
	}

	log.Printf("[ImportService] created job %s (%d rows, batch=%d, threshold=%d)",
		jobID, job.TotalRecords, job.Options.BatchSize, job.Options.ValidationThreshold)
	return job, nil
}

// GetImportJob fetches one job.
func (s *Service) GetImportJob(ctx context.Context, jobID uuid.UUID) (*ImportJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// JobSummary is the condensed job view for polling clients.
type JobSummary struct {
	ID                 uuid.UUID          `json:"id"`
	Status             JobStatus          `json:"status"`
	TotalRecords       int                `json:"total_records"`
	ProcessedRecords   int                `json:"processed_records"`
	ValidRecords       int                `json:"valid_records"`
	InvalidRecords     int                `json:"invalid_records"`
	RiskyRecords       int                `json:"risky_records"`
	DuplicateRecords   int                `json:"duplicate_records"`
	ProgressPercentage float64            `json:"progress_percentage"`
	ValidationSummary  *ValidationSummary `json:"validation_summary,omitempty"`
	Error              string             `json:"error,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// GetImportJobSummary returns the condensed progress view of one job.
func (s *Service) GetImportJobSummary(ctx context.Context, jobID uuid.UUID) (*JobSummary, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobSummary{
		ID:                 job.ID,
		Status:             job.Status,
		TotalRecords:       job.TotalRecords,
		ProcessedRecords:   job.ProcessedRecords,
		ValidRecords:       job.ValidRecords,
		InvalidRecords:     job.InvalidRecords,
		RiskyRecords:       job.RiskyRecords,
		DuplicateRecords:   job.DuplicateRecords,
		ProgressPercentage: job.ProgressPercentage,
		ValidationSummary:  job.ValidationSummary,
		Error:              job.Error,
		CreatedAt:          job.CreatedAt,
		CompletedAt:        job.CompletedAt,
	}, nil
}

// ListImportJobs returns a filtered page of jobs newest-first.
func (s *Service) ListImportJobs(ctx context.Context, filter ListJobsFilter) ([]ImportJob, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// UpdateJobProgress implements ProgressSink. A terminal job accepts no
// further updates of any kind, which closes the cancellation race with an
// in-flight batch loop: a job cancelled after the last batch-progress write
// cannot be flipped to COMPLETED by the processor's final patch.
func (s *Service) UpdateJobProgress(ctx context.Context, jobID uuid.UUID, patch JobProgress) error {
	current, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: refusing progress update on %s job", ErrJobTerminal, current.Status)
	}
	return s.store.UpdateProgress(ctx, jobID, patch)
}

// CancelImportJob cancels a PENDING or PROCESSING job. The job is modeled as
// FAILED with a sentinel error; its temp files are removed. Cancelling a
// terminal job returns ErrJobTerminal and leaves the record unchanged.
func (s *Service) CancelImportJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	failed := JobStatusFailed
	msg := CancelledByUserError
	if err := s.store.UpdateProgress(ctx, jobID, JobProgress{Status: &failed, Error: &msg}); err != nil {
		return err
	}
	if err := s.files.CleanupJobFiles(jobID); err != nil {
		log.Printf("[ImportService] file cleanup failed for cancelled job %s: %v", jobID, err)
	}
	log.Printf("[ImportService] job %s cancelled by user", jobID)
	return nil
}

// GetImportResults returns a job's per-row results.
func (s *Service) GetImportResults(ctx context.Context, jobID uuid.UUID, filter ResultsFilter) ([]ImportResult, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.GetResults(ctx, jobID, filter)
}

// GetImportStatistics aggregates outcomes across jobs, optionally scoped to
// one user.
func (s *Service) GetImportStatistics(ctx context.Context, userID *uuid.UUID) (*ImportStatistics, error) {
	return s.store.Statistics(ctx, userID)
}

// ValidateCsvStructure parses a stored file and reports headers, detected
// column types and mapping suggestions without creating a job.
func (s *Service) ValidateCsvStructure(ctx context.Context, content io.Reader, originalName string) (*StructureReport, error) {
	previewID := uuid.New()
	path, _, _, err := s.files.Save(previewID, originalName, content)
	if err != nil {
		return nil, err
	}
	defer s.files.CleanupJobFiles(previewID)

	scan, err := s.scanner.ScanFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("security scan failed: %w", err)
	}
	if !scan.IsClean {
		if _, qerr := s.files.Quarantine(path, previewID, scan.Threats); qerr != nil {
			log.Printf("[ImportService] quarantine failed for preview %s: %v", previewID, qerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrFileQuarantined, scan.Threats)
	}

	return ValidateStructure(path)
}

// CleanupOldJobs deletes terminal jobs older than the threshold along with
// their cascaded results and any files still on disk. Returns the number of
// jobs removed.
func (s *Service) CleanupOldJobs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	jobs, err := s.store.DeleteJobsOlderThan(ctx, olderThanDays)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if err := s.files.CleanupJobFiles(job.ID); err != nil {
			log.Printf("[ImportService] file cleanup failed for deleted job %s: %v", job.ID, err)
		}
	}
	if len(jobs) > 0 {
		log.Printf("[ImportService] cleaned up %d jobs older than %d days", len(jobs), olderThanDays)
	}
	return len(jobs), nil
}
