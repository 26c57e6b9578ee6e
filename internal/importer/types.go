package importer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IMPORT DOMAIN TYPES
// =============================================================================
// Core entities for the bulk subscriber import pipeline:
//   - ImportJob:    one per uploaded file, owns lifecycle + counters
//   - ImportResult: one per source CSV row, validation + integration outcome
//   - ImportOptions: configuration snapshot frozen at job creation

// JobStatus is the lifecycle state of an ImportJob.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ResultStatus classifies a single imported row.
type ResultStatus string

const (
	ResultStatusValid     ResultStatus = "valid"
	ResultStatusInvalid   ResultStatus = "invalid"
	ResultStatusRisky     ResultStatus = "risky"
	ResultStatusDuplicate ResultStatus = "duplicate"
)

// DuplicateHandling is the policy applied when an imported email already
// exists as a subscriber.
type DuplicateHandling string

const (
	DuplicateSkip    DuplicateHandling = "skip"
	DuplicateUpdate  DuplicateHandling = "update"
	DuplicateReplace DuplicateHandling = "replace"
)

// CancelledByUserError is the sentinel error text stored on a job that was
// cancelled rather than failed by the pipeline.
const CancelledByUserError = "job cancelled by user"

var (
	// ErrJobNotFound is returned by any ID-keyed job lookup that misses.
	ErrJobNotFound = errors.New("import job not found")

	// ErrJobTerminal is returned when cancelling a completed or failed job.
	ErrJobTerminal = errors.New("import job is already completed or failed")

	// ErrMappingInvalid is returned when a column mapping fails validation
	// at job creation time.
	ErrMappingInvalid = errors.New("invalid column mapping")

	// ErrFileQuarantined is returned when the security scanner rejects an
	// uploaded file.
	ErrFileQuarantined = errors.New("file failed security scan and was quarantined")

	// ErrFieldNotFound is returned by custom field lookups that miss.
	ErrFieldNotFound = errors.New("custom field not found")
)

// ImportOptions is the per-job configuration snapshot, persisted as JSON on
// the job row so later processing is immune to config changes.
type ImportOptions struct {
	GroupIDs            []string          `json:"group_ids,omitempty"`
	SegmentIDs          []string          `json:"segment_ids,omitempty"`
	DuplicateHandling   DuplicateHandling `json:"duplicate_handling"`
	ValidationThreshold int               `json:"validation_threshold"`
	BatchSize           int               `json:"batch_size"`
	ColumnMapping       map[string]string `json:"column_mapping"`
}

// Normalize fills option defaults so downstream code never branches on zero
// values.
func (o *ImportOptions) Normalize() {
	if o.DuplicateHandling == "" {
		o.DuplicateHandling = DuplicateSkip
	}
	if o.ValidationThreshold <= 0 {
		o.ValidationThreshold = 70
	}
	if o.BatchSize < 10 || o.BatchSize > 1000 {
		o.BatchSize = 100
	}
}

// EmailColumn returns the CSV header mapped to the email field, or "" if the
// mapping has none.
func (o ImportOptions) EmailColumn() string {
	for header, target := range o.ColumnMapping {
		if target == FieldEmail {
			return header
		}
	}
	return ""
}

// ImportJob tracks one bulk-import attempt tied to one uploaded file.
type ImportJob struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	FileName           string             `json:"file_name" db:"file_name"`
	OriginalFileName   string             `json:"original_file_name" db:"original_file_name"`
	FilePath           string             `json:"file_path" db:"file_path"`
	Status             JobStatus          `json:"status" db:"status"`
	TotalRecords       int                `json:"total_records" db:"total_records"`
	ProcessedRecords   int                `json:"processed_records" db:"processed_records"`
	ValidRecords       int                `json:"valid_records" db:"valid_records"`
	InvalidRecords     int                `json:"invalid_records" db:"invalid_records"`
	RiskyRecords       int                `json:"risky_records" db:"risky_records"`
	DuplicateRecords   int                `json:"duplicate_records" db:"duplicate_records"`
	ProgressPercentage float64            `json:"progress_percentage" db:"progress_percentage"`
	Options            ImportOptions      `json:"options" db:"options"`
	ValidationSummary  *ValidationSummary `json:"validation_summary,omitempty" db:"validation_summary"`
	Error              string             `json:"error,omitempty" db:"error"`
	UserID             *uuid.UUID         `json:"user_id,omitempty" db:"user_id"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
}

// ValidationSummary is the aggregate outcome stamped on a job at completion.
type ValidationSummary struct {
	TotalProcessed         int     `json:"total_processed"`
	ValidEmails            int     `json:"valid_emails"`
	InvalidEmails          int     `json:"invalid_emails"`
	RiskyEmails            int     `json:"risky_emails"`
	Duplicates             int     `json:"duplicates"`
	AverageConfidenceScore float64 `json:"average_confidence_score"`
	ProcessingTimeMs       int64   `json:"processing_time_ms"`
}

// ImportResult holds the validation and integration outcome for one CSV row.
// imported=true implies SubscriberID is set and Status is never invalid.
type ImportResult struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	ImportJobID       uuid.UUID         `json:"import_job_id" db:"import_job_id"`
	RowNumber         int               `json:"row_number" db:"row_number"`
	Email             string            `json:"email" db:"email"`
	OriginalData      map[string]string `json:"original_data" db:"original_data"`
	Status            ResultStatus      `json:"status" db:"status"`
	ConfidenceScore   int               `json:"confidence_score" db:"confidence_score"`
	ValidationDetails *ValidationResult `json:"validation_details,omitempty" db:"validation_details"`
	Issues            []string          `json:"issues,omitempty" db:"issues"`
	Suggestions       []string          `json:"suggestions,omitempty" db:"suggestions"`
	Imported          bool              `json:"imported" db:"imported"`
	SubscriberID      *uuid.UUID        `json:"subscriber_id,omitempty" db:"subscriber_id"`
	Error             string            `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// JobProgress is the partial patch the batch processor hands to the
// orchestrator after each batch. Nil fields are left untouched.
type JobProgress struct {
	Status             *JobStatus
	TotalRecords       *int
	ProcessedRecords   *int
	ValidRecords       *int
	InvalidRecords     *int
	RiskyRecords       *int
	DuplicateRecords   *int
	ProgressPercentage *float64
	ValidationSummary  *ValidationSummary
	Error              *string
}

// ProgressSink is the narrow contract the batch processor uses to report
// progress. The orchestrator implements it; the processor never touches job
// rows directly.
type ProgressSink interface {
	UpdateJobProgress(ctx context.Context, jobID uuid.UUID, patch JobProgress) error
}

// ImportStatistics aggregates job outcomes, optionally scoped to one user.
type ImportStatistics struct {
	TotalJobs             int     `json:"total_jobs"`
	CompletedJobs         int     `json:"completed_jobs"`
	FailedJobs            int     `json:"failed_jobs"`
	TotalRecordsProcessed int     `json:"total_records_processed"`
	TotalValidRecords     int     `json:"total_valid_records"`
	AverageSuccessRate    float64 `json:"average_success_rate"`
}
