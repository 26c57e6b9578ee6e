package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// =============================================================================
// JOB STORE
// =============================================================================
// Raw-SQL persistence for import jobs and per-row results. The orchestrator
// and batch processor both go through this store; nothing else touches the
// import tables.

// JobStore persists ImportJobs and ImportResults.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a job store.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// DB exposes the underlying handle for components that share the pool.
func (s *JobStore) DB() *sql.DB {
	return s.db
}

const jobColumns = `id, file_name, original_file_name, file_path, file_hash, status,
	total_records, processed_records, valid_records, invalid_records,
	risky_records, duplicate_records, progress_percentage,
	options, validation_summary, error, user_id, created_at, updated_at, completed_at`

// InsertJob persists a newly created job. FileHash is stored alongside so the
// worker process can verify integrity before parsing.
func (s *JobStore) InsertJob(ctx context.Context, job *ImportJob, fileHash string) error {
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to encode job options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_jobs
		(id, file_name, original_file_name, file_path, file_hash, status,
		 total_records, processed_records, valid_records, invalid_records,
		 risky_records, duplicate_records, progress_percentage,
		 options, error, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, job.ID, job.FileName, job.OriginalFileName, job.FilePath, fileHash, job.Status,
		job.TotalRecords, job.ProcessedRecords, job.ValidRecords, job.InvalidRecords,
		job.RiskyRecords, job.DuplicateRecords, job.ProgressPercentage,
		optionsJSON, job.Error, job.UserID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert import job: %w", err)
	}
	return nil
}

// GetJob fetches one job by ID, returning ErrJobNotFound on a miss.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*ImportJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM import_jobs
		WHERE id = $1
	`, jobID)
	job, _, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobFileHash returns the integrity hash recorded at upload time.
func (s *JobStore) GetJobFileHash(ctx context.Context, jobID uuid.UUID) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT file_hash FROM import_jobs WHERE id = $1
	`, jobID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrJobNotFound
	}
	return hash, err
}

// ListJobsFilter narrows ListJobs.
type ListJobsFilter struct {
	UserID *uuid.UUID
	Status *JobStatus
	Page   int
	Limit  int
}

// ListJobs returns a page of jobs newest-first plus the unpaged total.
func (s *JobStore) ListJobs(ctx context.Context, filter ListJobsFilter) ([]ImportJob, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}

	where := []string{"1=1"}
	args := []interface{}{}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM import_jobs WHERE "+whereClause, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count import jobs: %w", err)
	}

	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM import_jobs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, jobColumns, whereClause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ImportJob
	for rows.Next() {
		job, _, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, total, rows.Err()
}

// UpdateProgress applies a partial patch to a job row. Setting a terminal
// status stamps completed_at. Returns ErrJobNotFound when the job is gone.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, patch JobProgress) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
		if patch.Status.Terminal() {
			sets = append(sets, "completed_at = NOW()")
		}
	}
	if patch.TotalRecords != nil {
		add("total_records", *patch.TotalRecords)
	}
	if patch.ProcessedRecords != nil {
		add("processed_records", *patch.ProcessedRecords)
	}
	if patch.ValidRecords != nil {
		add("valid_records", *patch.ValidRecords)
	}
	if patch.InvalidRecords != nil {
		add("invalid_records", *patch.InvalidRecords)
	}
	if patch.RiskyRecords != nil {
		add("risky_records", *patch.RiskyRecords)
	}
	if patch.DuplicateRecords != nil {
		add("duplicate_records", *patch.DuplicateRecords)
	}
	if patch.ProgressPercentage != nil {
		add("progress_percentage", *patch.ProgressPercentage)
	}
	if patch.ValidationSummary != nil {
		summaryJSON, err := json.Marshal(patch.ValidationSummary)
		if err != nil {
			return fmt.Errorf("failed to encode validation summary: %w", err)
		}
		add("validation_summary", summaryJSON)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}

	args = append(args, jobID)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE import_jobs SET %s WHERE id = $%d
	`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("failed to update import job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteJobsOlderThan removes terminal jobs (results cascade) older than the
// threshold and returns the deleted jobs so the caller can remove their
// files.
func (s *JobStore) DeleteJobsOlderThan(ctx context.Context, days int) ([]ImportJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM import_jobs
		WHERE created_at < NOW() - make_interval(days => $1)
		  AND status IN ('completed', 'failed')
		RETURNING `+jobColumns+`
	`, days)
	if err != nil {
		return nil, fmt.Errorf("failed to delete old import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ImportJob
	for rows.Next() {
		job, _, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpsertResult persists one row outcome, keyed on (import_job_id, row_number)
// so a queue-level retry overwrites rather than duplicates.
func (s *JobStore) UpsertResult(ctx context.Context, result *ImportResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	originalJSON, err := json.Marshal(result.OriginalData)
	if err != nil {
		return fmt.Errorf("failed to encode original row data: %w", err)
	}
	var detailsJSON []byte
	if result.ValidationDetails != nil {
		detailsJSON, err = json.Marshal(result.ValidationDetails)
		if err != nil {
			return fmt.Errorf("failed to encode validation details: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_results
		(id, import_job_id, row_number, email, original_data, status,
		 confidence_score, validation_details, issues, suggestions,
		 imported, subscriber_id, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (import_job_id, row_number) DO UPDATE SET
			email = EXCLUDED.email,
			original_data = EXCLUDED.original_data,
			status = EXCLUDED.status,
			confidence_score = EXCLUDED.confidence_score,
			validation_details = EXCLUDED.validation_details,
			issues = EXCLUDED.issues,
			suggestions = EXCLUDED.suggestions,
			imported = EXCLUDED.imported,
			subscriber_id = EXCLUDED.subscriber_id,
			error = EXCLUDED.error
	`, result.ID, result.ImportJobID, result.RowNumber, result.Email, originalJSON,
		result.Status, result.ConfidenceScore, detailsJSON,
		pq.Array(result.Issues), pq.Array(result.Suggestions),
		result.Imported, result.SubscriberID, result.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert import result: %w", err)
	}
	return nil
}

// UpdateResultIntegration writes back the integration outcome onto a result
// row.
func (s *JobStore) UpdateResultIntegration(ctx context.Context, resultID uuid.UUID, imported bool, subscriberID *uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE import_results
		SET imported = $1, subscriber_id = $2, error = $3
		WHERE id = $4
	`, imported, subscriberID, errMsg, resultID)
	if err != nil {
		return fmt.Errorf("failed to update import result: %w", err)
	}
	return nil
}

// ResultsFilter narrows GetResults.
type ResultsFilter struct {
	Status *ResultStatus
	Limit  int
	Offset int
}

// GetResults returns a job's results in source-row order.
func (s *JobStore) GetResults(ctx context.Context, jobID uuid.UUID, filter ResultsFilter) ([]ImportResult, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}

	where := "import_job_id = $1"
	args := []interface{}{jobID}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, import_job_id, row_number, email, original_data, status,
		       confidence_score, validation_details, issues, suggestions,
		       imported, subscriber_id, error, created_at
		FROM import_results
		WHERE %s
		ORDER BY row_number ASC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get import results: %w", err)
	}
	defer rows.Close()

	var results []ImportResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}
	return results, rows.Err()
}

// GetImportableResults streams the valid and risky results for integration,
// in row order, batched by the caller.
func (s *JobStore) GetImportableResults(ctx context.Context, jobID uuid.UUID) ([]ImportResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, import_job_id, row_number, email, original_data, status,
		       confidence_score, validation_details, issues, suggestions,
		       imported, subscriber_id, error, created_at
		FROM import_results
		WHERE import_job_id = $1
		  AND status IN ('valid', 'risky')
		ORDER BY row_number ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get importable results: %w", err)
	}
	defer rows.Close()

	var results []ImportResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}
	return results, rows.Err()
}

// AverageConfidence computes the mean confidence score over a job's results.
func (s *JobStore) AverageConfidence(ctx context.Context, jobID uuid.UUID) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(confidence_score) FROM import_results WHERE import_job_id = $1
	`, jobID).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to compute average confidence: %w", err)
	}
	return avg.Float64, nil
}

// Statistics aggregates job outcomes, optionally scoped to one user.
func (s *JobStore) Statistics(ctx context.Context, userID *uuid.UUID) (*ImportStatistics, error) {
	where := "1=1"
	args := []interface{}{}
	if userID != nil {
		args = append(args, *userID)
		where = "user_id = $1"
	}

	var stats ImportStatistics
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(processed_records), 0),
		       COALESCE(SUM(valid_records), 0)
		FROM import_jobs
		WHERE %s
	`, where), args...).Scan(&stats.TotalJobs, &stats.CompletedJobs, &stats.FailedJobs,
		&stats.TotalRecordsProcessed, &stats.TotalValidRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to compute import statistics: %w", err)
	}

	if stats.TotalRecordsProcessed > 0 {
		stats.AverageSuccessRate = float64(stats.TotalValidRecords) / float64(stats.TotalRecordsProcessed) * 100
	}
	return &stats, nil
}

// ActiveJobIDs returns the set of jobs still pending or processing, used by
// temp-file cleanup to avoid deleting files out from under a live job.
func (s *JobStore) ActiveJobIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM import_jobs WHERE status IN ('pending', 'processing')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()

	active := map[uuid.UUID]bool{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = true
	}
	return active, rows.Err()
}

// ── row scanning ─────────────────────────────────────────────────────────────

func scanJob(row interface{ Scan(...interface{}) error }) (*ImportJob, string, error) {
	var (
		job         ImportJob
		fileHash    string
		optionsJSON []byte
		summaryJSON []byte
		errText     sql.NullString
		userID      uuid.NullUUID
		completedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.FileName, &job.OriginalFileName, &job.FilePath,
		&fileHash, &job.Status,
		&job.TotalRecords, &job.ProcessedRecords, &job.ValidRecords, &job.InvalidRecords,
		&job.RiskyRecords, &job.DuplicateRecords, &job.ProgressPercentage,
		&optionsJSON, &summaryJSON, &errText, &userID,
		&job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return nil, "", err
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return nil, "", fmt.Errorf("failed to decode job options: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		var summary ValidationSummary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, "", fmt.Errorf("failed to decode validation summary: %w", err)
		}
		job.ValidationSummary = &summary
	}
	if errText.Valid {
		job.Error = errText.String
	}
	if userID.Valid {
		job.UserID = &userID.UUID
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, fileHash, nil
}

func scanResult(row interface{ Scan(...interface{}) error }) (*ImportResult, error) {
	var (
		result       ImportResult
		originalJSON []byte
		detailsJSON  []byte
		issues       pq.StringArray
		suggestions  pq.StringArray
		subscriberID uuid.NullUUID
		errText      sql.NullString
	)
	err := row.Scan(&result.ID, &result.ImportJobID, &result.RowNumber, &result.Email,
		&originalJSON, &result.Status, &result.ConfidenceScore, &detailsJSON,
		&issues, &suggestions, &result.Imported, &subscriberID, &errText, &result.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(originalJSON) > 0 {
		if err := json.Unmarshal(originalJSON, &result.OriginalData); err != nil {
			return nil, fmt.Errorf("failed to decode original row data: %w", err)
		}
	}
	if len(detailsJSON) > 0 {
		var details ValidationResult
		if err := json.Unmarshal(detailsJSON, &details); err != nil {
			return nil, fmt.Errorf("failed to decode validation details: %w", err)
		}
		result.ValidationDetails = &details
	}
	result.Issues = []string(issues)
	result.Suggestions = []string(suggestions)
	if subscriberID.Valid {
		result.SubscriberID = &subscriberID.UUID
	}
	if errText.Valid {
		result.Error = errText.String
	}
	return &result, nil
}
