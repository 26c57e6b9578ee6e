package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/subscriber-import/internal/metrics"
)

// =============================================================================
// IMPORT BATCH PROCESSOR
// =============================================================================
// Queue consumer for import jobs. One worker invocation processes one job:
// parse the stored file, validate rows in fixed-size batches, persist one
// ImportResult per row, report progress after each batch, hand valid and
// risky rows to the integration service, then stamp the job COMPLETED with a
// validation summary. A per-row failure only marks that row invalid; an
// error escaping the batch loop fails the whole job and propagates so the
// queue can retry.

// interBatchDelay throttles downstream validation calls between batches.
const interBatchDelay = 100 * time.Millisecond

// riskyConfidenceCeiling classifies rows below this confidence (but above
// the job threshold) as risky rather than valid.
const riskyConfidenceCeiling = 80

// EmailChecker validates one address. *EmailValidator satisfies it.
type EmailChecker interface {
	Validate(ctx context.Context, email, senderIP string) ValidationResult
}

// DuplicateChecker looks up whether an email already has a subscriber.
type DuplicateChecker interface {
	EmailExists(ctx context.Context, email string) (bool, error)
}

// Integrator reconciles a job's validated rows into subscribers.
type Integrator interface {
	ProcessImportResults(ctx context.Context, jobID uuid.UUID, options ImportOptions) (*IntegrationSummary, error)
}

// Processor drains one import job at a time.
type Processor struct {
	store      *JobStore
	files      *FileStore
	progress   ProgressSink
	validator  EmailChecker
	duplicates DuplicateChecker
	integrator Integrator
	metrics    *metrics.Metrics
	batchDelay time.Duration
}

// NewProcessor creates a batch processor. metrics may be nil.
func NewProcessor(store *JobStore, files *FileStore, progress ProgressSink, validator EmailChecker, duplicates DuplicateChecker, integrator Integrator, m *metrics.Metrics) *Processor {
	return &Processor{
		store:      store,
		files:      files,
		progress:   progress,
		validator:  validator,
		duplicates: duplicates,
		integrator: integrator,
		metrics:    m,
		batchDelay: interBatchDelay,
	}
}

// SetBatchDelay overrides the pause between batches. Zero disables it.
func (p *Processor) SetBatchDelay(d time.Duration) {
	p.batchDelay = d
}

// jobCounters accumulates per-status totals across batches.
type jobCounters struct {
	processed  int
	valid      int
	invalid    int
	risky      int
	duplicates int
}

// Process runs one job to completion. Returning an error signals the queue
// to retry; a cancelled job returns nil so it is acked, not retried.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			log.Printf("[ImportProcessor] job %s no longer exists, skipping", jobID)
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		log.Printf("[ImportProcessor] job %s already %s, skipping", jobID, job.Status)
		return nil
	}

	if p.metrics != nil {
		p.metrics.JobsStarted.Inc()
	}
	startedAt := time.Now()
	log.Printf("[ImportProcessor] job %s: starting (file=%s)", jobID, job.FilePath)

	if err := p.process(ctx, job, startedAt); err != nil {
		if errors.Is(err, ErrJobTerminal) {
			// Cancelled mid-flight. The cancel path already cleaned up.
			log.Printf("[ImportProcessor] job %s: cancelled, aborting batch loop", jobID)
			return nil
		}
		p.failJob(ctx, jobID, err)
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, job *ImportJob, startedAt time.Time) error {
	processing := JobStatusProcessing
	if err := p.progress.UpdateJobProgress(ctx, job.ID, JobProgress{Status: &processing}); err != nil {
		return err
	}

	// The file was scanned and hashed at upload time. A hash mismatch means
	// it changed on disk since then; treat that as a security failure.
	expectedHash, err := p.store.GetJobFileHash(ctx, job.ID)
	if err != nil {
		return err
	}
	if expectedHash != "" {
		ok, err := p.files.VerifyFileIntegrity(job.FilePath, expectedHash)
		if err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
		if !ok {
			if _, qerr := p.files.Quarantine(job.FilePath, job.ID, []string{"integrity hash mismatch"}); qerr != nil {
				log.Printf("[ImportProcessor] quarantine failed for job %s: %v", job.ID, qerr)
			}
			return fmt.Errorf("file integrity verification failed, file quarantined")
		}
	}

	parsed, err := ParseCSVFile(job.FilePath)
	if err != nil {
		return fmt.Errorf("failed to parse stored file: %w", err)
	}
	for _, perr := range parsed.Errors {
		log.Printf("[ImportProcessor] job %s: skipped malformed line %d: %s", job.ID, perr.Line, perr.Message)
	}

	total := len(parsed.Rows)
	options := job.Options
	options.Normalize()
	emailColumn := options.EmailColumn()

	counters := jobCounters{}
	seenEmails := map[string]bool{}

	for start := 0; start < total; start += options.BatchSize {
		end := start + options.BatchSize
		if end > total {
			end = total
		}

		batchStart := time.Now()
		for i := start; i < end; i++ {
			result := p.processRow(ctx, job.ID, i+1, parsed.Rows[i], emailColumn, options, seenEmails)
			if err := p.store.UpsertResult(ctx, result); err != nil {
				return err
			}
			counters.processed++
			switch result.Status {
			case ResultStatusValid:
				counters.valid++
			case ResultStatusInvalid:
				counters.invalid++
			case ResultStatusRisky:
				counters.risky++
			case ResultStatusDuplicate:
				counters.duplicates++
			}
			if p.metrics != nil {
				p.metrics.RowsProcessed.WithLabelValues(string(result.Status)).Inc()
				p.metrics.Confidence.Observe(float64(result.ConfidenceScore))
			}
		}
		if p.metrics != nil {
			p.metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())
		}

		// The progress sink refuses updates on terminal jobs, so a
		// cancellation between batches surfaces here as ErrJobTerminal.
		if err := p.writeProgress(ctx, job.ID, total, counters); err != nil {
			return err
		}

		if end < total {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.batchDelay):
			}
		}
	}

	integration, err := p.integrator.ProcessImportResults(ctx, job.ID, options)
	if err != nil {
		return fmt.Errorf("integration failed: %w", err)
	}

	avgConfidence, err := p.store.AverageConfidence(ctx, job.ID)
	if err != nil {
		return err
	}

	summary := &ValidationSummary{
		TotalProcessed:         counters.processed,
		ValidEmails:            counters.valid,
		InvalidEmails:          counters.invalid,
		RiskyEmails:            counters.risky,
		Duplicates:             counters.duplicates,
		AverageConfidenceScore: avgConfidence,
		ProcessingTimeMs:       time.Since(startedAt).Milliseconds(),
	}

	completed := JobStatusCompleted
	hundred := 100.0
	if err := p.progress.UpdateJobProgress(ctx, job.ID, JobProgress{
		Status:             &completed,
		TotalRecords:       &total,
		ProcessedRecords:   &counters.processed,
		ValidRecords:       &counters.valid,
		InvalidRecords:     &counters.invalid,
		RiskyRecords:       &counters.risky,
		DuplicateRecords:   &counters.duplicates,
		ProgressPercentage: &hundred,
		ValidationSummary:  summary,
	}); err != nil {
		return err
	}

	if err := p.files.CleanupJobFiles(job.ID); err != nil {
		log.Printf("[ImportProcessor] temp cleanup failed for job %s: %v", job.ID, err)
	}

	if p.metrics != nil {
		p.metrics.JobsCompleted.Inc()
	}
	log.Printf("[ImportProcessor] job %s: completed in %dms (valid=%d invalid=%d risky=%d duplicates=%d integrated=%d)",
		job.ID, summary.ProcessingTimeMs, counters.valid, counters.invalid, counters.risky,
		counters.duplicates, integration.Created+integration.Updated)
	return nil
}

// processRow validates and classifies a single CSV row. Any failure produces
// an invalid result carrying the error; it never propagates.
func (p *Processor) processRow(ctx context.Context, jobID uuid.UUID, rowNumber int, row map[string]string, emailColumn string, options ImportOptions, seenEmails map[string]bool) *ImportResult {
	result := &ImportResult{
		ImportJobID:  jobID,
		RowNumber:    rowNumber,
		OriginalData: row,
	}

	email := normalizeEmail(row[emailColumn])
	result.Email = email
	if email == "" {
		result.Status = ResultStatusInvalid
		result.Error = "no email address found in mapped column"
		return result
	}

	validation := p.validator.Validate(ctx, email, "")
	result.ConfidenceScore = validation.Confidence
	result.ValidationDetails = &validation
	result.Issues, result.Suggestions = collectFindings(validation)

	if validation.Status == ValidationStatusUnknown {
		result.Status = ResultStatusInvalid
		result.Error = validation.Error
		return result
	}
	if !validation.IsValid || validation.Confidence < options.ValidationThreshold {
		result.Status = ResultStatusInvalid
		return result
	}
	if validation.Confidence < riskyConfidenceCeiling {
		result.Status = ResultStatusRisky
		seenEmails[email] = true
		return result
	}

	// Confident rows get the duplicate check: against subscribers already in
	// the store and against earlier rows of this same file.
	if seenEmails[email] {
		result.Status = ResultStatusDuplicate
		return result
	}
	exists, err := p.duplicates.EmailExists(ctx, email)
	if err != nil {
		result.Status = ResultStatusInvalid
		result.Error = fmt.Sprintf("duplicate check failed: %v", err)
		return result
	}
	if exists {
		result.Status = ResultStatusDuplicate
		return result
	}

	result.Status = ResultStatusValid
	seenEmails[email] = true
	return result
}

// collectFindings turns validation check outcomes into human-readable issue
// and suggestion lists.
func collectFindings(v ValidationResult) (issues, suggestions []string) {
	if v.Checks.Disposable {
		issues = append(issues, "disposable email domain")
	}
	if v.Checks.RoleAccount {
		issues = append(issues, "role account address")
	}
	if v.Checks.Typo {
		issues = append(issues, "likely domain typo")
		if v.Checks.TypoSuggestion != "" {
			suggestions = append(suggestions, "did you mean "+v.Checks.TypoSuggestion+"?")
		}
	}
	if v.Checks.IPReputation == "poor" {
		issues = append(issues, "poor sender IP reputation")
	}
	if v.Checks.DomainReputation == "poor" || v.Checks.DomainReputation == "suspicious" {
		issues = append(issues, v.Checks.DomainReputation+" domain reputation")
	}
	return issues, suggestions
}

func (p *Processor) writeProgress(ctx context.Context, jobID uuid.UUID, total int, counters jobCounters) error {
	var pct float64
	if total > 0 {
		pct = float64(counters.processed) / float64(total) * 100
	}
	return p.progress.UpdateJobProgress(ctx, jobID, JobProgress{
		TotalRecords:       &total,
		ProcessedRecords:   &counters.processed,
		ValidRecords:       &counters.valid,
		InvalidRecords:     &counters.invalid,
		RiskyRecords:       &counters.risky,
		DuplicateRecords:   &counters.duplicates,
		ProgressPercentage: &pct,
	})
}

// failJob marks the job FAILED and removes its temp files. The original
// error still propagates to the queue for retry.
func (p *Processor) failJob(ctx context.Context, jobID uuid.UUID, cause error) {
	failed := JobStatusFailed
	msg := cause.Error()
	if err := p.progress.UpdateJobProgress(ctx, jobID, JobProgress{Status: &failed, Error: &msg}); err != nil {
		log.Printf("[ImportProcessor] failed to mark job %s failed: %v", jobID, err)
	}
	if err := p.files.CleanupJobFiles(jobID); err != nil {
		log.Printf("[ImportProcessor] temp cleanup failed for job %s: %v", jobID, err)
	}
	if p.metrics != nil {
		p.metrics.JobsFailed.Inc()
	}
	log.Printf("[ImportProcessor] job %s: failed: %v", jobID, cause)
}
