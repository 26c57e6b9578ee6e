package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// =============================================================================
// IMPORT INTEGRATION SERVICE
// =============================================================================
// Reconciles validated rows into subscriber records. Valid and risky results
// are fetched in row order and processed in batches of 100; existing
// subscribers are handled per the job's duplicate policy; the outcome of
// every row is written back onto its ImportResult. Per-row failures are
// recorded, never propagated.

// integrationBatchSize is fixed independent of the job's validation batch
// size.
const integrationBatchSize = 100

// Subscriber statuses assigned during import.
const (
	SubscriberStatusActive  = "active"
	SubscriberStatusPending = "pending"
)

// Subscriber is the keyed-by-email record the integration service upserts.
type Subscriber struct {
	ID           uuid.UUID         `json:"id" db:"id"`
	Email        string            `json:"email" db:"email"`
	Status       string            `json:"status" db:"status"`
	FirstName    string            `json:"first_name,omitempty" db:"first_name"`
	LastName     string            `json:"last_name,omitempty" db:"last_name"`
	Company      string            `json:"company,omitempty" db:"company"`
	Phone        string            `json:"phone,omitempty" db:"phone"`
	Location     string            `json:"location,omitempty" db:"location"`
	CustomFields map[string]string `json:"custom_fields,omitempty" db:"custom_fields"`
	GroupIDs     []string          `json:"group_ids,omitempty" db:"group_ids"`
	SegmentIDs   []string          `json:"segment_ids,omitempty" db:"segment_ids"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// IntegrationSummary reports the outcome of ProcessImportResults.
type IntegrationSummary struct {
	TotalProcessed int      `json:"total_processed"`
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

// IntegrationService turns import results into subscriber records.
type IntegrationService struct {
	db     *sql.DB
	store  *JobStore
	fields *CustomFieldService
}

// NewIntegrationService creates the integration service.
func NewIntegrationService(db *sql.DB, store *JobStore, fields *CustomFieldService) *IntegrationService {
	return &IntegrationService{db: db, store: store, fields: fields}
}

// EmailExists reports whether a subscriber with this email already exists.
// The batch processor uses it for duplicate classification.
func (s *IntegrationService) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM subscribers WHERE email = $1)
	`, normalizeEmail(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check subscriber existence: %w", err)
	}
	return exists, nil
}

// ProcessImportResults integrates all valid and risky results of a job into
// the subscriber store according to the duplicate-handling policy.
func (s *IntegrationService) ProcessImportResults(ctx context.Context, jobID uuid.UUID, options ImportOptions) (*IntegrationSummary, error) {
	results, err := s.store.GetImportableResults(ctx, jobID)
	if err != nil {
		return nil, err
	}

	customByKey, err := s.customFieldsByKey(ctx)
	if err != nil {
		return nil, err
	}

	summary := &IntegrationSummary{}
	for start := 0; start < len(results); start += integrationBatchSize {
		end := start + integrationBatchSize
		if end > len(results) {
			end = len(results)
		}
		for i := start; i < end; i++ {
			s.integrateResult(ctx, &results[i], options, customByKey, summary)
		}
	}

	log.Printf("[Integration] job %s: processed=%d created=%d updated=%d skipped=%d failed=%d",
		jobID, summary.TotalProcessed, summary.Created, summary.Updated, summary.Skipped, summary.Failed)
	return summary, nil
}

// integrateResult handles one row end to end. Failures are recorded on the
// summary and the result row; they never stop the batch.
func (s *IntegrationService) integrateResult(ctx context.Context, result *ImportResult, options ImportOptions, customByKey map[string]CustomField, summary *IntegrationSummary) {
	summary.TotalProcessed++

	subscriberID, action, err := s.upsertSubscriber(ctx, result, options, customByKey)
	if err != nil {
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("row %d: %v", result.RowNumber, err))
		if werr := s.store.UpdateResultIntegration(ctx, result.ID, false, nil, err.Error()); werr != nil {
			log.Printf("[Integration] failed to record row %d outcome: %v", result.RowNumber, werr)
		}
		return
	}

	switch action {
	case "created":
		summary.Created++
	case "updated":
		summary.Updated++
	case "skipped":
		summary.Skipped++
	}

	imported := action != "skipped"
	if err := s.store.UpdateResultIntegration(ctx, result.ID, imported, subscriberID, ""); err != nil {
		log.Printf("[Integration] failed to record row %d outcome: %v", result.RowNumber, err)
	}
}

// upsertSubscriber creates or reconciles one subscriber and reports the
// action taken: created, updated or skipped.
func (s *IntegrationService) upsertSubscriber(ctx context.Context, result *ImportResult, options ImportOptions, customByKey map[string]CustomField) (*uuid.UUID, string, error) {
	mapped, err := mapRowFields(result.OriginalData, options.ColumnMapping, customByKey)
	if err != nil {
		return nil, "", err
	}
	email := normalizeEmail(result.Email)
	if email == "" {
		return nil, "", fmt.Errorf("result has no email")
	}

	existing, err := s.getSubscriberByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}

	if existing == nil {
		status := SubscriberStatusActive
		if result.Status == ResultStatusRisky {
			status = SubscriberStatusPending
		}
		sub := &Subscriber{
			ID:           uuid.New(),
			Email:        email,
			Status:       status,
			FirstName:    mapped.standard[FieldFirstName],
			LastName:     mapped.standard[FieldLastName],
			Company:      mapped.standard[FieldCompany],
			Phone:        mapped.standard[FieldPhone],
			Location:     mapped.standard[FieldLocation],
			CustomFields: mapped.custom,
			GroupIDs:     options.GroupIDs,
			SegmentIDs:   options.SegmentIDs,
		}
		if err := s.insertSubscriber(ctx, sub); err != nil {
			return nil, "", err
		}
		return &sub.ID, "created", nil
	}

	switch options.DuplicateHandling {
	case DuplicateSkip:
		return &existing.ID, "skipped", nil

	case DuplicateUpdate:
		// Merge only non-empty mapped values into the existing record.
		mergeNonEmpty(&existing.FirstName, mapped.standard[FieldFirstName])
		mergeNonEmpty(&existing.LastName, mapped.standard[FieldLastName])
		mergeNonEmpty(&existing.Company, mapped.standard[FieldCompany])
		mergeNonEmpty(&existing.Phone, mapped.standard[FieldPhone])
		mergeNonEmpty(&existing.Location, mapped.standard[FieldLocation])
		if existing.CustomFields == nil {
			existing.CustomFields = map[string]string{}
		}
		for k, v := range mapped.custom {
			if v != "" {
				existing.CustomFields[k] = v
			}
		}

	case DuplicateReplace:
		existing.FirstName = mapped.standard[FieldFirstName]
		existing.LastName = mapped.standard[FieldLastName]
		existing.Company = mapped.standard[FieldCompany]
		existing.Phone = mapped.standard[FieldPhone]
		existing.Location = mapped.standard[FieldLocation]
		existing.CustomFields = mapped.custom

	default:
		return nil, "", fmt.Errorf("unknown duplicate handling policy: %s", options.DuplicateHandling)
	}

	existing.GroupIDs = unionStrings(existing.GroupIDs, options.GroupIDs)
	existing.SegmentIDs = unionStrings(existing.SegmentIDs, options.SegmentIDs)
	if err := s.updateSubscriber(ctx, existing); err != nil {
		return nil, "", err
	}
	return &existing.ID, "updated", nil
}

// mappedFields carries the column-mapping output for one row.
type mappedFields struct {
	standard map[string]string
	custom   map[string]string
}

// mapRowFields applies the column mapping to one raw row, validating custom
// field values against their definitions.
func mapRowFields(row map[string]string, mapping map[string]string, customByKey map[string]CustomField) (*mappedFields, error) {
	out := &mappedFields{
		standard: map[string]string{},
		custom:   map[string]string{},
	}
	for header, target := range mapping {
		value := strings.TrimSpace(row[header])
		if strings.HasPrefix(target, CustomFieldPrefix) {
			if def, ok := customByKey[target]; ok {
				if err := def.ValidateValue(value); err != nil {
					return nil, err
				}
			}
			if value != "" {
				out.custom[strings.TrimPrefix(target, CustomFieldPrefix)] = value
			}
			continue
		}
		if target == FieldEmail {
			continue // email comes from the result row, already validated
		}
		out.standard[target] = value
	}
	return out, nil
}

func (s *IntegrationService) customFieldsByKey(ctx context.Context) (map[string]CustomField, error) {
	fields, err := s.fields.ListCustomFields(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]CustomField, len(fields))
	for _, f := range fields {
		if f.IsActive {
			byKey[f.MappingKey()] = f
		}
	}
	return byKey, nil
}

// ── subscriber persistence ───────────────────────────────────────────────────

func (s *IntegrationService) getSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, status, first_name, last_name, company, phone, location,
		       custom_fields, group_ids, segment_ids, created_at, updated_at
		FROM subscribers
		WHERE email = $1
	`, email)

	var (
		sub        Subscriber
		customJSON []byte
		groups     pq.StringArray
		segments   pq.StringArray
	)
	err := row.Scan(&sub.ID, &sub.Email, &sub.Status, &sub.FirstName, &sub.LastName,
		&sub.Company, &sub.Phone, &sub.Location, &customJSON, &groups, &segments,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriber: %w", err)
	}
	if len(customJSON) > 0 {
		if err := json.Unmarshal(customJSON, &sub.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to decode subscriber custom fields: %w", err)
		}
	}
	sub.GroupIDs = []string(groups)
	sub.SegmentIDs = []string(segments)
	return &sub, nil
}

func (s *IntegrationService) insertSubscriber(ctx context.Context, sub *Subscriber) error {
	customJSON, err := json.Marshal(sub.CustomFields)
	if err != nil {
		return fmt.Errorf("failed to encode custom fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscribers
		(id, email, status, first_name, last_name, company, phone, location,
		 custom_fields, group_ids, segment_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, sub.ID, sub.Email, sub.Status, sub.FirstName, sub.LastName, sub.Company,
		sub.Phone, sub.Location, customJSON, pq.Array(sub.GroupIDs), pq.Array(sub.SegmentIDs))
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	return nil
}

func (s *IntegrationService) updateSubscriber(ctx context.Context, sub *Subscriber) error {
	customJSON, err := json.Marshal(sub.CustomFields)
	if err != nil {
		return fmt.Errorf("failed to encode custom fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE subscribers
		SET first_name = $1, last_name = $2, company = $3, phone = $4, location = $5,
		    custom_fields = $6, group_ids = $7, segment_ids = $8, updated_at = NOW()
		WHERE id = $9
	`, sub.FirstName, sub.LastName, sub.Company, sub.Phone, sub.Location,
		customJSON, pq.Array(sub.GroupIDs), pq.Array(sub.SegmentIDs), sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscriber: %w", err)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func mergeNonEmpty(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
