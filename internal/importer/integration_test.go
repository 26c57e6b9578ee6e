package importer

import (
	"context"
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newIntegrationFixture(t *testing.T) (*IntegrationService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewJobStore(db)
	fields := NewCustomFieldService(db)
	return NewIntegrationService(db, store, fields), mock
}

func subscriberRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "status", "first_name", "last_name", "company", "phone", "location",
		"custom_fields", "group_ids", "segment_ids", "created_at", "updated_at",
	})
}

// =============================================================================
// DUPLICATE POLICY TESTS
// =============================================================================

func TestUpsertSubscriber_CreatesNewActive(t *testing.T) {
	svc, mock := newIntegrationFixture(t)

	result := &ImportResult{
		ID:          uuid.New(),
		ImportJobID: uuid.New(),
		RowNumber:   1,
		Email:       "alice@example.com",
		Status:      ResultStatusValid,
		OriginalData: map[string]string{
			"email": "alice@example.com", "first": "Alice",
		},
	}
	options := ImportOptions{
		ColumnMapping: map[string]string{"email": FieldEmail, "first": FieldFirstName},
		GroupIDs:      []string{"g1"},
	}

	mock.ExpectQuery(`(?s)SELECT id, email, status.+FROM subscribers.+WHERE email`).
		WithArgs("alice@example.com").
		WillReturnRows(subscriberRows())
	mock.ExpectExec(`INSERT INTO subscribers`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, action, err := svc.upsertSubscriber(context.Background(), result, options, nil)
	if err != nil {
		t.Fatalf("upsertSubscriber() error = %v", err)
	}
	if action != "created" || id == nil {
		t.Errorf("action = %q id = %v, want created with an ID", action, id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertSubscriber_RiskyRowsArePending(t *testing.T) {
	svc, mock := newIntegrationFixture(t)

	result := &ImportResult{
		ID: uuid.New(), RowNumber: 1,
		Email:        "risky@example.com",
		Status:       ResultStatusRisky,
		OriginalData: map[string]string{"email": "risky@example.com"},
	}
	options := ImportOptions{ColumnMapping: map[string]string{"email": FieldEmail}}

	mock.ExpectQuery(`(?s)SELECT id, email, status.+FROM subscribers`).
		WillReturnRows(subscriberRows())
	mock.ExpectExec(`INSERT INTO subscribers`).
		WithArgs(sqlmock.AnyArg(), "risky@example.com", SubscriberStatusPending,
			"", "", "", "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, action, err := svc.upsertSubscriber(context.Background(), result, options, nil)
	if err != nil {
		t.Fatalf("upsertSubscriber() error = %v", err)
	}
	if action != "created" {
		t.Errorf("action = %q, want created", action)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertSubscriber_SkipPolicy(t *testing.T) {
	svc, mock := newIntegrationFixture(t)
	existingID := uuid.New()

	result := &ImportResult{
		ID: uuid.New(), RowNumber: 1,
		Email:        "alice@example.com",
		Status:       ResultStatusValid,
		OriginalData: map[string]string{"email": "alice@example.com"},
	}
	options := ImportOptions{
		ColumnMapping:     map[string]string{"email": FieldEmail},
		DuplicateHandling: DuplicateSkip,
	}

	mock.ExpectQuery(`(?s)SELECT id, email, status.+FROM subscribers`).
		WillReturnRows(subscriberRows().AddRow(
			existingID, "alice@example.com", "active", "Alice", "Smith", "", "", "",
			nil, "{}", "{}", time.Now(), time.Now()))

	id, action, err := svc.upsertSubscriber(context.Background(), result, options, nil)
	if err != nil {
		t.Fatalf("upsertSubscriber() error = %v", err)
	}
	if action != "skipped" || id == nil || *id != existingID {
		t.Errorf("action = %q id = %v, want skipped with existing ID", action, id)
	}
	// Skip performs no writes.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertSubscriber_UpdatePolicyMergesNonEmpty(t *testing.T) {
	svc, mock := newIntegrationFixture(t)
	existingID := uuid.New()

	result := &ImportResult{
		ID: uuid.New(), RowNumber: 1,
		Email:  "alice@example.com",
		Status: ResultStatusValid,
		OriginalData: map[string]string{
			"email": "alice@example.com", "first": "Alicia", "last": "",
		},
	}
	options := ImportOptions{
		ColumnMapping: map[string]string{
			"email": FieldEmail, "first": FieldFirstName, "last": FieldLastName,
		},
		DuplicateHandling: DuplicateUpdate,
		GroupIDs:          []string{"g2"},
	}

	mock.ExpectQuery(`(?s)SELECT id, email, status.+FROM subscribers`).
		WillReturnRows(subscriberRows().AddRow(
			existingID, "alice@example.com", "active", "Alice", "Smith", "", "", "",
			nil, `{"g1"}`, "{}", time.Now(), time.Now()))
	// Non-empty "Alicia" overwrites, empty last name leaves "Smith", and the
	// group union carries g1 + g2.
	mock.ExpectExec(`UPDATE subscribers`).
		WithArgs("Alicia", "Smith", "", "", "", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), existingID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, action, err := svc.upsertSubscriber(context.Background(), result, options, nil)
	if err != nil {
		t.Fatalf("upsertSubscriber() error = %v", err)
	}
	if action != "updated" {
		t.Errorf("action = %q, want updated", action)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertSubscriber_ReplacePolicyOverwrites(t *testing.T) {
	svc, mock := newIntegrationFixture(t)
	existingID := uuid.New()

	result := &ImportResult{
		ID: uuid.New(), RowNumber: 1,
		Email:  "alice@example.com",
		Status: ResultStatusValid,
		OriginalData: map[string]string{
			"email": "alice@example.com", "first": "Alicia",
		},
	}
	options := ImportOptions{
		ColumnMapping: map[string]string{
			"email": FieldEmail, "first": FieldFirstName, "last": FieldLastName,
		},
		DuplicateHandling: DuplicateReplace,
	}

	mock.ExpectQuery(`(?s)SELECT id, email, status.+FROM subscribers`).
		WillReturnRows(subscriberRows().AddRow(
			existingID, "alice@example.com", "active", "Alice", "Smith", "Acme", "", "",
			nil, "{}", "{}", time.Now(), time.Now()))
	// Replace clears every unmapped/empty standard field.
	mock.ExpectExec(`UPDATE subscribers`).
		WithArgs("Alicia", "", "", "", "", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), existingID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, action, err := svc.upsertSubscriber(context.Background(), result, options, nil)
	if err != nil {
		t.Fatalf("upsertSubscriber() error = %v", err)
	}
	if action != "updated" {
		t.Errorf("action = %q, want updated", action)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// =============================================================================
// FIELD MAPPING TESTS
// =============================================================================

func TestMapRowFields(t *testing.T) {
	row := map[string]string{
		"Email":    "alice@example.com",
		"First":    " Alice ",
		"Color":    "blue",
		"Untapped": "ignored",
	}
	mapping := map[string]string{
		"Email": FieldEmail,
		"First": FieldFirstName,
		"Color": "custom_favorite_color",
	}

	mapped, err := mapRowFields(row, mapping, nil)
	if err != nil {
		t.Fatalf("mapRowFields() error = %v", err)
	}
	if mapped.standard[FieldFirstName] != "Alice" {
		t.Errorf("first name = %q, want trimmed Alice", mapped.standard[FieldFirstName])
	}
	if _, ok := mapped.standard[FieldEmail]; ok {
		t.Error("email leaked into standard fields")
	}
	if !reflect.DeepEqual(mapped.custom, map[string]string{"favorite_color": "blue"}) {
		t.Errorf("custom = %v, want favorite_color=blue", mapped.custom)
	}
}

func TestMapRowFields_ValidatesCustomValues(t *testing.T) {
	def := CustomField{
		Name:      "age",
		FieldType: FieldTypeNumber,
		IsActive:  true,
	}
	byKey := map[string]CustomField{def.MappingKey(): def}
	mapping := map[string]string{"Age": "custom_age"}

	if _, err := mapRowFields(map[string]string{"Age": "42"}, mapping, byKey); err != nil {
		t.Errorf("valid number rejected: %v", err)
	}
	if _, err := mapRowFields(map[string]string{"Age": "not-a-number"}, mapping, byKey); err == nil {
		t.Error("invalid number accepted")
	}
}

// =============================================================================
// SUMMARY / ERROR ISOLATION TESTS
// =============================================================================

func TestIntegrateResult_FailureIsRecordedNotFatal(t *testing.T) {
	svc, mock := newIntegrationFixture(t)

	result := &ImportResult{
		ID: uuid.New(), RowNumber: 7,
		Email:        "alice@example.com",
		Status:       ResultStatusValid,
		OriginalData: map[string]string{"email": "alice@example.com"},
	}
	options := ImportOptions{ColumnMapping: map[string]string{"email": FieldEmail}}

	mock.ExpectQuery(`(?s)SELECT id, email, status.+FROM subscribers`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectExec(`UPDATE import_results`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary := &IntegrationSummary{}
	svc.integrateResult(context.Background(), result, options, nil, summary)

	if summary.Failed != 1 || summary.TotalProcessed != 1 {
		t.Errorf("summary = %+v, want one failed of one processed", summary)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("errors = %v, want one entry", summary.Errors)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUnionStrings(t *testing.T) {
	got := unionStrings([]string{"a", "b"}, []string{"b", "c", ""})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unionStrings() = %v, want %v", got, want)
	}
}
