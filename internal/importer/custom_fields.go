package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CUSTOM FIELDS SERVICE
// =============================================================================
// Manages tenant-defined subscriber attributes. Custom fields extend the
// standard field set available to the column detector and the integration
// service: a mapping target of "custom_<name>" stores the CSV value under
// that field on the subscriber record.

// FieldType is the data type of a custom field.
type FieldType string

const (
	FieldTypeText        FieldType = "text"
	FieldTypeNumber      FieldType = "number"
	FieldTypeDate        FieldType = "date"
	FieldTypeBoolean     FieldType = "boolean"
	FieldTypeSelect      FieldType = "select"
	FieldTypeMultiSelect FieldType = "multi_select"
)

// Standard subscriber field keys. These are the only non-custom targets a
// column mapping may reference.
const (
	FieldEmail     = "email"
	FieldFirstName = "firstName"
	FieldLastName  = "lastName"
	FieldCompany   = "company"
	FieldPhone     = "phone"
	FieldLocation  = "location"
)

// CustomFieldPrefix marks mapping targets that resolve to custom fields.
const CustomFieldPrefix = "custom_"

// StandardFields is the built-in target field set.
var StandardFields = map[string]bool{
	FieldEmail:     true,
	FieldFirstName: true,
	FieldLastName:  true,
	FieldCompany:   true,
	FieldPhone:     true,
	FieldLocation:  true,
}

// CustomField is a tenant-defined subscriber attribute definition.
type CustomField struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`   // internal name (snake_case)
	Label           string          `json:"label" db:"label"` // friendly UI name
	FieldType       FieldType       `json:"field_type" db:"field_type"`
	ValidationRules ValidationRules `json:"validation_rules" db:"validation_rules"`
	SortOrder       int             `json:"sort_order" db:"sort_order"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// ValidationRules constrains permissible values for a custom field.
type ValidationRules struct {
	Required  bool     `json:"required,omitempty"`
	MinLength int      `json:"min_length,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	Options   []string `json:"options,omitempty"` // select / multi_select
	Pattern   string   `json:"pattern,omitempty"`
}

// MappingKey returns the column-mapping target key for this field.
func (f CustomField) MappingKey() string {
	return CustomFieldPrefix + f.Name
}

// CreateCustomFieldRequest is the payload for creating or updating a field.
type CreateCustomFieldRequest struct {
	Name            string          `json:"name"`
	Label           string          `json:"label"`
	FieldType       FieldType       `json:"field_type"`
	ValidationRules ValidationRules `json:"validation_rules"`
	SortOrder       int             `json:"sort_order"`
}

// FieldSet is the set of valid mapping targets at a point in time: the
// standard fields plus custom_<name> for every active custom field.
type FieldSet map[string]bool

// Contains reports whether target is a valid mapping destination.
func (fs FieldSet) Contains(target string) bool {
	return fs[target]
}

// CustomFieldService manages custom field definitions.
type CustomFieldService struct {
	db *sql.DB
}

// NewCustomFieldService creates a custom field service.
func NewCustomFieldService(db *sql.DB) *CustomFieldService {
	return &CustomFieldService{db: db}
}

var fieldNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func normalizeFieldName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	return name
}

func isValidFieldType(ft FieldType) bool {
	switch ft {
	case FieldTypeText, FieldTypeNumber, FieldTypeDate, FieldTypeBoolean, FieldTypeSelect, FieldTypeMultiSelect:
		return true
	}
	return false
}

// CreateCustomField creates a new custom field definition.
func (s *CustomFieldService) CreateCustomField(ctx context.Context, req CreateCustomFieldRequest) (*CustomField, error) {
	if !isValidFieldType(req.FieldType) {
		return nil, fmt.Errorf("invalid field type: %s", req.FieldType)
	}

	name := normalizeFieldName(req.Name)
	if !fieldNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid field name: must be alphanumeric with underscores, got '%s'", name)
	}
	if StandardFields[name] {
		return nil, fmt.Errorf("'%s' is a standard field and cannot be used as a custom field name", name)
	}
	if req.FieldType == FieldTypeSelect || req.FieldType == FieldTypeMultiSelect {
		if len(req.ValidationRules.Options) == 0 {
			return nil, fmt.Errorf("%s fields must define at least one option", req.FieldType)
		}
	}

	label := req.Label
	if label == "" {
		label = name
	}

	field := &CustomField{
		ID:              uuid.New(),
		Name:            name,
		Label:           label,
		FieldType:       req.FieldType,
		ValidationRules: req.ValidationRules,
		SortOrder:       req.SortOrder,
		IsActive:        true,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	rulesJSON, _ := json.Marshal(field.ValidationRules)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_custom_fields
		(id, name, label, field_type, validation_rules, sort_order, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, field.ID, field.Name, field.Label, field.FieldType, rulesJSON,
		field.SortOrder, field.IsActive, field.CreatedAt, field.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "unique constraint") || strings.Contains(err.Error(), "duplicate key") {
			return nil, fmt.Errorf("custom field '%s' already exists", name)
		}
		return nil, fmt.Errorf("failed to create custom field: %w", err)
	}

	return field, nil
}

// ListCustomFields returns all custom field definitions ordered for display.
func (s *CustomFieldService) ListCustomFields(ctx context.Context) ([]CustomField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, label, field_type, validation_rules, sort_order, is_active, created_at, updated_at
		FROM import_custom_fields
		ORDER BY sort_order ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom fields: %w", err)
	}
	defer rows.Close()

	var fields []CustomField
	for rows.Next() {
		field, err := scanCustomField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, *field)
	}
	return fields, rows.Err()
}

// GetCustomField retrieves one field by ID.
func (s *CustomFieldService) GetCustomField(ctx context.Context, fieldID uuid.UUID) (*CustomField, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, label, field_type, validation_rules, sort_order, is_active, created_at, updated_at
		FROM import_custom_fields
		WHERE id = $1
	`, fieldID)
	field, err := scanCustomField(row)
	if err == sql.ErrNoRows {
		return nil, ErrFieldNotFound
	}
	return field, err
}

// UpdateCustomField updates label, type, rules and sort order. The internal
// name is immutable once created because subscriber data is keyed on it.
func (s *CustomFieldService) UpdateCustomField(ctx context.Context, fieldID uuid.UUID, req CreateCustomFieldRequest) (*CustomField, error) {
	if !isValidFieldType(req.FieldType) {
		return nil, fmt.Errorf("invalid field type: %s", req.FieldType)
	}
	rulesJSON, _ := json.Marshal(req.ValidationRules)
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_custom_fields
		SET label = $1, field_type = $2, validation_rules = $3, sort_order = $4, updated_at = NOW()
		WHERE id = $5
	`, req.Label, req.FieldType, rulesJSON, req.SortOrder, fieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to update custom field: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrFieldNotFound
	}
	return s.GetCustomField(ctx, fieldID)
}

// DeleteCustomField soft-deletes a field so historical subscriber data keeps
// its key.
func (s *CustomFieldService) DeleteCustomField(ctx context.Context, fieldID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_custom_fields
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, fieldID)
	if err != nil {
		return fmt.Errorf("failed to delete custom field: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFieldNotFound
	}
	return nil
}

// ActiveFieldSet returns the current set of valid mapping targets.
func (s *CustomFieldService) ActiveFieldSet(ctx context.Context) (FieldSet, error) {
	set := FieldSet{}
	for name := range StandardFields {
		set[name] = true
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM import_custom_fields WHERE is_active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load custom fields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[CustomFieldPrefix+name] = true
	}
	return set, rows.Err()
}

// ValidateValue checks a raw CSV value against a field definition. Empty
// values are accepted unless the field is required.
func (f CustomField) ValidateValue(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		if f.ValidationRules.Required {
			return fmt.Errorf("field '%s' is required", f.Name)
		}
		return nil
	}
	if f.ValidationRules.MinLength > 0 && len(value) < f.ValidationRules.MinLength {
		return fmt.Errorf("field '%s' shorter than %d characters", f.Name, f.ValidationRules.MinLength)
	}
	if f.ValidationRules.MaxLength > 0 && len(value) > f.ValidationRules.MaxLength {
		return fmt.Errorf("field '%s' longer than %d characters", f.Name, f.ValidationRules.MaxLength)
	}

	switch f.FieldType {
	case FieldTypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("field '%s' expects a number, got '%s'", f.Name, value)
		}
	case FieldTypeBoolean:
		switch strings.ToLower(value) {
		case "true", "false", "yes", "no", "1", "0":
		default:
			return fmt.Errorf("field '%s' expects a boolean, got '%s'", f.Name, value)
		}
	case FieldTypeDate:
		if !parseableDate(value) {
			return fmt.Errorf("field '%s' expects a date, got '%s'", f.Name, value)
		}
	case FieldTypeSelect:
		if !containsOption(f.ValidationRules.Options, value) {
			return fmt.Errorf("field '%s' expects one of %v", f.Name, f.ValidationRules.Options)
		}
	case FieldTypeMultiSelect:
		for _, part := range strings.Split(value, ",") {
			if !containsOption(f.ValidationRules.Options, strings.TrimSpace(part)) {
				return fmt.Errorf("field '%s' expects values from %v", f.Name, f.ValidationRules.Options)
			}
		}
	}

	if f.ValidationRules.Pattern != "" {
		re, err := regexp.Compile(f.ValidationRules.Pattern)
		if err == nil && !re.MatchString(value) {
			return fmt.Errorf("field '%s' does not match required pattern", f.Name)
		}
	}
	return nil
}

func containsOption(options []string, value string) bool {
	for _, opt := range options {
		if strings.EqualFold(opt, value) {
			return true
		}
	}
	return false
}

var dateLayouts = []string{
	"2006-01-02", "2006/01/02", "01/02/2006", "02-01-2006",
	time.RFC3339, "2006-01-02 15:04:05",
}

func parseableDate(value string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

// scanCustomField reads one field row from either *sql.Row or *sql.Rows.
func scanCustomField(row interface{ Scan(...interface{}) error }) (*CustomField, error) {
	var (
		field     CustomField
		rulesJSON []byte
	)
	err := row.Scan(&field.ID, &field.Name, &field.Label, &field.FieldType,
		&rulesJSON, &field.SortOrder, &field.IsActive, &field.CreatedAt, &field.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &field.ValidationRules); err != nil {
			return nil, fmt.Errorf("failed to decode validation rules: %w", err)
		}
	}
	return &field, nil
}
