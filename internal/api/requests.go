package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/ignite/subscriber-import/internal/importer"
)

// =============================================================================
// REQUEST VALIDATION
// =============================================================================
// Explicit validation of client payloads at the API boundary, before any
// file is stored or job created.

// importOptionsRequest is the JSON shape of the "options" multipart part.
type importOptionsRequest struct {
	GroupIDs            []string          `json:"group_ids"`
	SegmentIDs          []string          `json:"segment_ids"`
	DuplicateHandling   string            `json:"duplicate_handling"`
	ValidationThreshold int               `json:"validation_threshold"`
	BatchSize           int               `json:"batch_size"`
	ColumnMapping       map[string]string `json:"column_mapping"`
}

// Validate enforces the documented option ranges. Zero values are allowed
// and later replaced by defaults.
func (r importOptionsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DuplicateHandling,
			validation.In("", "skip", "update", "replace")),
		validation.Field(&r.ValidationThreshold,
			validation.Min(0), validation.Max(100)),
		validation.Field(&r.BatchSize,
			validation.When(r.BatchSize != 0, validation.Min(10), validation.Max(1000))),
		validation.Field(&r.ColumnMapping, validation.Required),
		validation.Field(&r.GroupIDs, validation.Each(is.UUIDv4)),
		validation.Field(&r.SegmentIDs, validation.Each(is.UUIDv4)),
	)
}

func (r importOptionsRequest) toOptions() importer.ImportOptions {
	opts := importer.ImportOptions{
		GroupIDs:            r.GroupIDs,
		SegmentIDs:          r.SegmentIDs,
		DuplicateHandling:   importer.DuplicateHandling(r.DuplicateHandling),
		ValidationThreshold: r.ValidationThreshold,
		BatchSize:           r.BatchSize,
		ColumnMapping:       r.ColumnMapping,
	}
	opts.Normalize()
	return opts
}

// customFieldRequest is the payload for creating or updating a custom field.
type customFieldRequest struct {
	Name            string                   `json:"name"`
	Label           string                   `json:"label"`
	FieldType       string                   `json:"field_type"`
	ValidationRules importer.ValidationRules `json:"validation_rules"`
	SortOrder       int                      `json:"sort_order"`
}

// Validate checks the field definition payload.
func (r customFieldRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 63)),
		validation.Field(&r.FieldType, validation.Required,
			validation.In("text", "number", "date", "boolean", "select", "multi_select")),
		validation.Field(&r.SortOrder, validation.Min(0)),
	)
}
