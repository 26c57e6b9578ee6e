package api

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ignite/subscriber-import/internal/importer"
)

// =============================================================================
// REQUEST VALIDATION TESTS
// =============================================================================

func validOptions() importOptionsRequest {
	return importOptionsRequest{
		GroupIDs:            []string{uuid.NewString()},
		DuplicateHandling:   "skip",
		ValidationThreshold: 70,
		BatchSize:           100,
		ColumnMapping:       map[string]string{"Email": "email"},
	}
}

func TestImportOptionsRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*importOptionsRequest)
		wantErr bool
	}{
		{
			name:   "valid request",
			mutate: func(r *importOptionsRequest) {},
		},
		{
			name: "zero values fall back to defaults",
			mutate: func(r *importOptionsRequest) {
				r.DuplicateHandling = ""
				r.ValidationThreshold = 0
				r.BatchSize = 0
				r.GroupIDs = nil
				r.SegmentIDs = nil
			},
		},
		{
			name:    "column mapping is required",
			mutate:  func(r *importOptionsRequest) { r.ColumnMapping = nil },
			wantErr: true,
		},
		{
			name:    "unknown duplicate handling",
			mutate:  func(r *importOptionsRequest) { r.DuplicateHandling = "merge" },
			wantErr: true,
		},
		{
			name:    "threshold above 100",
			mutate:  func(r *importOptionsRequest) { r.ValidationThreshold = 101 },
			wantErr: true,
		},
		{
			name:    "threshold below 0",
			mutate:  func(r *importOptionsRequest) { r.ValidationThreshold = -1 },
			wantErr: true,
		},
		{
			name:    "batch size below minimum",
			mutate:  func(r *importOptionsRequest) { r.BatchSize = 5 },
			wantErr: true,
		},
		{
			name:    "batch size above maximum",
			mutate:  func(r *importOptionsRequest) { r.BatchSize = 5000 },
			wantErr: true,
		},
		{
			name:    "group IDs must be UUIDs",
			mutate:  func(r *importOptionsRequest) { r.GroupIDs = []string{"not-a-uuid"} },
			wantErr: true,
		},
		{
			name:    "segment IDs must be UUIDs",
			mutate:  func(r *importOptionsRequest) { r.SegmentIDs = []string{"42"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validOptions()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected a validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestImportOptionsRequestToOptions(t *testing.T) {
	req := importOptionsRequest{
		ColumnMapping: map[string]string{"Email": "email"},
	}
	opts := req.toOptions()

	if opts.DuplicateHandling != importer.DuplicateSkip {
		t.Errorf("DuplicateHandling = %q, want %q", opts.DuplicateHandling, importer.DuplicateSkip)
	}
	if opts.ValidationThreshold != 70 {
		t.Errorf("ValidationThreshold = %d, want 70", opts.ValidationThreshold)
	}
	if opts.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", opts.BatchSize)
	}
}

func TestCustomFieldRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     customFieldRequest
		wantErr bool
	}{
		{
			name: "valid field",
			req:  customFieldRequest{Name: "favorite_color", Label: "Favorite Color", FieldType: "text"},
		},
		{
			name:    "missing name",
			req:     customFieldRequest{FieldType: "text"},
			wantErr: true,
		},
		{
			name:    "missing field type",
			req:     customFieldRequest{Name: "favorite_color"},
			wantErr: true,
		},
		{
			name:    "unknown field type",
			req:     customFieldRequest{Name: "favorite_color", FieldType: "json"},
			wantErr: true,
		},
		{
			name:    "negative sort order",
			req:     customFieldRequest{Name: "favorite_color", FieldType: "text", SortOrder: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected a validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
