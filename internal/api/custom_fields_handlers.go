package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/subscriber-import/internal/importer"
)

// =============================================================================
// CUSTOM FIELDS HANDLERS
// =============================================================================
// HTTP handlers for the custom fields API. Enables:
// - CRUD operations for custom field definitions
// - Column detection over CSV headers and sample data
// - Standard fields reference for mapping UIs

// CustomFieldsAPI provides HTTP handlers for custom fields.
type CustomFieldsAPI struct {
	service *importer.CustomFieldService
}

// NewCustomFieldsAPI creates a new custom fields API handler.
func NewCustomFieldsAPI(service *importer.CustomFieldService) *CustomFieldsAPI {
	return &CustomFieldsAPI{service: service}
}

// RegisterRoutes registers custom field routes.
func (api *CustomFieldsAPI) RegisterRoutes(r chi.Router) {
	r.Route("/custom-fields", func(r chi.Router) {
		r.Get("/", api.HandleListCustomFields)
		r.Post("/", api.HandleCreateCustomField)
		r.Get("/{fieldID}", api.HandleGetCustomField)
		r.Put("/{fieldID}", api.HandleUpdateCustomField)
		r.Delete("/{fieldID}", api.HandleDeleteCustomField)

		r.Post("/detect", api.HandleDetectColumns)
		r.Get("/standard-fields", api.HandleGetStandardFields)
	})
}

// HandleListCustomFields returns all custom field definitions.
// GET /api/custom-fields
func (api *CustomFieldsAPI) HandleListCustomFields(w http.ResponseWriter, r *http.Request) {
	fields, err := api.service.ListCustomFields(r.Context())
	if err != nil {
		writeJSONError(w, "failed to list custom fields", http.StatusInternalServerError)
		return
	}
	if fields == nil {
		fields = []importer.CustomField{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"custom_fields": fields,
		"total":         len(fields),
	})
}

// HandleCreateCustomField creates a new custom field definition.
// POST /api/custom-fields
func (api *CustomFieldsAPI) HandleCreateCustomField(w http.ResponseWriter, r *http.Request) {
	var req customFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	field, err := api.service.CreateCustomField(r.Context(), importer.CreateCustomFieldRequest{
		Name:            req.Name,
		Label:           req.Label,
		FieldType:       importer.FieldType(req.FieldType),
		ValidationRules: req.ValidationRules,
		SortOrder:       req.SortOrder,
	})
	if err != nil {
		if isConflictError(err) {
			writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, field)
}

// HandleGetCustomField retrieves a specific custom field.
// GET /api/custom-fields/{fieldID}
func (api *CustomFieldsAPI) HandleGetCustomField(w http.ResponseWriter, r *http.Request) {
	fieldID, err := uuid.Parse(chi.URLParam(r, "fieldID"))
	if err != nil {
		writeJSONError(w, "invalid field ID", http.StatusBadRequest)
		return
	}

	field, err := api.service.GetCustomField(r.Context(), fieldID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, field)
}

// HandleUpdateCustomField updates a custom field definition.
// PUT /api/custom-fields/{fieldID}
func (api *CustomFieldsAPI) HandleUpdateCustomField(w http.ResponseWriter, r *http.Request) {
	fieldID, err := uuid.Parse(chi.URLParam(r, "fieldID"))
	if err != nil {
		writeJSONError(w, "invalid field ID", http.StatusBadRequest)
		return
	}

	var req customFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	field, err := api.service.UpdateCustomField(r.Context(), fieldID, importer.CreateCustomFieldRequest{
		Name:            req.Name,
		Label:           req.Label,
		FieldType:       importer.FieldType(req.FieldType),
		ValidationRules: req.ValidationRules,
		SortOrder:       req.SortOrder,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, field)
}

// HandleDeleteCustomField soft-deletes a custom field.
// DELETE /api/custom-fields/{fieldID}
func (api *CustomFieldsAPI) HandleDeleteCustomField(w http.ResponseWriter, r *http.Request) {
	fieldID, err := uuid.Parse(chi.URLParam(r, "fieldID"))
	if err != nil {
		writeJSONError(w, "invalid field ID", http.StatusBadRequest)
		return
	}

	if err := api.service.DeleteCustomField(r.Context(), fieldID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "custom field deleted",
	})
}

// DetectColumnsRequest is the request body for column detection.
type DetectColumnsRequest struct {
	Headers    []string   `json:"headers"`
	SampleData [][]string `json:"sample_data"`
}

// HandleDetectColumns classifies CSV headers and suggests mapping targets.
// POST /api/custom-fields/detect
func (api *CustomFieldsAPI) HandleDetectColumns(w http.ResponseWriter, r *http.Request) {
	var req DetectColumnsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Headers) == 0 {
		writeJSONError(w, "headers are required", http.StatusBadRequest)
		return
	}

	rows := make([]map[string]string, 0, len(req.SampleData))
	for _, record := range req.SampleData {
		row := make(map[string]string, len(req.Headers))
		for i, header := range req.Headers {
			if i < len(record) {
				row[header] = record[i]
			}
		}
		rows = append(rows, row)
	}

	detection := importer.DetectColumns(req.Headers, rows)
	writeJSON(w, http.StatusOK, detection)
}

// HandleGetStandardFields returns the standard mapping targets.
// GET /api/custom-fields/standard-fields
func (api *CustomFieldsAPI) HandleGetStandardFields(w http.ResponseWriter, r *http.Request) {
	standardFields := []map[string]interface{}{
		{"name": importer.FieldEmail, "label": "Email Address", "type": "email", "required": true},
		{"name": importer.FieldFirstName, "label": "First Name", "type": "text", "required": false},
		{"name": importer.FieldLastName, "label": "Last Name", "type": "text", "required": false},
		{"name": importer.FieldCompany, "label": "Company", "type": "text", "required": false},
		{"name": importer.FieldPhone, "label": "Phone Number", "type": "text", "required": false},
		{"name": importer.FieldLocation, "label": "Location", "type": "text", "required": false},
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"standard_fields": standardFields,
		"total":           len(standardFields),
	})
}
