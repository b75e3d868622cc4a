// Package importsvc is the client side of the external Import Service.
//
// The Import Service owns file parsing, per-row validation and persistence of
// domain entities. This package only speaks its REST/JSON protocol and
// normalizes the responses into one canonical shape, so callers never have to
// deal with the service's optional or renamed fields.
package importsvc

import (
	"fmt"
	"strings"
	"time"
)

// ImportPolicy controls whether an import creates records, updates them, or both.
type ImportPolicy string

const (
	PolicyCreateOnly ImportPolicy = "create_only"
	PolicyUpdateOnly ImportPolicy = "update_only"
	PolicyUpsert     ImportPolicy = "upsert"
)

// ParsePolicy converts a string into an ImportPolicy.
func ParsePolicy(s string) (ImportPolicy, error) {
	switch p := ImportPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyCreateOnly, PolicyUpdateOnly, PolicyUpsert:
		return p, nil
	default:
		return "", fmt.Errorf("invalid import policy %q (expected create_only, update_only or upsert)", s)
	}
}

// FieldInfo describes one field of a target model.
type FieldInfo struct {
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	Type         string   `json:"type,omitempty"`
	Required     bool     `json:"required"`
	Unique       bool     `json:"unique"`
	RelatedModel string   `json:"related_model,omitempty"`
	Choices      []string `json:"choices,omitempty"`
}

// ModelMetadata describes an importable model.
type ModelMetadata struct {
	Name   string      `json:"name"`
	Label  string      `json:"label"`
	Fields []FieldInfo `json:"fields"`
}

// RequiredFields returns the names of fields that must be mapped or defaulted.
func (m ModelMetadata) RequiredFields() []string {
	var out []string
	for _, f := range m.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Field looks up a field by name.
func (m ModelMetadata) Field(name string) (FieldInfo, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// BatchBounds is the batch size range accepted by the Import Service.
type BatchBounds struct {
	Default int `json:"default"`
	Min     int `json:"min"`
	Max     int `json:"max"`
}

// PreviewRowsConfig is the number of rows returned per preview page.
type PreviewRowsConfig struct {
	Default int `json:"default"`
	Max     int `json:"max"`
}

// ImportConfig is the Import Service's declared configuration.
type ImportConfig struct {
	BatchSize           BatchBounds       `json:"batch_size"`
	PreviewRows         PreviewRowsConfig `json:"preview_rows"`
	SupportedFormats    []string          `json:"supported_formats"`
	MaxFileSizeMB       int               `json:"max_file_size_mb"`
	SessionTimeoutHours int               `json:"session_timeout_hours"`
}

// DetectedColumn is a column found in an uploaded file.
type DetectedColumn struct {
	Name         string   `json:"name"`
	SampleValues []string `json:"sample_values,omitempty"`
}

// ImportSession is the handle of a server-side session bound to one uploaded file.
type ImportSession struct {
	ID        string           `json:"id"`
	ModelName string           `json:"model_name"`
	FileName  string           `json:"file_name"`
	Columns   []DetectedColumn `json:"columns"`
	RowCount  int              `json:"row_count"`
	CreatedAt time.Time        `json:"created_at"`
}

// ColumnNames returns the detected column names in file order.
func (s ImportSession) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnMapping maps one file column to zero or one model field.
// An empty FieldName means the column is ignored.
type ColumnMapping struct {
	ColumnName   string `json:"column_name" yaml:"column" validate:"required"`
	FieldName    string `json:"field_name,omitempty" yaml:"field,omitempty"`
	DefaultValue string `json:"default_value,omitempty" yaml:"default,omitempty"`
}

// MappingSuggestion is a server-proposed column to field assignment.
type MappingSuggestion struct {
	ColumnName     string  `json:"column_name"`
	SuggestedField string  `json:"suggested_field"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason,omitempty"`
}

// PreviewRequest is sent for preview and full-file validation.
// BatchNumber and BatchSize are only set for batch navigation.
type PreviewRequest struct {
	Mappings             []ColumnMapping   `json:"column_mappings"`
	Policy               ImportPolicy      `json:"import_policy"`
	SkipValidationErrors bool              `json:"skip_validation_errors"`
	DefaultValues        map[string]string `json:"default_values,omitempty"`
	BatchNumber          *int              `json:"batch_number,omitempty"`
	BatchSize            *int              `json:"batch_size,omitempty"`
}

// ExecuteRequest is sent to run the import.
type ExecuteRequest struct {
	Mappings   []ColumnMapping `json:"column_mappings"`
	Policy     ImportPolicy    `json:"import_policy"`
	SkipErrors bool            `json:"skip_errors"`
	BatchSize  int             `json:"batch_size"`
}

// ValidationStatus is the tri-state outcome of validating one row.
type ValidationStatus string

const (
	StatusValid   ValidationStatus = "valid"
	StatusWarning ValidationStatus = "warning"
	StatusError   ValidationStatus = "error"
)

// RowPreview is one row of a preview page.
type RowPreview struct {
	RowNumber       int              `json:"row_number"`
	OriginalData    map[string]any   `json:"original_data"`
	TransformedData map[string]any   `json:"transformed_data"`
	Errors          []string         `json:"errors,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	Status          ValidationStatus `json:"validation_status"`
}

// ErrorCount is one entry of an error histogram.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// ValidationSummary aggregates validation over the analyzed rows.
type ValidationSummary struct {
	TotalRows        int          `json:"total_rows"`
	ValidRows        int          `json:"valid_rows"`
	RowsWithWarnings int          `json:"rows_with_warnings"`
	RowsWithErrors   int          `json:"rows_with_errors"`
	MostCommonErrors []ErrorCount `json:"most_common_errors,omitempty"`
}

// BatchInfo locates a preview page within the file.
type BatchInfo struct {
	CurrentBatch     int `json:"current_batch"`
	TotalBatches     int `json:"total_batches"`
	BatchSize        int `json:"batch_size"`
	TotalRows        int `json:"total_rows"`
	CurrentBatchRows int `json:"current_batch_rows"`
}

// HasNext reports whether a later batch exists.
func (b BatchInfo) HasNext() bool { return b.CurrentBatch+1 < b.TotalBatches }

// HasPrevious reports whether an earlier batch exists.
func (b BatchInfo) HasPrevious() bool { return b.CurrentBatch > 0 }

// PreviewResult is the canonical preview/validation response.
type PreviewResult struct {
	Summary             ValidationSummary `json:"validation_summary"`
	Rows                []RowPreview      `json:"preview_data"`
	BatchInfo           *BatchInfo        `json:"batch_info,omitempty"`
	CanSkipErrors       bool              `json:"can_skip_errors"`
	SkipErrorsAvailable bool              `json:"skip_errors_available"`
}

// ExecutionStatus is the logical outcome of an import.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// RowFailure describes a row that could not be imported.
type RowFailure struct {
	RowNumber int            `json:"row_number"`
	Errors    []string       `json:"errors"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionResult is the canonical execution response.
type ExecutionResult struct {
	Status         ExecutionStatus `json:"status"`
	TotalRows      int             `json:"total_rows"`
	Created        int             `json:"created"`
	Updated        int             `json:"updated"`
	Failed         int             `json:"failed"`
	Skipped        int             `json:"skipped"`
	ErrorBreakdown []ErrorCount    `json:"error_breakdown,omitempty"`
	FailedRows     []RowFailure    `json:"failed_rows,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
	SkipErrors     bool            `json:"skip_errors"`
}

// Succeeded reports whether the import completed.
func (r ExecutionResult) Succeeded() bool { return r.Status == ExecutionCompleted }

// Duration is the server-reported execution time.
func (r ExecutionResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
