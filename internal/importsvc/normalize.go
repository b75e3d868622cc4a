package importsvc

// normalize.go converts Import Service payloads into the canonical types.
//
// The service is not consistent about field names across versions:
//   - validation summaries use total_rows or total_rows_analyzed
//   - error histograms arrive as most_common_errors or error_breakdown, either
//     as a {message: count} object or as a list of {error|message, count}
//   - sessions carry session_id or id, detected_columns or columns
//
// Everything is resolved here so nothing downstream sees the ambiguity.

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type wireColumn struct {
	Name         string `json:"name"`
	SampleValues []any  `json:"sample_values"`
	Samples      []any  `json:"samples"`
}

type wireSession struct {
	SessionID       string       `json:"session_id"`
	ID              string       `json:"id"`
	ModelName       string       `json:"model_name"`
	FileName        string       `json:"file_name"`
	Filename        string       `json:"filename"`
	DetectedColumns []wireColumn `json:"detected_columns"`
	Columns         []wireColumn `json:"columns"`
	TotalRows       *int         `json:"total_rows"`
	RowCount        *int         `json:"row_count"`
	CreatedAt       *time.Time   `json:"created_at"`
}

func decodeSession(data []byte) (*ImportSession, error) {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	s := &ImportSession{
		ID:        firstNonEmpty(w.SessionID, w.ID),
		ModelName: w.ModelName,
		FileName:  firstNonEmpty(w.FileName, w.Filename),
		RowCount:  firstInt(w.TotalRows, w.RowCount),
	}
	if s.ID == "" {
		return nil, fmt.Errorf("decode session: response has no session id")
	}
	if w.CreatedAt != nil {
		s.CreatedAt = *w.CreatedAt
	}

	cols := w.DetectedColumns
	if len(cols) == 0 {
		cols = w.Columns
	}
	s.Columns = make([]DetectedColumn, 0, len(cols))
	for _, c := range cols {
		samples := c.SampleValues
		if len(samples) == 0 {
			samples = c.Samples
		}
		s.Columns = append(s.Columns, DetectedColumn{
			Name:         c.Name,
			SampleValues: stringifyAll(samples),
		})
	}

	return s, nil
}

type wireField struct {
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	DisplayName  string   `json:"display_name"`
	Type         string   `json:"type"`
	FieldType    string   `json:"field_type"`
	Required     bool     `json:"required"`
	Unique       bool     `json:"unique"`
	RelatedModel string   `json:"related_model"`
	Choices      []string `json:"choices"`
}

type wireMetadata struct {
	Name      string      `json:"name"`
	ModelName string      `json:"model_name"`
	Label     string      `json:"label"`
	Fields    []wireField `json:"fields"`
}

func decodeMetadata(model string, data []byte) (*ModelMetadata, error) {
	var w wireMetadata
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode model metadata: %w", err)
	}

	m := &ModelMetadata{
		Name:   firstNonEmpty(w.Name, w.ModelName, model),
		Label:  w.Label,
		Fields: make([]FieldInfo, 0, len(w.Fields)),
	}
	for _, f := range w.Fields {
		m.Fields = append(m.Fields, FieldInfo{
			Name:         f.Name,
			Label:        firstNonEmpty(f.Label, f.DisplayName, f.Name),
			Type:         firstNonEmpty(f.Type, f.FieldType),
			Required:     f.Required,
			Unique:       f.Unique,
			RelatedModel: f.RelatedModel,
			Choices:      f.Choices,
		})
	}
	return m, nil
}

func decodeModels(data []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return wrapped.Models, nil
}

func decodeSuggestions(data []byte) ([]MappingSuggestion, error) {
	var list []MappingSuggestion
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Suggestions []MappingSuggestion `json:"suggestions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode mapping suggestions: %w", err)
	}
	if wrapped.Suggestions == nil {
		return []MappingSuggestion{}, nil
	}
	return wrapped.Suggestions, nil
}

type wireSummary struct {
	TotalRows         *int            `json:"total_rows"`
	TotalRowsAnalyzed *int            `json:"total_rows_analyzed"`
	ValidRows         int             `json:"valid_rows"`
	RowsWithWarnings  int             `json:"rows_with_warnings"`
	RowsWithErrors    int             `json:"rows_with_errors"`
	MostCommonErrors  json.RawMessage `json:"most_common_errors"`
	ErrorBreakdown    json.RawMessage `json:"error_breakdown"`
}

type wireRow struct {
	RowNumber        *int           `json:"row_number"`
	Row              *int           `json:"row"`
	OriginalData     map[string]any `json:"original_data"`
	TransformedData  map[string]any `json:"transformed_data"`
	Errors           []string       `json:"errors"`
	Warnings         []string       `json:"warnings"`
	ValidationStatus string         `json:"validation_status"`
}

type wirePreview struct {
	ValidationSummary   wireSummary `json:"validation_summary"`
	PreviewData         []wireRow   `json:"preview_data"`
	BatchInfo           *BatchInfo  `json:"batch_info"`
	CanSkipErrors       bool        `json:"can_skip_errors"`
	SkipErrorsAvailable bool        `json:"skip_errors_available"`
}

func decodePreview(data []byte) (*PreviewResult, error) {
	var w wirePreview
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}

	errs, err := decodeErrorCounts(w.ValidationSummary.MostCommonErrors, w.ValidationSummary.ErrorBreakdown)
	if err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}

	p := &PreviewResult{
		Summary: ValidationSummary{
			TotalRows:        firstInt(w.ValidationSummary.TotalRows, w.ValidationSummary.TotalRowsAnalyzed),
			ValidRows:        w.ValidationSummary.ValidRows,
			RowsWithWarnings: w.ValidationSummary.RowsWithWarnings,
			RowsWithErrors:   w.ValidationSummary.RowsWithErrors,
			MostCommonErrors: errs,
		},
		Rows:                make([]RowPreview, 0, len(w.PreviewData)),
		BatchInfo:           w.BatchInfo,
		CanSkipErrors:       w.CanSkipErrors,
		SkipErrorsAvailable: w.SkipErrorsAvailable,
	}

	for i, r := range w.PreviewData {
		rowNum := firstInt(r.RowNumber, r.Row)
		if rowNum == 0 {
			rowNum = i + 1
		}
		p.Rows = append(p.Rows, RowPreview{
			RowNumber:       rowNum,
			OriginalData:    r.OriginalData,
			TransformedData: r.TransformedData,
			Errors:          r.Errors,
			Warnings:        r.Warnings,
			Status:          rowStatus(r.ValidationStatus, r.Errors, r.Warnings),
		})
	}

	return p, nil
}

// rowStatus trusts the server's status when it is one of the known values and
// otherwise derives it from the error and warning lists.
func rowStatus(raw string, errs, warnings []string) ValidationStatus {
	switch s := ValidationStatus(raw); s {
	case StatusValid, StatusWarning, StatusError:
		return s
	}
	if len(errs) > 0 {
		return StatusError
	}
	if len(warnings) > 0 {
		return StatusWarning
	}
	return StatusValid
}

type wireFailure struct {
	RowNumber *int           `json:"row_number"`
	Row       *int           `json:"row"`
	Errors    []string       `json:"errors"`
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
}

type wireExecution struct {
	Status       string          `json:"status"`
	TotalRows    *int            `json:"total_rows"`
	TotalRecords *int            `json:"total_records"`
	Created      *int            `json:"created_count"`
	CreatedAlt   *int            `json:"created"`
	Updated      *int            `json:"updated_count"`
	UpdatedAlt   *int            `json:"updated"`
	Failed       *int            `json:"failed_count"`
	FailedAlt    *int            `json:"failed"`
	Skipped      *int            `json:"skipped_count"`
	SkippedAlt   *int            `json:"skipped"`
	ErrorSummary json.RawMessage `json:"error_summary"`
	ErrorsByType json.RawMessage `json:"errors_by_type"`
	FailedRows   []wireFailure   `json:"failed_rows"`
	Errors       []wireFailure   `json:"errors"`
	StartedAt    *time.Time      `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	SkipErrors   bool            `json:"skip_errors"`
}

func decodeExecution(data []byte) (*ExecutionResult, error) {
	var w wireExecution
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode execution result: %w", err)
	}

	breakdown, err := decodeErrorCounts(w.ErrorSummary, w.ErrorsByType)
	if err != nil {
		return nil, fmt.Errorf("decode execution result: %w", err)
	}

	r := &ExecutionResult{
		TotalRows:      firstInt(w.TotalRows, w.TotalRecords),
		Created:        firstInt(w.Created, w.CreatedAlt),
		Updated:        firstInt(w.Updated, w.UpdatedAlt),
		Failed:         firstInt(w.Failed, w.FailedAlt),
		Skipped:        firstInt(w.Skipped, w.SkippedAlt),
		ErrorBreakdown: breakdown,
		SkipErrors:     w.SkipErrors,
	}
	if w.StartedAt != nil {
		r.StartedAt = *w.StartedAt
	}
	if w.CompletedAt != nil {
		r.CompletedAt = *w.CompletedAt
	}

	failures := w.FailedRows
	if len(failures) == 0 {
		failures = w.Errors
	}
	for _, f := range failures {
		msgs := f.Errors
		if len(msgs) == 0 {
			if m := firstNonEmpty(f.Error, f.Message); m != "" {
				msgs = []string{m}
			}
		}
		r.FailedRows = append(r.FailedRows, RowFailure{
			RowNumber: firstInt(f.RowNumber, f.Row),
			Errors:    msgs,
			Data:      f.Data,
		})
	}

	switch ExecutionStatus(w.Status) {
	case ExecutionCompleted, ExecutionFailed:
		r.Status = ExecutionStatus(w.Status)
	case "success", "succeeded", "done":
		r.Status = ExecutionCompleted
	case "error":
		r.Status = ExecutionFailed
	default:
		// No usable status: a failure count without skip-errors means the
		// service aborted the import.
		if r.Failed > 0 && !r.SkipErrors {
			r.Status = ExecutionFailed
		} else {
			r.Status = ExecutionCompleted
		}
	}

	return r, nil
}

type wireErrorCount struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Count   int    `json:"count"`
}

// decodeErrorCounts accepts the first non-empty candidate in either the object
// form {"message": count} or the list form [{"error": "...", "count": n}].
// The result is ordered by count descending, then message.
func decodeErrorCounts(candidates ...json.RawMessage) ([]ErrorCount, error) {
	var raw json.RawMessage
	for _, c := range candidates {
		if len(c) > 0 && string(c) != "null" {
			raw = c
			break
		}
	}
	if raw == nil {
		return nil, nil
	}

	var out []ErrorCount

	var asMap map[string]int
	if err := json.Unmarshal(raw, &asMap); err == nil {
		for msg, n := range asMap {
			out = append(out, ErrorCount{Message: msg, Count: n})
		}
	} else {
		var asList []wireErrorCount
		if err := json.Unmarshal(raw, &asList); err != nil {
			return nil, fmt.Errorf("unrecognized error histogram: %s", truncate(string(raw), 80))
		}
		for _, e := range asList {
			out = append(out, ErrorCount{
				Message: firstNonEmpty(e.Error, e.Message, e.Type),
				Count:   e.Count,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func stringifyAll(vals []any) []string {
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = s
			continue
		}
		out[i] = fmt.Sprint(v)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
