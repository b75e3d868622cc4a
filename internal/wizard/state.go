// Package wizard implements the import wizard: a five-step state machine that
// takes a user from choosing a target model, through uploading a file and
// mapping its columns, to previewing and executing the import against the
// Import Service.
//
// The package is split into pure collaborators (Planner, ApplySuggestions,
// IsStepValid) and the Orchestrator that owns State and composes them with
// importsvc.SessionClient calls. Manager keeps many orchestrators alive for
// the HTTP API.
package wizard

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
)

// Step is one of the five wizard steps.
type Step string

const (
	StepUpload  Step = "upload"
	StepMapping Step = "mapping"
	StepPreview Step = "preview"
	StepExecute Step = "execute"
	StepResult  Step = "result"
)

// Steps lists every step in wizard order.
var Steps = []Step{StepUpload, StepMapping, StepPreview, StepExecute, StepResult}

// ParseStep converts a string into a Step.
func ParseStep(s string) (Step, error) {
	step := Step(strings.ToLower(strings.TrimSpace(s)))
	if !step.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStep, s)
	}
	return step, nil
}

// Valid reports whether s is one of the five steps.
func (s Step) Valid() bool {
	return slices.Contains(Steps, s)
}

// State is the full wizard snapshot.
//
// PreviewData and ImportResult are kept across steps so the execute gate and
// the mapping retry loop can see them; use Preview and Result to read them
// only where the current step gives them meaning.
type State struct {
	Step          Step                     `json:"step"`
	SelectedModel string                   `json:"selected_model,omitempty"`
	Session       *importsvc.ImportSession `json:"session,omitempty"`

	ColumnMappings       []importsvc.ColumnMapping `json:"column_mappings"`
	ImportPolicy         importsvc.ImportPolicy    `json:"import_policy"`
	SkipValidationErrors bool                      `json:"skip_validation_errors"`
	SkipErrors           bool                      `json:"skip_errors"`
	DefaultValues        map[string]string         `json:"default_values"`
	BatchSize            int                       `json:"batch_size"`

	PreviewData  *importsvc.PreviewResult   `json:"preview_data,omitempty"`
	ImportResult *importsvc.ExecutionResult `json:"import_result,omitempty"`

	IsLoading bool   `json:"is_loading"`
	Error     string `json:"error,omitempty"`
}

// InitialState is the snapshot a new or reset wizard starts from.
func InitialState(batchSize int) State {
	return State{
		Step:           StepUpload,
		ColumnMappings: []importsvc.ColumnMapping{},
		ImportPolicy:   importsvc.PolicyCreateOnly,
		DefaultValues:  map[string]string{},
		BatchSize:      batchSize,
	}
}

// Preview returns the preview payload when the step is preview or later.
func (s State) Preview() *importsvc.PreviewResult {
	switch s.Step {
	case StepPreview, StepExecute, StepResult:
		return s.PreviewData
	}
	return nil
}

// Result returns the execution payload on the result step.
func (s State) Result() *importsvc.ExecutionResult {
	if s.Step == StepResult {
		return s.ImportResult
	}
	return nil
}

// SessionID returns the session id or "" when no session exists.
func (s State) SessionID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.ID
}

// RowCount returns the session's row count or 0 when no session exists.
func (s State) RowCount() int {
	if s.Session == nil {
		return 0
	}
	return s.Session.RowCount
}

// Clone deep-copies the state so callers never share slices or maps with the
// orchestrator. Result payloads are copied by value at the top level; their
// nested slices are treated as immutable once received.
func (s State) Clone() State {
	out := s
	out.ColumnMappings = slices.Clone(s.ColumnMappings)
	out.DefaultValues = maps.Clone(s.DefaultValues)
	if s.Session != nil {
		sess := *s.Session
		sess.Columns = slices.Clone(s.Session.Columns)
		out.Session = &sess
	}
	if s.PreviewData != nil {
		p := *s.PreviewData
		p.Rows = slices.Clone(s.PreviewData.Rows)
		if s.PreviewData.BatchInfo != nil {
			bi := *s.PreviewData.BatchInfo
			p.BatchInfo = &bi
		}
		out.PreviewData = &p
	}
	if s.ImportResult != nil {
		r := *s.ImportResult
		r.FailedRows = slices.Clone(s.ImportResult.FailedRows)
		r.ErrorBreakdown = slices.Clone(s.ImportResult.ErrorBreakdown)
		out.ImportResult = &r
	}
	return out
}

// SettingsPatch is a partial update of the import settings.
// Nil fields are left unchanged; DefaultValues is merged key-wise.
type SettingsPatch struct {
	ImportPolicy         *importsvc.ImportPolicy `json:"import_policy,omitempty"`
	SkipValidationErrors *bool                   `json:"skip_validation_errors,omitempty"`
	SkipErrors           *bool                   `json:"skip_errors,omitempty"`
	DefaultValues        map[string]string       `json:"default_values,omitempty"`
	BatchSize            *int                    `json:"batch_size,omitempty"`
}

// normalize validates the patch and canonicalizes the policy spelling.
func (p SettingsPatch) normalize() (SettingsPatch, error) {
	if p.ImportPolicy != nil {
		policy, err := importsvc.ParsePolicy(string(*p.ImportPolicy))
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
		p.ImportPolicy = &policy
	}
	if p.BatchSize != nil && *p.BatchSize <= 0 {
		return p, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidSettings, *p.BatchSize)
	}
	return p, nil
}

func (p SettingsPatch) apply(s *State) {
	if p.ImportPolicy != nil {
		s.ImportPolicy = *p.ImportPolicy
	}
	if p.SkipValidationErrors != nil {
		s.SkipValidationErrors = *p.SkipValidationErrors
	}
	if p.SkipErrors != nil {
		s.SkipErrors = *p.SkipErrors
	}
	if p.BatchSize != nil {
		s.BatchSize = *p.BatchSize
	}
	if len(p.DefaultValues) > 0 {
		if s.DefaultValues == nil {
			s.DefaultValues = make(map[string]string, len(p.DefaultValues))
		}
		maps.Copy(s.DefaultValues, p.DefaultValues)
	}
}

// seedMappings returns one unmapped entry per detected column.
func seedMappings(sess *importsvc.ImportSession) []importsvc.ColumnMapping {
	out := make([]importsvc.ColumnMapping, 0, len(sess.Columns))
	for _, c := range sess.Columns {
		out = append(out, importsvc.ColumnMapping{ColumnName: c.Name})
	}
	return out
}
