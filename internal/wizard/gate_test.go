package wizard

import (
	"testing"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
)

func TestStepIndex(t *testing.T) {
	for i, s := range []Step{StepUpload, StepMapping, StepPreview, StepExecute, StepResult} {
		if got := StepIndex(s); got != i {
			t.Errorf("StepIndex(%q) = %d, want %d", s, got, i)
		}
	}
	if got := StepIndex("nope"); got != -1 {
		t.Errorf("StepIndex(nope) = %d, want -1", got)
	}
}

func TestIsStepValid(t *testing.T) {
	session := &importsvc.ImportSession{ID: "s"}
	clean := &importsvc.PreviewResult{Summary: importsvc.ValidationSummary{TotalRows: 10, ValidRows: 10}}
	dirty := &importsvc.PreviewResult{Summary: importsvc.ValidationSummary{TotalRows: 10, RowsWithErrors: 1}}

	tests := []struct {
		name  string
		state State
		step  Step
		want  bool
	}{
		{"upload without model", State{}, StepUpload, false},
		{"upload with model", State{SelectedModel: "account"}, StepUpload, true},
		{"mapping without session", State{ColumnMappings: []importsvc.ColumnMapping{{ColumnName: "a", FieldName: "x"}}}, StepMapping, false},
		{"mapping with nothing mapped", State{Session: session, ColumnMappings: []importsvc.ColumnMapping{{ColumnName: "a"}}}, StepMapping, false},
		{"mapping with blank field", State{Session: session, ColumnMappings: []importsvc.ColumnMapping{{ColumnName: "a", FieldName: "  "}}}, StepMapping, false},
		{"mapping with one field", State{Session: session, ColumnMappings: []importsvc.ColumnMapping{{ColumnName: "a"}, {ColumnName: "b", FieldName: "x"}}}, StepMapping, true},
		{"preview without data", State{}, StepPreview, false},
		{"preview with data", State{PreviewData: dirty}, StepPreview, true},
		{"execute with clean preview", State{PreviewData: clean}, StepExecute, true},
		{"execute with errors", State{PreviewData: dirty}, StepExecute, false},
		{"execute without preview", State{}, StepExecute, false},
		{"result without data", State{}, StepResult, false},
		{"result with data", State{ImportResult: &importsvc.ExecutionResult{}}, StepResult, true},
		{"unknown step", State{SelectedModel: "x"}, Step("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStepValid(tt.state, tt.step); got != tt.want {
				t.Errorf("IsStepValid(%q) = %v, want %v", tt.step, got, tt.want)
			}
		})
	}
}

// Errors in the preview block execute no matter what else is set.
func TestIsStepValid_ExecuteBlockedByErrors(t *testing.T) {
	for errs := 1; errs <= 50; errs += 7 {
		s := State{
			Step:          StepExecute,
			SelectedModel: "account",
			Session:       &importsvc.ImportSession{ID: "s"},
			SkipErrors:    true,
			PreviewData: &importsvc.PreviewResult{
				Summary:             importsvc.ValidationSummary{TotalRows: 100, ValidRows: 100 - errs, RowsWithErrors: errs},
				CanSkipErrors:       true,
				SkipErrorsAvailable: true,
			},
			ImportResult: &importsvc.ExecutionResult{Status: importsvc.ExecutionCompleted},
		}
		if IsStepValid(s, StepExecute) {
			t.Errorf("IsStepValid(execute) = true with %d rows with errors", errs)
		}
	}
}

func TestStepStatuses(t *testing.T) {
	s := State{Step: StepMapping, SelectedModel: "account"}
	got := StepStatuses(s)

	if len(got) != len(Steps) {
		t.Fatalf("len = %d, want %d", len(got), len(Steps))
	}
	if !got[StepUpload].Valid || got[StepMapping].Valid {
		t.Errorf("validity = %+v", got)
	}
	if !got[StepMapping].Current || got[StepUpload].Current {
		t.Errorf("current flags = %+v", got)
	}
	if got[StepResult].Index != 4 {
		t.Errorf("result index = %d, want 4", got[StepResult].Index)
	}
}
