package wizard

import "strings"

// StepIndex returns the ordinal of step in wizard order, or -1 for an
// unknown step.
func StepIndex(step Step) int {
	for i, s := range Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// IsStepValid reports whether the prerequisites for step are met. It is
// advisory: GoToStep never consults it.
func IsStepValid(state State, step Step) bool {
	switch step {
	case StepUpload:
		return state.SelectedModel != ""
	case StepMapping:
		return state.Session != nil && hasMappedField(state)
	case StepPreview:
		return state.PreviewData != nil
	case StepExecute:
		return state.PreviewData != nil && state.PreviewData.Summary.RowsWithErrors == 0
	case StepResult:
		return state.ImportResult != nil
	default:
		return false
	}
}

func hasMappedField(state State) bool {
	for _, m := range state.ColumnMappings {
		if strings.TrimSpace(m.FieldName) != "" {
			return true
		}
	}
	return false
}

// StepStatus is the stepper view of one step.
type StepStatus struct {
	Index   int  `json:"index"`
	Valid   bool `json:"valid"`
	Current bool `json:"current"`
}

// StepStatuses evaluates every step against state.
func StepStatuses(state State) map[Step]StepStatus {
	out := make(map[Step]StepStatus, len(Steps))
	for i, s := range Steps {
		out[s] = StepStatus{
			Index:   i,
			Valid:   IsStepValid(state, s),
			Current: state.Step == s,
		}
	}
	return out
}
