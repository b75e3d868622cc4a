package wizard

// errors.go holds the wizard's sentinel errors and the catalogue that turns
// technical errors into messages a user can act on.
//
// # Error Codes Reference
//
// # Wizard Errors (WIZ001-WIZ099)
//
//	WIZ001 - No model selected. Patterns: "no model selected"
//	WIZ002 - No session. Patterns: "no import session"
//	WIZ003 - Busy. Patterns: "another operation is in progress"
//	WIZ004 - Invalid step. Patterns: "invalid step"
//	WIZ005 - Invalid settings. Patterns: "invalid settings"
//	WIZ006 - Unknown column. Patterns: "unknown column"
//	WIZ007 - Invalid batch. Patterns: "invalid batch number"
//	WIZ008 - Wizard expired. Patterns: "wizard not found"
//	WIZ009 - Cancelled. Patterns: "context canceled"
//	WIZ010 - Execution interrupted by a restart. Set directly on restore.
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - Too large. Patterns: "file too large"
//	FILE002 - Unsupported format. Patterns: "unsupported file format"
//	FILE003 - Empty. Patterns: "empty file"
//	FILE004 - Malformed. Patterns: "malformed file"
//	FILE005 - Missing. Patterns: "no file provided"
//
// # Import Service Errors (SVC001-SVC099)
//
//	SVC001 - Session expired on the server. Patterns: "session not found"
//	SVC002 - Unreachable. Patterns: "connection refused", "no such host"
//	SVC003 - Timed out. Patterns: "context deadline exceeded", "timeout"
//	SVC004 - Credentials rejected. Patterns: "returned 401", "returned 403"
//	SVC005 - Not found. Patterns: "returned 404"
//	SVC006 - Request rejected. Patterns: "returned 400", "returned 422"
//	SVC007 - Service failure. Patterns: "returned 500", "returned 502", "returned 503", "returned 504"
//	SVC008 - Oversized response. Patterns: "response too large"
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Too many requests. Patterns: "rate limit", "too many concurrent executions"
//
// # Default Error (ERR000)
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns precede general ones.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
)

var (
	ErrNoModelSelected   = errors.New("no model selected")
	ErrNoSession         = errors.New("no import session")
	ErrBusy              = errors.New("another operation is in progress")
	ErrInvalidStep       = errors.New("invalid step")
	ErrInvalidSettings   = errors.New("invalid settings")
	ErrUnknownColumn     = errors.New("unknown column")
	ErrInvalidBatch      = errors.New("invalid batch number")
	ErrWizardNotFound    = errors.New("wizard not found")
	ErrTooManyExecutions = errors.New("too many concurrent executions, please try again later")
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Wizard preconditions
	{"no model selected", UserMessage{"No target model is selected", "Choose a model before uploading a file", "WIZ001"}},
	{"no import session", UserMessage{"No file has been uploaded yet", "Upload a file to start an import session", "WIZ002"}},
	{"another operation is in progress", UserMessage{"The wizard is busy", "Wait for the current operation to finish", "WIZ003"}},
	{"invalid step", UserMessage{"Unknown wizard step", "Use one of upload, mapping, preview, execute or result", "WIZ004"}},
	{"invalid settings", UserMessage{"The import settings are invalid", "Check the import policy and batch size", "WIZ005"}},
	{"unknown column", UserMessage{"A mapping refers to a column that is not in the file", "Map only the columns detected in the uploaded file", "WIZ006"}},
	{"invalid batch number", UserMessage{"That batch does not exist", "Pick a batch between the first and the last", "WIZ007"}},
	{"wizard not found", UserMessage{"This import wizard has expired", "Start a new import", "WIZ008"}},
	{"context canceled", UserMessage{"The operation was cancelled", "Start it again when ready", "WIZ009"}},

	// Local file checks
	{"file too large", UserMessage{"The file exceeds the maximum size", "Split the file into smaller files", "FILE001"}},
	{"unsupported file format", UserMessage{"This file type is not supported", "Upload a CSV, XLSX or JSON file", "FILE002"}},
	{"empty file", UserMessage{"The uploaded file is empty", "Upload a file with a header row and data", "FILE003"}},
	{"malformed file", UserMessage{"The file could not be read", "Check that the file is not corrupted and matches its extension", "FILE004"}},
	{"no file provided", UserMessage{"No file was selected", "Select a file to upload", "FILE005"}},

	// Import Service. Status patterns match APIError's "import service returned NNN".
	{"session not found", UserMessage{"The import session expired on the server", "Upload the file again", "SVC001"}},
	{"connection refused", UserMessage{"The import service is unreachable", "Please try again in a few moments", "SVC002"}},
	{"no such host", UserMessage{"The import service is unreachable", "Please try again in a few moments", "SVC002"}},
	{"context deadline exceeded", UserMessage{"The import service timed out", "Try again, or use a smaller batch size", "SVC003"}},
	{"timeout", UserMessage{"The import service timed out", "Try again, or use a smaller batch size", "SVC003"}},
	{"returned 401", UserMessage{"The import service rejected our credentials", "Contact an administrator", "SVC004"}},
	{"returned 403", UserMessage{"The import service rejected our credentials", "Contact an administrator", "SVC004"}},
	{"returned 404", UserMessage{"The import service could not find that resource", "Check the model name or upload the file again", "SVC005"}},
	{"returned 400", UserMessage{"The import service rejected the request", "Review the column mappings and settings", "SVC006"}},
	{"returned 422", UserMessage{"The import service rejected the request", "Review the column mappings and settings", "SVC006"}},
	{"returned 500", UserMessage{"The import service failed", "Please try again later", "SVC007"}},
	{"returned 502", UserMessage{"The import service failed", "Please try again later", "SVC007"}},
	{"returned 503", UserMessage{"The import service failed", "Please try again later", "SVC007"}},
	{"returned 504", UserMessage{"The import service failed", "Please try again later", "SVC007"}},
	{"response too large", UserMessage{"The import service sent more data than allowed", "Validate a smaller file or raise the response limit", "SVC008"}},

	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
	{"too many concurrent executions", UserMessage{"Too many imports are running", "Please wait a moment and try again", "RATE001"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error into a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders MapError as a single line.
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matched a catalogue entry.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// describeError is what lands in State.Error. Unknown errors keep their
// technical text; the service's own detail is appended when it sent one.
func describeError(err error) string {
	if !IsUserFacing(err) {
		return err.Error()
	}
	out := FormatUserError(err)
	var apiErr *importsvc.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		out += " Details: " + apiErr.Message
	}
	return out
}
