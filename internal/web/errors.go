package web

// errors.go turns errors into JSON responses.
//
// The technical error is logged with the request id; the client gets the
// catalogue message from wizard.MapError and an HTTP status derived from
// the error's identity.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/logging"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// ErrorResponse represents the JSON structure for API error responses.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Action  string   `json:"action,omitempty"`
	Code    string   `json:"code"`
	Details []string `json:"details,omitempty"`
}

// requestError is a malformed request rejected before reaching the wizard.
type requestError struct {
	msg     string
	details []string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string, details ...string) error {
	return &requestError{msg: msg, details: details}
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	var reqErr *requestError
	var apiErr *importsvc.APIError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, errNoFile):
		return http.StatusBadRequest
	case errors.Is(err, wizard.ErrWizardNotFound):
		return http.StatusNotFound
	case errors.Is(err, wizard.ErrBusy),
		errors.Is(err, wizard.ErrNoModelSelected),
		errors.Is(err, wizard.ErrNoSession),
		errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, wizard.ErrInvalidStep),
		errors.Is(err, wizard.ErrInvalidSettings),
		errors.Is(err, wizard.ErrUnknownColumn),
		errors.Is(err, wizard.ErrInvalidBatch),
		errors.Is(err, importsvc.ErrEmptyFile),
		errors.Is(err, importsvc.ErrMalformedFile):
		return http.StatusBadRequest
	case errors.Is(err, importsvc.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, importsvc.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, wizard.ErrTooManyExecutions):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, importsvc.ErrResponseTooLarge):
		return http.StatusBadGateway
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return http.StatusNotFound
		case apiErr.StatusCode == http.StatusBadRequest, apiErr.StatusCode == http.StatusUnprocessableEntity:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the user-facing message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var resp ErrorResponse
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		resp = ErrorResponse{
			Error:   reqErr.msg,
			Message: reqErr.msg,
			Action:  "Fix the request and try again",
			Code:    "REQ001",
			Details: reqErr.details,
		}
	} else {
		msg := wizard.MapError(err)
		resp = ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code}
		var apiErr *importsvc.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			resp.Details = []string{apiErr.Message}
		}
	}

	logger := logging.FromContext(r.Context())
	args := []any{"path", r.URL.Path, "method", r.Method, "status", status, "code", resp.Code, "error", err.Error()}
	if status >= 500 {
		logger.Error("request error", args...)
	} else {
		logger.Debug("request rejected", args...)
	}

	writeJSON(w, r, status, resp)
}

// writeJSON encodes v as JSON. Encoding errors are logged since headers are
// already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("json encode error", "error", err)
	}
}

// validationDetails flattens validator errors into readable lines.
func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		line := fe.Namespace() + " failed on '" + fe.Tag() + "'"
		if fe.Param() != "" {
			line += " (" + fe.Param() + ")"
		}
		out = append(out, line)
	}
	return out
}
