package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/logging"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// multipartOverhead is allowed on top of the file size for form fields and
// boundaries.
const multipartOverhead = 1 << 20

var errNoFile = errors.New("no file provided")

// wizardResponse is returned by every wizard route. Preview and Result carry
// the payload that belongs to the current step.
type wizardResponse struct {
	ID                     string                            `json:"id"`
	State                  wizard.State                      `json:"state"`
	Steps                  map[wizard.Step]wizard.StepStatus `json:"steps"`
	UnmappedRequiredFields []string                          `json:"unmapped_required_fields"`
	Preview                *importsvc.PreviewResult          `json:"preview,omitempty"`
	Result                 *importsvc.ExecutionResult        `json:"result,omitempty"`
}

func newWizardResponse(o *wizard.Orchestrator) wizardResponse {
	st := o.Snapshot()
	unmapped := o.UnmappedRequiredFields()
	if unmapped == nil {
		unmapped = []string{}
	}
	return wizardResponse{
		ID:                     o.ID(),
		State:                  st,
		Steps:                  wizard.StepStatuses(st),
		UnmappedRequiredFields: unmapped,
		Preview:                st.Preview(),
		Result:                 st.Result(),
	}
}

// respondWizard writes the wizard's current state, or err if the operation
// failed.
func (s *Server) respondWizard(w http.ResponseWriter, r *http.Request, o *wizard.Orchestrator, err error) {
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newWizardResponse(o))
}

func (s *Server) handleCreateWizard(w http.ResponseWriter, r *http.Request) {
	var req createWizardRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	o := s.deps.Manager.Create(r.Context())
	if req.Model != "" {
		if err := o.SelectModel(r.Context(), req.Model); err != nil {
			if derr := s.deps.Manager.Delete(r.Context(), o.ID()); derr != nil {
				logging.FromContext(r.Context()).Warn("failed to discard wizard", "wizard_id", o.ID(), "error", derr)
			}
			s.respondError(w, r, err)
			return
		}
	}

	w.Header().Set("Location", "/api/wizards/"+o.ID())
	writeJSON(w, r, http.StatusCreated, newWizardResponse(o))
}

func (s *Server) handleGetWizard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, newWizardResponse(wizardFrom(r)))
}

func (s *Server) handleDeleteWizard(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Delete(r.Context(), wizardFrom(r).ID()); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req selectModelRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.SelectModel(r.Context(), req.Model))
}

// handleUpload accepts a multipart form with a "file" part and an optional
// "model" field that selects the model first.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	o := wizardFrom(r)

	upload, model, err := s.readUpload(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if model != "" && model != o.Snapshot().SelectedModel {
		if err := o.SelectModel(r.Context(), model); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	logging.FromContext(r.Context()).Info("file received", "file", upload.Name, "bytes", upload.Size())
	s.respondWizard(w, r, o, o.UploadFile(r.Context(), upload))
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (importsvc.Upload, string, error) {
	maxSize := s.cfg.Wizard.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return importsvc.Upload{}, "", fmt.Errorf("%w: request exceeds %d bytes", importsvc.ErrFileTooLarge, tooBig.Limit)
		}
		return importsvc.Upload{}, "", badRequest("invalid multipart form", err.Error())
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return importsvc.Upload{}, "", errNoFile
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return importsvc.Upload{}, "", fmt.Errorf("read uploaded file: %w", err)
	}
	if int64(len(data)) > maxSize {
		return importsvc.Upload{}, "", fmt.Errorf("%w: %s exceeds %d bytes", importsvc.ErrFileTooLarge, header.Filename, maxSize)
	}
	return importsvc.Upload{Name: header.Filename, Data: data}, r.FormValue("model"), nil
}

func (s *Server) handleUpdateMappings(w http.ResponseWriter, r *http.Request) {
	var req mappingsRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.UpdateColumnMappings(req.Mappings))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.UpdateImportSettings(req.patch()))
}

func (s *Server) handleGoToStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	step, err := wizard.ParseStep(req.Step)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.GoToStep(step))
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := wizardFrom(r).GetMappingSuggestions(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *Server) handleApplySuggestions(w http.ResponseWriter, r *http.Request) {
	var req applySuggestionsRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	o := wizardFrom(r)
	changed, err := o.ApplyMappingSuggestions(r.Context(), req.Threshold)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, struct {
		Changed int `json:"changed"`
		wizardResponse
	}{changed, newWizardResponse(o)})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.GeneratePreview(r.Context()))
}

func (s *Server) handleBatchPreview(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		s.respondError(w, r, badRequest("batch number must be an integer"))
		return
	}
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.GenerateBatchPreview(r.Context(), n))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.ValidateFullFile(r.Context()))
}

func (s *Server) handleWizardBatchPlan(w http.ResponseWriter, r *http.Request) {
	advice, err := wizardFrom(r).BatchAdvice(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, advice)
}

// handleExecute starts the import in the background and answers 202 once
// the wizard is on the execute step. Poll the wizard for the outcome.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	skip, err := queryBool(r, "skip_errors")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	o := wizardFrom(r)
	if err := s.deps.Manager.Execute(r.Context(), o.ID(), skip); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, newWizardResponse(o))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	o := wizardFrom(r)
	cancelled := o.Cancel()
	writeJSON(w, r, http.StatusOK, struct {
		Cancelled bool `json:"cancelled"`
		wizardResponse
	}{cancelled, newWizardResponse(o)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	o := wizardFrom(r)
	s.respondWizard(w, r, o, o.Reset(r.Context()))
}
