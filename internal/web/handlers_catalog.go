package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/importwizard/internal/wizard"
)

type healthResponse struct {
	Status     string               `json:"status"`
	Wizards    int                  `json:"wizards"`
	Executions wizard.LimiterStatus `json:"executions"`
	Checks     map[string]string    `json:"checks,omitempty"`
}

// handleHealth reports liveness plus the state of optional backends. A
// failing backend degrades the status but still answers 200 unless every
// check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Wizards:    s.deps.Manager.Len(),
		Executions: s.deps.Manager.LimiterStatus(),
	}

	if len(s.deps.Checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp.Checks = make(map[string]string, len(s.deps.Checks))
		failed := 0
		for name, p := range s.deps.Checks {
			if err := p.Ping(ctx); err != nil {
				resp.Checks[name] = err.Error()
				failed++
				continue
			}
			resp.Checks[name] = "ok"
		}
		if failed > 0 {
			resp.Status = "degraded"
		}
		if failed == len(s.deps.Checks) {
			writeJSON(w, r, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Client.AvailableModels(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleModelMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Client.ModelMetadata(r.Context(), chi.URLParam(r, "model"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, meta)
}

func (s *Server) handleImportConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Client.ImportConfig(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// handleBatchPlan runs the planner over caller-supplied numbers. Missing
// bounds fall back to the server's.
func (s *Server) handleBatchPlan(w http.ResponseWriter, r *http.Request) {
	var req batchPlanRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	bounds := s.deps.Bounds
	if req.Min > 0 {
		bounds.Min = req.Min
	}
	if req.Max > 0 {
		bounds.Max = req.Max
	}
	batch := req.BatchSize
	if batch == 0 {
		batch = s.deps.Planner.RecommendBatchSize(req.TotalRows)
	}

	writeJSON(w, r, http.StatusOK, wizard.Advice{
		Bounds:          bounds,
		BatchValidation: s.deps.Planner.ValidateBatchConfig(batch, req.TotalRows, bounds),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit = min(max(limit, 1), 500)

	history, err := s.deps.Manager.History(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"executions": history})
}
