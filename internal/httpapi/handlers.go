package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/impulseguard/impulsed/internal/memory"
	"github.com/impulseguard/impulsed/internal/pipeline"
)

// errorResponse is the fixed validation-error body shape: {"error": {"code", "message"}}.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var resp errorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	writeJSON(w, status, resp)
}

// analyzeRequest mirrors pipeline.Request over the wire; time_to_cart is a
// pointer because its absence (no cart event observed yet) is distinct from
// zero seconds.
type analyzeRequest struct {
	Product            string   `json:"product"`
	Cost               float64  `json:"cost"`
	Website            string   `json:"website"`
	TimeToCart         *float64 `json:"time_to_cart"`
	TimeOnSite         float64  `json:"time_on_site"`
	ClickCount         int      `json:"click_count"`
	PeakScrollVelocity float64  `json:"peak_scroll_velocity"`
	SystemHour         int      `json:"system_hour"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", fmt.Sprintf("could not decode request body: %v", err))
		return
	}
	if req.Product == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "product is required")
		return
	}
	if req.Cost < 0 {
		writeError(w, http.StatusBadRequest, "invalid_field", "cost must be non-negative")
		return
	}
	if req.SystemHour < 0 || req.SystemHour > 23 {
		writeError(w, http.StatusBadRequest, "invalid_field", "system_hour must be in [0,23]")
		return
	}

	preq := pipeline.Request{
		Product:            req.Product,
		Cost:               req.Cost,
		Website:            req.Website,
		TimeToCart:         req.TimeToCart,
		TimeOnSite:         req.TimeOnSite,
		ClickCount:         req.ClickCount,
		PeakScrollVelocity: req.PeakScrollVelocity,
		SystemHour:         req.SystemHour,
	}

	resp := s.Orchestrator.Analyze(r.Context(), preq)

	if s.Metrics != nil {
		outcome := "ok"
		if resp.Confidence <= 0.3 {
			outcome = "degraded"
			s.Metrics.DegradedTotal.Inc()
		}
		s.Metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		s.Metrics.ObserveScore(resp.FastBrainDominantTrigger, string(resp.FastBrainIntervention))
		s.Metrics.ObserveVerdict(string(resp.InterventionAction))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	contents, err := s.readAllFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read_failed", err.Error())
		return
	}
	if err := s.Index.Reindex(r.Context(), contents); err != nil {
		writeError(w, http.StatusInternalServerError, "reindex_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexed_files": len(contents)})
}

type preferencesRequest struct {
	Budget         float64 `json:"budget"`
	Threshold      float64 `json:"threshold"`
	Sensitivity    string  `json:"sensitivity"`
	FinancialGoals string  `json:"financial_goals,omitempty"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", fmt.Sprintf("could not decode request body: %v", err))
		return
	}
	if req.Budget < 0 {
		writeError(w, http.StatusBadRequest, "invalid_field", "budget must be non-negative")
		return
	}
	if req.Threshold < 0 {
		writeError(w, http.StatusBadRequest, "invalid_field", "threshold must be non-negative")
		return
	}
	switch req.Sensitivity {
	case "low", "medium", "high":
	default:
		writeError(w, http.StatusBadRequest, "invalid_field", "sensitivity must be one of low, medium, high")
		return
	}

	content := memory.BudgetTemplate(req.Budget, req.Threshold, req.Sensitivity, req.FinancialGoals)
	if err := s.Store.Write(memory.FileBudget, content); err != nil {
		writeError(w, http.StatusInternalServerError, "write_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"updated": []string{string(memory.FileBudget)}})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	contents, err := s.readAllFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read_failed", err.Error())
		return
	}
	if err := s.Index.Reindex(r.Context(), contents); err != nil {
		writeError(w, http.StatusInternalServerError, "reindex_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files_reset": len(memory.Files)})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	reports := s.Mutator.Consolidate(r.Context())
	if s.Metrics != nil {
		for _, rep := range reports {
			s.Metrics.ConsolidationsTotal.WithLabelValues(string(rep.File), string(rep.Status)).Inc()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	memoryIndexed := true
	for _, f := range memory.Files {
		if !s.Store.Exists(f) {
			memoryIndexed = false
			break
		}
	}

	collectionCount := 0
	if n, err := s.Index.Count(r.Context()); err == nil {
		collectionCount = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"memory_indexed":   memoryIndexed,
		"collection_count": collectionCount,
		"llm_available":    s.llmAvailable,
		"scorer_available": true,
	})
}

func (s *Server) readAllFiles() (map[memory.FileName]string, error) {
	contents := make(map[memory.FileName]string, len(memory.Files))
	for _, f := range memory.Files {
		content, err := s.Store.Read(f)
		if err != nil {
			return nil, fmt.Errorf("httpapi: read %s: %w", f, err)
		}
		contents[f] = content
	}
	return contents, nil
}
