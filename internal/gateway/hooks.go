package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/basket/rulesymbiosis/internal/collector"
	"github.com/basket/rulesymbiosis/internal/rules"
)

// ruleActivatedHook is the body of POST /v1/hooks/rule-activated.
type ruleActivatedHook struct {
	RuleID       string `json:"rule_id"`
	TaskID       string `json:"task_id"`
	ContextType  string `json:"context_type"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
	DurationMS   int64  `json:"duration_ms"`
	Success      bool   `json:"success"`
	ErrorKind    string `json:"error_kind"`
}

// taskCompletedHook is the body of POST /v1/hooks/task-completed.
type taskCompletedHook struct {
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	Quality         float64 `json:"quality"`
	Creativity      float64 `json:"creativity"`
	SafetyIncidents int     `json:"safety_incidents"`
	Revisions       int     `json:"revisions"`
	TotalTokens     int     `json:"total_tokens"`
}

// handleRuleActivated feeds a live activation to the collector. The collector
// stamps the time itself.
func (s *Server) handleRuleActivated(w http.ResponseWriter, r *http.Request) {
	if !s.hookable(w, r) {
		return
	}
	var body ruleActivatedHook
	if !decodeHook(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.RuleID) == "" || strings.TrimSpace(body.TaskID) == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "rule_id and task_id are required"})
		return
	}
	if body.TokensBefore < 0 || body.TokensAfter < 0 || body.DurationMS < 0 {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "token counts and duration must be non-negative"})
		return
	}
	err := s.cfg.Collector.OnRuleActivated(r.Context(), body.RuleID, collector.Event{
		TaskID:       body.TaskID,
		ContextType:  body.ContextType,
		TokensBefore: body.TokensBefore,
		TokensAfter:  body.TokensAfter,
		DurationMS:   body.DurationMS,
		Success:      body.Success,
		ErrorKind:    body.ErrorKind,
	})
	if err != nil {
		s.hookFailed(w, r, "rule-activated", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": body.TaskID, "pending_tasks": s.cfg.Collector.Pending()})
}

// handleTaskCompleted closes a task tracked by the collector. A task the
// collector never saw answers 404.
func (s *Server) handleTaskCompleted(w http.ResponseWriter, r *http.Request) {
	if !s.hookable(w, r) {
		return
	}
	var body taskCompletedHook
	if !decodeHook(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.TaskID) == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "task_id is required"})
		return
	}
	var status rules.OutcomeStatus
	if body.Status != "" {
		st, err := rules.ParseStatus(body.Status)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}
		status = st
	}
	if body.Quality < 0 || body.Quality > 1 || body.Creativity < 0 || body.Creativity > 1 {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "quality and creativity must be within [0,1]"})
		return
	}
	outcome, err := s.cfg.Collector.OnTaskCompleted(r.Context(), body.TaskID, collector.Report{
		Status:          status,
		Quality:         body.Quality,
		Creativity:      body.Creativity,
		SafetyIncidents: body.SafetyIncidents,
		Revisions:       body.Revisions,
		TotalTokens:     body.TotalTokens,
	})
	if err != nil {
		s.hookFailed(w, r, "task-completed", err)
		return
	}
	if outcome == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "unknown task " + body.TaskID})
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (s *Server) hookable(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return false
	}
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
		return false
	}
	if s.cfg.Collector == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "collector not configured"})
		return false
	}
	return true
}

func decodeHook(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) hookFailed(w http.ResponseWriter, r *http.Request, hook string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "gateway: hook failed", "hook", hook, "error", err)
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}
