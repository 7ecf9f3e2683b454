package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolguard/guard"
	"toolguard/internal"
	"toolguard/metrics"
	"toolguard/types"
)

// sidecarHandler exposes the guard facade as a thin JSON surface for
// tool-execution loops that run out of process. The core contract lives
// in the guard package; these handlers only translate HTTP to it.
type sidecarHandler struct {
	guard       *guard.Service
	calibration *metrics.Service
}

type preflightRequest struct {
	Scope      string                 `json:"scope"`
	SessionID  string                 `json:"session_id"`
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters"`
}

type reportRequest struct {
	preflightRequest
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type failureRequest struct {
	CallID         string                    `json:"call_id"`
	ReviewFeedback string                    `json:"review_feedback,omitempty"`
	Verification   *types.VerificationResult `json:"verification,omitempty"`
}

type outcomeRequest struct {
	CallID string `json:"call_id"`
	// Correction is the body /v1/failures returned for this call, echoed
	// back so the attempt and reflection it names can be labeled.
	Correction *guard.Correction `json:"correction,omitempty"`
	Succeeded  bool              `json:"succeeded"`
}

func (h *sidecarHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/preflight", withRequestID(h.handlePreflight))
	mux.HandleFunc("/v1/report", withRequestID(h.handleReport))
	mux.HandleFunc("/v1/failures", withRequestID(h.handleFailure))
	mux.HandleFunc("/v1/outcomes", withRequestID(h.handleOutcome))
	mux.HandleFunc("/v1/sessions/", withRequestID(h.handleSession))
	mux.HandleFunc("/v1/dashboard", withRequestID(h.handleDashboard))
}

// withRequestID stamps each request with an id so log lines from the
// pipeline can be tied back to the request that caused them.
func withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := internal.WithRequestID(r.Context(), uuid.NewString())
		next(w, r.WithContext(ctx))
	}
}

// handlePreflight answers the redundancy check before a tool runs.
func (h *sidecarHandler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req preflightRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		httpError(w, http.StatusBadRequest, "session_id and tool_name are required")
		return
	}
	writeJSON(w, h.guard.BeforeCall(r.Context(), req.Scope, req.SessionID, req.ToolName, req.Parameters))
}

// handleReport records an executed call. Returns the stored record so
// the caller can hand its ID to /v1/failures.
func (h *sidecarHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		httpError(w, http.StatusBadRequest, "session_id and tool_name are required")
		return
	}
	var callErr error
	if req.Error != "" {
		callErr = errors.New(req.Error)
	}
	rec := h.guard.AfterCall(r.Context(), req.Scope, req.SessionID, req.ToolName, req.Parameters,
		req.Result, callErr, time.Duration(req.LatencyMs)*time.Millisecond)
	writeJSON(w, rec)
}

// handleFailure runs the correction pipeline for a recorded failed call.
func (h *sidecarHandler) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if !decode(w, r, &req) {
		return
	}
	call, err := h.guard.Calls.GetCall(r.Context(), req.CallID)
	if err != nil {
		httpError(w, http.StatusNotFound, "unknown call_id")
		return
	}
	writeJSON(w, h.guard.HandleFailure(r.Context(), call, req.ReviewFeedback, req.Verification))
}

// handleOutcome closes the correction loop once the caller's retry ran,
// so success rates and reflection memories learn from the result.
func (h *sidecarHandler) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if !decode(w, r, &req) {
		return
	}
	call, err := h.guard.Calls.GetCall(r.Context(), req.CallID)
	if err != nil {
		httpError(w, http.StatusNotFound, "unknown call_id")
		return
	}
	h.guard.ReportRetryOutcome(r.Context(), call, req.Correction, req.Succeeded)
	writeJSON(w, map[string]bool{"recorded": true})
}

// handleSession serves GET /v1/sessions/{id}/stats and
// DELETE /v1/sessions/{id}/cache.
func (h *sidecarHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		httpError(w, http.StatusNotFound, "not found")
		return
	}
	sessionID, action := parts[0], parts[1]

	switch {
	case action == "stats" && r.Method == http.MethodGet:
		writeJSON(w, h.guard.Cache.GetSessionStats(sessionID))
	case action == "cache" && r.Method == http.MethodDelete:
		removed := h.guard.Cache.ClearSession(r.Context(), sessionID)
		writeJSON(w, map[string]int{"entries_removed": removed})
	default:
		httpError(w, http.StatusNotFound, "not found")
	}
}

// handleDashboard serves the calibration snapshot for ?scope= (defaults
// to "default") at today's date.
func (h *sidecarHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "default"
	}
	snap, err := h.calibration.Dashboard(r.Context(), scope, time.Now().UTC())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, snap)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
