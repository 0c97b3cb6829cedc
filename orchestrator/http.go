package orchestrator

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
	"github.com/TheCreditPros/virtuous-cycle/vcerrors"
)

const controlSurfacePrefix = "/v1/virtuous-cycle"

// Handler is the HTTP control surface described in the external
// interfaces section: status, trigger, rollback, clear-history. Every
// response is JSON; errors use the {status, code, detail} envelope, never
// a raw internal error string.
type Handler struct {
	orch    *Orchestrator
	logger  telemetry.Logger
	limiter *rate.Limiter
}

// NewHandler builds the control surface. logger follows the teacher's
// guarded-assertion idiom: a plain Logger is accepted, and only promoted
// to a component-tagged child if it happens to implement
// ComponentAwareLogger, so callers are never forced to construct one just
// to pass a logger in.
func NewHandler(orch *Orchestrator, logger telemetry.Logger, requestsPerMin int) *Handler {
	if logger == nil {
		logger = telemetry.NoOpLogger{}
	}
	if cal, ok := logger.(telemetry.ComponentAwareLogger); ok {
		logger = cal.WithComponent("virtuouscycle/orchestrator/http")
	}
	if requestsPerMin <= 0 {
		requestsPerMin = 60
	}
	return &Handler{
		orch:    orch,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMin)/60.0), requestsPerMin),
	}
}

// RegisterRoutes wires the control surface onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(controlSurfacePrefix+"/status", h.rateLimited(h.handleStatus))
	mux.HandleFunc(controlSurfacePrefix+"/trigger", h.rateLimited(h.handleTrigger))
	mux.HandleFunc(controlSurfacePrefix+"/rollback", h.rateLimited(h.handleRollback))
	mux.HandleFunc(controlSurfacePrefix+"/clear-history", h.rateLimited(h.handleClearHistory))
}

func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "control surface rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// handleStatus always returns 200 with a health field enumerating each
// task's state, per §7's user-visible-behavior contract.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	snapshot := h.orch.Status(50)
	h.writeJSON(w, http.StatusOK, snapshot)
}

type triggerRequest struct {
	Model    string         `json:"model,omitempty"`
	Spectrum trace.Spectrum `json:"spectrum,omitempty"`
}

type triggerResponse struct {
	CycleID  string   `json:"cycle_id,omitempty"`
	CycleIDs []string `json:"cycle_ids"`
}

// handleTrigger starts a manual optimization cycle. The body is optional:
// when a (model, spectrum) pair is given, exactly that pair is triggered;
// when omitted, every (model, spectrum) pair C3 is currently tracking is
// triggered (subject to the engine's own cooldown/in-flight dedup).
// Returns 202 with the cycle id(s) started, even if the set is empty; an
// explicit pair whose trigger fails for any reason other than the in-flight
// or cooldown dedup returns 500.
func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
			return
		}
	}

	ctx := r.Context()
	resp := triggerResponse{}

	if req.Model != "" && req.Spectrum != "" {
		cycle, err := h.orch.TriggerManual(ctx, req.Model, req.Spectrum)
		if err != nil && !vcerrors.IsAlreadyInProgress(err) {
			h.writeError(w, http.StatusInternalServerError, "trigger_failed", "failed to start optimization cycle")
			return
		}
		if cycle != nil {
			resp.CycleID = cycle.ID
			resp.CycleIDs = []string{cycle.ID}
		}
		h.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	for _, k := range h.orch.mon.Keys() {
		cycle, err := h.orch.TriggerManual(ctx, k.Model, k.Spectrum)
		if err != nil {
			continue
		}
		resp.CycleIDs = append(resp.CycleIDs, cycle.ID)
	}
	if len(resp.CycleIDs) > 0 {
		resp.CycleID = resp.CycleIDs[0]
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// handleRollback returns 200 with the new DeploymentRecord, or 409 if no
// eligible record exists, per §7.
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	rec, err := h.orch.Rollback(r.Context(), "manual")
	if err != nil {
		if vcerrors.IsInvalidState(err) {
			h.writeError(w, http.StatusConflict, "no_eligible_deployment", "no deployed record is eligible for rollback")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "rollback_failed", "failed to roll back deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

type clearHistoryRequest struct {
	Keep int `json:"keep,omitempty"`
}

type clearHistoryResponse struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// defaultHistoryRetention is how many audit records clear-history keeps
// when the caller does not specify a keep count.
const defaultHistoryRetention = 1000

func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	req := clearHistoryRequest{Keep: defaultHistoryRetention}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
			return
		}
		if req.Keep <= 0 {
			req.Keep = defaultHistoryRetention
		}
	}

	removed, err := h.orch.ClearHistory(req.Keep)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "prune_failed", "failed to prune audit history")
		return
	}
	h.writeJSON(w, http.StatusOK, clearHistoryResponse{Removed: removed, Kept: req.Keep})
}

// errorEnvelope is the {status, code, detail} triple every error response
// uses; internal error strings are never echoed in detail.
type errorEnvelope struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Status: status, Code: code, Detail: detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response body", map[string]interface{}{"error": err.Error()})
	}
}
