package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-npa-governance/internal/classification"
	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/logger"
	"github.com/pesio-ai/be-npa-governance/internal/model"
	"github.com/pesio-ai/be-npa-governance/internal/repository"
	"github.com/pesio-ai/be-npa-governance/internal/service"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

// ActorHeader carries the caller's identity. The gateway in front of this
// service authenticates the user and sets it.
const ActorHeader = "X-Actor-ID"

// HTTPHandler serves the REST API.
type HTTPHandler struct {
	service *service.GovernanceService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.GovernanceService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log.Component("http"),
	}
}

// Routes builds the router with its middleware stack.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/classify", h.Classify)

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", h.ListProposals)
			r.Post("/", h.CreateProposal)

			r.Route("/{proposalID}", func(r chi.Router) {
				r.Get("/", h.GetProposal)
				r.Post("/reclassify", h.ReclassifyProposal)
				r.Post("/advance", h.AdvanceStage)
				r.Post("/bundling/evaluate", h.EvaluateBundling)
				r.Post("/bundling/apply", h.ApplyBundling)
				r.Get("/signoffs", h.GetLedger)
				r.Post("/signoffs/decision", h.RecordSignoffDecision)
				r.Get("/signoffs/comments", h.ListSignoffComments)
				r.Post("/signoffs/comments", h.AddSignoffComment)
				r.Get("/loop-backs", h.ListLoopBacks)
				r.Post("/escalations", h.Escalate)
				r.Post("/pir", h.CompletePIR)
				r.Post("/metrics", h.RecordPerformanceMetrics)
				r.Get("/audit", h.GetAuditTrail)
			})
		})

		r.Post("/escalations/{escalationID}/resolve", h.ResolveEscalation)

		r.Get("/alerts", h.ListBreachAlerts)
		r.Post("/alerts/{alertID}/resolve", h.ResolveBreachAlert)

		r.Post("/monitor/sweep", h.RunEscalationSweep)
	})
	return r
}

// Health reports store connectivity and the last sweep.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	last, sweeps := h.service.LastSweep()
	if err := h.service.Ping(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"sweeps":     sweeps,
		"last_sweep": last,
	})
}

// ── Classification ────────────────────────────────────────────────────────────

// Classify scores attributes without storing anything.
func (h *HTTPHandler) Classify(w http.ResponseWriter, r *http.Request) {
	var attrs classification.Attributes
	if !h.decode(w, r, &attrs) {
		return
	}
	res, err := h.service.Classify(r.Context(), attrs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// CreateProposal handles create proposal HTTP requests
func (h *HTTPHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req service.CreateProposalRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Actor = actor(r)

	view, err := h.service.CreateProposal(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, view)
}

// ReclassifyProposal rescores a proposal before sign-off.
func (h *HTTPHandler) ReclassifyProposal(w http.ResponseWriter, r *http.Request) {
	var attrs classification.Attributes
	if !h.decode(w, r, &attrs) {
		return
	}
	view, err := h.service.ReclassifyProposal(r.Context(), chi.URLParam(r, "proposalID"), attrs, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type bundlingRequest struct {
	ParentID string `json:"parent_id"`
}

// EvaluateBundling runs the bundling gate without applying it.
func (h *HTTPHandler) EvaluateBundling(w http.ResponseWriter, r *http.Request) {
	var req bundlingRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev, err := h.service.EvaluateBundling(r.Context(), chi.URLParam(r, "proposalID"), req.ParentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ev)
}

// ApplyBundling applies the bundling gate's track recommendation.
func (h *HTTPHandler) ApplyBundling(w http.ResponseWriter, r *http.Request) {
	var req bundlingRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev, err := h.service.ApplyBundling(r.Context(), chi.URLParam(r, "proposalID"), req.ParentID, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ev)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// AdvanceStage moves the proposal one stage forward.
func (h *HTTPHandler) AdvanceStage(w http.ResponseWriter, r *http.Request) {
	stage, err := h.service.AdvanceStage(r.Context(), chi.URLParam(r, "proposalID"), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"stage": stage})
}

// CompletePIR records the post-implementation review.
func (h *HTTPHandler) CompletePIR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.CompletePIR(r.Context(), chi.URLParam(r, "proposalID"), actor(r), req.Summary)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// RecordPerformanceMetrics stores a post-launch observation.
func (h *HTTPHandler) RecordPerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	var req service.RecordMetricsRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ProposalID = chi.URLParam(r, "proposalID")
	req.Actor = actor(r)

	m, err := h.service.RecordPerformanceMetrics(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, m)
}

// ── Sign-off ──────────────────────────────────────────────────────────────────

// RecordSignoffDecision applies one party's decision.
func (h *HTTPHandler) RecordSignoffDecision(w http.ResponseWriter, r *http.Request) {
	var req service.SignoffDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ProposalID = chi.URLParam(r, "proposalID")
	req.Actor = actor(r)

	state, err := h.service.RecordSignoffDecision(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// AddSignoffComment appends to a party's thread.
func (h *HTTPHandler) AddSignoffComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Party string `json:"party"`
		Body  string `json:"body"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.service.AddSignoffComment(r.Context(), chi.URLParam(r, "proposalID"), req.Party, actor(r), req.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

// ListSignoffComments returns the thread of the party named by ?party=.
func (h *HTTPHandler) ListSignoffComments(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		h.writeError(w, r, errors.InvalidInput("party", "is required"))
		return
	}
	comments, err := h.service.ListSignoffComments(r.Context(), chi.URLParam(r, "proposalID"), party)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"comments": nonNil(comments)})
}

// GetLedger returns the proposal's sign-off ledger.
func (h *HTTPHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetLedger(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// ListLoopBacks returns the rework cycles.
func (h *HTTPHandler) ListLoopBacks(w http.ResponseWriter, r *http.Request) {
	loopBacks, err := h.service.ListLoopBacks(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"loop_backs": nonNil(loopBacks)})
}

// ── Escalation ────────────────────────────────────────────────────────────────

// Escalate raises a manual escalation.
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req service.EscalateRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ProposalID = chi.URLParam(r, "proposalID")
	req.Actor = actor(r)

	id, err := h.service.Escalate(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"escalation_id": id})
}

// ResolveEscalation closes an escalation.
func (h *HTTPHandler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req service.ResolveEscalationRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.EscalationID = chi.URLParam(r, "escalationID")
	req.Actor = actor(r)

	stage, err := h.service.ResolveEscalation(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"stage": stage})
}

// ── Monitoring ────────────────────────────────────────────────────────────────

// RunEscalationSweep runs the sweep now.
func (h *HTTPHandler) RunEscalationSweep(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.RunEscalationSweep(r.Context()))
}

// ListBreachAlerts handles ?proposal_id=&status=&limit=.
func (h *HTTPHandler) ListBreachAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	alerts, err := h.service.ListBreachAlerts(r.Context(), repository.AlertFilter{
		ProposalID: q.Get("proposal_id"),
		Status:     model.AlertStatus(strings.ToUpper(q.Get("status"))),
		Limit:      limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": nonNil(alerts)})
}

// ResolveBreachAlert closes an alert.
func (h *HTTPHandler) ResolveBreachAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	alert, err := h.service.ResolveBreachAlert(r.Context(), chi.URLParam(r, "alertID"), actor(r), req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetProposal handles get proposal HTTP requests
func (h *HTTPHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetProposal(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ListProposals handles ?stage=&status=&limit=&offset=.
func (h *HTTPHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	proposals, err := h.service.ListProposals(r.Context(), repository.ProposalFilter{
		Stage:  model.Stage(strings.ToUpper(q.Get("stage"))),
		Status: model.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"proposals": nonNil(proposals),
		"offset":    offset,
	})
}

// GetAuditTrail returns the proposal's audit entries.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetAuditTrail(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": nonNil(entries)})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}

type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Guard   string           `json:"guard,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	body := errorBody{Code: code, Message: err.Error()}

	var ste *workflow.StateTransitionError
	if errors.As(err, &ste) {
		body.Guard = ste.Guard
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		body.Message = "internal error"
		if code == errors.ErrCodeExternalDependency {
			body.Message = err.Error()
		}
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}
	h.writeJSON(w, status, map[string]interface{}{"error": body})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
