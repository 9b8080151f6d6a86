package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opencampus-edu/kestrel/internal/dispatch"
	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/ingest"
	"github.com/opencampus-edu/kestrel/internal/lifecycle"
	"github.com/opencampus-edu/kestrel/internal/rules"
	"github.com/opencampus-edu/kestrel/internal/worker"
)

// queueCacheTTL bounds staleness of the cached urgency queue.
const queueCacheTTL = 10 * time.Second

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *rules.Engine
	pipeline   *worker.Pipeline
	cases      *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, pipeline *worker.Pipeline, cases *lifecycle.Manager, dispatcher *dispatch.Dispatcher, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		engine:     engine,
		pipeline:   pipeline,
		cases:      cases,
		dispatcher: dispatcher,
		version:    version,
	}
}

// IngestSignal handles POST /signals: one observation through the full
// pipeline, synchronously.
func (h *Handler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var req domain.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	raw := ingest.RawEvent{
		StudentID:  req.StudentID,
		Kind:       domain.SignalKind(req.Kind),
		Value:      req.Value,
		ObservedAt: req.ObservedAt,
		Source:     req.Source,
	}

	result, err := h.pipeline.Process(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// BulkRequest is the request body for POST /signals/bulk.
type BulkRequest struct {
	Signals []domain.SignalRequest `json:"signals"`
}

// IngestBulk handles POST /signals/bulk: each signal is published to
// the bus and processed asynchronously by the worker.
func (h *Handler) IngestBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Signals) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signals must not be empty",
		})
		return
	}

	accepted := 0
	for _, sig := range req.Signals {
		payload, err := json.Marshal(sig)
		if err != nil {
			continue
		}
		if err := h.bus.Publish(r.Context(), domain.TopicSignalReceived, payload); err != nil {
			slog.Error("failed to enqueue bulk signal",
				"student_id", sig.StudentID, "error", err)
			continue
		}
		accepted++
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"total":    len(req.Signals),
	})
}

// Queue handles GET /queue: open cases in urgency order. The
// unfiltered queue is cached briefly; filtered reads always hit the
// repository.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := domain.QueueFilter{
		Stage:    domain.Stage(r.URL.Query().Get("stage")),
		Severity: domain.Severity(r.URL.Query().Get("severity")),
		Assignee: r.URL.Query().Get("assignee"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = n
	}

	unfiltered := filter == (domain.QueueFilter{})
	if unfiltered && h.cache != nil {
		if cached, err := h.cache.Get(ctx, domain.QueueCacheKey); err == nil && cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	cases, err := h.cases.Queue(ctx, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := json.Marshal(map[string]any{
		"cases": cases,
		"count": len(cases),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if unfiltered && h.cache != nil {
		_ = h.cache.Set(ctx, domain.QueueCacheKey, body, queueCacheTTL)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// GetCase handles GET /cases/{id}: the full case detail read model.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")
	if caseID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "case id is required",
		})
		return
	}

	detail, err := h.cases.Detail(r.Context(), caseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// TransitionCase handles POST /cases/{id}/transition.
func (h *Handler) TransitionCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	var req lifecycle.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	c, err := h.cases.Transition(r.Context(), caseID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AcknowledgeRequest is the request body for POST /cases/{id}/acknowledge.
type AcknowledgeRequest struct {
	Respondent   string     `json:"respondent"`
	ResponseText string     `json:"responseText"`
	ActionPlan   string     `json:"actionPlan,omitempty"`
	FollowUpDate *time.Time `json:"followUpDate,omitempty"`
}

// AcknowledgeCase handles POST /cases/{id}/acknowledge.
func (h *Handler) AcknowledgeCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	ack := &domain.Acknowledgment{
		Respondent:   req.Respondent,
		ResponseText: req.ResponseText,
		ActionPlan:   req.ActionPlan,
		FollowUpDate: req.FollowUpDate,
	}

	c, err := h.cases.Acknowledge(r.Context(), caseID, ack)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"acknowledgment": ack,
		"case":           c,
	})
}

// NotifyCase handles POST /cases/{id}/notify: queues an outbound
// notification for asynchronous delivery.
func (h *Handler) NotifyCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	var req dispatch.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	n, err := h.dispatcher.Notify(r.Context(), caseID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

// TrendResponse is the response for GET /students/{id}/trend.
type TrendResponse struct {
	StudentID string             `json:"studentId"`
	Score     float64            `json:"score"`
	Factors   []domain.Factor    `json:"factors"`
	History   []TrendPoint       `json:"history"`
	Signals   map[string]float64 `json:"latestSignals"`
}

// TrendPoint is one historical score sample.
type TrendPoint struct {
	Score      float64   `json:"score"`
	ComputedAt time.Time `json:"computedAt"`
}

// StudentTrend handles GET /students/{id}/trend: the latest assessment
// with its factor breakdown plus the score history.
func (h *Handler) StudentTrend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studentID := chi.URLParam(r, "id")

	latest, err := h.repo.GetLatestAssessment(ctx, studentID)
	if err != nil {
		writeError(w, err)
		return
	}

	history, err := h.repo.GetAssessments(ctx, studentID, 50)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := TrendResponse{
		StudentID: studentID,
		Score:     latest.Score,
		Factors:   latest.Factors,
		History:   make([]TrendPoint, 0, len(history)),
		Signals:   make(map[string]float64),
	}
	for _, a := range history {
		resp.History = append(resp.History, TrendPoint{
			Score:      a.Score,
			ComputedAt: a.ComputedAt,
		})
	}
	for _, f := range latest.Factors {
		resp.Signals[string(f.Kind)] = f.Value
	}

	writeJSON(w, http.StatusOK, resp)
}

// StudentSignals handles GET /students/{id}/signals: the raw signal
// series in observation order, optionally narrowed to one kind for
// charting.
func (h *Handler) StudentSignals(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	kind := domain.SignalKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown signal kind %q", kind),
		})
		return
	}

	signals, err := h.repo.GetSignals(r.Context(), studentID, kind, time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(signals) == 0 {
		writeError(w, fmt.Errorf("%w: no signals for student %s", domain.ErrNotFound, studentID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"studentId": studentID,
		"kind":      kind,
		"signals":   signals,
		"count":     len(signals),
	})
}

// StudentAssessments handles GET /students/{id}/assessments: the raw
// assessment history, newest first.
func (h *Handler) StudentAssessments(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	assessments, err := h.repo.GetAssessments(r.Context(), studentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"studentId":   studentID,
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded intervention rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via
// POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Reason      string          `json:"reason"`
	MinSeverity domain.Severity `json:"minSeverity,omitempty"`
	Enabled     bool            `json:"enabled"`
}

// CreateRule creates a new intervention rule and saves it to the
// database. After saving, call POST /rules/reload to hot-reload into
// the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.MinSeverity != "" && req.MinSeverity.Rank() == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "minSeverity must be low, medium, high or critical",
		})
		return
	}

	now := time.Now().UTC()
	rule := &domain.RiskRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Reason:      req.Reason,
		MinSeverity: req.MinSeverity,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Validate CEL expression by attempting to load
	if err := h.engine.LoadRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRiskRule(ctx, rule); err != nil {
			slog.Error("failed to save rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRiskRules(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStaleSignal):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDuplicateSignal):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrCaseResolved):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
