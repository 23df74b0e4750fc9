package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/scoring"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	scorer   *scoring.Scorer
	pipeline *pipeline.Pipeline
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, scorer *scoring.Scorer, pipe *pipeline.Pipeline, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		scorer:   scorer,
		pipeline: pipe,
		version:  version,
	}
}

// IngestResponse is the response for POST /transactions.
type IngestResponse struct {
	*pipeline.Outcome
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
}

// QueuedResponse is the response for POST /transactions?async=true.
type QueuedResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	TraceID       string `json:"traceId"`
}

// IngestTransaction handles POST /transactions. With async=true the
// transaction is queued on the bus for the worker; otherwise it is scored
// inline.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	tx := req.ToTransaction(start)

	if r.URL.Query().Get("async") == "true" {
		h.enqueue(w, r, tx, traceID)
		return
	}

	outcome, err := h.pipeline.Ingest(ctx, tx)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransaction) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("transaction ingestion failed", "error", err, "trace_id", traceID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to ingest transaction",
		})
		return
	}

	status := http.StatusCreated
	if outcome.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, IngestResponse{
		Outcome: outcome,
		TraceID: traceID,
		TotalMs: time.Since(start).Milliseconds(),
	})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, traceID string) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}
	if err := tx.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	tx.ID = uuid.New().String()

	payload, err := json.Marshal(domain.TransactionMessage{
		Transaction: tx,
		TraceID:     traceID,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode transaction",
		})
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to queue transaction", "tx_id", tx.ID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, bus.ErrBufferFull) || errors.Is(err, bus.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{
			"error": "failed to queue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, QueuedResponse{
		TransactionID: tx.ID,
		Status:        "queued",
		TraceID:       traceID,
	})
}

// TransactionResponse is the response for GET /transactions/{id}.
type TransactionResponse struct {
	Transaction *domain.Transaction  `json:"transaction"`
	Result      *domain.ScoreResult  `json:"result,omitempty"`
	Audit       []*domain.AuditEntry `json:"audit,omitempty"`
}

// GetTransaction retrieves a transaction with its score result and audit trail.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if !h.requireRepo(w) {
		return
	}

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		writeRepoError(w, err, "transaction")
		return
	}

	resp := TransactionResponse{Transaction: tx}
	if result, err := h.pipeline.Result(ctx, txID); err == nil {
		resp.Result = result
	}
	if audit, err := h.repo.ListAudit(ctx, txID); err == nil {
		resp.Audit = audit
	} else {
		slog.Warn("failed to load audit trail", "tx_id", txID, "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetScore returns the score result for a transaction.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	result, err := h.pipeline.Result(r.Context(), txID)
	if err != nil {
		writeRepoError(w, err, "score result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListAlerts returns alerts, newest first. Supports severity, status and
// limit query parameters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "limit must be a positive integer",
		})
		return
	}

	filter := domain.AlertFilter{
		Severity: domain.Severity(r.URL.Query().Get("severity")),
		Status:   domain.AlertStatus(r.URL.Query().Get("status")),
		Limit:    limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown alert status",
		})
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// UpdateAlertRequest is the request body for PATCH /alerts/{id}.
type UpdateAlertRequest struct {
	Status domain.AlertStatus `json:"status"`
}

// UpdateAlert moves an alert to a new status.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alertID := chi.URLParam(r, "id")

	if !h.requireRepo(w) {
		return
	}

	var req UpdateAlertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be one of open, acknowledged, resolved",
		})
		return
	}

	if err := h.repo.UpdateAlertStatus(ctx, alertID, req.Status); err != nil {
		writeRepoError(w, err, "alert")
		return
	}

	alert, err := h.repo.GetAlert(ctx, alertID)
	if err != nil {
		writeRepoError(w, err, "alert")
		return
	}

	slog.Info("alert status updated", "alert_id", alertID, "status", req.Status)
	writeJSON(w, http.StatusOK, alert)
}

// Health returns the health status of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	if h.repo != nil {
		components["repository"] = "ok"
		if err := h.repo.Ping(ctx); err != nil {
			status = "degraded"
			components["repository"] = err.Error()
		}
	}

	if h.cache != nil {
		components["cache"] = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
			components["cache"] = err.Error()
		}
	}

	if h.bus != nil {
		components["bus"] = "ok"
		if err := h.bus.Ping(ctx); err != nil {
			status = "degraded"
			components["bus"] = err.Error()
		}
	}

	resp := map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
		"rules":      h.engine.RulesCount(),
	}
	if h.scorer != nil {
		resp["mlActive"] = h.scorer.MLActive()
		resp["trackedSenders"] = h.scorer.TrackedSenders()
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

// writeRepoError maps repository errors onto HTTP statuses.
func writeRepoError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": what + " not found",
		})
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, repository.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": what + " already exists",
		})
	default:
		slog.Error("repository operation failed", "entity", what, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
