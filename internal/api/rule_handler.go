package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/repository"
)

// RuleRequest is the request body for creating or updating a rule.
// On update, omitted fields keep their stored values.
type RuleRequest struct {
	Code        string            `json:"code"`
	Name        string            `json:"name"`
	Description *string           `json:"description,omitempty"`
	Condition   *domain.Condition `json:"condition"`
	Weight      *float64          `json:"weight"`
	Priority    *int              `json:"priority,omitempty"`
	Active      *bool             `json:"active,omitempty"`
}

// ListRules returns every stored rule, active or not. Without a
// repository it falls back to the rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		loaded := h.engine.GetLoadedRules()
		writeJSON(w, http.StatusOK, map[string]any{
			"rules":  loaded,
			"count":  len(loaded),
			"source": "engine",
		})
		return
	}

	stored, err := h.repo.ListRules(r.Context())
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": h.engine.RulesCount(),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		for _, rule := range h.engine.GetLoadedRules() {
			if rule.ID == ruleID {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	rule, err := h.repo.GetRule(r.Context(), ruleID)
	if err != nil {
		writeRepoError(w, err, "rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a new rule, then reloads the active
// snapshot. The rule ID is its code.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.requireRepo(w) {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Code == "" || req.Name == "" || req.Condition == nil || req.Weight == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "code, name, condition and weight are required",
		})
		return
	}

	if _, err := h.repo.GetRule(ctx, req.Code); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "rule " + req.Code + " already exists",
		})
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeRepoError(w, err, "rule")
		return
	}

	rule := &domain.Rule{
		ID:        req.Code,
		Code:      req.Code,
		Name:      req.Name,
		Condition: req.Condition,
		Weight:    *req.Weight,
		Active:    true,
	}
	applyRuleRequest(rule, &req)

	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, rule); err != nil {
		writeRepoError(w, err, "rule")
		return
	}

	h.audit(ctx, domain.AuditRuleCreated, rule)
	loaded := h.reloadAfterChange(ctx)

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name, "active", rule.Active)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":   rule,
		"loaded": loaded,
	})
}

// UpdateRule changes a stored rule and reloads the active snapshot.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if !h.requireRepo(w) {
		return
	}

	rule, err := h.repo.GetRule(ctx, ruleID)
	if err != nil {
		writeRepoError(w, err, "rule")
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Code != "" && req.Code != rule.Code {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule code cannot be changed",
		})
		return
	}

	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.Condition != nil {
		rule.Condition = req.Condition
	}
	if req.Weight != nil {
		rule.Weight = *req.Weight
	}
	applyRuleRequest(rule, &req)

	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, rule); err != nil {
		writeRepoError(w, err, "rule")
		return
	}

	h.audit(ctx, domain.AuditRuleUpdated, rule)
	loaded := h.reloadAfterChange(ctx)

	slog.Info("rule updated", "rule_id", rule.ID, "active", rule.Active)
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":   rule,
		"loaded": loaded,
	})
}

// DeactivateRule soft-deletes a rule. The row stays for the audit trail.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if !h.requireRepo(w) {
		return
	}

	if err := h.repo.DeactivateRule(ctx, ruleID); err != nil {
		writeRepoError(w, err, "rule")
		return
	}

	h.audit(ctx, domain.AuditRuleDeactivated, &domain.Rule{ID: ruleID, Code: ruleID})
	loaded := h.reloadAfterChange(ctx)

	slog.Info("rule deactivated", "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     ruleID,
		"active": false,
		"loaded": loaded,
	})
}

// ReloadRules reloads active rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	count, err := h.reload(r.Context())
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// reload swaps the engine snapshot for the repository's active rules.
func (h *Handler) reload(ctx context.Context) (int, error) {
	active, err := h.repo.ActiveRules(ctx)
	if err != nil {
		return 0, err
	}
	if err := h.engine.ReloadRules(active); err != nil {
		return 0, err
	}
	metrics.ActiveRules.Set(float64(h.engine.RulesCount()))
	return h.engine.RulesCount(), nil
}

// reloadAfterChange reloads after a management write. A failed reload
// leaves the previous snapshot in place.
func (h *Handler) reloadAfterChange(ctx context.Context) int {
	count, err := h.reload(ctx)
	if err != nil {
		slog.Error("rule reload after change failed", "error", err)
		return h.engine.RulesCount()
	}
	return count
}

func (h *Handler) audit(ctx context.Context, action string, rule *domain.Rule) {
	details := map[string]any{"code": rule.Code}
	if rule.Name != "" {
		details["name"] = rule.Name
		details["weight"] = rule.Weight
		details["active"] = rule.Active
	}
	entry := &domain.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: "rule",
		EntityID:   rule.ID,
		Details:    details,
	}
	if err := h.repo.RecordAudit(ctx, entry); err != nil {
		slog.Warn("failed to record audit entry", "action", action, "rule_id", rule.ID, "error", err)
	}
}

func applyRuleRequest(rule *domain.Rule, req *RuleRequest) {
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
}
