package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/regelwerk/internal/domain"
)

// RuleSetRequest is the request body for creating or updating a rule set.
type RuleSetRequest struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Version     string                   `json:"version,omitempty"`
	Currency    string                   `json:"currency,omitempty"`
	Positions   []domain.RuleSetPosition `json:"positions"`
	Enabled     *bool                    `json:"enabled,omitempty"`
}

// ListRuleSets returns the rule sets visible to the tenant.
func (h *Handler) ListRuleSets(w http.ResponseWriter, r *http.Request) {
	sets := h.ruleSets.GetLoadedRuleSets(GetTenantID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"ruleSets": sets,
		"count":    len(sets),
	})
}

// GetRuleSet retrieves a loaded rule set by ID.
func (h *Handler) GetRuleSet(w http.ResponseWriter, r *http.Request) {
	set, ok := h.ruleSets.Get(GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "rule set not found")
		return
	}

	writeJSON(w, http.StatusOK, set)
}

// CreateRuleSet stores a rule set for the tenant and loads it.
func (h *Handler) CreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req RuleSetRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	h.saveRuleSet(w, r, &req, http.StatusCreated)
}

// UpdateRuleSet replaces the rule set named in the path.
func (h *Handler) UpdateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req RuleSetRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if req.ID != "" && req.ID != id {
		writeError(w, http.StatusBadRequest, "rule set id in body does not match path")
		return
	}
	req.ID = id

	h.saveRuleSet(w, r, &req, http.StatusOK)
}

func (h *Handler) saveRuleSet(w http.ResponseWriter, r *http.Request, req *RuleSetRequest, status int) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	if len(req.Positions) == 0 {
		writeError(w, http.StatusBadRequest, "at least one position is required")
		return
	}

	// Every position must name a rule the tenant can evaluate
	for i, pos := range req.Positions {
		if pos.RuleID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("positions[%d].ruleId is required", i))
			return
		}
		if _, ok := h.registry.Get(tenantID, pos.RuleID); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("rule '%s' does not exist", pos.RuleID))
			return
		}
		if pos.UnitPrice.Valid && pos.UnitPrice.Decimal.IsNegative() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("positions[%d].unitPrice must not be negative", i))
			return
		}
	}

	version := req.Version
	if version == "" {
		version = "1.0.0"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	set := &domain.RuleSet{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     version,
		Currency:    req.Currency,
		Positions:   req.Positions,
		Enabled:     enabled,
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleSet(ctx, tenantID, set); err != nil {
			slog.Error("failed to save rule set", "id", set.ID, "error", err)
			writeErr(w, err)
			return
		}
	}

	if set.Enabled {
		h.ruleSets.LoadRuleSets([]*domain.RuleSet{set})
	} else {
		h.ruleSets.Remove(tenantID, set.ID)
	}

	slog.Info("rule set saved", "tenant_id", tenantID, "id", set.ID, "positions", len(set.Positions))
	writeJSON(w, status, map[string]any{
		"ruleSet": set,
	})
}

// DeleteRuleSet disables a stored rule set and unloads it.
func (h *Handler) DeleteRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	setID := chi.URLParam(r, "id")

	if h.repo != nil {
		if err := h.repo.DeleteRuleSet(ctx, tenantID, setID); err != nil {
			writeErr(w, err)
			return
		}
	} else if _, ok := h.ruleSets.Get(tenantID, setID); !ok {
		writeError(w, http.StatusNotFound, "rule set not found")
		return
	}

	h.ruleSets.Remove(tenantID, setID)

	slog.Info("rule set deleted", "tenant_id", tenantID, "id", setID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule set deleted",
	})
}

// ReloadRuleSets reloads the tenant's rule sets from the database.
func (h *Handler) ReloadRuleSets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	sets, err := h.repo.ListRuleSets(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rule sets from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rule sets from database")
		return
	}

	h.ruleSets.ReloadRuleSets(tenantID, sets)

	slog.Info("rule sets reloaded from database", "tenant_id", tenantID, "count", len(sets))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rule sets reloaded successfully",
		"count":   len(sets),
	})
}
