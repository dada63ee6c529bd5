package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/regel"
)

// ValidateRule handles POST /rules/validate. The body is a bare rule tree;
// the response is the validation report, also for invalid rules.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		writeDecodeError(w, err)
		return
	}

	node, err := h.registry.Decode(raw)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.registry.Engine().Validate(node))
}

// ListRules returns the rules visible to the tenant.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.registry.GetLoadedRules(GetTenantID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	rule, ok := h.registry.Get(GetTenantID(r.Context()), ruleID)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	writeJSON(w, http.StatusOK, rule.Config)
}

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Kind        domain.RuleKind `json:"kind,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Rule        json.RawMessage `json:"rule"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

// RuleResponse is returned after a rule was stored.
type RuleResponse struct {
	Rule   *domain.RuleConfig `json:"rule"`
	Report regel.Report       `json:"report"`
}

// CreateRule validates a rule, stores it for the tenant and loads it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	h.saveRule(w, r, &req, http.StatusCreated)
}

// UpdateRule replaces the rule named in the path.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if req.ID != "" && req.ID != id {
		writeError(w, http.StatusBadRequest, "rule id in body does not match path")
		return
	}
	req.ID = id

	h.saveRule(w, r, &req, http.StatusOK)
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request, req *RuleRequest, status int) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if req.ID == "" || req.Name == "" || len(req.Rule) == 0 {
		writeError(w, http.StatusBadRequest, "id, name and rule are required")
		return
	}

	cfg, err := req.config(tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.registry.ValidateRule(cfg)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if !report.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, RuleResponse{Rule: cfg, Report: report})
		return
	}

	// Persist before loading so the registry never holds unsaved rules
	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, tenantID, cfg); err != nil {
			slog.Error("failed to save rule config", "id", cfg.ID, "error", err)
			writeErr(w, err)
			return
		}
	}

	if cfg.Enabled {
		if err := h.registry.LoadRule(cfg); err != nil {
			writeErr(w, err)
			return
		}
	} else {
		h.registry.Remove(tenantID, cfg.ID)
	}

	slog.Info("rule saved", "tenant_id", tenantID, "id", cfg.ID, "version", cfg.Version)
	writeJSON(w, status, RuleResponse{Rule: cfg, Report: report})
}

func (req *RuleRequest) config(tenantID string) (*domain.RuleConfig, error) {
	kind := req.Kind
	switch kind {
	case "":
		kind = domain.RuleKindKomponente
	case domain.RuleKindKomponente, domain.RuleKindPauschale:
	default:
		return nil, fmt.Errorf("kind must be %q or %q", domain.RuleKindKomponente, domain.RuleKindPauschale)
	}

	version := req.Version
	if version == "" {
		version = "1.0.0"
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	return &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     version,
		Kind:        kind,
		Unit:        req.Unit,
		Rule:        req.Rule,
		Enabled:     enabled,
	}, nil
}

// DeleteRule disables a stored rule and unloads it.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo != nil {
		if err := h.repo.DeleteRuleConfig(ctx, tenantID, ruleID); err != nil {
			writeErr(w, err)
			return
		}
	} else if _, ok := h.registry.Get(tenantID, ruleID); !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	h.registry.Remove(tenantID, ruleID)

	slog.Info("rule deleted", "tenant_id", tenantID, "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules reloads the tenant's rules from the database.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.registry.ReloadRules(tenantID, dbRules); err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		if errors.Is(err, regel.ErrInvalidRule) {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "tenant_id", tenantID, "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}
