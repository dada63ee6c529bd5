package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/regelwerk/internal/bus"
	"github.com/opensource-finance/regelwerk/internal/calculation"
	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/regel"
	"github.com/opensource-finance/regelwerk/internal/repository"
	"github.com/opensource-finance/regelwerk/internal/rules"
)

// CacheHeader reports whether a calculation came from the response cache.
const CacheHeader = "X-Cache"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	registry  *rules.Registry
	ruleSets  *rules.RuleSetEngine
	processor *calculation.Processor
	resultTTL time.Duration
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, registry *rules.Registry, ruleSets *rules.RuleSetEngine, processor *calculation.Processor, resultTTL time.Duration, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		registry:  registry,
		ruleSets:  ruleSets,
		processor: processor,
		resultTTL: resultTTL,
		version:   version,
	}
}

// Calculate handles POST /calculate requests.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.CalculationRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := calculation.CheckInput(&req); err != nil {
		writeErr(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = GetRequestID(ctx)
	}

	cacheKey := h.cacheKey(tenantID, &req)
	if cacheKey != "" {
		cached, err := h.cache.GetCalculation(ctx, tenantID, cacheKey)
		if err != nil {
			slog.Warn("calculation cache lookup failed", "error", err)
		}
		if cached != nil {
			w.Header().Set(CacheHeader, "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	calc, err := h.processor.Calculate(ctx, tenantID, traceID, &req)
	if err != nil {
		writeErr(w, err)
		return
	}

	// Save calculation if repository is available
	if h.repo != nil {
		if err := h.repo.SaveCalculation(ctx, tenantID, calc); err != nil {
			slog.Error("failed to save calculation", "id", calc.ID, "error", err)
		}
	}

	if cacheKey != "" {
		if err := h.cache.SetCalculation(ctx, tenantID, cacheKey, calc, h.resultTTL); err != nil {
			slog.Warn("failed to cache calculation", "id", calc.ID, "error", err)
		}
		w.Header().Set(CacheHeader, "MISS")
	}

	writeJSON(w, http.StatusOK, calc)
}

// cacheKey identifies a request against the currently loaded rules.
// It is empty when response caching is off or the request cannot be keyed.
func (h *Handler) cacheKey(tenantID string, req *domain.CalculationRequest) string {
	if h.cache == nil || h.resultTTL <= 0 {
		return ""
	}

	digest, err := calculation.RequestDigest(tenantID, req)
	if err != nil {
		slog.Warn("failed to key calculation request", "error", err)
		return ""
	}
	return fmt.Sprintf("%d.%d.%s", h.registry.Generation(), h.ruleSets.Generation(), digest)
}

// EnqueueResponse is the response for POST /calculations.
type EnqueueResponse struct {
	RequestID string `json:"requestId"`
	Topic     string `json:"topic"`
}

// EnqueueCalculation handles POST /calculations by publishing the request
// for the asynchronous worker. Results arrive on the completed topic.
func (h *Handler) EnqueueCalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var req domain.CalculationRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(req.RuleIDs) == 0 && req.Rule == nil && req.RuleSetID == "" {
		writeErr(w, calculation.ErrEmptyRequest)
		return
	}
	if err := calculation.CheckInput(&req); err != nil {
		writeErr(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode request")
		return
	}

	ctx = bus.WithMetadata(ctx, map[string]string{
		domain.MetaTraceID:   GetTraceID(ctx),
		domain.MetaRequestID: req.RequestID,
	})
	if err := h.bus.Publish(ctx, tenantID, domain.TopicCalculationRequested, payload); err != nil {
		slog.Error("failed to publish calculation request", "request_id", req.RequestID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue calculation")
		return
	}

	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		RequestID: req.RequestID,
		Topic:     domain.TopicCalculationCompleted,
	})
}

// GetCalculation retrieves a calculation by ID.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	calcID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	calc, err := h.repo.GetCalculation(ctx, tenantID, calcID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get calculation", "id", calcID, "error", err)
		}
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, calc)
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

	// Check event bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"version":  h.version,
		"rules":    h.registry.RulesCount(),
		"ruleSets": h.ruleSets.RuleSetCount(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decodeBody decodes a JSON request body, rejecting trailing data.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// writeDecodeError answers a body that could not be decoded. Rule trees
// that decode but are structurally invalid are reported as 422.
func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, regel.ErrInvalidRule):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		writeError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
	}
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeErr maps an error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""

	switch {
	case errors.Is(err, regel.ErrInvalidRule):
		status, kind = http.StatusUnprocessableEntity, domain.ErrorKindInvalidRule
	case errors.Is(err, regel.ErrComponentNotFound):
		status, kind = http.StatusUnprocessableEntity, domain.ErrorKindComponentNotFound
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, calculation.ErrRuleSetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, calculation.ErrEmptyRequest),
		errors.Is(err, calculation.ErrTooManyRules),
		errors.Is(err, calculation.ErrValueOutOfRange):
		status = http.StatusBadRequest
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}

	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
