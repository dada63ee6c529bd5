package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/regelwerk/internal/bus"
	"github.com/opensource-finance/regelwerk/internal/cache"
	"github.com/opensource-finance/regelwerk/internal/calculation"
	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/regel"
	"github.com/opensource-finance/regelwerk/internal/repository"
	"github.com/opensource-finance/regelwerk/internal/rules"
)

const hingesRule = `{
	"operation": "IF_THEN_ELSE",
	"bedingung": {"operation": "GREATER_THAN", "links": {"komponente": "Tür", "attribut": "höhe"}, "rechts": 2.0},
	"dann": {"operation": "MULTIPLY", "faktor": 3, "komponente": "Tür", "attribut": "anzahl"},
	"sonst": {"operation": "MULTIPLY", "faktor": 2, "komponente": "Tür", "attribut": "anzahl"}
}`

type testServer struct {
	*Server
	repo  domain.Repository
	bus   *bus.ChannelBus
	cache *cache.LRUCache
}

// createTestServer creates a server backed by SQLite, an LRU cache and a
// channel bus, with one global rule loaded.
func createTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		MaxBodyBytes: 64 << 10,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	registry := rules.NewRegistry(4, 64)
	err = registry.LoadRule(&domain.RuleConfig{
		ID:       "scharniere",
		TenantID: domain.GlobalTenantID,
		Name:     "Scharniere",
		Unit:     "Stk",
		Rule:     json.RawMessage(hingesRule),
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	ruleSets := rules.NewRuleSetEngine()
	processor := calculation.NewProcessor(registry, ruleSets)

	server := NewServer(cfg, repo, lru, eventBus, registry, ruleSets, processor, time.Minute, "test-v1")
	return &testServer{Server: server, repo: repo, bus: eventBus, cache: lru}
}

func (s *testServer) do(method, path, tenantID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decodeResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestCalculateEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulCalculation", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001",
			`{"ruleIds":["scharniere"],"components":{"Tür":{"höhe":2.1,"anzahl":2}}}`)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		calc := decodeResponse[domain.Calculation](t, rr)
		if calc.ID == "" {
			t.Error("expected calculation id in response")
		}
		if calc.Status != domain.StatusOK {
			t.Errorf("expected status OK, got %s", calc.Status)
		}
		if got := calc.Results[0].Value.Decimal.String(); got != "6" {
			t.Errorf("expected 6 hinges, got %s", got)
		}
		if calc.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
		if rr.Header().Get(CacheHeader) != "MISS" {
			t.Errorf("expected cache miss, got %q", rr.Header().Get(CacheHeader))
		}

		stored, err := server.repo.GetCalculation(context.Background(), "tenant-001", calc.ID)
		if err != nil {
			t.Fatalf("calculation was not stored: %v", err)
		}
		if stored.Status != calc.Status {
			t.Errorf("stored status %s, want %s", stored.Status, calc.Status)
		}

		get := server.do(http.MethodGet, "/calculations/"+calc.ID, "tenant-001", "")
		if get.Code != http.StatusOK {
			t.Errorf("expected status 200 for stored calculation, got %d", get.Code)
		}
	})

	t.Run("CachedCalculation", func(t *testing.T) {
		body := `{"ruleIds":["scharniere"],"components":{"Tür":{"höhe":1.8,"anzahl":4}}}`

		first := server.do(http.MethodPost, "/calculate", "tenant-001", body)
		second := server.do(http.MethodPost, "/calculate", "tenant-001", body)

		if second.Header().Get(CacheHeader) != "HIT" {
			t.Fatalf("expected cache hit, got %q", second.Header().Get(CacheHeader))
		}
		a := decodeResponse[domain.Calculation](t, first)
		b := decodeResponse[domain.Calculation](t, second)
		if a.ID != b.ID {
			t.Error("cache hit should return the cached calculation")
		}

		// Another tenant never sees the cached result
		other := server.do(http.MethodPost, "/calculate", "tenant-002", body)
		if other.Header().Get(CacheHeader) != "MISS" {
			t.Errorf("expected cache miss for other tenant, got %q", other.Header().Get(CacheHeader))
		}
	})

	t.Run("RuleChangeInvalidatesCache", func(t *testing.T) {
		body := `{"ruleIds":["scharniere"],"components":{"Tür":{"höhe":1.5,"anzahl":1}}}`
		server.do(http.MethodPost, "/calculate", "tenant-001", body)

		rr := server.do(http.MethodPost, "/rules", "tenant-001",
			`{"id":"griffe","name":"Griffe","rule":{"operation":"FIXED","wert":1}}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		again := server.do(http.MethodPost, "/calculate", "tenant-001", body)
		if again.Header().Get(CacheHeader) != "MISS" {
			t.Errorf("expected cache miss after rule change, got %q", again.Header().Get(CacheHeader))
		}
	})

	t.Run("InlineRule", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001",
			`{"rule":{"operation":"SUBTRACT","minuend":{"operation":"FIXED","wert":"0.3"},"subtrahend":{"operation":"FIXED","wert":0.1}},"components":{}}`)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		calc := decodeResponse[domain.Calculation](t, rr)
		if got := calc.Results[0].Value.Decimal.String(); got != "0.2" {
			t.Errorf("expected exact 0.2, got %s", got)
		}
	})

	t.Run("MissingComponentIsPartOfResult", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001",
			`{"ruleIds":["scharniere"],"components":{"Schublade":{"anzahl":1}}}`)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		calc := decodeResponse[domain.Calculation](t, rr)
		if calc.Status != domain.StatusError {
			t.Errorf("expected status ERROR, got %s", calc.Status)
		}
		if calc.Results[0].ErrorKind != domain.ErrorKindComponentNotFound {
			t.Errorf("expected component_not_found, got %q", calc.Results[0].ErrorKind)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "", "{}")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyRequest", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001", `{"components":{}}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NullRule", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001", `{"rule":null,"ruleIds":["scharniere"],"components":{}}`)
		if rr.Code == http.StatusInternalServerError {
			t.Errorf("null rule must not cause a server error: %s", rr.Body.String())
		}
	})

	t.Run("UnknownRuleSet", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001", `{"ruleSetId":"fehlt","components":{}}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		big := `{"components":{"x":{"a":1}},"ruleIds":["` + strings.Repeat("a", 70<<10) + `"]}`
		rr := server.do(http.MethodPost, "/calculate", "tenant-001", big)
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001", `{"ruleIds":["scharniere"],"components":{}}`)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})

	t.Run("CalculationNotFound", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/calculations/nonexistent", "tenant-001", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestCalculateMalformedInlineRules(t *testing.T) {
	server := createTestServer(t)

	t.Run("DistinctErrorsAreNotServedFromCache", func(t *testing.T) {
		badFaktor := `{"rule":{"operation":"MULTIPLY","faktor":"abc","komponente":"Tür","attribut":"anzahl"},"components":{}}`
		badKomponente := `{"rule":{"operation":"MULTIPLY","faktor":3,"komponente":7,"attribut":"anzahl"},"components":{}}`

		first := server.do(http.MethodPost, "/calculate", "tenant-001", badFaktor)
		second := server.do(http.MethodPost, "/calculate", "tenant-001", badKomponente)

		if second.Header().Get(CacheHeader) != "MISS" {
			t.Fatalf("expected cache miss for a different rule, got %q", second.Header().Get(CacheHeader))
		}

		a := decodeResponse[domain.Calculation](t, first)
		b := decodeResponse[domain.Calculation](t, second)
		if !strings.Contains(a.Results[0].Error, "faktor") {
			t.Errorf("expected faktor in error, got %q", a.Results[0].Error)
		}
		if !strings.Contains(b.Results[0].Error, "komponente") {
			t.Errorf("expected komponente in error, got %q", b.Results[0].Error)
		}
	})

	t.Run("OversizedExponent", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001",
			`{"rule":{"operation":"ADD","terme":[{"operation":"FIXED","wert":1e30000000},{"operation":"FIXED","wert":1}]}}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		calc := decodeResponse[domain.Calculation](t, rr)
		if calc.Status != domain.StatusError || !strings.Contains(calc.Results[0].Error, "exponent") {
			t.Errorf("expected exponent error, got %s %q", calc.Status, calc.Results[0].Error)
		}
	})

	t.Run("OversizedComponentValue", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/calculate", "tenant-001",
			`{"ruleIds":["scharniere"],"components":{"Tür":{"höhe":2.1,"anzahl":1e30000000}}}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestEnqueueCalculation(t *testing.T) {
	server := createTestServer(t)

	received := make(chan *domain.Message, 1)
	server.bus.Subscribe(context.Background(), "tenant-001", domain.TopicCalculationRequested, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	rr := server.do(http.MethodPost, "/calculations", "tenant-001", `{"ruleIds":["scharniere"],"components":{}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse[EnqueueResponse](t, rr)
	if resp.RequestID == "" {
		t.Error("expected request id")
	}

	select {
	case msg := <-received:
		if msg.Metadata[domain.MetaRequestID] != resp.RequestID {
			t.Errorf("expected request id %s in metadata, got %v", resp.RequestID, msg.Metadata)
		}
		var req domain.CalculationRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			t.Fatalf("failed to parse published request: %v", err)
		}
		if len(req.RuleIDs) != 1 || req.RuleIDs[0] != "scharniere" {
			t.Errorf("unexpected published request: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for published request")
	}

	empty := server.do(http.MethodPost, "/calculations", "tenant-001", `{"components":{}}`)
	if empty.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for empty request, got %d", empty.Code)
	}
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("ValidateValidRule", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules/validate", "tenant-001", hingesRule)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		report := decodeResponse[regel.Report](t, rr)
		if !report.Valid {
			t.Errorf("expected valid report, got %v", report.Errors)
		}
		if len(report.ReferencedComponents) != 1 || report.ReferencedComponents[0] != "Tür" {
			t.Errorf("expected referenced component Tür, got %v", report.ReferencedComponents)
		}
	})

	t.Run("ValidateInvalidRule", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules/validate", "tenant-001", `{"operation":"ADD","terme":[]}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		report := decodeResponse[regel.Report](t, rr)
		if report.Valid || len(report.Errors) == 0 {
			t.Error("expected invalid report with errors")
		}
	})

	t.Run("ValidateNull", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules/validate", "tenant-001", `null`)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("CreateGetDelete", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules", "tenant-001",
			`{"id":"anfahrt","name":"Anfahrt","kind":"pauschale","unit":"EUR","rule":{"operation":"IF_THEN_ELSE","bedingung":{"operation":"GREATER_THAN","links":{"quelle":"distanz_km"},"rechts":50},"dann":{"operation":"FIXED","wert":45.50},"sonst":{"operation":"FIXED","wert":0}}}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		get := server.do(http.MethodGet, "/rules/anfahrt", "tenant-001", "")
		if get.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", get.Code)
		}
		cfg := decodeResponse[domain.RuleConfig](t, get)
		if cfg.Kind != domain.RuleKindPauschale || cfg.TenantID != "tenant-001" {
			t.Errorf("unexpected rule: %+v", cfg)
		}

		if other := server.do(http.MethodGet, "/rules/anfahrt", "tenant-002", ""); other.Code != http.StatusNotFound {
			t.Errorf("rule must not leak to other tenants, got %d", other.Code)
		}

		calc := server.do(http.MethodPost, "/calculate", "tenant-001", `{"ruleIds":["anfahrt"],"components":{},"context":{"distanz_km":80}}`)
		result := decodeResponse[domain.Calculation](t, calc)
		if got := result.Results[0].Value.Decimal.String(); got != "45.5" {
			t.Errorf("expected 45.5, got %s", got)
		}

		del := server.do(http.MethodDelete, "/rules/anfahrt", "tenant-001", "")
		if del.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", del.Code)
		}
		if gone := server.do(http.MethodGet, "/rules/anfahrt", "tenant-001", ""); gone.Code != http.StatusNotFound {
			t.Errorf("deleted rule should be gone, got %d", gone.Code)
		}
		if again := server.do(http.MethodDelete, "/rules/anfahrt", "tenant-001", ""); again.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", again.Code)
		}
	})

	t.Run("CreateInvalidRule", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules", "tenant-001",
			`{"id":"kaputt","name":"Kaputt","rule":{"operation":"DIVIDE"}}`)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d", rr.Code)
		}

		resp := decodeResponse[RuleResponse](t, rr)
		if resp.Report.Valid || len(resp.Report.Errors) == 0 {
			t.Error("expected report with errors")
		}
		if _, ok := server.Handler().registry.Get("tenant-001", "kaputt"); ok {
			t.Error("invalid rule must not be loaded")
		}
	})

	t.Run("CreateRequiresFields", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules", "tenant-001", `{"id":"x"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateRejectsUnknownKind", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules", "tenant-001", `{"id":"x","name":"x","kind":"rabatt","rule":{"operation":"FIXED","wert":1}}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UpdateMismatchedID", func(t *testing.T) {
		rr := server.do(http.MethodPut, "/rules/a", "tenant-001", `{"id":"b","name":"b","rule":{"operation":"FIXED","wert":1}}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		ctx := context.Background()
		err := server.repo.SaveRuleConfig(ctx, "tenant-003", &domain.RuleConfig{
			ID:      "direkt",
			Name:    "Direkt gespeichert",
			Version: "1",
			Kind:    domain.RuleKindKomponente,
			Rule:    json.RawMessage(`{"operation":"FIXED","wert":7}`),
			Enabled: true,
		})
		if err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		rr := server.do(http.MethodPost, "/rules/reload", "tenant-003", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		list := server.do(http.MethodGet, "/rules", "tenant-003", "")
		resp := decodeResponse[struct {
			Rules []domain.RuleConfig `json:"rules"`
			Count int                 `json:"count"`
		}](t, list)
		// direkt plus the global scharniere rule
		if resp.Count != 2 {
			t.Errorf("expected 2 visible rules, got %d", resp.Count)
		}
	})
}

func TestRuleSetEndpoints(t *testing.T) {
	server := createTestServer(t)

	rr := server.do(http.MethodPost, "/rulesets", "tenant-001",
		`{"id":"schrank","name":"Schrank","currency":"EUR","positions":[{"ruleId":"scharniere","label":"Topfscharnier","unitPrice":"4.35"}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("CalculateWithRuleSet", func(t *testing.T) {
		calc := server.do(http.MethodPost, "/calculate", "tenant-001",
			`{"ruleSetId":"schrank","components":{"Tür":{"höhe":2.2,"anzahl":2}}}`)
		if calc.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", calc.Code, calc.Body.String())
		}

		result := decodeResponse[domain.Calculation](t, calc)
		if result.RuleSet == nil {
			t.Fatal("expected rule set result")
		}
		// 6 hinges at 4.35
		if got := result.RuleSet.Total.String(); got != "26.1" {
			t.Errorf("expected total 26.1, got %s", got)
		}
	})

	t.Run("UnknownRule", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rulesets", "tenant-001",
			`{"id":"x","name":"x","positions":[{"ruleId":"fehlt"}]}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NegativePrice", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rulesets", "tenant-001",
			`{"id":"x","name":"x","positions":[{"ruleId":"scharniere","unitPrice":-1}]}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		list := server.do(http.MethodGet, "/rulesets", "tenant-001", "")
		resp := decodeResponse[struct {
			Count int `json:"count"`
		}](t, list)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule set, got %d", resp.Count)
		}

		if del := server.do(http.MethodDelete, "/rulesets/schrank", "tenant-001", ""); del.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", del.Code)
		}
		if gone := server.do(http.MethodGet, "/rulesets/schrank", "tenant-001", ""); gone.Code != http.StatusNotFound {
			t.Errorf("deleted rule set should be gone, got %d", gone.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rulesets/reload", "tenant-001", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/health", "", "")

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		resp := decodeResponse[map[string]any](t, rr)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%v'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%v'", resp["version"])
		}
		if resp["rules"] != float64(1) {
			t.Errorf("expected 1 loaded rule, got %v", resp["rules"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/ready", "", "")

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TenantMiddlewareRejectsBlank", func(t *testing.T) {
		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "   ")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TenantMiddlewareRejectsSubjectTokens", func(t *testing.T) {
		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		for _, tenantID := range []string{"acme.eu", "acme*", "a>b", "a b"} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Tenant-ID", tenantID)

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected status 400, got %d", tenantID, rr.Code)
			}
		}

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", domain.GlobalTenantID)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("global tenant: expected status 200, got %d", rr.Code)
		}
	})

	t.Run("TracingMiddlewareKeepsCallerRequestID", func(t *testing.T) {
		var requestID, traceID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID = GetRequestID(r.Context())
			traceID = GetTraceID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-abc")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if requestID != "req-abc" {
			t.Errorf("expected request ID 'req-abc', got '%s'", requestID)
		}
		if traceID == "" || rr.Header().Get("X-Trace-ID") != traceID {
			t.Errorf("expected trace ID header to match context, got %q and %q", rr.Header().Get("X-Trace-ID"), traceID)
		}
	})

	t.Run("CORSAnyOrigin", func(t *testing.T) {
		handler := CORSMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodOptions, "/calculate", nil)
		req.Header.Set("Origin", "https://shop.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected preflight status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("expected wildcard origin, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
		if rr.Header().Get("Access-Control-Allow-Credentials") != "" {
			t.Error("credentials must not be allowed for a wildcard origin")
		}
	})

	t.Run("CORSConfiguredOrigins", func(t *testing.T) {
		handler := CORSMiddleware([]string{"https://shop.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://shop.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get("Access-Control-Allow-Origin") != "https://shop.example" {
			t.Errorf("expected echoed origin, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
		if !strings.Contains(rr.Header().Get("Access-Control-Expose-Headers"), CacheHeader) {
			t.Error("expected X-Cache to be exposed")
		}

		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("unknown origin must not be allowed, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedRequestID = GetRequestID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
