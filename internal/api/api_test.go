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

	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/scoring"
	"github.com/opensource-finance/sentinel/internal/velocity"
)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	engine *rules.Engine
	bus    *bus.ChannelBus
}

// newTestEnv builds a server that scores on rules alone, so the single
// seeded rule drives the composite to 1 when it matches.
func newTestEnv(t *testing.T, withBus bool) *testEnv {
	t.Helper()

	cfg := domain.DefaultScoringConfig()
	cfg.MLEnabled = false
	cfg.VelocityWeight = 0
	cfg.AnomalyWeight = 0
	cfg.RuleWeight = 1

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	seed := &domain.Rule{
		ID:        "RULE_LARGE",
		Code:      "RULE_LARGE",
		Name:      "Large mobile transfer",
		Condition: domain.All(domain.Leaf("amount_zar", "gt", 50000), domain.Leaf("channel", "eq", domain.ChannelMobileBanking)),
		Weight:    1,
		Active:    true,
	}
	if err := repo.SaveRule(context.Background(), seed); err != nil {
		t.Fatalf("failed to seed rule: %v", err)
	}

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.ReloadRules([]*domain.Rule{seed}); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	tracker := velocity.NewTracker(velocity.ConfigFromScoring(cfg))
	scorer, err := scoring.NewScorer(cfg, engine, tracker, nil)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}

	env := &testEnv{repo: repo, engine: engine}
	lru := cache.NewLRUCache(100)

	opts := pipeline.Options{Repository: repo, Cache: lru}
	var eventBus domain.EventBus
	if withBus {
		env.bus = bus.NewChannelBus(10)
		t.Cleanup(func() { env.bus.Close() })
		eventBus = env.bus
		opts.Bus = env.bus
	}

	pipe := pipeline.New(scorer, engine, opts)
	cfgServer := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	env.server = NewServer(cfgServer, repo, lru, eventBus, engine, scorer, pipe, "test-v1")
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func largeTransfer(externalID string) map[string]any {
	return map[string]any{
		"externalId": externalID,
		"senderId":   "sender-001",
		"receiverId": "receiver-001",
		"amount":     60000,
		"channel":    "mobile_banking",
	}
}

func TestIngestTransaction(t *testing.T) {
	env := newTestEnv(t, false)

	var txID string

	t.Run("ScoresInline", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions", largeTransfer("ext-001"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var out pipeline.Outcome
		decode(t, rr, &out)
		if out.Transaction == nil || out.Transaction.ID == "" {
			t.Fatal("expected transaction with id")
		}
		if out.Transaction.Currency != domain.DefaultCurrency {
			t.Errorf("expected default currency, got %s", out.Transaction.Currency)
		}
		if out.Result == nil || out.Result.Severity != domain.SeverityCritical {
			t.Fatalf("expected CRITICAL result, got %+v", out.Result)
		}
		if out.Alert == nil {
			t.Error("expected alert for critical score")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
		txID = out.Transaction.ID
	})

	t.Run("DuplicateReturnsOriginal", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions", largeTransfer("ext-001"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var out pipeline.Outcome
		decode(t, rr, &out)
		if !out.Duplicate {
			t.Error("expected duplicate flag")
		}
		if out.Transaction.ID != txID {
			t.Errorf("expected original id %s, got %s", txID, out.Transaction.ID)
		}
	})

	t.Run("NormalTransaction", func(t *testing.T) {
		body := largeTransfer("")
		body["amount"] = 100
		rr := env.do(t, http.MethodPost, "/transactions", body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}
		var out pipeline.Outcome
		decode(t, rr, &out)
		if out.Result.Severity != domain.SeverityNormal {
			t.Errorf("expected NORMAL, got %s", out.Result.Severity)
		}
		if out.Alert != nil {
			t.Error("expected no alert")
		}
	})

	t.Run("MissingSender", func(t *testing.T) {
		body := largeTransfer("")
		delete(body, "senderId")
		rr := env.do(t, http.MethodPost, "/transactions", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		body := largeTransfer("")
		body["amount"] = -5
		rr := env.do(t, http.MethodPost, "/transactions", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetTransaction", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/transactions/"+txID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp TransactionResponse
		decode(t, rr, &resp)
		if resp.Transaction.ID != txID {
			t.Errorf("expected id %s, got %s", txID, resp.Transaction.ID)
		}
		if resp.Result == nil || resp.Result.TxID != txID {
			t.Error("expected score result for transaction")
		}
		if len(resp.Audit) != 1 || resp.Audit[0].Action != domain.AuditTransactionScored {
			t.Errorf("expected one scoring audit entry, got %+v", resp.Audit)
		}
	})

	t.Run("GetScore", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/scores/"+txID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var result domain.ScoreResult
		decode(t, rr, &result)
		if len(result.TriggeredRules) != 1 || result.TriggeredRules[0] != "RULE_LARGE" {
			t.Errorf("expected RULE_LARGE triggered, got %v", result.TriggeredRules)
		}
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/transactions/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodGet, "/scores/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestIngestAsync(t *testing.T) {
	t.Run("QueuesOnBus", func(t *testing.T) {
		env := newTestEnv(t, true)

		received := make(chan *domain.TransactionMessage, 1)
		_, err := env.bus.Subscribe(context.Background(), domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
			var tm domain.TransactionMessage
			if err := json.Unmarshal(msg.Payload, &tm); err != nil {
				return err
			}
			received <- &tm
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		rr := env.do(t, http.MethodPost, "/transactions?async=true", largeTransfer("ext-async"))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp QueuedResponse
		decode(t, rr, &resp)
		if resp.Status != "queued" || resp.TransactionID == "" {
			t.Errorf("unexpected response %+v", resp)
		}

		select {
		case tm := <-received:
			if tm.Transaction.ID != resp.TransactionID {
				t.Errorf("expected queued id %s, got %s", resp.TransactionID, tm.Transaction.ID)
			}
			if tm.TraceID == "" {
				t.Error("expected trace id on queued message")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queued transaction")
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		env := newTestEnv(t, true)
		body := largeTransfer("")
		delete(body, "channel")
		rr := env.do(t, http.MethodPost, "/transactions?async=true", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoBus", func(t *testing.T) {
		env := newTestEnv(t, false)
		rr := env.do(t, http.MethodPost, "/transactions?async=true", largeTransfer(""))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestRuleManagement(t *testing.T) {
	env := newTestEnv(t, false)

	newRule := map[string]any{
		"code":      "RULE_USSD_NIGHT",
		"name":      "USSD transfer",
		"condition": map[string]any{"field": "channel", "operator": "eq", "value": "ussd"},
		"weight":    0.4,
		"priority":  5,
	}

	t.Run("Create", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", newRule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if env.engine.RulesCount() != 2 {
			t.Errorf("expected 2 loaded rules, got %d", env.engine.RulesCount())
		}
	})

	t.Run("CreateDuplicateCode", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", newRule)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("CreateMissingFields", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", map[string]any{"code": "RULE_X"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateUnknownOperator", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", map[string]any{
			"code":      "RULE_BAD",
			"name":      "Bad",
			"condition": map[string]any{"field": "channel", "operator": "resembles", "value": "ussd"},
			"weight":    0.1,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateWeightOutOfRange", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", map[string]any{
			"code":      "RULE_HEAVY",
			"name":      "Heavy",
			"condition": map[string]any{"field": "channel", "operator": "eq", "value": "pos"},
			"weight":    1.5,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/RULE_USSD_NIGHT", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rule domain.Rule
		decode(t, rr, &rule)
		if rule.Weight != 0.4 || rule.Priority != 5 || !rule.Active {
			t.Errorf("unexpected rule %+v", rule)
		}
	})

	t.Run("Update", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/rules/RULE_USSD_NIGHT", map[string]any{"weight": 0.6})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		stored, err := env.repo.GetRule(context.Background(), "RULE_USSD_NIGHT")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if stored.Weight != 0.6 || stored.Name != "USSD transfer" {
			t.Errorf("expected weight 0.6 with name kept, got %+v", stored)
		}
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/rules/RULE_MISSING", map[string]any{"weight": 0.6})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/rules/RULE_USSD_NIGHT", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if env.engine.RulesCount() != 1 {
			t.Errorf("expected 1 loaded rule, got %d", env.engine.RulesCount())
		}

		audit, err := env.repo.ListAudit(context.Background(), "RULE_USSD_NIGHT")
		if err != nil {
			t.Fatalf("ListAudit failed: %v", err)
		}
		var actions []string
		for _, a := range audit {
			actions = append(actions, a.Action)
		}
		want := []string{domain.AuditRuleCreated, domain.AuditRuleUpdated, domain.AuditRuleDeactivated}
		if strings.Join(actions, ",") != strings.Join(want, ",") {
			t.Errorf("expected audit %v, got %v", want, actions)
		}
	})

	t.Run("ListIncludesInactive", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Rules  []*domain.Rule `json:"rules"`
			Count  int            `json:"count"`
			Loaded int            `json:"loaded"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 || resp.Loaded != 1 {
			t.Errorf("expected 2 stored and 1 loaded, got %d and %d", resp.Count, resp.Loaded)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]any
		decode(t, rr, &resp)
		if resp["count"] != float64(1) {
			t.Errorf("expected count 1, got %v", resp["count"])
		}
	})
}

func TestAlerts(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, http.MethodPost, "/transactions", largeTransfer("ext-alert"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("ingest failed: %d %s", rr.Code, rr.Body.String())
	}
	var out pipeline.Outcome
	decode(t, rr, &out)
	if out.Alert == nil {
		t.Fatal("expected alert")
	}

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts?severity=CRITICAL&limit=10", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Alerts []*domain.AlertDecision `json:"alerts"`
			Count  int                     `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 || resp.Alerts[0].Status != domain.AlertOpen {
			t.Errorf("expected one open alert, got %+v", resp.Alerts)
		}
	})

	t.Run("ListOtherSeverity", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts?severity=HIGH", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected no HIGH alerts, got %d", resp.Count)
		}
	})

	t.Run("BadLimit", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts?limit=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Acknowledge", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/alerts/"+out.Alert.ID, map[string]string{"status": "acknowledged"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var alert domain.AlertDecision
		decode(t, rr, &alert)
		if alert.Status != domain.AlertAcknowledged {
			t.Errorf("expected acknowledged, got %s", alert.Status)
		}
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/alerts/"+out.Alert.ID, map[string]string{"status": "ignored"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownAlert", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/alerts/nope", map[string]string{"status": "resolved"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, true)

	t.Run("Health", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]any
		decode(t, rr, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %v", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %v", resp["version"])
		}
		if resp["mlActive"] != false {
			t.Errorf("expected mlActive false, got %v", resp["mlActive"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodGet, "/ready", nil)
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `sentinel_http_requests_total{method="GET",path="/ready",status="2xx"}`) {
			t.Error("expected request counter keyed by route pattern")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := env.do(t, http.MethodOptions, "/transactions", nil)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})
}

func TestWithoutRepository(t *testing.T) {
	cfg := domain.DefaultScoringConfig()
	cfg.MLEnabled = false

	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.ReloadRules(rules.DefaultRules()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	scorer, err := scoring.NewScorer(cfg, engine, velocity.NewTracker(velocity.ConfigFromScoring(cfg)), nil)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}
	pipe := pipeline.New(scorer, engine, pipeline.Options{})
	server := NewServer(domain.ServerConfig{Port: 8080}, nil, nil, nil, engine, scorer, pipe, "test-v1")

	do := func(method, path string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		return rr
	}

	t.Run("IngestStillScores", func(t *testing.T) {
		rr := do(http.MethodPost, "/transactions", `{"senderId":"s","receiverId":"r","amount":"10","channel":"pos"}`)
		if rr.Code != http.StatusCreated {
			t.Errorf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ListRulesFromEngine", func(t *testing.T) {
		rr := do(http.MethodGet, "/rules", "")
		var resp struct {
			Count  int    `json:"count"`
			Source string `json:"source"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Source != "engine" || resp.Count != len(rules.DefaultRules()) {
			t.Errorf("unexpected listing %+v", resp)
		}
	})

	t.Run("RepositoryRoutesUnavailable", func(t *testing.T) {
		for _, path := range []string{"/alerts", "/transactions/x"} {
			if rr := do(http.MethodGet, path, ""); rr.Code != http.StatusServiceUnavailable {
				t.Errorf("%s: expected status 503, got %d", path, rr.Code)
			}
		}
		if rr := do(http.MethodPost, "/rules/reload", ""); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("reload: expected status 503, got %d", rr.Code)
		}
	})
}
