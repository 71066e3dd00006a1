package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signal-core/internal/bot"
	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/ledger"
	"signal-core/internal/monitor"
	"signal-core/internal/persistence"
	"signal-core/pkg/db"
)

const testSecret = "test-secret"

// stubExecutor returns a canned result and records the signals it saw.
type stubExecutor struct {
	mu      sync.Mutex
	result  engine.Result
	err     error
	signals []engine.Signal
}

func (s *stubExecutor) Execute(_ context.Context, sig engine.Signal) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	if s.err != nil {
		return engine.Result{}, s.err
	}
	res := s.result
	res.Action, res.Symbol, res.Timeframe = sig.Action.String(), sig.Symbol, sig.Timeframe
	return res, nil
}

func (s *stubExecutor) set(res engine.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result, s.err = res, err
}

func (s *stubExecutor) seen() []engine.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Signal(nil), s.signals...)
}

type staticPool struct{}

func (staticPool) Stats() gateway.PoolStats { return gateway.PoolStats{} }

type testEnv struct {
	ts       *httptest.Server
	server   *Server
	exec     *stubExecutor
	database *db.Database
	batch    *persistence.BatchWriter
	bus      *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	batch := persistence.NewBatchWriter(database, 100, time.Hour, zap.NewNop())
	reg := prometheus.NewRegistry()
	exec := &stubExecutor{result: engine.Result{Status: engine.OutcomeSuccess}}
	bus := events.NewBus()

	server := NewServer(Deps{
		Engine:   exec,
		Bots:     bot.NewStore(database),
		Ledger:   ledger.New(database),
		Tokens:   NewTokenStore(database, batch),
		Bus:      bus,
		Pool:     staticPool{},
		Batch:    batch,
		Metrics:  monitor.NewMetrics(reg),
		Gatherer: reg,
	}, Options{JWTSecret: testSecret, Version: "test", DryRun: true}, zap.NewNop())

	ts := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		ts.Close()
		_ = batch.Close()
		_ = database.Close()
	})
	return &testEnv{ts: ts, server: server, exec: exec, database: database, batch: batch, bus: bus}
}

func (e *testEnv) jwt(t *testing.T, userID string) string {
	t.Helper()
	tok, err := NewAuthenticator(testSecret).Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) webhookToken(t *testing.T, userID string) string {
	t.Helper()
	plaintext, _, err := e.server.Tokens.Issue(context.Background(), userID, "test")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return plaintext
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if raw, ok := payload.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

var buySignal = map[string]any{"action": "buy", "symbol": "aapl", "timeframe": "1h", "price": 100.5}

func TestWebhookRejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	var resp errorBody
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook/whk_nope", "", buySignal, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_TOKEN", resp.Code)

	status = doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook", "", buySignal, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, env.exec.seen())
}

func TestWebhookRejectsRevokedToken(t *testing.T) {
	env := newTestEnv(t)
	plaintext, tok, err := env.server.Tokens.Issue(context.Background(), "u1", "")
	require.NoError(t, err)
	require.NoError(t, env.server.Tokens.Revoke(context.Background(), "u1", tok.ID))

	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook/"+plaintext, "", buySignal, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestWebhookMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	token := env.webhookToken(t, "u1")

	cases := []struct {
		name string
		body any
		code string
	}{
		{"not json", "{", "INVALID_PAYLOAD"},
		{"unknown action", map[string]any{"action": "HOLD", "symbol": "AAPL", "timeframe": "1h"}, "INVALID_SIGNAL"},
		{"bad price", `{"action":"BUY","symbol":"AAPL","timeframe":"1h","price":"abc"}`, "INVALID_PAYLOAD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp errorBody
			status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook/"+token, "", tc.body, &resp)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tc.code, resp.Code)
		})
	}
	assert.Empty(t, env.exec.seen())
}

func TestWebhookStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	token := env.webhookToken(t, "u1")

	cases := []struct {
		outcome engine.Outcome
		want    int
	}{
		{engine.OutcomeSuccess, http.StatusOK},
		{engine.OutcomeSkipped, http.StatusOK},
		{engine.OutcomePending, http.StatusAccepted},
		{engine.OutcomeFailed, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.outcome), func(t *testing.T) {
			env.exec.set(engine.Result{Status: tc.outcome}, nil)
			var resp engine.Result
			status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook?token="+token, "", buySignal, &resp)
			assert.Equal(t, tc.want, status)
			assert.Equal(t, tc.outcome, resp.Status)
			assert.Equal(t, "BUY", resp.Action)
		})
	}
}

func TestWebhookEngineErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.webhookToken(t, "u1")

	env.exec.set(engine.Result{}, &engine.ValidationError{Field: "symbol", Reason: "is required"})
	var resp errorBody
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook/"+token, "", buySignal, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_SIGNAL", resp.Code)

	env.exec.set(engine.Result{}, errors.New("disk full"))
	status = doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook/"+token, "", buySignal, &resp)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", resp.Code)
	assert.NotContains(t, resp.Error, "disk full")
}

func TestWebhookBuildsSignalAndCountsUsage(t *testing.T) {
	env := newTestEnv(t)
	token := env.webhookToken(t, "u1")

	for i := 0; i < 2; i++ {
		status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/webhook/"+token, "", buySignal, nil)
		require.Equal(t, http.StatusOK, status)
	}

	seen := env.exec.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "u1", seen[0].UserID)
	assert.Equal(t, engine.ActionBuy, seen[0].Action)
	assert.True(t, seen[0].Price.Valid)
	assert.True(t, seen[0].Price.Decimal.Equal(decimal.RequireFromString("100.5")))
	assert.False(t, seen[0].ReceivedAt.IsZero())

	require.NoError(t, env.batch.Flush(context.Background()))
	tokens, err := env.server.Tokens.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, int64(2), tokens[0].UsageCount)
	assert.False(t, tokens[0].LastUsedAt.IsZero())
}

func TestReadAPIRequiresJWT(t *testing.T) {
	env := newTestEnv(t)

	var resp errorBody
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/bots", "", nil, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "MISSING_TOKEN", resp.Code)

	status = doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/bots", "garbage", nil, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_TOKEN", resp.Code)

	expired, err := NewAuthenticator(testSecret).Issue("u1", -time.Hour)
	require.NoError(t, err)
	status = doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/bots", expired, nil, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestBotsCRUDIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.jwt(t, "alice"), env.jwt(t, "bob")
	client := env.ts.Client()

	var saved bot.Config
	status := doJSONRequest(t, client, http.MethodPut, env.ts.URL+"/api/bots", alice, map[string]any{
		"symbol":           "aapl",
		"timeframe":        "1h",
		"position_size":    "5000",
		"daily_loss_limit": "250",
	}, &saved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "AAPL", saved.Symbol)
	assert.Equal(t, "alice", saved.UserID)
	assert.True(t, saved.IsActive)
	assert.True(t, saved.DailyLossLimit.Valid)

	var invalid errorBody
	status = doJSONRequest(t, client, http.MethodPut, env.ts.URL+"/api/bots", alice, map[string]any{
		"symbol": "MSFT", "timeframe": "1h", "position_size": "-1",
	}, &invalid)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_BOT_CONFIG", invalid.Code)

	var list struct {
		Bots []bot.Config `json:"bots"`
	}
	doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/bots", bob, nil, &list)
	assert.Empty(t, list.Bots)

	status = doJSONRequest(t, client, http.MethodDelete, env.ts.URL+"/api/bots/"+saved.ID, bob, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSONRequest(t, client, http.MethodDelete, env.ts.URL+"/api/bots/"+saved.ID, alice, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/bots", alice, nil, &list)
	assert.Empty(t, list.Bots)
}

func TestTradesAndPnl(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()
	ctx := context.Background()

	rec := &ledger.Record{
		BotID: "b1", UserID: "alice", Symbol: "AAPL", Timeframe: "1h",
		Action: "CLOSE", Leg: ledger.LegClose, Status: ledger.StatusSubmitted,
	}
	require.NoError(t, env.server.Ledger.Append(ctx, rec))
	require.NoError(t, env.server.Ledger.Finalize(ctx, rec.ID, ledger.Terminal{
		Status:      ledger.StatusFilled,
		RealizedPnl: decimal.NewNullDecimal(decimal.NewFromInt(95)),
		FinalizedAt: time.Now(),
	}))

	var page ledger.Page
	status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/trades?symbol=aapl&status=filled", env.jwt(t, "alice"), nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page.Records, 1)
	assert.Equal(t, rec.ID, page.Records[0].ID)

	var got ledger.Record
	status = doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/trades/"+rec.ID, env.jwt(t, "alice"), nil, &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, ledger.StatusFilled, got.Status)

	status = doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/trades/"+rec.ID, env.jwt(t, "bob"), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var pnl struct {
		RealizedPnl decimal.Decimal `json:"realized_pnl"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/pnl/today?bot_id=b1", env.jwt(t, "alice"), nil, &pnl)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, pnl.RealizedPnl.Equal(decimal.NewFromInt(95)), pnl.RealizedPnl.String())
}

func TestRiskEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.server.Ledger.AppendRiskEvent(context.Background(), &ledger.RiskEvent{
		BotID: "b1", UserID: "alice", Type: ledger.EventDailyLossLimit,
		Threshold: decimal.NewFromInt(100), Observed: decimal.NewFromInt(-120), Action: ledger.ActionBotDisabled,
	}))

	var resp struct {
		RiskEvents []ledger.RiskEvent `json:"risk_events"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/risk-events", env.jwt(t, "alice"), nil, &resp)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, resp.RiskEvents, 1)
	assert.Equal(t, ledger.EventDailyLossLimit, resp.RiskEvents[0].Type)

	doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/risk-events", env.jwt(t, "bob"), nil, &resp)
	assert.Empty(t, resp.RiskEvents)
}

func TestTokenEndpoints(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()
	alice := env.jwt(t, "alice")

	var issued struct {
		Token        string       `json:"token"`
		WebhookToken WebhookToken `json:"webhook_token"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/tokens", alice, map[string]string{"label": "tv"}, &issued)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(issued.Token, tokenPrefix))
	assert.Equal(t, "tv", issued.WebhookToken.Label)

	status = doJSONRequest(t, client, http.MethodDelete, env.ts.URL+"/api/tokens/"+issued.WebhookToken.ID, env.jwt(t, "bob"), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSONRequest(t, client, http.MethodDelete, env.ts.URL+"/api/tokens/"+issued.WebhookToken.ID, alice, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/webhook/"+issued.Token, "", buySignal, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthSystemAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	var health map[string]any
	status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/health", "", nil, &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health["status"])

	var system map[string]any
	status = doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/system", env.jwt(t, "alice"), nil, &system)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, system, "runtime")
	assert.Contains(t, system, "batch_writer")

	resp, err := client.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), "http_requests_total")
}

func TestRateLimit(t *testing.T) {
	l := newIPLimiter(1, 2)
	assert.True(t, l.get("1.2.3.4").Allow())
	assert.True(t, l.get("1.2.3.4").Allow())
	assert.False(t, l.get("1.2.3.4").Allow())
	assert.True(t, l.get("5.6.7.8").Allow())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, l.sweep(time.Millisecond))
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, outcomeStatus(engine.Outcome("weird")))
}
