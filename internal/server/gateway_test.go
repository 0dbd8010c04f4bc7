package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"SettleLedger/internal/adapters/mock"
	"SettleLedger/internal/adapters/provider"
	"SettleLedger/internal/capability"
	"SettleLedger/internal/execution"
	"SettleLedger/internal/ingestion"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/oracle"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/query"
	"SettleLedger/internal/server"
	"SettleLedger/internal/settlement"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type harness struct {
	pix     *provider.HMACProvider
	swap    *mock.Swap
	handler http.Handler
}

func newHarness(t *testing.T, limit server.RateLimit) *harness {
	t.Helper()
	store := persistence.NewMemoryStore()
	codec := fpmath.NewCodec(fpmath.NewRegistry(fpmath.WithEnvLookup(func(string) (string, bool) { return "", false })))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NopLogger()
	h := &harness{
		pix:  provider.NewHMACProvider("pix", "secret", time.Minute),
		swap: mock.NewSwap(codec),
	}

	engine := execution.NewEngine(execution.Deps{
		Store:   store,
		Codec:   codec,
		Swap:    h.swap,
		Guard:   oracle.NewGuard(nil, false),
		Metrics: metrics,
		Logger:  logger,
	}, execution.DefaultConfig())
	pipeline := settlement.NewPipeline(settlement.Deps{
		Store:    store,
		Codec:    codec,
		Engine:   engine,
		Payments: h.pix,
		Metrics:  metrics,
		Logger:   logger,
	}, "BRL", settlement.WithSyncAutoBuy())

	gw, err := server.NewGateway(server.Deps{
		Pipeline:  pipeline,
		Orders:    execution.NewOrderService(engine, "BRL"),
		Queries:   query.NewQueryService(store, codec),
		Parser:    ingestion.NewParser("pix"),
		Providers: []capability.PaymentProvider{h.pix},
		RateLimit: limit,
		Metrics:   metrics,
		Logger:    logger,
	})
	require.NoError(t, err)
	h.handler = server.NewServer(":0", ":0", gw.Handler(), observability.NewHealthChecker(), logger).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) webhook(t *testing.T, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/pix", bytes.NewBufferString(body))
	if sign {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(server.HeaderTimestamp, ts)
		req.Header.Set(server.HeaderSignature, h.pix.Sign(ts, []byte(body)))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestWebhook_SignedDeliveryCreditsOnce(t *testing.T) {
	h := newHarness(t, server.RateLimit{})
	user := uuid.New()
	body := `{"type":"payment.confirmed","txid":"tx-1","valor_centavos":1000,"metadata":{"user_id":"` + user.String() + `"}}`

	rec := h.webhook(t, body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]interface{}
	decode(t, rec, &out)
	require.Equal(t, "credited", out["status"])

	rec = h.webhook(t, body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &out)
	require.Equal(t, "duplicate", out["status"])

	rec = h.do(t, http.MethodGet, "/v1/balances/"+user.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balances query.BalancesResponse
	decode(t, rec, &balances)
	require.Len(t, balances.Balances, 1)
	require.Equal(t, "10", balances.Balances[0].Balance)
}

func TestWebhook_Rejections(t *testing.T) {
	h := newHarness(t, server.RateLimit{})
	body := `{"type":"payment.confirmed","txid":"tx-1","valor_centavos":1000}`

	rec := h.webhook(t, body, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var e map[string]string
	decode(t, rec, &e)
	require.Equal(t, "unauthorized", e["code"])

	rec = h.webhook(t, `{"type":"payment.confirmed","txid":"tx-1","valor_centavos":-5}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown txid without metadata.user_id cannot be attributed.
	rec = h.webhook(t, body, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/webhooks/stripe", map[string]string{})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_RateLimited(t *testing.T) {
	h := newHarness(t, server.RateLimit{RequestsPerSecond: 0.001, Burst: 1})
	body := `{"type":"payment.created","txid":"tx-1"}`
	require.Equal(t, http.StatusOK, h.webhook(t, body, true).Code)
	require.Equal(t, http.StatusTooManyRequests, h.webhook(t, body, true).Code)
}

func TestDepositThenOrderFlow(t *testing.T) {
	h := newHarness(t, server.RateLimit{})
	require.NoError(t, h.swap.SetPrices("BTC", "BRL", "350000.00"))
	user := uuid.New()

	rec := h.do(t, http.MethodPost, "/v1/deposits", map[string]string{"user_id": user.String(), "amount": "500.00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Deposit    query.DepositResponse `json:"deposit"`
		PaymentURI string                `json:"payment_uri"`
	}
	decode(t, rec, &created)
	require.Equal(t, "started", created.Deposit.Status)
	require.NotEmpty(t, created.PaymentURI)

	body := `{"type":"payment.confirmed","txid":"` + created.Deposit.TxID + `","valor_centavos":50000}`
	require.Equal(t, http.StatusOK, h.webhook(t, body, true).Code)

	rec = h.do(t, http.MethodGet, "/v1/deposits/"+created.Deposit.TxID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dep query.DepositResponse
	decode(t, rec, &dep)
	require.Equal(t, "credited", dep.Status)

	orderReq := map[string]interface{}{
		"user_id": user.String(), "side": "buy", "symbol": "BTC",
		"amount": "350", "client_ref": "c-1", "chunks": 2,
	}
	rec = h.do(t, http.MethodPost, "/v1/orders", orderReq)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order query.OrderResponse
	decode(t, rec, &order)
	require.Equal(t, "filled", order.Status)
	require.Len(t, order.Trades, 2)
	require.Equal(t, "0.001", order.FilledCounter)

	rec = h.do(t, http.MethodPost, "/v1/orders", orderReq)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/orders/"+order.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/orders/"+order.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/integrity/"+user.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report query.IntegrityReport
	decode(t, rec, &report)
	require.True(t, report.IsHealthy)
	require.Equal(t, "150", report.Totals["BRL"])

	rec = h.do(t, http.MethodGet, "/v1/balances/"+user.String()+"/brl/journal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var journal struct {
		Entries []query.JournalHistoryEntry `json:"entries"`
	}
	decode(t, rec, &journal)
	require.Len(t, journal.Entries, 3)
}

func TestOrder_InsufficientBalance(t *testing.T) {
	h := newHarness(t, server.RateLimit{})
	require.NoError(t, h.swap.SetPrices("BTC", "BRL", "350000.00"))
	rec := h.do(t, http.MethodPost, "/v1/orders", map[string]interface{}{
		"user_id": uuid.NewString(), "side": "buy", "symbol": "BTC", "amount": "10",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var e map[string]string
	decode(t, rec, &e)
	require.Equal(t, "insufficient_balance", e["code"])
}

func TestValidationAndHealth(t *testing.T) {
	h := newHarness(t, server.RateLimit{})
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/orders/not-a-uuid", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/orders/"+uuid.NewString(), nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/v1/vaults/usdc-yield/withdraw", map[string]string{}).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/readyz", nil).Code)
}
