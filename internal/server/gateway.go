package server

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"
	"SettleLedger/internal/execution"
	"SettleLedger/internal/ingestion"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/query"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/vault"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// Deps holds everything the HTTP routes call into.
type Deps struct {
	Pipeline  *settlement.Pipeline
	Orders    *execution.OrderService
	Queries   *query.QueryService
	Vault     *vault.Settlement
	Parser    *ingestion.Parser
	Providers []capability.PaymentProvider
	RateLimit RateLimit
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Gateway serves the JSON API on a grpc-gateway mux.
type Gateway struct {
	pipeline  *settlement.Pipeline
	orders    *execution.OrderService
	queries   *query.QueryService
	vault     *vault.Settlement
	parser    *ingestion.Parser
	providers map[string]capability.PaymentProvider
	limiter   *providerLimiter
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mux *runtime.ServeMux
}

func NewGateway(d Deps) (*Gateway, error) {
	g := &Gateway{
		pipeline:  d.Pipeline,
		orders:    d.Orders,
		queries:   d.Queries,
		vault:     d.Vault,
		parser:    d.Parser,
		providers: make(map[string]capability.PaymentProvider, len(d.Providers)),
		limiter:   newProviderLimiter(d.RateLimit),
		metrics:   d.Metrics,
		logger:    d.Logger,
		mux:       runtime.NewServeMux(),
	}
	for _, p := range d.Providers {
		g.providers[strings.ToLower(p.Name())] = p
	}

	routes := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/webhooks/{provider}", "webhook", g.handleWebhook},
		{http.MethodPost, "/v1/deposits", "create_deposit", g.handleCreateDeposit},
		{http.MethodGet, "/v1/deposits/{txid}", "get_deposit", g.handleGetDeposit},
		{http.MethodPost, "/v1/orders", "create_order", g.handleCreateOrder},
		{http.MethodGet, "/v1/orders/{id}", "get_order", g.handleGetOrder},
		{http.MethodPost, "/v1/orders/{id}/cancel", "cancel_order", g.handleCancelOrder},
		{http.MethodGet, "/v1/balances/{user_id}", "get_balances", g.handleGetBalances},
		{http.MethodGet, "/v1/balances/{user_id}/{asset}/journal", "get_journal", g.handleGetJournal},
		{http.MethodGet, "/v1/integrity/{user_id}", "verify_integrity", g.handleVerifyIntegrity},
		{http.MethodGet, "/v1/vaults/{user_id}", "get_vaults", g.handleGetVaults},
		{http.MethodPost, "/v1/vaults/{vault_id}/withdraw", "vault_withdraw", g.handleVaultWithdraw},
	}
	for _, r := range routes {
		if err := g.mux.HandlePath(r.method, r.pattern, g.instrument(r.name, r.h)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gateway) Handler() http.Handler { return g.mux }

func (g *Gateway) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		g.metrics.RecordRequest(route, strconv.Itoa(rec.status), time.Since(start))
		if rec.errCode != "" {
			g.metrics.RecordRequestError(route, rec.errCode)
		}
	}
}

type webhookResponse struct {
	Status  string `json:"status"`
	TxID    string `json:"txid,omitempty"`
	AutoBuy bool   `json:"auto_buy"`
}

// handleWebhook verifies the provider signature over the raw body before
// parsing. Redeliveries answer 200 with status "duplicate" so the provider
// stops retrying.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request, params map[string]string) {
	name := strings.ToLower(params["provider"])
	provider, ok := g.providers[name]
	if !ok {
		writeError(w, errs.E(errs.KindNotFound, "unknown provider %q", name))
		return
	}
	if !g.limiter.Allow(name) {
		g.metrics.RecordWebhook(name, "rate_limited")
		writeErrorBody(w, http.StatusTooManyRequests, errorBody{Code: "rate_limited", Message: "too many webhook deliveries"})
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := provider.VerifySignature(body, r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp)); err != nil {
		g.metrics.RecordWebhook(name, "unauthorized")
		g.logger.Warn().Str("provider", name).Err(err).Msg("webhook signature rejected")
		writeError(w, err)
		return
	}
	in, err := g.parser.Parse(name, body)
	if err != nil {
		g.metrics.RecordWebhook(name, "invalid")
		writeError(w, err)
		return
	}
	out, err := g.pipeline.Handle(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: string(out.Status), TxID: out.TxID, AutoBuy: out.AutoBuy})
}

type createDepositRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	ProductID string `json:"product_id"`
}

type createDepositResponse struct {
	Deposit    *query.DepositResponse `json:"deposit"`
	PaymentURI string                 `json:"payment_uri,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
}

func (g *Gateway) handleCreateDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createDepositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	d, charge, err := g.pipeline.CreateDeposit(r.Context(), settlement.DepositRequest{
		UserID:    userID,
		Amount:    req.Amount,
		ProductID: req.ProductID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := createDepositResponse{Deposit: g.queries.Deposit(d), PaymentURI: charge.PaymentURI}
	if !charge.ExpiresAt.IsZero() {
		resp.ExpiresAt = &charge.ExpiresAt
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleGetDeposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := g.queries.GetDeposit(r.Context(), params["txid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type createOrderRequest struct {
	UserID    string `json:"user_id"`
	Side      string `json:"side"`
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	ClientRef string `json:"client_ref"`
	Chunks    int    `json:"chunks"`
}

// handleCreateOrder answers 201 for a new order and 200 when client_ref
// matched an existing one.
func (g *Gateway) handleCreateOrder(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := g.orders.Create(r.Context(), execution.OrderRequest{
		UserID:    userID,
		Side:      req.Side,
		Symbol:    req.Symbol,
		Amount:    req.Amount,
		ClientRef: req.ClientRef,
		Chunks:    req.Chunks,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, g.queries.Order(res.Order, res.Trades))
}

func (g *Gateway) handleGetOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUUID("id", params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := g.queries.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleCancelOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUUID("id", params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := g.orders.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	resp, err := g.queries.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := parseUUID("user_id", params["user_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := g.queries.GetBalances(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := parseUUID("user_id", params["user_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := g.queries.GetJournalHistory(r.Context(), userID, strings.ToUpper(params["asset"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (g *Gateway) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := parseUUID("user_id", params["user_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := g.queries.VerifyIntegrity(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (g *Gateway) handleGetVaults(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := parseUUID("user_id", params["user_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	positions, err := g.queries.GetVaultPositions(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "positions": positions})
}

type withdrawRequest struct {
	UserID         string `json:"user_id"`
	Shares         string `json:"shares"`
	IdempotencyKey string `json:"idempotency_key"`
}

type withdrawResponse struct {
	Position  query.VaultPositionResponse `json:"position"`
	Credited  string                      `json:"credited_minor"`
	Duplicate bool                        `json:"duplicate"`
}

func (g *Gateway) handleVaultWithdraw(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if g.vault == nil {
		writeError(w, errs.E(errs.KindUnavailable, "no vaults configured"))
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	shares, ok := new(big.Int).SetString(strings.TrimSpace(req.Shares), 10)
	if !ok || shares.Sign() <= 0 {
		writeError(w, errs.E(errs.KindValidation, "shares must be a positive integer"))
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		writeError(w, errs.E(errs.KindValidation, "idempotency_key is required"))
		return
	}
	res, err := g.vault.Withdraw(r.Context(), userID, params["vault_id"], shares, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := withdrawResponse{Duplicate: res.Duplicate}
	if res.Credited != nil {
		resp.Credited = res.Credited.String()
	}
	if p := res.Position; p != nil {
		resp.Position = query.VaultPositionResponse{
			VaultID:        p.VaultID,
			Asset:          p.Asset,
			Shares:         p.Shares.String(),
			PrincipalMinor: p.Principal.String(),
			UpdatedAt:      p.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, errs.E(errs.KindValidation, "%s: %v", field, err)
	}
	return id, nil
}
