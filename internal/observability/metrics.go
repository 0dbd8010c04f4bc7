package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
// All record methods are safe on a nil *Metrics.
type Metrics struct {
	// --- Webhooks & idempotency ---
	WebhooksReceived      *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DepositsCredited      prometheus.Counter

	// --- Execution ---
	OrdersCreated  *prometheus.CounterVec
	ChunksExecuted *prometheus.CounterVec
	ChunkDuration  *prometheus.HistogramVec
	OracleBlocks   *prometheus.CounterVec
	LedgerPostings *prometheus.CounterVec

	// --- Vault ---
	VaultOperations *prometheus.CounterVec

	// --- Transport ---
	NATSMessages *prometheus.CounterVec
	PublishDrops prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	externalBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	queryBuckets := []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		WebhooksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_webhooks_received_total",
			Help: "Inbound payment events by outcome",
		}, []string{"provider", "outcome"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_idempotency_duplicates_total",
			Help: "Duplicate events detected, by tier (lru/durable)",
		}, []string{"event_type", "tier"}),

		DepositsCredited: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_deposits_credited_total",
			Help: "Deposits credited to wallets",
		}),

		OrdersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_orders_created_total",
			Help: "Orders created by source",
		}, []string{"source", "side"}),

		ChunksExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_chunks_executed_total",
			Help: "Execution chunks by path and outcome",
		}, []string{"path", "outcome"}),

		ChunkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_chunk_duration_seconds",
			Help:    "Quote to recorded fill for one chunk",
			Buckets: externalBuckets,
		}, []string{"path"}),

		OracleBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_oracle_blocks_total",
			Help: "Chunks aborted by the oracle spread check",
		}, []string{"pair"}),

		LedgerPostings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_ledger_postings_total",
			Help: "Wallet postings by reason",
		}, []string{"reason"}),

		VaultOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_vault_operations_total",
			Help: "Vault deposits and withdrawals by outcome",
		}, []string{"op", "outcome"}),

		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_nats_messages_total",
			Help: "NATS messages handled by subject and outcome",
		}, []string{"subject", "outcome"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_publish_drops_total",
			Help: "Outbound settlement events that failed to publish",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_http_requests_total",
			Help: "HTTP requests by route",
		}, []string{"route", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: queryBuckets,
		}, []string{"route"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_http_errors_total",
			Help: "HTTP errors by route and error code",
		}, []string{"route", "error_code"}),
	}
}

// RecordDuplicate implements core.DedupObserver.
func (m *Metrics) RecordDuplicate(eventType, tier string) {
	if m == nil {
		return
	}
	m.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
}

func (m *Metrics) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(provider, outcome).Inc()
	if outcome == "credited" {
		m.DepositsCredited.Inc()
	}
}

func (m *Metrics) RecordOrder(source, side string) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(source, side).Inc()
}

func (m *Metrics) RecordChunk(path, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ChunksExecuted.WithLabelValues(path, outcome).Inc()
	m.ChunkDuration.WithLabelValues(path).Observe(d.Seconds())
}

func (m *Metrics) RecordOracleBlock(pair string) {
	if m == nil {
		return
	}
	m.OracleBlocks.WithLabelValues(pair).Inc()
}

func (m *Metrics) RecordPosting(reason string) {
	if m == nil {
		return
	}
	m.LedgerPostings.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordVault(op, outcome string) {
	if m == nil {
		return
	}
	m.VaultOperations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordNATS(subject, outcome string) {
	if m == nil {
		return
	}
	m.NATSMessages.WithLabelValues(subject, outcome).Inc()
}

func (m *Metrics) RecordPublishDrop() {
	if m == nil {
		return
	}
	m.PublishDrops.Inc()
}

func (m *Metrics) RecordRequest(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(route, code).Inc()
	m.QueryDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RecordRequestError(route, errorCode string) {
	if m == nil {
		return
	}
	m.QueryErrors.WithLabelValues(route, errorCode).Inc()
}
