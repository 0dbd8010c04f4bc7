package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"SettleLedger/internal/adapters/mock"
	"SettleLedger/internal/adapters/provider"
	"SettleLedger/internal/autobuy"
	"SettleLedger/internal/capability"
	"SettleLedger/internal/config"
	"SettleLedger/internal/core"
	"SettleLedger/internal/event"
	"SettleLedger/internal/execution"
	"SettleLedger/internal/ingestion"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/oracle"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/query"
	"SettleLedger/internal/server"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/vault"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const warmLimit = 50_000

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: SettleLedger starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger("settleledger")
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Decimals ---
	registry := fpmath.NewRegistry()
	if err := cfg.File.ApplyDecimals(registry); err != nil {
		log.Fatalf("FATAL: decimal overrides: %v", err)
	}
	codec := fpmath.NewCodec(registry)

	// --- Store ---
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()
	healthChecker.AddCheck("store", store.Ping)

	// --- Idempotency, warmed from recent provider events ---
	idem := core.NewIdempotencyStore(cfg.IdempotencyLRUCapacity, metrics)
	recent, err := store.RecentProviderEvents(ctx, min(warmLimit, cfg.IdempotencyLRUCapacity))
	if err != nil {
		log.Fatalf("FATAL: warm idempotency cache: %v", err)
	}
	idem.Warm(recent)
	log.Printf("INFO: idempotency cache warmed with %d keys", len(recent))

	// --- NATS (optional) ---
	var (
		sink       event.Sink = event.Discard{}
		nc         *nats.Conn
		js         jetstream.JetStream
		subscriber *ingestion.NATSSubscriber
		publisher  *ingestion.OutboundPublisher
	)
	if cfg.NATSURL != "" {
		conn, stream, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		nc, js = conn, stream
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure streams: %v", err)
		}
		publisher = ingestion.NewOutboundPublisher(js, cfg.PublishBuffer, metrics, observability.NewLogger("publisher"))
		sink = publisher
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !conn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		log.Println("INFO: NATS connected")
	}

	// --- Order lock (Redis optional) ---
	var locker execution.OrderLocker = execution.NewKeyedLocker()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("FATAL: redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("FATAL: redis ping: %v", err)
		}
		locker = execution.NewRedisOrderLocker(rdb, cfg.OrderLockTTL)
		healthChecker.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Println("INFO: Redis order lock enabled")
	}

	// --- External capabilities ---
	// Venue, vault and oracle run against simulated providers configured
	// from the YAML file.
	swap := mock.NewSwap(codec)
	for _, p := range cfg.File.Venue {
		if err := swap.SetPrices(p.Base, p.Quote, p.Prices...); err != nil {
			log.Fatalf("FATAL: venue prices %s/%s: %v", p.Base, p.Quote, err)
		}
	}
	refOracle := mock.NewOracle()
	for _, p := range cfg.File.Oracle.Prices {
		if len(p.Prices) > 0 {
			refOracle.SetPrice(p.Base, p.Quote, p.Prices[0])
		}
	}
	payments := provider.NewHMACProvider(cfg.PaymentProvider, cfg.WebhookSecret, cfg.WebhookTolerance)
	logger.Warn().Msg("swap venue, vault and oracle are simulated providers")

	// --- Domain services ---
	engine := execution.NewEngine(execution.Deps{
		Store:   store,
		Codec:   codec,
		Swap:    swap,
		Guard:   oracle.NewGuard(refOracle, cfg.OracleEnabled, oracle.WithMaxAge(cfg.OracleMaxAge)),
		Idem:    idem,
		Locker:  locker,
		Sink:    sink,
		Metrics: metrics,
		Logger:  observability.NewLogger("execution"),
	}, execution.Config{
		SlippageBps:  cfg.SlippageBps,
		MaxSpreadBps: cfg.MaxSpreadBps,
		ChunkTimeout: cfg.ChunkTimeout,
	})

	products, err := cfg.File.ProductList()
	if err != nil {
		log.Fatalf("FATAL: products: %v", err)
	}
	maxChunk, err := codec.ToUnits(cfg.QuoteAsset, cfg.MaxChunkAmount, fpmath.RoundTruncate)
	if err != nil {
		log.Fatalf("FATAL: max chunk amount: %v", err)
	}
	planner, err := autobuy.NewPlanner(products, maxChunk.Units, cfg.MaxChunks)
	if err != nil {
		log.Fatalf("FATAL: planner: %v", err)
	}

	vaults, err := vault.NewSettlement(vault.Deps{
		Store:    store,
		Codec:    codec,
		Provider: mock.NewVault(),
		Idem:     idem,
		Sink:     sink,
		Metrics:  metrics,
		Logger:   observability.NewLogger("vault"),
	}, cfg.File.VaultList())
	if err != nil {
		log.Fatalf("FATAL: vaults: %v", err)
	}

	pipeline := settlement.NewPipeline(settlement.Deps{
		Store:    store,
		Codec:    codec,
		Idem:     idem,
		Planner:  planner,
		Engine:   engine,
		Vault:    vaults,
		Payments: payments,
		Sink:     sink,
		Metrics:  metrics,
		Logger:   observability.NewLogger("settlement"),
	}, cfg.QuoteAsset)

	// --- Transport ---
	gateway, err := server.NewGateway(server.Deps{
		Pipeline:  pipeline,
		Orders:    execution.NewOrderService(engine, cfg.QuoteAsset),
		Queries:   query.NewQueryService(store, codec),
		Vault:     vaults,
		Parser:    ingestion.NewParser(cfg.PaymentProvider),
		Providers: []capability.PaymentProvider{payments},
		RateLimit: server.RateLimit{RequestsPerSecond: cfg.WebhookRPS, Burst: cfg.WebhookBurst},
		Metrics:   metrics,
		Logger:    observability.NewLogger("http"),
	})
	if err != nil {
		log.Fatalf("FATAL: gateway routes: %v", err)
	}
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, gateway.Handler(), healthChecker, observability.NewLogger("server"))

	if publisher != nil {
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ERROR: outbound publisher: %v", err)
			}
		}()
	}
	if cfg.AutoBuyResumeWindow > 0 {
		n, err := pipeline.ResumeAutoBuys(ctx, time.Now().Add(-cfg.AutoBuyResumeWindow))
		if err != nil {
			log.Printf("ERROR: resume auto-buys: %v", err)
		} else if n > 0 {
			log.Printf("INFO: resumed %d auto-buy runs", n)
		}
	}
	if js != nil {
		subscriber = ingestion.NewNATSSubscriber(js, ingestion.NewParser(cfg.PaymentProvider), func(ctx context.Context, in event.Inbound) error {
			_, err := pipeline.Handle(ctx, in)
			return err
		}, metrics, observability.NewLogger("nats"))
		if err := subscriber.Subscribe(ctx); err != nil {
			log.Fatalf("FATAL: subscribe: %v", err)
		}
	}

	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			log.Printf("ERROR: gRPC server: %v", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			log.Printf("ERROR: HTTP server: %v", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("INFO: metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: metrics server: %v", err)
		}
	}()

	srv.SetServing(true)
	log.Println("INFO: SettleLedger ready")

	<-ctx.Done()
	log.Println("INFO: shutdown signal received")
	srv.SetServing(false)

	if subscriber != nil {
		subscriber.Stop()
	}
	// Let scheduled auto-buys finish before closing the store.
	pipeline.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if nc != nil {
		_ = nc.Drain()
	}
	log.Println("INFO: SettleLedger stopped")
}

// openStore connects Postgres and applies migrations, or falls back to the
// in-memory store when no DSN is configured.
func openStore(ctx context.Context, cfg config.Config) (persistence.Store, func()) {
	if cfg.PostgresURL == "" {
		log.Println("WARN: SETTLE_POSTGRES_DSN not set, using in-memory store")
		return persistence.NewMemoryStore(), func() {}
	}
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")
	return persistence.NewPostgresStore(db), func() { db.Close() }
}
