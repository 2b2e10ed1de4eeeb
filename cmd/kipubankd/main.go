package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/AlanLeo32/kipubankv3/internal/asset"
	"github.com/AlanLeo32/kipubankv3/internal/config"
	"github.com/AlanLeo32/kipubankv3/internal/custody"
	"github.com/AlanLeo32/kipubankv3/internal/event"
	"github.com/AlanLeo32/kipubankv3/internal/exchange"
	"github.com/AlanLeo32/kipubankv3/internal/ledger"
	"github.com/AlanLeo32/kipubankv3/internal/observability"
	"github.com/AlanLeo32/kipubankv3/internal/persistence"
	"github.com/AlanLeo32/kipubankv3/internal/projection"
	"github.com/AlanLeo32/kipubankv3/internal/query"
	"github.com/AlanLeo32/kipubankv3/internal/server"
	"github.com/AlanLeo32/kipubankv3/internal/stream"
	"github.com/AlanLeo32/kipubankv3/internal/vault"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: kipubankd starting...")

	cfg := config.Load()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Asset registry ---
	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("FATAL: asset registry: %v", err)
	}
	log.Printf("INFO: assets registered: %v (unit %s)", registry.Symbols(), registry.Unit().Symbol)

	// --- Recovery: snapshot restore + replay ---
	led := ledger.NewLedger(cfg.CapacityCeiling)
	store := persistence.NewSnapshotStore(db)

	replayed, err := persistence.RecoverLedger(ctx, store, led, metrics)
	if err != nil {
		log.Fatalf("FATAL: ledger recovery: %v", err)
	}
	log.Printf("INFO: ledger recovered (replayed=%d, next_seq=%d, total=%d)",
		replayed, led.NextSeq(), led.Total())

	// --- Channels ---
	// The persist feed blocks settlement under backpressure; the projection
	// and event feeds drop when full and are recovered out of band.
	persistCh := make(chan ledger.Operation, cfg.PersistChanSize)
	projectionCh := make(chan ledger.Operation, cfg.ProjectionChanSize)
	eventsCh := make(chan event.Envelope, cfg.EventsChanSize)

	// --- Collaborators ---
	router, custodian := buildCollaborators(cfg)

	custodyAccount, err := resolveCustodyAccount(cfg.CustodyAccount)
	if err != nil {
		log.Fatalf("FATAL: custody account: %v", err)
	}

	// --- Vault ---
	// A tolerance an administrator stored earlier wins over the configured
	// default, so admin updates survive restarts.
	slippage := cfg.SlippageBps
	if stored, ok, err := persistence.LoadSlippageTolerance(ctx, db); err != nil {
		log.Printf("WARN: load stored slippage tolerance: %v", err)
	} else if ok {
		slippage = stored
		log.Printf("INFO: slippage tolerance restored from state: %d bps", stored)
	}

	params := vault.NewParams()
	if err := params.SetSlippageTolerance(slippage); err != nil {
		log.Fatalf("FATAL: slippage tolerance %d bps: %v", slippage, err)
	}

	v, err := vault.New(vault.Config{
		Ledger:          led,
		Router:          router,
		Custodian:       custodian,
		Registry:        registry,
		Params:          params,
		WithdrawCeiling: cfg.WithdrawCeiling,
		CustodyAccount:  custodyAccount,
		DedupeCapacity:  cfg.DedupeCapacity,
		DBChecker:       persistence.NewPostgresOpChecker(db),
		PersistCh:       persistCh,
		ProjectionCh:    projectionCh,
		EventsCh:        eventsCh,
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatalf("FATAL: vault: %v", err)
	}

	// --- Dedupe warming ---
	keys, err := store.RecentOpKeys(ctx, cfg.DedupeCapacity)
	if err != nil {
		log.Printf("WARN: dedupe cache warm failed: %v", err)
	} else if len(keys) > 0 {
		log.Printf("INFO: warming dedupe cache with %d keys", len(keys))
		v.WarmDedupe(keys)
	}

	// --- NATS ---
	nc, js, err := stream.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := stream.EnsureStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	// --- HTTP API ---
	if cfg.AdminToken == "" {
		log.Println("WARN: KIPU_ADMIN_TOKEN not set, admin endpoints will reject all requests")
	}
	httpServer, err := server.New(server.Config{
		Addr:       cfg.HTTPAddr,
		AdminToken: cfg.AdminToken,
		Vault:      v,
		Query:      query.NewService(db),
		DB:         db,
		Health:     healthChecker,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf("FATAL: http server: %v", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker. Runs on a background context on purpose: the
	// durable feed must drain to channel close, or cancellation would strand
	// committed operations in the buffer.
	persistWorker := persistence.NewWorker(db, persistCh, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		errChan <- persistWorker.Run(context.Background())
	}()

	// 2. Projection worker
	projWorker := projection.NewWorker(db, projectionCh)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	publisher := stream.NewPublisher(js, eventsCh, metrics)
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// 4. HTTP API server
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		errChan <- httpServer.Start(ctx)
	}()

	// 5. Periodic snapshots
	go func() {
		runPeriodicSnapshots(ctx, led, store, cfg.SnapshotInterval, metrics)
	}()

	// 6. Channel utilization sampler
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistCh), cap(persistCh))
				metrics.SetChannelMetrics("projection", len(projectionCh), cap(projectionCh))
				metrics.SetChannelMetrics("events", len(eventsCh), cap(eventsCh))
			}
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: kipubankd ready (next_seq=%d, http=%s, capacity=%d, withdraw_ceiling=%d)",
		led.NextSeq(), cfg.HTTPAddr, cfg.CapacityCeiling, cfg.WithdrawCeiling)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	cancel()

	// The API drains in-flight requests before returning; settlement keeps
	// feeding the worker channels until then.
	select {
	case <-httpDone:
	case <-time.After(15 * time.Second):
		log.Println("WARN: http server did not stop in time")
	}

	// Take the settlement guard so nothing can send after the close below.
	if !v.Quiesce(30 * time.Second) {
		log.Println("WARN: an operation is still in flight, skipping channel close")
	} else {
		close(persistCh)
		close(projectionCh)
		close(eventsCh)

		select {
		case <-persistDone:
		case <-time.After(30 * time.Second):
			log.Println("WARN: persistence worker did not drain in time")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, led, store, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: kipubankd shutdown complete")
}

// buildCollaborators picks the exchange and custody implementations. Stub
// mode serves local development without venue infrastructure; routes come
// from KIPU_STUB_RATES and custody transfers always succeed.
func buildCollaborators(cfg config.Config) (exchange.Router, custody.Custodian) {
	if cfg.ExchangeMode != config.ExchangeModeStub {
		return exchange.NewHTTPRouter(cfg.RouterURL, cfg.RouterToken, cfg.CollaboratorTimeout),
			custody.NewHTTPCustodian(cfg.CustodyURL, cfg.CustodyToken, cfg.CollaboratorTimeout)
	}

	stub := exchange.NewStubRouter()
	for _, r := range cfg.StubRates {
		stub.SetRate(r.Symbol, exchange.Rate{Num: r.Num, Den: r.Den})
	}
	log.Printf("WARN: stub collaborators active (%d routes), not for production use", len(cfg.StubRates))
	return stub, custody.NewStubCustodian()
}

// buildRegistry assembles the asset registry from configuration: the unit of
// account, the rail-native asset, and any extra routed assets.
func buildRegistry(cfg config.Config) (*asset.Registry, error) {
	unit := asset.Asset{Symbol: cfg.UnitSymbol, Decimals: int32(cfg.UnitDecimals)}

	assets := make([]asset.Asset, 0, len(cfg.ExtraAssets)+1)
	assets = append(assets, asset.Asset{
		Symbol:   cfg.NativeSymbol,
		Decimals: int32(cfg.NativeDecimals),
		Native:   true,
	})
	for _, spec := range cfg.ExtraAssets {
		assets = append(assets, asset.Asset{Symbol: spec.Symbol, Decimals: int32(spec.Decimals)})
	}

	return asset.NewRegistry(unit, assets...)
}

// resolveCustodyAccount parses the configured custody identity. An empty
// value generates a fresh one for the run, which is fine for development but
// means swap output lands in a different custody account after a restart.
func resolveCustodyAccount(raw string) (uuid.UUID, error) {
	if raw == "" {
		id := uuid.New()
		log.Printf("WARN: KIPU_CUSTODY_ACCOUNT not set, generated %s for this run", id)
		return id, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("custody account must be non-zero")
	}
	return id, nil
}

// --- Snapshot helpers ---

// runPeriodicSnapshots saves a snapshot every interval committed operations.
func runPeriodicSnapshots(
	ctx context.Context,
	led *ledger.Ledger,
	store *persistence.SnapshotStore,
	interval uint64,
	metrics *observability.Metrics,
) {
	if interval == 0 {
		interval = 100_000
	}

	lastSnapshotSeq := led.NextSeq()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := led.NextSeq()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, led, store, metrics); err != nil {
					log.Printf("WARN: periodic snapshot failed: %v", err)
				} else {
					lastSnapshotSeq = currentSeq
					log.Printf("INFO: periodic snapshot at sequence %d", currentSeq-1)
				}
			}
		}
	}
}

// takeSnapshot captures the ledger state and persists it.
func takeSnapshot(
	ctx context.Context,
	led *ledger.Ledger,
	store *persistence.SnapshotStore,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	snap := led.Snapshot()
	if err := store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Taken from live state, so it can serve recovery immediately.
	if err := store.MarkVerified(ctx, snap.NextSeq-1); err != nil {
		log.Printf("WARN: mark snapshot verified failed: %v", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.NextSeq - 1))
	}

	return nil
}
