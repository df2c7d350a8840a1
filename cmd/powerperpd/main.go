package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PowerPerp/internal/config"
	"PowerPerp/internal/core"
	"PowerPerp/internal/ingestion"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/periphery"
	"PowerPerp/internal/persistence"
	"PowerPerp/internal/projection"
	"PowerPerp/internal/query"
	"PowerPerp/internal/server"
	"PowerPerp/internal/simulation"
	"PowerPerp/migrations"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	zerolog.SetGlobalLevel(observability.ParseLevel(cfg.LogLevel))
	logger := observability.NewLogger("powerperpd")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("powerperpd exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("powerperpd starting")

	params, err := config.LoadParams(cfg.ParamsFile)
	if err != nil {
		return err
	}

	// serveCtx stops ingress; workers keep draining until their channels close.
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(serveCtx); err != nil {
		return err
	}

	applied, err := persistence.NewMigrator(db, migrations.FS).
		WithLogger(observability.NewLogger("migrate")).
		Up(serveCtx)
	if err != nil {
		return err
	}
	logger.Info().Int("applied", applied).Msg("postgres ready")

	// --- Market and controller ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	market := simulation.NewMarket(simulation.MarketConfig{
		FeeBps:  int64(cfg.SimPoolFeeBp),
		Metrics: metrics,
	})
	ethUsd, osqthEth, err := simPrices(cfg)
	if err != nil {
		return err
	}
	if cfg.SimEnabled {
		if err := market.SeedPrices(ethUsd, osqthEth, params.TwapPeriod); err != nil {
			return err
		}
	}

	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	idemChecker := persistence.NewPostgresIdempotencyChecker(db)
	coreLogger := observability.NewLogger("core")
	ccfg := market.ControllerConfig(params, time.Now())
	ccfg.IdempotencyCapacity = cfg.IdempotencyLRUCapacity
	ccfg.DBChecker = idemChecker
	ccfg.Logger = &coreLogger
	controller, err := core.NewController(ccfg, persistChan, projectionChan)
	if err != nil {
		return err
	}
	market.Attach(controller)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverState(serveCtx, snapMgr, controller, logger); err != nil {
		return err
	}
	keys, err := idemChecker.RecentKeys(serveCtx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load recent request keys")
	} else {
		controller.WarmLRU(keys)
	}

	// --- Read side ---
	var vaults persistence.VaultStore = persistence.NewPostgresVaultStore(db)
	var cache *persistence.CachedVaultStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		healthChecker.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		cache = persistence.NewCachedVaultStore(vaults, rdb, cfg.VaultCacheTTL)
		vaults = cache
		logger.Info().Str("addr", opts.Addr).Msg("vault cache enabled")
	}

	watermark, err := projection.LoadWatermark(serveCtx, db)
	if err != nil {
		return err
	}
	history := projection.NewNormalizationHistory(cfg.HistoryCapacity)
	queryService := query.NewQueryService(db, controller, vaults, history)

	// --- Workers ---
	var publishChan chan core.CoreOutput
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics).
		WithLogger(observability.NewLogger("persistence"))
	if cache != nil {
		persistWorker = persistWorker.WithCache(cache)
	}

	var natsConn *nats.Conn
	var subscriber *ingestion.NATSSubscriber
	var outbound *ingestion.OutboundPublisher
	var dispatcher *ingestion.Dispatcher
	rawChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		natsConn = nc
		defer natsConn.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !natsConn.IsConnected() {
				return fmt.Errorf("nats %s", natsConn.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(serveCtx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(serveCtx, js); err != nil {
			return err
		}
		publishChan = make(chan core.CoreOutput, cfg.PublishChanSize)
		persistWorker = persistWorker.WithPublisher(publishChan)
		outbound = ingestion.NewOutboundPublisher(js, publishChan).WithLogger(observability.NewLogger("publisher"))

		subjects := ingestion.DefaultSubjects()
		subscriber = ingestion.NewNATSSubscriber(js, rawChan).WithLogger(observability.NewLogger("nats"))
		if err := subscriber.Subscribe(serveCtx, subjects); err != nil {
			return err
		}
		dispatcher = ingestion.NewDispatcher(controller, subjects, metrics).WithLogger(observability.NewLogger("ingest"))
	}

	projWorker := projection.NewProjectionWorker(db, projectionChan).
		WithHistory(history).
		WithWatermark(watermark).
		WithLogger(observability.NewLogger("projection"))

	checkpointer := persistence.NewCheckpointer(snapMgr, controller, metrics).
		WithLogger(observability.NewLogger("snapshot"))

	helper := periphery.NewHelper(controller, market.Pool, market.Positions, metrics).
		WithLogger(observability.NewLogger("periphery"))

	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		Engine:        controller,
		Periphery:     helper,
		Query:         queryService,
		Ingest:        ingestion.NewAdminIngestService(controller, time.Now),
		DB:            db,
		Snapshot:      checkpointer.Take,
		HealthChecker: healthChecker,
		Logger:        &logger,
	})
	if err != nil {
		return err
	}

	// --- Start goroutines ---
	errChan := make(chan error, 8)
	var workers, ingress sync.WaitGroup

	goRun(&workers, errChan, "persistence", func() error { return persistWorker.Run(workerCtx) })
	goRun(&workers, errChan, "projection", func() error { return projWorker.Run(workerCtx) })
	var publisherDone sync.WaitGroup
	if outbound != nil {
		goRun(&publisherDone, errChan, "publisher", func() error { return outbound.Run(workerCtx) })
	}

	if dispatcher != nil {
		goRun(&ingress, errChan, "dispatcher", func() error { return dispatcher.Run(serveCtx, rawChan) })
	}
	goRun(&ingress, errChan, "grpc", func() error { return srv.StartGRPC(serveCtx) })
	goRun(&ingress, errChan, "http", func() error { return srv.StartHTTP(serveCtx) })
	goRun(&ingress, errChan, "snapshots", func() error { return checkpointer.Run(serveCtx, cfg.SnapshotInterval) })
	goRun(&ingress, errChan, "poke", func() error { return runPoke(serveCtx, controller, cfg.PokeInterval, logger) })

	if cfg.SimEnabled && !market.Seeded() {
		if _, err := market.SeedLiquidity(serveCtx, controller, fpmath.WadFromInt(10_000), ethUsd, osqthEth, logger); err != nil &&
			!errors.Is(err, core.ErrDuplicateRequest) {
			logger.Error().Err(err).Msg("seeding simulated pool failed")
		}
	}

	srv.SetServing(true)
	logger.Info().
		Int64("sequence", controller.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("nats", cfg.NATSURL != "").
		Bool("redis", cfg.RedisURL != "").
		Msg("powerperpd ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// Stop ingress, snapshot while the persistence worker still drains,
	// then close the pipeline in order.
	srv.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	stopServing()
	ingress.Wait()

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinal()
	if seq, err := checkpointer.Take(finalCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	close(persistChan)
	close(projectionChan)
	workers.Wait()
	if publishChan != nil {
		close(publishChan)
		publisherDone.Wait()
	}
	logger.Info().Msg("powerperpd shutdown complete")
	return nil
}

// recoverState restores the newest verified snapshot rolled forward to the
// head of the log. A cold start leaves the controller at genesis.
func recoverState(ctx context.Context, sm *persistence.SnapshotManager, c *core.Controller, logger zerolog.Logger) error {
	data, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	var st *core.SnapshotState
	if data != nil {
		if st, err = data.State(); err != nil {
			return err
		}
		logger.Info().Int64("sequence", st.Sequence).Msg("loaded snapshot")
	}
	st, err = sm.RollForward(ctx, st)
	if err != nil {
		return err
	}
	if st == nil {
		logger.Info().Msg("empty event log, cold start")
		return nil
	}
	if err := c.RestoreFromSnapshot(st); err != nil {
		return err
	}
	if c.StateHash() != st.StateHash {
		return errors.New("state hash mismatch after recovery")
	}
	return nil
}

func runPoke(ctx context.Context, c *core.Controller, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Poke(ctx); err != nil {
				logger.Warn().Err(err).Msg("normalization poke failed")
			}
		}
	}
}

func simPrices(cfg *config.Config) (ethUsd, osqthEth *big.Int, err error) {
	if ethUsd, err = fpmath.ParseWad(cfg.SimEthUsd); err != nil {
		return nil, nil, err
	}
	if osqthEth, err = fpmath.ParseWad(cfg.SimOsqthEth); err != nil {
		return nil, nil, err
	}
	return ethUsd, osqthEth, nil
}

func goRun(wg *sync.WaitGroup, errChan chan<- error, name string, fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case errChan <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
}
