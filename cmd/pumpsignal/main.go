package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/chaindata"
	"github.com/nexus-trading/pumpsignal/internal/clickhouse"
	"github.com/nexus-trading/pumpsignal/internal/config"
	"github.com/nexus-trading/pumpsignal/internal/conviction"
	"github.com/nexus-trading/pumpsignal/internal/feed"
	"github.com/nexus-trading/pumpsignal/internal/kol"
	"github.com/nexus-trading/pumpsignal/internal/observability"
	"github.com/nexus-trading/pumpsignal/internal/rugguard"
	sig "github.com/nexus-trading/pumpsignal/internal/signal"
	"github.com/nexus-trading/pumpsignal/internal/solana"
	"github.com/nexus-trading/pumpsignal/internal/storage/migrations"
	"github.com/nexus-trading/pumpsignal/internal/storage/postgres"
	"github.com/nexus-trading/pumpsignal/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/pumpsignal.yaml", "path to configuration file")
	stubRPC := flag.Bool("stub", false, "use the in-memory Solana RPC stub")
	flag.Parse()

	// 1. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance", cfg.General.InstanceID).
		Str("env", cfg.General.Environment).
		Str("feed", cfg.Feed.Endpoint).
		Bool("stub_rpc", *stubRPC).
		Int("kol_wallets", len(cfg.KOL.Wallets)).
		Int("pre_exit_threshold", cfg.Scoring.PreExitThreshold).
		Int("post_exit_threshold", cfg.Scoring.PostExitThreshold).
		Msg("pumpsignal starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	health := observability.NewHealthMonitor(cfg.Metrics.HealthInterval)

	// 3. Chain data: RPC + market data behind the shared caches.
	var rpc solana.RPCClient
	if *stubRPC {
		rpc = solana.NewStubRPCClient()
		log.Warn().Msg("Using stub RPC client, chain data is empty")
	} else {
		live := solana.NewLiveRPCClient(cfg.Solana)
		healthCtx, healthCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := live.Health(healthCtx); err != nil {
			log.Warn().Err(err).Msg("Solana RPC health check failed, continuing")
		}
		healthCancel()
		rpc = live
		health.Register("solana_rpc", observability.PingCheck(live.Health, false))
	}

	market := chaindata.NewMarketClient(cfg.MarketData)
	chain := chaindata.NewService(cfg.Cache, rpc, market, chaindata.WithObserver(metrics))

	// 4. Feed and wallet tracking. Tracked wallets are always streamed.
	wallets := kol.NewTracker(cfg.KOL)
	feedCfg := cfg.Feed
	for _, w := range cfg.KOL.Wallets {
		feedCfg.TrackedAccounts = append(feedCfg.TrackedAccounts, w.Address)
	}
	ingestor := feed.NewIngestor(feedCfg)
	health.Register("feed", observability.FeedCheck(ingestor.Connected))

	// 5. Scoring.
	guard := rugguard.New(cfg.RugGuard)
	scorer := conviction.NewScorer(cfg.Scoring.Config, wallets, ingestor, chain, guard)

	// 6. Signal output: Postgres and Kafka when configured, log otherwise.
	var (
		pool      *postgres.Pool
		store     sig.Persistence
		publisher sig.Publisher
		kafka     *sig.KafkaPublisher
	)
	if cfg.PostgresEnabled() {
		pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		if cfg.Postgres.Migrate {
			if err := migrations.RunPostgres(ctx, pool); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply Postgres migrations")
			}
			log.Info().Msg("Postgres migrations applied")
		}
		store = postgres.NewSignalStore(pool)
		health.Register("postgres", observability.PingCheck(pool.Ping, false))
	}
	if cfg.KafkaEnabled() {
		kafka, err = sig.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka publisher")
		}
		publisher = kafka
		health.Register("kafka", observability.PingCheck(kafka.Ping, false))
	}
	dispatcher := sig.NewDispatcher(cfg.Scoring.Dispatch, store, publisher)

	// 7. Lifecycle tracker.
	lifecycle := tracker.New(cfg.Tracker, scorer, dispatcher.OnSignal)
	lifecycle.SetEnricher(chain)
	lifecycle.SetWallets(wallets)
	lifecycle.SetSubscriber(ingestor)
	lifecycle.SetObserver(metrics)

	// 8. Evaluation history.
	var (
		chClient *clickhouse.Client
		writer   *clickhouse.EvaluationWriter
	)
	if cfg.ClickHouseEnabled() {
		chClient, err = clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
		}
		if cfg.ClickHouse.CreateTable {
			if err := chClient.EnsureSchema(ctx, cfg.ClickHouse.Database); err != nil {
				log.Fatal().Err(err).Msg("Failed to create ClickHouse schema")
			}
		}
		writer = clickhouse.NewEvaluationWriter(chClient, cfg.ClickHouse.Database,
			cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
		lifecycle.SetSink(writer)
		health.Register("clickhouse", observability.PingCheck(chClient.Ping, false))
	}

	metrics.CounterFunc("pumpsignal_feed_reconnects_total", "Feed reconnects.",
		func() float64 { return float64(ingestor.Stats().Reconnects) })
	metrics.CounterFunc("pumpsignal_feed_dropped_total", "Feed events dropped on a full buffer.",
		func() float64 { return float64(ingestor.Stats().Dropped) })
	metrics.GaugeFunc("pumpsignal_tracked_tokens", "Tokens under tracking.",
		func() float64 { return float64(lifecycle.Stats().Tracked) })
	metrics.GaugeFunc("pumpsignal_feed_subscriptions", "Open per-token trade subscriptions.",
		func() float64 { return float64(ingestor.Stats().Subscriptions) })

	// 9. Signal handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Warn().Str("signal", s.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 10. Start services.
	var wg sync.WaitGroup

	events := ingestor.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		lifecycle.Run(ctx, events)
	}()

	if writer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writer.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()

	// HTTP health/stats/metrics endpoint.
	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			mux.Handle("/health", health.Handler())
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
				combined := map[string]any{
					"feed":       ingestor.Stats(),
					"tracker":    lifecycle.Stats(),
					"chain":      chain.Stats(),
					"market":     market.Stats(),
					"kol":        wallets.Stats(),
					"dispatcher": dispatcher.Stats(),
				}
				if writer != nil {
					combined["clickhouse"] = writer.Stats()
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(combined)
			})

			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			log.Info().Str("addr", addr).Msg("HTTP server started (health + stats + metrics)")

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				server.Shutdown(shutdownCtx)
			}()

			if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Error().Err(srvErr).Msg("HTTP server error")
			}
		}()
	}

	// Periodic cleanup of tracked state and caches.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.General.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := lifecycle.Cleanup()
				purged := chain.Purge()
				wallets.Cleanup(cfg.Tracker.MaxAge)
				ingestor.Cleanup(cfg.Tracker.MaxAge)
				if removed > 0 || purged > 0 {
					log.Debug().Int("tokens", removed).Int("cache_entries", purged).Msg("cleanup")
				}
			}
		}
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.General.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fs := ingestor.Stats()
				ts := lifecycle.Stats()
				cs := chain.Stats()
				ds := dispatcher.Stats()
				log.Info().
					Bool("feed_connected", fs.Connected).
					Int64("events", fs.EventsOut).
					Int64("dropped", fs.Dropped).
					Int("subscriptions", fs.Subscriptions).
					Int("tracked", ts.Tracked).
					Int("pending", ts.Pending).
					Int64("reanalyses", ts.Reanalyses).
					Int64("coalesced", ts.Coalesced).
					Int64("signals", ts.Signals).
					Int64("holder_fetches", cs.HolderFetches).
					Int64("stale_served", cs.StaleServed).
					Int64("posted", ds.Posted).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("Pipeline: Feed -> Lifecycle Tracker -> Conviction Scorer (RugGuard + ChainData) -> Signal Dispatcher")

	// 11. Block until shutdown.
	<-ctx.Done()

	// 12. Graceful shutdown.
	log.Info().Msg("Shutting down pumpsignal...")

	wg.Wait()
	lifecycle.Wait()
	dispatcher.Wait()

	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Error().Err(err).Msg("ClickHouse writer close failed")
		}
		chClient.Close()
	}
	if kafka != nil {
		kafka.Close()
	}
	if pool != nil {
		pool.Close()
	}

	ts := lifecycle.Stats()
	ds := dispatcher.Stats()
	log.Info().
		Int64("reanalyses", ts.Reanalyses).
		Int64("signals", ts.Signals).
		Int64("dispatched", ds.Dispatched).
		Int64("posted", ds.Posted).
		Int64("save_failed", ds.SaveFailed).
		Int64("publish_failed", ds.PublishFailed).
		Msg("pumpsignal - Final Statistics")

	log.Info().Msg("pumpsignal - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "pumpsignal").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "pumpsignal").
			Str("instance", general.InstanceID).Logger()
	}
}
