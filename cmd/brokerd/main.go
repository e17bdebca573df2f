// Command brokerd runs the pixybroker message broker: core pub/sub
// engine, HTTP+WebSocket transport, and optional Postgres-backed
// persistence, composed at startup into a single long-running
// process that shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pixybroker/data/cache"
	"github.com/sawpanic/pixybroker/internal/broker"
	"github.com/sawpanic/pixybroker/internal/config"
	httptransport "github.com/sawpanic/pixybroker/internal/interfaces/http"
	pixylog "github.com/sawpanic/pixybroker/internal/log"
	"github.com/sawpanic/pixybroker/internal/metrics"
	"github.com/sawpanic/pixybroker/internal/net/ratelimit"
	"github.com/sawpanic/pixybroker/internal/persistence"
	"github.com/sawpanic/pixybroker/internal/persistence/memstore"
	"github.com/sawpanic/pixybroker/internal/persistence/postgres"
	"github.com/sawpanic/pixybroker/internal/stream"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logging isn't configured yet; a bad config is loud on stderr
		// either way.
		println("config error:", err.Error())
		os.Exit(1)
	}

	pixylog.Setup(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().Str("environment", cfg.Broker.Environment).Msg("starting pixybroker")

	repo, closeRepo := openRepository(cfg)
	defer closeRepo()

	var historyCache cache.Cache
	if cfg.Redis.Addr != "" {
		historyCache = cache.NewAuto()
	} else {
		historyCache = cache.New()
	}

	collector := metrics.NewCollector()
	exporter := metrics.NewPrometheusExporter()
	adapter := persistence.NewAdapter(repo, cfg.Postgres.QueryTimeout)

	collectCtx, stopCollecting := context.WithCancel(context.Background())
	defer stopCollecting()
	go collector.StartCollection(collectCtx)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	bridge, stopBridge := openBridge(cfg)
	defer stopBridge()

	b := broker.NewBroker(&broker.BrokerOptions{
		Cache:              historyCache,
		Persister:          adapter,
		RateLimiter:        limiter,
		DeadLetterCapacity: cfg.Broker.DeadLetterMaxSize,
		DeadLetterPolicy:   deadLetterPolicy(cfg.Broker.DeadLetterAuditOnDrop),
		EventSink:          broker.EventSinkFunc(observeEvent(collector, exporter, adapter)),
		Bridge:             bridge,
		InternalErrorHook: func(err error) {
			log.Error().Err(err).Msg("internal broker error")
		},
	})
	go b.Run()
	defer b.Shutdown()

	server, err := httptransport.NewServer(httptransport.ServerConfig{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, b, promhttp.HandlerFor(exporter.Registry(), promhttp.HandlerOpts{}))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start http server")
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	log.Info().Str("addr", server.Address()).Msg("pixybroker listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("pixybroker shutdown complete")
}

// openRepository wires Postgres when configured, otherwise falls back
// to the in-memory store so brokerd runs with zero external
// dependencies by default.
func openRepository(cfg *config.Config) (*persistence.Repository, func()) {
	if !cfg.Postgres.Enabled {
		log.Info().Msg("persistence: in-memory (postgres disabled)")
		return memstore.New().Repository(), func() {}
	}

	db, err := sqlx.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open postgres connection")
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}

	log.Info().Msg("persistence: postgres")
	return &persistence.Repository{
		Topics:      postgres.NewTopicsRepo(db, cfg.Postgres.QueryTimeout),
		Messages:    postgres.NewMessagesRepo(db, cfg.Postgres.QueryTimeout),
		Groups:      postgres.NewGroupsRepo(db, cfg.Postgres.QueryTimeout),
		DeadLetters: postgres.NewDeadLetterRepo(db, cfg.Postgres.QueryTimeout),
		Audit:       postgres.NewAuditRepo(db, cfg.Postgres.QueryTimeout),
	}, func() { _ = db.Close() }
}

// openBridge constructs the optional external event-bus mirror
// (spec.md §4.11) from cfg.Stream. When disabled it returns a nil
// EventBus, which Broker treats as "no mirroring configured."
func openBridge(cfg *config.Config) (stream.EventBus, func()) {
	if !cfg.Stream.Enabled {
		log.Info().Msg("stream bridge: disabled")
		return nil, func() {}
	}

	bus, err := stream.NewEventBus(stream.BusType(cfg.Stream.Backend), stream.BusConfig{
		Brokers:  cfg.Stream.Brokers,
		ClientID: cfg.Stream.ClientID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct stream bridge")
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Start(startCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start stream bridge")
	}

	log.Info().Str("backend", cfg.Stream.Backend).Msg("stream bridge: started")
	return bus, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bus.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("stream bridge shutdown error")
		}
	}
}

// observeEvent adapts broker lifecycle events onto the Prometheus
// collector and, for critical-audit events, the persistence layer's
// append-only audit log.
func observeEvent(collector *metrics.Collector, exporter *metrics.PrometheusExporter, adapter *persistence.Adapter) func(broker.Event) {
	return func(evt broker.Event) {
		topic, _ := evt.Data["topic"].(string)
		switch evt.Type {
		case broker.EventMessagePublished:
			collector.RecordPublished(topic)
			exporter.IncPublished()
		case broker.EventMessageDelivered:
			collector.RecordDelivered(topic)
			exporter.IncDelivered()
		case broker.EventMessageQueued:
			collector.RecordQueued(topic)
			exporter.IncQueued()
		case broker.EventMessageFailed:
			collector.RecordFailed(topic)
			exporter.IncFailed()
		case broker.EventCriticalAudit:
			if err := adapter.AppendAudit(evt.Type, evt.Data); err != nil {
				log.Error().Err(err).Msg("failed to append audit record")
			}
		}
	}
}

func deadLetterPolicy(auditOnDrop bool) broker.FullPolicy {
	if auditOnDrop {
		return broker.DropAndAudit
	}
	return broker.DropSilently
}
