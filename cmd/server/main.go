package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/coride/internal/cluster"
	"github.com/example/coride/internal/config"
	"github.com/example/coride/internal/feed"
	"github.com/example/coride/internal/fleet"
	"github.com/example/coride/internal/geo"
	httpapi "github.com/example/coride/internal/http"
	"github.com/example/coride/internal/ingest"
	"github.com/example/coride/internal/logging"
	"github.com/example/coride/internal/matcher"
	"github.com/example/coride/internal/routing"
	"github.com/example/coride/internal/scoring"
	"github.com/example/coride/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig(".env")
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	drivers := fleet.NewRegistry(geo.NewIndexWithCell(cfg.GeoCellDegrees))
	clusters := cluster.NewRegistry()
	drivers.OnLeave(clusters.Leave)

	if cfg.FleetSeedFile != "" {
		updates, err := fleet.LoadSeedFile(cfg.FleetSeedFile)
		if err != nil {
			return err
		}
		n, err := drivers.Seed(updates)
		if err != nil {
			logger.Warn("some seed drivers rejected", "error", err)
		}
		logger.Info("fleet seeded", "file", cfg.FleetSeedFile, "drivers", n)
	}

	scorer := scoring.NewScorer(scoring.Config{
		Weights: scoring.Weights{
			Detour:  cfg.WeightDetour,
			Overlap: cfg.WeightOverlap,
			Seats:   cfg.WeightSeats,
		},
		MaxDetourMeters: cfg.MaxDetourMeters,
		CorridorMeters:  cfg.CorridorMeters,
	})
	assigner := cluster.NewAssigner(cluster.Config{
		ProximityMeters: cfg.ClusterProximityMeters,
		MinOverlap:      cfg.ClusterMinOverlap,
	}, scorer.Overlap, clusters)

	var router routing.Router = routing.StraightLine{}
	if cfg.OSRMURL != "" {
		router = &routing.CachedRouter{Next: routing.NewOSRMClient(cfg.OSRMURL), Cache: routing.NewCache(cfg.RouteCacheTTL, 0)}
		logger.Info("road routing enabled", "osrm_url", cfg.OSRMURL)
	}

	results, closeStores := openStores(ctx, cfg, logger)
	defer closeStores()

	var publisher ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer

		consumer := feed.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, drivers, logger.With("component", "feed"))
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("feed consumer failed", "error", err)
			}
		}()
		logger.Info("driver feed enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	}

	svc := &matcher.Service{
		Fleet:        drivers,
		Scorer:       scorer,
		Clusterer:    assigner,
		Router:       router,
		Store:        results,
		Logger:       logger.With("component", "matcher"),
		RadiusMeters: cfg.SearchRadiusMeters,
		MaxResults:   cfg.SearchMaxResults,
		Workers:      cfg.SearchWorkers,
	}
	api := httpapi.NewServer(httpapi.Options{
		Searcher:  svc,
		Results:   results,
		Fleet:     drivers,
		Clusters:  clusters,
		Publisher: publisher,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("search service listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStores builds the result store chain: Redis or memory as the cache,
// Postgres as the archive when configured. Backends that cannot be reached
// at boot are skipped with a warning.
func openStores(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.SearchStore, func()) {
	var closers []func() error
	layered := &storage.Layered{}

	if cfg.RedisAddr != "" {
		rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, caching results in memory", "addr", cfg.RedisAddr, "error", err)
			_ = rs.Close()
		} else {
			layered.Cache = rs
			closers = append(closers, rs.Close)
		}
	}
	if layered.Cache == nil {
		mem := storage.NewMemoryStore()
		go mem.RunPurger(ctx, time.Minute)
		layered.Cache = mem
	}

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres unavailable, search archive disabled", "error", err)
		} else {
			closers = append(closers, ps.Close)
			layered.Archive = ps
			if cfg.RunMigrations {
				if err := ps.Migrate(ctx, cfg.MigrationPath); err != nil {
					logger.Error("migration failed", "error", err)
				} else {
					logger.Info("migration applied", "path", cfg.MigrationPath)
				}
			}
		}
	}

	return layered, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}
