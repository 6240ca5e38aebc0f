package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/api"
	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/api/websocket"
	"github.com/developer-mesh/timeline-sync/apps/sync-server/internal/session"
	"github.com/developer-mesh/timeline-sync/pkg/auth"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/conflict"
	commonconfig "github.com/developer-mesh/timeline-sync/pkg/common/config"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/developer-mesh/timeline-sync/pkg/resilience"
	"github.com/developer-mesh/timeline-sync/pkg/storage/archive"
	"github.com/developer-mesh/timeline-sync/pkg/storage/postgres"
	"github.com/developer-mesh/timeline-sync/pkg/storage/postgres/migration"
	"github.com/developer-mesh/timeline-sync/pkg/storage/redisstore"
	"github.com/developer-mesh/timeline-sync/pkg/timeline/projection"
)

func main() {
	// Local development reads secrets from .env
	_ = godotenv.Load()

	cfg, err := commonconfig.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := observability.Initialize("sync-server", observability.Config{
		Tracing: cfg.Tracing,
		Metrics: cfg.Metrics,
		Logging: cfg.Logging,
	}); err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer func() {
		if err := observability.Shutdown(); err != nil {
			log.Printf("Observability shutdown error: %v", err)
		}
	}()
	logger := observability.DefaultLogger
	metrics := observability.DefaultMetricsClient

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy, cfg.Sync.PriorityRanking)
	if err != nil {
		logger.Fatal("Invalid conflict strategy", map[string]interface{}{"error": err.Error()})
	}

	sessionCfg := session.DefaultConfig(projection.Factory)
	sessionCfg.Strategy = strategy
	sessionCfg.MaxPending = cfg.Sync.MaxPending
	sessionCfg.RingSize = cfg.Sync.EntityRingSize
	sessionCfg.CausalCacheSize = cfg.Sync.CausalCacheSize
	sessionCfg.QueueSize = cfg.Sync.CommandQueueSize
	sessionCfg.PresenceTTL = cfg.Presence.TTL
	sessionCfg.PresenceRetain = cfg.Presence.Retain
	sessionCfg.SweepInterval = cfg.Presence.SweepInterval

	checks := make(map[string]api.Checker)
	var (
		opts   []session.ManagerOption
		loader session.Loader
		hot    *redisstore.Store
	)

	if cfg.Redis.Enabled {
		redisCfg := redisstore.DefaultConfig()
		redisCfg.Addresses = []string{cfg.Redis.Address}
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.MaxLen = cfg.Redis.MaxLen
		if cfg.Redis.StreamPrefix != "" {
			redisCfg.StreamPrefix = cfg.Redis.StreamPrefix
		}
		if cfg.Redis.DialTimeout > 0 {
			redisCfg.DialTimeout = cfg.Redis.DialTimeout
		}
		client, err := redisstore.NewClient(ctx, redisCfg, logger.WithPrefix("redis"))
		if err != nil {
			logger.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer func() { _ = client.Close() }()

		breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig("redis"), logger, metrics)
		store := redisstore.NewStore(client, redisCfg, breaker, logger.WithPrefix("redisstore"))
		opts = append(opts, session.WithStore(store))
		loader, hot = store, store
		checks["redis"] = store
	}

	var snapshots postgres.SnapshotRepository
	if cfg.Database.Enabled {
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		}
		defer func() { _ = db.Close() }()

		if cfg.Database.AutoMigrate {
			migrator, err := migration.NewManager(db, migration.Config{MigrationsPath: cfg.Database.MigrationsPath}, logger.WithPrefix("migration"))
			if err != nil {
				logger.Fatal("Failed to create migration manager", map[string]interface{}{"error": err.Error()})
			}
			if err := migrator.Up(ctx); err != nil {
				logger.Fatal("Failed to apply migrations", map[string]interface{}{"error": err.Error()})
			}
			_ = migrator.Close()
		}

		snapshots = postgres.NewSnapshotRepository(db, logger.WithPrefix("snapshots"), observability.DefaultStartSpan, metrics)
		checks["postgres"] = api.CheckerFunc(db.PingContext)
	}

	var (
		archiver session.Archiver
		restorer session.Restorer
	)
	if cfg.Archive.Enabled {
		a, err := archive.NewS3Archiver(ctx, archive.Config{
			Enabled:        true,
			Bucket:         cfg.Archive.Bucket,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			Prefix:         cfg.Archive.Prefix,
			ForcePathStyle: cfg.Archive.Endpoint != "",
			ZstdLevel:      cfg.Archive.ZstdLevel,
		}, logger.WithPrefix("archive"))
		if err != nil {
			logger.Fatal("Failed to create archiver", map[string]interface{}{"error": err.Error()})
		}
		archiver, restorer = a, a
	}
	if snapshots != nil || archiver != nil {
		persister := session.NewStoragePersister(snapshots, archiver, logger.WithPrefix("persist"))
		// Compaction is only safe when the snapshot can point a restore at the archive
		if hot != nil && snapshots != nil && archiver != nil {
			persister.CompactAfterArchive(hot)
		}
		opts = append(opts, session.WithPersister(persister))
	}
	if snapshots != nil && restorer != nil {
		loader = session.NewArchiveLoader(loader, snapshots, restorer, logger.WithPrefix("restore"))
	}
	if loader != nil {
		opts = append(opts, session.WithLoader(loader))
	}

	manager := session.NewManager(session.ManagerConfig{
		Session:         sessionCfg,
		MaxSessions:     cfg.WebSocket.MaxConnections,
		IdleTimeout:     cfg.Presence.Retain,
		TeardownTimeout: cfg.Server.ShutdownTimeout,
	}, logger.WithPrefix("session"), metrics, opts...)

	authService := auth.NewService(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
	})

	wsCfg := websocket.ConfigFrom(cfg.WebSocket)
	if cfg.Server.WriteTimeout > 0 {
		wsCfg.WriteTimeout = cfg.Server.WriteTimeout
	}
	ws := websocket.NewServer(manager, authService, logger.WithPrefix("websocket"), metrics, wsCfg)

	server := api.NewServer(api.Config{
		ListenAddress: cfg.Server.ListenAddress,
		ReadTimeout:   cfg.Server.ReadTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
	}, api.Dependencies{
		WebSocket: ws,
		Sessions:  manager,
		Snapshots: snapshots,
		Auth:      authService,
		Gatherer:  gatherer(cfg),
		Checks:    checks,
		Logger:    logger.WithPrefix("api"),
		Metrics:   metrics,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received shutdown signal", nil)
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer shutdownCancel()

		// Close the websockets before the HTTP server so hijacked
		// connections do not hold Shutdown open
		if err := ws.Shutdown(shutdownCtx); err != nil {
			logger.Warn("WebSocket shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", map[string]interface{}{"error": err.Error()})
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("Session manager shutdown error", map[string]interface{}{"error": err.Error()})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", map[string]interface{}{"error": err.Error()})
		return
	}
	logger.Info("Server stopped gracefully", nil)
}

func gatherer(cfg *commonconfig.Config) prometheus.Gatherer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return prometheus.DefaultGatherer
}

func shutdownTimeout(cfg *commonconfig.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
