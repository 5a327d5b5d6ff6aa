package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/audit"
	"github.com/tysjosh/mindshop-sub016/internal/cache"
	"github.com/tysjosh/mindshop-sub016/internal/config"
	"github.com/tysjosh/mindshop-sub016/internal/db"
	dbMemory "github.com/tysjosh/mindshop-sub016/internal/db/memory"
	dbPostgres "github.com/tysjosh/mindshop-sub016/internal/db/postgres"
	dbRedis "github.com/tysjosh/mindshop-sub016/internal/db/redis"
	"github.com/tysjosh/mindshop-sub016/internal/domain"
	"github.com/tysjosh/mindshop-sub016/internal/encryption"
	"github.com/tysjosh/mindshop-sub016/internal/isolation"
	logpkg "github.com/tysjosh/mindshop-sub016/internal/logger"
	"github.com/tysjosh/mindshop-sub016/internal/metrics"
	"github.com/tysjosh/mindshop-sub016/internal/pool"
	documentrepo "github.com/tysjosh/mindshop-sub016/internal/repository/document"
	"github.com/tysjosh/mindshop-sub016/internal/repository/embcache"
	"github.com/tysjosh/mindshop-sub016/internal/tenantdb"
	chiTransport "github.com/tysjosh/mindshop-sub016/internal/transport/chi"
	openaiEmb "github.com/tysjosh/mindshop-sub016/internal/transport/openai"
	documentuc "github.com/tysjosh/mindshop-sub016/internal/usecase/document"
	healthuc "github.com/tysjosh/mindshop-sub016/internal/usecase/health"
	"github.com/tysjosh/mindshop-sub016/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mindshop API server",
		zap.String("version", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("cache_driver", cfg.Cache.Driver),
		zap.Int("api_keys", len(cfg.Auth.APIKeys)),
	)

	metrics.Register()

	ctx := context.Background()

	// SQL store
	sqlStore, err := dbPostgres.Open(dbPostgres.Config{
		DSN:             cfg.Database.ConnString(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: seconds(cfg.Database.ConnLifetimeSec),
		ConnMaxIdleTime: seconds(cfg.Database.IdleTimeoutSec),
	})
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = sqlStore.Close() }()

	if err := sqlStore.WaitForReady(ctx, seconds(cfg.Database.ReadinessTimeout)); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	if err := sqlStore.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}
	if !sqlStore.HasVectorIndex(ctx) {
		logger.Warn("Vector index missing, similarity search will scan")
	}
	logger.Info("Connected to database")

	// Cache backend
	cacheStore, err := openCacheStore(ctx, cfg.Cache)
	if err != nil {
		logger.Fatal("Failed to create cache store", zap.Error(err))
	}
	defer cacheStore.Close()
	logger.Info("Cache store ready", zap.String("driver", cfg.Cache.Driver))

	// Tenant-isolated connection
	enc, err := encryption.New([]byte(cfg.Security.MasterKey))
	if err != nil {
		logger.Fatal("Failed to create encryption service", zap.Error(err))
	}
	auditBuf := audit.NewBuffer(audit.Config{
		MaxEntries: cfg.Audit.MaxEntries,
		MaxAge:     seconds(cfg.Audit.MaxAgeSec),
	}, audit.NewLogSink(logger), metrics.AuditBufferSize)
	interceptor := isolation.New(isolation.Config{
		TenantTables: cfg.Security.TenantTables,
		SharedTables: cfg.Security.SharedTables,
	})
	conn := tenantdb.New(sqlStore, interceptor, enc, auditBuf, tenantdb.Config{
		SensitiveFields: cfg.Security.SensitiveFields,
	}, logger)

	// Worker pools
	searchPool, err := pool.New("search", pool.SearchConfig(cfg.Workers.SearchCapacity), logger)
	if err != nil {
		logger.Fatal("Failed to create search pool", zap.Error(err))
	}
	revalPool, err := pool.New("revalidate", pool.BackgroundConfig(cfg.Workers.RevalidateCapacity), logger)
	if err != nil {
		logger.Fatal("Failed to create revalidation pool", zap.Error(err))
	}

	// Cache layer and repository
	cacheLayer := cache.New(cacheStore, revalPool, cache.Config{
		Prefix:            cfg.Cache.KeyPrefix,
		RevalidateTimeout: seconds(cfg.Cache.RevalidateTimeoutSec),
	}, cache.Metrics{
		Requests:      metrics.CacheRequestsTotal,
		Revalidations: metrics.CacheRevalidationsTotal,
	}, logger)

	docRepo := documentrepo.New(conn, cacheLayer, searchPool, documentrepo.Config{
		DocumentTTL: seconds(cfg.Cache.DocumentTTLSec),
		SKUTTL:      seconds(cfg.Cache.SKUTTLSec),
		VectorTTL:   seconds(cfg.Cache.VectorTTLSec),
		StatsTTL:    seconds(cfg.Cache.StatsTTLSec),
		StaleTTL:    seconds(cfg.Cache.StaleTTLSec),
		GracePeriod: seconds(cfg.Cache.GracePeriodSec),
	}, logger)

	// Optional query embedder
	var (
		queryEmbedder documentuc.Embedder
		embHealth     healthuc.EmbeddingChecker
	)
	if cfg.Embedding.Enabled() {
		e := buildEmbedder(cfg.Embedding, cacheLayer, logger)
		queryEmbedder = e
		embHealth = newEmbeddingHealthChecker(e)
		logger.Info("Embedder created",
			zap.String("provider", cfg.Embedding.Provider),
			zap.String("model", cfg.Embedding.Model),
			zap.Int("dimensions", cfg.Embedding.Dimensions),
		)
	} else {
		logger.Info("Embedding provider not configured, text search disabled")
	}

	docSvc := documentuc.New(docRepo, queryEmbedder)
	healthSvc := healthuc.New(docRepo, embHealth)

	keyring, err := buildKeyring(cfg.Auth.APIKeys)
	if err != nil {
		logger.Fatal("Invalid API key configuration", zap.Error(err))
	}

	server := chiTransport.NewServer(docSvc, healthSvc, conn, keyring, logger, searchPool, revalPool)

	// Background maintenance
	bgCtx, stopBackground := context.WithCancel(ctx)
	go auditBuf.Run(bgCtx, seconds(cfg.Audit.PruneIntervalSec))
	if cfg.Database.StatsRefreshSec > 0 {
		go refreshStats(bgCtx, docRepo, seconds(cfg.Database.StatsRefreshSec), logger)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  seconds(cfg.HTTP.ReadTimeoutSec),
		WriteTimeout: seconds(cfg.HTTP.WriteTimeoutSec),
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(cfg.HTTP.ShutdownSec))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	stopBackground()

	release := seconds(cfg.Workers.ReleaseTimeoutSec)
	for _, p := range []*pool.Pool{searchPool, revalPool} {
		if err := p.ReleaseTimeout(release); err != nil {
			logger.Warn("Worker pool did not drain", zap.String("pool", p.Name()), zap.Error(err))
		}
	}

	logger.Info("Server stopped gracefully")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func openCacheStore(ctx context.Context, cfg config.CacheConfig) (db.CacheStore, error) {
	switch cfg.Driver {
	case config.CacheDriverRedis:
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			return nil, err
		}
		if err := s.WaitForReady(ctx, seconds(cfg.ReadinessTimeout)); err != nil {
			s.Close()
			return nil, fmt.Errorf("redis not ready: %w", err)
		}
		return s, nil
	case config.CacheDriverMemory, "":
		return dbMemory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

func buildKeyring(keys []config.APIKeyConfig) (chiTransport.Keyring, error) {
	ring := make(chiTransport.Keyring, len(keys))
	for _, k := range keys {
		t, err := k.Tenant()
		if err != nil {
			return nil, fmt.Errorf("api key for merchant %q: %w", k.MerchantID, err)
		}
		ring[k.Key] = t
	}
	return ring, nil
}

// refreshStats rebuilds the per-merchant stats view until ctx is cancelled.
func refreshStats(ctx context.Context, r *documentrepo.Repo, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshStats(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Stats refresh failed", zap.Error(err))
			}
		}
	}
}

// embeddingHealthChecker wraps domain.Embedder to implement health.EmbeddingChecker.
type embeddingHealthChecker struct {
	embedder domain.Embedder
}

func newEmbeddingHealthChecker(embedder domain.Embedder) *embeddingHealthChecker {
	return &embeddingHealthChecker{embedder: embedder}
}

func (h *embeddingHealthChecker) HealthCheck(ctx context.Context) error {
	if hc, ok := h.embedder.(domain.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding health check: %w", err)
		}
	}
	return nil
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instruction.
func buildEmbedder(cfg config.EmbeddingConfig, c *cache.Cache, logger *zap.Logger) domain.Embedder {
	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Provider:   cfg.Provider,
		Timeout:    seconds(cfg.TimeoutSec),
		Logger:     logger,
	})

	var embedder domain.Embedder = embcache.New(base, c, seconds(cfg.CacheTTLSec), metrics.EmbeddingCacheTotal, logger)

	// Instruction prefix is outermost so the cache key includes it.
	if cfg.QueryInstruction != "" {
		return domain.NewInstructionEmbedder(embedder, cfg.QueryInstruction)
	}
	return embedder
}
