package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"eventdesk/internal/cache"
	"eventdesk/internal/clustering"
	"eventdesk/internal/config"
	"eventdesk/internal/db"
	"eventdesk/internal/dedup"
	"eventdesk/internal/feeds"
	"eventdesk/internal/gateway"
	"eventdesk/internal/gateway/providers"
	"eventdesk/internal/handler"
	"eventdesk/internal/ideas"
	"eventdesk/internal/ingest"
	"eventdesk/internal/lifecycle"
	"eventdesk/internal/logger"
	"eventdesk/internal/repository"
	gormrepository "eventdesk/internal/repository/gorm"
	"eventdesk/internal/repository/memory"
	"eventdesk/internal/scheduler"
	"eventdesk/internal/service"

	_ "eventdesk/docs"
)

func main() {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfgPath := os.Getenv("ED_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("ED_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store repository.Repository
	var ping func(ctx context.Context) error
	if strings.EqualFold(cfg.DB.Driver, "memory") {
		logger.Warn("using in-memory store; nothing survives a restart")
		store = memory.New()
	} else {
		dbConn, err := db.Open(cfg.DB)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)

		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
		ping = func(ctx context.Context) error { return dbConn.SQL.PingContext(ctx) }
	}

	var seen cache.Store = cache.NewMemoryStore()
	var costs gateway.CostTracker = gateway.NewMemoryCostTracker()
	var redisClient *redis.Client
	if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
		redisClient, err = cache.NewRedisClient(url)
		if err != nil {
			logger.Fatal("redis url invalid", zap.Error(err))
		}
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis ping failed, keeping going", zap.Error(err))
		}
		cancel()
		seen = cache.NewRedisStore(redisClient, "eventdesk:")
		costs = gateway.NewRedisCostTracker(redisClient, cfg.LLM.CostKey)
	}

	provider, err := providers.New(ctx, cfg.LLM)
	if err != nil {
		logger.Fatal("llm provider init failed", zap.String("provider", cfg.LLM.Provider), zap.Error(err))
	}
	gw := gateway.New(provider, costs, gateway.Options{
		MaxAttempts:    cfg.LLM.MaxAttempts,
		BackoffBase:    cfg.LLM.BackoffBase,
		DailyBudgetUSD: decimal.NewFromFloat(cfg.LLM.DailyBudgetUSD),
		DefaultModel:   cfg.LLM.ClusteringModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Pricing:        gateway.PricingFromConfig(cfg.LLM.Pricing),
	}, logger)

	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(ctx); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	dedupStore := &dedup.Store{
		Repo:   store,
		Seen:   seen,
		TTL:    cfg.Dedup.SeenCacheTTL,
		Logger: logger.Named("dedup"),
	}
	ingestSvc := &ingest.Service{
		Repo:           store,
		Source:         feeds.NewHTTPSource(cfg.Ingest.Timeout, cfg.Ingest.UserAgent),
		Dedup:          dedupStore,
		MaxConcurrency: cfg.Ingest.MaxConcurrency,
		Logger:         logger.Named("ingest"),
	}
	if err := ingestSvc.EnsureFeeds(ctx, cfg.Ingest.Feeds); err != nil {
		logger.Warn("register configured feeds failed", zap.Error(err))
	}
	clusterEngine := &clustering.Engine{
		Repo:    store,
		Gateway: gw,
		Config: clustering.Config{
			Model:          cfg.LLM.ClusteringModel,
			BatchSize:      cfg.Clustering.BatchSize,
			MaxPending:     cfg.Clustering.MaxPending,
			MaxConcurrency: cfg.Clustering.MaxConcurrency,
			Temperature:    cfg.Clustering.Temperature,
		},
		Logger: logger.Named("clustering"),
	}
	lifecycleMgr := &lifecycle.Manager{
		Repo: store,
		Config: lifecycle.Config{
			StaleThreshold: cfg.Lifecycle.StaleThreshold,
			ArchiveAfter:   cfg.Lifecycle.ArchiveAfter,
			ClaimTimeout:   cfg.Lifecycle.ClaimTimeout,
		},
		Logger: logger.Named("lifecycle"),
	}
	ideaEngine := &ideas.Engine{
		Repo:    store,
		Gateway: gw,
		Config: ideas.Config{
			Model:           cfg.LLM.IdeasModel,
			TopN:            cfg.Ideas.TopN,
			MinArticles:     cfg.Ideas.MinArticles,
			ConfidenceFloor: cfg.Ideas.ConfidenceFloor,
			Expiry:          cfg.Ideas.Expiry,
			ContextArticles: cfg.Ideas.ContextArticles,
			MaxOutputTokens: cfg.Ideas.MaxOutputTokens,
			Temperature:     cfg.Ideas.Temperature,
			MaxConcurrency:  cfg.Ideas.MaxConcurrency,
		},
		Logger: logger.Named("ideas"),
	}

	runner := scheduler.New(logger, ctx, settingsSvc)
	specOrManual := func(spec string) string {
		if !cfg.Cron.Enabled {
			return ""
		}
		return spec
	}
	jobs := []scheduler.Job{
		{
			Name:    "ingest",
			Spec:    specOrManual(cfg.Cron.Ingest),
			Feature: service.FeatureIngest,
			Run:     func(ctx context.Context) (any, error) { return ingestSvc.RunOnce(ctx) },
		},
		{
			Name:    "cluster",
			Spec:    specOrManual(cfg.Cron.Cluster),
			Feature: service.FeatureClustering,
			Run:     func(ctx context.Context) (any, error) { return clusterEngine.RunOnce(ctx) },
		},
		{
			Name:    "sweep",
			Spec:    specOrManual(cfg.Cron.Sweep),
			Feature: service.FeatureLifecycleSweep,
			Run:     func(ctx context.Context) (any, error) { return lifecycleMgr.Sweep(ctx) },
		},
		{
			Name:    "ideas",
			Spec:    specOrManual(cfg.Cron.Ideas),
			Feature: service.FeatureIdeaGeneration,
			Run:     func(ctx context.Context) (any, error) { return ideaEngine.RunOnce(ctx) },
		},
		{
			Name:    "cost-reset",
			Spec:    specOrManual(cfg.Cron.CostReset),
			Feature: service.FeatureCostReset,
			Run:     func(ctx context.Context) (any, error) { return nil, gw.ResetDailyCost(ctx) },
		},
	}
	for _, job := range jobs {
		if err := runner.Add(job); err != nil {
			logger.Fatal("cron register failed", zap.String("job", job.Name), zap.Error(err))
		}
	}
	runner.Start()
	defer runner.Stop()

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(handler.RequireBearer(cfg.Server.APIToken))
	engine.Use(handler.WriteAudit(logger))

	(&handler.HealthHandler{Ping: ping}).Register(engine)
	handler.RegisterDocs(engine)
	(&handler.PipelineHandler{
		Repo:     store,
		Jobs:     runner,
		Costs:    gw,
		Settings: settingsSvc,
		Logger:   logger,
	}).Register(engine)
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
