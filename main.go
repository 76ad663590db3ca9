package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	_ "github.com/lumenbi/lumen-engine/pkg/adapters/datasource/mssql"
	_ "github.com/lumenbi/lumen-engine/pkg/adapters/datasource/postgres"
	"github.com/lumenbi/lumen-engine/pkg/cache"
	"github.com/lumenbi/lumen-engine/pkg/config"
	"github.com/lumenbi/lumen-engine/pkg/database"
	"github.com/lumenbi/lumen-engine/pkg/llm"
	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
	"github.com/lumenbi/lumen-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting lumen-engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.String("validation_level", cfg.Engine.ValidationLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("engine failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect metadata database: %w", err)
	}
	defer db.Close()

	if err := runMigrations(cfg, logger); err != nil {
		return err
	}

	client, err := llm.NewClientFromConfig(&cfg.AI, logger)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}
	client = llm.WithCircuitBreaker(client, llm.NewCircuitBreaker(llm.DefaultCircuitBreakerConfig()))

	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{}, logger)
	defer connMgr.Close()

	connRepo := repositories.NewConnectionRepository(db)
	semanticRepo := repositories.NewSemanticRepository(db)
	rlsRepo := repositories.NewRLSRepository(db)
	vectorRepo := repositories.NewVectorRepository(db)

	planCache := cache.NewSharded[*models.QueryPlan](cfg.Engine.PlanCacheSize, cfg.Engine.PlanCacheTTL())
	resultCache := cache.NewSharded[*models.ResultSet](cfg.Engine.ResultCacheSize, cfg.Engine.ResultCacheTTL())
	planCache.StartCleanup(time.Minute, ctx.Done())
	resultCache.StartCleanup(time.Minute, ctx.Done())

	vectors := services.NewVectorStore(vectorRepo, client, logger)
	semantics := services.NewSemanticStore(semanticRepo, vectorRepo, rlsRepo, client, logger)
	schemas := services.NewSchemaRegistry(connRepo, connMgr, cfg.Engine.SchemaCacheTTL(), logger)

	engine := services.NewEngine(services.EngineParams{
		Connections: connRepo,
		Schemas:     schemas,
		Semantics:   semantics,
		Users:       services.NewUserContextLoader(rlsRepo, logger),
		Intents:     services.NewIntentExtractor(client, vectors, planCache, cfg.Engine.PromptFieldLimit, logger),
		Plans:       services.NewPlanValidator(cfg.Engine.MaxRowLimit, nil, logger),
		Synth:       services.NewSynthesizer(schemas, logger),
		RLS:         services.NewRLSEngine(cfg.RLS.PruneDeniedColumns, logger),
		Exec:        services.NewExecutor(connMgr, resultCache, cfg.Engine.QueryTimeout(), cfg.Engine.MaxRowLimit, logger),
		Analytics:   services.NewAnalyticsEngine(logger),
		Vectors:     vectors,
	}, cfg.Engine, cfg.Env, logger)

	serveLocal(ctx, engine, logger)

	logger.Info("shutting down")
	return nil
}

// serveLocal blocks until shutdown. Callers embed Engine behind their
// own transport; the binary itself only keeps the pipeline alive.
func serveLocal(ctx context.Context, engine services.Engine, logger *zap.Logger) {
	logger.Info("engine ready",
		zap.Int("registered_adapters", len(datasource.RegisteredAdapters())))
	_ = engine
	<-ctx.Done()
}

// runMigrations applies pending migrations over a database/sql
// connection; golang-migrate does not speak pgx pools.
func runMigrations(cfg *config.Config, logger *zap.Logger) error {
	connCfg, err := pgx.ParseConfig(cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("parse database config: %w", err)
	}
	sqlDB := stdlib.OpenDB(*connCfg)
	defer sqlDB.Close() //nolint:errcheck

	if err := database.Migrate(sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
