// corpusd is the reference repository server: it runs the import
// pipeline, deduplication, search indexing, percolation, and robot
// enhancement dispatch behind a single HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/openbiblio/corpus/pkg/api"
	"github.com/openbiblio/corpus/pkg/blob"
	"github.com/openbiblio/corpus/pkg/bus"
	"github.com/openbiblio/corpus/pkg/cleanup"
	"github.com/openbiblio/corpus/pkg/config"
	"github.com/openbiblio/corpus/pkg/database"
	"github.com/openbiblio/corpus/pkg/dedup"
	"github.com/openbiblio/corpus/pkg/dispatch"
	"github.com/openbiblio/corpus/pkg/indexmgr"
	"github.com/openbiblio/corpus/pkg/ingest"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/percolate"
	"github.com/openbiblio/corpus/pkg/reconcile"
	"github.com/openbiblio/corpus/pkg/robot"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	configFile := flag.String("config", getEnv("CONFIG_FILE", "corpus.yaml"), "Path to the tunables YAML file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("warning: could not load %s: %v", *envFile, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	appCfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load %s: %v", *configFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	logger.Info("connected to postgres")

	pool, err := pgxpool.New(ctx, fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbCfg.Host, dbCfg.Port, dbCfg.User, dbCfg.Password, dbCfg.Database, dbCfg.SSLMode,
	))
	if err != nil {
		log.Fatalf("failed to create pgx pool for message bus: %v", err)
	}
	defer pool.Close()

	esClient, err := search.NewClient(search.Config{
		Addresses: []string{getEnv("ELASTICSEARCH_URL", "http://localhost:9200")},
		Username:  os.Getenv("ELASTICSEARCH_USER"),
		Password:  os.Getenv("ELASTICSEARCH_PASSWORD"),
	})
	if err != nil {
		log.Fatalf("failed to construct elasticsearch client: %v", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("failed to load aws config: %v", err)
	}
	blobStore := blob.NewStore(awsCfg, blob.Config{
		Bucket: getEnv("BLOB_BUCKET", "corpus-artifacts"),
		Prefix: getEnv("BLOB_PREFIX", ""),
	})

	refs := store.NewReferenceStore(dbClient.DB)
	enhs := store.NewEnhancementStore(dbClient.DB)
	imports := store.NewImportStore(dbClient.DB)
	decisions := store.NewDecisionStore(dbClient.DB)
	robots := store.NewRobotStore(dbClient.DB)
	dispatchStore := store.NewDispatchStore(dbClient.DB)

	merger := ingest.NewMerger(refs, enhs, models.NewID)
	pipeline := ingest.NewPipeline(imports, refs, enhs, merger, models.NewID, logger)

	scorer := dedup.NewPairScorer(dedup.DefaultScoringConfig)
	dedupEngine := dedup.NewEngine(refs, enhs, decisions, esClient, scorer, models.NewID)

	percolateEngine := percolate.NewEngine(refs, enhs, dispatchStore, esClient, models.NewID, logger)

	dispatcher := dispatch.NewDispatcher(refs, enhs, dispatchStore, robots, blobStore, decisions, esClient, models.NewID, appCfg.Dispatch)
	sweeper := dispatch.NewSweeper(dispatcher, appCfg.SweeperInterval)
	go sweeper.Run(ctx)

	robotDispatcher := robot.NewDispatcher(robots, &http.Client{Timeout: 30 * time.Second})

	workers := bus.NewWorkers(refs, enhs, decisions, esClient, dedupEngine, percolateEngine, robotDispatcher, logger)
	msgBus, err := bus.NewBus(pool, workers)
	if err != nil {
		log.Fatalf("failed to construct message bus: %v", err)
	}
	if err := msgBus.Start(ctx); err != nil {
		log.Fatalf("failed to start message bus: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := msgBus.Stop(shutdownCtx); err != nil {
			logger.Error("message bus stop failed", "error", err)
		}
	}()

	indexManager := indexmgr.NewManager(esClient, refs, enhs, decisions, logger)
	if _, err := indexManager.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize search index: %v", err)
	}
	reconciler := reconcile.NewWorker(indexManager, appCfg.ReconcileInterval, logger)
	go reconciler.Run(ctx)
	defer reconciler.Stop()

	cleanupSvc := cleanup.NewService(appCfg.Cleanup, imports, dispatchStore)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	server := api.NewServer(dbClient, pipeline, dispatcher, esClient, robots, indexManager, msgBus, models.NewID)

	addr := getEnv("HTTP_ADDR", appCfg.HTTPAddr)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
}
