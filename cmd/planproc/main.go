// Package main wires the plan processing service: configuration, clients,
// the coordinator, the stage workers, and the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Woody88/sitelink/config"
	"github.com/Woody88/sitelink/coordinator"
	"github.com/Woody88/sitelink/metrics"
	"github.com/Woody88/sitelink/objectstore"
	"github.com/Woody88/sitelink/queue"
	"github.com/Woody88/sitelink/raster"
	"github.com/Woody88/sitelink/server"
	"github.com/Woody88/sitelink/store"
	"github.com/Woody88/sitelink/worker"
)

// rasterCallTimeout must cover the worst-case rasterization of one large
// sheet including the OCR pass.
const rasterCallTimeout = 2 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("planproc", flag.ExitOnError)

	timeoutMs := fs.Int64("timeout-ms", config.DefaultTimeoutMs, "Pipeline deadline in milliseconds")
	markerRegex := fs.String("marker-context-regex", "", "Sheet-name pattern for marker context (default built-in)")
	metadataQueue := fs.String("metadata-queue", "plan-metadata", "Metadata stage queue name")
	tileQueue := fs.String("tile-queue", "plan-tiles", "Tile stage queue name")
	markerQueue := fs.String("marker-queue", "plan-markers", "Marker stage queue name")
	workersPerStage := fs.Int("workers", 4, "Consumer goroutines per stage")
	databaseURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	redisAddr := fs.String("redis-addr", "localhost:6379", "Redis address")
	planBucket := fs.String("plan-bucket", "", "Object-store bucket for plan artifacts")
	region := fs.String("region", os.Getenv("AWS_REGION"), "AWS region")
	rasterURL := fs.String("raster-url", "", "Base URL of the rasterizer/OCR service")
	listenAddr := fs.String("listen", ":8080", "HTTP listen address")
	preflightARN := fs.String("preflight-role-arn", "", "IAM role to simulate bucket access for (optional)")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &config.Config{
		TimeoutMs:          *timeoutMs,
		MarkerContextRegex: *markerRegex,
		MetadataQueueName:  *metadataQueue,
		TileQueueName:      *tileQueue,
		MarkerQueueName:    *markerQueue,
		WorkersPerStage:    *workersPerStage,
		DatabaseURL:        *databaseURL,
		RedisAddr:          *redisAddr,
		PlanBucket:         *planBucket,
		Region:             *region,
		RasterBaseURL:      *rasterURL,
		ListenAddr:         *listenAddr,
		PreflightRoleARN:   *preflightARN,
		ShutdownTimeout:    *shutdownTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	objects := objectstore.NewBucket(s3.NewFromConfig(awsCfg), cfg.PlanBucket)

	if cfg.PreflightRoleARN != "" {
		if err := objectstore.Preflight(ctx, iam.NewFromConfig(awsCfg), cfg.PreflightRoleARN, cfg.PlanBucket); err != nil {
			return err
		}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(db); err != nil {
		return err
	}
	st := store.NewPostgres(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()
	q := queue.NewRedis(redisClient)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	coord := coordinator.New(st, q, coordinator.Queues{
		Metadata: cfg.MetadataQueueName,
		Tiles:    cfg.TileQueueName,
		Markers:  cfg.MarkerQueueName,
	}, cfg.SheetNameFilter(), log, m)
	defer coord.Close()

	rehydrated, err := coord.Rehydrate(ctx)
	if err != nil {
		return err
	}
	if rehydrated > 0 {
		log.WithField("uploads", rehydrated).Info("rehydrated pending uploads")
	}

	svc := raster.NewClient(cfg.RasterBaseURL, rasterCallTimeout)

	stages := []worker.Stage{
		worker.NewMetadataStage(cfg.MetadataQueueName, st, objects, svc, coord, m),
		worker.NewTileStage(cfg.TileQueueName, st, objects, svc, coord, m),
		worker.NewMarkerStage(cfg.MarkerQueueName, st, svc, coord, m),
	}
	var wg sync.WaitGroup
	for _, stage := range stages {
		runner := worker.NewRunner(stage, q, cfg.WorkersPerStage, log, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}

	intake := server.NewIntake(st, objects, svc, coord, q, cfg.MetadataQueueName, cfg.Timeout(), log)
	srv := server.New(coord, intake, log, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), cfg.Timeout())

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	wg.Wait()
	return nil
}
