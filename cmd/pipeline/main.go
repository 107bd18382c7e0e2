package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/audit"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/config"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/db"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/messaging"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/ops"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/pipeline"
)

func main() {
	log.Println("Starting booking ingestion pipeline...")

	// Load configuration
	cfg := config.Load()
	log.Printf("Configuration loaded: partitions=%d, batch_size=%d, ClickHouse=%s/%s, RabbitMQ=%s",
		cfg.Pipeline.Partitions, cfg.Pipeline.BatchSize, cfg.ClickHouse.Host, cfg.ClickHouse.Database, cfg.RabbitMQ.Exchange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the warehouse/feed database pool
	pool, err := db.NewPool(ctx, cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("Failed to initialize database pool: %v", err)
	}
	defer pool.Close()
	log.Println("Successfully connected to PostgreSQL")

	// Initialize the ClickHouse audit store
	clickhouseClient, err := audit.NewClickHouseClient(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to initialize ClickHouse client: %v", err)
	}
	defer clickhouseClient.Close()
	log.Println("Successfully connected to ClickHouse")

	// Repositories
	feedRepo := db.NewChangeFeedRepository(pool.Pool)
	bookingRepo := db.NewBookingRepository(pool.Pool)
	checkpointRepo := db.NewCheckpointRepository(pool.Pool)
	txManager := db.NewTransactionManager(pool.Pool)
	rejectedRepo := audit.NewRejectedRecordRepository(clickhouseClient)

	var wg sync.WaitGroup

	// Rejected-record sink: buffers quality-gate rejections and writes
	// them to ClickHouse independently of the upsert path.
	sink := audit.NewSink(rejectedRepo, cfg.Pipeline.SinkBuffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.Run(ctx)
	}()

	// One runner per partition; each owns its checkpoint and halts only on
	// a fatal pipeline failure.
	resolver := pipeline.NewResolver(bookingRepo)
	writer := pipeline.NewUpsertWriter(bookingRepo, checkpointRepo, txManager)
	opts := pipeline.Options{
		BatchSize:     cfg.Pipeline.BatchSize,
		PollInterval:  cfg.Pipeline.PollInterval,
		CommitRetries: cfg.Pipeline.CommitRetries,
	}
	for i := 0; i < cfg.Pipeline.Partitions; i++ {
		runner := pipeline.NewRunner(strconv.Itoa(i), feedRepo, resolver, writer, checkpointRepo, sink, opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil {
				log.Printf("Partition runner halted: %v", err)
				cancel() // fatal failure, bring the process down
			}
		}()
	}

	// Booking event intake from RabbitMQ into the change feed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := startIngestor(ctx, cfg, feedRepo); err != nil {
			log.Printf("Feed ingestor error: %v", err)
			cancel()
		}
	}()

	// Feed retention pruning.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runPruner(ctx, feedRepo, cfg.Pipeline.FeedRetention)
	}()

	// Ops HTTP surface.
	opsHandler := ops.NewHandler(pool, clickhouseClient, checkpointRepo)
	opsServer := &http.Server{Addr: ":" + cfg.OpsPort, Handler: opsHandler.Router()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Ops server listening on :%s", cfg.OpsPort)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Ops server error: %v", err)
			cancel()
		}
	}()

	// Wait for interrupt signal or fatal failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v, initiating shutdown...", sig)
	case <-ctx.Done():
		log.Println("Context cancelled, initiating shutdown...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ops server shutdown error: %v", err)
	}

	log.Println("Waiting for pipeline to shutdown...")
	wg.Wait()

	log.Println("Booking ingestion pipeline stopped gracefully")
}

// startIngestor creates and runs the RabbitMQ intake consumer.
func startIngestor(ctx context.Context, cfg *config.Config, feed *db.ChangeFeedRepository) error {
	ingestor, err := messaging.NewFeedIngestor(cfg.RabbitMQ, feed, cfg.Pipeline.Partitions)
	if err != nil {
		return err
	}
	defer ingestor.Close()

	return ingestor.Start(ctx)
}

// runPruner deletes feed records older than the retention window on an
// hourly cadence. Pruning is what bounds feed growth; a checkpoint that
// falls behind the pruned window surfaces as InvalidCheckpoint on read.
func runPruner(ctx context.Context, feed *db.ChangeFeedRepository, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := feed.PruneBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Printf("Feed pruning failed: %v", err)
				continue
			}
			if pruned > 0 {
				log.Printf("Pruned %d change feed record(s) older than %s", pruned, retention)
			}
		}
	}
}
