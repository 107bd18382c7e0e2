package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/db"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/pipeline"
)

// memorySink captures rejected records in memory so the test does not need
// a ClickHouse container; the sink contract is covered by its own tests.
type memorySink struct {
	mu      sync.Mutex
	records []domain.RejectedRecord
}

func (s *memorySink) Enqueue(records []domain.RejectedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memorySink) first() domain.RejectedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[0]
}

// TestPipelineEndToEnd spins up PostgreSQL, appends booking events to the
// change feed, runs a partition runner against real repositories and
// verifies insert, update, checkpoint advancement and rejected routing.
func TestPipelineEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, dbURL := startPostgresContainer(t, ctx)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}()

	pool, err := db.NewPool(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	createSchema(t, ctx, pool)

	feedRepo := db.NewChangeFeedRepository(pool.Pool)
	bookingRepo := db.NewBookingRepository(pool.Pool)
	checkpointRepo := db.NewCheckpointRepository(pool.Pool)
	txManager := db.NewTransactionManager(pool.Pool)
	sink := &memorySink{}

	runner := pipeline.NewRunner(
		"0",
		feedRepo,
		pipeline.NewResolver(bookingRepo),
		pipeline.NewUpsertWriter(bookingRepo, checkpointRepo, txManager),
		checkpointRepo,
		sink,
		pipeline.Options{BatchSize: 10, PollInterval: 100 * time.Millisecond, CommitRetries: 2},
	)

	// Seed the feed with the initial booking before the runner starts.
	if err := feedRepo.Append(ctx, "0", bookingEvent("BK1", 15, 20)); err != nil {
		t.Fatalf("failed to append initial event: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(runCtx) }()

	// Insert path: the first event creates the warehouse row.
	waitFor(t, 15*time.Second, func() bool {
		rows, err := bookingRepo.LookupAll(ctx, []string{"BK1"})
		return err == nil && len(rows) == 1 && rows[0].StayDurationDays == 5
	}, "initial booking never landed in the warehouse")

	token, err := checkpointRepo.Get(ctx, "0")
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if token == "" {
		t.Fatal("checkpoint did not advance after the first commit")
	}

	// Update path plus a quality-gate rejection in the same batch.
	if err := feedRepo.Append(ctx, "0", bookingEvent("BK1", 15, 22)); err != nil {
		t.Fatalf("failed to append update event: %v", err)
	}
	if err := feedRepo.Append(ctx, "0", bookingEvent("BK2", 20, 15)); err != nil {
		t.Fatalf("failed to append invalid event: %v", err)
	}

	waitFor(t, 15*time.Second, func() bool {
		rows, err := bookingRepo.LookupAll(ctx, []string{"BK1"})
		return err == nil && len(rows) == 1 && rows[0].StayDurationDays == 7
	}, "booking update never overwrote the warehouse row")

	// Type 1 semantics: still one row, prior duration discarded.
	rows, err := bookingRepo.LookupAll(ctx, []string{"BK1", "BK2"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 warehouse row, got %d", len(rows))
	}
	if rows[0].BookingID != "BK1" {
		t.Errorf("rejected booking BK2 must never reach the warehouse")
	}
	if !rows[0].Amount.Equal(decimal.NewFromFloat(1250.00)) {
		t.Errorf("unexpected amount after update: %s", rows[0].Amount)
	}

	waitFor(t, 15*time.Second, func() bool { return sink.count() == 1 }, "rejected record never reached the sink")
	if reason := sink.first().Reason; reason != domain.ReasonInvalidDateRange {
		t.Errorf("expected rejection reason %q, got %q", domain.ReasonInvalidDateRange, reason)
	}

	newToken, err := checkpointRepo.Get(ctx, "0")
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if newToken == token {
		t.Error("checkpoint did not advance past the second batch")
	}

	cancel()
	select {
	case err := <-runnerDone:
		if err != nil {
			t.Errorf("runner returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	// The checkpoint store refuses to move a partition cursor backwards.
	if err := checkpointRepo.Set(ctx, "0", "1"); !errors.Is(err, domain.ErrCheckpointRegression) {
		t.Errorf("expected ErrCheckpointRegression, got %v", err)
	}
}

// TestInvalidCheckpointDetection verifies that a checkpoint behind the
// pruned retention floor is reported as invalid rather than silently
// skipping records.
func TestInvalidCheckpointDetection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, dbURL := startPostgresContainer(t, ctx)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}()

	pool, err := db.NewPool(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	createSchema(t, ctx, pool)
	feedRepo := db.NewChangeFeedRepository(pool.Pool)

	for i := 0; i < 4; i++ {
		if err := feedRepo.Append(ctx, "0", bookingEvent(fmt.Sprintf("BK%d", i), 15, 20)); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	// Simulate retention expiry: the two oldest records are gone while the
	// stored checkpoint still points before them.
	if _, err := pool.Pool.Exec(ctx, `DELETE FROM change_feed WHERE seq <= 2`); err != nil {
		t.Fatalf("failed to prune feed: %v", err)
	}

	_, _, err = feedRepo.ReadBatch(ctx, "0", "1", 10)
	if !errors.Is(err, domain.ErrInvalidCheckpoint) {
		t.Fatalf("expected ErrInvalidCheckpoint, got %v", err)
	}

	// The position right at the retention floor is still resumable.
	records, _, err := feedRepo.ReadBatch(ctx, "0", "2", 10)
	if err != nil {
		t.Fatalf("expected resumable checkpoint at retention floor, got %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected the 2 retained records, got %d", len(records))
	}

	// A checkpoint over a fully emptied partition cannot prove it missed
	// nothing; it must surface as invalid rather than skip silently.
	if _, err := pool.Pool.Exec(ctx, `DELETE FROM change_feed`); err != nil {
		t.Fatalf("failed to empty feed: %v", err)
	}
	_, _, err = feedRepo.ReadBatch(ctx, "0", "4", 10)
	if !errors.Is(err, domain.ErrInvalidCheckpoint) {
		t.Fatalf("expected ErrInvalidCheckpoint for fully pruned partition, got %v", err)
	}

	// A fresh consumer with no checkpoint is unaffected.
	records, _, err = feedRepo.ReadBatch(ctx, "0", "", 10)
	if err != nil {
		t.Fatalf("expected empty checkpoint to stay valid, got %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records from emptied partition, got %d", len(records))
	}
}

// TestPruneRetainsPartitionHighWaterMark verifies that retention pruning
// keeps the newest row of every partition, so a stalled checkpoint behind
// the pruned window is detectable instead of silently skipped.
func TestPruneRetainsPartitionHighWaterMark(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, dbURL := startPostgresContainer(t, ctx)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}()

	pool, err := db.NewPool(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	createSchema(t, ctx, pool)
	feedRepo := db.NewChangeFeedRepository(pool.Pool)

	// Three records in partition 0 (seq 1-3), one in partition 1 (seq 4).
	for i := 0; i < 3; i++ {
		if err := feedRepo.Append(ctx, "0", bookingEvent(fmt.Sprintf("BK%d", i), 15, 20)); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}
	if err := feedRepo.Append(ctx, "1", bookingEvent("BK9", 15, 20)); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	// Age every record past the retention window.
	if _, err := pool.Pool.Exec(ctx, `UPDATE change_feed SET appended_at = now() - interval '10 days'`); err != nil {
		t.Fatalf("failed to backdate feed: %v", err)
	}

	pruned, err := feedRepo.PruneBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 rows pruned (newest per partition retained), got %d", pruned)
	}

	// The high-water row survives in each partition, so a checkpoint at the
	// floor still resumes and a stale one is reported.
	records, _, err := feedRepo.ReadBatch(ctx, "0", "2", 10)
	if err != nil {
		t.Fatalf("expected checkpoint at retention floor to resume, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the retained high-water record, got %d", len(records))
	}
	if records[0].BookingID != "BK2" {
		t.Errorf("expected newest record BK2 retained, got %s", records[0].BookingID)
	}

	_, _, err = feedRepo.ReadBatch(ctx, "0", "0", 10)
	if !errors.Is(err, domain.ErrInvalidCheckpoint) {
		t.Fatalf("expected ErrInvalidCheckpoint for checkpoint behind pruned window, got %v", err)
	}

	records, _, err = feedRepo.ReadBatch(ctx, "1", "3", 10)
	if err != nil {
		t.Fatalf("expected partition 1 floor checkpoint to resume, got %v", err)
	}
	if len(records) != 1 || records[0].BookingID != "BK9" {
		t.Errorf("expected partition 1 to retain BK9, got %+v", records)
	}
}

// bookingEvent builds a March 2024 booking with the given check-in and
// check-out days.
func bookingEvent(id string, checkInDay, checkOutDay int) domain.ChangeRecord {
	return domain.ChangeRecord{
		BookingID:      id,
		PropertyID:     "P100",
		CustomerID:     42,
		OwnerID:        "O7",
		CheckInDate:    domain.NewDate(2024, time.March, checkInDay),
		CheckOutDate:   domain.NewDate(2024, time.March, checkOutDay),
		BookingDate:    time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC),
		Amount:         decimal.NewFromFloat(1250.00),
		Currency:       "USD",
		Location:       domain.Location{City: "Lisbon", Country: "Portugal"},
		EventTimestamp: time.Date(2024, time.February, 1, 12, 0, 1, 0, time.UTC),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// startPostgresContainer starts a PostgreSQL testcontainer and returns the
// connection URL.
func startPostgresContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get postgres port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	return container, dbURL
}

// createSchema creates the feed, warehouse and checkpoint tables.
func createSchema(t *testing.T, ctx context.Context, pool *db.Pool) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS change_feed (
			seq BIGSERIAL PRIMARY KEY,
			partition_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			appended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_change_feed_partition_seq ON change_feed(partition_id, seq);`,
		`CREATE TABLE IF NOT EXISTS bookings (
			booking_id TEXT NOT NULL,
			property_id TEXT NOT NULL,
			customer_id BIGINT NOT NULL,
			owner_id TEXT NOT NULL,
			check_in_date DATE NOT NULL,
			check_out_date DATE NOT NULL,
			booking_date TIMESTAMPTZ NOT NULL,
			amount NUMERIC(14, 2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			city TEXT NOT NULL,
			country TEXT NOT NULL,
			full_address TEXT NOT NULL,
			stay_duration_days INT NOT NULL,
			booking_year INT NOT NULL,
			booking_month INT NOT NULL,
			event_timestamp TIMESTAMPTZ NOT NULL,
			last_written_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bookings_booking_id ON bookings(booking_id);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			partition_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			last_advanced_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for i, stmt := range statements {
		if _, err := pool.Pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("failed to run schema statement %d: %v", i+1, err)
		}
	}
}
