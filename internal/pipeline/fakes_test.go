package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// fakeFeed serves scripted batches in order, one per ReadBatch call, and
// hands out positional continuation tokens.
type fakeFeed struct {
	batches   [][]domain.ChangeRecord
	readCalls int
	err       error
}

func (f *fakeFeed) ReadBatch(ctx context.Context, partitionID, checkpoint string, limit int) ([]domain.ChangeRecord, string, error) {
	f.readCalls++
	if f.err != nil {
		return nil, checkpoint, f.err
	}

	pos := 0
	if checkpoint != "" {
		pos, _ = strconv.Atoi(checkpoint)
	}
	if pos >= len(f.batches) {
		return nil, checkpoint, nil
	}

	batch := f.batches[pos]
	next := strconv.Itoa(pos + 1)
	for i := range batch {
		batch[i].PartitionID = partitionID
		batch[i].ContinuationToken = next
	}
	return batch, next, nil
}

// fakeWarehouse is an in-memory bookings table. Rows are kept per key as a
// slice so tests can seed the duplicate-row shape the resolver must
// tolerate.
type fakeWarehouse struct {
	mu          sync.Mutex
	rows        map[string][]domain.DestinationRow
	lookupCalls int
	lookupKeys  [][]string
	failInserts int
	failUpdates int
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{rows: make(map[string][]domain.DestinationRow)}
}

func (w *fakeWarehouse) LookupAll(ctx context.Context, bookingIDs []string) ([]domain.DestinationRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lookupCalls++
	w.lookupKeys = append(w.lookupKeys, append([]string(nil), bookingIDs...))

	var result []domain.DestinationRow
	for _, id := range bookingIDs {
		result = append(result, w.rows[id]...)
	}
	return result, nil
}

func (w *fakeWarehouse) Insert(ctx context.Context, row domain.DestinationRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failInserts > 0 {
		w.failInserts--
		return errors.New("destination rejected the write")
	}
	w.rows[row.BookingID] = append(w.rows[row.BookingID], row)
	return nil
}

func (w *fakeWarehouse) Update(ctx context.Context, row domain.DestinationRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failUpdates > 0 {
		w.failUpdates--
		return errors.New("destination rejected the write")
	}
	existing, ok := w.rows[row.BookingID]
	if !ok {
		return errors.New("booking not found for update")
	}
	// Full-column overwrite converges duplicates onto one value.
	for i := range existing {
		existing[i] = row
	}
	return nil
}

// snapshot and restore give the fake transaction manager rollback
// semantics without a real database.
func (w *fakeWarehouse) snapshot() map[string][]domain.DestinationRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := make(map[string][]domain.DestinationRow, len(w.rows))
	for k, v := range w.rows {
		snap[k] = append([]domain.DestinationRow(nil), v...)
	}
	return snap
}

func (w *fakeWarehouse) restore(snap map[string][]domain.DestinationRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = snap
}

// fakeCheckpoints is an in-memory checkpoint store.
type fakeCheckpoints struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{tokens: make(map[string]string)}
}

func (c *fakeCheckpoints) Get(ctx context.Context, partitionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[partitionID], nil
}

func (c *fakeCheckpoints) Set(ctx context.Context, partitionID, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[partitionID] = token
	return nil
}

func (c *fakeCheckpoints) snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]string, len(c.tokens))
	for k, v := range c.tokens {
		snap[k] = v
	}
	return snap
}

func (c *fakeCheckpoints) restore(snap map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = snap
}

// fakeTxManager gives the fakes all-or-nothing semantics: on error every
// write made inside the transaction, checkpoint included, is undone.
type fakeTxManager struct {
	warehouse   *fakeWarehouse
	checkpoints *fakeCheckpoints
}

func (m *fakeTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	rowsSnap := m.warehouse.snapshot()
	tokenSnap := m.checkpoints.snapshot()

	if err := fn(ctx); err != nil {
		m.warehouse.restore(rowsSnap)
		m.checkpoints.restore(tokenSnap)
		return err
	}
	return nil
}

// captureSink records everything enqueued.
type captureSink struct {
	mu      sync.Mutex
	records []domain.RejectedRecord
}

func (s *captureSink) Enqueue(records []domain.RejectedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

func (s *captureSink) all() []domain.RejectedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RejectedRecord(nil), s.records...)
}
