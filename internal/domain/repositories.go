package domain

import "context"

// ChangeFeedReader pulls ordered change records from one feed partition.
type ChangeFeedReader interface {
	// ReadBatch returns all records positioned strictly after checkpoint,
	// up to limit, in delivery order, together with the end-of-batch
	// continuation token. An empty checkpoint means the start of the
	// retained feed. An empty batch is not an error; the returned token
	// then equals the checkpoint passed in.
	//
	// Returns ErrSourceUnavailable for transient source failures and
	// ErrInvalidCheckpoint when the position left the retention window.
	ReadBatch(ctx context.Context, partitionID, checkpoint string, limit int) ([]ChangeRecord, string, error)
}

// ChangeFeedAppender appends incoming booking events to a feed partition.
// Used by the intake side only; the pipeline itself never writes the feed.
type ChangeFeedAppender interface {
	Append(ctx context.Context, partitionID string, record ChangeRecord) error
}

// BookingRepository is the warehouse destination for booking rows.
// The upsert writer is the sole writer; the resolver only reads.
type BookingRepository interface {
	// LookupAll performs a single bulk lookup for the given booking ids and
	// returns every matching row, including duplicates for the same key.
	LookupAll(ctx context.Context, bookingIDs []string) ([]DestinationRow, error)

	// Insert writes a brand-new booking row.
	Insert(ctx context.Context, row DestinationRow) error

	// Update overwrites every column of the row(s) matching the booking id
	// (Type 1 semantics, no history retained).
	Update(ctx context.Context, row DestinationRow) error
}

// CheckpointRepository owns durable checkpoint state. Only the upsert
// writer advances it, and only inside the batch's commit transaction.
type CheckpointRepository interface {
	// Get returns the stored token for a partition, or "" when the
	// partition has never committed a batch.
	Get(ctx context.Context, partitionID string) (string, error)

	// Set stores the token for a partition.
	Set(ctx context.Context, partitionID, token string) error
}

// RejectedRecordSink persists rejected records for audit. Append-only.
type RejectedRecordSink interface {
	Append(ctx context.Context, records []RejectedRecord) error
}

// TransactionManager executes a function within a destination-store
// transaction. If the function returns an error the transaction is rolled
// back, otherwise it is committed.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
