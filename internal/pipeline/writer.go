package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// ApplyStats reports what one batch commit did.
type ApplyStats struct {
	Inserted int
	Updated  int
}

// UpsertWriter classifies each resolved record as an insert or an update
// and applies the whole batch, together with the checkpoint advance, as one
// transaction. It assumes it is the sole writer to the bookings table.
//
// Idempotence under at-least-once delivery comes for free: classification
// is decided against current destination state at apply time, and both
// operations write identical derived fields for a given input, so replaying
// a batch overwrites rows with the values they already hold.
type UpsertWriter struct {
	bookings    domain.BookingRepository
	checkpoints domain.CheckpointRepository
	tx          domain.TransactionManager

	// now is stubbed in tests to pin last_written_at.
	now func() time.Time
}

// NewUpsertWriter creates a new UpsertWriter.
func NewUpsertWriter(
	bookings domain.BookingRepository,
	checkpoints domain.CheckpointRepository,
	tx domain.TransactionManager,
) *UpsertWriter {
	return &UpsertWriter{
		bookings:    bookings,
		checkpoints: checkpoints,
		tx:          tx,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Apply commits one reader batch: every row write plus the checkpoint
// advance to endToken, atomically. On error nothing is written, the
// checkpoint is untouched and the batch is eligible for retry from the
// same position.
//
// The batch may be empty (all records rejected by the quality gate); the
// checkpoint still advances past them so the partition makes progress.
func (w *UpsertWriter) Apply(
	ctx context.Context,
	partitionID string,
	batch []domain.EnrichedRecord,
	existing map[string]domain.DestinationRow,
	endToken string,
) (ApplyStats, error) {
	var stats ApplyStats

	err := w.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		writtenAt := w.now()

		// Keys written earlier in this same batch must classify as updates
		// on their second occurrence, or a replayed duplicate would insert
		// twice inside one transaction.
		written := make(map[string]struct{}, len(batch))

		for _, record := range batch {
			row := domain.DestinationRow{
				EnrichedRecord: record,
				LastWrittenAt:  writtenAt,
			}

			_, inDestination := existing[record.BookingID]
			_, inBatch := written[record.BookingID]

			if inDestination || inBatch {
				if err := w.bookings.Update(txCtx, row); err != nil {
					return err
				}
				stats.Updated++
			} else {
				if err := w.bookings.Insert(txCtx, row); err != nil {
					return err
				}
				stats.Inserted++
			}
			written[record.BookingID] = struct{}{}
		}

		return w.checkpoints.Set(txCtx, partitionID, endToken)
	})
	if err != nil {
		return ApplyStats{}, fmt.Errorf("apply batch for partition %s: %w", partitionID, err)
	}

	return stats, nil
}
