package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// RejectedRecordRepository implements domain.RejectedRecordSink against the
// rejected_bookings ClickHouse table. Append-only: audit rows are never
// mutated, and no read path is needed by the pipeline.
type RejectedRecordRepository struct {
	db *ClickHouseClient
}

// NewRejectedRecordRepository creates a new rejected-record repository.
func NewRejectedRecordRepository(db *ClickHouseClient) *RejectedRecordRepository {
	return &RejectedRecordRepository{db: db}
}

// Append persists a batch of rejected records with their diagnostic
// metadata. The original record is stored verbatim as JSON so operators
// can inspect exactly what the quality gate saw.
func (r *RejectedRecordRepository) Append(ctx context.Context, records []domain.RejectedRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO rejected_bookings (
			id, booking_id, partition_id, continuation_token,
			reason, rejected_at, payload
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare rejected-record batch: %w", err)
	}

	for _, record := range records {
		payload, err := json.Marshal(record.Record)
		if err != nil {
			return fmt.Errorf("failed to encode rejected record %s: %w", record.ID, err)
		}

		err = batch.Append(
			record.ID,
			record.Record.BookingID,
			record.Record.PartitionID,
			record.Record.ContinuationToken,
			string(record.Reason),
			record.RejectedAt,
			string(payload),
		)
		if err != nil {
			return fmt.Errorf("failed to append rejected record %s: %w", record.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send rejected-record batch: %w", err)
	}
	return nil
}
