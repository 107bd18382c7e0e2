package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// ChangeFeedRepository implements domain.ChangeFeedReader and
// domain.ChangeFeedAppender on top of the change_feed table.
//
// The table is append-only with a global monotonic sequence column; within
// a partition, sequence order is delivery order. Continuation tokens encode
// the sequence of the last delivered record and are opaque to every caller.
type ChangeFeedRepository struct {
	pool *pgxpool.Pool
}

// NewChangeFeedRepository creates a new ChangeFeedRepository.
func NewChangeFeedRepository(pool *pgxpool.Pool) *ChangeFeedRepository {
	return &ChangeFeedRepository{pool: pool}
}

// ReadBatch returns up to limit records positioned strictly after the
// checkpoint, in feed order, together with the end-of-batch token. An
// empty batch is not an error and returns the checkpoint unchanged.
func (r *ChangeFeedRepository) ReadBatch(ctx context.Context, partitionID, checkpoint string, limit int) ([]domain.ChangeRecord, string, error) {
	seq, err := parseToken(checkpoint)
	if err != nil {
		// A token the feed cannot even parse is as unrecoverable as an
		// expired one; never guess a position from it.
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidCheckpoint, err)
	}

	if err := r.verifyRetained(ctx, partitionID, checkpoint, seq); err != nil {
		return nil, "", err
	}

	query := `
		SELECT seq, payload
		FROM change_feed
		WHERE partition_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, partitionID, seq, limit)
	if err != nil {
		return nil, "", fmt.Errorf("%w: query partition %s: %v", domain.ErrSourceUnavailable, partitionID, err)
	}
	defer rows.Close()

	var records []domain.ChangeRecord
	nextToken := checkpoint

	for rows.Next() {
		var recordSeq int64
		var payload []byte
		if err := rows.Scan(&recordSeq, &payload); err != nil {
			return nil, "", fmt.Errorf("%w: scan feed row: %v", domain.ErrSourceUnavailable, err)
		}

		var record domain.ChangeRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, "", fmt.Errorf("failed to decode feed payload at seq %d: %w", recordSeq, err)
		}

		record.PartitionID = partitionID
		record.ContinuationToken = formatToken(recordSeq)
		records = append(records, record)
		nextToken = record.ContinuationToken
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: iterate feed rows: %v", domain.ErrSourceUnavailable, err)
	}

	return records, nextToken, nil
}

// verifyRetained checks that the checkpoint position still exists in the
// retained window. If records between the checkpoint and the oldest
// retained row were pruned, resuming would silently skip them, so the
// position is reported as invalid instead.
//
// PruneBefore always keeps the newest row of a partition, so a partition
// that ever had records is never empty. A non-empty checkpoint over an
// empty partition therefore means the high-water row vanished and nothing
// can prove the position is resumable; it is invalid, not valid.
func (r *ChangeFeedRepository) verifyRetained(ctx context.Context, partitionID, checkpoint string, seq int64) error {
	if checkpoint == "" {
		return nil
	}

	var minSeq int64
	query := `SELECT coalesce(min(seq), 0) FROM change_feed WHERE partition_id = $1`
	if err := r.pool.QueryRow(ctx, query, partitionID).Scan(&minSeq); err != nil {
		return fmt.Errorf("%w: read retention floor for partition %s: %v", domain.ErrSourceUnavailable, partitionID, err)
	}

	if minSeq == 0 {
		return fmt.Errorf("%w: partition %s checkpoint %s points into a fully pruned partition",
			domain.ErrInvalidCheckpoint, partitionID, checkpoint)
	}
	if seq < minSeq-1 {
		return fmt.Errorf("%w: partition %s checkpoint %s is behind retention floor %d",
			domain.ErrInvalidCheckpoint, partitionID, checkpoint, minSeq)
	}
	return nil
}

// Append durably appends one booking event to a feed partition. Called by
// the intake consumer before it acknowledges the delivery.
func (r *ChangeFeedRepository) Append(ctx context.Context, partitionID string, record domain.ChangeRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode feed payload: %w", err)
	}

	query := `INSERT INTO change_feed (partition_id, payload, appended_at) VALUES ($1, $2, now())`
	if _, err := r.pool.Exec(ctx, query, partitionID, payload); err != nil {
		return fmt.Errorf("failed to append to partition %s: %w", partitionID, err)
	}
	return nil
}

// PruneBefore deletes feed records appended before the cutoff and returns
// how many rows were removed. This is what creates the retention window
// that can invalidate a stalled checkpoint.
//
// The newest row of each partition is always retained as its high-water
// mark. Without it, draining a stalled partition completely would leave a
// stale checkpoint indistinguishable from a current one, and pruned
// records would be skipped silently instead of surfacing InvalidCheckpoint.
func (r *ChangeFeedRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM change_feed
		WHERE appended_at < $1
		  AND seq NOT IN (
			SELECT max(seq) FROM change_feed GROUP BY partition_id
		  )
	`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change feed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// parseToken decodes a continuation token. The empty token means the start
// of the retained feed.
func parseToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("malformed continuation token %q", token)
	}
	return seq, nil
}

// formatToken encodes a feed sequence as an opaque continuation token.
func formatToken(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
