package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// CheckpointRepository implements domain.CheckpointRepository against the
// checkpoints table. One row per partition; the token column is stored
// verbatim, never interpreted here.
type CheckpointRepository struct {
	pool *pgxpool.Pool
}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(pool *pgxpool.Pool) *CheckpointRepository {
	return &CheckpointRepository{pool: pool}
}

// conn returns the context's transaction when one is open, otherwise the pool.
func (r *CheckpointRepository) conn(ctx context.Context) querier {
	if tx := getTx(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// Get returns the stored token for a partition, or "" when the partition
// has never committed a batch.
func (r *CheckpointRepository) Get(ctx context.Context, partitionID string) (string, error) {
	var token string
	query := `SELECT token FROM checkpoints WHERE partition_id = $1`

	err := r.conn(ctx).QueryRow(ctx, query, partitionID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get checkpoint for partition %s: %w", partitionID, err)
	}
	return token, nil
}

// Set stores the token for a partition. Called by the upsert writer inside
// the batch's commit transaction, so the cursor and the rows it covers
// become durable together. A token behind the stored position is refused:
// the writer is the sole owner of advancement, so a regression means a bug
// or a second writer.
func (r *CheckpointRepository) Set(ctx context.Context, partitionID, token string) error {
	current, err := r.Get(ctx, partitionID)
	if err != nil {
		return err
	}
	if current != "" {
		currentSeq, err := parseToken(current)
		if err != nil {
			return fmt.Errorf("stored checkpoint for partition %s is corrupt: %w", partitionID, err)
		}
		newSeq, err := parseToken(token)
		if err != nil {
			return fmt.Errorf("refusing checkpoint write for partition %s: %w", partitionID, err)
		}
		if newSeq < currentSeq {
			return fmt.Errorf("%w: partition %s: %s -> %s",
				domain.ErrCheckpointRegression, partitionID, current, token)
		}
	}

	query := `
		INSERT INTO checkpoints (partition_id, token, last_advanced_at)
		VALUES ($1, $2, now())
		ON CONFLICT (partition_id)
		DO UPDATE SET token = EXCLUDED.token, last_advanced_at = now()
	`

	if _, err := r.conn(ctx).Exec(ctx, query, partitionID, token); err != nil {
		return fmt.Errorf("failed to set checkpoint for partition %s: %w", partitionID, err)
	}
	return nil
}

// List returns the current checkpoint for every partition, for the ops
// surface. Read-only; never part of a batch transaction.
func (r *CheckpointRepository) List(ctx context.Context) ([]domain.Checkpoint, error) {
	query := `SELECT partition_id, token, last_advanced_at FROM checkpoints ORDER BY partition_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		if err := rows.Scan(&cp.PartitionID, &cp.Token, &cp.LastAdvancedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return checkpoints, nil
}
