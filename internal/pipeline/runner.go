package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// RejectedEnqueuer hands rejected records to the audit sink without
// blocking: sink availability must never gate warehouse progress.
type RejectedEnqueuer interface {
	Enqueue(records []domain.RejectedRecord)
}

// Options tunes a partition runner.
type Options struct {
	BatchSize     int
	PollInterval  time.Duration
	CommitRetries int
	ReadRetries   int
}

// Runner drives one feed partition through the full pipeline: read,
// validate, enrich, resolve, apply. Partitions are independent; each
// runner owns its partition's checkpoint and never coordinates with
// another. Within the partition, batches are strictly sequential because
// checkpoint advancement is the serialization point.
type Runner struct {
	partitionID string
	reader      domain.ChangeFeedReader
	resolver    *Resolver
	writer      *UpsertWriter
	checkpoints domain.CheckpointRepository
	rejected    RejectedEnqueuer
	opts        Options
}

// NewRunner creates a runner for one partition.
func NewRunner(
	partitionID string,
	reader domain.ChangeFeedReader,
	resolver *Resolver,
	writer *UpsertWriter,
	checkpoints domain.CheckpointRepository,
	rejected RejectedEnqueuer,
	opts Options,
) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = 3
	}
	return &Runner{
		partitionID: partitionID,
		reader:      reader,
		resolver:    resolver,
		writer:      writer,
		checkpoints: checkpoints,
		rejected:    rejected,
		opts:        opts,
	}
}

// Run processes batches until the context is cancelled (returns nil) or a
// fatal error halts the partition (returns the error). Fatal errors are
// distinct from data-quality rejections, which are steady-state traffic
// and never stop the runner.
func (r *Runner) Run(ctx context.Context) error {
	token, err := r.checkpoints.Get(ctx, r.partitionID)
	if err != nil {
		return fmt.Errorf("partition %s: load checkpoint: %w", r.partitionID, err)
	}
	log.Printf("partition %s: starting from checkpoint %q", r.partitionID, token)

	for {
		select {
		case <-ctx.Done():
			log.Printf("partition %s: context cancelled, stopping", r.partitionID)
			return nil
		default:
		}

		processed, next, err := r.processBatch(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("partition %s: context cancelled, stopping", r.partitionID)
				return nil
			}
			return err
		}
		token = next

		if processed == 0 {
			select {
			case <-ctx.Done():
				log.Printf("partition %s: context cancelled, stopping", r.partitionID)
				return nil
			case <-time.After(r.opts.PollInterval):
			}
		}
	}
}

// processBatch runs one full read-to-commit cycle. It returns the number
// of records consumed and the checkpoint to resume from. A non-nil error
// is fatal for the partition.
func (r *Runner) processBatch(ctx context.Context, token string) (int, string, error) {
	records, next, err := r.readBatch(ctx, token)
	if err != nil {
		return 0, token, err
	}
	if len(records) == 0 {
		return 0, token, nil
	}

	accepted, rejected := domain.Partition(records)
	if len(rejected) > 0 {
		log.Printf("partition %s: %d record(s) rejected by quality gate", r.partitionID, len(rejected))
		r.rejected.Enqueue(rejected)
	}

	enriched := domain.EnrichAll(accepted)

	stats, err := r.commitBatch(ctx, enriched, next)
	if err != nil {
		return 0, token, err
	}

	log.Printf("partition %s: committed batch of %d (inserted=%d updated=%d rejected=%d), checkpoint %q",
		r.partitionID, len(records), stats.Inserted, stats.Updated, len(rejected), next)
	return len(records), next, nil
}

// readBatch pulls the next batch, retrying transient source failures with
// bounded exponential backoff. An invalid checkpoint is never retried and
// never reset: it needs an operator.
func (r *Runner) readBatch(ctx context.Context, token string) ([]domain.ChangeRecord, string, error) {
	var records []domain.ChangeRecord
	next := token

	operation := func() error {
		var err error
		records, next, err = r.reader.ReadBatch(ctx, r.partitionID, token, r.opts.BatchSize)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidCheckpoint) {
				return backoff.Permanent(err)
			}
			log.Printf("partition %s: read failed, will retry: %v", r.partitionID, err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.opts.ReadRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, domain.ErrInvalidCheckpoint) {
			return nil, token, fmt.Errorf("partition %s: checkpoint requires operator intervention: %w", r.partitionID, err)
		}
		return nil, token, fmt.Errorf("partition %s: read failed after retries: %w", r.partitionID, err)
	}
	return records, next, nil
}

// commitBatch resolves and applies one batch, retrying the whole
// resolve+apply pair on commit failure. Re-resolving on each attempt is
// what keeps the retry idempotent: classification is always made against
// current destination state.
func (r *Runner) commitBatch(ctx context.Context, enriched []domain.EnrichedRecord, endToken string) (ApplyStats, error) {
	var stats ApplyStats

	operation := func() error {
		existing, err := r.resolver.Resolve(ctx, enriched)
		if err != nil {
			log.Printf("partition %s: resolve failed, will retry: %v", r.partitionID, err)
			return err
		}

		stats, err = r.writer.Apply(ctx, r.partitionID, enriched, existing, endToken)
		if err != nil {
			log.Printf("partition %s: commit failed, will retry: %v", r.partitionID, err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.opts.CommitRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return ApplyStats{}, fmt.Errorf("partition %s: batch commit exhausted retries: %w", r.partitionID, err)
	}
	return stats, nil
}
