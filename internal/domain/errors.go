package domain

import "errors"

var (
	// ErrSourceUnavailable is returned by the change feed reader when the
	// source cannot be reached after local retry. Transient: the caller may
	// retry with backoff.
	ErrSourceUnavailable = errors.New("change feed source unavailable")

	// ErrInvalidCheckpoint is returned when a stored checkpoint position no
	// longer exists in the feed's retention window. Unrecoverable: resuming
	// would silently skip pruned records, so the checkpoint must never be
	// auto-reset. Requires operator intervention.
	ErrInvalidCheckpoint = errors.New("checkpoint position no longer exists in the change feed")

	// ErrCheckpointRegression is returned when a checkpoint write would move
	// the cursor backwards. The writer is the sole owner of checkpoint
	// advancement, so this indicates a bug or a second writer.
	ErrCheckpointRegression = errors.New("checkpoint token is older than the stored position")
)
