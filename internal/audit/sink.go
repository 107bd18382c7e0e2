package audit

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// Sink buffers rejected records and writes them to the audit store from
// its own goroutine. Sink failures are logged and retried here, never
// surfaced to the upsert path: data-quality auditing and warehouse
// consistency are independent correctness concerns, and the second must
// not wait on the first.
type Sink struct {
	appender domain.RejectedRecordSink
	queue    chan []domain.RejectedRecord
	maxWait  time.Duration
}

// NewSink creates a sink with the given buffer capacity (in batches).
func NewSink(appender domain.RejectedRecordSink, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sink{
		appender: appender,
		queue:    make(chan []domain.RejectedRecord, buffer),
		maxWait:  30 * time.Second,
	}
}

// Enqueue hands a batch of rejected records to the sink without blocking.
// When the buffer is full the batch is dropped with a loud log line:
// losing audit rows is preferable to stalling checkpoint progress.
func (s *Sink) Enqueue(records []domain.RejectedRecord) {
	if len(records) == 0 {
		return
	}
	select {
	case s.queue <- records:
	default:
		log.Printf("rejected-record sink buffer full, dropping %d audit record(s)", len(records))
	}
}

// Run drains the queue until the context is cancelled, retrying each
// append with bounded exponential backoff. A batch that still fails after
// the retry budget is logged and dropped; the pipeline keeps going. On
// shutdown the remaining buffered batches get one flush attempt so audit
// loss is bounded and, when it happens, logged.
func (s *Sink) Run(ctx context.Context) {
	log.Println("rejected-record sink started")
	for {
		if ctx.Err() != nil {
			s.drain()
			return
		}
		select {
		case <-ctx.Done():
			s.drain()
			return
		case records := <-s.queue:
			s.append(ctx, records)
		}
	}
}

// drain flushes whatever is still buffered at shutdown under a fresh
// short-lived context, then logs the count of anything it had to drop.
func (s *Sink) drain() {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dropped := 0
	for {
		select {
		case records := <-s.queue:
			if err := s.appender.Append(flushCtx, records); err != nil {
				log.Printf("rejected-record sink shutdown flush failed: %v", err)
				dropped += len(records)
			}
		default:
			if dropped > 0 {
				log.Printf("rejected-record sink dropped %d audit record(s) on shutdown", dropped)
			}
			log.Println("rejected-record sink stopping")
			return
		}
	}
}

// append writes one batch, retrying transient storage failures.
func (s *Sink) append(ctx context.Context, records []domain.RejectedRecord) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.maxWait

	operation := func() error {
		return s.appender.Append(ctx, records)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		log.Printf("rejected-record sink gave up on %d record(s): %v", len(records), err)
	}
}
