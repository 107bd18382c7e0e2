package pipeline

import (
	"context"
	"fmt"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// Resolver answers, for each record in a batch, whether its booking id
// already exists in the warehouse. It issues exactly one bulk lookup per
// batch regardless of batch size; per-record round trips are the main
// throughput trap this component exists to avoid.
type Resolver struct {
	bookings domain.BookingRepository
}

// NewResolver creates a new Resolver.
func NewResolver(bookings domain.BookingRepository) *Resolver {
	return &Resolver{bookings: bookings}
}

// Resolve maps each booking id in the batch to its current warehouse row.
// Keys with no row are absent from the result; that absence, not an error,
// is the insert signal downstream.
func (r *Resolver) Resolve(ctx context.Context, batch []domain.EnrichedRecord) (map[string]domain.DestinationRow, error) {
	if len(batch) == 0 {
		return map[string]domain.DestinationRow{}, nil
	}

	keys := uniqueBookingIDs(batch)
	rows, err := r.bookings.LookupAll(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("bulk lookup of %d booking ids: %w", len(keys), err)
	}

	return domain.ResolveLatest(rows), nil
}

// uniqueBookingIDs collects the distinct booking ids of a batch, preserving
// first-occurrence order.
func uniqueBookingIDs(batch []domain.EnrichedRecord) []string {
	seen := make(map[string]struct{}, len(batch))
	keys := make([]string, 0, len(batch))
	for _, record := range batch {
		if _, ok := seen[record.BookingID]; ok {
			continue
		}
		seen[record.BookingID] = struct{}{}
		keys = append(keys, record.BookingID)
	}
	return keys
}
