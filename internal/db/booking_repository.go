package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// BookingRepository implements domain.BookingRepository against the
// bookings warehouse table using PostgreSQL.
type BookingRepository struct {
	pool *pgxpool.Pool
}

// NewBookingRepository creates a new BookingRepository.
func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

// conn returns the context's transaction when one is open, otherwise the pool.
func (r *BookingRepository) conn(ctx context.Context) querier {
	if tx := getTx(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// LookupAll performs one bulk lookup for the given booking ids and returns
// every matching row. Duplicate rows for a key are returned as-is; picking
// the authoritative one is the resolver's job. Lookups see a single
// statement snapshot, which is consistent for the duration of one batch
// resolution.
func (r *BookingRepository) LookupAll(ctx context.Context, bookingIDs []string) ([]domain.DestinationRow, error) {
	if len(bookingIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT booking_id, property_id, customer_id, owner_id,
		       check_in_date, check_out_date, booking_date,
		       amount::text, currency, city, country, full_address,
		       stay_duration_days, booking_year, booking_month,
		       event_timestamp, last_written_at
		FROM bookings
		WHERE booking_id = ANY($1)
	`

	rows, err := r.conn(ctx).Query(ctx, query, bookingIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up bookings: %w", err)
	}
	defer rows.Close()

	var result []domain.DestinationRow

	for rows.Next() {
		var row domain.DestinationRow
		var amount string

		err := rows.Scan(
			&row.BookingID,
			&row.PropertyID,
			&row.CustomerID,
			&row.OwnerID,
			&row.CheckInDate,
			&row.CheckOutDate,
			&row.BookingDate,
			&amount,
			&row.Currency,
			&row.City,
			&row.Country,
			&row.FullAddress,
			&row.StayDurationDays,
			&row.BookingYear,
			&row.BookingMonth,
			&row.EventTimestamp,
			&row.LastWrittenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking row: %w", err)
		}

		row.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q for booking %s: %w", amount, row.BookingID, err)
		}

		// The flattened location is authoritative in the warehouse; mirror
		// it back into the nested form so later comparisons see one shape.
		row.Location = domain.Location{City: row.City, Country: row.Country}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating booking rows: %w", err)
	}

	return result, nil
}

// Insert writes a brand-new booking row.
func (r *BookingRepository) Insert(ctx context.Context, row domain.DestinationRow) error {
	query := `
		INSERT INTO bookings (
			booking_id, property_id, customer_id, owner_id,
			check_in_date, check_out_date, booking_date,
			amount, currency, city, country, full_address,
			stay_duration_days, booking_year, booking_month,
			event_timestamp, last_written_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := r.conn(ctx).Exec(ctx, query,
		row.BookingID,
		row.PropertyID,
		row.CustomerID,
		row.OwnerID,
		row.CheckInDate,
		row.CheckOutDate,
		row.BookingDate,
		row.Amount,
		row.Currency,
		row.City,
		row.Country,
		row.FullAddress,
		row.StayDurationDays,
		row.BookingYear,
		row.BookingMonth,
		row.EventTimestamp,
		row.LastWrittenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking %s: %w", row.BookingID, err)
	}
	return nil
}

// Update overwrites every column of the row(s) matching the booking id.
// Type 1 semantics: prior values are discarded, no history retained. When
// duplicate rows share the key they are all overwritten, converging them.
func (r *BookingRepository) Update(ctx context.Context, row domain.DestinationRow) error {
	query := `
		UPDATE bookings
		SET property_id = $2,
		    customer_id = $3,
		    owner_id = $4,
		    check_in_date = $5,
		    check_out_date = $6,
		    booking_date = $7,
		    amount = $8,
		    currency = $9,
		    city = $10,
		    country = $11,
		    full_address = $12,
		    stay_duration_days = $13,
		    booking_year = $14,
		    booking_month = $15,
		    event_timestamp = $16,
		    last_written_at = $17
		WHERE booking_id = $1
	`

	tag, err := r.conn(ctx).Exec(ctx, query,
		row.BookingID,
		row.PropertyID,
		row.CustomerID,
		row.OwnerID,
		row.CheckInDate,
		row.CheckOutDate,
		row.BookingDate,
		row.Amount,
		row.Currency,
		row.City,
		row.Country,
		row.FullAddress,
		row.StayDurationDays,
		row.BookingYear,
		row.BookingMonth,
		row.EventTimestamp,
		row.LastWrittenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking %s: %w", row.BookingID, err)
	}
	if tag.RowsAffected() == 0 {
		// The writer only issues updates for keys it just resolved, and it
		// is the sole writer; a vanished row means that assumption broke.
		return fmt.Errorf("booking %s not found for update", row.BookingID)
	}
	return nil
}
