package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// dateLayout is the wire format for calendar dates in booking events.
const dateLayout = "2006-01-02"

// Date is a calendar date without a time-of-day component.
// Booking events carry check-in/check-out as plain dates; keeping them
// separate from timestamps avoids accidental timezone arithmetic.
type Date struct {
	time.Time
}

// NewDate creates a Date for the given year, month and day (UTC midnight).
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a date in YYYY-MM-DD format.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t}, nil
}

// DaysUntil returns the whole-day difference between d and other.
// Negative when other is earlier than d.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time.Sub(d.Time).Hours() / 24)
}

// MarshalJSON encodes the date as a YYYY-MM-DD string.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Time.Format(dateLayout) + `"`), nil
}

// UnmarshalJSON decodes a YYYY-MM-DD string.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date literal: %s", s)
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Scan implements sql.Scanner so Date can be read from a DATE column.
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		d.Time = time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}

// Value implements driver.Valuer so Date can be written to a DATE column.
func (d Date) Value() (driver.Value, error) {
	return d.Time, nil
}

// Location is the nested city/country pair carried by raw booking events.
type Location struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

// ChangeRecord is one booking event as read from the change feed.
// BookingID is the primary business key; EventTimestamp orders versions of
// the same booking. ContinuationToken and PartitionID are assigned by the
// reader from the record's position in the feed, not by the event payload.
type ChangeRecord struct {
	BookingID      string          `json:"booking_id"`
	PropertyID     string          `json:"property_id"`
	CustomerID     int64           `json:"customer_id"`
	OwnerID        string          `json:"owner_id"`
	CheckInDate    Date            `json:"check_in_date"`
	CheckOutDate   Date            `json:"check_out_date"`
	BookingDate    time.Time       `json:"booking_date"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Location       Location        `json:"location"`
	EventTimestamp time.Time       `json:"event_timestamp"`

	PartitionID       string `json:"-"`
	ContinuationToken string `json:"-"`
}

// EnrichedRecord is a ChangeRecord extended with derived fields computed by
// the enricher. Derived values are a pure function of the raw record, so
// overwriting them on update is naturally idempotent.
type EnrichedRecord struct {
	ChangeRecord

	StayDurationDays int
	BookingYear      int
	BookingMonth     int
	City             string
	Country          string
	FullAddress      string
}

// DestinationRow is the persisted warehouse record for a booking.
type DestinationRow struct {
	EnrichedRecord

	LastWrittenAt time.Time
}

// RejectionReason identifies why the quality gate refused a record.
type RejectionReason string

const (
	// ReasonMissingBookingID flags a record without its business key.
	ReasonMissingBookingID RejectionReason = "missing booking id"

	// ReasonInvalidDateRange flags check_out earlier than check_in.
	ReasonInvalidDateRange RejectionReason = "invalid date range"

	// ReasonNegativeAmount flags a negative booking amount.
	ReasonNegativeAmount RejectionReason = "negative amount"
)

// RejectedRecord pairs the original record with diagnostic metadata.
// Rejected records are persisted for audit and never mutated.
type RejectedRecord struct {
	ID         uuid.UUID
	Record     ChangeRecord
	Reason     RejectionReason
	RejectedAt time.Time
}

// NewRejectedRecord stamps a rejected record with an id and rejection time.
func NewRejectedRecord(record ChangeRecord, reason RejectionReason) RejectedRecord {
	return RejectedRecord{
		ID:         uuid.New(),
		Record:     record,
		Reason:     reason,
		RejectedAt: time.Now().UTC(),
	}
}

// Checkpoint is the durable cursor for one feed partition. The token is
// opaque outside the feed implementation and only ever advances to the
// end-of-batch position after that batch fully committed.
type Checkpoint struct {
	PartitionID    string
	Token          string
	LastAdvancedAt time.Time
}
