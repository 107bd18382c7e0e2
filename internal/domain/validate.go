package domain

// Validate applies the quality gate rules to a single record. It returns
// ok=true when the record may proceed to enrichment, or ok=false with the
// first violated rule's reason. The check order is fixed (key presence,
// then date ordering, then amount sign) so multi-violation records report
// a deterministic reason.
//
// Validate is a pure function; rejected records never reach the resolver
// or the writer.
func Validate(record ChangeRecord) (reason RejectionReason, ok bool) {
	if record.BookingID == "" {
		return ReasonMissingBookingID, false
	}
	if record.CheckOutDate.Before(record.CheckInDate.Time) {
		return ReasonInvalidDateRange, false
	}
	if record.Amount.IsNegative() {
		return ReasonNegativeAmount, false
	}
	return "", true
}

// Partition splits a batch into its accepted and rejected halves, stamping
// rejected records with their reason and rejection time. Input order is
// preserved within each half.
func Partition(records []ChangeRecord) (accepted []ChangeRecord, rejected []RejectedRecord) {
	for _, record := range records {
		if reason, ok := Validate(record); ok {
			accepted = append(accepted, record)
		} else {
			rejected = append(rejected, NewRejectedRecord(record, reason))
		}
	}
	return accepted, rejected
}
