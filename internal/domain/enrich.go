package domain

// Enrich computes the derived fields for an accepted record. It is a pure,
// deterministic, total function: any shape of data that would need to be
// refused belongs in Validate, never here. Stay duration may only be
// negative for records the quality gate already rejected.
func Enrich(record ChangeRecord) EnrichedRecord {
	return EnrichedRecord{
		ChangeRecord:     record,
		StayDurationDays: record.CheckInDate.DaysUntil(record.CheckOutDate),
		BookingYear:      record.BookingDate.Year(),
		BookingMonth:     int(record.BookingDate.Month()),
		City:             record.Location.City,
		Country:          record.Location.Country,
		FullAddress:      record.Location.City + ", " + record.Location.Country,
	}
}

// EnrichAll enriches a batch, preserving order.
func EnrichAll(records []ChangeRecord) []EnrichedRecord {
	enriched := make([]EnrichedRecord, 0, len(records))
	for _, record := range records {
		enriched = append(enriched, Enrich(record))
	}
	return enriched
}
