package domain

// ResolveLatest reduces the rows returned by a bulk warehouse lookup to at
// most one row per booking id. Under correct single-writer discipline a key
// has a single row, but duplicates are tolerated defensively: the row with
// the latest LastWrittenAt wins, ties broken by the later EventTimestamp.
// Keys with no row are simply absent from the result, which downstream
// reads as the insert signal.
func ResolveLatest(rows []DestinationRow) map[string]DestinationRow {
	resolved := make(map[string]DestinationRow, len(rows))
	for _, row := range rows {
		current, exists := resolved[row.BookingID]
		if !exists || supersedes(row, current) {
			resolved[row.BookingID] = row
		}
	}
	return resolved
}

// supersedes reports whether candidate should replace current in the
// resolved mapping.
func supersedes(candidate, current DestinationRow) bool {
	if !candidate.LastWrittenAt.Equal(current.LastWrittenAt) {
		return candidate.LastWrittenAt.After(current.LastWrittenAt)
	}
	return candidate.EventTimestamp.After(current.EventTimestamp)
}
