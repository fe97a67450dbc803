package search

// HasMore decides whether an infinite-scroll consumer should request the
// next page. With a backend-reported total the answer is exact. Without
// one, a full page suggests more may exist and a short page is
// conclusive. That is a heuristic, not a count.
func HasMore(totalKnown bool, total, accumulated, lastPageSize, limit int) bool {
	if totalKnown {
		return accumulated < total
	}
	return lastPageSize == limit
}

// TotalEstimate reports the total to display. Without a backend total it
// stays unknown while more pages might exist, and becomes the
// accumulated count once a short page proves exhaustion.
func TotalEstimate(totalKnown bool, total, accumulated int, hasMore bool) (int, bool) {
	if totalKnown {
		return total, true
	}
	if hasMore {
		return 0, false
	}
	return accumulated, true
}
