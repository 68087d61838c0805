package store

import "qms/token-portal/internal/models"

var statusRank = map[string]int{
	models.StatusWaiting:   0,
	models.StatusCalled:    1,
	models.StatusServing:   2,
	models.StatusCompleted: 3,
}

// ValidTransition enforces forward-only movement along
// waiting < called < serving < completed, with cancelled reachable from
// any non-terminal status.
func ValidTransition(fromStatus, toStatus string) bool {
	from := models.NormalizeStatus(fromStatus)
	to := models.NormalizeStatus(toStatus)
	if models.IsTerminal(from) {
		return false
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	if to == models.StatusCancelled {
		return true
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}
