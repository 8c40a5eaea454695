package queue

import "time"

// backoff returns the minimum dwell time a queued event with the given
// attempt count must wait since last_updated before it becomes ready
// again. Two schedules appear in the historical source
// (original_source/indexer.py get_next_event uses 30m*2*attempts; other
// deployments used 1h*attempts) — spec.md §9 leaves the choice open and
// requires only that backoff(0) == 0 and the function be monotonically
// non-decreasing. This implementation follows indexer.py literally: the
// faster, more reactive schedule (see DESIGN.md Open Question decisions).
func backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}

	return 30 * time.Minute * time.Duration(2*attempts) //nolint:mnd
}
