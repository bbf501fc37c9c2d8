package scheduler

import (
	"sort"
	"time"
)

// event is one (time, feature) pair reported by NextEventTime.
type event struct {
	at   time.Time
	name string
}

// batchEvents compresses a sorted burst of events into a single launch time
// and an aggregated reason list. Starting from the earliest event, each
// following event either is already covered (not later than the current
// optimum), or close enough (within the window) to be worth waiting for, or
// too far out and left for a later cycle.
func batchEvents(events []event, window time.Duration) (time.Time, []string) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	optimal := events[0].at
	reasons := []string{events[0].name}
	for _, ev := range events[1:] {
		delta := ev.at.Sub(optimal)
		switch {
		case delta <= 0:
			reasons = append(reasons, ev.name)
		case delta <= window:
			optimal = ev.at
			reasons = append(reasons, ev.name)
		default:
			return optimal, reasons
		}
	}
	return optimal, reasons
}
