package core

import "time"

// MonthWindow returns the accumulated-spend evaluation window for now: the
// first instant of the calendar month containing now, through now itself.
// Callers recompute the window on every evaluation.
func MonthWindow(now time.Time) (start, end time.Time) {
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return start, now
}
