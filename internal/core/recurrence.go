package core

import (
	"fmt"
	"time"
)

// Advancer is the strategy interface for computing the next due time of an
// obligation. Implementations must be pure: same input, same output.
type Advancer interface {
	// Next returns the due time exactly one cadence step after current.
	Next(current time.Time) time.Time
}

// DailyAdvancer implements Advancer for daily obligations.
type DailyAdvancer struct{}

func (DailyAdvancer) Next(current time.Time) time.Time {
	return current.AddDate(0, 0, 1)
}

// WeeklyAdvancer implements Advancer for weekly obligations.
type WeeklyAdvancer struct{}

func (WeeklyAdvancer) Next(current time.Time) time.Time {
	return current.AddDate(0, 0, 7)
}

// MonthlyAdvancer implements Advancer for monthly obligations.
//
// The day of month is clamped to the last valid day of the target month:
// Jan 31 advances to Feb 29 in a leap year and Feb 28 otherwise, never
// wrapping into March. This keeps advancement deterministic for catch-up.
type MonthlyAdvancer struct{}

func (MonthlyAdvancer) Next(current time.Time) time.Time {
	return addMonthsClamped(current, 1)
}

// YearlyAdvancer implements Advancer for yearly obligations.
// Feb 29 advances to Feb 28 of a non-leap target year, same clamping rule
// as the monthly cadence.
type YearlyAdvancer struct{}

func (YearlyAdvancer) Next(current time.Time) time.Time {
	return addMonthsClamped(current, 12)
}

// addMonthsClamped adds whole calendar months, clamping the day of month to
// the last valid day of the target month instead of letting the calendar
// normalize overflow days into the following month.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	lastDay := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	hour, min, sec := t.Clock()
	return time.Date(target.Year(), target.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

// advancers maps cadences to their corresponding strategies.
var advancers = map[Cadence]Advancer{
	Daily:   DailyAdvancer{},
	Weekly:  WeeklyAdvancer{},
	Monthly: MonthlyAdvancer{},
	Yearly:  YearlyAdvancer{},
}

// AdvancerFor returns the advancer for a cadence, or an error wrapping
// ErrInvalidCadence for unsupported cadences.
func AdvancerFor(cadence Cadence) (Advancer, error) {
	adv, ok := advancers[cadence]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCadence, cadence)
	}
	return adv, nil
}

// Advance computes the due time one cadence step after current. It has no
// side effects and is stable across calls, which the processing engine
// relies on for deterministic catch-up.
func Advance(current time.Time, cadence Cadence) (time.Time, error) {
	adv, err := AdvancerFor(cadence)
	if err != nil {
		return time.Time{}, err
	}
	return adv.Next(current), nil
}
