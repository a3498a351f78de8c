// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements monitor.Clock using time.Now. Times are always UTC; callers
// convert to the schedule location when they need wall-clock hours.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
