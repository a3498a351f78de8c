// Package schedule computes check slots and drives periodic polling.
package schedule

import (
	"sort"
	"time"
)

// DefaultHours are the local hours at which a due-gated check becomes due.
var DefaultHours = []int{8, 12, 16}

// NextSlot returns the first configured hour strictly after the current hour
// of now in loc, or the first configured hour of the following day. Minutes
// and seconds are zero. Hours outside 0..23 are ignored; an empty list uses
// DefaultHours.
func NextSlot(now time.Time, hours []int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	slots := normalize(hours)
	if len(slots) == 0 {
		slots = DefaultHours
	}

	local := now.In(loc)
	y, m, d := local.Date()
	for _, h := range slots {
		if h > local.Hour() {
			return time.Date(y, m, d, h, 0, 0, 0, loc)
		}
	}
	return time.Date(y, m, d+1, slots[0], 0, 0, 0, loc)
}

func normalize(hours []int) []int {
	seen := make(map[int]bool, len(hours))
	out := make([]int, 0, len(hours))
	for _, h := range hours {
		if h < 0 || h > 23 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

// MinutesUntil returns the whole minutes from now until next, rounded up and
// never negative.
func MinutesUntil(now, next time.Time) int {
	d := next.Sub(now)
	if d <= 0 {
		return 0
	}
	minutes := int(d / time.Minute)
	if d%time.Minute != 0 {
		minutes++
	}
	return minutes
}
