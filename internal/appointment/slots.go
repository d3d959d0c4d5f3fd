package appointment

import (
	"fmt"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	LabelLayout = "15:04"
)

// Grid is the fixed scheduling grid of one clinic day: slots every Step from
// OpenAt up to, but not including, CloseAt, on the wall clock of Location.
type Grid struct {
	OpenAt   time.Duration
	CloseAt  time.Duration
	Step     time.Duration
	Location *time.Location
}

// DefaultGrid is the observed deployment: 08:00 to 17:00 every 30 minutes.
func DefaultGrid(loc *time.Location) Grid {
	if loc == nil {
		loc = time.UTC
	}
	return Grid{
		OpenAt:   8 * time.Hour,
		CloseAt:  17 * time.Hour,
		Step:     30 * time.Minute,
		Location: loc,
	}
}

func (g Grid) loc() *time.Location {
	if g.Location == nil {
		return time.UTC
	}
	return g.Location
}

// ParseDay reads a YYYY-MM-DD date as local midnight in the clinic zone.
func (g Grid) ParseDay(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, g.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

// ParseSlot combines a YYYY-MM-DD date and an HH:MM time into an instant in
// the clinic zone.
func (g Grid) ParseSlot(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout+" "+LabelLayout, date+" "+clock, g.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("date and time must be YYYY-MM-DD and HH:MM: %w", err)
	}
	return t, nil
}

// DayRange returns [start, end) of the clinic-local calendar day containing t.
// AddDate keeps the bounds on local midnight across DST changes.
func (g Grid) DayRange(t time.Time) (time.Time, time.Time) {
	local := t.In(g.loc())
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc())
	return start, start.AddDate(0, 0, 1)
}

// CalendarDay is the clinic-local date of t, as midnight UTC. It is the value
// stored in appointments.slot_day.
func (g Grid) CalendarDay(t time.Time) time.Time {
	local := t.In(g.loc())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats the clinic-local date of t, used in lock keys and logs.
func (g Grid) DayKey(t time.Time) string {
	return t.In(g.loc()).Format(DateLayout)
}

// Label is the HH:MM time of day of t in the clinic zone.
func (g Grid) Label(t time.Time) string {
	return t.In(g.loc()).Format(LabelLayout)
}

// Slots enumerates every grid position of the day containing day, ascending.
func (g Grid) Slots(day time.Time) []time.Time {
	if g.Step <= 0 || g.CloseAt <= g.OpenAt {
		return nil
	}
	local := day.In(g.loc())
	y, m, d := local.Date()

	var out []time.Time
	for off := g.OpenAt; off < g.CloseAt; off += g.Step {
		mins := int(off / time.Minute)
		out = append(out, time.Date(y, m, d, 0, mins, 0, 0, g.loc()))
	}
	return out
}

// OnGrid reports whether t is exactly one of the grid positions of its day.
func (g Grid) OnGrid(t time.Time) bool {
	local := t.In(g.loc())
	if local.Second() != 0 || local.Nanosecond() != 0 {
		return false
	}
	off := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
	if off < g.OpenAt || off >= g.CloseAt {
		return false
	}
	return (off-g.OpenAt)%g.Step == 0
}
