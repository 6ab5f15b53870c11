// Package agenda turns expanded calendar occurrences into the grouped,
// cached agenda served to the UI.
package agenda

import "time"

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// IsAllDay reports whether [start, end) is exactly one midnight-aligned day.
// Wall-clock fields are read in each instant's own location; no zone
// conversion happens, so both must already be in the same frame.
func IsAllDay(start, end time.Time) bool {
	if !atMidnight(start) || !atMidnight(end) {
		return false
	}
	return end.UnixMilli()-start.UnixMilli() == dayMillis
}

func atMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}

// DisplayStart is the start label shown next to a timed event. All-day
// events have none.
func DisplayStart(start time.Time, allDay, use24Hour bool) string {
	if allDay {
		return ""
	}
	return clock(start, use24Hour)
}

// DisplayEnd returns ok=false for all-day events so callers can tell "no
// end shown" apart from an empty label.
func DisplayEnd(end time.Time, allDay, use24Hour bool) (string, bool) {
	if allDay {
		return "", false
	}
	return clock(end, use24Hour), true
}

func clock(t time.Time, use24Hour bool) string {
	if use24Hour {
		return t.Format("15:04")
	}
	return t.Format("3:04 PM")
}

// LocalDateKey is the YYYY-MM-DD of t's own wall clock.
func LocalDateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// CreateOccurrenceUID names one instance of a recurring series.
// Two instances on the same local date collide.
func CreateOccurrenceUID(baseUID string, start time.Time) string {
	return baseUID + "_" + LocalDateKey(start)
}
