package agenda

import (
	"maps"
	"slices"

	"agenda/internal/model"
)

// GroupByDate buckets sorted occurrences by LocalDateKey(start), keeping
// their relative order. The key always comes from the start instant.
func GroupByDate(sorted []model.Occurrence) map[string][]model.Occurrence {
	out := make(map[string][]model.Occurrence)
	for _, ev := range sorted {
		key := LocalDateKey(ev.Start)
		out[key] = append(out[key], ev)
	}
	return out
}

// SortedDateKeys returns the keys of eventsByDate in ascending order.
func SortedDateKeys(eventsByDate map[string][]model.Occurrence) []string {
	return slices.Sorted(maps.Keys(eventsByDate))
}

// FilterBySource keeps only occurrences whose index entry equals selected.
// selected == "all" (or empty) returns eventsByDate unchanged. Dates left
// without events are dropped.
func FilterBySource(eventsByDate map[string][]model.Occurrence, index map[string]string, selected string) map[string][]model.Occurrence {
	if selected == "" || selected == "all" {
		return eventsByDate
	}
	out := make(map[string][]model.Occurrence)
	for date, events := range eventsByDate {
		for _, ev := range events {
			if index[ev.UID] == selected {
				out[date] = append(out[date], ev)
			}
		}
	}
	return out
}
