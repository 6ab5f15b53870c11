package agenda

import (
	"slices"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"agenda/internal/model"
)

// SortEvents returns a new slice: all-day occurrences first ordered by
// title (locale-aware), then timed occurrences by start. The input is not
// modified.
func SortEvents(events []model.Occurrence) []model.Occurrence {
	allDay := make([]model.Occurrence, 0, len(events))
	timed := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		if IsAllDay(ev.Start, ev.End) {
			allDay = append(allDay, ev)
		} else {
			timed = append(timed, ev)
		}
	}

	// A Collator keeps internal buffers and is not safe for concurrent use.
	col := collate.New(language.English)
	slices.SortStableFunc(allDay, func(a, b model.Occurrence) int {
		return col.CompareString(a.Title, b.Title)
	})
	slices.SortStableFunc(timed, func(a, b model.Occurrence) int {
		return a.Start.Compare(b.Start)
	})

	return append(allDay, timed...)
}
