package agenda

import (
	"testing"

	"agenda/internal/model"
)

func TestGroupByDate_PreservesOrder(t *testing.T) {
	sorted := SortEvents([]model.Occurrence{
		timedEvent("m2", "Standup", at(2024, 1, 16, 9, 0)),
		allDayEvent("h", "Holiday", at(2024, 1, 15, 0, 0)),
		timedEvent("m1", "Sync", at(2024, 1, 15, 14, 0)),
		timedEvent("m0", "Breakfast", at(2024, 1, 15, 8, 0)),
	})

	got := GroupByDate(sorted)
	if len(got) != 2 {
		t.Fatalf("days = %d, want 2", len(got))
	}
	if want := []string{"Holiday", "Breakfast", "Sync"}; !equalStrings(titles(got["2024-01-15"]), want) {
		t.Errorf("2024-01-15 = %v, want %v", titles(got["2024-01-15"]), want)
	}
	if want := []string{"Standup"}; !equalStrings(titles(got["2024-01-16"]), want) {
		t.Errorf("2024-01-16 = %v, want %v", titles(got["2024-01-16"]), want)
	}

	keys := SortedDateKeys(got)
	if !equalStrings(keys, []string{"2024-01-15", "2024-01-16"}) {
		t.Errorf("SortedDateKeys = %v", keys)
	}
}

func TestGroupByDate_KeyFromStart(t *testing.T) {
	// A late event running past midnight belongs to its start date.
	late := model.Occurrence{UID: "x", Start: at(2024, 1, 15, 23, 0), End: at(2024, 1, 16, 1, 0)}
	got := GroupByDate([]model.Occurrence{late})
	if _, ok := got["2024-01-15"]; !ok || len(got) != 1 {
		t.Errorf("groups = %v", got)
	}
}

func TestFilterBySource(t *testing.T) {
	byDate := map[string][]model.Occurrence{
		"2024-01-15": {{UID: "a"}, {UID: "b"}},
		"2024-01-16": {{UID: "c"}},
	}
	index := map[string]string{"a": "urlA", "b": "urlB", "c": "urlB"}

	if got := FilterBySource(byDate, index, "all"); len(got) != 2 {
		t.Errorf("all: %v", got)
	}
	if got := FilterBySource(byDate, index, ""); len(got) != 2 {
		t.Errorf("empty: %v", got)
	}

	got := FilterBySource(byDate, index, "urlA")
	if len(got) != 1 || len(got["2024-01-15"]) != 1 || got["2024-01-15"][0].UID != "a" {
		t.Errorf("urlA: %v", got)
	}

	got = FilterBySource(byDate, index, "urlB")
	if len(got["2024-01-15"]) != 1 || len(got["2024-01-16"]) != 1 {
		t.Errorf("urlB: %v", got)
	}
}
