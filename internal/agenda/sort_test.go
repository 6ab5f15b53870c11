package agenda

import (
	"testing"
	"time"

	"agenda/internal/model"
)

func allDayEvent(uid, title string, day time.Time) model.Occurrence {
	return model.Occurrence{UID: uid, Title: title, Start: day, End: day.AddDate(0, 0, 1)}
}

func timedEvent(uid, title string, start time.Time) model.Occurrence {
	return model.Occurrence{UID: uid, Title: title, Start: start, End: start.Add(time.Hour)}
}

func titles(events []model.Occurrence) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Title
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSortEvents_AllDayFirstThenByStart(t *testing.T) {
	day := at(2024, 1, 15, 0, 0)
	in := []model.Occurrence{
		timedEvent("t2", "Afternoon", at(2024, 1, 15, 14, 0)),
		allDayEvent("a1", "Birthday", day),
		timedEvent("t1", "Morning", at(2024, 1, 15, 9, 0)),
		allDayEvent("a2", "Anniversary", day),
	}

	got := titles(SortEvents(in))
	want := []string{"Anniversary", "Birthday", "Morning", "Afternoon"}
	if !equalStrings(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSortEvents_DoesNotMutateInput(t *testing.T) {
	in := []model.Occurrence{
		timedEvent("t2", "B", at(2024, 1, 15, 14, 0)),
		timedEvent("t1", "A", at(2024, 1, 15, 9, 0)),
	}
	before := titles(in)

	out := SortEvents(in)
	if !equalStrings(titles(in), before) {
		t.Errorf("input reordered: %v", titles(in))
	}
	out[0].Title = "changed"
	if in[0].Title == "changed" || in[1].Title == "changed" {
		t.Error("output shares storage with input")
	}
}

func TestSortEvents_LocaleAwareTitles(t *testing.T) {
	day := at(2024, 1, 15, 0, 0)
	in := []model.Occurrence{
		allDayEvent("1", "zebra", day),
		allDayEvent("2", "Éclair", day),
		allDayEvent("3", "apple", day),
	}
	got := titles(SortEvents(in))
	want := []string{"apple", "Éclair", "zebra"}
	if !equalStrings(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSortEvents_StableTies(t *testing.T) {
	start := at(2024, 1, 15, 9, 0)
	in := []model.Occurrence{
		timedEvent("first", "X", start),
		timedEvent("second", "Y", start),
		timedEvent("third", "Z", start),
	}
	out := SortEvents(in)
	for i, uid := range []string{"first", "second", "third"} {
		if out[i].UID != uid {
			t.Fatalf("tie order changed: %v", out)
		}
	}
}

func TestSortEvents_Empty(t *testing.T) {
	if got := SortEvents(nil); len(got) != 0 {
		t.Errorf("SortEvents(nil) = %v", got)
	}
}
