package ics

import (
	"slices"
	"testing"
	"time"
)

func localAt(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, testLoc)
}

func weekly(uid string, start time.Time, rule string) ParsedEvent {
	return ParsedEvent{
		SourceURL: testSrc.URL,
		UID:       uid,
		Summary:   "Standup",
		Start:     start,
		End:       start.Add(30 * time.Minute),
		TimeZone:  "America/Chicago",
		RawRRule:  rule,
	}
}

func uids(res ExpandResult) []string {
	out := make([]string, len(res.Occurrences))
	for i, o := range res.Occurrences {
		out[i] = o.UID
	}
	return out
}

func TestExpandOccurrences_Weekly(t *testing.T) {
	ev := weekly("standup", localAt(2024, 1, 1, 9, 0), "FREQ=WEEKLY;COUNT=10")
	res, err := ExpandOccurrences([]ParsedEvent{ev}, ExpandConfig{
		Location:   testLoc,
		Now:        localAt(2024, 1, 1, 0, 0),
		RangeStart: localAt(2024, 1, 1, 0, 0),
		RangeEnd:   localAt(2024, 1, 22, 9, 0),
	})
	if err != nil {
		t.Fatalf("ExpandOccurrences: %v", err)
	}

	want := []string{"standup_2024-01-01", "standup_2024-01-08", "standup_2024-01-15", "standup_2024-01-22"}
	if got := uids(res); !slices.Equal(got, want) {
		t.Fatalf("uids = %v, want %v", got, want)
	}
	for _, o := range res.Occurrences {
		if o.Start.Hour() != 9 || o.Start.Location() != testLoc {
			t.Errorf("start = %v, want 09:00 local", o.Start)
		}
		if o.End.Sub(o.Start) != 30*time.Minute {
			t.Errorf("duration = %v", o.End.Sub(o.Start))
		}
		if o.TimeZone != "America/Chicago" || o.RecurrenceOf != "standup" {
			t.Errorf("occurrence = %+v", o)
		}
	}
}

func TestExpandOccurrences_WallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, ny)
	ev := ParsedEvent{UID: "w", Start: start, End: start.Add(time.Hour), RawRRule: "FREQ=WEEKLY;COUNT=3"}

	res, err := ExpandOccurrences([]ParsedEvent{ev}, ExpandConfig{
		Location:   ny,
		Now:        start,
		RangeStart: start,
		RangeEnd:   start.AddDate(0, 0, 21),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Occurrences) != 3 {
		t.Fatalf("occurrences = %d, want 3", len(res.Occurrences))
	}
	// 2024-03-10 is the spring-forward date; every instance stays at 09:00.
	for _, o := range res.Occurrences {
		if o.Start.Hour() != 9 {
			t.Errorf("start = %v, want 09:00 wall clock", o.Start)
		}
	}
	if res.Occurrences[1].Start.Sub(res.Occurrences[0].Start) != 7*24*time.Hour-time.Hour {
		t.Errorf("gap across DST = %v", res.Occurrences[1].Start.Sub(res.Occurrences[0].Start))
	}
}

func TestExpandOccurrences_SingleEventsFilteredByNow(t *testing.T) {
	now := localAt(2024, 1, 15, 12, 0)
	events := []ParsedEvent{
		{UID: "past", Start: now.Add(-time.Minute), End: now},
		{UID: "exactly-now", Start: now, End: now.Add(time.Hour)},
		{UID: "future", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
	}
	res, err := ExpandOccurrences(events, ExpandConfig{Location: testLoc, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if got := uids(res); !slices.Equal(got, []string{"exactly-now", "future"}) {
		t.Errorf("uids = %v", got)
	}
	if res.Occurrences[0].RecurrenceOf != "" {
		t.Error("single event must not carry RecurrenceOf")
	}
}

func TestExpandOccurrences_ExDatesAndOverride(t *testing.T) {
	ev := weekly("standup", localAt(2024, 1, 1, 9, 0), "FREQ=WEEKLY;COUNT=4")
	ev.ExDates = []time.Time{localAt(2024, 1, 8, 9, 0)}

	rid := localAt(2024, 1, 15, 9, 0)
	override := ParsedEvent{
		SourceURL:  testSrc.URL,
		UID:        "standup",
		Summary:    "Standup (moved)",
		Start:      localAt(2024, 1, 15, 11, 0),
		End:        localAt(2024, 1, 15, 11, 30),
		Recurrence: &rid,
		IsOverride: true,
	}

	res, err := ExpandOccurrences([]ParsedEvent{ev, override}, ExpandConfig{
		Location:   testLoc,
		Now:        localAt(2024, 1, 1, 0, 0),
		RangeStart: localAt(2024, 1, 1, 0, 0),
		RangeEnd:   localAt(2024, 2, 1, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"standup_2024-01-01", "standup_2024-01-15", "standup_2024-01-22"}
	if got := uids(res); !slices.Equal(got, want) {
		t.Fatalf("uids = %v, want %v", got, want)
	}
	moved := res.Occurrences[1]
	if moved.Title != "Standup (moved)" || moved.Start.Hour() != 11 {
		t.Errorf("override not applied: %+v", moved)
	}
}

func TestExpandOccurrences_OverridesFollowTheirNewStart(t *testing.T) {
	ev := weekly("standup", localAt(2024, 1, 1, 9, 0), "FREQ=WEEKLY;COUNT=4")

	early := localAt(2024, 1, 1, 9, 0)
	late := localAt(2024, 1, 15, 9, 0)
	pulledIn := ParsedEvent{
		SourceURL:  testSrc.URL,
		UID:        "standup",
		Summary:    "Standup (pulled in)",
		Start:      localAt(2024, 1, 10, 11, 0),
		End:        localAt(2024, 1, 10, 11, 30),
		Recurrence: &early,
		IsOverride: true,
	}
	pushedOut := ParsedEvent{
		SourceURL:  testSrc.URL,
		UID:        "standup",
		Summary:    "Standup (pushed out)",
		Start:      localAt(2024, 1, 5, 9, 0),
		End:        localAt(2024, 1, 5, 9, 30),
		Recurrence: &late,
		IsOverride: true,
	}

	res, err := ExpandOccurrences([]ParsedEvent{ev, pulledIn, pushedOut}, ExpandConfig{
		Location:   testLoc,
		Now:        localAt(2024, 1, 8, 0, 0),
		RangeStart: localAt(2024, 1, 8, 0, 0),
		RangeEnd:   localAt(2024, 2, 1, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"standup_2024-01-08", "standup_2024-01-22", "standup_2024-01-01"}
	if got := uids(res); !slices.Equal(got, want) {
		t.Fatalf("uids = %v, want %v", got, want)
	}
	moved := res.Occurrences[2]
	if moved.Title != "Standup (pulled in)" || !moved.Start.Equal(pulledIn.Start) || moved.RecurrenceOf != "standup" {
		t.Errorf("pulled-in occurrence = %+v", moved)
	}
}

func TestExpandOccurrences_UTCUntil(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	start := time.Date(2024, 6, 3, 9, 0, 0, 0, berlin)

	tests := []struct {
		name string
		rule string
		want []string
	}{
		// 07:00Z is 09:00 in Berlin, exactly the second instance.
		{"utc instant", "FREQ=WEEKLY;UNTIL=20240610T070000Z", []string{"m_2024-06-03", "m_2024-06-10"}},
		{"utc before second", "FREQ=WEEKLY;UNTIL=20240610T065959Z", []string{"m_2024-06-03"}},
		{"floating date", "FREQ=WEEKLY;UNTIL=20240610", []string{"m_2024-06-03"}},
		{"floating date-time", "FREQ=WEEKLY;UNTIL=20240610T090000", []string{"m_2024-06-03", "m_2024-06-10"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParsedEvent{UID: "m", Start: start, End: start.Add(time.Hour), RawRRule: tt.rule}
			res, err := ExpandOccurrences([]ParsedEvent{ev}, ExpandConfig{
				Location:   berlin,
				Now:        start,
				RangeStart: start,
				RangeEnd:   start.AddDate(0, 1, 0),
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := uids(res); !slices.Equal(got, tt.want) {
				t.Errorf("uids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUntilIsUTC(t *testing.T) {
	tests := map[string]bool{
		"FREQ=DAILY;UNTIL=20240610T070000Z": true,
		"FREQ=DAILY;until=20240610t070000z": true,
		"UNTIL=20240610T070000;FREQ=DAILY":  false,
		"FREQ=DAILY;UNTIL=20240610":         false,
		"FREQ=DAILY;COUNT=3":                false,
	}
	for rule, want := range tests {
		if got := untilIsUTC(rule); got != want {
			t.Errorf("untilIsUTC(%q) = %v, want %v", rule, got, want)
		}
	}
}

func TestExpandOccurrences_OverrideFromOtherSourceIgnored(t *testing.T) {
	ev := weekly("shared", localAt(2024, 1, 1, 9, 0), "FREQ=WEEKLY;COUNT=2")
	rid := localAt(2024, 1, 8, 9, 0)
	foreign := ParsedEvent{
		SourceURL:  "https://other.example/cal.ics",
		UID:        "shared",
		Summary:    "Foreign",
		Start:      localAt(2024, 1, 8, 13, 0),
		End:        localAt(2024, 1, 8, 14, 0),
		Recurrence: &rid,
		IsOverride: true,
	}
	res, err := ExpandOccurrences([]ParsedEvent{ev, foreign}, ExpandConfig{
		Location:   testLoc,
		Now:        localAt(2024, 1, 1, 0, 0),
		RangeStart: localAt(2024, 1, 1, 0, 0),
		RangeEnd:   localAt(2024, 1, 31, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range res.Occurrences {
		if o.Title == "Foreign" && o.RecurrenceOf != "" {
			t.Errorf("override from another source applied: %+v", o)
		}
	}
	// Unmatched overrides pass through as standalone events.
	if len(res.Occurrences) != 3 {
		t.Errorf("occurrences = %d, want 3", len(res.Occurrences))
	}
}

func TestExpandOccurrences_AllDaySeries(t *testing.T) {
	start := localAt(2024, 1, 1, 0, 0)
	ev := ParsedEvent{UID: "trip", Start: start, End: start.AddDate(0, 0, 1), AllDay: true, RawRRule: "FREQ=DAILY;COUNT=3"}
	res, err := ExpandOccurrences([]ParsedEvent{ev}, ExpandConfig{
		Location:   testLoc,
		Now:        start,
		RangeStart: start,
		RangeEnd:   start.AddDate(0, 0, 10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Occurrences) != 3 {
		t.Fatalf("occurrences = %d", len(res.Occurrences))
	}
	for _, o := range res.Occurrences {
		if o.Start.Hour() != 0 || !o.End.Equal(o.Start.AddDate(0, 0, 1)) {
			t.Errorf("all-day occurrence = %v..%v", o.Start, o.End)
		}
	}
}

func TestExpandOccurrences_CapAndCollisions(t *testing.T) {
	start := localAt(2024, 1, 1, 8, 0)
	daily := ParsedEvent{UID: "daily", Start: start, End: start.Add(time.Hour), RawRRule: "FREQ=DAILY"}
	hourly := ParsedEvent{UID: "hourly", Start: start, End: start.Add(time.Minute), RawRRule: "FREQ=HOURLY;COUNT=3"}

	res, err := ExpandOccurrences([]ParsedEvent{daily, hourly}, ExpandConfig{
		Location:               testLoc,
		Now:                    start,
		MaxOccurrencesPerEvent: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.TruncatedEvents, []string{"daily"}) {
		t.Errorf("TruncatedEvents = %v", res.TruncatedEvents)
	}
	if !slices.Equal(res.CollidingUIDs, []string{"hourly_2024-01-01"}) {
		t.Errorf("CollidingUIDs = %v", res.CollidingUIDs)
	}
	// 5 capped daily + 3 hourly, collisions are reported, not dropped.
	if len(res.Occurrences) != 8 {
		t.Errorf("occurrences = %d, want 8", len(res.Occurrences))
	}
}

func TestExpandOccurrences_BadRuleSkipped(t *testing.T) {
	now := localAt(2024, 1, 1, 0, 0)
	events := []ParsedEvent{
		{UID: "broken", Start: now, End: now, RawRRule: "FREQ=SOMETIMES"},
		{UID: "fine", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
	}
	res, err := ExpandOccurrences(events, ExpandConfig{Location: testLoc, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if got := uids(res); !slices.Equal(got, []string{"fine"}) {
		t.Errorf("uids = %v", got)
	}
}

func TestExpandOccurrences_InvalidRange(t *testing.T) {
	now := localAt(2024, 1, 1, 0, 0)
	_, err := ExpandOccurrences(nil, ExpandConfig{
		Location:   testLoc,
		RangeStart: now,
		RangeEnd:   now.Add(-time.Hour),
	})
	if err == nil {
		t.Error("expected error when RangeEnd precedes RangeStart")
	}
}

func TestFromFloating(t *testing.T) {
	// The evaluator's UTC fields carry the local wall clock.
	in := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	got := fromFloating(in, testLoc)
	if got.Hour() != 9 || got.Minute() != 30 || got.Location() != testLoc {
		t.Errorf("fromFloating = %v", got)
	}
	if !floating(got).Equal(in) {
		t.Errorf("floating(fromFloating(x)) = %v, want %v", floating(got), in)
	}
}
