package ics

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"agenda/internal/agenda"
	appLog "agenda/internal/log"
	"agenda/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the display timezone; ParseICS must have used the same.
	// If nil, time.Local is used.
	Location *time.Location

	// Now filters single events (start >= Now) and anchors the default
	// window. Zero means time.Now().
	Now time.Time

	// RangeStart / RangeEnd bound recurrence instances, both inclusive.
	// Zero values default to Now and Now + 1 month.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single series. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded occurrences.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
	// CollidingUIDs lists synthesized UIDs produced more than once, which
	// happens for series recurring more than once per local day.
	CollidingUIDs []string
}

// ExpandOccurrences expands events into concrete occurrences:
//
//   - single events pass through when their start is at or after Now
//   - RRULE series are expanded over [RangeStart, RangeEnd]
//   - EXDATE removes instances, RECURRENCE-ID overrides replace them
//
// Output order follows input order; sorting happens later.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	cfg.Now = cfg.Now.In(cfg.Location)
	if cfg.RangeStart.IsZero() {
		cfg.RangeStart = cfg.Now
	}
	if cfg.RangeEnd.IsZero() {
		cfg.RangeEnd = cfg.RangeStart.AddDate(0, 1, 0)
	}
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overrides only apply to a recurring base from the same source.
	recurring := make(map[string]bool)
	for _, ev := range events {
		if ev.RawRRule != "" && !ev.IsOverride {
			recurring[seriesKey(ev)] = true
		}
	}
	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && recurring[seriesKey(ev)] {
			overrides[seriesKey(ev)] = append(overrides[seriesKey(ev)], ev)
		}
	}

	out := make([]model.Occurrence, 0, len(events))
	seen := make(map[string]int)
	for _, ev := range events {
		if ev.IsOverride && recurring[seriesKey(ev)] {
			continue
		}
		if ev.RawRRule == "" {
			if !ev.Start.Before(cfg.Now) {
				out = append(out, singleOccurrence(ev))
			}
			continue
		}

		occ, hitCap, err := expandSeries(ev, overrides[seriesKey(ev)], cfg)
		if err != nil {
			appLog.Error("expand: failed to evaluate RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		for _, o := range occ {
			seen[o.UID]++
			if seen[o.UID] == 2 {
				result.CollidingUIDs = append(result.CollidingUIDs, o.UID)
			}
		}
		out = append(out, occ...)
	}

	result.Occurrences = out
	return result, nil
}

func seriesKey(ev ParsedEvent) string {
	return ev.SourceURL + "\x00" + ev.UID
}

func singleOccurrence(ev ParsedEvent) model.Occurrence {
	return model.Occurrence{
		UID:         ev.UID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start,
		End:         ev.End,
		TimeZone:    ev.TimeZone,
		SourceURL:   ev.SourceURL,
	}
}

// expandSeries evaluates the rule on floating wall-clock values: local
// fields are encoded as UTC instants before evaluation and read back from
// the UTC fields afterwards. A 09:00 weekly meeting stays at 09:00 across
// DST changes.
//
// Overrides are kept only when their own start lands in the range. An
// override whose RECURRENCE-ID lies outside the range is still emitted
// when it moves its instance into the range.
func expandSeries(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool, error) {
	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		return nil, false, fmt.Errorf("parse RRULE: %w", err)
	}
	opt.Dtstart = floating(ev.Start)
	if !opt.Until.IsZero() && untilIsUTC(ev.RawRRule) {
		opt.Until = floating(opt.Until.In(cfg.Location))
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, fmt.Errorf("build RRULE: %w", err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(floating(ex.In(cfg.Location)))
	}

	times := set.Between(
		floating(cfg.RangeStart.In(cfg.Location)),
		floating(cfg.RangeEnd.In(cfg.Location)),
		true,
	)

	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	days := int(math.Round(dur.Hours() / 24))

	used := make(map[int]bool)
	out := make([]model.Occurrence, 0, len(times))
	for _, t := range times {
		start := fromFloating(t, cfg.Location)
		var end time.Time
		if ev.AllDay {
			// Whole days keep midnight alignment across DST.
			end = start.AddDate(0, 0, days)
		} else {
			end = start.Add(dur)
		}

		occ := singleOccurrence(ev)
		occ.UID = agenda.CreateOccurrenceUID(ev.UID, start)
		occ.RecurrenceOf = ev.UID
		occ.Start = start
		occ.End = end

		if i, ok := findOverride(overrides, start); ok {
			used[i] = true
			occ = applyOverride(occ, overrides[i])
			if !inRange(occ.Start, cfg) {
				continue
			}
		}

		out = append(out, occ)
	}

	for i, ov := range overrides {
		if used[i] || ov.Recurrence == nil || inRange(*ov.Recurrence, cfg) || !inRange(ov.Start, cfg) {
			continue
		}
		rid := floating(ov.Recurrence.In(cfg.Location))
		if len(set.Between(rid, rid, true)) == 0 {
			continue
		}
		occ := singleOccurrence(ev)
		occ.UID = agenda.CreateOccurrenceUID(ev.UID, ov.Recurrence.In(cfg.Location))
		occ.RecurrenceOf = ev.UID
		out = append(out, applyOverride(occ, ov))
	}
	return out, hitCap, nil
}

func applyOverride(occ model.Occurrence, ov ParsedEvent) model.Occurrence {
	occ.Title = ov.Summary
	occ.Description = ov.Description
	occ.Location = ov.Location
	occ.Start = ov.Start
	occ.End = ov.End
	return occ
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && !t.After(cfg.RangeEnd)
}

// untilIsUTC reports whether the rule's UNTIL is an absolute UTC instant
// rather than a floating date or date-time.
func untilIsUTC(rule string) bool {
	for _, part := range strings.Split(rule, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "UNTIL") {
			return strings.HasSuffix(strings.ToUpper(strings.TrimSpace(v)), "Z")
		}
	}
	return false
}

// findOverride finds the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (int, bool) {
	for i, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return i, true
		}
	}
	return -1, false
}

func floating(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// fromFloating reads t's UTC fields as a wall clock in loc.
func fromFloating(t time.Time, loc *time.Location) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), loc)
}
