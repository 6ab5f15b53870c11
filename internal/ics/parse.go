package ics

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/microcosm-cc/bluemonday"

	appLog "agenda/internal/log"
	"agenda/internal/model"
)

// ParsedEvent is the normalized representation of a VEVENT. Recurrence
// expansion operates on this type.
type ParsedEvent struct {
	SourceURL string

	UID string

	Summary     string
	Description string
	Location    string

	// Start / End are in the display location passed to ParseICS.
	Start  time.Time
	End    time.Time
	AllDay bool
	// TimeZone is the DTSTART TZID, if any.
	TimeZone string

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool
}

var descriptionPolicy = bluemonday.StrictPolicy()

// ParseICS parses one ICS payload. Times are normalized into loc:
// UTC and TZID values are converted, floating and date values keep their
// wall clock. Malformed VEVENTs are logged and skipped; cancelled ones are
// dropped.
func ParseICS(src model.CalendarSource, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		if p := comp.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
			continue
		}
		ev, perr := parseVEvent(src, comp, loc)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "url", appLog.RedactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "url", appLog.RedactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src model.CalendarSource, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{SourceURL: src.URL}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = cleanDescription(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay
	out.TimeZone = param(dtStart.ICalParameters, "TZID")

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		end, _, err := propTime(dtEnd.Value, dtEnd.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimPrefix(p.Value, "RRULE:")
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := propTime(part, p.ICalParameters, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		if t, _, err := propTime(rid.Value, rid.ICalParameters, loc); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// propTime parses a DATE or DATE-TIME value. The bool reports a DATE
// value (all-day).
func propTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.EqualFold(param(params, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t.In(loc), false, err
	}

	if tzid := param(params, "TZID"); tzid != "" {
		zone, err := time.LoadLocation(tzid)
		if err != nil {
			// Unknown (often Windows-style) zone names keep their wall clock.
			zone = loc
		}
		t, err := time.ParseInLocation("20060102T150405", v, zone)
		return t.In(loc), false, err
	}

	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}

func param(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// cleanDescription strips HTML some providers put in DESCRIPTION.
func cleanDescription(s string) string {
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = descriptionPolicy.Sanitize(s)
	return strings.TrimSpace(html.UnescapeString(s))
}
