package model

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// CalendarSource is one subscribed iCalendar feed. URL is the unique key.
type CalendarSource struct {
	URL string `json:"url" yaml:"url"`
	// Name is the explicit label entered by the user; may be empty.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Color is a free-form tag ("blue", "#ff8800") used by the UI.
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	// UID is unique per occurrence. For recurring series it is
	// "<base uid>_<YYYY-MM-DD>".
	UID string `json:"uid"`
	// RecurrenceOf is the base UID when this occurrence came from a series.
	RecurrenceOf string `json:"recurrenceOf,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// Start / End are in the configured display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// TimeZone is the TZID declared on the source event, if any.
	TimeZone string `json:"timeZone,omitempty"`

	// SourceURL points back at the CalendarSource this came from.
	SourceURL string `json:"sourceUrl"`
}

// DisplayName returns the explicit name, or one derived from the URL: the
// last path segment without ".ics", falling back to the host.
func (c CalendarSource) DisplayName() string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return c.URL
	}
	seg := path.Base(strings.TrimSuffix(u.Path, "/"))
	seg = strings.TrimSuffix(seg, ".ics")
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	if seg == "" || seg == "." || seg == "/" {
		return u.Hostname()
	}
	return seg
}
