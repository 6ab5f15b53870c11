package ics

import (
	"context"
	"fmt"
	"time"

	appLog "agenda/internal/log"
	"agenda/internal/model"
)

// Reader chains fetch, parse and expand for one calendar source.
type Reader struct {
	Fetcher  *Fetcher
	Location *time.Location
	// WindowDays bounds recurrence expansion; zero means one month.
	WindowDays int
}

// ReadError says which stage failed for a source.
type ReadError struct {
	Stage string // "fetch", "parse" or "expand"
	Err   error
}

func (e *ReadError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// StageName lets callers label failures without importing this package.
func (e *ReadError) StageName() string { return e.Stage }

// Occurrences returns the source's occurrences relative to now.
func (r *Reader) Occurrences(ctx context.Context, src model.CalendarSource, now time.Time) ([]model.Occurrence, error) {
	res, err := r.Fetcher.FetchOne(ctx, src)
	if err != nil {
		return nil, &ReadError{Stage: "fetch", Err: err}
	}

	parsed, err := ParseICS(src, res.Body, r.Location)
	if err != nil {
		return nil, &ReadError{Stage: "parse", Err: err}
	}

	cfg := ExpandConfig{Location: r.Location, Now: now}
	if r.WindowDays > 0 {
		cfg.RangeStart = now
		cfg.RangeEnd = now.AddDate(0, 0, r.WindowDays)
	}
	expanded, err := ExpandOccurrences(parsed, cfg)
	if err != nil {
		return nil, &ReadError{Stage: "expand", Err: err}
	}
	if len(expanded.CollidingUIDs) > 0 {
		appLog.Debug("expand: occurrence UIDs collide within a day",
			"url", appLog.RedactURL(src.URL),
			"uids", fmt.Sprint(expanded.CollidingUIDs),
		)
	}
	return expanded.Occurrences, nil
}
