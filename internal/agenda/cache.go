package agenda

import (
	"encoding/json"
	"slices"
	"time"

	"agenda/internal/model"
)

// CacheVersion is bumped whenever the CachedResult layout changes.
const CacheVersion = 2

// CachedResult is the persisted output of one fetch cycle. Pointer and map
// fields are nil when missing from a stored value.
type CachedResult struct {
	EventsByDate map[string][]model.Occurrence `json:"eventsByDate"`
	// EventCalendars maps occurrence UID to its source URL.
	EventCalendars map[string]string `json:"eventCalendars"`
	// CalendarURLs and CalendarNames are sorted fingerprints of the sources
	// the result was computed from.
	CalendarURLs  []string `json:"calendarUrls"`
	CalendarNames []string `json:"calendarNames"`
	// Timestamp is the capture time in Unix milliseconds.
	Timestamp    *int64 `json:"timestamp"`
	CacheVersion *int   `json:"cacheVersion"`
}

// CapturedAt returns the capture time, or the zero time when missing.
func (c *CachedResult) CapturedAt() time.Time {
	if c == nil || c.Timestamp == nil {
		return time.Time{}
	}
	return time.UnixMilli(*c.Timestamp)
}

// BuildCacheData captures eventsByDate at the current time.
func BuildCacheData(eventsByDate map[string][]model.Occurrence, sources []model.CalendarSource, index map[string]string) *CachedResult {
	return BuildCacheDataAt(eventsByDate, sources, index, time.Now())
}

// BuildCacheDataAt captures eventsByDate with an explicit timestamp.
func BuildCacheDataAt(eventsByDate map[string][]model.Occurrence, sources []model.CalendarSource, index map[string]string, at time.Time) *CachedResult {
	if eventsByDate == nil {
		eventsByDate = map[string][]model.Occurrence{}
	}
	if index == nil {
		index = map[string]string{}
	}
	urls, names := fingerprints(sources)
	ts := at.UnixMilli()
	version := CacheVersion
	return &CachedResult{
		EventsByDate:   eventsByDate,
		EventCalendars: index,
		CalendarURLs:   urls,
		CalendarNames:  names,
		Timestamp:      &ts,
		CacheVersion:   &version,
	}
}

func fingerprints(sources []model.CalendarSource) (urls, names []string) {
	urls = make([]string, 0, len(sources))
	names = make([]string, 0, len(sources))
	for _, s := range sources {
		urls = append(urls, s.URL)
		names = append(names, s.DisplayName())
	}
	slices.Sort(urls)
	slices.Sort(names)
	return urls, names
}

// CacheState is the outcome of validating a stored result.
type CacheState int

const (
	CacheAbsent CacheState = iota
	CacheValid
	CacheInvalid
)

func (s CacheState) String() string {
	switch s {
	case CacheAbsent:
		return "absent"
	case CacheValid:
		return "valid"
	default:
		return "invalid"
	}
}

// RejectReason says why a stored result may not be reused.
type RejectReason int

const (
	ReasonNone RejectReason = iota
	ReasonMissingEventCalendars
	ReasonMissingTimestamp
	ReasonVersionMismatch
	ReasonExpired
	ReasonURLsChanged
	ReasonNamesChanged
)

func (r RejectReason) String() string {
	switch r {
	case ReasonMissingEventCalendars:
		return "missing eventCalendars"
	case ReasonMissingTimestamp:
		return "missing timestamp"
	case ReasonVersionMismatch:
		return "version mismatch"
	case ReasonExpired:
		return "expired"
	case ReasonURLsChanged:
		return "calendar URLs changed"
	case ReasonNamesChanged:
		return "calendar names changed"
	default:
		return ""
	}
}

// Validation is returned by ValidateCache. Reason is set only when State is
// CacheInvalid.
type Validation struct {
	State  CacheState
	Reason RejectReason
}

func (v Validation) Valid() bool { return v.State == CacheValid }

func invalid(r RejectReason) Validation {
	return Validation{State: CacheInvalid, Reason: r}
}

// ValidateCache checks cached against the current sources. Checks run in a
// fixed order and the first failure is reported:
// index, timestamp, version, age (now-timestamp < ttl), URLs, names.
func ValidateCache(cached *CachedResult, sources []model.CalendarSource, now time.Time, ttl time.Duration) Validation {
	if cached == nil {
		return Validation{State: CacheAbsent}
	}
	if cached.EventCalendars == nil {
		return invalid(ReasonMissingEventCalendars)
	}
	if cached.Timestamp == nil {
		return invalid(ReasonMissingTimestamp)
	}
	if cached.CacheVersion == nil || *cached.CacheVersion != CacheVersion {
		return invalid(ReasonVersionMismatch)
	}
	if now.UnixMilli()-*cached.Timestamp >= ttl.Milliseconds() {
		return invalid(ReasonExpired)
	}

	urls, names := fingerprints(sources)
	if !slices.Equal(urls, sortedCopy(cached.CalendarURLs)) {
		return invalid(ReasonURLsChanged)
	}
	if !slices.Equal(names, sortedCopy(cached.CalendarNames)) {
		return invalid(ReasonNamesChanged)
	}
	return Validation{State: CacheValid}
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return out
}

// DecodeCache parses a stored result. Callers treat an error as an absent
// cache.
func DecodeCache(data []byte) (*CachedResult, error) {
	var c CachedResult
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Encode serializes c for the store.
func (c *CachedResult) Encode() ([]byte, error) {
	return json.Marshal(c)
}
