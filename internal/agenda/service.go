package agenda

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/notify"
	"agenda/internal/store"
)

// DefaultCacheTTL is used when Options.TTL is zero.
const DefaultCacheTTL = 10 * time.Minute

// SourceReader produces the occurrences of one calendar source.
type SourceReader interface {
	Occurrences(ctx context.Context, src model.CalendarSource, now time.Time) ([]model.Occurrence, error)
}

// MetricsCollector is implemented by metrics.Collector.
type MetricsCollector interface {
	RecordSourceSuccess(source string)
	RecordSourceFailure(source, stage string)
	RecordCacheLookup(result string)
	RecordCycle(d time.Duration, occurrences int)
}

// Agenda is the result handed to views.
type Agenda struct {
	EventsByDate   map[string][]model.Occurrence
	EventCalendars map[string]string
	Sources        []model.CalendarSource
	CapturedAt     time.Time
	FromCache      bool
	// Failed holds display names of sources that contributed nothing this
	// cycle because they could not be read.
	Failed []string
}

// Filter returns a copy restricted to one source URL ("all" keeps all).
func (a *Agenda) Filter(selected string) *Agenda {
	out := *a
	out.EventsByDate = FilterBySource(a.EventsByDate, a.EventCalendars, selected)
	return &out
}

// Options configures NewService.
type Options struct {
	Store     store.Store
	Calendars *store.Calendars
	Reader    SourceReader
	Notifier  notify.Notifier
	Metrics   MetricsCollector
	TTL       time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Service runs fetch cycles and manages the persisted agenda cache.
//
// Cycles are deduplicated per calendar generation: concurrent refreshes for
// the same calendar set share one cycle, and a cycle that finishes after
// the calendar set changed does not persist its result.
type Service struct {
	store     store.Store
	calendars *store.Calendars
	reader    SourceReader
	notifier  notify.Notifier
	metrics   MetricsCollector
	ttl       time.Duration
	now       func() time.Time

	group   singleflight.Group
	loading atomic.Int32
	stale   atomic.Bool
}

func NewService(opts Options) *Service {
	s := &Service{
		store:     opts.Store,
		calendars: opts.Calendars,
		reader:    opts.Reader,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		ttl:       opts.TTL,
		now:       opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultCacheTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.notifier == nil {
		s.notifier = notify.Log{}
	}
	return s
}

// Loading reports whether a fetch cycle is running.
func (s *Service) Loading() bool {
	return s.loading.Load() > 0
}

// Invalidate forces the next Load to refetch. The stored value is kept.
func (s *Service) Invalidate() {
	s.stale.Store(true)
}

// Load returns the cached agenda when useCache is set and the cache is
// valid, otherwise it runs a fetch cycle.
func (s *Service) Load(ctx context.Context, useCache bool) (*Agenda, error) {
	if useCache && !s.stale.Load() {
		if a, ok := s.fromCache(); ok {
			return a, nil
		}
	}
	return s.Refresh(ctx)
}

// Refresh runs (or joins) a fetch cycle for the current calendar set.
func (s *Service) Refresh(ctx context.Context) (*Agenda, error) {
	gen := s.calendars.Generation()
	v, err, shared := s.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return s.cycle(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		appLog.Debug("agenda: joined in-flight cycle", "generation", gen)
	}
	return v.(*Agenda), nil
}

func (s *Service) fromCache() (*Agenda, bool) {
	sources, err := s.calendars.List()
	if err != nil {
		return nil, false
	}

	raw, err := s.store.Get(store.KeyAgendaCache)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			appLog.Error("agenda: cache read failed", err)
		}
		s.recordCacheLookup(CacheAbsent.String())
		return nil, false
	}
	cached, err := DecodeCache([]byte(raw))
	if err != nil {
		appLog.Error("agenda: cache is corrupt; refetching", err)
		s.recordCacheLookup("corrupt")
		return nil, false
	}

	v := ValidateCache(cached, sources, s.now(), s.ttl)
	if !v.Valid() {
		appLog.Debug("agenda: cache rejected", "reason", v.Reason.String())
		s.recordCacheLookup(v.Reason.String())
		return nil, false
	}
	s.recordCacheLookup("hit")

	return &Agenda{
		EventsByDate:   cached.EventsByDate,
		EventCalendars: cached.EventCalendars,
		Sources:        sources,
		CapturedAt:     cached.CapturedAt(),
		FromCache:      true,
	}, true
}

func (s *Service) cycle(ctx context.Context, gen uint64) (*Agenda, error) {
	s.loading.Add(1)
	defer s.loading.Add(-1)

	start := time.Now()
	cycleID := uuid.NewString()

	sources, err := s.calendars.List()
	if err != nil {
		s.notify(ctx, notify.Notice{Level: notify.LevelFailure, Title: "Failed to fetch calendars", Message: err.Error()})
		return nil, err
	}

	now := s.now()
	appLog.Info("agenda: cycle start", "cycle", cycleID, "sources", len(sources), "generation", gen)

	var (
		all    []model.Occurrence
		index  = make(map[string]string)
		failed []string
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			s.notify(ctx, notify.Notice{Level: notify.LevelFailure, Title: "Failed to fetch calendars", Message: err.Error()})
			return nil, err
		}

		name := src.DisplayName()
		occ, err := s.reader.Occurrences(ctx, src, now)
		if err != nil {
			appLog.Error("agenda: source failed", err, "cycle", cycleID, "source", name, "url", appLog.RedactURL(src.URL))
			s.recordSourceFailure(name, err)
			s.notify(ctx, notify.Notice{Level: notify.LevelFailure, Title: "Failed to fetch " + name, Message: err.Error()})
			failed = append(failed, name)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordSourceSuccess(name)
		}
		for _, o := range occ {
			o.SourceURL = src.URL
			index[o.UID] = src.URL
			all = append(all, o)
		}
	}

	byDate := GroupByDate(SortEvents(all))
	cached := BuildCacheDataAt(byDate, sources, index, now)

	if s.calendars.Generation() == gen {
		s.persist(cached)
	} else {
		appLog.Info("agenda: calendars changed during cycle; result not cached", "cycle", cycleID)
	}

	if s.metrics != nil {
		s.metrics.RecordCycle(time.Since(start), len(all))
	}
	appLog.Info("agenda: cycle done",
		"cycle", cycleID,
		"occurrences", len(all),
		"days", len(byDate),
		"failed_sources", len(failed),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Agenda{
		EventsByDate:   byDate,
		EventCalendars: index,
		Sources:        sources,
		CapturedAt:     now,
		Failed:         failed,
	}, nil
}

func (s *Service) persist(cached *CachedResult) {
	data, err := cached.Encode()
	if err != nil {
		appLog.Error("agenda: cache encode failed", err)
		return
	}
	if err := s.store.Set(store.KeyAgendaCache, string(data)); err != nil {
		appLog.Error("agenda: cache write failed", err)
		return
	}
	s.stale.Store(false)
}

func (s *Service) notify(ctx context.Context, n notify.Notice) {
	// Notices outlive a cancelled cycle.
	if err := s.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		appLog.Error("agenda: notify failed", err, "title", n.Title)
	}
}

func (s *Service) recordSourceFailure(name string, err error) {
	if s.metrics == nil {
		return
	}
	stage := "read"
	var staged interface{ StageName() string }
	if errors.As(err, &staged) {
		stage = staged.StageName()
	}
	s.metrics.RecordSourceFailure(name, stage)
}

func (s *Service) recordCacheLookup(result string) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(result)
	}
}
