// Package scheduler drives periodic and change-triggered agenda refreshes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agenda/internal/agenda"
	appLog "agenda/internal/log"
)

// Refresher is implemented by agenda.Service.
type Refresher interface {
	Load(ctx context.Context, useCache bool) (*agenda.Agenda, error)
	Refresh(ctx context.Context) (*agenda.Agenda, error)
	Invalidate()
}

// ChangeSource is implemented by store.Calendars.
type ChangeSource interface {
	Changes() (<-chan struct{}, func())
}

// Scheduler runs a cached load on a cron schedule and a forced refresh
// whenever the calendar set changes.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	svc      Refresher
	changes  ChangeSource
	loc      *time.Location

	mu   sync.Mutex
	runs int
}

// New validates spec (standard five-field cron or an @descriptor).
func New(spec string, svc Refresher, changes ChangeSource, loc *time.Location) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{spec: spec, schedule: schedule, svc: svc, changes: changes, loc: loc}, nil
}

// Next reports when the schedule fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Runs returns how many scheduled loads have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Run loads once immediately, then blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	c := cron.New(cron.WithLocation(s.loc))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))

	var sub <-chan struct{}
	var unsubscribe func()
	if s.changes != nil {
		sub, unsubscribe = s.changes.Changes()
		defer unsubscribe()
	}

	appLog.Info("scheduler started", "schedule", s.spec, "next", s.Next(time.Now()).Format(time.RFC3339))
	s.tick(ctx)
	c.Start()

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			appLog.Info("scheduler stopped")
			return
		case _, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			s.onChange(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	a, err := s.svc.Load(ctx, true)
	if err != nil {
		appLog.Error("scheduled refresh failed", err)
	} else {
		appLog.Debug("scheduled refresh done", "from_cache", a.FromCache, "days", len(a.EventsByDate))
	}
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
}

func (s *Scheduler) onChange(ctx context.Context) {
	appLog.Info("calendars changed; refreshing")
	s.svc.Invalidate()
	if _, err := s.svc.Refresh(ctx); err != nil {
		appLog.Error("refresh after calendar change failed", err)
	}
}
