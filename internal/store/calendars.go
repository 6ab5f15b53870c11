package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appLog "agenda/internal/log"
	"agenda/internal/model"
)

// SelectAll is the selected-calendar value meaning "no filter".
const SelectAll = "all"

var (
	ErrDuplicateURL = errors.New("calendar with this URL already exists")
	ErrEmptyURL     = errors.New("calendar URL is empty")
)

// Calendars manages the CalendarSource list kept under KeyCalendars and the
// selected-calendar filter. Every mutation bumps Generation and publishes
// on Changes, and so does an edit by another process once Watch or Sync
// notices it.
type Calendars struct {
	store Store
	hub   *Hub

	mu         sync.Mutex
	generation atomic.Uint64
	// seen is the last stored list this process wrote or observed.
	seen string
}

func NewCalendars(s Store) *Calendars {
	c := &Calendars{store: s, hub: NewHub()}
	c.seen, _ = c.raw()
	return c
}

// Changes subscribes to calendar list edits.
func (c *Calendars) Changes() (<-chan struct{}, func()) {
	return c.hub.Subscribe()
}

// Generation increases by one on every successful mutation.
func (c *Calendars) Generation() uint64 {
	return c.generation.Load()
}

// List returns the configured sources in insertion order. A missing or
// unreadable entry is an empty list.
func (c *Calendars) List() ([]model.CalendarSource, error) {
	raw, err := c.raw()
	if err != nil {
		return nil, err
	}
	return decodeList(raw), nil
}

// Sync reports whether the stored list changed since this process last
// wrote or saw it. A change bumps Generation and publishes on Changes.
func (c *Calendars) Sync() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.raw()
	if err != nil {
		return false, err
	}
	if raw == c.seen {
		return false, nil
	}
	c.seen = raw
	c.generation.Add(1)
	c.hub.Publish()
	return true, nil
}

// Watch calls Sync every interval until ctx is done.
func (c *Calendars) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			changed, err := c.Sync()
			if err != nil {
				appLog.Error("calendars: failed to check store", err)
				continue
			}
			if changed {
				appLog.Info("calendars: list changed outside this process")
			}
		}
	}
}

func (c *Calendars) raw() (string, error) {
	raw, err := c.store.Get(KeyCalendars)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return raw, err
}

func decodeList(raw string) []model.CalendarSource {
	if raw == "" {
		return []model.CalendarSource{}
	}
	var out []model.CalendarSource
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		appLog.Error("calendars: stored list is corrupt; treating as empty", err)
		return []model.CalendarSource{}
	}
	if out == nil {
		out = []model.CalendarSource{}
	}
	return out
}

// Add appends src. URLs are unique.
func (c *Calendars) Add(src model.CalendarSource) error {
	src = clean(src)
	if src.URL == "" {
		return ErrEmptyURL
	}

	return c.mutate(func(list []model.CalendarSource) ([]model.CalendarSource, error) {
		if indexOf(list, src.URL) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateURL, appLog.RedactURL(src.URL))
		}
		return append(list, src), nil
	})
}

// Update replaces the source stored under oldURL. The URL itself may change
// as long as it does not collide with another source.
func (c *Calendars) Update(oldURL string, src model.CalendarSource) error {
	src = clean(src)
	if src.URL == "" {
		return ErrEmptyURL
	}

	err := c.mutate(func(list []model.CalendarSource) ([]model.CalendarSource, error) {
		i := indexOf(list, oldURL)
		if i < 0 {
			return nil, ErrNotFound
		}
		if src.URL != oldURL && indexOf(list, src.URL) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateURL, appLog.RedactURL(src.URL))
		}
		list[i] = src
		return list, nil
	})
	if err != nil {
		return err
	}
	if src.URL != oldURL {
		c.followRename(oldURL, src.URL)
	}
	return nil
}

// Remove deletes the source with url. Removing the selected calendar resets
// the selection to SelectAll.
func (c *Calendars) Remove(url string) error {
	err := c.mutate(func(list []model.CalendarSource) ([]model.CalendarSource, error) {
		i := indexOf(list, url)
		if i < 0 {
			return nil, ErrNotFound
		}
		return append(list[:i], list[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	if sel, _ := c.Selected(); sel == url {
		if err := c.store.Set(KeySelectedCalendar, SelectAll); err != nil {
			return err
		}
	}
	return nil
}

// Selected returns the active filter: SelectAll or a source URL.
func (c *Calendars) Selected() (string, error) {
	v, err := c.store.Get(KeySelectedCalendar)
	if errors.Is(err, ErrNotFound) || v == "" {
		return SelectAll, nil
	}
	if err != nil {
		return SelectAll, err
	}
	return v, nil
}

// Select stores the active filter. Unknown URLs are rejected.
func (c *Calendars) Select(v string) error {
	if v == "" {
		v = SelectAll
	}
	if v != SelectAll {
		list, err := c.List()
		if err != nil {
			return err
		}
		if indexOf(list, v) < 0 {
			return ErrNotFound
		}
	}
	return c.store.Set(KeySelectedCalendar, v)
}

// mutate applies fn to the stored list in one atomic store update.
func (c *Calendars) mutate(fn func([]model.CalendarSource) ([]model.CalendarSource, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var written string
	err := c.store.Update(KeyCalendars, func(old string, _ bool) (string, error) {
		list, err := fn(decodeList(old))
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(list)
		if err != nil {
			return "", err
		}
		written = string(data)
		return written, nil
	})
	if err != nil {
		return err
	}
	c.seen = written
	c.generation.Add(1)
	c.hub.Publish()
	return nil
}

func (c *Calendars) followRename(oldURL, newURL string) {
	if sel, _ := c.Selected(); sel == oldURL {
		if err := c.store.Set(KeySelectedCalendar, newURL); err != nil {
			appLog.Error("calendars: failed to follow renamed selection", err)
		}
	}
}

func clean(src model.CalendarSource) model.CalendarSource {
	src.URL = strings.TrimSpace(src.URL)
	src.Name = strings.TrimSpace(src.Name)
	src.Color = strings.TrimSpace(src.Color)
	return src
}

func indexOf(list []model.CalendarSource, url string) int {
	for i, s := range list {
		if s.URL == url {
			return i
		}
	}
	return -1
}
