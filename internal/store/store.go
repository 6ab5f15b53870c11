// Package store holds the process-wide key/value store and the helpers that
// keep calendar configuration in it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"agenda/internal/config"
)

// Keys used by the agenda.
const (
	KeyCalendars        = "calendars"
	KeyAgendaCache      = "agenda-cache"
	KeySelectedCalendar = "agenda-selected-calendar"
)

var ErrNotFound = errors.New("store: key not found")

// Store is a string key/value store with process lifetime.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	// Update replaces key with fn's result atomically. ok reports whether
	// key was present. An error from fn leaves the store unchanged.
	Update(key string, fn func(old string, ok bool) (string, error)) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Update(key string, fn func(old string, ok bool) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.data[key]
	v, err := fn(old, ok)
	if err != nil {
		return err
	}
	m.data[key] = v
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// File is a Store persisted as one JSON object and shared between
// processes. Reads always go to disk. Writes re-read the file under an
// exclusive lock and change only their own key, so keys written by another
// process are kept.
type File struct {
	path string
	mu   sync.Mutex
}

// OpenFile checks that path decodes (a missing file is an empty store).
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	f := &File{path: path}
	if _, err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Get(key string) (string, error) {
	data, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *File) Set(key, value string) error {
	return f.Update(key, func(string, bool) (string, error) {
		return value, nil
	})
}

func (f *File) Delete(key string) error {
	return f.modify(func(data map[string]string) error {
		delete(data, key)
		return nil
	})
}

func (f *File) Update(key string, fn func(old string, ok bool) (string, error)) error {
	return f.modify(func(data map[string]string) error {
		old, ok := data[key]
		v, err := fn(old, ok)
		if err != nil {
			return err
		}
		data[key] = v
		return nil
	})
}

func (f *File) modify(fn func(map[string]string) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	unlock, err := lockFile(f.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock store %s: %w", f.path, err)
	}
	defer unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(f.path, out, ".agenda-store-*.tmp")
}

// load decodes the whole file. Writers replace it by rename, so a read
// never sees a partial write.
func (f *File) load() (map[string]string, error) {
	data := make(map[string]string)
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return data, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", f.path, err)
	}
	if data == nil {
		data = make(map[string]string)
	}
	return data, nil
}
