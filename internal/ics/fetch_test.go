package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"agenda/internal/model"
)

type statusLog struct {
	mu    sync.Mutex
	codes []int
}

func (s *statusLog) RecordHTTPStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
}

// feedServer answers with status() and records conditional headers.
type feedServer struct {
	*httptest.Server
	mu          sync.Mutex
	status      int
	ifNoneMatch []string
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{status: http.StatusOK}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		status := fs.status
		fs.ifNoneMatch = append(fs.ifNoneMatch, r.Header.Get("If-None-Match"))
		fs.mu.Unlock()

		if status == http.StatusOK && r.Header.Get("If-None-Match") == `"v1"` {
			status = http.StatusNotModified
		}
		switch status {
		case http.StatusOK:
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Content-Type", "text/calendar")
			_, _ = w.Write([]byte(body))
		default:
			w.WriteHeader(status)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) setStatus(code int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.status = code
}

func TestFetchOne_Conditional(t *testing.T) {
	srv := newFeedServer(t, "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
	rec := &statusLog{}
	f := NewFetcher(FetcherOptions{CacheDir: t.TempDir(), Client: srv.Client(), Metrics: rec})
	src := model.CalendarSource{URL: srv.URL + "/cal.ics"}

	first, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || len(first.Body) == 0 {
		t.Errorf("first = %+v", first)
	}

	second, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache || string(second.Body) != string(first.Body) {
		t.Errorf("second = %+v", second)
	}
	if srv.ifNoneMatch[1] != `"v1"` {
		t.Errorf("If-None-Match = %q", srv.ifNoneMatch[1])
	}

	// A warm cache does not hide a failing server.
	srv.setStatus(http.StatusInternalServerError)
	third, err := f.FetchOne(context.Background(), src)
	if err == nil {
		t.Fatalf("500 with a cached body: got %+v, want error", third)
	}
	if len(third.Body) != 0 {
		t.Errorf("failed fetch returned a body of %d bytes", len(third.Body))
	}

	want := []int{http.StatusOK, http.StatusNotModified, http.StatusInternalServerError}
	if len(rec.codes) != len(want) {
		t.Fatalf("recorded statuses = %v", rec.codes)
	}
	for i := range want {
		if rec.codes[i] != want[i] {
			t.Errorf("status[%d] = %d, want %d", i, rec.codes[i], want[i])
		}
	}
}

func TestFetchOne_NoCache(t *testing.T) {
	srv := newFeedServer(t, "")
	f := NewFetcher(FetcherOptions{Client: srv.Client()})
	src := model.CalendarSource{URL: srv.URL}

	srv.setStatus(http.StatusNotModified)
	if _, err := f.FetchOne(context.Background(), src); !errors.Is(err, ErrNotModifiedNoCache) {
		t.Errorf("304 without cache: err = %v", err)
	}

	srv.setStatus(http.StatusNotFound)
	if _, err := f.FetchOne(context.Background(), src); err == nil {
		t.Error("404 without cache should fail")
	}

	// Without a cached body no validators are sent.
	for _, v := range srv.ifNoneMatch {
		if v != "" {
			t.Errorf("unexpected If-None-Match %q", v)
		}
	}
}

func TestFetchOne_EmptyURLAndCancelled(t *testing.T) {
	f := NewFetcher(FetcherOptions{RatePerSecond: 1})
	if _, err := f.FetchOne(context.Background(), model.CalendarSource{}); err == nil {
		t.Error("expected error for empty URL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.FetchOne(ctx, model.CalendarSource{URL: "https://cal.example/x.ics"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"webcal://cal.example/a.ics", "https://cal.example/a.ics"},
		{"webcals://cal.example/a.ics", "https://cal.example/a.ics"},
		{"  https://cal.example/a.ics ", "https://cal.example/a.ics"},
		{"http://cal.example/a.ics", "http://cal.example/a.ics"},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
