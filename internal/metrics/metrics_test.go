package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollector_ExposesRecordedValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSourceSuccess("Work")
	c.RecordSourceFailure("Personal", "fetch")
	c.RecordHTTPStatus(304)
	c.RecordCacheLookup("hit")
	c.RecordCacheLookup("expired")
	c.RecordCycle(250*time.Millisecond, 7)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		`agenda_source_fetch_success_total{source="Work"} 1`,
		`agenda_source_fetch_fail_total{source="Personal",stage="fetch"} 1`,
		`agenda_http_status_total{status_code="304"} 1`,
		`agenda_cache_lookups_total{result="hit"} 1`,
		`agenda_cache_lookups_total{result="expired"} 1`,
		`agenda_cycle_duration_seconds_count 1`,
		`agenda_occurrences 7`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewCollector_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}
