package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"golang.org/x/time/rate"

	appLog "agenda/internal/log"
	"agenda/internal/model"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxBodyBytes        = 10 << 20
	userAgent           = "agenda/1.0 (+ics)"
)

var ErrNotModifiedNoCache = errors.New("received 304 Not Modified but no cached body available")

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    model.CalendarSource
	Body      []byte
	FromCache bool // true if the body came from disk after a 304
}

// StatusRecorder receives the HTTP status of every response.
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// FetcherOptions configures NewFetcher.
type FetcherOptions struct {
	// CacheDir stores per-URL bodies and validators. Empty disables the
	// disk cache.
	CacheDir string
	Timeout  time.Duration
	// RatePerSecond paces requests across sources. Zero disables pacing.
	RatePerSecond float64
	// SafeClient refuses private, loopback and link-local destinations.
	SafeClient bool
	// Client overrides the HTTP client (tests).
	Client  *http.Client
	Metrics StatusRecorder
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds with conditional requests (ETag /
// Last-Modified). The last good body is reused only on 304; any other
// failure is returned so the source drops out of the cycle.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	limiter  *rate.Limiter
	metrics  StatusRecorder
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	client := opts.Client
	if client == nil {
		if opts.SafeClient {
			cfg := safeurl.GetConfigBuilder().
				SetTimeout(timeout).
				SetAllowedSchemes("http", "https").
				SetAllowedPorts(80, 443).
				Build()
			client = safeurl.Client(cfg).Client
		} else {
			client = &http.Client{Timeout: timeout}
		}
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}

	return &Fetcher{
		client:   client,
		cacheDir: opts.CacheDir,
		limiter:  limiter,
		metrics:  opts.Metrics,
	}
}

// NormalizeURL rewrites webcal:// subscription links to https://.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if rest, ok := strings.CutPrefix(u, "webcals://"); ok {
		return "https://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "webcal://"); ok {
		return "https://" + rest
	}
	return u
}

// FetchOne fetches a single ICS source.
func (f *Fetcher) FetchOne(ctx context.Context, src model.CalendarSource) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	target := NormalizeURL(src.URL)
	redacted := appLog.RedactURL(src.URL)

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return FetchResult{}, err
		}
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(src.URL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return FetchResult{}, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body.ics"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, */*")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", redacted)

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	if f.metrics != nil {
		f.metrics.RecordHTTPStatus(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return FetchResult{}, fmt.Errorf("read body: %w", err)
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          src.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "url", redacted)
			}
		}
		appLog.Info("ics fetch success", "url", redacted, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, ErrNotModifiedNoCache
		}
		appLog.Debug("ics not modified; using cache", "url", redacted)
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	default:
		return FetchResult{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}
