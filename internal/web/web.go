package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agenda/internal/agenda"
	"agenda/internal/config"
	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/store"
)

const maxBodyBytes = 64 << 10

// AgendaService is implemented by agenda.Service.
type AgendaService interface {
	Load(ctx context.Context, useCache bool) (*agenda.Agenda, error)
	Refresh(ctx context.Context) (*agenda.Agenda, error)
	Loading() bool
}

// Server provides the HTTP API over the agenda service and the calendar
// list.
type Server struct {
	cfg       *config.Config
	svc       AgendaService
	calendars *store.Calendars
	metrics   http.Handler
	router    chi.Router
}

// NewServer constructs a new Server. metricsHandler may be nil.
func NewServer(cfg *config.Config, svc AgendaService, calendars *store.Calendars, metricsHandler http.Handler) *Server {
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		calendars: calendars,
		metrics:   metricsHandler,
		router:    chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="agenda", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// StartServer serves s on listen until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, s *Server, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if s.basicAuthEnabled() {
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/agenda", s.handleAgenda)
		r.Post("/refresh", s.handleRefresh)

		r.Route("/calendars", func(r chi.Router) {
			r.Get("/", s.handleListCalendars)
			r.Post("/", s.handleAddCalendar)
			r.Put("/{url}", s.handleUpdateCalendar)
			r.Delete("/{url}", s.handleRemoveCalendar)
		})

		r.Get("/selected", s.handleGetSelected)
		r.Put("/selected", s.handlePutSelected)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// agendaResponse is the JSON response shape for /api/agenda and
// /api/refresh.
type agendaResponse struct {
	Days       []dayDTO      `json:"days"`
	Calendars  []calendarDTO `json:"calendars"`
	Selected   string        `json:"selected"`
	CapturedAt time.Time     `json:"capturedAt"`
	FromCache  bool          `json:"fromCache"`
	Loading    bool          `json:"loading"`
	Failed     []string      `json:"failed,omitempty"`
}

type dayDTO struct {
	Date   string     `json:"date"`
	Events []eventDTO `json:"events"`
}

// eventDTO is a render-ready view of an occurrence.
type eventDTO struct {
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"allDay"`
	StartLabel  string    `json:"startLabel,omitempty"`
	EndLabel    string    `json:"endLabel,omitempty"`
	Calendar    string    `json:"calendar"`
	Color       string    `json:"color,omitempty"`
}

type calendarDTO struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
}

type selectedBody struct {
	Selected string `json:"selected"`
}

// handleAgenda returns the grouped agenda.
//
// GET /api/agenda?calendar=<all|url>&fresh=1
//   - calendar: filter override; defaults to the stored selection
//   - fresh:    bypass the cache
func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fresh, _ := strconv.ParseBool(q.Get("fresh"))

	a, err := s.svc.Load(r.Context(), !fresh)
	if err != nil {
		appLog.Error("api agenda: load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load agenda")
		return
	}
	s.writeAgenda(w, r, a)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Refresh(r.Context())
	if err != nil {
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusInternalServerError, "failed to refresh agenda")
		return
	}
	s.writeAgenda(w, r, a)
}

func (s *Server) writeAgenda(w http.ResponseWriter, r *http.Request, a *agenda.Agenda) {
	selected := r.URL.Query().Get("calendar")
	if selected == "" {
		var err error
		if selected, err = s.calendars.Selected(); err != nil {
			appLog.Error("api agenda: selected calendar unreadable", err)
		}
	}

	use24 := s.cfg != nil && s.cfg.Use24Hour
	colors := make(map[string]string, len(a.Sources))
	for _, src := range a.Sources {
		colors[src.URL] = src.Color
	}

	filtered := a.Filter(selected)
	days := make([]dayDTO, 0, len(filtered.EventsByDate))
	for _, date := range agenda.SortedDateKeys(filtered.EventsByDate) {
		events := filtered.EventsByDate[date]
		day := dayDTO{Date: date, Events: make([]eventDTO, 0, len(events))}
		for _, o := range events {
			day.Events = append(day.Events, toEventDTO(o, a.EventCalendars[o.UID], colors, use24))
		}
		days = append(days, day)
	}

	writeJSON(w, http.StatusOK, agendaResponse{
		Days:       days,
		Calendars:  toCalendarDTOs(a.Sources),
		Selected:   selected,
		CapturedAt: a.CapturedAt,
		FromCache:  a.FromCache,
		Loading:    s.svc.Loading(),
		Failed:     a.Failed,
	})
}

func toEventDTO(o model.Occurrence, calendarURL string, colors map[string]string, use24 bool) eventDTO {
	allDay := agenda.IsAllDay(o.Start, o.End)
	dto := eventDTO{
		UID:         o.UID,
		Title:       o.Title,
		Description: o.Description,
		Location:    o.Location,
		Start:       o.Start,
		End:         o.End,
		AllDay:      allDay,
		StartLabel:  agenda.DisplayStart(o.Start, allDay, use24),
		Calendar:    calendarURL,
		Color:       colors[calendarURL],
	}
	if end, ok := agenda.DisplayEnd(o.End, allDay, use24); ok {
		dto.EndLabel = end
	}
	return dto
}

func toCalendarDTOs(sources []model.CalendarSource) []calendarDTO {
	out := make([]calendarDTO, 0, len(sources))
	for _, src := range sources {
		out = append(out, calendarDTO{
			URL:         src.URL,
			Name:        src.Name,
			DisplayName: src.DisplayName(),
			Color:       src.Color,
		})
	}
	return out
}

func (s *Server) handleListCalendars(w http.ResponseWriter, _ *http.Request) {
	list, err := s.calendars.List()
	if err != nil {
		appLog.Error("api calendars: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list calendars")
		return
	}
	writeJSON(w, http.StatusOK, toCalendarDTOs(list))
}

func (s *Server) handleAddCalendar(w http.ResponseWriter, r *http.Request) {
	var body calendarDTO
	if !decodeBody(w, r, &body) {
		return
	}
	src := model.CalendarSource{URL: body.URL, Name: body.Name, Color: body.Color}
	if err := s.calendars.Add(src); err != nil {
		writeStoreError(w, "add calendar", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCalendarDTOs([]model.CalendarSource{src})[0])
}

func (s *Server) handleUpdateCalendar(w http.ResponseWriter, r *http.Request) {
	oldURL, ok := calendarParam(w, r)
	if !ok {
		return
	}
	var body calendarDTO
	if !decodeBody(w, r, &body) {
		return
	}
	if body.URL == "" {
		body.URL = oldURL
	}
	src := model.CalendarSource{URL: body.URL, Name: body.Name, Color: body.Color}
	if err := s.calendars.Update(oldURL, src); err != nil {
		writeStoreError(w, "update calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalendarDTOs([]model.CalendarSource{src})[0])
}

func (s *Server) handleRemoveCalendar(w http.ResponseWriter, r *http.Request) {
	u, ok := calendarParam(w, r)
	if !ok {
		return
	}
	if err := s.calendars.Remove(u); err != nil {
		writeStoreError(w, "remove calendar", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSelected(w http.ResponseWriter, _ *http.Request) {
	v, err := s.calendars.Selected()
	if err != nil {
		appLog.Error("api selected: read failed", err)
	}
	writeJSON(w, http.StatusOK, selectedBody{Selected: v})
}

func (s *Server) handlePutSelected(w http.ResponseWriter, r *http.Request) {
	var body selectedBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.calendars.Select(body.Selected); err != nil {
		writeStoreError(w, "select calendar", err)
		return
	}
	v, _ := s.calendars.Selected()
	writeJSON(w, http.StatusOK, selectedBody{Selected: v})
}

// calendarParam returns the path-escaped calendar URL from {url}.
func calendarParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	u, err := url.PathUnescape(chi.URLParam(r, "url"))
	if err != nil || u == "" {
		writeError(w, http.StatusBadRequest, "invalid calendar url")
		return "", false
	}
	return u, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "calendar not found")
	case errors.Is(err, store.ErrDuplicateURL):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrEmptyURL):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("api: "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
