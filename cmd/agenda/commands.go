package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agenda/internal/agenda"
	"agenda/internal/config"
	"agenda/internal/ics"
	appLog "agenda/internal/log"
	"agenda/internal/metrics"
	"agenda/internal/model"
	"agenda/internal/notify"
	"agenda/internal/scheduler"
	"agenda/internal/store"
	"agenda/internal/web"
)

// RootFlags are shared by every command.
type RootFlags struct {
	Config   string `name:"config" short:"c" help:"Path to config file" default:"./agenda.yaml" env:"AGENDA_CONFIG" type:"path"`
	LogLevel string `name:"log-level" help:"Override log level (debug, info, error)"`
}

type CLI struct {
	RootFlags `embed:""`

	Version kong.VersionFlag `name:"version" help:"Print version and exit"`

	Serve     ServeCmd     `cmd:"" name:"serve" help:"Run the HTTP API and the refresh scheduler"`
	List      ListCmd      `cmd:"" name:"list" aliases:"ls" help:"Print the agenda grouped by day"`
	Calendars CalendarsCmd `cmd:"" name:"calendars" aliases:"cal" help:"Manage calendar sources"`
	Select    SelectCmd    `cmd:"" name:"select" help:"Set the calendar filter (all or a source URL)"`
}

// env carries process-level IO so commands can be exercised in tests.
type env struct {
	out    io.Writer
	errOut io.Writer
	exit   func(int)
	// notifier overrides the notifier built from config (tests).
	notifier notify.Notifier
}

func newEnv() *env {
	return &env{out: os.Stdout, errOut: os.Stderr, exit: os.Exit}
}

// app is the wired object graph shared by the commands.
type app struct {
	cfg       *config.Config
	loc       *time.Location
	store     store.Store
	calendars *store.Calendars
	registry  *prometheus.Registry
	svc       *agenda.Service
}

func newApp(ctx context.Context, flags *RootFlags, e *env) (*app, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.Log.Level))
	appLog.SetFormat(cfg.Log.Format)

	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", cfg.Timezone)
	}

	kv, err := store.OpenFile(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	calendars := store.NewCalendars(kv)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	fetcher := ics.NewFetcher(ics.FetcherOptions{
		CacheDir:      cfg.ICSCacheDir,
		Timeout:       cfg.Fetch.Timeout,
		RatePerSecond: cfg.Fetch.RatePerSecond,
		SafeClient:    cfg.Fetch.SafeClient,
		Metrics:       collector,
	})
	reader := &ics.Reader{Fetcher: fetcher, Location: loc, WindowDays: cfg.WindowDays}

	notifier := e.notifier
	if notifier == nil {
		notifier, err = buildNotifier(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	svc := agenda.NewService(agenda.Options{
		Store:     kv,
		Calendars: calendars,
		Reader:    reader,
		Notifier:  notifier,
		Metrics:   collector,
		TTL:       cfg.CacheTTL,
	})

	appLog.Info("effective config",
		"config_path", flags.Config,
		"listen", cfg.Listen,
		"timezone", loc.String(),
		"refresh", cfg.RefreshCron,
		"cache_ttl", cfg.CacheTTL.String(),
		"window_days", cfg.WindowDays,
		"store_poll", cfg.StorePoll.String(),
		"store", cfg.StorePath,
		"sns", cfg.Notify.SNSTopicARN != "",
	)

	return &app{
		cfg:       cfg,
		loc:       loc,
		store:     kv,
		calendars: calendars,
		registry:  registry,
		svc:       svc,
	}, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	if cfg.Notify.SNSTopicARN == "" {
		return notify.Log{}, nil
	}
	topic, err := notify.NewSNSFromEnv(ctx, cfg.Notify.SNSTopicARN)
	if err != nil {
		return nil, err
	}
	return notify.Multi{notify.Log{}, topic}, nil
}

type ServeCmd struct {
	Listen string `name:"listen" help:"HTTP listen address (overrides config if set)"`
}

func (c *ServeCmd) Run(ctx context.Context, flags *RootFlags, e *env) error {
	a, err := newApp(ctx, flags, e)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		a.cfg.Listen = c.Listen
	}

	sched, err := scheduler.New(a.cfg.RefreshCron, a.svc, a.calendars, a.loc)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	// Edits from `agenda calendars ...` in another process reach the
	// scheduler through the calendars hub.
	go a.calendars.Watch(ctx, a.cfg.StorePoll)

	srv := web.NewServer(a.cfg, a.svc, a.calendars, metrics.Handler(a.registry))
	err = web.StartServer(ctx, srv, a.cfg.Listen)
	<-done
	appLog.Info("agenda exiting")
	return err
}

type ListCmd struct {
	NoCache  bool   `name:"no-cache" help:"Ignore the stored agenda and refetch"`
	Calendar string `name:"calendar" help:"Only show one source URL (default: stored selection)"`
	JSON     bool   `name:"json" help:"Print JSON instead of text"`
}

func (c *ListCmd) Run(ctx context.Context, flags *RootFlags, e *env) error {
	a, err := newApp(ctx, flags, e)
	if err != nil {
		return err
	}
	result, err := a.svc.Load(ctx, !c.NoCache)
	if err != nil {
		return err
	}

	selected := c.Calendar
	if selected == "" {
		if selected, err = a.calendars.Selected(); err != nil {
			return err
		}
	}
	filtered := result.Filter(selected)

	if c.JSON {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"eventsByDate":   filtered.EventsByDate,
			"eventCalendars": filtered.EventCalendars,
			"capturedAt":     filtered.CapturedAt,
			"fromCache":      filtered.FromCache,
		})
	}
	return writeAgendaText(e.out, filtered, a.cfg.Use24Hour)
}

// writeAgendaText prints one block per day:
//
//	Mon, Jan 15
//	  all day           Holiday     Personal
//	  2:00 PM-3:00 PM   Sync        Work
func writeAgendaText(w io.Writer, a *agenda.Agenda, use24 bool) error {
	names := make(map[string]string, len(a.Sources))
	for _, src := range a.Sources {
		names[src.URL] = src.DisplayName()
	}

	keys := agenda.SortedDateKeys(a.EventsByDate)
	if len(keys) == 0 {
		_, err := fmt.Fprintln(w, "No upcoming events.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, key := range keys {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		day, err := time.Parse(time.DateOnly, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, day.Format("Mon, Jan 2"))
		for _, o := range a.EventsByDate[key] {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", timeRange(o, use24), o.Title, names[a.EventCalendars[o.UID]])
		}
	}
	for _, name := range a.Failed {
		fmt.Fprintf(tw, "\n! %s could not be fetched\n", name)
	}
	return tw.Flush()
}

func timeRange(o model.Occurrence, use24 bool) string {
	allDay := agenda.IsAllDay(o.Start, o.End)
	if allDay {
		return "all day"
	}
	start := agenda.DisplayStart(o.Start, allDay, use24)
	if end, ok := agenda.DisplayEnd(o.End, allDay, use24); ok && !o.End.Equal(o.Start) {
		return start + "-" + end
	}
	return start
}

type CalendarsCmd struct {
	List   CalendarsListCmd   `cmd:"" name:"list" aliases:"ls" default:"1" help:"List calendar sources"`
	Add    CalendarsAddCmd    `cmd:"" name:"add" help:"Add a calendar source"`
	Edit   CalendarsEditCmd   `cmd:"" name:"edit" help:"Change a calendar source"`
	Remove CalendarsRemoveCmd `cmd:"" name:"remove" aliases:"rm" help:"Remove a calendar source"`
}

type CalendarsListCmd struct {
	JSON bool `name:"json" help:"Print JSON instead of text"`
}

func (c *CalendarsListCmd) Run(ctx context.Context, flags *RootFlags, e *env) error {
	a, err := newApp(ctx, flags, e)
	if err != nil {
		return err
	}
	list, err := a.calendars.List()
	if err != nil {
		return err
	}
	selected, _ := a.calendars.Selected()

	if c.JSON {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"calendars": list, "selected": selected})
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(e.out, "No calendars. Add one with: agenda calendars add <url>")
		return err
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tCOLOR\tURL")
	for _, src := range list {
		mark := ""
		if src.URL == selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, src.DisplayName(), src.Color, src.URL)
	}
	return tw.Flush()
}

type CalendarsAddCmd struct {
	URL   string `arg:"" name:"url" help:"iCalendar URL (webcal:// is accepted)"`
	Name  string `name:"name" help:"Display name (default: derived from the URL)"`
	Color string `name:"color" help:"Color tag"`
}

func (c *CalendarsAddCmd) Run(ctx context.Context, flags *RootFlags, e *env) error {
	a, err := newApp(ctx, flags, e)
	if err != nil {
		return err
	}
	src := model.CalendarSource{URL: c.URL, Name: c.Name, Color: c.Color}
	if err := a.calendars.Add(src); err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.out, "Added %s\n", src.DisplayName())
	return err
}

type CalendarsEditCmd struct {
	URL        string `arg:"" name:"url" help:"URL of the source to change"`
	NewURL     string `name:"new-url" help:"Replace the URL"`
	Name       string `name:"name" help:"New display name"`
	Color      string `name:"color" help:"New color tag"`
	ClearName  bool   `name:"clear-name" help:"Derive the display name from the URL again"`
	ClearColor bool   `name:"clear-color" help:"Remove the color tag"`
}

func (c *CalendarsEditCmd) Run(ctx context.Context, flags *RootFlags, e *env) error {
	a, err := newApp(ctx, flags, e)
	if err != nil {
		return err
	}
	list, err := a.calendars.List()
	if err != nil {
		return err
	}
	var current *model.CalendarSource
	for i := range list {
		if list[i].URL == c.URL {
			current = &list[i]
			break
		}
	}
	if current == nil {
		return fmt.Errorf("%w: %s", store.ErrNotFound, c.URL)
	}

	updated := *current
	if c.NewURL != "" {
		updated.URL = c.NewURL
	}
	switch {
	case c.ClearName:
		updated.Name = ""
	case c.Name != "":
		updated.Name = c.Name
	}
	switch {
	case c.ClearColor:
		updated.Color = ""
	case c.Color != "":
		updated.Color = c.Color
	}
	if err := a.calendars.Update(c.URL, updated); err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.out, "Updated %s\n", updated.DisplayName())
	return err
}

type CalendarsRemoveCmd struct {
	URL string `arg:"" name:"url" help:"URL of the source to remove"`
}

func (c *CalendarsRemoveCmd) Run(ctx context.Context, flags *RootFlags, e *env) error {
	a, err := newApp(ctx, flags, e)
	if err != nil {
		return err
	}
	if err := a.calendars.Remove(c.URL); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no calendar with URL %s", c.URL)
		}
		return err
	}
	_, err = fmt.Fprintln(e.out, "Removed")
	return err
}

type SelectCmd struct {
	Value string `arg:"" name:"calendar" help:"\"all\" or a source URL"`
}

func (c *SelectCmd) Run(ctx context.Context, flags *RootFlags, e *env) error {
	a, err := newApp(ctx, flags, e)
	if err != nil {
		return err
	}
	v := strings.TrimSpace(c.Value)
	if err := a.calendars.Select(v); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no calendar with URL %s", v)
		}
		return err
	}
	selected, _ := a.calendars.Selected()
	_, err = fmt.Fprintf(e.out, "Selected %s\n", selected)
	return err
}
