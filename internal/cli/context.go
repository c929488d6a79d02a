package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"safeagent/internal/calendar"
	"safeagent/internal/config"
	"safeagent/internal/geocode"
	"safeagent/internal/ics"
	appLog "safeagent/internal/log"
	"safeagent/internal/model"
	"safeagent/internal/notify"
	"safeagent/internal/reconcile"
	"safeagent/internal/store"
	"safeagent/internal/syncer"
)

// Context is bound into every command's Run.
type Context struct {
	ConfigPath string
	Listen     string
	Debug      bool
	Out        io.Writer
}

// App holds the wired components of one process.
type App struct {
	Config   *config.Config
	Writer   *store.Writer
	Bus      *notify.Bus
	Geocoder *geocode.Pipeline
	Engine   *reconcile.Engine
	Syncer   *syncer.Syncer
}

func (c *Context) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// Load reads the config file and installs the logger it describes.
func (c *Context) Load() (*config.Config, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}

	level := appLog.ParseLevel(cfg.Log.Level)
	if c.Debug {
		level = appLog.LevelDebug
	}
	if err := appLog.Setup(appLog.Options{Level: level, File: cfg.Log.File}); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"database", cfg.Database,
		"refresh", cfg.RefreshCron,
		"backfill_days", cfg.Window.BackfillDays,
		"horizon_days", cfg.Window.HorizonDays,
		"calendar_count", len(cfg.Calendars),
		"override_count", len(cfg.Overrides),
	)
	return cfg, nil
}

// NewGeocoder builds the address pipeline from config.
func NewGeocoder(cfg *config.Config) (*geocode.Pipeline, error) {
	lim, err := geocode.NewLimiter(cfg.Geocoder.Rate)
	if err != nil {
		return nil, err
	}

	overrides := geocode.NewOverrides()
	for _, o := range cfg.Overrides {
		overrides.Set(o.Address, model.Coordinate{Latitude: o.Latitude, Longitude: o.Longitude})
	}

	provider := geocode.NewNominatim(geocode.NominatimConfig{
		BaseURL:      cfg.Geocoder.BaseURL,
		UserAgent:    cfg.Geocoder.UserAgent,
		Email:        cfg.Geocoder.Email,
		CountryCodes: cfg.Geocoder.CountryCodes,
		Timeout:      cfg.Geocoder.Timeout,
	})
	return geocode.NewPipeline(provider,
		geocode.WithOverrides(overrides),
		geocode.WithTimeout(cfg.Geocoder.Timeout),
		geocode.WithLimiter(lim),
	), nil
}

// Open loads config and wires the store, geocoder, engine and syncer.
func (c *Context) Open(ctx context.Context) (*App, error) {
	cfg, err := c.Load()
	if err != nil {
		return nil, err
	}

	db, err := store.OpenSQLite(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	w := store.NewWriter(db)

	pipeline, err := NewGeocoder(cfg)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	bus := notify.NewBus()
	engine := reconcile.New(w, pipeline, bus, reconcile.WithJoinTimeout(cfg.Geocoder.JoinTimeout))

	sources := make([]ics.Source, 0, len(cfg.Calendars))
	for _, cal := range cfg.Calendars {
		sources = append(sources, ics.Source{ID: cal.SourceID(), URL: cal.URL})
	}
	fetcher := ics.NewFetcher(cfg.CacheDir, cfg.Geocoder.UserAgent)
	provider := calendar.NewICSProvider(fetcher, sources, cfg.Location())

	s := syncer.New(
		calendar.NewSource(provider, cfg.Keywords),
		engine,
		syncer.Window{BackfillDays: cfg.Window.BackfillDays, HorizonDays: cfg.Window.HorizonDays},
		cfg.Location(),
	)

	return &App{
		Config:   cfg,
		Writer:   w,
		Bus:      bus,
		Geocoder: pipeline,
		Engine:   engine,
		Syncer:   s,
	}, nil
}

// Close waits up to grace for outstanding geocodes, then closes the store.
// Unsaved changes are rolled back.
func (a *App) Close(grace time.Duration) {
	if grace > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := a.Engine.Wait(ctx); err != nil {
			appLog.Warn("geocodes still running at shutdown", "err", err)
		}
		cancel()
	}
	if err := a.Writer.Close(); err != nil {
		appLog.Error("failed to close store", err)
	}
	appLog.Sync()
}
