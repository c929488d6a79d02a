// Package syncer runs the calendar-to-appointment sync. App launch, manual
// refresh and the scheduled trigger all call Syncer.Run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appLog "safeagent/internal/log"
	"safeagent/internal/model"
	"safeagent/internal/reconcile"
)

// ErrInProgress is returned when a pass is already running.
var ErrInProgress = errors.New("sync already in progress")

type Access string

const (
	AccessGranted Access = "granted"
	AccessDenied  Access = "denied"
)

type Trigger string

const (
	TriggerLaunch   Trigger = "launch"
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
)

// EventSource is the showing source; calendar.Source satisfies it.
type EventSource interface {
	RequestAccess(ctx context.Context) (bool, error)
	Showings(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error)
}

// Reconciler is the engine side of a pass; reconcile.Engine satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, events []model.CalendarEvent) (reconcile.Result, error)
	GeocodePending(ctx context.Context, skip ...int64) (int, error)
}

// Outcome describes one pass. Access is reported separately from the
// counts so "no showings" and "cannot read the calendar" stay distinct.
type Outcome struct {
	Trigger     Trigger          `json:"trigger"`
	Access      Access           `json:"access"`
	WindowStart time.Time        `json:"window_start"`
	WindowEnd   time.Time        `json:"window_end"`
	Fetched     int              `json:"fetched"`
	Result      reconcile.Result `json:"result"`
	Retried     int              `json:"retried"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// Window is the fetch range in whole days around today.
type Window struct {
	BackfillDays int
	HorizonDays  int
}

// Range returns [midnight(now) - backfill, midnight(now) + horizon + 1 day)
// in loc.
func (w Window) Range(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -w.BackfillDays), day.AddDate(0, 0, w.HorizonDays+1)
}

type Syncer struct {
	source EventSource
	engine Reconciler
	window Window
	loc    *time.Location
	now    func() time.Time

	running atomic.Bool

	mu   sync.RWMutex
	last *Outcome
}

func New(src EventSource, engine Reconciler, window Window, loc *time.Location) *Syncer {
	if loc == nil {
		loc = time.Local
	}
	return &Syncer{source: src, engine: engine, window: window, loc: loc, now: time.Now}
}

// WithClock replaces time.Now; for tests.
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.now = now
	return s
}

// Run performs one pass: request access, fetch showings, reconcile, then
// queue every appointment still pending a geocode. A denied calendar or a
// failed fetch ends the pass before reconcile, so an empty or partial
// fetch never deletes appointments.
func (s *Syncer) Run(ctx context.Context, trigger Trigger) (Outcome, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Outcome{Trigger: trigger}, ErrInProgress
	}
	defer s.running.Store(false)

	out := Outcome{Trigger: trigger, StartedAt: s.now()}
	out.WindowStart, out.WindowEnd = s.window.Range(out.StartedAt, s.loc)

	granted, err := s.source.RequestAccess(ctx)
	if err != nil {
		return s.finish(out, fmt.Errorf("request access: %w", err))
	}
	if !granted {
		out.Access = AccessDenied
		appLog.Warn("sync: calendar access denied", "trigger", string(trigger))
		return s.finish(out, nil)
	}
	out.Access = AccessGranted

	events, err := s.source.Showings(ctx, out.WindowStart, out.WindowEnd)
	if err != nil {
		return s.finish(out, fmt.Errorf("fetch showings: %w", err))
	}
	out.Fetched = len(events)

	res, err := s.engine.Reconcile(ctx, events)
	out.Result = res
	if err != nil {
		return s.finish(out, err)
	}

	// Rows the reconcile pass already tried are left for the next pass.
	n, err := s.engine.GeocodePending(ctx, res.Attempted...)
	if err != nil {
		appLog.Warn("sync: pending geocode sweep failed", "err", err)
	}
	out.Retried = n

	return s.finish(out, nil)
}

func (s *Syncer) finish(out Outcome, err error) (Outcome, error) {
	out.FinishedAt = s.now()
	if err != nil {
		appLog.Error("sync failed", err, "trigger", string(out.Trigger))
	} else {
		appLog.Info("sync completed",
			"trigger", string(out.Trigger),
			"access", string(out.Access),
			"fetched", out.Fetched,
			"imported", out.Result.Imported,
			"updated", out.Result.Updated,
			"deleted", out.Result.Deleted,
			"took", out.FinishedAt.Sub(out.StartedAt).String(),
		)
	}

	s.mu.Lock()
	s.last = &out
	s.mu.Unlock()
	return out, err
}

// Last returns the most recent outcome, if any pass has run.
func (s *Syncer) Last() (Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Outcome{}, false
	}
	return *s.last, true
}
