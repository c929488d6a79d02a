// Package reconcile diffs calendar events against the local appointment
// store and keeps coordinates of calendar-sourced appointments resolved.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"safeagent/internal/address"
	appLog "safeagent/internal/log"
	"safeagent/internal/model"
	"safeagent/internal/notify"
	"safeagent/internal/store"
)

const defaultJoinTimeout = 15 * time.Second

// Geocoder resolves a raw address. geocode.Pipeline satisfies it.
type Geocoder interface {
	Resolve(ctx context.Context, raw string) (model.Coordinate, error)
}

// GeocoderFunc adapts a function to Geocoder.
type GeocoderFunc func(ctx context.Context, raw string) (model.Coordinate, error)

func (f GeocoderFunc) Resolve(ctx context.Context, raw string) (model.Coordinate, error) {
	return f(ctx, raw)
}

// Result is what one reconcile pass did.
type Result struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	// Migrated counts appointments that received a missing LocalID.
	Migrated int `json:"migrated"`
	// Queued counts geocodes dispatched by the pass.
	Queued int `json:"queued"`

	// Attempted lists the row ids the pass sent to the geocoder, whether
	// or not a geocode for them was already running.
	Attempted []int64 `json:"-"`
}

func (r Result) changed() bool {
	return r.Imported+r.Updated+r.Deleted+r.Migrated > 0
}

// Engine is the one reconcile routine every trigger uses. All store access
// goes through the Writer; geocodes run concurrently and commit through it.
type Engine struct {
	writer      *store.Writer
	geocoder    Geocoder
	bus         *notify.Bus
	joinTimeout time.Duration
	newID       func() string

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[int64]string // row id -> address being resolved
}

type Option func(*Engine)

// WithJoinTimeout bounds the soft join after the first commit. Zero skips
// the wait; the fallback save still runs.
func WithJoinTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.joinTimeout = d
		}
	}
}

// WithIDGenerator replaces uuid.NewString for LocalID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

func New(w *store.Writer, g Geocoder, bus *notify.Bus, opts ...Option) *Engine {
	e := &Engine{
		writer:      w,
		geocoder:    g,
		bus:         bus,
		joinTimeout: defaultJoinTimeout,
		newID:       uuid.NewString,
		inflight:    make(map[int64]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile applies events to the store: creates appointments for new
// external ids, updates changed ones, deletes linked appointments whose id
// is gone, and assigns missing LocalIDs. Manual appointments are never
// touched. The only error is a store that cannot be used at all.
func (e *Engine) Reconcile(ctx context.Context, events []model.CalendarEvent) (Result, error) {
	var (
		res     Result
		toGeo   []model.Appointment
		skipped int
	)

	// A pass runs to completion once started; a caller that goes away
	// only stops waiting on the geocodes.
	pctx := context.WithoutCancel(ctx)

	err := e.writer.Do(pctx, func(s store.Store) error {
		existing, err := s.List(pctx, store.Linked)
		if err != nil {
			return err
		}

		lookup := make(map[string]model.Appointment, len(existing))
		for _, a := range existing {
			id := a.ExternalID()
			if _, dup := lookup[id]; dup {
				// Legacy duplicate; one appointment per external id.
				if err := s.Delete(pctx, a.RowID); err != nil {
					appLog.Error("reconcile: delete duplicate failed", err, "external_id", id, "row_id", a.RowID)
					continue
				}
				res.Deleted++
				continue
			}
			lookup[id] = a
		}

		seen := make(map[string]struct{}, len(events))
		for _, ev := range events {
			if !ev.Valid() {
				skipped++
				continue
			}
			if _, dup := seen[ev.ExternalID]; dup {
				appLog.Debug("reconcile: duplicate external id in fetch; keeping first", "external_id", ev.ExternalID)
				continue
			}
			seen[ev.ExternalID] = struct{}{}

			addr := eventAddress(ev)

			if cur, ok := lookup[ev.ExternalID]; ok {
				delete(lookup, ev.ExternalID)

				changed := applyEvent(&cur, ev, addr)
				migrated := false
				if cur.LocalID == "" {
					cur.LocalID = e.newID()
					migrated = true
				}
				if changed || migrated {
					if err := s.Update(pctx, cur); err != nil {
						appLog.Error("reconcile: update failed", err, "external_id", ev.ExternalID)
						continue
					}
				}
				if changed {
					res.Updated++
				}
				if migrated {
					res.Migrated++
				}
				if (changed && cur.Address() != "") || cur.PendingGeocode() {
					toGeo = append(toGeo, cur)
				}
				continue
			}

			a := model.Appointment{
				LocalID:         e.newID(),
				ExternalEventID: &ev.ExternalID,
				Title:           ev.Title,
				PropertyAddress: model.StringPtr(addr),
				StartTime:       ev.Start,
				EndTime:         ev.End,
				Status:          model.StatusScheduled,
			}
			if err := s.Insert(pctx, &a); err != nil {
				appLog.Error("reconcile: insert failed", err, "external_id", ev.ExternalID)
				continue
			}
			res.Imported++
			if a.PendingGeocode() {
				toGeo = append(toGeo, a)
			}
		}

		for id, stale := range lookup {
			if err := s.Delete(pctx, stale.RowID); err != nil {
				appLog.Error("reconcile: delete failed", err, "external_id", id)
				continue
			}
			res.Deleted++
		}

		res.Migrated += e.migrateLocalIDs(pctx, s)

		if err := s.Save(pctx); err != nil {
			appLog.Error("reconcile: save failed", err)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}

	if skipped > 0 {
		appLog.Debug("reconcile: skipped malformed events", "count", skipped)
	}
	if res.changed() {
		e.bus.Publish(notify.Change{
			Kind:     notify.KindSynced,
			Imported: res.Imported,
			Updated:  res.Updated,
			Deleted:  res.Deleted,
		})
	}

	var pass sync.WaitGroup
	for _, a := range toGeo {
		res.Attempted = append(res.Attempted, a.RowID)
		if e.dispatch(pctx, a, &pass) {
			res.Queued++
		}
	}
	if res.Queued > 0 {
		e.softJoin(ctx, &pass)
	}
	// Commits whatever is still staged; a no-op when nothing is.
	if err := e.writer.Do(pctx, func(s store.Store) error { return s.Save(pctx) }); err != nil {
		appLog.Error("reconcile: fallback save failed", err)
	}

	appLog.Info("reconcile completed",
		"imported", res.Imported,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"migrated", res.Migrated,
		"queued", res.Queued,
	)
	return res, nil
}

// migrateLocalIDs assigns a LocalID to every appointment, linked or not,
// that still lacks one. It is best effort.
func (e *Engine) migrateLocalIDs(ctx context.Context, s store.Store) int {
	all, err := s.List(ctx, store.All)
	if err != nil {
		appLog.Warn("reconcile: migration sweep skipped", "err", err)
		return 0
	}
	n := 0
	for _, a := range all {
		if a.LocalID != "" {
			continue
		}
		a.LocalID = e.newID()
		if err := s.Update(ctx, a); err != nil {
			appLog.Error("reconcile: assign local id failed", err, "row_id", a.RowID)
			continue
		}
		n++
	}
	return n
}

// eventAddress is the event location, or the cleaned title when the
// location is blank and the title reads like a street address.
func eventAddress(ev model.CalendarEvent) string {
	if loc := strings.TrimSpace(ev.Location); loc != "" {
		return loc
	}
	title := strings.TrimSpace(address.Clean(ev.Title))
	if address.LooksLikeAddress(title) {
		return title
	}
	return ""
}

// applyEvent copies ev onto a and reports whether any compared field
// differed. A new address invalidates the coordinates.
func applyEvent(a *model.Appointment, ev model.CalendarEvent, addr string) bool {
	changed := false
	if a.Title != ev.Title {
		a.Title = ev.Title
		changed = true
	}
	if a.Address() != addr {
		a.PropertyAddress = model.StringPtr(addr)
		a.SetCoordinate(model.Sentinel)
		changed = true
	}
	if !a.StartTime.Equal(ev.Start) {
		a.StartTime = ev.Start
		changed = true
	}
	if !a.EndTime.Equal(ev.End) {
		a.EndTime = ev.End
		changed = true
	}
	return changed
}

// softJoin waits for the pass's geocodes, at most joinTimeout.
func (e *Engine) softJoin(ctx context.Context, pass *sync.WaitGroup) {
	if e.joinTimeout <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		pass.Wait()
		close(done)
	}()

	t := time.NewTimer(e.joinTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		appLog.Info("reconcile: geocodes still running after join timeout; they will commit on their own",
			"timeout", e.joinTimeout.String())
	case <-ctx.Done():
	}
}

// GeocodePending queues every appointment, manual ones included, that has
// an address but sentinel coordinates, except the rows in skip. It does not
// wait.
func (e *Engine) GeocodePending(ctx context.Context, skip ...int64) (int, error) {
	skipped := make(map[int64]struct{}, len(skip))
	for _, id := range skip {
		skipped[id] = struct{}{}
	}

	var pending []model.Appointment
	err := e.writer.Do(ctx, func(s store.Store) error {
		all, err := s.List(ctx, store.All)
		if err != nil {
			return err
		}
		for _, a := range all {
			if _, ok := skipped[a.RowID]; ok {
				continue
			}
			if a.PendingGeocode() {
				pending = append(pending, a)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("geocode pending: %w", err)
	}

	n := 0
	for _, a := range pending {
		if e.dispatch(ctx, a, nil) {
			n++
		}
	}
	if n > 0 {
		appLog.Info("queued pending geocodes", "count", n)
	}
	return n, nil
}

// dispatch starts a geocode for a unless one for the same address is
// already running. pass, if non-nil, tracks it for the soft join.
func (e *Engine) dispatch(ctx context.Context, a model.Appointment, pass *sync.WaitGroup) bool {
	addr := a.Address()
	if addr == "" || e.geocoder == nil {
		return false
	}

	e.mu.Lock()
	if cur, busy := e.inflight[a.RowID]; busy && cur == addr {
		e.mu.Unlock()
		return false
	}
	e.inflight[a.RowID] = addr
	e.mu.Unlock()

	e.wg.Add(1)
	if pass != nil {
		pass.Add(1)
	}

	// The geocode outlives the pass that started it.
	gctx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		if pass != nil {
			defer pass.Done()
		}
		defer e.release(a.RowID, addr)
		e.geocodeOne(gctx, a.RowID, a.LocalID, addr)
	}()
	return true
}

func (e *Engine) release(rowID int64, addr string) {
	e.mu.Lock()
	if e.inflight[rowID] == addr {
		delete(e.inflight, rowID)
	}
	e.mu.Unlock()
}

func (e *Engine) geocodeOne(ctx context.Context, rowID int64, localID, addr string) {
	coord, err := e.geocoder.Resolve(ctx, addr)
	if err != nil {
		appLog.Info("geocode unresolved; appointment stays pending", "local_id", localID, "err", err)
		return
	}

	applied := false
	err = e.writer.Do(ctx, func(s store.Store) error {
		cur, err := s.Get(ctx, rowID)
		if err != nil {
			return err
		}
		if cur.Address() != addr {
			// Address changed while resolving; the newer geocode wins.
			return nil
		}
		if err := s.UpdateCoordinates(ctx, rowID, coord); err != nil {
			return err
		}
		applied = true
		if err := s.Save(ctx); err != nil {
			appLog.Error("geocode: save failed; fallback save will retry", err, "local_id", localID)
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		appLog.Debug("geocode result dropped; appointment deleted", "local_id", localID)
	case err != nil:
		appLog.Error("geocode: store update failed", err, "local_id", localID)
	case applied:
		appLog.Debug("geocode applied", "local_id", localID,
			"lat", coord.Latitude, "lon", coord.Longitude)
		e.bus.Publish(notify.Change{Kind: notify.KindGeocoded, LocalID: localID})
	}
}

// Wait blocks until every dispatched geocode has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
