package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"safeagent/internal/geocode"
	"safeagent/internal/model"
	"safeagent/internal/notify"
	"safeagent/internal/reconcile"
	"safeagent/internal/store"
)

var t0 = time.Date(2025, 5, 5, 15, 0, 0, 0, time.UTC)

type MockGeocoder struct {
	mock.Mock
}

func (m *MockGeocoder) Resolve(ctx context.Context, raw string) (model.Coordinate, error) {
	args := m.Called(ctx, raw)
	return args.Get(0).(model.Coordinate), args.Error(1)
}

type fixture struct {
	engine *reconcile.Engine
	writer *store.Writer
	bus    *notify.Bus
}

func newFixture(t *testing.T, g reconcile.Geocoder, seed ...*model.Appointment) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	for _, a := range seed {
		require.NoError(t, s.Insert(ctx, a))
	}
	require.NoError(t, s.Save(ctx))

	var n atomic.Int64
	w := store.NewWriter(s)
	bus := notify.NewBus()
	e := reconcile.New(w, g, bus,
		reconcile.WithJoinTimeout(2*time.Second),
		reconcile.WithIDGenerator(func() string { return fmt.Sprintf("L%d", n.Add(1)) }),
	)
	t.Cleanup(func() {
		_ = e.Wait(context.Background())
		_ = w.Close()
	})
	return fixture{engine: e, writer: w, bus: bus}
}

func (f fixture) all(t *testing.T) []model.Appointment {
	t.Helper()
	require.NoError(t, f.engine.Wait(context.Background()))
	list, err := f.engine.Appointments(context.Background())
	require.NoError(t, err)
	return list
}

func event(id, title, location string) model.CalendarEvent {
	return model.CalendarEvent{ExternalID: id, Title: title, Location: location, Start: t0, End: t0.Add(time.Hour)}
}

var resolved = reconcile.GeocoderFunc(func(context.Context, string) (model.Coordinate, error) {
	return model.Coordinate{Latitude: 39.8, Longitude: -89.6}, nil
})

func TestReconcile_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, resolved)
	e1 := event("e1", "Showing - 100 Elm St", "100 Elm St, Springfield")

	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{e1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Deleted)

	list := f.all(t)
	require.Len(t, list, 1)
	assert.Equal(t, "100 Elm St, Springfield", list[0].Address())
	assert.Equal(t, "e1", list[0].ExternalID())
	assert.NotEmpty(t, list[0].LocalID)
	assert.Equal(t, model.StatusScheduled, list[0].Status)
	assert.False(t, list[0].PendingGeocode())

	res, err = f.engine.Reconcile(ctx, []model.CalendarEvent{e1})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Result{}, res, "unchanged refetch does nothing")

	e1.Title = "Showing - 100 Elm Street"
	res, err = f.engine.Reconcile(ctx, []model.CalendarEvent{e1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, "Showing - 100 Elm Street", f.all(t)[0].Title)

	res, err = f.engine.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Result{Deleted: 1}, res)
	assert.Empty(t, f.all(t))
}

func TestReconcile_FragmentRetryResolvesAddress(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{answers: map[string][]geocode.Placemark{
		"42 Oak Ave": {{Thoroughfare: "Oak Avenue", Location: &model.Coordinate{Latitude: 40.1, Longitude: -88.2}}},
	}}
	f := newFixture(t, geocode.NewPipeline(p))

	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{
		event("e5", "Showing @ 42 Oak Ave Apt 3", "Showing @ 42 Oak Ave Apt 3"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)

	list := f.all(t)
	require.Len(t, list, 1)
	assert.Equal(t, model.Coordinate{Latitude: 40.1, Longitude: -88.2}, list[0].Coordinate())
	assert.Equal(t, []string{"42 Oak Ave Apt 3", "42 Oak Ave"}, p.calls())
}

func TestReconcile_ManualAppointmentUntouched(t *testing.T) {
	ctx := context.Background()
	manual := &model.Appointment{
		LocalID:         "manual-1",
		Title:           "Walkthrough",
		PropertyAddress: model.StringPtr("9 Pine Rd"),
		StartTime:       t0,
		EndTime:         t0.Add(time.Hour),
		Latitude:        1,
		Longitude:       2,
	}
	f := newFixture(t, resolved, manual)

	_, err := f.engine.Reconcile(ctx, []model.CalendarEvent{event("other", "Showing", "5 Main St")})
	require.NoError(t, err)
	_, err = f.engine.Reconcile(ctx, nil)
	require.NoError(t, err)

	list := f.all(t)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, "manual-1", got.LocalID)
	assert.Equal(t, "Walkthrough", got.Title)
	assert.Equal(t, "9 Pine Rd", got.Address())
	assert.Equal(t, model.Coordinate{Latitude: 1, Longitude: 2}, got.Coordinate())
	assert.False(t, got.Linked())
}

func TestReconcile_SkipsMalformedAndDuplicateEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, resolved)

	noTitle := event("bad1", "  ", "1 Main St")
	noStart := event("bad2", "Showing", "1 Main St")
	noStart.Start = time.Time{}
	noEnd := event("bad3", "Showing", "1 Main St")
	noEnd.End = time.Time{}
	noID := event("", "Showing", "1 Main St")

	first := event("dup", "Showing A", "1 Main St")
	second := event("dup", "Showing B", "2 Main St")

	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{noTitle, noStart, noEnd, noID, first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Updated)

	list := f.all(t)
	require.Len(t, list, 1)
	assert.Equal(t, "Showing A", list[0].Title)
}

func TestReconcile_MigrationSweepAssignsLocalIDs(t *testing.T) {
	ctx := context.Background()
	ext := "legacy"
	legacyLinked := &model.Appointment{
		ExternalEventID: &ext,
		Title:           "Showing",
		StartTime:       t0,
		EndTime:         t0.Add(time.Hour),
	}
	legacyManual := &model.Appointment{Title: "Manual", StartTime: t0, EndTime: t0.Add(time.Hour)}
	f := newFixture(t, resolved, legacyLinked, legacyManual)

	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{event("legacy", "Showing", "")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Migrated)
	assert.Zero(t, res.Updated, "assigning a local id is not a field change")

	for _, a := range f.all(t) {
		assert.NotEmpty(t, a.LocalID, "row %d", a.RowID)
	}
}

func TestReconcile_AddressChangeResetsCoordinates(t *testing.T) {
	ctx := context.Background()
	g := new(MockGeocoder)
	g.On("Resolve", mock.Anything, "1 Old St").Return(model.Coordinate{Latitude: 1, Longitude: 1}, nil).Once()
	g.On("Resolve", mock.Anything, "2 New St").Return(model.Coordinate{}, geocode.ErrUnresolved).Once()
	f := newFixture(t, g)

	_, err := f.engine.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "1 Old St")})
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.all(t)[0].Latitude)

	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "2 New St")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Queued)

	got := f.all(t)[0]
	assert.True(t, got.PendingGeocode(), "unresolved new address keeps the sentinel")
	g.AssertExpectations(t)
}

func TestReconcile_TitleBackfillsAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, resolved)

	_, err := f.engine.Reconcile(ctx, []model.CalendarEvent{
		event("a", "Showing - 77 Sunset Blvd", ""),
		event("b", "Team tour debrief", ""),
	})
	require.NoError(t, err)

	byID := map[string]model.Appointment{}
	for _, a := range f.all(t) {
		byID[a.ExternalID()] = a
	}
	assert.Equal(t, "77 Sunset Blvd", byID["a"].Address())
	assert.Nil(t, byID["b"].PropertyAddress)

	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{
		event("a", "Showing - 77 Sunset Blvd", ""),
		event("b", "Team tour debrief", ""),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Updated, "back-filled address compares equal on refetch")
}

func TestReconcile_TimeDriftCountsAsUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, resolved)
	ev := event("e1", "Showing", "1 Main St")
	_, err := f.engine.Reconcile(ctx, []model.CalendarEvent{ev})
	require.NoError(t, err)

	ev.Start = ev.Start.In(time.FixedZone("X", 3600))
	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{ev})
	require.NoError(t, err)
	assert.Zero(t, res.Updated, "same instant in another zone is equal")

	ev.End = ev.End.Add(time.Millisecond)
	res, err = f.engine.Reconcile(ctx, []model.CalendarEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
}

func TestReconcile_StaleGeocodeResultIsDiscarded(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	g := reconcile.GeocoderFunc(func(ctx context.Context, raw string) (model.Coordinate, error) {
		if raw == "1 Old St" {
			<-release
			return model.Coordinate{Latitude: 1, Longitude: 1}, nil
		}
		return model.Coordinate{Latitude: 2, Longitude: 2}, nil
	})

	s, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	w := store.NewWriter(s)
	defer w.Close()
	e := reconcile.New(w, g, notify.NewBus(), reconcile.WithJoinTimeout(0))

	_, err = e.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "1 Old St")})
	require.NoError(t, err)
	_, err = e.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "2 New St")})
	require.NoError(t, err)

	close(release)
	require.NoError(t, e.Wait(ctx))

	list, err := e.Appointments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.Coordinate{Latitude: 2, Longitude: 2}, list[0].Coordinate())
}

func TestGeocodePending_RetriesSentinelRecords(t *testing.T) {
	ctx := context.Background()
	g := new(MockGeocoder)
	g.On("Resolve", mock.Anything, "5 Main St").Return(model.Coordinate{}, errors.New("offline")).Once()
	g.On("Resolve", mock.Anything, "5 Main St").Return(model.Coordinate{Latitude: 3, Longitude: 4}, nil).Once()
	g.On("Resolve", mock.Anything, "8 Side St").Return(model.Coordinate{Latitude: 5, Longitude: 6}, nil).Once()

	manual := &model.Appointment{
		LocalID:         "m",
		Title:           "Manual",
		PropertyAddress: model.StringPtr("8 Side St"),
		StartTime:       t0,
		EndTime:         t0.Add(time.Hour),
	}
	f := newFixture(t, g, manual)

	res, err := f.engine.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "5 Main St")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	require.NoError(t, f.engine.Wait(ctx))

	n, err := f.engine.GeocodePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, a := range f.all(t) {
		assert.False(t, a.PendingGeocode(), "%s still pending", a.Title)
	}
	g.AssertExpectations(t)
}

func TestReconcile_PublishesChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, resolved)
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	_, err := f.engine.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "1 Main St")})
	require.NoError(t, err)
	require.NoError(t, f.engine.Wait(ctx))

	kinds := map[notify.Kind]int{}
	for len(ch) > 0 {
		c := <-ch
		kinds[c.Kind]++
	}
	assert.Equal(t, 1, kinds[notify.KindSynced])
	assert.Equal(t, 1, kinds[notify.KindGeocoded])

	_, err = f.engine.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "1 Main St")})
	require.NoError(t, err)
	assert.Zero(t, len(ch), "a pass that changed nothing publishes nothing")
}

func TestReconcile_StoreUnavailable(t *testing.T) {
	s, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	w := store.NewWriter(s)
	defer w.Close()

	_, err = reconcile.New(w, resolved, nil).Reconcile(context.Background(), []model.CalendarEvent{event("e1", "Showing", "")})
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestCreate_ManualAppointment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, resolved)

	a, err := f.engine.Create(ctx, reconcile.ManualInput{Title: " Walkthrough ", Address: "9 Pine Rd", Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.NotEmpty(t, a.LocalID)
	assert.False(t, a.Linked())

	list := f.all(t)
	require.Len(t, list, 1)
	assert.Equal(t, "Walkthrough", list[0].Title)
	assert.False(t, list[0].PendingGeocode())

	_, err = f.engine.Create(ctx, reconcile.ManualInput{Title: "x", Start: t0.Add(time.Hour), End: t0})
	assert.ErrorIs(t, err, reconcile.ErrInvalidAppointment)
}

func showings(n int) []model.CalendarEvent {
	evs := make([]model.CalendarEvent, 0, n)
	for i := range n {
		evs = append(evs, event(fmt.Sprintf("e%d", i), "Showing", ""))
	}
	return evs
}

func reopen(t *testing.T, path string) []model.Appointment {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.List(ctx, store.All)
	require.NoError(t, err)
	return list
}

func TestReconcile_CancelledCallerStillCommitsPass(t *testing.T) {
	base, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	w := store.NewWriter(slowStore{Store: base, delay: 2 * time.Millisecond})
	defer w.Close()
	e := reconcile.New(w, nil, notify.NewBus(), reconcile.WithJoinTimeout(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := e.Reconcile(ctx, showings(50))
	require.NoError(t, err)
	assert.Equal(t, 50, res.Imported)

	list, err := e.Appointments(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 50)
}

func TestReconcile_PendingSweepSkipsRowsThePassTried(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	g := reconcile.GeocoderFunc(func(context.Context, string) (model.Coordinate, error) {
		calls.Add(1)
		return model.Sentinel, geocode.ErrUnresolved
	})
	f := newFixture(t, g)
	evs := []model.CalendarEvent{event("e1", "Showing", "5 Main St")}

	for pass := 1; pass <= 2; pass++ {
		res, err := f.engine.Reconcile(ctx, evs)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Queued)
		require.Len(t, res.Attempted, 1)

		n, err := f.engine.GeocodePending(ctx, res.Attempted...)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, f.engine.Wait(ctx))
		assert.Equal(t, int32(pass), calls.Load(), "one ladder per pending appointment per pass")
	}
}

func TestReconcile_FallbackSaveCommitsAfterFailedFirstCommit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "safeagent.db")
	base, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	fs := &flakySaveStore{Store: base}
	fs.failures.Store(1)
	w := store.NewWriter(fs)
	e := reconcile.New(w, nil, notify.NewBus(), reconcile.WithJoinTimeout(0))

	res, err := e.Reconcile(ctx, showings(3))
	require.NoError(t, err, "a failed commit is logged, not returned")
	assert.Equal(t, 3, res.Imported)
	assert.Equal(t, int32(2), fs.saves.Load())

	require.NoError(t, w.Close())
	assert.Len(t, reopen(t, path), 3)
}

func TestReconcile_LateGeocodeCommitsAfterJoinTimeout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "safeagent.db")
	base, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	w := store.NewWriter(base)

	release := make(chan struct{})
	g := reconcile.GeocoderFunc(func(context.Context, string) (model.Coordinate, error) {
		<-release
		return model.Coordinate{Latitude: 1, Longitude: 2}, nil
	})
	e := reconcile.New(w, g, notify.NewBus(), reconcile.WithJoinTimeout(20*time.Millisecond))

	started := time.Now()
	res, err := e.Reconcile(ctx, []model.CalendarEvent{event("e1", "Showing", "5 Main St")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Less(t, time.Since(started), time.Second)

	list, err := e.Appointments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].PendingGeocode())

	close(release)
	require.NoError(t, e.Wait(ctx))
	require.NoError(t, w.Close())

	saved := reopen(t, path)
	require.Len(t, saved, 1)
	assert.Equal(t, model.Coordinate{Latitude: 1, Longitude: 2}, saved[0].Coordinate())
}
