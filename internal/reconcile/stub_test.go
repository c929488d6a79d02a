package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"safeagent/internal/geocode"
	"safeagent/internal/model"
	"safeagent/internal/store"
)

// stubProvider answers from a fixed table and records every query.
type stubProvider struct {
	mu      sync.Mutex
	answers map[string][]geocode.Placemark
	queries []string
}

func (p *stubProvider) Geocode(_ context.Context, addr string) ([]geocode.Placemark, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, addr)
	return p.answers[addr], nil
}

func (p *stubProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

// slowStore delays every insert.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s slowStore) Insert(ctx context.Context, a *model.Appointment) error {
	time.Sleep(s.delay)
	return s.Store.Insert(ctx, a)
}

// flakySaveStore fails the first n saves without touching the staged work.
type flakySaveStore struct {
	store.Store
	failures atomic.Int32
	saves    atomic.Int32
}

func (s *flakySaveStore) Save(ctx context.Context) error {
	s.saves.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("disk I/O error")
	}
	return s.Store.Save(ctx)
}
