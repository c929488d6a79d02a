package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"safeagent/internal/ics"
	appLog "safeagent/internal/log"
	"safeagent/internal/model"
)

// ICSProvider reads showings from ICS subscriptions.
type ICSProvider struct {
	fetcher *ics.Fetcher
	sources []ics.Source
	loc     *time.Location

	mu     sync.Mutex
	bodies []ics.FetchResult
}

func NewICSProvider(f *ics.Fetcher, sources []ics.Source, loc *time.Location) *ICSProvider {
	if loc == nil {
		loc = time.Local
	}
	return &ICSProvider{fetcher: f, sources: sources, loc: loc}
}

// RequestAccess downloads every feed. Access is denied when no calendar is
// configured or a feed answers 401/403. Other download failures are
// returned as errors with access granted. The bodies are kept for the next
// FetchEvents.
func (p *ICSProvider) RequestAccess(ctx context.Context) (bool, error) {
	if len(p.sources) == 0 {
		appLog.Warn("calendar: no calendars configured")
		return false, nil
	}

	results, err := p.fetchAll(ctx)
	if errors.Is(err, ErrAccessDenied) {
		appLog.Warn("calendar: feed refused access", "err", err)
		return false, nil
	}
	if err != nil {
		return true, err
	}

	p.mu.Lock()
	p.bodies = results
	p.mu.Unlock()
	return true, nil
}

// FetchEvents expands every feed into events starting in [start, end).
// It uses the bodies from RequestAccess when present and downloads
// otherwise.
func (p *ICSProvider) FetchEvents(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	p.mu.Lock()
	results := p.bodies
	p.bodies = nil
	p.mu.Unlock()

	if results == nil {
		if len(p.sources) == 0 {
			return nil, ErrAccessDenied
		}
		var err error
		if results, err = p.fetchAll(ctx); err != nil {
			return nil, err
		}
	}

	var parsed []ics.ParsedEvent
	for _, r := range results {
		evs, err := ics.ParseICS(r.Source, r.Body)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", r.Source.ID, err)
		}
		parsed = append(parsed, evs...)
	}

	expanded, err := ics.ExpandOccurrences(parsed, ics.ExpandConfig{
		DisplayLocation: p.loc,
		RangeStart:      start,
		RangeEnd:        end,
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.CalendarEvent, 0, len(expanded.Occurrences))
	for _, occ := range expanded.Occurrences {
		out = append(out, model.CalendarEvent{
			ExternalID: ExternalID(occ),
			Title:      strings.TrimSpace(occ.Summary),
			Location:   strings.TrimSpace(occ.Location),
			Start:      occ.Start,
			End:        occ.End,
		})
	}
	appLog.Debug("calendar events expanded", "feeds", len(results), "events", len(out))
	return out, nil
}

// ExternalID is "<source>:<uid>" for single events and
// "<source>:<uid>@<instance>" for recurring instances.
func ExternalID(o ics.Occurrence) string {
	id := o.SourceID + ":" + o.UID
	if o.Recurring {
		id += "@" + o.InstanceKey
	}
	return id
}

// fetchAll fails as a whole when any feed fails: reconciling a partial set
// would delete the missing feed's appointments.
func (p *ICSProvider) fetchAll(ctx context.Context) ([]ics.FetchResult, error) {
	results, errs := p.fetcher.FetchAll(ctx, p.sources)
	if len(errs) == 0 {
		return results, nil
	}
	err := errors.Join(errs...)
	if errors.Is(err, ics.ErrAccessDenied) {
		return nil, fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return nil, err
}
