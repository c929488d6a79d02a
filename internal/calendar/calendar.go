// Package calendar is the event source: it reads calendar events in a
// window and keeps the ones that look like showings.
package calendar

import (
	"context"
	"errors"
	"strings"
	"time"

	appLog "safeagent/internal/log"
	"safeagent/internal/model"
)

// ErrAccessDenied means the calendar cannot be read at all.
var ErrAccessDenied = errors.New("calendar: access denied")

// Provider is an external calendar. RequestAccess must be called before
// every fetch.
type Provider interface {
	RequestAccess(ctx context.Context) (bool, error)
	// FetchEvents returns the events starting in [start, end).
	FetchEvents(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error)
}

// Source filters a provider's events down to showings.
type Source struct {
	provider Provider
	keywords []string
}

// NewSource builds a Source. Keywords are matched case-insensitively as
// substrings of the title or location.
func NewSource(p Provider, keywords []string) *Source {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Source{provider: p, keywords: kw}
}

// RequestAccess asks the provider for access.
func (s *Source) RequestAccess(ctx context.Context) (bool, error) {
	return s.provider.RequestAccess(ctx)
}

// Showings returns the showing-like events starting in [start, end). A
// denied provider yields an empty list; callers learn about the denial
// from RequestAccess.
func (s *Source) Showings(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	events, err := s.provider.FetchEvents(ctx, start, end)
	if errors.Is(err, ErrAccessDenied) {
		appLog.Warn("calendar access denied; no events", "err", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]model.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.Start.Before(start) || !ev.Start.Before(end) {
			continue
		}
		if s.IsShowing(ev) {
			out = append(out, ev)
		}
	}
	appLog.Debug("calendar showings filtered", "fetched", len(events), "showings", len(out))
	return out, nil
}

// IsShowing reports whether the title or location contains a keyword.
func (s *Source) IsShowing(ev model.CalendarEvent) bool {
	title := strings.ToLower(ev.Title)
	loc := strings.ToLower(ev.Location)
	for _, k := range s.keywords {
		if strings.Contains(title, k) || strings.Contains(loc, k) {
			return true
		}
	}
	return false
}
