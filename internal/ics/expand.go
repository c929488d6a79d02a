package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "safeagent/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Occurrence is a single concrete instance of an event after recurrence
// expansion and timezone normalization.
type Occurrence struct {
	SourceID string
	UID      string

	// Recurring is true when the occurrence was produced by an RRULE.
	Recurring bool

	// InstanceKey identifies one instance of a recurring event. It is the
	// un-overridden start in UTC, so moving an instance through a
	// RECURRENCE-ID override keeps its key.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd)
	// an occurrence must start in.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences takes a list of ParsedEvent and expands them into
// concrete occurrences starting within the configured window. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides, including overrides that cancel an instance
//   - STATUS:CANCELLED base events
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by source+UID; two calendars may
	// legitimately reuse a UID.
	type key struct{ source, uid string }
	baseByUID := make(map[key][]ParsedEvent)
	overridesByUID := make(map[key][]ParsedEvent)
	order := make([]key, 0)

	for _, ev := range events {
		k := key{ev.Source.ID, ev.UID}
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[k] = append(overridesByUID[k], ev)
			continue
		}
		if _, seen := baseByUID[k]; !seen {
			order = append(order, k)
		}
		baseByUID[k] = append(baseByUID[k], ev)
	}

	all := make([]Occurrence, 0)
	for _, k := range order {
		truncated := false
		for _, ev := range baseByUID[k] {
			if ev.Cancelled {
				continue
			}
			occ, hitCap := expandEvent(ev, overridesByUID[k], cfg)
			if hitCap {
				truncated = true
			}
			all = append(all, occ...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, k.uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", k.uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	result.Occurrences = all
	return result, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, cfg ExpandConfig) []Occurrence {
	if ev.Start.IsZero() {
		// Malformed; pass it through so the caller can count it as skipped.
		return []Occurrence{makeOccurrence(ev, false, ev.Start, ev.Start, ev.End, cfg.DisplayLocation)}
	}
	if !inWindow(ev.Start, cfg) {
		return nil
	}
	return []Occurrence{makeOccurrence(ev, false, ev.Start, ev.Start, ev.End, cfg.DisplayLocation)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)
	hitCap := false

	if ev.Start.IsZero() {
		return out, false
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	if dur < 0 {
		dur = 0
	}

	// Search a little before the window so overrides that move an instance
	// into the window are still found.
	searchStart := cfg.RangeStart.Add(-maxOverrideShift(overrides)).In(ev.Start.Location())
	searchEnd := cfg.RangeEnd.In(ev.Start.Location())
	occTimes := set.Between(searchStart, searchEnd, true)

	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		baseStart := occStart
		occEnd := occStart.Add(dur)
		if ev.AllDay {
			baseStart = time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occEnd = baseStart.AddDate(0, 0, 1)
		}

		instance := ev
		start, end := baseStart, occEnd
		if o, ok := findOverrideForStart(overrides, baseStart); ok {
			if o.Cancelled {
				continue
			}
			instance = o
			start, end = o.Start, o.End
		}
		if !inWindow(start, cfg) {
			continue
		}

		out = append(out, makeOccurrence(instance, true, baseStart, start, end, cfg.DisplayLocation))
	}

	return out, hitCap
}

// maxOverrideShift is how far any override moved an instance later than
// its RECURRENCE-ID.
func maxOverrideShift(overrides []ParsedEvent) time.Duration {
	var shift time.Duration
	for _, o := range overrides {
		if o.Recurrence == nil {
			continue
		}
		if d := o.Start.Sub(*o.Recurrence); d > shift {
			shift = d
		}
	}
	return shift
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches
// baseStart exactly.
func findOverrideForStart(overrides []ParsedEvent, baseStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.Equal(baseStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeOccurrence(ev ParsedEvent, recurring bool, baseStart, start, end time.Time, displayLoc *time.Location) Occurrence {
	occ := Occurrence{
		SourceID:    ev.Source.ID,
		UID:         ev.UID,
		Recurring:   recurring,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
	}
	if !start.IsZero() {
		occ.Start = start.In(displayLoc)
	}
	if !end.IsZero() {
		occ.End = end.In(displayLoc)
	}
	if recurring {
		occ.InstanceKey = baseStart.UTC().Format("20060102T150405Z")
	}
	return occ
}

func inWindow(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && t.Before(cfg.RangeEnd)
}
