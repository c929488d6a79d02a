package model

import (
	"strings"
	"time"
)

// CalendarEvent is a single showing candidate as reported by a calendar
// provider. The engine never mutates it.
type CalendarEvent struct {
	// ExternalID is stable across fetches and is the reconciliation join key.
	ExternalID string

	Title    string
	Location string

	Start time.Time
	End   time.Time
}

// Valid reports whether the event carries the fields a showing needs.
func (e CalendarEvent) Valid() bool {
	return e.ExternalID != "" &&
		strings.TrimSpace(e.Title) != "" &&
		!e.Start.IsZero() &&
		!e.End.IsZero()
}

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Sentinel is the "not yet geocoded" placeholder. It is also a real point in
// the Gulf of Guinea; appointments are never placed there.
var Sentinel = Coordinate{}

// IsSentinel reports whether c is the (0,0) placeholder.
func (c Coordinate) IsSentinel() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// Appointment is a locally stored showing, either imported from a calendar
// (ExternalEventID set) or created by hand.
type Appointment struct {
	// RowID is the store's primary key. It is zero until the record is
	// inserted.
	RowID int64

	// LocalID is assigned lazily; legacy rows may still have it empty.
	LocalID string

	ExternalEventID *string

	Title           string
	PropertyAddress *string

	StartTime time.Time
	EndTime   time.Time

	Latitude  float64
	Longitude float64

	Status Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Address returns the trimmed property address, or "" when absent.
func (a Appointment) Address() string {
	if a.PropertyAddress == nil {
		return ""
	}
	return strings.TrimSpace(*a.PropertyAddress)
}

// ExternalID returns the external event id, or "" for manual appointments.
func (a Appointment) ExternalID() string {
	if a.ExternalEventID == nil {
		return ""
	}
	return *a.ExternalEventID
}

// Linked reports whether the appointment came from a calendar.
func (a Appointment) Linked() bool {
	return a.ExternalEventID != nil
}

func (a Appointment) Coordinate() Coordinate {
	return Coordinate{Latitude: a.Latitude, Longitude: a.Longitude}
}

func (a *Appointment) SetCoordinate(c Coordinate) {
	a.Latitude = c.Latitude
	a.Longitude = c.Longitude
}

// PendingGeocode is true when the appointment has an address but still
// carries the sentinel coordinates.
func (a Appointment) PendingGeocode() bool {
	return a.Address() != "" && a.Coordinate().IsSentinel()
}

// DisplayStatus derives the status shown to the agent. The stored value is
// not reliable for "in progress", so that one is computed from the window.
func (a Appointment) DisplayStatus(now time.Time) Status {
	switch a.Status {
	case StatusCancelled, StatusCompleted:
		return a.Status
	}
	if !now.Before(a.StartTime) && now.Before(a.EndTime) {
		return StatusInProgress
	}
	if a.Status == StatusInProgress {
		return StatusScheduled
	}
	if a.Status == "" {
		return StatusScheduled
	}
	return a.Status
}

// StringPtr returns a pointer to s, or nil when s is blank.
func StringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
