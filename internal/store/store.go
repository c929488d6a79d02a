// Package store persists appointments. Every mutation goes through a
// Writer so the store has a single writer.
package store

import (
	"context"
	"errors"

	"safeagent/internal/model"
)

var (
	// ErrNotFound is returned when a row id does not exist.
	ErrNotFound = errors.New("store: appointment not found")
	// ErrUnavailable marks a structural storage failure: the store cannot be
	// read or written at all.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrClosed is returned by a Writer after Close.
	ErrClosed = errors.New("store: closed")
)

// Filter selects which appointments List returns.
type Filter int

const (
	// All returns every appointment.
	All Filter = iota
	// Linked returns calendar-sourced appointments only.
	Linked
)

// Store is the local appointment store. Mutations are staged until Save;
// reads observe staged mutations.
type Store interface {
	List(ctx context.Context, f Filter) ([]model.Appointment, error)
	Get(ctx context.Context, rowID int64) (model.Appointment, error)
	// Insert assigns a.RowID and fills timestamps and the default status.
	Insert(ctx context.Context, a *model.Appointment) error
	Update(ctx context.Context, a model.Appointment) error
	UpdateCoordinates(ctx context.Context, rowID int64, c model.Coordinate) error
	Delete(ctx context.Context, rowID int64) error
	// Save commits staged mutations. It is a no-op when nothing is pending.
	// A failed Save may discard the staged mutations; callers must not
	// assume a later Save can still commit them.
	Save(ctx context.Context) error
	Close() error
}
