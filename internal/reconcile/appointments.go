package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"safeagent/internal/model"
	"safeagent/internal/notify"
	"safeagent/internal/store"
)

// ErrInvalidAppointment is returned by Create for unusable input.
var ErrInvalidAppointment = errors.New("invalid appointment")

// ManualInput describes an appointment entered by hand.
type ManualInput struct {
	Title   string
	Address string
	Start   time.Time
	End     time.Time
}

// Create stores a manual appointment (no external id) and queues its
// geocode. Reconciliation never deletes or modifies it.
func (e *Engine) Create(ctx context.Context, in ManualInput) (model.Appointment, error) {
	if strings.TrimSpace(in.Title) == "" || in.Start.IsZero() || in.End.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: title, start and end are required", ErrInvalidAppointment)
	}
	if in.End.Before(in.Start) {
		return model.Appointment{}, fmt.Errorf("%w: end before start", ErrInvalidAppointment)
	}

	a := model.Appointment{
		LocalID:         e.newID(),
		Title:           strings.TrimSpace(in.Title),
		PropertyAddress: model.StringPtr(strings.TrimSpace(in.Address)),
		StartTime:       in.Start,
		EndTime:         in.End,
		Status:          model.StatusScheduled,
	}
	err := e.writer.Do(ctx, func(s store.Store) error {
		if err := s.Insert(ctx, &a); err != nil {
			return err
		}
		return s.Save(ctx)
	})
	if err != nil {
		return model.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}

	e.bus.Publish(notify.Change{Kind: notify.KindCreated, LocalID: a.LocalID})
	e.dispatch(ctx, a, nil)
	return a, nil
}

// Appointments returns every stored appointment ordered by start time.
func (e *Engine) Appointments(ctx context.Context) ([]model.Appointment, error) {
	var out []model.Appointment
	err := e.writer.Do(ctx, func(s store.Store) error {
		var err error
		out, err = s.List(ctx, store.All)
		return err
	})
	return out, err
}
