package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "safeagent/internal/log"
)

// Disabled is the schedule value that turns the background trigger off.
const Disabled = "-"

// Scheduler runs the syncer on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	syncer *Syncer
	ctx    context.Context
}

// NewScheduler parses spec (standard five-field cron, or "@every 15m") in
// loc. It returns nil for Disabled or an empty spec.
func NewScheduler(ctx context.Context, s *Syncer, spec string, loc *time.Location) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == Disabled {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}

	sch := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		syncer: s,
		ctx:    ctx,
	}
	if _, err := sch.cron.AddFunc(spec, sch.tick); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	return sch, nil
}

func (sch *Scheduler) tick() {
	if sch.ctx.Err() != nil {
		return
	}
	_, err := sch.syncer.Run(sch.ctx, TriggerSchedule)
	if errors.Is(err, ErrInProgress) {
		appLog.Debug("scheduled sync skipped; previous pass still running")
	}
}

// Start begins running the schedule in its own goroutine.
func (sch *Scheduler) Start() {
	sch.cron.Start()
	appLog.Info("sync schedule started", "entries", len(sch.cron.Entries()))
}

// Stop halts the schedule and waits for a running pass to return.
func (sch *Scheduler) Stop() {
	<-sch.cron.Stop().Done()
}

// Next reports when the next scheduled pass runs.
func (sch *Scheduler) Next() time.Time {
	entries := sch.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
