package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	appLog "safeagent/internal/log"
	"safeagent/internal/syncer"
	"safeagent/internal/web"
)

// shutdownGrace bounds how long shutdown waits for in-flight geocodes.
const shutdownGrace = 5 * time.Second

type ServeCmd struct {
	NoLaunchSync bool `help:"Skip the sync pass at startup."`
}

func (c *ServeCmd) Run(cctx *Context) error {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	app, err := cctx.Open(ctx)
	if err != nil {
		return err
	}
	defer app.Close(shutdownGrace)

	sch, err := syncer.NewScheduler(ctx, app.Syncer, app.Config.RefreshCron, app.Config.Location())
	if err != nil {
		return err
	}
	if sch != nil {
		sch.Start()
		defer sch.Stop()
		appLog.Info("next scheduled sync", "at", sch.Next())
	}

	if !c.NoLaunchSync {
		go func() {
			if _, err := app.Syncer.Run(ctx, syncer.TriggerLaunch); err != nil && !errors.Is(err, syncer.ErrInProgress) {
				appLog.Warn("launch sync failed", "err", err)
			}
		}()
	}

	err = web.StartServer(ctx, app.Config, web.Deps{
		Appointments: app.Engine,
		Sync:         app.Syncer,
		Geocoder:     app.Geocoder,
		Bus:          app.Bus,
	})
	appLog.Info("safeagent exiting")
	return err
}
