package cli

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"safeagent/internal/syncer"
)

type SyncCmd struct {
	Wait time.Duration `help:"How long to wait for background geocodes before exiting." default:"30s"`
}

var errAccessDenied = errors.New("calendar access denied")

func (c *SyncCmd) Run(cctx *Context) error {
	ctx := context.Background()
	app, err := cctx.Open(ctx)
	if err != nil {
		return err
	}
	defer app.Close(c.Wait)

	out, err := app.Syncer.Run(ctx, syncer.TriggerManual)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cctx.out())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if out.Access == syncer.AccessDenied {
		return errAccessDenied
	}
	return nil
}
