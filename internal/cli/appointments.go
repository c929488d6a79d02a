package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"safeagent/internal/reconcile"
)

// inputLayout is the local date-time format accepted by "appointments add".
const inputLayout = "2006-01-02 15:04"

type AppointmentsListCmd struct{}

func (c *AppointmentsListCmd) Run(cctx *Context) error {
	ctx := context.Background()
	app, err := cctx.Open(ctx)
	if err != nil {
		return err
	}
	defer app.Close(0)

	items, err := app.Engine.Appointments(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(cctx.out(), "No appointments")
		return nil
	}

	now := time.Now()
	loc := app.Config.Location()
	tw := tabwriter.NewWriter(cctx.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tSTATUS\tTITLE\tADDRESS\tLOCATION\tSOURCE")
	for _, a := range items {
		where := "pending"
		if coord := a.Coordinate(); !coord.IsSentinel() {
			where = fmt.Sprintf("%.5f,%.5f", coord.Latitude, coord.Longitude)
		} else if a.Address() == "" {
			where = "-"
		}
		source := "manual"
		if a.Linked() {
			source = a.ExternalID()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.StartTime.In(loc).Format(inputLayout),
			a.DisplayStatus(now),
			a.Title,
			a.Address(),
			where,
			source,
		)
	}
	return tw.Flush()
}

type AppointmentsAddCmd struct {
	Title    string        `arg:"" help:"Appointment title."`
	Start    string        `required:"" help:"Start time (YYYY-MM-DD HH:MM, local)."`
	Duration time.Duration `short:"d" help:"Length of the appointment." default:"1h"`
	Address  string        `short:"a" help:"Property address."`
	Wait     time.Duration `help:"How long to wait for the geocode before exiting." default:"15s"`
}

func (c *AppointmentsAddCmd) Run(cctx *Context) error {
	ctx := context.Background()
	app, err := cctx.Open(ctx)
	if err != nil {
		return err
	}
	defer app.Close(c.Wait)

	start, err := time.ParseInLocation(inputLayout, c.Start, app.Config.Location())
	if err != nil {
		return fmt.Errorf("invalid start, use YYYY-MM-DD HH:MM: %w", err)
	}

	a, err := app.Engine.Create(ctx, reconcile.ManualInput{
		Title:   c.Title,
		Address: c.Address,
		Start:   start,
		End:     start.Add(c.Duration),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.out(), "Created %s (%s)\n", a.LocalID, a.Title)
	return nil
}
