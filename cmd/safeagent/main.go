package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"safeagent/internal/cli"
)

var version = "0.1.0-dev"

var CLI struct {
	Version kong.VersionFlag
	Config  string `help:"Config file path." type:"path" default:"/etc/safeagent/config.yaml" env:"SAFEAGENT_CONFIG"`
	Listen  string `help:"HTTP listen address (overrides config if set)."`
	Debug   bool   `help:"Log at debug level."`

	Serve        cli.ServeCmd   `cmd:"" help:"Run the API server with background sync." default:"1"`
	Sync         cli.SyncCmd    `cmd:"" help:"Run one calendar sync pass and print the outcome."`
	Geocode      cli.GeocodeCmd `cmd:"" help:"Resolve an address to coordinates."`
	Appointments struct {
		List cli.AppointmentsListCmd `cmd:"" help:"List stored appointments."`
		Add  cli.AppointmentsAddCmd  `cmd:"" help:"Create a manual appointment."`
	} `cmd:"" help:"Manage appointments."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("safeagent"),
		kong.Description("Showing calendar sync and appointment geocoding for agents"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	appCtx := &cli.Context{
		ConfigPath: CLI.Config,
		Listen:     CLI.Listen,
		Debug:      CLI.Debug,
	}

	if err := ctx.Run(appCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
