package cli

import (
	"context"
	"fmt"
)

type GeocodeCmd struct {
	Address string `arg:"" help:"Address or showing title to resolve."`
}

func (c *GeocodeCmd) Run(cctx *Context) error {
	cfg, err := cctx.Load()
	if err != nil {
		return err
	}
	p, err := NewGeocoder(cfg)
	if err != nil {
		return err
	}

	coord, err := p.Resolve(context.Background(), c.Address)
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.out(), "%.6f,%.6f\n", coord.Latitude, coord.Longitude)
	return nil
}
