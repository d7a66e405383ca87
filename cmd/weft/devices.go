package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"

	"github.com/fxnlabs/weft/internal/app"
	"github.com/fxnlabs/weft/internal/device"
	"github.com/fxnlabs/weft/internal/gpu"
)

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices the backend would serve",
		Action: func(c *cli.Context) error {
			var (
				pool    *device.Pool
				manager *gpu.Manager
			)
			fxApp := fx.New(
				app.Devices(appConfig(c), appLogger(c)),
				fx.Populate(&pool, &manager),
			)
			if err := fxApp.Start(c.Context); err != nil {
				return err
			}
			defer fxApp.Stop(context.Background())

			out := c.App.Writer
			fmt.Fprintln(out, figure.NewFigure("devices", "", true).String())
			return printDevices(out, manager.DriverType(), pool)
		},
	}
}

func printDevices(w io.Writer, driver string, pool *device.Pool) error {
	fmt.Fprintf(w, "Driver: %s\n\n", driver)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tCAPABILITY\tMEMORY (MiB)\tSTREAMS")
	for _, d := range pool.Devices() {
		info := d.Info()
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n",
			d.Index(), info.Name, info.ComputeCapability(), info.TotalMemory>>20, d.Streams().Cap())
	}
	fmt.Fprintf(tw, "\t\t\tTOTAL\t%d\n", pool.TotalStreams())
	return tw.Flush()
}
