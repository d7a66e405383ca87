package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/pkg/weftclient"
	"github.com/fxnlabs/weft/pkg/wire"
)

const probeSource = `extern "C" __global__ void vecAdd(const float *a, const float *b, float *c, int n)`

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Run a vector add on a backend and verify the result",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "target", Value: "localhost:50051", Usage: "Backend address"},
			&cli.IntFlag{Name: "n", Value: 1 << 16, Usage: "Vector length"},
			&cli.IntFlag{Name: "block", Value: 256, Usage: "Threads per block"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			log := appLogger(c)
			n, block := c.Int("n"), c.Int("block")
			if n <= 0 || block <= 0 {
				return fmt.Errorf("n and block must be positive")
			}

			client, err := weftclient.Dial(c.String("target"),
				weftclient.WithLogger(log),
				weftclient.WithMetadataProvider(weftclient.BuiltinMetadata),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			start := time.Now()
			if err := probeVecAdd(ctx, client, n, block); err != nil {
				return err
			}
			log.Info("Probe succeeded",
				zap.String("target", c.String("target")),
				zap.Int("n", n),
				zap.Duration("elapsed", time.Since(start)))
			fmt.Fprintln(c.App.Writer, "ok")
			return nil
		},
	}
}

func probeVecAdd(ctx context.Context, client *weftclient.Client, n, block int) (err error) {
	a, b := make([]float32, n), make([]float32, n)
	for i := range a {
		a[i], b[i] = float32(i), float32(n-i)
	}

	var handles []uint64
	defer func() {
		for _, h := range handles {
			err = multierr.Append(err, client.Free(ctx, h))
		}
	}()
	for range 3 {
		h, err := client.Allocate(ctx, uint64(4*n))
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	if err := client.WriteMemory(ctx, handles[0], gpu.Float32sToBytes(a)); err != nil {
		return err
	}
	if err := client.WriteMemory(ctx, handles[1], gpu.Float32sToBytes(b)); err != nil {
		return err
	}

	mod, err := client.LoadModule(ctx, probeSource)
	if err != nil {
		return err
	}
	fn, err := client.GetFunction(ctx, mod, "vecAdd", nil)
	if err != nil {
		return err
	}
	grid := (n + block - 1) / block
	err = client.Launch(ctx, fn, weftclient.LaunchConfig{
		Grid:  wire.Dim3{X: uint32(grid), Y: 1, Z: 1},
		Block: wire.Dim3{X: uint32(block), Y: 1, Z: 1},
	},
		weftclient.Buffer(handles[0], true),
		weftclient.Buffer(handles[1], true),
		weftclient.Buffer(handles[2], false),
		weftclient.Int32(int32(n)),
	)
	if err != nil {
		return err
	}

	raw, err := client.ReadMemory(ctx, handles[2], uint64(4*n))
	if err != nil {
		return err
	}
	for i, v := range gpu.BytesToFloat32s(raw) {
		if v != float32(n) {
			return fmt.Errorf("element %d: got %v, want %v", i, v, float32(n))
		}
	}
	return nil
}
