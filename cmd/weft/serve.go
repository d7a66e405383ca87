package main

import (
	"context"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/weft/internal/app"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the backend",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "quiet", Usage: "Skip the startup banner"},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			log := appLogger(c)

			if !c.Bool("quiet") {
				figure.NewFigure("weft", "", true).Print()
			}

			fxApp := fx.New(app.Module(cfg, log.Named("node")))
			if err := fxApp.Err(); err != nil {
				log.Fatal("failed to assemble backend", zap.Error(err))
			}

			startCtx, cancel := context.WithTimeout(c.Context, fxApp.StartTimeout())
			defer cancel()
			if err := fxApp.Start(startCtx); err != nil {
				log.Fatal("failed to start backend", zap.Error(err))
			}

			sig := <-fxApp.Wait()
			log.Info("Shutting down", zap.Any("signal", sig.Signal), zap.Int("exitCode", sig.ExitCode))

			stopCtx, cancel := context.WithTimeout(context.Background(), fxApp.StopTimeout())
			defer cancel()
			if err := fxApp.Stop(stopCtx); err != nil {
				return err
			}
			if sig.ExitCode != 0 {
				return cli.Exit("backend stopped with an error", sig.ExitCode)
			}
			return nil
		},
	}
}
