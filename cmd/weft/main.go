package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/weft/internal/config"
	"github.com/fxnlabs/weft/internal/logger"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		if log, ok := app.Metadata["logger"].(*zap.Logger); ok {
			log.Fatal("failed to run app", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	var home, configPath string
	return &cli.App{
		Name:     "weft",
		Usage:    "Serve local accelerators to remote kernel launchers",
		Metadata: map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the weft home directory",
				EnvVars:     []string{"WEFT_HOME"},
				Destination: &home,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Load configuration from `FILE` instead of <home>/config.yaml",
				EnvVars:     []string{"WEFT_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			if configPath == "" {
				configPath = filepath.Join(home, config.ConfigFileName)
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			c.App.Metadata["homeDir"] = home
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			serveCommand(),
			devicesCommand(),
			probeCommand(),
		},
	}
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}
