package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/pkg/config"
	"github.com/marmos91/rendezvous/pkg/server"
	"github.com/urfave/cli/v2"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to the configuration file (default: $XDG_CONFIG_HOME/rendezvous/config.yaml)",
	EnvVars: []string{config.EnvPrefix + "_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:   "rendezvous",
		Usage:  "peer-to-peer rendezvous and relay server",
		Flags:  []cli.Flag{configFlag},
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start the server (default)",
				Flags:  []cli.Flag{configFlag},
				Action: start,
			},
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					configFlag,
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Overwrite an existing file"},
				},
				Action: initConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(c *cli.Context) error {
	path := c.String(configFlag.Name)
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if err := config.InitConfigToPath(path, c.Bool("force")); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func start(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if err := config.ConfigureLogging(cfg); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	fmt.Println("Rendezvous - peer-to-peer rendezvous server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	m := config.InitializeMetrics(cfg)
	reg := config.CreateRegistry(cfg, m.Rendezvous)
	engine := config.CreateRelayEngine(cfg, m.Rendezvous)

	adapters, err := config.CreateAdapters(cfg, engine, m)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithStopTimeout(cfg.Server.ShutdownTimeout)}
	if m.Server != nil {
		opts = append(opts, server.WithMetricsServer(m.Server))
	}
	srv := server.New(reg, opts...)
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			return fmt.Errorf("failed to add %s adapter: %w", a.Protocol(), err)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Server is running. Press Ctrl+C to stop.")

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
