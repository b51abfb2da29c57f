package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/xpress/internal/api"
	"github.com/xpress/internal/identity"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Xpress API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "Keep sessions and settings in memory instead of PostgreSQL",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	port := cfg.Server.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, c.Bool("memory"))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()

	log.Info().Int("port", port).Bool("memory", c.Bool("memory")).Msg("Starting Xpress API server")

	server := api.NewServer(port, identity.NewVerifier(cfg.Auth.JWTSecret), rt.deps(),
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	rt.patchMirrors(server.Hub())
	return server.Start(ctx)
}
