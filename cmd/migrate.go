package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/xpress/internal/database"
	"github.com/xpress/internal/jobqueue"
)

// MigrateCommand applies the chat schema and the job queue's schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "skip-jobs",
				Usage: "Do not migrate the reconciliation queue tables",
			},
		},
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	db, err := database.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}
	fmt.Println("Chat schema is up to date")

	if c.Bool("skip-jobs") {
		return nil
	}
	url, err := database.ResolveURL(cfg.Database.URL)
	if err != nil {
		return err
	}
	if err := jobqueue.Migrate(ctx, url); err != nil {
		return err
	}
	fmt.Println("Job queue schema is up to date")
	return nil
}
