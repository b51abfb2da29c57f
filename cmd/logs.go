package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/xpress/internal/logging"
)

// LogsCommand manages the downloadable error log.
func LogsCommand() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Inspect the error log",
		Subcommands: []*cli.Command{
			{
				Name:  "export",
				Usage: "Write the error log as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path (defaults to stdout)",
					},
				},
				Action: runLogsExport,
			},
			{
				Name:   "clear",
				Usage:  "Remove every entry from the error log",
				Action: runLogsClear,
			},
		},
	}
}

func openErrorLog(c *cli.Context) (*logging.ErrorLog, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return logging.OpenErrorLog(cfg.Logging.ErrorLogPath)
}

func runLogsExport(c *cli.Context) error {
	errLog, err := openErrorLog(c)
	if err != nil {
		return err
	}

	out := os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}
	return errLog.Export(out)
}

func runLogsClear(c *cli.Context) error {
	errLog, err := openErrorLog(c)
	if err != nil {
		return err
	}
	if err := errLog.Clear(); err != nil {
		return fmt.Errorf("failed to clear error log: %w", err)
	}
	fmt.Println("Error log cleared")
	return nil
}
