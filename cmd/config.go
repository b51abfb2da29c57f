package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/xpress/internal/completion"
	"github.com/xpress/internal/config"
	"github.com/xpress/internal/sessions"
	"github.com/xpress/internal/settings"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "xpress.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration and show how each pane's model is routed",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return describeConfig(os.Stdout, cfg)
}

// describeConfig prints the application defaults each pane starts from and
// where every configured model is sent. Credentials are masked.
func describeConfig(w io.Writer, cfg *config.Config) error {
	router, err := completion.NewRouter(cfg.Models.Aliases, cfg.Models.Providers)
	if err != nil {
		return fmt.Errorf("invalid model routing: %w", err)
	}

	panes := []struct {
		pane     sessions.Pane
		model    string
		fallback string
	}{
		{sessions.PaneResearch, cfg.Models.Research, settings.DefaultResearchModel},
		{sessions.PaneWriter, cfg.Models.Writer, settings.DefaultWriterModel},
	}

	fmt.Fprintln(w, "=== Panes ===")
	for _, p := range panes {
		model := p.model
		if model == "" {
			model = p.fallback
		}
		provider, target := router.Route(model)
		fmt.Fprintf(w, "   %-8s %s -> %s:%s (credential: %s)\n", p.pane, model, provider, target, credentialSource(cfg, model))
	}

	if len(cfg.Models.Aliases) > 0 {
		fmt.Fprintln(w, "=== Aliases ===")
		for _, alias := range sortedKeys(cfg.Models.Aliases) {
			provider, target := router.Route(alias)
			fmt.Fprintf(w, "   %s -> %s:%s\n", alias, provider, target)
		}
	}

	if len(cfg.Models.Known) > 0 {
		fmt.Fprintln(w, "=== Known models ===")
		for _, model := range cfg.Models.Known {
			provider, target := router.Route(model)
			fmt.Fprintf(w, "   %s -> %s:%s\n", model, provider, target)
		}
	}

	fmt.Fprintln(w, "=== Runtime ===")
	fmt.Fprintf(w, "   stream max duration: %s\n", cfg.Stream.MaxDuration)
	fmt.Fprintf(w, "   settings cache ttl:  %s\n", cfg.Settings.CacheTTL)
	fmt.Fprintf(w, "   token encryption:    %t\n", cfg.Settings.SecretKey != "")
	fmt.Fprintf(w, "   local cache:         %s\n", cfg.Local.Path)
	if cfg.Jobs.Enabled {
		fmt.Fprintf(w, "   reconciliation jobs: enabled (%d workers)\n", cfg.Jobs.MaxWorkers)
	} else {
		fmt.Fprintln(w, "   reconciliation jobs: disabled")
	}

	fmt.Fprintln(w, "Configuration is valid")
	return nil
}

func credentialSource(cfg *config.Config, model string) string {
	if tok := cfg.Credentials.Models[model]; tok != "" {
		return "model " + settings.MaskSecret(tok)
	}
	if cfg.Credentials.Default != "" {
		return "default " + settings.MaskSecret(cfg.Credentials.Default)
	}
	return "none"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
