package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/xpress/internal/config"
	"github.com/xpress/internal/settings"
)

// ConfigCheckResult holds the result of environment validation
type ConfigCheckResult struct {
	Missing  []string          // Required variables that are missing
	Present  map[string]string // Variables that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// requiredVars lists the variables serve needs; each entry is satisfied by
// any one of its alternatives.
var requiredVars = [][]string{
	{"DATABASE_URL", config.EnvPrefix + "DATABASE__URL"},
	{config.EnvPrefix + "AUTH__JWT_SECRET"},
}

var optionalVars = []string{
	config.EnvPrefix + "CREDENTIALS__DEFAULT",
	config.EnvPrefix + "CREDENTIALS__OLLAMA_URL",
	config.EnvPrefix + "SETTINGS__SECRET_KEY",
	config.EnvPrefix + "MODELS__RESEARCH",
	config.EnvPrefix + "MODELS__WRITER",
}

// CheckRequiredConfig validates that required environment variables are set
func CheckRequiredConfig() *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	for _, alternatives := range requiredVars {
		found := false
		for _, v := range alternatives {
			if val := os.Getenv(v); val != "" {
				result.Present[v] = settings.MaskSecret(val)
				found = true
				break
			}
		}
		if !found {
			result.Missing = append(result.Missing, strings.Join(alternatives, " or "))
		}
	}

	for _, v := range optionalVars {
		if val := os.Getenv(v); val != "" {
			result.Present[v] = settings.MaskSecret(val)
		}
	}

	if os.Getenv(config.EnvPrefix+"SETTINGS__SECRET_KEY") == "" {
		result.Warnings = append(result.Warnings, "model tokens will be stored unencrypted (no settings secret key)")
	}
	if os.Getenv(config.EnvPrefix+"CREDENTIALS__DEFAULT") == "" {
		result.Warnings = append(result.Warnings, "no default model credential; every session needs its own token")
	}

	return result
}

// PrintConfigCheck prints the environment check results
func PrintConfigCheck(w io.Writer, result *ConfigCheckResult) {
	fmt.Fprintln(w, "=== Environment Check ===")

	if len(result.Missing) > 0 {
		fmt.Fprintln(w, "Missing required variables:")
		for _, v := range result.Missing {
			fmt.Fprintf(w, "   - %s\n", v)
		}
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Configured variables:")
		for _, k := range keys {
			fmt.Fprintf(w, "   - %s = %s\n", k, result.Present[k])
		}
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}

	if len(result.Missing) == 0 {
		fmt.Fprintln(w, "All required configuration is present")
	}
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.TrimSpace(value)

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}

// EnvCommand checks the process environment.
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Inspect environment configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Report missing and configured variables",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env-file",
						Usage: "Load variables from `FILE` before checking",
					},
				},
				Action: func(c *cli.Context) error {
					if path := c.String("env-file"); path != "" {
						if err := LoadEnvFile(path); err != nil {
							return fmt.Errorf("failed to load %s: %w", path, err)
						}
					}
					result := CheckRequiredConfig()
					PrintConfigCheck(os.Stdout, result)
					if len(result.Missing) > 0 {
						return fmt.Errorf("%d required variable(s) missing", len(result.Missing))
					}
					return nil
				},
			},
		},
	}
}
