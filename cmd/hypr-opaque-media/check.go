package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
)

func newCheckCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Example: `  hypr-opaque-media check
  hypr-opaque-media check --config ~/.config/hypr-opaque-media.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(settingsFrom(v).configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runCheck loads path the way the daemon would and reports the effective
// settings. Problems the daemon would absorb are printed and fail the check.
func runCheck(path string, stdout, stderr io.Writer) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "%s does not exist; the daemon would run with defaults\n", path)
	}
	raw, err := readConfigFile(path)
	if err != nil {
		return err
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return err
	}

	issues := append([]string(nil), cfg.Warnings...)
	rs, err := engine.NewRuleset(cfg)
	var patternErrs *multierror.Error
	if errors.As(err, &patternErrs) {
		for _, perr := range patternErrs.Errors {
			issues = append(issues, perr.Error())
		}
	} else if err != nil {
		issues = append(issues, err.Error())
	}

	if len(issues) == 0 {
		fmt.Fprintln(stdout, "Configuration OK")
		fmt.Fprintf(stdout, "  %s\n", cfg.Summary())
		fmt.Fprintf(stdout, "  %s\n", rs.Matcher.Stats())
		return nil
	}

	fmt.Fprintf(stderr, "Configuration has %d issue(s):\n", len(issues))
	for _, issue := range issues {
		fmt.Fprintf(stderr, "- %s\n", issue)
	}
	return errors.New("configuration validation failed")
}
