package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
	"github.com/WynonnaSR/hypr-opaque-media/internal/ipc"
	"github.com/WynonnaSR/hypr-opaque-media/internal/rules"
	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

const previewTimeout = 3 * time.Second

type windowLister interface {
	ListWindows(ctx context.Context) ([]state.Window, error)
}

func newPreviewCommand(v *viper.Viper) *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show which open windows would be tagged, without dispatching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := settingsFrom(v)
			raw, err := readConfigFile(st.configPath)
			if err != nil {
				return err
			}
			cfg, err := config.Parse(raw)
			if err != nil {
				return err
			}
			st.overrides.apply(cfg)
			logger := util.NewLoggerWithWriter(util.ParseLogLevel(cfg.LogLevel), cmd.ErrOrStderr())
			rs, err := engine.NewRuleset(cfg)
			if err != nil {
				logger.Warnf("some patterns were skipped: %v", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), previewTimeout)
			defer cancel()
			return runPreview(ctx, ipc.NewClient(ipc.WithLogger(logger)), rs, showConfig, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective configuration first")
	return cmd
}

func runPreview(ctx context.Context, lister windowLister, rs *engine.Ruleset, showConfig bool, out io.Writer) error {
	if showConfig {
		fmt.Fprintln(out, "=== Configuration ===")
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(rs.Config); err != nil {
			return fmt.Errorf("print config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("print config: %w", err)
		}
		fmt.Fprintln(out)
	}

	windows, err := lister.ListWindows(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	if len(windows) == 0 {
		fmt.Fprintln(out, "No windows open.")
		return nil
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Address < windows[j].Address })

	tag := rs.Config.Tag
	pending := 0
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tCLASS\tMATCH\tPLANNED\tTITLE")
	for _, w := range windows {
		reason := rs.Matcher.Explain(w)
		planned := plannedChange(w.Tags.Has(tag), reason != rules.ReasonNone, tag)
		if planned != "-" {
			pending++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", w.Address, orDash(w.Class), orDash(string(reason)), planned, w.Title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d window(s), %d tag change(s) pending\n", len(windows), pending)
	return nil
}

func plannedChange(has, want bool, tag string) string {
	switch {
	case want && !has:
		return "+" + tag
	case !want && has:
		return "-" + tag
	default:
		return "-"
	}
}
