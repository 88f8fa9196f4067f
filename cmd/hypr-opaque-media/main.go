package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// settings are the command line and environment inputs shared by the
// subcommands.
type settings struct {
	configPath string
	overrides  overrides
}

// overrides are applied on top of every configuration load, including
// reloads, so flags and environment keep precedence over the file.
type overrides struct {
	logLevel       string
	notifyOnErrors bool
	// noWatcher forces polling when the fsnotify watcher is not running.
	noWatcher bool
}

func (o overrides) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.notifyOnErrors {
		cfg.NotifyOnErrors = true
	}
	if o.noWatcher {
		cfg.UseWatchdog = false
	}
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(viper.New())
}

// newRootCommandWith binds flags and environment into v.
func newRootCommandWith(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "hypr-opaque-media",
		Short: "Keep Hyprland media windows opaque by tagging them",
		Long: `hypr-opaque-media follows the Hyprland event socket and keeps a tag on every
window that shows media (video players, image viewers, Picture-in-Picture,
browser tabs playing video). Pair the tag with a windowrule such as
"opacity 1.0 override, tag:opaque" to exempt those windows from transparency.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), settingsFrom(v))
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "configuration file (default $HYPRO_CONFIG or ~/.config/hypr-opaque-media.json)")
	flags.String("log-level", "", "override log_level (debug, info, warn, error)")
	flags.Bool("notify-on-errors", false, "send desktop notifications for errors")

	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("notify_on_errors", flags.Lookup("notify-on-errors"))
	_ = v.BindEnv("config", "HYPRO_CONFIG")
	_ = v.BindEnv("log_level", "HYPRO_LOG_LEVEL")
	_ = v.BindEnv("notify_on_errors", "HYPRO_NOTIFY_ON_ERRORS")

	root.AddCommand(newCheckCommand(v), newPreviewCommand(v), newCtlCommand())
	return root
}

func settingsFrom(v *viper.Viper) settings {
	path := v.GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	level := v.GetString("log_level")
	if level != "" {
		level = util.ParseLogLevel(level).String()
	}
	return settings{
		configPath: path,
		overrides: overrides{
			logLevel:       level,
			notifyOnErrors: v.GetBool("notify_on_errors"),
		},
	}
}
