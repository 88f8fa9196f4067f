package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/WynonnaSR/hypr-opaque-media/internal/control/client"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
)

func newCtlCommand() *cobra.Command {
	var (
		socket  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Query or control the running daemon over its control socket",
	}
	cmd.PersistentFlags().StringVar(&socket, "socket", "", "control socket path (default $XDG_RUNTIME_DIR/hypr-opaque-media/control.sock)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Second, "control request timeout")

	withClient := func(run func(ctx context.Context, cli *client.Client, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, _ []string) error {
			cli, err := client.New(socket)
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			ctx := c.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return run(ctx, cli, c.OutOrStdout())
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "status", Short: "Show the event session and tracked windows", Args: cobra.NoArgs, RunE: withClient(runStatus)},
		&cobra.Command{Use: "metrics", Short: "Show daemon metrics (requires enable_metrics)", Args: cobra.NoArgs, RunE: withClient(runMetrics)},
		&cobra.Command{Use: "decisions", Short: "Show recent tag changes", Args: cobra.NoArgs, RunE: withClient(runDecisions)},
		&cobra.Command{Use: "reload", Short: "Trigger a live config reload", Args: cobra.NoArgs, RunE: withClient(runReload)},
	)
	return cmd
}

func runStatus(ctx context.Context, cli *client.Client, out io.Writer) error {
	report, err := cli.Status(ctx)
	if err != nil {
		return err
	}
	state := "disconnected"
	if report.Connected {
		state = "connected"
	}
	fmt.Fprintf(out, "Session:  %s (%s, %d connection(s))\n", orDash(report.SessionID), state, report.Connections)
	fmt.Fprintf(out, "Tag:      %s\n", report.Tag)
	fmt.Fprintf(out, "Windows:  %d tracked, %d tagged (peak %d)\n", len(report.Windows), report.Tagged(), report.PeakWindows)
	if !report.LastEvent.IsZero() {
		fmt.Fprintf(out, "Last event: %s\n", report.LastEvent.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Buffer:   %d bytes (%d overflow(s))\n", report.BufferBytes, report.BufferOverflows)
	fmt.Fprintf(out, "Reloads:  %d\n", report.Reloads)
	if len(report.Windows) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tCLASS\tTAGGED\tTITLE")
	for _, w := range report.Windows {
		tagged := "no"
		if w.Tagged {
			tagged = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", w.Address, orDash(w.Class), tagged, w.Title)
	}
	return tw.Flush()
}

func runMetrics(ctx context.Context, cli *client.Client, out io.Writer) error {
	snapshot, err := cli.Metrics(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, name := range metrics.Counters {
		fmt.Fprintf(tw, "%s\t%d\n", name, snapshot.Counters[name])
	}
	fmt.Fprintf(tw, "current_cache_size\t%d\n", snapshot.CacheSize)
	fmt.Fprintf(tw, "max_cache_size\t%d\n", snapshot.MaxCacheSize)
	fmt.Fprintf(tw, "avg_event_time\t%s\n", snapshot.AvgEventTime)
	fmt.Fprintf(tw, "max_event_time\t%s\n", snapshot.MaxEventTime)
	fmt.Fprintf(tw, "config_reload_time\t%s\n", snapshot.LastReloadTime)
	return tw.Flush()
}

func runDecisions(ctx context.Context, cli *client.Client, out io.Writer) error {
	report, err := cli.Decisions(ctx)
	if err != nil {
		return err
	}
	if len(report.Decisions) == 0 {
		fmt.Fprintln(out, "No tag changes recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tADDRESS\tCLASS\tSTATUS\tREASON")
	for _, d := range report.Decisions {
		status := string(d.Status)
		if d.Error != "" {
			status += ": " + d.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Timestamp.Format(time.TimeOnly), d.Address, orDash(d.Class), status, orDash(d.Reason))
	}
	return tw.Flush()
}

func runReload(ctx context.Context, cli *client.Client, out io.Writer) error {
	if err := cli.Reload(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Reload requested")
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
