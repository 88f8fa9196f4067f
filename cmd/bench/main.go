// Command bench replays a recorded event stream through the tagging processor
// against an in-memory compositor and reports per-event latency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
	"github.com/WynonnaSR/hypr-opaque-media/internal/ipc"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

type benchWindow struct {
	Address    string   `json:"address"`
	Class      string   `json:"class"`
	Title      string   `json:"title"`
	Fullscreen bool     `json:"fullscreen,omitempty"`
	Minimized  bool     `json:"minimized,omitempty"`
	Urgent     bool     `json:"urgent,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	// Spawned windows only exist once an openwindow event names them.
	Spawned bool `json:"spawned,omitempty"`
}

func (w benchWindow) window() state.Window {
	return state.Window{
		Address:    w.Address,
		Class:      strings.ToLower(w.Class),
		Title:      w.Title,
		Fullscreen: w.Fullscreen,
		Minimized:  w.Minimized,
		Urgent:     w.Urgent,
		Tags:       state.NewTagSet(w.Tags...),
	}
}

type benchFixture struct {
	Name    string
	Active  string
	Windows []benchWindow
	Lines   []string
}

type benchLatencyStats struct {
	Min    float64 `json:"minMs"`
	Mean   float64 `json:"meanMs"`
	Median float64 `json:"medianMs"`
	P95    float64 `json:"p95Ms"`
	Max    float64 `json:"maxMs"`
}

type benchSummary struct {
	Fixture            string            `json:"fixture"`
	Iterations         int               `json:"iterations"`
	WarmupIterations   int               `json:"warmupIterations"`
	EventsPerIteration int               `json:"eventsPerIteration"`
	TotalEvents        int               `json:"totalEvents"`
	Dropped            int               `json:"droppedLines"`
	Dispatches         int               `json:"dispatches"`
	Lookups            int               `json:"lookups"`
	Latency            benchLatencyStats `json:"latency"`
	AllocsPerEvent     float64           `json:"allocationsPerEvent"`
	BytesPerEvent      float64           `json:"bytesPerEvent"`
	TotalDurationMs    float64           `json:"totalDurationMs"`
	EventsPerSecond    float64           `json:"eventsPerSecond"`
}

// benchCompositor is an in-memory stand-in for hyprctl.
type benchCompositor struct {
	mu         sync.Mutex
	windows    map[string]state.Window
	pending    map[string]state.Window
	active     string
	dispatches int
	lookups    int
}

func (f benchFixture) newCompositor() *benchCompositor {
	c := &benchCompositor{
		windows: make(map[string]state.Window),
		pending: make(map[string]state.Window),
		active:  f.Active,
	}
	for _, w := range f.Windows {
		if w.Spawned {
			c.pending[w.Address] = w.window()
			continue
		}
		c.windows[w.Address] = w.window()
	}
	return c
}

// observe mirrors the compositor side effect of ev before the processor sees it.
func (c *benchCompositor) observe(ev ipc.Event) {
	addr, ok := ev.Address()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Name {
	case "openwindow":
		if w, ok := c.pending[addr]; ok {
			c.windows[addr] = w
			delete(c.pending, addr)
		}
	case "closewindow", "destroywindow":
		delete(c.windows, addr)
	case "activewindow", "focuswindow":
		c.active = addr
	case "windowtitle":
		if w, ok := c.windows[addr]; ok {
			if title, ok := ev.Fields["title"]; ok {
				w.Title = title
				c.windows[addr] = w
			}
		}
	}
}

func (c *benchCompositor) ListWindows(context.Context) ([]state.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]state.Window, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, w.Clone())
	}
	return out, nil
}

func (c *benchCompositor) WindowByAddress(_ context.Context, addr string) (state.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	w, ok := c.windows[addr]
	if !ok {
		return state.Window{}, fmt.Errorf("%w: %s", ipc.ErrNotFound, addr)
	}
	return w.Clone(), nil
}

func (c *benchCompositor) ActiveWindowAddress(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return "", ipc.ErrNotFound
	}
	return c.active, nil
}

func (c *benchCompositor) SetTag(_ context.Context, addr, tag string, desired bool, known state.TagSet) (bool, error) {
	if known.Has(tag) == desired {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatches++
	if w, ok := c.windows[addr]; ok {
		if desired {
			w.Tags.Add(tag)
		} else {
			w.Tags.Remove(tag)
		}
	}
	return true, nil
}

func (c *benchCompositor) counts() (dispatches, lookups int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatches, c.lookups
}

type benchOptions struct {
	configPath  string
	fixturePath string
	iterations  int
	warmup      int
	cpuProfile  string
	logLevel    string
	output      string
	human       bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:           "bench",
		Short:         "Replay an event log through the tagging processor",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "configuration file (defaults when empty)")
	flags.StringVar(&opts.fixturePath, "fixture", "", "JSON fixture or raw event log (built-in stream when empty)")
	flags.IntVar(&opts.iterations, "iterations", 10, "number of times to replay the fixture")
	flags.IntVar(&opts.warmup, "warmup", 0, "untimed iterations to run first")
	flags.StringVar(&opts.cpuProfile, "cpu-profile", "", "write CPU profile to file")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	flags.StringVar(&opts.output, "output", "-", "write JSON report to file ('-' for stdout)")
	flags.BoolVar(&opts.human, "human", false, "print a tabular summary instead of JSON")
	return cmd
}

func run(ctx context.Context, opts benchOptions, stdout io.Writer) error {
	if opts.iterations <= 0 {
		return errors.New("iterations must be positive")
	}
	if opts.warmup < 0 {
		return errors.New("warmup must be zero or positive")
	}
	logger := util.NewLoggerWithWriter(util.ParseLogLevel(opts.logLevel), os.Stderr)

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, _, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	rs, err := engine.NewRuleset(cfg)
	if err != nil {
		logger.Warnf("some patterns were skipped: %v", err)
	}

	fixture := defaultFixture()
	if opts.fixturePath != "" {
		fixture, err = loadFixture(opts.fixturePath, fixture)
		if err != nil {
			return fmt.Errorf("load fixture: %w", err)
		}
	}
	events, dropped := decodeLines(fixture.Lines)
	if len(events) == 0 {
		return errors.New("fixture contains no decodable events")
	}

	if opts.cpuProfile != "" {
		f, err := os.Create(opts.cpuProfile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	for i := 0; i < opts.warmup; i++ {
		if _, _, err := replayIteration(ctx, fixture, events, rs, logger); err != nil {
			return fmt.Errorf("warmup iteration %d: %w", i+1, err)
		}
	}

	runtime.GC()
	var startMem runtime.MemStats
	runtime.ReadMemStats(&startMem)

	durations := make([]time.Duration, 0, len(events)*opts.iterations)
	var dispatches, lookups int
	for i := 0; i < opts.iterations; i++ {
		eventDurations, hypr, err := replayIteration(ctx, fixture, events, rs, logger)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
		durations = append(durations, eventDurations...)
		d, l := hypr.counts()
		dispatches += d
		lookups += l
	}

	runtime.GC()
	var endMem runtime.MemStats
	runtime.ReadMemStats(&endMem)

	latency, total := buildLatencyStats(durations)
	totalEvents := len(durations)
	summary := benchSummary{
		Fixture:            fixture.Name,
		Iterations:         opts.iterations,
		WarmupIterations:   opts.warmup,
		EventsPerIteration: len(events),
		TotalEvents:        totalEvents,
		Dropped:            dropped,
		Dispatches:         dispatches,
		Lookups:            lookups,
		Latency:            latency,
		AllocsPerEvent:     safeDivide(endMem.Mallocs-startMem.Mallocs, totalEvents),
		BytesPerEvent:      safeDivide(endMem.TotalAlloc-startMem.TotalAlloc, totalEvents),
		TotalDurationMs:    toMillis(total),
		EventsPerSecond:    eventsPerSecond(total, totalEvents),
	}
	if opts.human {
		return printHumanSummary(summary, stdout)
	}
	return writeReport(summary, opts.output, stdout)
}

// replayIteration builds a fresh processor, performs the initial scan and
// feeds every event, timing each Handle call.
func replayIteration(ctx context.Context, fixture benchFixture, events []ipc.Event, rs *engine.Ruleset, logger *util.Logger) ([]time.Duration, *benchCompositor, error) {
	hypr := fixture.newCompositor()
	proc := engine.New(hypr, rs, logger, metrics.Discard)
	if err := proc.Rebuild(ctx); err != nil {
		return nil, nil, fmt.Errorf("initial scan: %w", err)
	}
	durations := make([]time.Duration, 0, len(events))
	for _, ev := range events {
		hypr.observe(ev)
		start := time.Now()
		if err := proc.Handle(ctx, ev); err != nil {
			return nil, nil, fmt.Errorf("handle %s: %w", ev.Raw, err)
		}
		durations = append(durations, time.Since(start))
	}
	return durations, hypr, nil
}

// decodeLines runs the wire decoder over raw lines. Lines without a ">>"
// separator are counted as dropped.
func decodeLines(lines []string) ([]ipc.Event, int) {
	events := make([]ipc.Event, 0, len(lines))
	dropped := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		ev, ok := ipc.Decode([]byte(trimmed))
		if !ok {
			dropped++
			continue
		}
		events = append(events, ev)
	}
	return events, dropped
}

func buildLatencyStats(durations []time.Duration) (benchLatencyStats, time.Duration) {
	stats := benchLatencyStats{}
	if len(durations) == 0 {
		return stats, 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	stats.Min = toMillis(sorted[0])
	stats.Mean = toMillis(total / time.Duration(len(durations)))
	stats.Median = toMillis(percentile(sorted, 0.50))
	stats.P95 = toMillis(percentile(sorted, 0.95))
	stats.Max = toMillis(sorted[len(sorted)-1])
	return stats, total
}

func writeReport(summary benchSummary, outputPath string, stdout io.Writer) error {
	w := stdout
	if path := strings.TrimSpace(outputPath); path != "" && path != "-" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create report dir: %w", err)
			}
		}
		out, err := os.Create(path)
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func printHumanSummary(summary benchSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Fixture:\t%s\n", summary.Fixture)
	fmt.Fprintf(tw, "Iterations:\t%d (+%d warmup)\n", summary.Iterations, summary.WarmupIterations)
	fmt.Fprintf(tw, "Events/iteration:\t%d (%d dropped lines)\n", summary.EventsPerIteration, summary.Dropped)
	fmt.Fprintf(tw, "Total events:\t%d\n", summary.TotalEvents)
	fmt.Fprintf(tw, "Dispatches:\t%d\n", summary.Dispatches)
	fmt.Fprintf(tw, "Lookups:\t%d\n", summary.Lookups)
	l := summary.Latency
	fmt.Fprintf(tw, "Latency (ms):\tmin %.3f | mean %.3f | median %.3f | p95 %.3f | max %.3f\n", l.Min, l.Mean, l.Median, l.P95, l.Max)
	fmt.Fprintf(tw, "Allocations:\t%.2f / event (%.0f B / event)\n", summary.AllocsPerEvent, summary.BytesPerEvent)
	fmt.Fprintf(tw, "Events/sec:\t%.2f\n", summary.EventsPerSecond)
	return tw.Flush()
}

func safeDivide(total uint64, count int) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

func eventsPerSecond(total time.Duration, events int) float64 {
	if total <= 0 || events == 0 {
		return 0
	}
	return float64(events) / total.Seconds()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// loadFixture reads either a JSON fixture ({"name","active","windows","events"})
// or a raw event log with one socket line per row. A raw log keeps the
// windows of base.
func loadFixture(path string, base benchFixture) (benchFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return benchFixture{}, err
	}
	if !looksLikeJSON(data) {
		base.Name = filepath.Base(path)
		base.Lines = strings.Split(string(data), "\n")
		return base, nil
	}
	var payload struct {
		Name    string        `json:"name"`
		Active  string        `json:"active"`
		Windows []benchWindow `json:"windows"`
		Events  []string      `json:"events"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return benchFixture{}, err
	}
	fixture := benchFixture{
		Name:    fallback(payload.Name, filepath.Base(path)),
		Active:  payload.Active,
		Windows: payload.Windows,
		Lines:   payload.Events,
	}
	if len(fixture.Windows) == 0 {
		fixture.Windows = append([]benchWindow(nil), base.Windows...)
	}
	if len(fixture.Lines) == 0 {
		fixture.Lines = append([]string(nil), base.Lines...)
	}
	return fixture, nil
}

func looksLikeJSON(data []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(data)), "{")
}

func defaultFixture() benchFixture {
	return benchFixture{
		Name:   "synthetic-media",
		Active: "0xa1",
		Windows: []benchWindow{
			{Address: "0xa1", Class: "kitty", Title: "Terminal"},
			{Address: "0xb2", Class: "firefox", Title: "Docs - Mozilla Firefox"},
			{Address: "0xc3", Class: "mpv", Title: "clip.mkv - mpv", Spawned: true},
			{Address: "0xd4", Class: "firefox", Title: "Picture-in-Picture", Spawned: true},
		},
		Lines: []string{
			"activewindowv2>>b2",
			"windowtitlev2>>b2,YouTube - Mozilla Firefox",
			"openwindow>>c3,1,mpv,clip.mkv - mpv",
			"focusedmon>>DP-1,1",
			"fullscreen>>1",
			"openwindow>>d4,1,firefox,Picture-in-Picture",
			"windowtitlev2>>b2,Docs - Mozilla Firefox",
			"movewindowv2>>c3,2,2",
			"closewindow>>d4",
			"workspace>>2",
			"garbage without separator",
		},
	}
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return def
}
