package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

var (
	// ErrNotFound reports that a complete listing was obtained and the
	// window was not in it.
	ErrNotFound = errors.New("window not found")
	// ErrUnavailable reports that hyprctl could not be run or its output could
	// not be decoded.
	ErrUnavailable = errors.New("hyprctl unavailable")
)

// Runner executes hyprctl with the given arguments and returns stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Dispatcher issues a Hyprland dispatcher command such as "tagwindow".
type Dispatcher interface {
	Dispatch(args ...string) error
}

// FilterSupport is the state of the "clients address:" capability latch.
type FilterSupport int32

const (
	FilterUnknown FilterSupport = iota
	FilterSupported
	FilterUnsupported
)

func (f FilterSupport) String() string {
	switch f {
	case FilterSupported:
		return "supported"
	case FilterUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Client wraps hyprctl shell-outs.
type Client struct {
	Binary string

	run        Runner
	dispatcher Dispatcher
	metrics    metrics.Sink
	logger     *util.Logger
	filter     atomic.Int32
}

// Option customises a Client.
type Option func(*Client)

// WithRunner replaces the hyprctl executor.
func WithRunner(run Runner) Option {
	return func(c *Client) { c.run = run }
}

// WithDispatcher routes dispatch commands through d instead of hyprctl.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

// WithMetrics records hyprctl calls and errors on sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(c *Client) { c.metrics = sink }
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *util.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a hyprctl client using the binary on PATH.
func NewClient(opts ...Option) *Client {
	c := &Client{Binary: "hyprctl", metrics: metrics.Discard}
	c.run = c.exec
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.Discard
	}
	return c
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("hyprctl %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// queryJSON runs "hyprctl -j <args>" and decodes the result loosely. Any
// failure is reported as ErrUnavailable.
func (c *Client) queryJSON(ctx context.Context, args ...string) (any, error) {
	metrics.Inc(c.metrics, metrics.HyprctlCalls)
	data, err := c.run(ctx, append([]string{"-j"}, args...)...)
	if err != nil {
		metrics.Inc(c.metrics, metrics.HyprctlErrors)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		metrics.Inc(c.metrics, metrics.HyprctlErrors)
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, strings.Join(args, " "), err)
	}
	return out, nil
}

// ListWindows returns every client that has an address.
func (c *Client) ListWindows(ctx context.Context) ([]state.Window, error) {
	data, err := c.queryJSON(ctx, "clients")
	if err != nil {
		return nil, err
	}
	list, ok := data.([]any)
	if !ok {
		metrics.Inc(c.metrics, metrics.HyprctlErrors)
		return nil, fmt.Errorf("%w: clients returned %T", ErrUnavailable, data)
	}
	windows := make([]state.Window, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if w, ok := windowFromJSON(obj); ok {
			windows = append(windows, w)
		}
	}
	return windows, nil
}

// WindowByAddress fetches one client. The filtered query is tried until it
// first fails to produce the window; after that the client always scans the
// full list.
func (c *Client) WindowByAddress(ctx context.Context, address string) (state.Window, error) {
	if c.FilterSupport() != FilterUnsupported {
		data, err := c.queryJSON(ctx, "clients", "address:"+address)
		if err == nil {
			if w, ok := findWindow(data, address); ok {
				return w, nil
			}
		}
		if c.downgradeFilter() {
			c.logger.Debugf("hyprctl address filter unusable, scanning full client list from now on")
		}
	}
	windows, err := c.ListWindows(ctx)
	if err != nil {
		return state.Window{}, err
	}
	for _, w := range windows {
		if w.Address == address {
			return w, nil
		}
	}
	return state.Window{}, fmt.Errorf("%w: %s", ErrNotFound, address)
}

// FilterSupport reports the current state of the address-filter latch.
func (c *Client) FilterSupport() FilterSupport {
	return FilterSupport(c.filter.Load())
}

func (c *Client) downgradeFilter() bool {
	for {
		cur := c.filter.Load()
		if FilterSupport(cur) == FilterUnsupported {
			return false
		}
		if c.filter.CompareAndSwap(cur, int32(FilterUnsupported)) {
			return true
		}
	}
}

// ActiveWindowAddress returns the focused window address.
func (c *Client) ActiveWindowAddress(ctx context.Context) (string, error) {
	data, err := c.queryJSON(ctx, "activewindow")
	if err != nil {
		return "", err
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: no active window", ErrNotFound)
	}
	addr, ok := AddressFrom(map[string]string{"address": stringField(obj, "address")})
	if !ok {
		return "", fmt.Errorf("%w: no active window", ErrNotFound)
	}
	return addr, nil
}

// VersionInfo is the subset of "hyprctl version" the daemon uses.
type VersionInfo struct {
	Version string
	// AddressFilter is nil when the compositor does not advertise the feature.
	AddressFilter *bool
}

// Probe reads the compositor version and, when advertised, seeds the
// address-filter latch. A latch that has already been downgraded is left alone.
func (c *Client) Probe(ctx context.Context) (VersionInfo, error) {
	data, err := c.queryJSON(ctx, "version")
	if err != nil {
		return VersionInfo{}, err
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return VersionInfo{}, fmt.Errorf("%w: version returned %T", ErrUnavailable, data)
	}
	info := VersionInfo{Version: stringField(obj, "version")}
	if info.Version == "" {
		info.Version = stringField(obj, "tag")
	}
	if features, ok := obj["features"].(map[string]any); ok {
		if raw, ok := features["address_filter"]; ok {
			supported := truthy(raw)
			info.AddressFilter = &supported
			want := FilterUnsupported
			if supported {
				want = FilterSupported
			}
			c.filter.CompareAndSwap(int32(FilterUnknown), int32(want))
		}
	}
	return info, nil
}

// SetTag makes the presence of tag on address match desired. known is the
// caller's mirror of the window tags; it is updated only after a successful
// dispatch. The returned bool reports whether a dispatch was issued.
func (c *Client) SetTag(ctx context.Context, address, tag string, desired bool, known state.TagSet) (bool, error) {
	if known.Has(tag) == desired {
		return false, nil
	}
	if err := c.Dispatch(ctx, "tagwindow", tag, "address:"+address); err != nil {
		return false, fmt.Errorf("tagwindow %s %s: %w", tag, address, err)
	}
	if known != nil {
		if desired {
			known.Add(tag)
		} else {
			known.Remove(tag)
		}
	}
	return true, nil
}

// Dispatch invokes a dispatcher via the configured strategy.
func (c *Client) Dispatch(ctx context.Context, args ...string) error {
	if c.dispatcher != nil {
		return c.dispatcher.Dispatch(args...)
	}
	_, err := c.run(ctx, append([]string{"dispatch"}, args...)...)
	return err
}

func findWindow(data any, address string) (state.Window, bool) {
	switch v := data.(type) {
	case map[string]any:
		if stringField(v, "address") == address {
			return windowFromJSON(v)
		}
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok && stringField(obj, "address") == address {
				return windowFromJSON(obj)
			}
		}
	}
	return state.Window{}, false
}

func windowFromJSON(obj map[string]any) (state.Window, bool) {
	addr := stringField(obj, "address")
	if addr == "" {
		return state.Window{}, false
	}
	class := stringField(obj, "class")
	if class == "" {
		class = stringField(obj, "initialClass")
	}
	title := stringField(obj, "title")
	if title == "" {
		title = stringField(obj, "initialTitle")
	}
	w := state.Window{
		Address:    addr,
		Class:      strings.ToLower(class),
		Title:      title,
		Fullscreen: truthy(obj["fullscreen"]),
		Minimized:  truthy(obj["minimized"]),
		Urgent:     truthy(obj["urgent"]),
		Tags:       state.NewTagSet(),
	}
	if tags, ok := obj["tags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok && s != "" {
				w.Tags.Add(s)
			}
		}
	}
	return w, true
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

// truthy mirrors how hyprctl encodes flags across versions: booleans, numeric
// modes (fullscreen 0/1/2) and the occasional string.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return ParseBool(x)
	default:
		return false
	}
}

// DispatchStrategy describes how dispatch commands are issued to Hyprland.
type DispatchStrategy string

const (
	// DispatchStrategySocket uses the Hyprland command socket directly.
	DispatchStrategySocket DispatchStrategy = "socket"
	// DispatchStrategyHyprctl shells out to the hyprctl binary.
	DispatchStrategyHyprctl DispatchStrategy = "hyprctl"
)

// NewDaemonClient returns a client using the requested dispatch strategy when
// possible, falling back to hyprctl dispatch.
func NewDaemonClient(logger *util.Logger, requested DispatchStrategy, opts ...Option) (*Client, DispatchStrategy, error) {
	opts = append([]Option{WithLogger(logger)}, opts...)
	switch requested {
	case DispatchStrategySocket:
		disp, err := newSocketDispatcher()
		if err != nil {
			logger.Warnf("falling back to hyprctl dispatch: %v", err)
			return NewClient(opts...), DispatchStrategyHyprctl, nil
		}
		logger.Debugf("using socket dispatch at %s", disp.DispatchSocketPath())
		return NewClient(append(opts, WithDispatcher(disp))...), DispatchStrategySocket, nil
	case DispatchStrategyHyprctl:
		return NewClient(opts...), DispatchStrategyHyprctl, nil
	default:
		return nil, "", fmt.Errorf("unknown dispatch strategy %q", requested)
	}
}
