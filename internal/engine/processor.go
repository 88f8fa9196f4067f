package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/ipc"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/rules"
	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

// Compositor is the subset of the hyprctl client the processor relies on.
type Compositor interface {
	ListWindows(ctx context.Context) ([]state.Window, error)
	WindowByAddress(ctx context.Context, address string) (state.Window, error)
	ActiveWindowAddress(ctx context.Context) (string, error)
	SetTag(ctx context.Context, address, tag string, desired bool, known state.TagSet) (bool, error)
}

// Ruleset pairs a configuration with the matcher compiled from it. It is
// always replaced as a whole.
type Ruleset struct {
	Config  *config.Config
	Matcher *rules.Matcher
}

// NewRuleset compiles cfg. The returned error carries matcher warnings only;
// the ruleset is always usable.
func NewRuleset(cfg *config.Config) (*Ruleset, error) {
	m, err := rules.Compile(cfg)
	return &Ruleset{Config: cfg, Matcher: m}, err
}

const (
	closeVerifyAttempts = 2
	slowEventThreshold  = 100 * time.Millisecond
)

type eventKind int

const (
	kindUnsupported eventKind = iota
	kindUpdate
	kindTags
	kindRefetch
	kindFocus
	kindRebuild
	kindClose
)

var eventKinds = map[string]eventKind{
	"openwindow":         kindUpdate,
	"windowtitle":        kindUpdate,
	"fullscreen":         kindUpdate,
	"changetag":          kindTags,
	"windowtag":          kindTags,
	"windowtagdel":       kindTags,
	"tagadded":           kindTags,
	"tagremoved":         kindTags,
	"movewindow":         kindRefetch,
	"windowmoved":        kindRefetch,
	"windowresized":      kindRefetch,
	"float":              kindRefetch,
	"changefloatingmode": kindRefetch,
	"focuswindow":        kindFocus,
	"activewindow":       kindFocus,
	"screencopy":         kindFocus,
	"minimized":          kindFocus,
	"urgent":             kindFocus,
	"workspace":          kindRebuild,
	"monitoradded":       kindRebuild,
	"monitorremoved":     kindRebuild,
	"closewindow":        kindClose,
	"destroywindow":      kindClose,
}

// activeFallback lists events for which a missing address is resolved to the
// focused window. This can misattribute events during rapid focus changes.
var activeFallback = map[string]bool{
	"windowtitle":  true,
	"activewindow": true,
	"focuswindow":  true,
	"openwindow":   true,
	"minimized":    true,
	"urgent":       true,
}

// Processor applies decoded events to the window registry and keeps the tag
// in sync with the matcher. It is driven by a single goroutine.
type Processor struct {
	client   Compositor
	registry *state.Registry
	ruleset  atomic.Pointer[Ruleset]
	logger   *util.Logger
	metrics  metrics.Sink
	history  *decisionLog

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a processor with an empty registry.
func New(client Compositor, rs *Ruleset, logger *util.Logger, sink metrics.Sink) *Processor {
	if sink == nil {
		sink = metrics.Discard
	}
	p := &Processor{
		client:   client,
		registry: state.NewRegistry(),
		logger:   logger,
		metrics:  sink,
		history:  newDecisionLog(historyLimit),
		now:      time.Now,
		sleep:    sleepContext,
	}
	p.ruleset.Store(rs)
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Ruleset returns the active configuration and matcher.
func (p *Processor) Ruleset() *Ruleset {
	return p.ruleset.Load()
}

// SetRuleset swaps the configuration and matcher. Callers follow it with
// Rebuild so every window is evaluated against the new rules.
func (p *Processor) SetRuleset(rs *Ruleset) {
	p.ruleset.Store(rs)
}

// Windows returns a copy of the tracked windows ordered by address.
func (p *Processor) Windows() []state.Window {
	return p.registry.Snapshot()
}

// Len reports the current and peak registry sizes.
func (p *Processor) Len() (current, peak int) {
	return p.registry.Len(), p.registry.MaxLen()
}

// Decisions returns the most recent tag dispatches, oldest first.
func (p *Processor) Decisions() []Decision {
	return p.history.snapshot()
}

// Handle processes one event. Control-interface failures are logged and
// absorbed; the only error returned is context cancellation.
func (p *Processor) Handle(ctx context.Context, ev ipc.Event) error {
	start := p.now()
	defer func() {
		elapsed := p.now().Sub(start)
		metrics.Inc(p.metrics, metrics.EventsProcessed)
		p.metrics.ObserveEvent(ev.Name, elapsed)
		p.metrics.SetCacheSize(p.registry.Len())
		if elapsed > slowEventThreshold {
			p.logger.Warnf("slow event %s took %s", ev.Name, elapsed)
		}
	}()

	kind, ok := eventKinds[ev.Name]
	if !ok {
		metrics.Inc(p.metrics, metrics.UnsupportedEvents)
		p.logger.Debugf("unsupported event %s ignored: %v", ev.Name, ev.Fields)
		return nil
	}

	addr, hasAddr := ev.Address()
	if !hasAddr && activeFallback[ev.Name] {
		if active, err := p.client.ActiveWindowAddress(ctx); err == nil {
			addr, hasAddr = active, true
			p.logger.Debugf("event %s without address: using active window %s", ev.Name, addr)
		}
	}

	switch kind {
	case kindRebuild:
		p.logger.Debugf("%s: refreshing window cache", ev.Name)
		if err := p.Rebuild(ctx); err != nil {
			p.logger.Warnf("%s: rebuild failed: %v", ev.Name, err)
		}
		return ctx.Err()
	case kindClose:
		if !hasAddr {
			return nil
		}
		return p.handleClose(ctx, ev.Name, addr)
	}

	if !hasAddr {
		p.logger.Debugf("%s event without address, skipping", ev.Name)
		return nil
	}

	w, fresh, err := p.lookup(ctx, addr)
	if err != nil {
		p.logger.Debugf("%s: address %s not available yet, skipping: %v", ev.Name, addr, err)
		return nil
	}
	applyPayload(w, ev)

	switch kind {
	case kindTags:
		if !fresh {
			updated, err := p.client.WindowByAddress(ctx, addr)
			if err != nil {
				p.logger.Debugf("%s: refetch %s failed: %v", ev.Name, addr, err)
				return nil
			}
			w.Tags = updated.Tags
		}
	case kindRefetch, kindFocus:
		if !fresh {
			updated, err := p.client.WindowByAddress(ctx, addr)
			if err != nil {
				p.logger.Debugf("%s: refetch %s failed: %v", ev.Name, addr, err)
				return nil
			}
			w = p.registry.Put(updated)
			if kind == kindFocus {
				applyState(w, ev)
			}
		}
	}

	changed := p.reconcile(ctx, w)
	p.logger.Debugf("processed %s for %s: %s", ev.Name, addr, changeLabel(changed))
	return nil
}

// lookup returns the registry entry for addr, fetching and storing it first
// when the address is new. fresh reports whether a fetch happened.
func (p *Processor) lookup(ctx context.Context, addr string) (*state.Window, bool, error) {
	if w, ok := p.registry.Get(addr); ok {
		return w, false, nil
	}
	fetched, err := p.client.WindowByAddress(ctx, addr)
	if err != nil {
		return nil, false, err
	}
	return p.registry.Put(fetched), true, nil
}

// applyPayload copies the fields an event carries onto w.
func applyPayload(w *state.Window, ev ipc.Event) {
	if class := ev.Fields["class"]; class != "" {
		w.Class = strings.ToLower(class)
	}
	if title, ok := ev.Fields["title"]; ok {
		w.Title = title
	}
	if ev.Name == "fullscreen" {
		value, ok := ev.Fields["state"]
		if !ok {
			value = ev.Fields["fullscreen"]
		}
		w.Fullscreen = ipc.ParseBool(value)
	}
	applyState(w, ev)
}

// applyState applies the minimized and urgent flags an event reports. An
// urgent event without a state field marks the window urgent.
func applyState(w *state.Window, ev ipc.Event) {
	switch ev.Name {
	case "minimized":
		w.Minimized = ipc.ParseBool(ev.Fields["state"])
	case "urgent":
		value, ok := ev.Fields["state"]
		w.Urgent = !ok || ipc.ParseBool(value)
	}
}

func (p *Processor) handleClose(ctx context.Context, name, addr string) error {
	if _, ok := p.registry.Get(addr); !ok {
		return nil
	}
	rs := p.Ruleset()
	if !rs.Config.SafeCloseCheck {
		p.registry.Remove(addr)
		return nil
	}
	for attempt := 0; attempt < closeVerifyAttempts; attempt++ {
		_, err := p.client.WindowByAddress(ctx, addr)
		if errors.Is(err, ipc.ErrNotFound) {
			p.registry.Remove(addr)
			p.logger.Debugf("%s for %s: verified and removed from cache", name, addr)
			return nil
		}
		if attempt == closeVerifyAttempts-1 {
			break
		}
		if err := p.sleep(ctx, rs.Config.SafeCloseDelay()); err != nil {
			return err
		}
	}
	p.logger.Debugf("%s for %s: verification failed, keeping in cache", name, addr)
	return nil
}

// Rebuild replaces the registry with a fresh listing and reconciles every
// window. The registry is left untouched when the listing fails.
func (p *Processor) Rebuild(ctx context.Context) error {
	windows, err := p.client.ListWindows(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	p.registry.Replace(windows)
	for _, addr := range p.registry.Addresses() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w, _ := p.registry.Get(addr)
		p.reconcile(ctx, w)
	}
	p.metrics.SetCacheSize(p.registry.Len())
	p.logger.Debugf("cache size after rebuild: %d windows", p.registry.Len())
	return nil
}

// Sweep drops entries the compositor confirms are gone and returns how many
// were removed. Lookups that fail for other reasons keep the entry.
func (p *Processor) Sweep(ctx context.Context) int {
	var removed []string
	for _, addr := range p.registry.Addresses() {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.client.WindowByAddress(ctx, addr); errors.Is(err, ipc.ErrNotFound) {
			p.registry.Remove(addr)
			removed = append(removed, addr)
		}
	}
	if len(removed) > 0 {
		p.logger.Debugf("removed %d stale windows from cache: %v", len(removed), removed)
	} else {
		p.logger.Debugf("no stale windows found in cache")
	}
	p.metrics.SetCacheSize(p.registry.Len())
	return len(removed)
}

// reconcile is the only place that changes tags: it evaluates the matcher for
// w and asks the compositor to converge. It reports whether a dispatch was made.
func (p *Processor) reconcile(ctx context.Context, w *state.Window) bool {
	rs := p.Ruleset()
	reason := rs.Matcher.Explain(*w)
	desired := reason != rules.ReasonNone
	changed, err := p.client.SetTag(ctx, w.Address, rs.Config.Tag, desired, w.Tags)
	if err != nil {
		metrics.Inc(p.metrics, metrics.TagDispatchErrors)
		p.logger.Warnf("failed to update tag %s on %s: %v", rs.Config.Tag, w.Address, err)
		p.history.record(Decision{Timestamp: p.now(), Address: w.Address, Class: w.Class, Reason: string(reason), Status: DecisionError, Error: err.Error()})
		return false
	}
	if !changed {
		return false
	}
	metrics.Inc(p.metrics, metrics.TagOperations)
	status := DecisionUntagged
	sign := "-"
	if desired {
		status, sign = DecisionTagged, "+"
	}
	p.logger.Debugf("tag %s%s %s (%s)", sign, rs.Config.Tag, w.Address, reasonLabel(reason))
	p.history.record(Decision{Timestamp: p.now(), Address: w.Address, Class: w.Class, Reason: string(reason), Status: status})
	return true
}

func changeLabel(changed bool) string {
	if changed {
		return "tag updated"
	}
	return "no tag change"
}

func reasonLabel(r rules.Reason) string {
	if r == rules.ReasonNone {
		return "no rule matched"
	}
	return "matched " + string(r)
}
