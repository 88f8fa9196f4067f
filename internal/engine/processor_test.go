package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/ipc"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
)

// fakeCompositor holds the authoritative window list and records dispatches.
type fakeCompositor struct {
	windows     map[string]state.Window
	active      string
	lookupErrs  map[string][]error
	dispatchErr error
	dispatched  []string
	lookups     map[string]int
	listCalls   int
}

func newFakeCompositor(windows ...state.Window) *fakeCompositor {
	f := &fakeCompositor{
		windows:    map[string]state.Window{},
		lookupErrs: map[string][]error{},
		lookups:    map[string]int{},
	}
	for _, w := range windows {
		f.put(w)
	}
	return f
}

func (f *fakeCompositor) put(w state.Window) {
	if w.Tags == nil {
		w.Tags = state.NewTagSet()
	}
	f.windows[w.Address] = w
}

func (f *fakeCompositor) ListWindows(context.Context) ([]state.Window, error) {
	f.listCalls++
	out := make([]state.Window, 0, len(f.windows))
	for _, w := range f.windows {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (f *fakeCompositor) WindowByAddress(_ context.Context, addr string) (state.Window, error) {
	f.lookups[addr]++
	if script := f.lookupErrs[addr]; len(script) > 0 {
		f.lookupErrs[addr] = script[1:]
		if script[0] != nil {
			return state.Window{}, script[0]
		}
	}
	w, ok := f.windows[addr]
	if !ok {
		return state.Window{}, fmt.Errorf("%w: %s", ipc.ErrNotFound, addr)
	}
	return w.Clone(), nil
}

func (f *fakeCompositor) ActiveWindowAddress(context.Context) (string, error) {
	if f.active == "" {
		return "", ipc.ErrNotFound
	}
	return f.active, nil
}

func (f *fakeCompositor) SetTag(_ context.Context, addr, tag string, desired bool, known state.TagSet) (bool, error) {
	if known.Has(tag) == desired {
		return false, nil
	}
	if f.dispatchErr != nil {
		return false, f.dispatchErr
	}
	sign := "-"
	if desired {
		sign = "+"
	}
	f.dispatched = append(f.dispatched, sign+tag+" "+addr)
	if desired {
		known.Add(tag)
	} else {
		known.Remove(tag)
	}
	if w, ok := f.windows[addr]; ok {
		if desired {
			w.Tags.Add(tag)
		} else {
			w.Tags.Remove(tag)
		}
	}
	return true, nil
}

func testRuleset(t *testing.T, mutate func(*config.Config)) *Ruleset {
	t.Helper()
	cfg := config.Default()
	cfg.Classes = []string{"mpv"}
	cfg.TitlePatterns = nil
	cfg.ClassTitleRules = []config.ClassTitleRule{{ClassRegex: "^firefox$", TitleRegex: "YouTube"}}
	if mutate != nil {
		mutate(cfg)
	}
	rs, err := NewRuleset(cfg)
	if err != nil {
		t.Fatalf("NewRuleset: %v", err)
	}
	return rs
}

type recordedSleep struct {
	calls []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return nil
}

func newTestProcessor(t *testing.T, fake *fakeCompositor, mutate func(*config.Config)) (*Processor, *metrics.Collector, *recordedSleep) {
	t.Helper()
	sink := metrics.NewCollector(true)
	p := New(fake, testRuleset(t, mutate), nil, sink)
	slept := &recordedSleep{}
	p.sleep = slept.sleep
	return p, sink, slept
}

func handleLine(t *testing.T, p *Processor, line string) {
	t.Helper()
	ev, ok := ipc.Decode([]byte(line))
	if !ok {
		t.Fatalf("could not decode %q", line)
	}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(%q): %v", line, err)
	}
}

func TestOpenWindowDispatchesOnceThenIsIdempotent(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv", Title: "Video"})
	p, sink, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "openwindow>>address:0x1,class:mpv,title:Video")
	if diff := cmp.Diff([]string{"+opaque 0x1"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
	handleLine(t, p, "openwindow>>address:0x1,class:mpv,title:Video")
	if len(fake.dispatched) != 1 {
		t.Fatalf("second event must not dispatch, got %v", fake.dispatched)
	}
	w := p.Windows()[0]
	if !w.Tags.Has("opaque") {
		t.Fatalf("mirror not updated: %+v", w)
	}
	if sink.Count(metrics.TagOperations) != 1 || sink.Count(metrics.EventsProcessed) != 2 {
		t.Fatalf("unexpected counters: %+v", sink.Snapshot().Counters)
	}
	if got := p.Decisions(); len(got) != 1 || got[0].Status != DecisionTagged || got[0].Reason != "class" {
		t.Fatalf("unexpected decision history: %+v", got)
	}
}

func TestOpenWindowAlreadyTaggedDispatchesNothing(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv", Title: "Video", Tags: state.NewTagSet("opaque")})
	p, _, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "openwindow>>address:0x1,class:mpv,title:Video")
	if len(fake.dispatched) != 0 {
		t.Fatalf("expected zero dispatches, got %v", fake.dispatched)
	}
}

func TestTitleChangeUntags(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x5", Class: "firefox", Title: "YouTube"})
	p, _, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "windowtitlev2>>0x5,YouTube - Cats")
	handleLine(t, p, "windowtitlev2>>0x5,Inbox")
	if diff := cmp.Diff([]string{"+opaque 0x5", "-opaque 0x5"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownAddressIsFetchedNotInvented(t *testing.T) {
	fake := newFakeCompositor()
	p, _, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "openwindow>>address:0x9,class:mpv,title:Video")
	if len(p.Windows()) != 0 || len(fake.dispatched) != 0 {
		t.Fatalf("window unknown to the compositor must not be tracked: %+v", p.Windows())
	}
}

func TestActiveWindowFallback(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv"})
	fake.active = "0x1"
	p, _, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "windowtitle>>")
	if diff := cmp.Diff([]string{"+opaque 0x1"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}

	fake.active = ""
	handleLine(t, p, "windowtitle>>")
	if len(fake.dispatched) != 1 {
		t.Fatalf("event without any address must be skipped")
	}
}

func TestFullscreenFallbackIsNotUsed(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "kitty"})
	fake.active = "0x1"
	p, _, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "fullscreen>>1")
	if len(fake.dispatched) != 0 {
		t.Fatalf("fullscreen without address must be skipped, got %v", fake.dispatched)
	}
	handleLine(t, p, "fullscreen>>address:0x1,state:1")
	if diff := cmp.Diff([]string{"+opaque 0x1"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}

func TestMinimizedEventAppliesPayloadState(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x2", Class: "kitty"})
	p, _, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "minimized>>0x2,1")
	handleLine(t, p, "minimized>>0x2,0")
	if diff := cmp.Diff([]string{"+opaque 0x2", "-opaque 0x2"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
	if fake.lookups["0x2"] != 2 {
		t.Fatalf("expected one fetch on first sight and one refetch, got %d", fake.lookups["0x2"])
	}
}

func TestTagEventRefreshesMirror(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv"})
	p, _, _ := newTestProcessor(t, fake, nil)
	if err := p.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	// Someone removed the tag behind our back.
	fake.windows["0x1"].Tags.Remove("opaque")

	handleLine(t, p, "windowtag>>address:0x1")
	if diff := cmp.Diff([]string{"+opaque 0x1", "+opaque 0x1"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}

func TestMoveEventReplacesEntry(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "kitty", Title: "a"})
	p, _, _ := newTestProcessor(t, fake, nil)
	handleLine(t, p, "openwindow>>address:0x1")

	fake.put(state.Window{Address: "0x1", Class: "mpv", Title: "b"})
	handleLine(t, p, "movewindowv2>>0x1,3,3")
	w := p.Windows()[0]
	if w.Class != "mpv" || w.Title != "b" {
		t.Fatalf("entry not replaced: %+v", w)
	}
	if diff := cmp.Diff([]string{"+opaque 0x1"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkspaceRebuildMatchesListing(t *testing.T) {
	fake := newFakeCompositor(
		state.Window{Address: "0xold", Class: "kitty"},
		state.Window{Address: "0x2", Class: "mpv"},
	)
	p, _, _ := newTestProcessor(t, fake, nil)
	if err := p.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	delete(fake.windows, "0xold")
	fake.put(state.Window{Address: "0x3", Class: "firefox", Title: "YouTube"})
	handleLine(t, p, "workspacev2>>2,2")

	got := make([]string, 0)
	for _, w := range p.Windows() {
		got = append(got, w.Address)
	}
	if diff := cmp.Diff([]string{"0x2", "0x3"}, got); diff != "" {
		t.Fatalf("registry mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"+opaque 0x2", "+opaque 0x3"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}

func TestSafeCloseRemovesAfterConfirmedMissing(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv"})
	p, _, slept := newTestProcessor(t, fake, func(c *config.Config) {
		c.SafeCloseCheck = true
		c.SafeCloseCheckDelaySec = 0.25
	})
	handleLine(t, p, "openwindow>>address:0x1")

	// First verification still sees the window, the second does not.
	p.client = &missingAfter{fake: fake, addr: "0x1", after: 1}

	handleLine(t, p, "closewindow>>0x1")
	if len(p.Windows()) != 0 {
		t.Fatalf("window should be removed after verification")
	}
	if diff := cmp.Diff([]time.Duration{250 * time.Millisecond}, slept.calls); diff != "" {
		t.Fatalf("sleep calls mismatch (-want +got):\n%s", diff)
	}
}

// missingAfter reports the window as present for the first n lookups.
type missingAfter struct {
	fake  *fakeCompositor
	addr  string
	after int
	seen  int
}

func (m *missingAfter) WindowByAddress(ctx context.Context, addr string) (state.Window, error) {
	if addr == m.addr {
		m.seen++
		if m.seen > m.after {
			return state.Window{}, ipc.ErrNotFound
		}
	}
	return m.fake.WindowByAddress(ctx, addr)
}

func (m *missingAfter) ListWindows(ctx context.Context) ([]state.Window, error) {
	return m.fake.ListWindows(ctx)
}

func (m *missingAfter) ActiveWindowAddress(ctx context.Context) (string, error) {
	return m.fake.ActiveWindowAddress(ctx)
}

func (m *missingAfter) SetTag(ctx context.Context, addr, tag string, desired bool, known state.TagSet) (bool, error) {
	return m.fake.SetTag(ctx, addr, tag, desired, known)
}

func TestSafeCloseKeepsEntryWhenUnverified(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv"})
	p, _, slept := newTestProcessor(t, fake, func(c *config.Config) { c.SafeCloseCheck = true })
	handleLine(t, p, "openwindow>>address:0x1")

	fake.lookupErrs["0x1"] = []error{ipc.ErrUnavailable, ipc.ErrUnavailable}
	before := fake.lookups["0x1"]
	handleLine(t, p, "closewindow>>0x1")
	if len(p.Windows()) != 1 {
		t.Fatalf("unavailable lookups must not remove the window")
	}
	if got := fake.lookups["0x1"] - before; got != 2 {
		t.Fatalf("expected two verification lookups, got %d", got)
	}
	// No wait follows the last lookup.
	if len(slept.calls) != 1 {
		t.Fatalf("expected one wait between lookups, got %d", len(slept.calls))
	}
}

func TestCloseWithoutVerificationRemovesImmediately(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv"})
	p, _, slept := newTestProcessor(t, fake, nil)
	handleLine(t, p, "openwindow>>address:0x1")
	before := fake.lookups["0x1"]

	handleLine(t, p, "closewindow>>0x1")
	if len(p.Windows()) != 0 {
		t.Fatalf("window should be removed")
	}
	if fake.lookups["0x1"] != before || len(slept.calls) != 0 {
		t.Fatalf("close without verification must not query or wait")
	}
}

func TestUnsupportedEventIsCounted(t *testing.T) {
	fake := newFakeCompositor()
	p, sink, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "configreloaded>>")
	if sink.Count(metrics.UnsupportedEvents) != 1 {
		t.Fatalf("expected unsupported event to be counted")
	}
	if fake.listCalls != 0 || len(fake.lookups) != 0 {
		t.Fatalf("unsupported events must not query the compositor")
	}
}

func TestDispatchFailureKeepsMirrorAndRetries(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "mpv"})
	fake.dispatchErr = errors.New("socket gone")
	p, sink, _ := newTestProcessor(t, fake, nil)

	handleLine(t, p, "openwindow>>address:0x1")
	if p.Windows()[0].Tags.Has("opaque") {
		t.Fatalf("failed dispatch must not update the mirror")
	}
	if sink.Count(metrics.TagDispatchErrors) != 1 {
		t.Fatalf("expected dispatch error to be counted")
	}

	fake.dispatchErr = nil
	handleLine(t, p, "windowtitle>>address:0x1,title:again")
	if diff := cmp.Diff([]string{"+opaque 0x1"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepRemovesOnlyConfirmedMissing(t *testing.T) {
	fake := newFakeCompositor(
		state.Window{Address: "0x1", Class: "kitty"},
		state.Window{Address: "0x2", Class: "kitty"},
		state.Window{Address: "0x3", Class: "kitty"},
	)
	p, _, _ := newTestProcessor(t, fake, nil)
	if err := p.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	delete(fake.windows, "0x1")
	delete(fake.windows, "0x2")
	fake.lookupErrs["0x2"] = []error{ipc.ErrUnavailable}

	if removed := p.Sweep(context.Background()); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	current, peak := p.Len()
	if current != 2 || peak != 3 {
		t.Fatalf("Len = %d/%d, want 2/3", current, peak)
	}
}

func TestSetRulesetThenRebuildRetags(t *testing.T) {
	fake := newFakeCompositor(state.Window{Address: "0x1", Class: "vlc"})
	p, _, _ := newTestProcessor(t, fake, nil)
	if err := p.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(fake.dispatched) != 0 {
		t.Fatalf("vlc is not in the class list yet")
	}

	p.SetRuleset(testRuleset(t, func(c *config.Config) { c.Classes = []string{"vlc"} }))
	if err := p.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if diff := cmp.Diff([]string{"+opaque 0x1"}, fake.dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileWithRealClientIsIdempotent(t *testing.T) {
	var dispatched []string
	runner := func(_ context.Context, args ...string) ([]byte, error) {
		joined := strings.Join(args, " ")
		switch {
		case joined == "-j clients address:0x1" || joined == "-j clients":
			return []byte(`[{"address":"0x1","class":"mpv","title":"Video","tags":[]}]`), nil
		case strings.HasPrefix(joined, "dispatch "):
			dispatched = append(dispatched, joined)
			return []byte("ok"), nil
		}
		return nil, errors.New("unexpected " + joined)
	}
	client := ipc.NewClient(ipc.WithRunner(runner))
	p := New(client, testRuleset(t, nil), nil, nil)

	handleLine(t, p, "openwindow>>address:0x1,class:mpv,title:Video")
	w, _ := p.registry.Get("0x1")
	if p.reconcile(context.Background(), w) {
		t.Fatalf("second reconcile must be a no-op")
	}
	if diff := cmp.Diff([]string{"dispatch tagwindow opaque address:0x1"}, dispatched); diff != "" {
		t.Fatalf("dispatches mismatch (-want +got):\n%s", diff)
	}
}
