package rules

import (
	"testing"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
)

func bareConfig() *config.Config {
	return &config.Config{Tag: "opaque", CaseInsensitive: true}
}

func mustCompile(t *testing.T, cfg *config.Config) *Matcher {
	t.Helper()
	m, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return m
}

func TestClassMembership(t *testing.T) {
	cfg := bareConfig()
	cfg.Classes = []string{"MPV"}
	m := mustCompile(t, cfg)

	if !m.ShouldTag(state.Window{Class: "mpv", Title: "x"}) {
		t.Fatalf("expected class match")
	}
	if m.ShouldTag(state.Window{Class: "kitty", Title: "x"}) {
		t.Fatalf("unexpected match for kitty")
	}
}

func TestClassTitleRuleRequiresBothSides(t *testing.T) {
	cfg := bareConfig()
	cfg.ClassTitleRules = []config.ClassTitleRule{{ClassRegex: "^mpv$", TitleRegex: "Video"}}
	m := mustCompile(t, cfg)

	if got := m.Explain(state.Window{Class: "mpv", Title: "My Video"}); got != ReasonClassTitle {
		t.Fatalf("Explain = %q, want %q", got, ReasonClassTitle)
	}
	if m.ShouldTag(state.Window{Class: "mpv", Title: "Music"}) {
		t.Fatalf("title side should not match")
	}
	if m.ShouldTag(state.Window{Class: "vlc", Title: "My Video"}) {
		t.Fatalf("class side should not match")
	}
}

func TestStateShortcutsWinFirst(t *testing.T) {
	cfg := bareConfig()
	cfg.MinimizedIsOpaque = true
	cfg.UrgentIsOpaque = true
	cfg.FullscreenIsMedia = true
	cfg.Classes = []string{"mpv"}
	m := mustCompile(t, cfg)

	tests := []struct {
		name string
		win  state.Window
		want Reason
	}{
		{"minimized", state.Window{Class: "kitty", Minimized: true, Urgent: true}, ReasonMinimized},
		{"urgent", state.Window{Class: "kitty", Urgent: true, Fullscreen: true}, ReasonUrgent},
		{"fullscreen", state.Window{Class: "mpv", Fullscreen: true}, ReasonFullscreen},
		{"class", state.Window{Class: "mpv"}, ReasonClass},
		{"none", state.Window{Class: "kitty", Title: "zsh"}, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Explain(tt.win); got != tt.want {
				t.Fatalf("Explain = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShortcutsDisabled(t *testing.T) {
	m := mustCompile(t, bareConfig())
	if m.ShouldTag(state.Window{Class: "kitty", Minimized: true, Urgent: true, Fullscreen: true}) {
		t.Fatalf("shortcuts are disabled, expected no match")
	}
}

func TestCaseSensitivityIsGlobal(t *testing.T) {
	cfg := bareConfig()
	cfg.TitlePatterns = []string{"youtube"}
	if !mustCompile(t, cfg).ShouldTag(state.Window{Title: "YouTube - Firefox"}) {
		t.Fatalf("case-insensitive pattern should match")
	}

	cfg.CaseInsensitive = false
	if mustCompile(t, cfg).ShouldTag(state.Window{Title: "YouTube - Firefox"}) {
		t.Fatalf("case-sensitive pattern should not match")
	}
}

func TestLocalizedGroupsAreMerged(t *testing.T) {
	cfg := bareConfig()
	cfg.TitlePatternsLocalized = map[string][]string{
		"ru": {"Картинка в картинке"},
		"de": {"Bild im Bild", " "},
	}
	m := mustCompile(t, cfg)
	if !m.ShouldTag(state.Window{Title: "Картинка в картинке"}) {
		t.Fatalf("ru group should match")
	}
	if !m.ShouldTag(state.Window{Title: "Bild im Bild"}) {
		t.Fatalf("de group should match")
	}
	if m.ShouldTag(state.Window{Title: "de"}) {
		t.Fatalf("group names must not be matched")
	}
}

func TestInvalidPatternsAreDropped(t *testing.T) {
	cfg := bareConfig()
	cfg.Classes = []string{"mpv"}
	cfg.TitlePatterns = []string{"([bad", "Video"}
	cfg.ClassTitleRules = []config.ClassTitleRule{
		{ClassRegex: "firefox", TitleRegex: "(?<=x)"},
		{ClassRegex: "", TitleRegex: "ignored"},
	}
	m, err := Compile(cfg)
	if err == nil {
		t.Fatalf("expected warnings for bad patterns")
	}
	if m == nil {
		t.Fatalf("Compile must still return a matcher")
	}
	if m.InvalidPatterns() != 2 {
		t.Fatalf("InvalidPatterns = %d, want 2", m.InvalidPatterns())
	}
	if !m.ShouldTag(state.Window{Class: "kitty", Title: "A Video"}) {
		t.Fatalf("valid pattern should still be active")
	}
}

func TestDefaultsClassifyCommonMedia(t *testing.T) {
	m := mustCompile(t, config.Default())
	tests := []struct {
		win  state.Window
		want bool
	}{
		{state.Window{Class: "firefox", Title: "Lofi beats - YouTube — Mozilla Firefox"}, true},
		{state.Window{Class: "kitty", Title: "holiday.mp4 - mpv"}, true},
		{state.Window{Class: "kitty", Title: "Picture-in-Picture"}, true},
		{state.Window{Class: "kitty", Title: "nvim main.go"}, false},
		{state.Window{Class: "org.gnome.nautilus", Title: "Documents"}, false},
	}
	for _, tt := range tests {
		if got := m.ShouldTag(tt.win); got != tt.want {
			t.Fatalf("ShouldTag(%+v) = %v, want %v", tt.win, got, tt.want)
		}
	}
}

func TestShouldTagIsPure(t *testing.T) {
	m := mustCompile(t, config.Default())
	w := state.Window{Class: "mpv", Title: "x", Tags: state.NewTagSet("opaque")}
	first := m.ShouldTag(w)
	for i := 0; i < 3; i++ {
		if m.ShouldTag(w) != first {
			t.Fatalf("ShouldTag changed result on call %d", i)
		}
	}
	if !w.Tags.Has("opaque") {
		t.Fatalf("ShouldTag must not mutate the window")
	}
}
