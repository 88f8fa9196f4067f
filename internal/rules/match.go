package rules

import (
	"strings"

	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
)

// Reason names the criterion that classified a window as media.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonMinimized  Reason = "minimized"
	ReasonUrgent     Reason = "urgent"
	ReasonFullscreen Reason = "fullscreen"
	ReasonClass      Reason = "class"
	ReasonClassTitle Reason = "class+title"
	ReasonTitle      Reason = "title"
)

// ShouldTag reports whether w should carry the tag.
func (m *Matcher) ShouldTag(w state.Window) bool {
	return m.Explain(w) != ReasonNone
}

// Explain evaluates the rules in order and returns the first criterion that
// matched, or ReasonNone.
func (m *Matcher) Explain(w state.Window) Reason {
	if m == nil {
		return ReasonNone
	}
	if m.minimized && w.Minimized {
		return ReasonMinimized
	}
	if m.urgent && w.Urgent {
		return ReasonUrgent
	}
	if m.fullscreen && w.Fullscreen {
		return ReasonFullscreen
	}
	class := strings.ToLower(w.Class)
	if _, ok := m.classes[class]; ok {
		return ReasonClass
	}
	for _, rule := range m.classTitle {
		if rule.class.MatchString(class) && rule.title.MatchString(w.Title) {
			return ReasonClassTitle
		}
	}
	for _, re := range m.titles {
		if re.MatchString(w.Title) {
			return ReasonTitle
		}
	}
	return ReasonNone
}
