package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
)

// Matcher is the compiled, immutable form of the media rules in a Config.
type Matcher struct {
	classes         map[string]struct{}
	titles          []*regexp.Regexp
	classTitle      []classTitleRule
	fullscreen      bool
	minimized       bool
	urgent          bool
	invalidPatterns int
}

type classTitleRule struct {
	class *regexp.Regexp
	title *regexp.Regexp
}

// Compile builds a Matcher from cfg. It always returns a usable matcher; the
// error, when non-nil, lists the patterns that were skipped.
func Compile(cfg *config.Config) (*Matcher, error) {
	m := &Matcher{
		classes:    make(map[string]struct{}, len(cfg.Classes)),
		fullscreen: cfg.FullscreenIsMedia,
		minimized:  cfg.MinimizedIsOpaque,
		urgent:     cfg.UrgentIsOpaque,
	}
	var errs *multierror.Error

	for _, class := range cfg.Classes {
		class = strings.ToLower(strings.TrimSpace(class))
		if class == "" {
			continue
		}
		m.classes[class] = struct{}{}
	}

	compile := func(pattern string) (*regexp.Regexp, error) {
		if cfg.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		return regexp.Compile(pattern)
	}

	addTitles := func(source string, patterns []string) {
		for _, pattern := range patterns {
			if strings.TrimSpace(pattern) == "" {
				continue
			}
			re, err := compile(pattern)
			if err != nil {
				m.invalidPatterns++
				errs = multierror.Append(errs, fmt.Errorf("%s: bad title pattern %q skipped: %w", source, pattern, err))
				continue
			}
			m.titles = append(m.titles, re)
		}
	}
	addTitles("title_patterns", cfg.TitlePatterns)
	groups := make([]string, 0, len(cfg.TitlePatternsLocalized))
	for group := range cfg.TitlePatternsLocalized {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	for _, group := range groups {
		addTitles("title_patterns_localized."+group, cfg.TitlePatternsLocalized[group])
	}

	for i, rule := range cfg.ClassTitleRules {
		if strings.TrimSpace(rule.ClassRegex) == "" || strings.TrimSpace(rule.TitleRegex) == "" {
			continue
		}
		classRe, err := compile(rule.ClassRegex)
		if err == nil {
			var titleRe *regexp.Regexp
			titleRe, err = compile(rule.TitleRegex)
			if err == nil {
				m.classTitle = append(m.classTitle, classTitleRule{class: classRe, title: titleRe})
				continue
			}
		}
		m.invalidPatterns++
		errs = multierror.Append(errs, fmt.Errorf("class_title_rules[%d]: rule skipped: %w", i, err))
	}

	return m, errs.ErrorOrNil()
}

// InvalidPatterns reports how many patterns were dropped during Compile.
func (m *Matcher) InvalidPatterns() int {
	if m == nil {
		return 0
	}
	return m.invalidPatterns
}

// Stats summarises the compiled rule counts for logging.
func (m *Matcher) Stats() string {
	if m == nil {
		return "no matcher"
	}
	return fmt.Sprintf("classes=%d title_patterns=%d class_title_rules=%d", len(m.classes), len(m.titles), len(m.classTitle))
}
