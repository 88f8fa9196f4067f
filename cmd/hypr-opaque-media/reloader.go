package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

// configReloader reads the configuration file on behalf of the session
// supervisor. A rejected file leaves the last valid configuration active.
type configReloader struct {
	path      string
	logger    *util.Logger
	collector *metrics.Collector
	sink      metrics.Sink
	overrides overrides

	lastConfig     *config.Config
	lastSerialized []byte
	lastModTime    time.Time
}

func newConfigReloader(path string, logger *util.Logger, collector *metrics.Collector, sink metrics.Sink, o overrides, cfg *config.Config, serialized []byte, modTime time.Time) *configReloader {
	if sink == nil {
		sink = metrics.Discard
	}
	return &configReloader{
		path:           path,
		logger:         logger,
		collector:      collector,
		sink:           sink,
		overrides:      o,
		lastConfig:     cfg,
		lastSerialized: append([]byte(nil), serialized...),
		lastModTime:    modTime,
	}
}

// Changed reports whether the file modification time moved since the last
// load attempt. A deleted file counts as a change.
func (r *configReloader) Changed() bool {
	current := config.ModTime(r.path)
	if current.Equal(r.lastModTime) {
		return false
	}
	r.logger.Debugf("config changed (mtime %s -> %s)", formatModTime(r.lastModTime), formatModTime(current))
	return true
}

func formatModTime(t time.Time) string {
	if t.IsZero() {
		return "missing"
	}
	return t.Format(time.RFC3339Nano)
}

// Load reads and compiles the configuration file. A missing file yields the
// defaults.
func (r *configReloader) Load(_ context.Context, reason string) (*engine.Ruleset, error) {
	r.logger.Infof("%s, reloading config", reason)
	r.lastModTime = config.ModTime(r.path)
	raw, err := readConfigFile(r.path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		r.logDiff(raw)
		return nil, err
	}
	r.overrides.apply(cfg)
	logWarnings(r.logger, cfg)
	if r.collector != nil {
		if r.collector.Enabled() != cfg.EnableMetrics {
			r.collector.SetEnabled(cfg.EnableMetrics)
		} else {
			r.collector.Reset(metrics.ConfigReloads)
		}
		r.logger.Debugf("metrics reset on config reload (enabled=%t)", cfg.EnableMetrics)
	}

	rs, err := compileRuleset(cfg, r.logger, r.sink)
	if err != nil {
		return nil, err
	}
	if changes := config.Changes(r.lastConfig, cfg); changes != "" {
		r.logger.Debugf("config changes (-old +new):\n%s", changes)
	}
	r.logger.SetLevel(util.ParseLogLevel(cfg.LogLevel))

	r.lastConfig = cfg
	r.lastSerialized = append([]byte(nil), raw...)
	return rs, nil
}

func (r *configReloader) logDiff(current []byte) {
	diff := config.DiffSerialized(r.lastSerialized, current)
	if diff == "" {
		r.logger.Warnf("config change rejected; unable to compute diff vs last valid config")
		return
	}
	r.logger.Warnf("config change rejected; diff vs last valid config:\n%s", diff)
}

// readConfigFile returns the file contents, or nil when it does not exist.
func readConfigFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return raw, nil
}

// loadStartupConfig reads the configuration for a fresh daemon. A file that
// cannot be read or decoded is returned as rejected and the defaults are used
// instead; only an invalid tag is fatal. raw is returned even when rejected so
// the reloader can diff later edits against it.
func loadStartupConfig(path string) (cfg *config.Config, raw []byte, rejected error, err error) {
	raw, rejected = readConfigFile(path)
	if rejected == nil {
		cfg, rejected = config.Parse(raw)
	}
	if errors.Is(rejected, config.ErrInvalidTag) {
		return nil, nil, nil, fmt.Errorf("load config %s: %w", path, rejected)
	}
	if rejected != nil {
		if cfg, err = config.Parse(nil); err != nil {
			return nil, nil, nil, err
		}
		return cfg, raw, rejected, nil
	}
	return cfg, raw, nil, nil
}

// compileRuleset builds the matcher for cfg. Skipped patterns are logged and
// counted; they never fail the load.
func compileRuleset(cfg *config.Config, logger *util.Logger, sink metrics.Sink) (*engine.Ruleset, error) {
	rs, err := engine.NewRuleset(cfg)
	if rs == nil || rs.Matcher == nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	if err != nil {
		logger.Warnf("some patterns were skipped: %v", err)
	}
	if n := rs.Matcher.InvalidPatterns(); n > 0 {
		sink.Add(metrics.InvalidRegexPatterns, uint64(n))
	}
	return rs, nil
}

func logWarnings(logger *util.Logger, cfg *config.Config) {
	for _, w := range cfg.Warnings {
		logger.Warnf("config: %s", w)
	}
}
