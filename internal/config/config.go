package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTag reports a tag name the daemon cannot safely dispatch.
var ErrInvalidTag = errors.New("invalid tag")

const maxMetricsLogEvery = 1_000_000

// ClassTitleRule pairs a class pattern with a title pattern; both must match.
type ClassTitleRule struct {
	ClassRegex string `yaml:"class_regex"`
	TitleRegex string `yaml:"title_regex"`
}

// Config is the validated daemon configuration.
type Config struct {
	Tag                    string              `yaml:"tag" validate:"required,excludesall=0x2C"`
	FullscreenIsMedia      bool                `yaml:"fullscreen_is_media"`
	MinimizedIsOpaque      bool                `yaml:"minimized_is_opaque"`
	UrgentIsOpaque         bool                `yaml:"urgent_is_opaque"`
	CaseInsensitive        bool                `yaml:"case_insensitive"`
	Classes                []string            `yaml:"classes"`
	TitlePatterns          []string            `yaml:"title_patterns"`
	ClassTitleRules        []ClassTitleRule    `yaml:"class_title_rules"`
	TitlePatternsLocalized map[string][]string `yaml:"title_patterns_localized"`

	ConfigPollIntervalSec  float64 `yaml:"config_poll_interval_sec" validate:"gte=0.1"`
	SocketTimeoutSec       float64 `yaml:"socket_timeout_sec" validate:"gte=0.1"`
	UseWatchdog            bool    `yaml:"use_watchdog"`
	NotifyOnErrors         bool    `yaml:"notify_on_errors"`
	LogLevel               string  `yaml:"log_level"`
	LogFormat              string  `yaml:"log_format" validate:"oneof=console json"`
	SafeCloseCheck         bool    `yaml:"safe_close_check"`
	SafeCloseCheckDelaySec float64 `yaml:"safe_close_check_delay_sec" validate:"gte=0.01"`
	MaxReconnectAttempts   int     `yaml:"max_reconnect_attempts" validate:"gte=0"`

	EnableMetrics   bool   `yaml:"enable_metrics"`
	MetricsLogEvery int    `yaml:"metrics_log_every" validate:"gte=1"`
	MetricsListen   string `yaml:"metrics_listen"`

	CacheCleanIntervalSec float64 `yaml:"cache_clean_interval_sec" validate:"gte=1"`
	HeartbeatIntervalSec  float64 `yaml:"heartbeat_interval_sec" validate:"gte=1"`
	BufferLogIntervalSec  float64 `yaml:"buffer_log_interval_sec" validate:"gte=1"`
	MaxBufferSizeBytes    int     `yaml:"max_buffer_size_bytes" validate:"gte=4096"`
	SocketBufferSizeBytes int     `yaml:"socket_buffer_size_bytes" validate:"gte=1024"`

	LogFile             string `yaml:"log_file"`
	MaxLogFileSizeBytes int    `yaml:"max_log_file_size_bytes" validate:"gte=1024"`
	MaxLogRotations     int    `yaml:"max_log_rotations" validate:"gte=1"`

	Dispatch      string `yaml:"dispatch" validate:"oneof=socket hyprctl"`
	ControlSocket bool   `yaml:"control_socket"`

	// Warnings lists problems that were absorbed while loading.
	Warnings []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tag:               "opaque",
		FullscreenIsMedia: true,
		MinimizedIsOpaque: true,
		UrgentIsOpaque:    true,
		CaseInsensitive:   true,
		Classes: []string{
			"mpv",
			"vlc",
			"celluloid",
			"io.github.celluloid_player.Celluloid",
			"imv",
			"swayimg",
			"nsxiv",
			"feh",
			"loupe",
			"gwenview",
			"ristretto",
			"eog",
			"eom",
		},
		TitlePatterns: []string{
			`(Picture[- ]in[- ]Picture|Картинка в картинке)`,
			`\.(mp4|mkv|webm|avi|mov|png|jpe?g|webp|gif|bmp|svg|tiff)(\)|$| |·|—)`,
		},
		ClassTitleRules: []ClassTitleRule{
			{ClassRegex: `(^|\b)(firefox)(\b|$)`, TitleRegex: `(YouTube|Twitch|Vimeo)`},
			{ClassRegex: `(chromium|google-?chrome|brave|vivaldi|microsoft-edge)`, TitleRegex: `(YouTube|Twitch|Vimeo)`},
		},
		TitlePatternsLocalized: map[string][]string{},
		ConfigPollIntervalSec:  8.0,
		SocketTimeoutSec:       1.0,
		LogLevel:               "info",
		LogFormat:              "console",
		SafeCloseCheckDelaySec: 0.1,
		MetricsLogEvery:        1000,
		CacheCleanIntervalSec:  300.0,
		HeartbeatIntervalSec:   600.0,
		BufferLogIntervalSec:   600.0,
		MaxBufferSizeBytes:     1048576,
		SocketBufferSizeBytes:  4096,
		MaxLogFileSizeBytes:    1048576,
		MaxLogRotations:        5,
		Dispatch:               "socket",
		ControlSocket:          true,
	}
}

// DefaultPath returns the configuration file location, honouring HYPRO_CONFIG.
func DefaultPath() string {
	if env := os.Getenv("HYPRO_CONFIG"); env != "" {
		return expandHome(env)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "hypr-opaque-media.json")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// UnmarshalYAML decodes known keys one by one so a single malformed value
// falls back to its default instead of rejecting the whole document.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.DocumentNode && len(value.Content) == 1 {
		value = value.Content[0]
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("config root must be a mapping")
	}
	fields := c.fieldTable()
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		target, ok := fields[key]
		if !ok {
			c.Warnings = append(c.Warnings, fmt.Sprintf("unknown key %q ignored", key))
			continue
		}
		if err := decodeField(value.Content[i+1], target); err != nil {
			c.Warnings = append(c.Warnings, fmt.Sprintf("%s: %v; using default", key, err))
		}
	}
	return nil
}

// decodeField decodes node into target, leaving target untouched on failure.
func decodeField(node *yaml.Node, target any) error {
	if node.Tag == "!!null" {
		return nil
	}
	ptr := reflect.ValueOf(target)
	scratch := reflect.New(ptr.Elem().Type())
	if err := node.Decode(scratch.Interface()); err != nil {
		return err
	}
	ptr.Elem().Set(scratch.Elem())
	return nil
}

func (c *Config) fieldTable() map[string]any {
	return map[string]any{
		"tag":                        &c.Tag,
		"fullscreen_is_media":        &c.FullscreenIsMedia,
		"minimized_is_opaque":        &c.MinimizedIsOpaque,
		"urgent_is_opaque":           &c.UrgentIsOpaque,
		"case_insensitive":           &c.CaseInsensitive,
		"classes":                    &c.Classes,
		"title_patterns":             &c.TitlePatterns,
		"class_title_rules":          &c.ClassTitleRules,
		"title_patterns_localized":   &c.TitlePatternsLocalized,
		"config_poll_interval_sec":   &c.ConfigPollIntervalSec,
		"socket_timeout_sec":         &c.SocketTimeoutSec,
		"use_watchdog":               &c.UseWatchdog,
		"notify_on_errors":           &c.NotifyOnErrors,
		"log_level":                  &c.LogLevel,
		"log_format":                 &c.LogFormat,
		"safe_close_check":           &c.SafeCloseCheck,
		"safe_close_check_delay_sec": &c.SafeCloseCheckDelaySec,
		"max_reconnect_attempts":     &c.MaxReconnectAttempts,
		"enable_metrics":             &c.EnableMetrics,
		"metrics_log_every":          &c.MetricsLogEvery,
		"metrics_listen":             &c.MetricsListen,
		"cache_clean_interval_sec":   &c.CacheCleanIntervalSec,
		"heartbeat_interval_sec":     &c.HeartbeatIntervalSec,
		"buffer_log_interval_sec":    &c.BufferLogIntervalSec,
		"max_buffer_size_bytes":      &c.MaxBufferSizeBytes,
		"socket_buffer_size_bytes":   &c.SocketBufferSizeBytes,
		"log_file":                   &c.LogFile,
		"max_log_file_size_bytes":    &c.MaxLogFileSizeBytes,
		"max_log_rotations":          &c.MaxLogRotations,
		"dispatch":                   &c.Dispatch,
		"control_socket":             &c.ControlSocket,
	}
}

// Parse decodes a JSON or YAML document on top of the defaults and applies
// the validation policy. Only an unusable tag is reported as an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 {
		doc, err := normalizeDocument(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if err := yaml.Unmarshal(doc, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.sanitize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeDocument re-encodes JSON documents as YAML so that tab-indented
// JSON files decode the same way as YAML ones.
func normalizeDocument(data []byte) ([]byte, error) {
	if data[0] != '{' {
		return data, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

// Load reads path and parses it. A missing file yields the defaults; the
// returned modification time is zero in that case.
func Load(path string) (*Config, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg, perr := Parse(nil)
			return cfg, time.Time{}, perr
		}
		return nil, time.Time{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, time.Time{}, err
	}
	return cfg, ModTime(path), nil
}

// ModTime returns the file modification time, or zero when it cannot be read.
func ModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) sanitize() error {
	c.Tag = strings.TrimSpace(c.Tag)
	c.Classes = nonBlank(c.Classes, &c.Warnings, "classes")
	c.TitlePatterns = nonBlank(c.TitlePatterns, &c.Warnings, "title_patterns")
	for group, patterns := range c.TitlePatternsLocalized {
		c.TitlePatternsLocalized[group] = nonBlank(patterns, nil, "")
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Dispatch = strings.ToLower(strings.TrimSpace(c.Dispatch))

	if c.MetricsLogEvery > maxMetricsLogEvery {
		c.MetricsLogEvery = maxMetricsLogEvery
	}

	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	defaults := reflect.ValueOf(Default()).Elem()
	current := reflect.ValueOf(c).Elem()
	for _, fe := range verrs {
		name := fe.StructField()
		if name == "Tag" {
			return fmt.Errorf("%w %q: tag must be non-empty and must not contain commas", ErrInvalidTag, c.Tag)
		}
		field := current.FieldByName(name)
		if !field.IsValid() || !field.CanSet() {
			continue
		}
		def := defaults.FieldByName(name)
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s: value %v fails %s=%s; using default %v", yamlName(name), field.Interface(), fe.Tag(), fe.Param(), def.Interface()))
		field.Set(def)
	}
	return nil
}

func yamlName(field string) string {
	f, ok := reflect.TypeOf(Config{}).FieldByName(field)
	if !ok {
		return field
	}
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	return name
}

func nonBlank(items []string, warnings *[]string, key string) []string {
	out := items[:0:0]
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			if warnings != nil {
				*warnings = append(*warnings, fmt.Sprintf("%s: blank entry skipped", key))
			}
			continue
		}
		out = append(out, item)
	}
	return out
}

// WarningsError folds the load warnings into a single error, or nil.
func (c *Config) WarningsError() error {
	var result *multierror.Error
	for _, w := range c.Warnings {
		result = multierror.Append(result, errors.New(w))
	}
	return result.ErrorOrNil()
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c *Config) PollInterval() time.Duration       { return seconds(c.ConfigPollIntervalSec) }
func (c *Config) SocketTimeout() time.Duration      { return seconds(c.SocketTimeoutSec) }
func (c *Config) SafeCloseDelay() time.Duration     { return seconds(c.SafeCloseCheckDelaySec) }
func (c *Config) CacheCleanInterval() time.Duration { return seconds(c.CacheCleanIntervalSec) }
func (c *Config) HeartbeatInterval() time.Duration  { return seconds(c.HeartbeatIntervalSec) }
func (c *Config) BufferLogInterval() time.Duration  { return seconds(c.BufferLogIntervalSec) }

// Summary renders the effective settings as a single log line.
func (c *Config) Summary() string {
	logFile := c.LogFile
	if logFile == "" {
		logFile = "stdout"
	}
	metricsState := "off"
	if c.EnableMetrics {
		metricsState = "on"
	}
	return fmt.Sprintf("tag=%s poll=%gs watchdog=%t log=%s safe_close=%t/%gs max_reconnect=%d "+
		"metrics=%s/%d cache_clean=%gs heartbeat=%gs buffer_log=%gs max_buf=%dB recv_buf=%dB "+
		"log_file=%s max_log=%dB rotations=%d min_opaque=%t urgent_opaque=%t dispatch=%s",
		c.Tag, c.ConfigPollIntervalSec, c.UseWatchdog, c.LogLevel, c.SafeCloseCheck, c.SafeCloseCheckDelaySec,
		c.MaxReconnectAttempts, metricsState, c.MetricsLogEvery, c.CacheCleanIntervalSec, c.HeartbeatIntervalSec,
		c.BufferLogIntervalSec, c.MaxBufferSizeBytes, c.SocketBufferSizeBytes, logFile, c.MaxLogFileSizeBytes,
		c.MaxLogRotations, c.MinimizedIsOpaque, c.UrgentIsOpaque, c.Dispatch)
}
