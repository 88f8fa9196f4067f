package config

import (
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// DiffSerialized returns a unified diff between two serialized configuration payloads.
func DiffSerialized(previous, current []byte) string {
	prevLines := splitLines(previous)
	currLines := splitLines(current)
	if diff := cmp.Diff(prevLines, currLines); diff != "" {
		return diff
	}
	return ""
}

// Changes describes how current differs from previous, ignoring load
// warnings. An empty string means the two are equivalent.
func Changes(previous, current *Config) string {
	if previous == nil || current == nil {
		return ""
	}
	return cmp.Diff(previous, current,
		cmpopts.IgnoreFields(Config{}, "Warnings"),
		cmpopts.EquateEmpty(),
	)
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{""}
	}
	return strings.Split(text, "\n")
}
