package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestRunCheckSuccess(t *testing.T) {
	path := writeTempConfig(t, "tag: opaque\nclasses: [mpv, imv]\n")
	var stdout, stderr bytes.Buffer
	if err := runCheck(path, &stdout, &stderr); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "Configuration OK\n") {
		t.Fatalf("unexpected stdout: %q", out)
	}
	if !strings.Contains(out, "tag=opaque") || !strings.Contains(out, "classes=2") {
		t.Fatalf("expected summary and matcher stats, got %q", out)
	}
	if strings.TrimSpace(stderr.String()) != "" {
		t.Fatalf("expected no stderr, got %q", stderr.String())
	}
}

func TestRunCheckReportsAbsorbedProblems(t *testing.T) {
	path := writeTempConfig(t, `classes: ["mpv", " "]
title_patterns: ["(unclosed"]
socket_timeout_sec: 0
`)
	var stdout, stderr bytes.Buffer
	err := runCheck(path, &stdout, &stderr)
	if err == nil {
		t.Fatalf("expected error from runCheck")
	}
	if strings.TrimSpace(stdout.String()) != "" {
		t.Fatalf("expected no stdout, got %q", stdout.String())
	}
	out := stderr.String()
	if !strings.Contains(out, "Configuration has 3 issue(s):") {
		t.Fatalf("expected aggregated output, got %q", out)
	}
	for _, want := range []string{
		"classes: blank entry skipped",
		"socket_timeout_sec: value 0 fails gte=0.1",
		`bad title pattern "(unclosed" skipped`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestRunCheckInvalidTag(t *testing.T) {
	path := writeTempConfig(t, "tag: \"a,b\"\n")
	var stdout, stderr bytes.Buffer
	err := runCheck(path, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "invalid tag") {
		t.Fatalf("expected invalid tag error, got %v", err)
	}
}

func TestRunCheckMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	var stdout, stderr bytes.Buffer
	if err := runCheck(path, &stdout, &stderr); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
	if !strings.Contains(stderr.String(), "does not exist") {
		t.Fatalf("expected missing file notice, got %q", stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "Configuration OK") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}
