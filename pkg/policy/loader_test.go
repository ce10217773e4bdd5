package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const docsOverride = `# Naming conflicts in docs are cosmetic
package specflow.overrides

import rego.v1

decision := {"severity": "low", "rule": "docs-naming"} if {
	input.category == "naming-conflict"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func load(t *testing.T, loader *Loader, paths ...string) []Policy {
	t.Helper()
	policies, err := loader.Load(context.Background(), paths)
	if err != nil {
		t.Fatalf("Failed to load overrides: %v", err)
	}
	return policies
}

func TestLoad_RegoFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "docs-naming.rego")
	writeFile(t, path, docsOverride)

	policies := load(t, loader, path)
	if len(policies) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "docs-naming" {
		t.Errorf("Expected name 'docs-naming', got '%s'", p.Name)
	}
	if p.Rego != docsOverride {
		t.Error("Rego content doesn't match")
	}
	if p.Description != "Naming conflicts in docs are cosmetic" {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if p.Metadata["package"] != OverridePackage || p.Metadata["source"] != path {
		t.Errorf("Unexpected metadata %v", p.Metadata)
	}
	if !p.Enabled || p.Builtin {
		t.Error("Overrides should be enabled and not built in")
	}
}

func TestLoad_RejectsForeignPackages(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"stock table", "package specflow.drift\n\nimport rego.v1\n"},
		{"unrelated", "package p1\n"},
		{"prefix lookalike", "package specflow.overridesx\n"},
		{"syntax error", "package specflow.overrides\n\ndecision := {\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rule.rego")
			writeFile(t, path, tt.source)
			if _, err := NewLoader(zerolog.Nop()).Load(context.Background(), []string{path}); err == nil {
				t.Error("Expected the module to be rejected")
			}
		})
	}
}

func TestLoad_RuleFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.json"), `{
		"name": "quiet-docs",
		"description": "Silence docs drift",
		"rego": "package specflow.overrides.docs\n",
		"tags": ["docs"]
	}`)
	writeFile(t, filepath.Join(dir, "b.json"), `{
		"name": "parked",
		"rego": "package specflow.overrides.parked\n",
		"enabled": false
	}`)

	policies := load(t, loader, dir)
	if len(policies) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(policies))
	}
	if p := policies[0]; p.Name != "quiet-docs" || !p.Enabled || p.Description != "Silence docs drift" || len(p.Tags) != 1 {
		t.Errorf("Unexpected rule %+v", p)
	}
	if p := policies[1]; p.Name != "parked" || p.Enabled {
		t.Errorf("Expected a disabled rule, got %+v", p)
	}
	if policies[0].CreatedAt.IsZero() {
		t.Error("Expected the file time to be recorded")
	}
}

func TestLoad_InvalidRuleFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "invalid json"},
		{"missing rego", `{"name": "empty"}`},
		{"missing name", `{"rego": "package specflow.overrides\n"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rule.json")
			writeFile(t, path, tt.content)
			if _, err := NewLoader(zerolog.Nop()).Load(context.Background(), []string{path}); err == nil {
				t.Error("Expected the rule file to be rejected")
			}
		})
	}
}

func TestLoad_DirectoryTree(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	sub := filepath.Join(dir, "team")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(dir, "one.rego"), "package specflow.overrides.one\n")
	writeFile(t, filepath.Join(sub, "two.rego"), "package specflow.overrides.two\n")
	writeFile(t, filepath.Join(dir, "README.md"), "# ignored")

	policies := load(t, loader, dir)
	if len(policies) != 2 {
		t.Fatalf("Expected 2 rules including the subdirectory, got %d", len(policies))
	}
}

func TestLoad_OneBadFileFailsTheSet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.rego"), docsOverride)
	writeFile(t, filepath.Join(dir, "bad.rego"), "package specflow.overrides\n\ndecision := {\n")

	_, err := NewLoader(zerolog.Nop()).Load(context.Background(), []string{dir})
	if err == nil || !strings.Contains(err.Error(), "bad.rego") {
		t.Errorf("Expected the bad file to be named, got %v", err)
	}
}

func TestLoad_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "docs.rego"), "package specflow.overrides.a\n")
	writeFile(t, filepath.Join(dir, "docs.json"), `{"name": "docs", "rego": "package specflow.overrides.b\n"}`)

	if _, err := NewLoader(zerolog.Nop()).Load(context.Background(), []string{dir}); err == nil {
		t.Error("Expected duplicate rule names to be rejected")
	}
}

func TestLoad_MissingPath(t *testing.T) {
	if _, err := NewLoader(zerolog.Nop()).Load(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoad_CacheFollowsFileChanges(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "rule.rego")
	writeFile(t, path, "# first\npackage specflow.overrides\n")

	if got := load(t, loader, path)[0].Description; got != "first" {
		t.Fatalf("Expected 'first', got %q", got)
	}

	writeFile(t, path, "# second version\npackage specflow.overrides\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if got := load(t, loader, path)[0].Description; got != "second version" {
		t.Errorf("Expected the changed file to be re-read, got %q", got)
	}

	loader.forget(path)
	if len(loader.cache) != 0 {
		t.Errorf("Expected empty cache after forget, got %d entries", len(loader.cache))
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"single line", "# This is a test policy\npackage test", "This is a test policy"},
		{"multi line", "# This is a test policy\n# that spans multiple lines\npackage test", "This is a test policy that spans multiple lines"},
		{"none", "package test\n", ""},
		{"blank comment lines", "# First line\n#\n# Second line\npackage test", "First line Second line"},
		{"stops at first statement", "# Head\npackage test\n# trailing", "Head"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leadingComment(tt.content); got != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestWatch_SingleFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	path := filepath.Join(dir, "rule.rego")
	writeFile(t, path, "package specflow.overrides\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	if err := loader.Watch(ctx, []string{path}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// A sibling that is not watched does not trigger a reload.
	writeFile(t, filepath.Join(dir, "other.rego"), "package specflow.overrides.other\n")
	select {
	case <-reloaded:
		t.Fatal("Unexpected reload for an unwatched file")
	case <-time.After(4 * reloadDelay):
	}

	writeFile(t, path, "# changed\npackage specflow.overrides\n")
	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Description != "changed" {
			t.Errorf("Unexpected reload %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Change was not picked up")
	}
}
