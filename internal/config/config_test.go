package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestYAML(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test yaml: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_SE_KEY", "app-key")
	t.Setenv("TEST_SE_TOKEN", "user-token")

	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  site: stackoverflow
  tagged: "go;testing"
  page_size: 50
  tag: weekly
  key_env: TEST_SE_KEY
  access_token_env: TEST_SE_TOKEN
archive:
  root: /tmp/stacktap-archives
http:
  timeout: 10s
  retries: 5
  user_agent: "stacktap-test/0.1"
  insecure_skip_verify: true
output:
  path: questions.jsonl
  format: json
log:
  level: debug
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Source
	if cfg.Source.Site != "stackoverflow" {
		t.Errorf("site = %q, want stackoverflow", cfg.Source.Site)
	}
	if cfg.Source.Tagged != "go;testing" {
		t.Errorf("tagged = %q", cfg.Source.Tagged)
	}
	if cfg.Source.PageSize != 50 {
		t.Errorf("page_size = %d, want 50", cfg.Source.PageSize)
	}
	if cfg.Source.Tag != "weekly" {
		t.Errorf("tag = %q, want weekly", cfg.Source.Tag)
	}
	if cfg.Source.Key != "app-key" {
		t.Errorf("key = %q, want app-key", cfg.Source.Key)
	}
	if cfg.Source.AccessToken != "user-token" {
		t.Errorf("access_token = %q, want user-token", cfg.Source.AccessToken)
	}

	// Archive
	if cfg.Archive.Root != "/tmp/stacktap-archives" {
		t.Errorf("archive.root = %q", cfg.Archive.Root)
	}

	// HTTP
	if cfg.HTTP.Timeout.Duration != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", cfg.HTTP.Timeout.Duration)
	}
	if cfg.HTTP.Retries != 5 {
		t.Errorf("retries = %d, want 5", cfg.HTTP.Retries)
	}
	if cfg.HTTP.UserAgent != "stacktap-test/0.1" {
		t.Errorf("user_agent = %q", cfg.HTTP.UserAgent)
	}
	if !cfg.HTTP.InsecureSkipVerify {
		t.Error("insecure_skip_verify = false, want true")
	}

	// Output
	if cfg.Output.Path != "questions.jsonl" {
		t.Errorf("output.path = %q", cfg.Output.Path)
	}
	if cfg.Output.Format != "json" {
		t.Errorf("output.format = %q, want json", cfg.Output.Format)
	}

	// Log
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  site: stackoverflow
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Source.PageSize != DefaultPageSize {
		t.Errorf("page_size = %d, want %d", cfg.Source.PageSize, DefaultPageSize)
	}
	if cfg.Archive.Root != DefaultArchiveRoot {
		t.Errorf("archive.root = %q, want %q", cfg.Archive.Root, DefaultArchiveRoot)
	}
	if cfg.HTTP.Timeout.Duration != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", cfg.HTTP.Timeout.Duration, DefaultTimeout)
	}
	if cfg.HTTP.Retries != DefaultRetries {
		t.Errorf("retries = %d, want %d", cfg.HTTP.Retries, DefaultRetries)
	}
	if cfg.Output.Path != DefaultOutputPath {
		t.Errorf("output.path = %q, want %q", cfg.Output.Path, DefaultOutputPath)
	}
	if cfg.Output.Format != DefaultFormat {
		t.Errorf("output.format = %q, want %q", cfg.Output.Format, DefaultFormat)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("log.level = %q, want %q", cfg.Log.Level, DefaultLogLevel)
	}
}

func TestLoad_MissingSite(t *testing.T) {
	dir := t.TempDir()
	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  tagged: go
`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for missing site")
	}
	if want := "source.site"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func TestLoad_PageSizeOutOfRange(t *testing.T) {
	for _, size := range []int{-1, 101, 500} {
		dir := t.TempDir()
		writeTestYAML(t, dir, DefaultConfigFile, fmt.Sprintf(`
source:
  site: stackoverflow
  page_size: %d
`, size))

		_, err := Load(dir)
		if err == nil {
			t.Fatalf("page_size %d: expected error", size)
		}
		if want := "source.page_size"; !strings.Contains(err.Error(), want) {
			t.Errorf("page_size %d: error = %q, want containing %q", size, err, want)
		}
	}
}

func TestLoad_TokenWithoutKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_SE_TOKEN_ONLY", "user-token")
	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  site: stackoverflow
  access_token_env: TEST_SE_TOKEN_ONLY
`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for access token without key")
	}
	if want := "no application key"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func TestLoad_TokenEnvUnset(t *testing.T) {
	// An access_token_env naming an unset variable resolves to no token
	// at all, which is fine without a key.
	dir := t.TempDir()
	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  site: stackoverflow
  access_token_env: STACKTAP_UNSET_VAR_12345
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source.AccessToken != "" {
		t.Errorf("access_token = %q, want empty", cfg.Source.AccessToken)
	}
}

func TestLoad_InvalidFormat(t *testing.T) {
	dir := t.TempDir()
	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  site: stackoverflow
output:
  format: xml
`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if want := "unknown format"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  site: stackoverflow
log:
  level: loud
`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if want := "unknown level"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func TestLoad_InvalidRetries(t *testing.T) {
	dir := t.TempDir()
	writeTestYAML(t, dir, DefaultConfigFile, `
source:
  site: stackoverflow
http:
  retries: -2
`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for negative retries")
	}
	if want := "http.retries"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if want := "read config"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeTestYAML(t, dir, DefaultConfigFile, `{{{invalid`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for malformed yaml")
	}
	if want := "parse config"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func TestLoad_EmptyDir(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty dir")
	}
	if want := "config dir is required"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}
