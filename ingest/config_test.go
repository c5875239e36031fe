package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
interval: 2h
cooldown: 30s
min_content_length: 80
keyword_threshold: 0.4
keywords:
  transparency: 1.0
  audit: 0.6
knowledge_gaps: [model cards]
max_workers: 2
retry:
  max_retries: 2
  base_delay: 500ms
  max_delay: 5s
breaker:
  threshold: 3
  reset_timeout: 5m
fetch:
  timeout: 10s
  user_agent: test-agent
buffer_dir: /tmp/savoir-buffer
sources:
  - id: policy-news
    type: feed
    endpoint: https://news.example.org/feed.xml
    fallbacks: [https://mirror.example.org/feed.xml]
  - id: papers
    type: arxiv
    query: all:interpretability
    max_results: 40
    options:
      full_text: true
  - id: registry
    type: jsonapi
    endpoint: https://api.example.org/search
    rate_limit: 2s
    retry:
      max_retries: 0
    options:
      result_path: data.items
  - id: old
    type: wiki
    enabled: false
    endpoint: https://en.wikipedia.org/wiki
`

func TestParseConfig(t *testing.T) {
	// WHAT: A full YAML file decodes with durations, overrides and defaults.
	// WHY: The config file is the only way operators tune the pipeline.
	cfg, err := ParseConfig(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Interval != 2*time.Hour || cfg.Cooldown != 30*time.Second {
		t.Errorf("interval/cooldown: %v %v", cfg.Interval, cfg.Cooldown)
	}
	if *cfg.MinContentLength != 80 || *cfg.KeywordThreshold != 0.4 {
		t.Errorf("filters: %d %v", *cfg.MinContentLength, *cfg.KeywordThreshold)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry: %+v", cfg.Retry)
	}
	if cfg.Breaker.Threshold != 3 || cfg.Breaker.ResetTimeout != 5*time.Minute {
		t.Errorf("breaker: %+v", cfg.Breaker)
	}
	if cfg.Fetch.MaxBytes != 10*1024*1024 {
		t.Errorf("fetch max bytes default: %d", cfg.Fetch.MaxBytes)
	}
	if len(cfg.Sources) != 4 {
		t.Fatalf("sources: %d", len(cfg.Sources))
	}

	feed, arxiv, api, wiki := cfg.Sources[0], cfg.Sources[1], cfg.Sources[2], cfg.Sources[3]
	if !*feed.RecoverMarkup || !*arxiv.RecoverMarkup || *api.RecoverMarkup {
		t.Error("recover_markup should default on for feed and arxiv only")
	}
	if arxiv.Endpoint == "" || arxiv.RateLimit != 3*time.Second {
		t.Errorf("arxiv defaults: %q %v", arxiv.Endpoint, arxiv.RateLimit)
	}
	if arxiv.Options["full_text"] != true {
		t.Errorf("arxiv options: %v", arxiv.Options)
	}
	if api.Retry == nil || api.Retry.MaxRetries != 0 {
		t.Errorf("per-source retry override: %+v", api.Retry)
	}
	if wiki.IsEnabled() || !feed.IsEnabled() {
		t.Error("enabled flags not honored")
	}
}

func TestParseConfig_Empty(t *testing.T) {
	// WHAT: An empty document yields the defaults.
	cfg, err := ParseConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Interval != 6*time.Hour || *cfg.MinContentLength != 100 || *cfg.KeywordThreshold != 0.3 {
		t.Errorf("defaults: %+v", cfg)
	}
}

func TestParseConfig_ExplicitZeroFilters(t *testing.T) {
	// WHAT: An explicit 0 is kept rather than replaced by the default.
	// WHY: Operators turn the length and score filters off this way.
	cfg, err := ParseConfig(strings.NewReader("min_content_length: 0\nkeyword_threshold: 0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *cfg.MinContentLength != 0 || *cfg.KeywordThreshold != 0 {
		t.Fatalf("filters = %d %v, want 0 0", *cfg.MinContentLength, *cfg.KeywordThreshold)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	// WHAT: Every problem of a bad file is reported at once.
	// WHY: Operators fix configs in one pass, not one error per restart.
	bad := `
sources:
  - id: a
    type: feed
    endpoint: ftp://example.org/feed
  - id: a
    type: gopher
    endpoint: https://example.org
  - type: wiki
`
	_, err := ParseConfig(strings.NewReader(bad))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	for _, want := range []string{"scheme", "duplicate id", "unknown type", "id is required", "endpoint is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestParseConfig_UnknownField(t *testing.T) {
	// WHAT: Misspelled keys are rejected.
	// WHY: A silently ignored "intervall" would leave the default in place.
	_, err := ParseConfig(strings.NewReader("intervall: 1h\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestParseConfig_ThresholdRange(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("keyword_threshold: 1.5\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "savoir.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BufferDir != "/tmp/savoir-buffer" {
		t.Errorf("buffer dir: %q", cfg.BufferDir)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}
