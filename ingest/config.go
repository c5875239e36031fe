package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/savoir/ingest/internal/connector"
	"github.com/hazyhaar/savoir/ingest/internal/resilient"
)

// Config configures the ingestion service. It is usually loaded from YAML
// with LoadConfigFile; zero values take the defaults below.
type Config struct {
	// Interval between the end of one cycle and the start of the next.
	Interval time.Duration `yaml:"interval"`
	// Cooldown replaces Interval after a failed cycle.
	Cooldown time.Duration `yaml:"cooldown"`

	// MinContentLength and KeywordThreshold are pointers so that an
	// explicit 0 disables the filter instead of selecting the default.
	MinContentLength *int               `yaml:"min_content_length"`
	KeywordThreshold *float64           `yaml:"keyword_threshold"`
	Keywords         map[string]float64 `yaml:"keywords"`
	KnowledgeGaps    []string           `yaml:"knowledge_gaps"`

	MaxWorkers int                     `yaml:"max_workers"`
	Retry      resilient.Policy        `yaml:"retry"`
	Breaker    resilient.BreakerConfig `yaml:"breaker"`
	Fetch      FetchConfig             `yaml:"fetch"`
	Render     RenderConfig            `yaml:"render"`

	// BufferDir receives a markdown copy of every stored document. Empty
	// disables the buffer.
	BufferDir string `yaml:"buffer_dir"`

	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig configures the HTTP client.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	UserAgent string        `yaml:"user_agent"`
}

// RenderConfig configures the headless browser used by wiki sources with
// render: browser. Chrome is only started when such a source is fetched.
type RenderConfig struct {
	RemoteURL  string        `yaml:"remote_url"`
	NavTimeout time.Duration `yaml:"nav_timeout"`
	Settle     time.Duration `yaml:"settle"`
}

// SourceConfig is one configured source.
type SourceConfig struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	Enabled    *bool    `yaml:"enabled"`
	Endpoint   string   `yaml:"endpoint"`
	Fallbacks  []string `yaml:"fallbacks"`
	Query      string   `yaml:"query"`
	MaxResults int      `yaml:"max_results"`
	// RateLimit is the minimum interval between two requests to the same
	// endpoint.
	RateLimit     time.Duration     `yaml:"rate_limit"`
	Retry         *resilient.Policy `yaml:"retry"`
	RecoverMarkup *bool             `yaml:"recover_markup"`
	Options       map[string]any    `yaml:"options"`
}

// IsEnabled reports whether the source takes part in cycles. Sources are
// enabled unless set otherwise.
func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// arXiv asks API clients for one request every three seconds.
const arxivRateLimit = 3 * time.Second

var sourceTypes = map[string]bool{
	connector.KindFeed:    true,
	connector.KindArxiv:   true,
	connector.KindJSONAPI: true,
	connector.KindWiki:    true,
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.MinContentLength == nil {
		n := 100
		c.MinContentLength = &n
	}
	if c.KeywordThreshold == nil {
		th := 0.3
		c.KeywordThreshold = &th
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.Retry == (resilient.Policy{}) {
		c.Retry = resilient.DefaultPolicy()
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "savoir/1.0 (+https://github.com/hazyhaar/savoir)"
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Type == connector.KindArxiv {
			if s.Endpoint == "" {
				s.Endpoint = connector.DefaultArxivEndpoint
			}
			if s.RateLimit <= 0 {
				s.RateLimit = arxivRateLimit
			}
		}
		if s.RecoverMarkup == nil {
			on := s.Type == connector.KindFeed || s.Type == connector.KindArxiv
			s.RecoverMarkup = &on
		}
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// Validate checks the configuration. Errors wrap ErrInvalidConfig and
// list every problem found.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if th := c.KeywordThreshold; th != nil && (*th < 0 || *th > 1) {
		bad("keyword_threshold %v outside [0, 1]", *th)
	}
	if n := c.MinContentLength; n != nil && *n < 0 {
		bad("min_content_length %d is negative", *n)
	}
	for kw, w := range c.Keywords {
		if w < 0 {
			bad("keyword %q has negative weight", kw)
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		name := s.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			bad("source %s: id is required", name)
		} else if seen[s.ID] {
			bad("source %s: duplicate id", name)
		}
		seen[s.ID] = true

		if !sourceTypes[s.Type] {
			bad("source %s: unknown type %q", name, s.Type)
		}
		if s.Endpoint == "" {
			bad("source %s: endpoint is required", name)
		} else if err := checkEndpoint(s.Endpoint); err != nil {
			bad("source %s: endpoint: %v", name, err)
		}
		for _, fb := range s.Fallbacks {
			if err := checkEndpoint(fb); err != nil {
				bad("source %s: fallback: %v", name, err)
			}
		}
		if s.MaxResults < 0 {
			bad("source %s: max_results is negative", name)
		}
		if s.RateLimit < 0 {
			bad("source %s: rate_limit is negative", name)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func checkEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// ParseConfig decodes a YAML configuration, applies the defaults and
// validates the result. Unknown keys are rejected.
func ParseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile reads and parses the YAML configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read config: %w", err)
	}
	return ParseConfig(bytes.NewReader(data))
}
