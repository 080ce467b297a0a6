package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile  = "config.yaml"
	DefaultArchiveRoot = ".stacktap/archives"
	DefaultPageSize    = 100
	DefaultTimeout     = 30 * time.Second
	DefaultRetries     = 3
	DefaultOutputPath  = "-"
	DefaultFormat      = "jsonl"
	DefaultLogLevel    = "info"

	// MaxPageSize is the largest pagesize the StackExchange API accepts.
	MaxPageSize = 100
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Archive ArchiveConfig `yaml:"archive"`
	HTTP    HTTPConfig    `yaml:"http"`
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
}

type SourceConfig struct {
	Site           string `yaml:"site"`
	Tagged         string `yaml:"tagged"`
	PageSize       int    `yaml:"page_size"`
	Tag            string `yaml:"tag"`
	KeyEnv         string `yaml:"key_env"`
	AccessTokenEnv string `yaml:"access_token_env"`

	// Resolved from env vars at load time.
	Key         string `yaml:"-"`
	AccessToken string `yaml:"-"`
}

type ArchiveConfig struct {
	Root string `yaml:"root"`
}

type HTTPConfig struct {
	Timeout            Duration `yaml:"timeout"`
	Retries            int      `yaml:"retries"`
	UserAgent          string   `yaml:"user_agent"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

type OutputConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads config.yaml from dir, applies defaults, resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Source.PageSize == 0 {
		cfg.Source.PageSize = DefaultPageSize
	}
	if cfg.Archive.Root == "" {
		cfg.Archive.Root = DefaultArchiveRoot
	}
	if cfg.HTTP.Timeout.Duration == 0 {
		cfg.HTTP.Timeout.Duration = DefaultTimeout
	}
	if cfg.HTTP.Retries == 0 {
		cfg.HTTP.Retries = DefaultRetries
	}
	if cfg.Output.Path == "" {
		cfg.Output.Path = DefaultOutputPath
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = DefaultFormat
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Source.KeyEnv != "" {
		cfg.Source.Key = os.Getenv(cfg.Source.KeyEnv)
	}
	if cfg.Source.AccessTokenEnv != "" {
		cfg.Source.AccessToken = os.Getenv(cfg.Source.AccessTokenEnv)
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Source.Site) == "" {
		return errors.New("source.site: a site is required")
	}
	if cfg.Source.PageSize < 1 || cfg.Source.PageSize > MaxPageSize {
		return fmt.Errorf("source.page_size: %d is out of range (want 1..%d)", cfg.Source.PageSize, MaxPageSize)
	}
	if cfg.Source.AccessToken != "" && cfg.Source.Key == "" {
		return errors.New("source: an access token is set but no application key; set key_env as well")
	}

	if cfg.HTTP.Timeout.Duration < 0 {
		return fmt.Errorf("http.timeout: %s is negative", cfg.HTTP.Timeout.Duration)
	}
	if cfg.HTTP.Retries < 1 {
		return fmt.Errorf("http.retries: %d is out of range (want at least 1)", cfg.HTTP.Retries)
	}

	switch cfg.Output.Format {
	case "jsonl", "json":
		// valid
	default:
		return fmt.Errorf("output.format: unknown format %q (want jsonl or json)", cfg.Output.Format)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error":
		// valid
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}

	return nil
}
