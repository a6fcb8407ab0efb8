package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/opentalon/apichain/internal/provider"
)

type Config struct {
	Models    ModelsConfig           `yaml:"models"`
	Chains    map[string]ChainConfig `yaml:"chains"`
	State     StateConfig            `yaml:"state"`
	Logging   LoggingConfig          `yaml:"logging"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Schedules []ScheduleConfig       `yaml:"schedules"`

	// dir is the directory of the loaded file; docs_file paths are
	// resolved against it.
	dir string
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	API     string `yaml:"api"`
}

type ChainConfig struct {
	Model            string            `yaml:"model"`
	Docs             string            `yaml:"docs"`
	DocsFile         string            `yaml:"docs_file"`
	InputKey         string            `yaml:"input_key"`
	OutputKey        string            `yaml:"output_key"`
	Headers          map[string]string `yaml:"headers"`
	AllowedMethods   []string          `yaml:"allowed_methods"`
	Prompts          PromptsConfig     `yaml:"prompts"`
	MaxResponseBytes int64             `yaml:"max_response_bytes"`
	MaxTokens        int               `yaml:"max_tokens"`
	Temperature      *float64          `yaml:"temperature"`
}

// PromptsConfig overrides the default templates. Empty keeps the default.
type PromptsConfig struct {
	Request string `yaml:"request"`
	Answer  string `yaml:"answer"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverFile     = "file"
)

type StateConfig struct {
	Driver  string      `yaml:"driver"`
	DataDir string      `yaml:"data_dir"`
	DSN     string      `yaml:"dsn"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Tracing     string `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Spec     string `yaml:"spec"`
	Chain    string `yaml:"chain"`
	Question string `yaml:"question"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	for name, p := range cfg.Models.Providers {
		p.BaseURL = expandEnv(p.BaseURL)
		p.APIKey = expandEnv(p.APIKey)
		cfg.Models.Providers[name] = p
	}
	for name, c := range cfg.Chains {
		for k, v := range c.Headers {
			c.Headers[k] = expandEnv(v)
		}
		cfg.Chains[name] = c
	}
	cfg.State.DSN = expandEnv(cfg.State.DSN)
	cfg.State.Redis.Addr = expandEnv(cfg.State.Redis.Addr)
	cfg.State.Redis.Password = expandEnv(cfg.State.Redis.Password)
}

func applyDefaults(cfg *Config) {
	if cfg.State.Driver == "" {
		cfg.State.Driver = DriverSQLite
	}
	if cfg.State.DataDir == "" {
		cfg.State.DataDir = ".apichain"
	}
	if cfg.State.Redis.Prefix == "" {
		cfg.State.Redis.Prefix = "apichain:"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.Tracing == "" {
		cfg.Telemetry.Tracing = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "apichain"
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate reports the first invalid entry. Maps are checked in key order
// so the result is stable.
func (c *Config) Validate() error {
	for _, id := range sortedKeys(c.Models.Providers) {
		switch api := c.Models.Providers[id].API; api {
		case "", provider.APIOpenAI, provider.APIAnthropic:
		default:
			return fmt.Errorf("models.providers.%s: unknown api %q", id, api)
		}
	}

	for _, name := range sortedKeys(c.Chains) {
		if err := c.validateChain(name, c.Chains[name]); err != nil {
			return err
		}
	}

	switch c.State.Driver {
	case DriverSQLite, DriverFile:
	case DriverPostgres:
		if c.State.DSN == "" {
			return errors.New("state: postgres driver requires dsn")
		}
	case DriverRedis:
		if c.State.Redis.Addr == "" {
			return errors.New("state: redis driver requires redis.addr")
		}
	default:
		return fmt.Errorf("state: unknown driver %q", c.State.Driver)
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		switch {
		case s.Name == "":
			return fmt.Errorf("schedules[%d]: name is required", i)
		case seen[s.Name]:
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name)
		case s.Spec == "":
			return fmt.Errorf("schedules.%s: spec is required", s.Name)
		case s.Question == "":
			return fmt.Errorf("schedules.%s: question is required", s.Name)
		}
		if _, ok := c.Chains[s.Chain]; !ok {
			return fmt.Errorf("schedules.%s: unknown chain %q", s.Name, s.Chain)
		}
		seen[s.Name] = true
	}
	return nil
}

func (c *Config) validateChain(name string, ch ChainConfig) error {
	ref, err := provider.ParseModelRef(ch.Model)
	if err != nil {
		return fmt.Errorf("chains.%s: %w", name, err)
	}
	if _, ok := c.Models.Providers[ref.Provider()]; !ok {
		return fmt.Errorf("chains.%s: provider %q not configured", name, ref.Provider())
	}
	if ch.Docs != "" && ch.DocsFile != "" {
		return fmt.Errorf("chains.%s: docs and docs_file are mutually exclusive", name)
	}
	if ch.Docs == "" && ch.DocsFile == "" {
		return fmt.Errorf("chains.%s: docs or docs_file is required", name)
	}
	for i, m := range ch.AllowedMethods {
		if m == "" {
			return fmt.Errorf("chains.%s: allowed_methods[%d] is empty", name, i)
		}
	}
	return nil
}

// ChainDocs returns the documentation for the named chain, reading
// docs_file relative to the config file when set.
func (c *Config) ChainDocs(name string) (string, error) {
	ch, ok := c.Chains[name]
	if !ok {
		return "", fmt.Errorf("chain %q not configured", name)
	}
	if ch.DocsFile == "" {
		return ch.Docs, nil
	}
	path := ch.DocsFile
	if !filepath.IsAbs(path) && c.dir != "" {
		path = filepath.Join(c.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading docs for chain %s: %w", name, err)
	}
	return string(data), nil
}

// ChainNames returns the configured chain names in sorted order.
func (c *Config) ChainNames() []string {
	return sortedKeys(c.Chains)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
