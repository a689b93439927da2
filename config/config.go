// Package config loads the trellis daemon configuration from YAML. Values
// support ${VAR} environment expansion so API keys stay out of the file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trellis-labs/trellis/core"
)

const (
	projectConfigName = "trellis.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen     string `yaml:"listen"`
	BaseURL    string `yaml:"base_url"`
	CORSOrigin string `yaml:"cors_origin"`
	MaxBody    int64  `yaml:"max_body_bytes"`
	LogLevel   string `yaml:"log_level"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	Composio  ComposioConfig            `yaml:"composio"`
	Retention RetentionConfig           `yaml:"retention"`
	Store     StoreConfig               `yaml:"store"`
	Otel      OtelConfig                `yaml:"otel"`
}

// ProviderConfig holds one LLM provider's settings.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
}

// ComposioConfig holds third-party tool settings plus static per-user
// credentials.
type ComposioConfig struct {
	BaseURL     string                      `yaml:"base_url,omitempty"`
	Credentials map[string]CredentialConfig `yaml:"credentials,omitempty"`
}

// CredentialConfig is one user's tool credential. A nil EnabledTools list
// allows every tool; an empty list blocks all of them.
type CredentialConfig struct {
	APIKey       string   `yaml:"api_key"`
	EnabledTools []string `yaml:"enabled_tools,omitempty"`
}

// RetentionConfig bounds the in-memory execution store.
type RetentionConfig struct {
	MaxPerUser int    `yaml:"max_per_user,omitempty"`
	TTL        string `yaml:"ttl,omitempty"`
}

// StoreConfig configures the durable snapshot store. An empty DSN keeps
// snapshots in memory only.
type StoreConfig struct {
	DSN          string `yaml:"dsn,omitempty"`
	RetentionAge string `yaml:"retention_age,omitempty"`
}

// OtelConfig configures trace export. An empty endpoint disables it.
type OtelConfig struct {
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Listen:     ":8080",
		BaseURL:    "http://localhost:8080",
		CORSOrigin: "*",
		MaxBody:    1 << 20,
		LogLevel:   "info",
	}
}

// Load reads and parses a config file, applying defaults for absent fields.
func Load(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.expandEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Discover resolves the config location with first-match semantics: the
// explicit path, then ./trellis.yaml, then ~/.trellis/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 3)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".trellis", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Validate checks duration fields so parse errors surface at startup rather
// than first use.
func (c Config) Validate() error {
	if _, err := c.Retention.TTLDuration(); err != nil {
		return err
	}
	if _, err := c.Store.RetentionAgeDuration(); err != nil {
		return err
	}
	return nil
}

// APIKeys flattens provider settings to the name -> key map the invoker
// takes.
func (c Config) APIKeys() map[string]string {
	keys := make(map[string]string, len(c.Providers))
	for name, p := range c.Providers {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			continue
		}
		keys[normalized] = p.APIKey
	}
	return keys
}

// Broker builds a credential broker over the static credentials, or nil
// when none are configured.
func (c Config) Broker() core.CredentialBroker {
	if len(c.Composio.Credentials) == 0 {
		return nil
	}
	creds := make(map[string]*core.Credential, len(c.Composio.Credentials))
	for user, cc := range c.Composio.Credentials {
		cred := &core.Credential{APIKey: cc.APIKey}
		if cc.EnabledTools != nil {
			cred.EnabledToolIDs = append([]string(nil), cc.EnabledTools...)
		}
		creds[user] = cred
	}
	return staticBroker(creds)
}

// TTLDuration parses the retention TTL, zero when unset.
func (r RetentionConfig) TTLDuration() (time.Duration, error) {
	return parseDuration("retention.ttl", r.TTL)
}

// RetentionAgeDuration parses the store pruning age, zero when unset.
func (s StoreConfig) RetentionAgeDuration() (time.Duration, error) {
	return parseDuration("store.retention_age", s.RetentionAge)
}

func parseDuration(field, value string) (time.Duration, error) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(clean)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func (c *Config) expandEnv() {
	c.BaseURL = os.ExpandEnv(c.BaseURL)
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		c.Providers[name] = p
	}
	c.Composio.BaseURL = os.ExpandEnv(c.Composio.BaseURL)
	for user, cc := range c.Composio.Credentials {
		cc.APIKey = os.ExpandEnv(cc.APIKey)
		c.Composio.Credentials[user] = cc
	}
	c.Store.DSN = os.ExpandEnv(c.Store.DSN)
	c.Otel.Endpoint = os.ExpandEnv(c.Otel.Endpoint)
}

// staticBroker resolves credentials from a fixed map.
type staticBroker map[string]*core.Credential

func (b staticBroker) Resolve(_ context.Context, userID string) (*core.Credential, error) {
	return b[userID], nil
}

var _ core.CredentialBroker = (staticBroker)(nil)
