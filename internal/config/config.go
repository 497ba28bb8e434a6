package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Backend string

const (
	BackendChecksum Backend = "checksum"
	BackendTiktoken Backend = "tiktoken"
)

// DefaultPublicPaths are served without an API key unless public_paths is set.
var DefaultPublicPaths = []string{"/healthz"}

const (
	defaultEncoding     = "cl100k_base"
	defaultMaxBodyBytes = 4 << 20
)

type Config struct {
	Listen          string       `json:"listen" yaml:"listen"`
	APIKeys         []string     `json:"api_keys" yaml:"api_keys"`
	PublicPaths     []string     `json:"public_paths" yaml:"public_paths"`
	Debug           bool         `json:"debug" yaml:"debug"`
	Backend         Backend      `json:"backend" yaml:"backend"`
	DefaultEncoding string       `json:"default_encoding" yaml:"default_encoding"`
	Encodings       []string     `json:"encodings" yaml:"encodings"`
	Strict          bool         `json:"strict" yaml:"strict"`
	MaxBodyBytes    int64        `json:"max_body_bytes" yaml:"max_body_bytes"`
	Rules           []RuleConfig `json:"rules" yaml:"rules"`
	SaveUsage       bool         `json:"save_usage" yaml:"save_usage"`
	StorageType     string       `json:"storage_type" yaml:"storage_type"`
	StorageURI      string       `json:"storage_uri" yaml:"storage_uri"`
	RetentionDays   int          `json:"retention_days" yaml:"retention_days"`
}

// RuleConfig labels a counted request when Expression evaluates to true.
// Expressions see TokenCount, Words, Model, Encoding and Path.
type RuleConfig struct {
	Expression string `json:"rule" yaml:"rule"`
	Label      string `json:"label" yaml:"label"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendChecksum
	}
	c.Backend = Backend(strings.ToLower(strings.TrimSpace(string(c.Backend))))

	if strings.TrimSpace(c.DefaultEncoding) == "" {
		c.DefaultEncoding = defaultEncoding
	}
	if !c.HasEncoding(c.DefaultEncoding) {
		c.Encodings = append(c.Encodings, c.DefaultEncoding)
	}
	if c.PublicPaths == nil {
		c.PublicPaths = append([]string(nil), DefaultPublicPaths...)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}

	if c.StorageType == "" {
		c.StorageType = "sqlite"
	}
	if c.StorageURI == "" {
		c.StorageURI = "file:usage.db?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL"
	}
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}

	switch c.Backend {
	case BackendChecksum, BackendTiktoken:
	default:
		return fmt.Errorf("unsupported backend %s", c.Backend)
	}

	for _, p := range c.PublicPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("public path %q must start with /", p)
		}
	}

	seen := make(map[string]struct{}, len(c.Encodings))
	for _, name := range c.Encodings {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("encoding name is required")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicated encoding: %s", name)
		}
		seen[name] = struct{}{}
	}

	for i, r := range c.Rules {
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("rule %d has empty expression", i)
		}
		if strings.TrimSpace(r.Label) == "" {
			return fmt.Errorf("rule %s must specify a label", r.Expression)
		}
	}

	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}

	if c.SaveUsage {
		if c.StorageType != "sqlite" && c.StorageType != "file" {
			return fmt.Errorf("unsupported storage_type %s", c.StorageType)
		}
		if strings.TrimSpace(c.StorageURI) == "" {
			return fmt.Errorf("storage_uri is required when save_usage is enabled")
		}
	}

	return nil
}

func (c Config) HasEncoding(name string) bool {
	for _, e := range c.Encodings {
		if e == name {
			return true
		}
	}
	return false
}
