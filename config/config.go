package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/distribution-auth/sessionkeeper/session"
)

// Config collects all configuration options.
type Config struct {
	// APIBase is the base URL of the API server (refresh, logout and business endpoints).
	APIBase string `yaml:"apiBase"`

	SignInRoute      string        `yaml:"signInRoute"`
	Timeout          time.Duration `yaml:"timeout"`
	ActivityDebounce time.Duration `yaml:"activityDebounce"`

	Backoff Backoff `yaml:"backoff"`
	Store   Store   `yaml:"store"`
	Bus     Bus     `yaml:"bus"`
}

// Backoff configures the session.BackoffPolicy.
type Backoff struct {
	Base        time.Duration `yaml:"base"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var config Config

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// SetDefaults fills in the reference values for unset options.
func (c *Config) SetDefaults() {
	if c.SignInRoute == "" {
		c.SignInRoute = session.DefaultSignInRoute
	}

	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}

	if c.ActivityDebounce == 0 {
		c.ActivityDebounce = session.DefaultActivityDebounce
	}

	if c.Backoff.Base == 0 {
		c.Backoff.Base = session.DefaultBackoffBase
	}

	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = session.DefaultBackoffMaxAttempts
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("apiBase is required")
	}

	u, err := url.Parse(c.APIBase)
	if err != nil {
		return fmt.Errorf("apiBase: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("apiBase: unsupported scheme %q", u.Scheme)
	}

	if c.Backoff.Base < 0 {
		return fmt.Errorf("backoff: base must not be negative")
	}

	if c.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("backoff: maxAttempts must not be negative")
	}

	if c.Store.Type == "" {
		return fmt.Errorf("store type is required")
	}

	if err := c.Store.Config.Validate(); err != nil {
		return err
	}

	// The bus is optional.
	if c.Bus.Type != "" {
		if err := c.Bus.Config.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// rawConfig is a general struct to be used by other config structs to unmarshal yaml config first.
type rawConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}
