// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/internal/schema"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DurationSetting accepts Go duration strings and the symbolic value
// "default", which defers to the component's built-in default.
type DurationSetting struct {
	set   bool
	value time.Duration
}

// UnmarshalYAML supports duration strings and "default".
func (d *DurationSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = DurationSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" || strings.EqualFold(text, "default") {
		*d = DurationSetting{}
		return nil
	}
	val, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("duration: value must be positive")
	}
	d.set = true
	d.value = val
	return nil
}

// Or returns the configured duration, or fallback when unset.
func (d DurationSetting) Or(fallback time.Duration) time.Duration {
	if d.set {
		return d.value
	}
	return fallback
}

// Credentials captures API credentials for authenticated venue requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// VenueConfig describes the venue connection the engine binds to.
type VenueConfig struct {
	Name         string      `yaml:"name"`
	RESTURL      string      `yaml:"restUrl"`
	WebsocketURL string      `yaml:"websocketUrl"`
	ChainRPCURL  string      `yaml:"chainRpcUrl"`
	Credentials  Credentials `yaml:"credentials"`
	Pairs        []string    `yaml:"pairs"`
}

// LifecycleConfig tunes the reconciliation engine cadences.
type LifecycleConfig struct {
	ShortPollInterval          DurationSetting `yaml:"shortPollInterval"`
	LongPollInterval           DurationSetting `yaml:"longPollInterval"`
	CancelExpiry               DurationSetting `yaml:"cancelExpiry"`
	PreemptiveSoftCancelWindow DurationSetting `yaml:"preemptiveSoftCancelWindow"`
	ExpiryGrace                DurationSetting `yaml:"expiryGrace"`
	HardCancelTimeout          DurationSetting `yaml:"hardCancelTimeout"`
	OrderNotFoundConfirmations int             `yaml:"orderNotFoundConfirmations"`
	RequestsPerSecond          float64         `yaml:"requestsPerSecond"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig configures the order-state persistence store.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Disabled bool   `yaml:"disabled"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Venue       VenueConfig     `yaml:"venue"`
	Lifecycle   LifecycleConfig `yaml:"lifecycle"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Venue.Name = strings.ToLower(strings.TrimSpace(c.Venue.Name))
	c.Venue.RESTURL = strings.TrimSpace(c.Venue.RESTURL)
	c.Venue.WebsocketURL = strings.TrimSpace(c.Venue.WebsocketURL)
	c.Venue.ChainRPCURL = strings.TrimSpace(c.Venue.ChainRPCURL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)

	for i, pair := range c.Venue.Pairs {
		c.Venue.Pairs[i] = strings.ToUpper(strings.TrimSpace(pair))
	}
	if c.Lifecycle.OrderNotFoundConfirmations < 0 {
		c.Lifecycle.OrderNotFoundConfirmations = 0
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Venue.Name == "" {
		return fmt.Errorf("venue name required")
	}
	if len(c.Venue.Pairs) == 0 {
		return fmt.Errorf("venue pairs required")
	}
	for _, pair := range c.Venue.Pairs {
		if err := schema.TradingPair(pair).Validate(); err != nil {
			return fmt.Errorf("venue pair %q: %w", pair, err)
		}
	}

	if c.Lifecycle.RequestsPerSecond < 0 {
		return fmt.Errorf("lifecycle requestsPerSecond must be >= 0")
	}

	if c.Telemetry.EnableMetrics {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry serviceName required when metrics enabled")
		}
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry otlpEndpoint required when metrics enabled")
		}
	}

	if !c.Database.Disabled && c.Database.DSN == "" {
		return fmt.Errorf("database dsn required unless persistence is disabled")
	}
	return nil
}

// TradingPairs returns the configured markets as canonical pairs.
func (c AppConfig) TradingPairs() []schema.TradingPair {
	out := make([]schema.TradingPair, 0, len(c.Venue.Pairs))
	for _, pair := range c.Venue.Pairs {
		out = append(out, schema.TradingPair(pair))
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	if candidate == "" || candidate == "." {
		return nil, nil, fmt.Errorf("config path required")
	}
	f, err := os.Open(candidate)
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
