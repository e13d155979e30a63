package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBaseURL        = "https://api.grid5000.fr/stable"
	DefaultPollInterval   = 30 * time.Second
	DefaultTimeout        = 10 * time.Second
	DefaultRetryCeiling   = 5 * time.Second
	DefaultLogLevel       = "info"
	DefaultExposeListen   = ":9464"
	DefaultSeriesTTL      = 10 * time.Minute
	DefaultMQTTTopic      = "kwollect/{device_id}/{metric_id}"
	DefaultMQTTBufferSize = 100
)

// Config is the top-level configuration of the kwollect-input agent.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Plugin  Plugin  `yaml:"plugin"`
	Outputs Outputs `yaml:"outputs"`
}

// Plugin is the configuration of one Kwollect source: which node and metric
// to pull, with which credentials, and how often. It is treated as immutable
// once loaded; a reload produces a new value.
type Plugin struct {
	// Site is the Grid'5000 site hosting the node, e.g. "lyon".
	Site string `yaml:"site" validate:"required"`

	// Hostname is the node whose measurements are pulled, e.g. "taurus-7".
	Hostname string `yaml:"hostname" validate:"required"`

	// Metrics is the metric filter sent to the API. Empty means all metrics.
	Metrics string `yaml:"metrics"`

	// AllowedMetrics restricts which metric ids are emitted. When empty, the
	// Metrics filter (if set) is the only allowed id.
	AllowedMetrics []string `yaml:"allowed_metrics"`

	// Login is the basic-auth user name.
	Login string `yaml:"login" validate:"required"`

	// Password is the literal basic-auth password. Prefer PasswordEnv.
	Password string `yaml:"password"`

	// PasswordEnv is the name of the environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`

	// BaseURL is the root of the Grid'5000 API.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// PollInterval controls how often the host triggers a poll.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// Timeout bounds every HTTP call to the API.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// Backfill moves the initial watermark back in time so the first poll
	// also collects recent history. Zero starts from "now".
	Backfill time.Duration `yaml:"backfill" validate:"gte=0"`

	// MaxRetries is the number of in-poll retries after a transient failure.
	// Zero leaves retrying to the next scheduled poll.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`

	// RetryCeiling caps the wait between in-poll retries.
	RetryCeiling time.Duration `yaml:"retry_ceiling" validate:"gt=0"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// Secret returns the basic-auth password: the literal Password when set,
// otherwise the value of the PasswordEnv environment variable.
func (p Plugin) Secret() string {
	if p.Password != "" {
		return p.Password
	}
	if p.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(p.PasswordEnv)
}

// Allowed returns the metric ids a record may carry. A nil result means any
// metric id is accepted.
func (p Plugin) Allowed() []string {
	if len(p.AllowedMetrics) > 0 {
		return p.AllowedMetrics
	}
	if p.Metrics != "" {
		return []string{p.Metrics}
	}
	return nil
}

// SameTarget reports whether p and o pull the same series, so that a
// watermark collected under p remains meaningful under o.
func (p Plugin) SameTarget(o Plugin) bool {
	return p.BaseURL == o.BaseURL && p.Site == o.Site &&
		p.Hostname == o.Hostname && p.Metrics == o.Metrics
}

// TLSConfig holds TLS dial options for the API connection.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this against test deployments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Outputs configures where emitted points go. The latest value of every
// series is always kept for the HTTP exposition; MQTT forwarding is optional.
type Outputs struct {
	Expose ExposeConfig `yaml:"expose"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// ExposeConfig configures the HTTP listener serving /metrics and /api/v1/points.
type ExposeConfig struct {
	// Listen is the host:port to bind. Empty disables the listener.
	Listen string `yaml:"listen"`

	// SeriesTTL drops series that have not been updated for this long.
	SeriesTTL time.Duration `yaml:"series_ttl" validate:"gt=0"`
}

// MQTTConfig configures the MQTT forwarder.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883. Empty disables MQTT.
	Broker string `yaml:"broker" validate:"omitempty,url"`

	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`

	// PasswordEnv is the name of the environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`

	// Topic is the topic pattern; {device_id} and {metric_id} are substituted.
	Topic string `yaml:"topic" validate:"required"`

	// BufferSize is the number of batches held while the broker is unreachable.
	BufferSize int `yaml:"buffer_size" validate:"gt=0"`
}

// Password returns the MQTT password resolved from the environment.
func (m MQTTConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Plugin:   DefaultPlugin(),
		Outputs: Outputs{
			Expose: ExposeConfig{
				Listen:    DefaultExposeListen,
				SeriesTTL: DefaultSeriesTTL,
			},
			MQTT: MQTTConfig{
				ClientID:   "kwollect-input",
				Topic:      DefaultMQTTTopic,
				BufferSize: DefaultMQTTBufferSize,
			},
		},
	}
}

// DefaultPlugin returns a Plugin with every optional field set to its default.
func DefaultPlugin() Plugin {
	return Plugin{
		BaseURL:      DefaultBaseURL,
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
		RetryCeiling: DefaultRetryCeiling,
	}
}
