package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
plugin:
  site: lyon
  hostname: taurus-7
  metrics: wattmetre_power_watt
  login: alice
  password_env: G5K_PASSWORD
`

func TestLoad_Valid(t *testing.T) {
	yaml := `
log_level: debug
plugin:
  site: lyon
  hostname: taurus-7
  metrics: wattmetre_power_watt
  allowed_metrics: [wattmetre_power_watt, bmc_node_power_watt]
  login: alice
  password: s3cret
  base_url: "https://api.example.org/stable"
  poll_interval: 10s
  timeout: 3s
  backfill: 5m
  max_retries: 2
  retry_ceiling: 2s
outputs:
  expose:
    listen: "127.0.0.1:9999"
  mqtt:
    broker: "tcp://localhost:1883"
    topic: "power/{device_id}"
`
	cfg := loadFromString(t, yaml)

	p := cfg.Plugin
	if p.Site != "lyon" || p.Hostname != "taurus-7" {
		t.Errorf("target: got %q/%q", p.Site, p.Hostname)
	}
	if p.PollInterval != 10*time.Second {
		t.Errorf("poll_interval: got %v", p.PollInterval)
	}
	if p.Timeout != 3*time.Second {
		t.Errorf("timeout: got %v", p.Timeout)
	}
	if p.Backfill != 5*time.Minute {
		t.Errorf("backfill: got %v", p.Backfill)
	}
	if p.MaxRetries != 2 {
		t.Errorf("max_retries: got %d", p.MaxRetries)
	}
	if p.Secret() != "s3cret" {
		t.Errorf("Secret(): got %q", p.Secret())
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: got %q", cfg.LogLevel)
	}
	if !cfg.Outputs.MQTT.Enabled() {
		t.Error("mqtt should be enabled")
	}
	if cfg.Outputs.MQTT.BufferSize != DefaultMQTTBufferSize {
		t.Errorf("mqtt buffer_size: got %d", cfg.Outputs.MQTT.BufferSize)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, minimalYAML)

	p := cfg.Plugin
	if p.BaseURL != DefaultBaseURL {
		t.Errorf("default base_url: got %q", p.BaseURL)
	}
	if p.PollInterval != DefaultPollInterval {
		t.Errorf("default poll_interval: got %v, want %v", p.PollInterval, DefaultPollInterval)
	}
	if p.Timeout != DefaultTimeout {
		t.Errorf("default timeout: got %v, want %v", p.Timeout, DefaultTimeout)
	}
	if p.Backfill != 0 {
		t.Errorf("default backfill: got %v, want 0", p.Backfill)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("default log_level: got %q", cfg.LogLevel)
	}
	if cfg.Outputs.Expose.Listen != DefaultExposeListen {
		t.Errorf("default listen: got %q", cfg.Outputs.Expose.Listen)
	}
	if cfg.Outputs.MQTT.Enabled() {
		t.Error("mqtt should be disabled without a broker")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "missing site",
			yaml:  "plugin:\n  hostname: taurus-7\n  login: a\n  password: b\n",
			field: "plugin.site",
		},
		{
			name:  "missing hostname",
			yaml:  "plugin:\n  site: lyon\n  login: a\n  password: b\n",
			field: "plugin.hostname",
		},
		{
			name:  "missing password",
			yaml:  "plugin:\n  site: lyon\n  hostname: taurus-7\n  login: a\n",
			field: "plugin.password",
		},
		{
			name:  "bad log level",
			yaml:  "log_level: chatty\n" + minimalYAML,
			field: "log_level",
		},
		{
			name:  "negative backfill",
			yaml:  minimalYAML + "  backfill: -1m\n",
			field: "plugin.backfill",
		},
		{
			name:  "zero poll interval",
			yaml:  minimalYAML + "  poll_interval: 0s\n",
			field: "plugin.poll_interval",
		},
		{
			name:  "metrics not allowed",
			yaml:  minimalYAML + "  allowed_metrics: [bmc_node_power_watt]\n",
			field: "plugin.allowed_metrics",
		},
		{
			name:  "bad mqtt broker",
			yaml:  minimalYAML + "outputs:\n  mqtt:\n    broker: \"not a url\"\n",
			field: "outputs.mqtt.broker",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadStringErr(t, tc.yaml)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("error %v is not ValidationErrors", err)
			}
			var found bool
			for _, e := range verrs {
				if e.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %q in %v", tc.field, err)
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := loadStringErr(t, "plugin: [unclosed")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse yaml") {
		t.Errorf("error = %v, want parse yaml", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPlugin_SecretFromEnv(t *testing.T) {
	t.Setenv("G5K_PASSWORD", "from-env")
	cfg := loadFromString(t, minimalYAML)
	if got := cfg.Plugin.Secret(); got != "from-env" {
		t.Errorf("Secret(): got %q, want from-env", got)
	}
}

func TestPlugin_SecretLiteralWins(t *testing.T) {
	t.Setenv("G5K_PASSWORD", "from-env")
	p := Plugin{Password: "literal", PasswordEnv: "G5K_PASSWORD"}
	if got := p.Secret(); got != "literal" {
		t.Errorf("Secret(): got %q, want literal", got)
	}
}

func TestPlugin_Allowed(t *testing.T) {
	if got := (Plugin{}).Allowed(); got != nil {
		t.Errorf("no filter: got %v, want nil", got)
	}
	if got := (Plugin{Metrics: "m"}).Allowed(); len(got) != 1 || got[0] != "m" {
		t.Errorf("metrics filter: got %v", got)
	}
	p := Plugin{Metrics: "m", AllowedMetrics: []string{"m", "n"}}
	if got := p.Allowed(); len(got) != 2 {
		t.Errorf("allow-list: got %v", got)
	}
}

func TestPlugin_SameTarget(t *testing.T) {
	a := Plugin{BaseURL: DefaultBaseURL, Site: "lyon", Hostname: "taurus-7", Metrics: "m", Login: "a"}
	b := a
	b.Login = "b"
	b.Password = "new"
	if !a.SameTarget(b) {
		t.Error("credential change should keep the same target")
	}
	b.Hostname = "taurus-8"
	if a.SameTarget(b) {
		t.Error("hostname change should change the target")
	}
}

func TestMQTTConfig_Password(t *testing.T) {
	t.Setenv("MQTT_PASS", "pw")
	m := MQTTConfig{PasswordEnv: "MQTT_PASS"}
	if got := m.Password(); got != "pw" {
		t.Errorf("Password(): got %q", got)
	}
	if got := (MQTTConfig{}).Password(); got != "" {
		t.Errorf("Password() without env: got %q", got)
	}
}

func TestWatch_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, initial, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(minimalYAML, "taurus-7", "taurus-8", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case c := <-changes:
		if c.Plugin.Hostname != "taurus-8" {
			t.Errorf("reloaded hostname = %q, want taurus-8", c.Plugin.Hostname)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
