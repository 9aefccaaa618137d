package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"inferbench/internal/logging"
	"inferbench/internal/prompt"
)

// Config holds all application configuration
type Config struct {
	Benchmark BenchmarkConfig          `mapstructure:"benchmark"`
	Output    OutputConfig             `mapstructure:"output"`
	Pricing   PricingConfig            `mapstructure:"pricing"`
	Log       LogConfig                `mapstructure:"log"`
	Server    ServerConfig             `mapstructure:"server"`
	Backends  map[string]BackendConfig `mapstructure:"backends"`

	// VCAPServices is the raw Cloud Foundry service binding document.
	VCAPServices string `mapstructure:"vcap_services"`
}

// BenchmarkConfig holds run settings
type BenchmarkConfig struct {
	Backends          string        `mapstructure:"backends"` // "all" or a comma-separated list
	Iterations        int           `mapstructure:"iterations"`
	Warmup            int           `mapstructure:"warmup"`
	PromptSize        string        `mapstructure:"prompt_size"`
	MaxCost           float64       `mapstructure:"max_cost"` // USD per backend
	Timeout           time.Duration `mapstructure:"timeout"`  // per call, retries included
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	Yes               bool          `mapstructure:"yes"`
}

// OutputConfig holds report settings
type OutputConfig struct {
	Format      string `mapstructure:"format"`
	File        string `mapstructure:"file"`
	MetricsFile string `mapstructure:"metrics_file"`
}

// PricingConfig points at an optional price list overriding the defaults
type PricingConfig struct {
	File string `mapstructure:"file"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig holds credentials and overrides for one backend
type BackendConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// Backend returns the settings for id, or the zero value.
func (c *Config) Backend(id string) BackendConfig {
	return c.Backends[strings.ToLower(id)]
}

// Formats lists the supported report formats.
var Formats = []string{"table", "json", "yaml", "markdown", "csv"}

// Flag names bound to configuration keys.
var flagKeys = map[string]string{
	"backends":     "benchmark.backends",
	"iterations":   "benchmark.iterations",
	"warmup":       "benchmark.warmup",
	"size":         "benchmark.prompt_size",
	"max-cost":     "benchmark.max_cost",
	"timeout":      "benchmark.timeout",
	"rpm":          "benchmark.requests_per_minute",
	"yes":          "benchmark.yes",
	"output":       "output.format",
	"out":          "output.file",
	"metrics-file": "output.metrics_file",
	"pricing":      "pricing.file",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"host":         "server.host",
	"port":         "server.port",
}

// Load builds the configuration from defaults, an optional config file, the
// environment and any of flags that were set, in increasing precedence.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("INFERBENCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("benchmark.backends", "all")
	v.SetDefault("benchmark.iterations", 1)
	v.SetDefault("benchmark.warmup", 0)
	v.SetDefault("benchmark.prompt_size", string(prompt.Short))
	v.SetDefault("benchmark.max_cost", 1.00)
	v.SetDefault("benchmark.timeout", 30*time.Second)
	v.SetDefault("benchmark.requests_per_minute", 0)
	v.SetDefault("benchmark.yes", false)

	v.SetDefault("output.format", "table")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
}

func bindEnvVars(v *viper.Viper) error {
	for _, id := range EnvBackends() {
		env := CredentialEnv[id]
		for key, name := range map[string]string{
			"api_key":  env.APIKey,
			"base_url": env.BaseURL,
			"model":    env.Model,
		} {
			if name == "" {
				continue
			}
			if err := v.BindEnv("backends."+id+"."+key, name); err != nil {
				return fmt.Errorf("failed to bind %s: %w", name, err)
			}
		}
	}
	if err := v.BindEnv("vcap_services", "VCAP_SERVICES"); err != nil {
		return fmt.Errorf("failed to bind VCAP_SERVICES: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Backends == nil {
		c.Backends = map[string]BackendConfig{}
	}
	lowered := make(map[string]BackendConfig, len(c.Backends))
	for id, b := range c.Backends {
		lowered[strings.ToLower(id)] = b
	}
	c.Backends = lowered
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate rejects settings a run cannot start with.
func (c *Config) Validate() error {
	var errs []error
	b := c.Benchmark
	if b.Iterations < 1 {
		errs = append(errs, fmt.Errorf("iterations must be at least 1, got %d", b.Iterations))
	}
	if b.Warmup < 0 {
		errs = append(errs, fmt.Errorf("warmup must not be negative, got %d", b.Warmup))
	}
	if b.MaxCost < 0 {
		errs = append(errs, fmt.Errorf("max cost must not be negative, got %.4f", b.MaxCost))
	}
	if b.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", b.Timeout))
	}
	if b.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("requests per minute must not be negative"))
	}
	if _, err := prompt.ParseSize(b.PromptSize); err != nil {
		errs = append(errs, err)
	}
	if !validFormat(c.Output.Format) {
		errs = append(errs, fmt.Errorf("unknown output format %q (want one of %s)", c.Output.Format, strings.Join(Formats, ", ")))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

func validFormat(f string) bool {
	for _, known := range Formats {
		if f == known {
			return true
		}
	}
	return false
}
