// Package config resolves the exporter configuration from defaults, an
// optional config file, environment variables and CLI flags, in that
// precedence order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default values. The serve port is registered for this exporter.
const (
	DefaultPort     = 9215
	DefaultBind     = "0.0.0.0"
	DefaultCacheTTL = 30
)

// Config is the effective exporter configuration.
type Config struct {
	Port int    `mapstructure:"port" yaml:"port"`
	Bind string `mapstructure:"bind" yaml:"bind"`

	CacheTTLSeconds int `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	Parallelism     int `mapstructure:"parallelism" yaml:"parallelism"`
	MaxProcesses    int `mapstructure:"max_processes" yaml:"max_processes"`

	IOBufferKB          int `mapstructure:"io_buffer_kb" yaml:"io_buffer_kb"`
	SmapsBufferKB       int `mapstructure:"smaps_buffer_kb" yaml:"smaps_buffer_kb"`
	SmapsRollupBufferKB int `mapstructure:"smaps_rollup_buffer_kb" yaml:"smaps_rollup_buffer_kb"`

	MinUSSKB     uint64 `mapstructure:"min_uss_kb" yaml:"min_uss_kb"`
	TopNSubgroup int    `mapstructure:"top_n_subgroup" yaml:"top_n_subgroup"`
	TopNOthers   int    `mapstructure:"top_n_others" yaml:"top_n_others"`

	SearchMode      string   `mapstructure:"search_mode" yaml:"search_mode"`
	SearchGroups    []string `mapstructure:"search_groups" yaml:"search_groups"`
	SearchSubgroups []string `mapstructure:"search_subgroups" yaml:"search_subgroups"`
	DisableOthers   bool     `mapstructure:"disable_others" yaml:"disable_others"`

	EnableRSS bool `mapstructure:"enable_rss" yaml:"enable_rss"`
	EnablePSS bool `mapstructure:"enable_pss" yaml:"enable_pss"`
	EnableUSS bool `mapstructure:"enable_uss" yaml:"enable_uss"`
	EnableCPU bool `mapstructure:"enable_cpu" yaml:"enable_cpu"`

	EnableTLS   bool   `mapstructure:"enable_tls" yaml:"enable_tls"`
	TLSCertPath string `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath  string `mapstructure:"tls_key_path" yaml:"tls_key_path"`

	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
	EnableHealth    bool   `mapstructure:"enable_health" yaml:"enable_health"`
	EnableTelemetry bool   `mapstructure:"enable_telemetry" yaml:"enable_telemetry"`

	ProcRoot     string `mapstructure:"proc_root" yaml:"proc_root"`
	TestDataFile string `mapstructure:"test_data_file" yaml:"test_data_file"`
}

// CacheTTL returns the TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ListenAddr returns the bind address in host:port form.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("bind", DefaultBind)
	v.SetDefault("cache_ttl", DefaultCacheTTL)
	v.SetDefault("parallelism", 0)
	v.SetDefault("max_processes", 0)
	v.SetDefault("io_buffer_kb", 256)
	v.SetDefault("smaps_buffer_kb", 512)
	v.SetDefault("smaps_rollup_buffer_kb", 256)
	v.SetDefault("min_uss_kb", 0)
	v.SetDefault("top_n_subgroup", 3)
	v.SetDefault("top_n_others", 10)
	v.SetDefault("search_mode", "off")
	v.SetDefault("search_groups", []string{})
	v.SetDefault("search_subgroups", []string{})
	v.SetDefault("disable_others", false)
	v.SetDefault("enable_rss", true)
	v.SetDefault("enable_pss", true)
	v.SetDefault("enable_uss", true)
	v.SetDefault("enable_cpu", true)
	v.SetDefault("enable_tls", false)
	v.SetDefault("tls_cert_path", "")
	v.SetDefault("tls_key_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("enable_health", true)
	v.SetDefault("enable_telemetry", true)
	v.SetDefault("proc_root", "/proc")
	v.SetDefault("test_data_file", "")
}

// Load resolves the configuration. file may be empty, in which case the
// standard locations are searched; a missing file is not an error, a
// malformed one is fatal.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("herakles")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/herakles")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("HERAKLES")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the exporter cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if c.CacheTTLSeconds < 1 {
		return fmt.Errorf("cache_ttl must be at least 1 second, got %d", c.CacheTTLSeconds)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	for name, kb := range map[string]int{
		"io_buffer_kb":           c.IOBufferKB,
		"smaps_buffer_kb":        c.SmapsBufferKB,
		"smaps_rollup_buffer_kb": c.SmapsRollupBufferKB,
	} {
		if kb < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, kb)
		}
	}
	switch c.SearchMode {
	case "off", "include", "exclude":
	default:
		return fmt.Errorf("search_mode must be off, include or exclude, got %q", c.SearchMode)
	}
	if c.TopNSubgroup < 1 {
		return fmt.Errorf("top_n_subgroup must be at least 1, got %d", c.TopNSubgroup)
	}
	if c.TopNOthers < 1 {
		return fmt.Errorf("top_n_others must be at least 1, got %d", c.TopNOthers)
	}
	if c.EnableTLS {
		for name, path := range map[string]string{
			"tls_cert_path": c.TLSCertPath,
			"tls_key_path":  c.TLSKeyPath,
		} {
			if path == "" {
				return fmt.Errorf("%s is required when enable_tls is set", name)
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// errorsAs is a tiny indirection so Load reads linearly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
