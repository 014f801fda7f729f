// Package config loads snare settings from snare.yaml, SNARE_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/FranksOps/snare/internal/storage"
)

// EnvPrefix prefixes every environment variable, e.g. SNARE_DATABASE or
// SNARE_SETTINGS_CONCURRENCY.
const EnvPrefix = "SNARE"

// Browser configures the captcha browser.
type Browser struct {
	Headless bool   `mapstructure:"headless"`
	BinPath  string `mapstructure:"bin_path"`
	ProxyURL string `mapstructure:"proxy_url"`
}

// Redis configures the shared proxy cursor. An empty Addr keeps the cursor
// in process.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Config is the process configuration.
type Config struct {
	// Database is a file path for sqlite or a postgres:// DSN.
	Database         string           `mapstructure:"database"`
	LogLevel         string           `mapstructure:"log_level"`
	LogFormat        string           `mapstructure:"log_format"`
	MetricsPort      int              `mapstructure:"metrics_port"`
	RawDir           string           `mapstructure:"raw_dir"`
	PollInterval     time.Duration    `mapstructure:"poll_interval"`
	ScanPollInterval time.Duration    `mapstructure:"scan_poll_interval"`
	Browser          Browser          `mapstructure:"browser"`
	Redis            Redis            `mapstructure:"redis"`
	Settings         storage.Settings `mapstructure:"settings"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "snare.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics_port", 0)
	v.SetDefault("raw_dir", "raw")
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("scan_poll_interval", "3s")

	v.SetDefault("browser", map[string]any{
		"headless":  true,
		"bin_path":  "",
		"proxy_url": "",
	})
	v.SetDefault("redis", map[string]any{
		"addr":     "",
		"password": "",
		"db":       0,
		"prefix":   "snare:proxy",
	})

	d := storage.DefaultSettings()
	v.SetDefault("settings", map[string]any{
		"concurrency":                d.Concurrency,
		"requestDelay":               d.RequestDelayMs,
		"timeout":                    d.TimeoutMs,
		"baseURL":                    d.BaseURL,
		"geographyCode":              d.GeographyCode,
		"proxyEnabled":               d.ProxyEnabled,
		"proxyRotateByCount":         d.ProxyRotateByCount,
		"proxyRotateByTime":          d.ProxyRotateByTime,
		"proxyMaxFailures":           d.ProxyMaxFailures,
		"proxySwitchOnFail":          d.ProxySwitchOnFail,
		"proxyFailRetryCount":        d.ProxyFailRetryCount,
		"fingerprintRotate":          string(d.FingerprintRotate),
		"fingerprintRotateOnCaptcha": d.FingerprintRotateOnCaptcha,
		"fingerprintRotateCount":     d.FingerprintRotateCount,
		"captchaHandling":            string(d.CaptchaHandling),
		"captchaRetryCount":          d.CaptchaRetryCount,
		"captchaTimeout":             d.CaptchaTimeoutSec,
		"saveRawResponse":            d.SaveRawResponse,
	})
}

// New returns a viper instance with snare's defaults, environment binding
// and config file lookup. An empty path searches ./snare.yaml and
// $HOME/.snare/snare.yaml.
func New(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("snare")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.snare")
	}
	return v
}

// Load reads the config file, if any, binds flags and decodes the result.
// Flags are bound by name, so a flag called log_level overrides the
// log_level key. A missing default config file is not an error; a missing
// explicit one is.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := New(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Settings = cfg.Settings.Normalize()
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
