package bridge

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/providers"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Codecs        CodecConfig         `mapstructure:"codecs"`
	Languages     LanguageConfig      `mapstructure:"languages"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Port, when set, replaces the port of Addr.
	Port           int           `mapstructure:"port"`
	Path           string        `mapstructure:"path"`
	Subprotocols   []string      `mapstructure:"subprotocols"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type ProviderConfig struct {
	Name     string         `mapstructure:"name"`
	Settings map[string]any `mapstructure:"settings"`
	// RestartInterval overrides the backend default; negative disables proactive restarts.
	RestartInterval  time.Duration `mapstructure:"restart_interval"`
	MaxResults       int           `mapstructure:"max_results"`
	MaxPendingChunks int           `mapstructure:"max_pending_chunks"`
	EndTimeout       time.Duration `mapstructure:"end_timeout"`
}

type CodecConfig struct {
	Default CodecDefault `mapstructure:"default"`
}

type CodecDefault struct {
	Name       string `mapstructure:"name"`
	SampleRate int    `mapstructure:"sample_rate"`
}

type LanguageConfig struct {
	Default string `mapstructure:"default"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// LogSampleRate is the share of per-chunk audio events written to the debug log.
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
}

type ObservabilityConfig struct {
	TimelineDir   string `mapstructure:"timeline_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// NewViper returns a viper instance carrying every default and environment
// binding. Callers may bind CLI flags to it before calling LoadFromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.addr", ":9099")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.path", "/")
	v.SetDefault("server.subprotocols", []string{"speech_to_text"})
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.write_timeout", 5*time.Second)
	v.SetDefault("provider.name", "google")
	v.SetDefault("provider.settings", map[string]any{})
	v.SetDefault("provider.restart_interval", 0)
	v.SetDefault("provider.max_results", 100)
	v.SetDefault("provider.max_pending_chunks", 500)
	v.SetDefault("provider.end_timeout", 2*time.Second)
	v.SetDefault("codecs.default.name", negotiate.DefaultCodec.Name)
	v.SetDefault("codecs.default.sample_rate", negotiate.DefaultCodec.SampleRate)
	v.SetDefault("languages.default", negotiate.DefaultLanguage)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.log_sample_rate", 0.02)
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("shutdown.drain_timeout", 20*time.Second)

	v.SetEnvPrefix("SPEECHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("provider.name", "SPEECHBRIDGE_PROVIDER_NAME", "PROVIDER")
	_ = v.BindEnv("server.port", "SPEECHBRIDGE_SERVER_PORT", "PORT")
	return v
}

// LoadConfig reads an optional YAML file on top of defaults and environment.
func LoadConfig(path string) (Config, error) {
	return LoadFromViper(NewViper(), path)
}

func LoadFromViper(v *viper.Viper, path string) (Config, error) {
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	if err := cfg.applyPort(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyPort() error {
	if c.Server.Port == 0 {
		return nil
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	host, _, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		host = ""
	}
	c.Server.Addr = net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	name := strings.ToLower(strings.TrimSpace(c.Provider.Name))
	if name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(providers.Names, name) {
		errs = append(errs, fmt.Errorf("provider.name %q is not one of %s", c.Provider.Name, strings.Join(providers.Names, ", ")))
	}
	c.Provider.Name = name
	if c.Provider.MaxResults <= 0 {
		errs = append(errs, errors.New("provider.max_results must be positive"))
	}
	if c.Provider.MaxPendingChunks <= 0 {
		errs = append(errs, errors.New("provider.max_pending_chunks must be positive"))
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}
	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
		} else if c.Metrics.Path == c.Server.Path || c.Metrics.Path == "/health" {
			errs = append(errs, fmt.Errorf("metrics.path %q collides with another route", c.Metrics.Path))
		}
	}
	if strings.TrimSpace(c.Codecs.Default.Name) == "" {
		errs = append(errs, errors.New("codecs.default.name is required"))
	}
	if strings.TrimSpace(c.Languages.Default) == "" {
		errs = append(errs, errors.New("languages.default is required"))
	}
	return errors.Join(errs...)
}

// DefaultCodec is the codec every session starts with.
func (c Config) DefaultCodec() negotiate.Codec {
	codec := negotiate.Codec{Name: c.Codecs.Default.Name, SampleRate: c.Codecs.Default.SampleRate}
	if codec.SampleRate <= 0 {
		codec.SampleRate = negotiate.DefaultSampleRate(codec.Name)
	}
	return codec
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Provider.Settings = expandSettings(cfg.Provider.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
