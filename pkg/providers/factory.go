package providers

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/configutil"
	"github.com/harunnryd/speechbridge/pkg/metrics"
	"github.com/harunnryd/speechbridge/pkg/providers/deepgram"
	"github.com/harunnryd/speechbridge/pkg/providers/gladia"
	"github.com/harunnryd/speechbridge/pkg/providers/google"
	"github.com/harunnryd/speechbridge/pkg/providers/mock"
	"github.com/harunnryd/speechbridge/pkg/providers/streaming"
	"github.com/harunnryd/speechbridge/pkg/resilience"
)

// Names lists every backend a Factory can build.
var Names = []string{google.Name, gladia.Name, deepgram.Name, mock.Name}

type Options struct {
	MaxResults       int
	MaxPendingChunks int
	// RestartInterval overrides the backend's proactive restart period.
	// Zero keeps the backend default, negative disables restarts.
	RestartInterval time.Duration
	EndTimeout      time.Duration
	Logger          *slog.Logger
	Observer        metrics.Observer
}

// Factory builds one Provider per session over a shared backend.
type Factory struct {
	backend stt.Backend
	opts    Options
	restart time.Duration
	logger  *slog.Logger
}

type googleSettings struct {
	CredentialsFile string   `mapstructure:"credentials_file"`
	Endpoint        string   `mapstructure:"endpoint"`
	Model           string   `mapstructure:"model"`
	Languages       []string `mapstructure:"languages"`
}

type gladiaSettings struct {
	APIKey           string        `mapstructure:"api_key"`
	LiveURL          string        `mapstructure:"live_url"`
	Languages        []string      `mapstructure:"languages"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type deepgramSettings struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	SmartFormat *bool    `mapstructure:"smart_format"`
	Languages   []string `mapstructure:"languages"`
}

type mockSettings struct {
	Transcript     string   `mapstructure:"transcript"`
	Confidence     float64  `mapstructure:"confidence"`
	EveryBytes     int      `mapstructure:"every_bytes"`
	Codecs         []string `mapstructure:"codecs"`
	Languages      []string `mapstructure:"languages"`
	FailAfterBytes int      `mapstructure:"fail_after_bytes"`
}

// NewFactory resolves a backend by name and decodes its vendor settings.
func NewFactory(name string, settings map[string]any, opts Options) (*Factory, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var (
		backend stt.Backend
		restart time.Duration
	)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case google.Name:
		var s googleSettings
		if err := decode(settings, &s, "credentials_file", "endpoint", "model", "languages"); err != nil {
			return nil, fmt.Errorf("google settings: %w", err)
		}
		backend = google.New(google.Config{
			CredentialsFile: s.CredentialsFile,
			Endpoint:        s.Endpoint,
			Model:           s.Model,
			Languages:       s.Languages,
			Logger:          logger,
		})
		restart = google.RestartInterval
	case gladia.Name:
		var s gladiaSettings
		if err := decode(settings, &s, "api_key", "live_url", "languages", "max_retries", "retry_backoff", "breaker_threshold", "breaker_cooldown"); err != nil {
			return nil, fmt.Errorf("gladia settings: %w", err)
		}
		s.APIKey = configutil.EnvFallback(s.APIKey, "GLADIA_API_KEY")
		backend = gladia.New(gladia.Config{
			APIKey:    s.APIKey,
			LiveURL:   s.LiveURL,
			Languages: s.Languages,
			Retry:     resilience.NewRetryPolicy(s.MaxRetries, s.RetryBackoff),
			Breaker:   resilience.NewCircuitBreaker(s.BreakerThreshold, s.BreakerCooldown),
			Logger:    logger,
		})
	case deepgram.Name:
		var s deepgramSettings
		if err := decode(settings, &s, "api_key", "model", "smart_format", "languages"); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		s.APIKey = configutil.EnvFallback(s.APIKey, "DEEPGRAM_API_KEY")
		backend = deepgram.New(deepgram.Config{
			APIKey:       s.APIKey,
			Model:        s.Model,
			SmartFormat:  configutil.BoolValue(s.SmartFormat, true),
			Languages:    s.Languages,
			CloseTimeout: opts.EndTimeout,
			Logger:       logger,
		})
	case mock.Name:
		var s mockSettings
		if err := decode(settings, &s, "transcript", "confidence", "every_bytes", "codecs", "languages", "fail_after_bytes"); err != nil {
			return nil, fmt.Errorf("mock settings: %w", err)
		}
		backend = mock.NewSTT(mock.STTConfig{
			Transcript:     s.Transcript,
			Confidence:     s.Confidence,
			EveryBytes:     s.EveryBytes,
			Codecs:         s.Codecs,
			Languages:      s.Languages,
			FailAfterBytes: s.FailAfterBytes,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(Names, ", "))
	}
	return newFactory(backend, restart, opts, logger), nil
}

// NewFactoryForBackend wraps an already constructed backend.
func NewFactoryForBackend(backend stt.Backend, opts Options) *Factory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return newFactory(backend, 0, opts, logger)
}

func newFactory(backend stt.Backend, restart time.Duration, opts Options, logger *slog.Logger) *Factory {
	switch {
	case opts.RestartInterval > 0:
		restart = opts.RestartInterval
	case opts.RestartInterval < 0:
		restart = 0
	}
	return &Factory{backend: backend, opts: opts, restart: restart, logger: logger}
}

func decode(settings map[string]any, out any, keys ...string) error {
	return configutil.ValidateAndDecode(settings, configutil.Schema{Section: "provider.settings", Optional: keys}, out)
}

func (f *Factory) Name() string { return f.backend.Name() }

// RestartInterval reports the effective proactive restart period. Zero means disabled.
func (f *Factory) RestartInterval() time.Duration { return f.restart }

// New builds the Provider owned by one session.
func (f *Factory) New(sessionID string) stt.Provider {
	return streaming.New(f.backend, streaming.Options{
		SessionID:        sessionID,
		MaxResults:       f.opts.MaxResults,
		MaxPendingChunks: f.opts.MaxPendingChunks,
		RestartInterval:  f.restart,
		EndTimeout:       f.opts.EndTimeout,
		Logger:           f.logger,
		Observer:         f.opts.Observer,
	})
}

// Close releases shared backend resources.
func (f *Factory) Close() error {
	if c, ok := f.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
