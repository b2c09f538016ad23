package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/harunnryd/speechbridge/pkg/frames"
	"github.com/harunnryd/speechbridge/pkg/logging"
	"github.com/harunnryd/speechbridge/pkg/transports"
)

const DefaultSubprotocol = "speech_to_text"

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	Subprotocols   []string `mapstructure:"subprotocols"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MetricsPath is served by MetricsHandler when both are set.
	MetricsPath    string       `mapstructure:"metrics_path"`
	MetricsHandler http.Handler `mapstructure:"-"`
	SendBuffer     int          `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration
	CloseTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":9099"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if len(c.Subprotocols) == 0 {
		c.Subprotocols = []string{DefaultSubprotocol}
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = time.Second
	}
	return c
}

// Listener accepts websocket connections and hands each one out as a Transport.
type Listener struct {
	cfg      Config
	upgrader gws.Upgrader
	router   chi.Router
	server   *http.Server
	logger   *slog.Logger
	pts      *frames.PTSGen

	conns chan transports.Transport
	done  chan struct{}

	mu       sync.Mutex
	sessions map[string]*Conn
	closed   bool
	addr     string

	draining  atomic.Bool
	closeOnce sync.Once
}

func New(cfg Config, logger *slog.Logger) *Listener {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		cfg: cfg,
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    cfg.Subprotocols,
		},
		logger:   logging.NewComponentLogger(logger, "websocket_listener"),
		pts:      frames.NewPTSGen(),
		conns:    make(chan transports.Transport),
		done:     make(chan struct{}),
		sessions: make(map[string]*Conn),
	}
	l.upgrader.CheckOrigin = l.checkOrigin

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if l.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.MetricsHandler != nil && cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}
	r.Get(cfg.Path, l.ServeHTTP)
	l.router = r
	return l
}

// Handler exposes the router, e.g. for httptest servers.
func (l *Listener) Handler() http.Handler { return l.router }

func (l *Listener) Connections() <-chan transports.Transport { return l.conns }

func (l *Listener) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.addr = ln.Addr().String()
	l.server = &http.Server{
		Addr:              l.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           l.router,
	}
	server := l.server
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket_server_error", "error", err.Error())
		}
	}()
	l.logger.Info("websocket_listener_started", "addr", l.addr, "path", l.cfg.Path)
	return nil
}

// Addr returns the bound address once started.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *Listener) ReadyFields() map[string]any {
	return map[string]any{
		"addr":         l.Addr(),
		"path":         l.cfg.Path,
		"subprotocols": strings.Join(l.cfg.Subprotocols, ","),
	}
}

// Close stops accepting, closes every client connection, then stops listening.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.draining.Store(true)
		l.mu.Lock()
		l.closed = true
		sessions := make([]*Conn, 0, len(l.sessions))
		for _, c := range l.sessions {
			sessions = append(sessions, c)
		}
		server := l.server
		l.mu.Unlock()

		for _, c := range sessions {
			_ = c.Close()
		}
		close(l.done)
		if server != nil {
			_ = server.Close()
		}
		l.logger.Info("websocket_listener_closed", "clients", len(sessions))
	})
	return nil
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket_upgrade_failed", "error", err.Error(), "remote_addr", r.RemoteAddr)
		return
	}

	c := newConn(uuid.NewString(), conn, r.RemoteAddr, l.cfg, l.pts, l.logger, l.detach)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = c.Close()
		return
	}
	l.sessions[c.id] = c
	l.mu.Unlock()

	l.logger.Info("websocket_client_connected", "session_id", c.id, "remote_addr", r.RemoteAddr, "subprotocol", conn.Subprotocol())
	c.start()

	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *Listener) detach(id string) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
}

// ActiveConnections reports the number of open client connections.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) checkOrigin(r *http.Request) bool {
	if len(l.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range l.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if a == "*" {
			return true
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

var _ transports.Listener = (*Listener)(nil)
