// Package coordinator wires together the port pool, token registry,
// channel bus, and SOCKS5 supervisors into a running server: it binds the
// WebSocket control-plane listener and the health/admin listener, drains
// any statically configured tokens, and carries out graceful shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/wssocksd/internal/adminapi"
	"github.com/cortexuvula/wssocksd/internal/channelbus"
	"github.com/cortexuvula/wssocksd/internal/config"
	"github.com/cortexuvula/wssocksd/internal/frontend"
	"github.com/cortexuvula/wssocksd/internal/health"
	"github.com/cortexuvula/wssocksd/internal/logring"
	"github.com/cortexuvula/wssocksd/internal/metrics"
	"github.com/cortexuvula/wssocksd/internal/portpool"
	"github.com/cortexuvula/wssocksd/internal/registry"
	"github.com/cortexuvula/wssocksd/internal/security"
	"github.com/cortexuvula/wssocksd/internal/socketmgr"
	"github.com/cortexuvula/wssocksd/internal/supervisor"
	"github.com/cortexuvula/wssocksd/internal/wsession"
)

// frameRateMultiplier scales the configured connection rate limit up for
// the token-keyed data-frame limiter: a session legitimately sends many
// more SOCKS5 data frames per minute than it opens new connections.
const frameRateMultiplier = 50

// Coordinator owns the lifetime of every server component: listeners,
// the token registry, and the per-token SOCKS5 supervisors.
type Coordinator struct {
	cfg *config.Config
	log *slog.Logger

	pool    *portpool.Pool
	reg     *registry.Registry
	bus     *channelbus.Bus
	sockets *socketmgr.Manager

	conns        *security.ConnGuard
	limiter      *security.RateLimiter
	tokenLimiter *security.RateLimiter
	metrics      *metrics.Metrics
	ring         *logring.RingBuffer

	activeSocks *metrics.ActiveGauge
	dialer      *net.Dialer

	supMu       sync.Mutex
	supervisors map[string]*supervisor.Supervisor

	wsListener     net.Listener
	wsServer       *http.Server
	healthListener net.Listener
	healthServer   *http.Server

	startTime time.Time
	version   string

	ready     chan struct{}
	readyOnce sync.Once

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New assembles a Coordinator from cfg. It does not bind any listeners;
// call Start for that.
func New(cfg *config.Config, version string, log *slog.Logger, ring *logring.RingBuffer) *Coordinator {
	if log == nil {
		log = slog.Default()
	}

	pool := portpool.NewRange(cfg.Socks.PortRangeStart, cfg.Socks.PortRangeEnd)
	reg := registry.New(pool)
	bus := channelbus.New(log.With("component", "channelbus"))
	sockets := socketmgr.New(cfg.Socks.Host, cfg.Socks.SocketGrace, log.With("component", "socketmgr"))
	conns := security.NewConnGuard()

	var limiter *security.RateLimiter
	var tokenLimiter *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		limiter = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		// Token-keyed instance: gates inbound data frames per reverse/forward
		// token rather than per source IP, so one saturated tunnel can't
		// starve frame delivery for every other token sharing the listener.
		tokenLimiter = security.NewRateLimiter(r*frameRateMultiplier, cfg.Security.RateLimit.ConnectionsPerMinute*int(frameRateMultiplier))
	}

	var m *metrics.Metrics
	var activeSocksGauge *metrics.ActiveGauge
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		activeSocksGauge = metrics.NewActiveGauge(m.SocksActiveConnections)
	} else {
		activeSocksGauge = metrics.NewActiveGauge(nil)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:            cfg,
		log:            log,
		pool:           pool,
		reg:            reg,
		bus:            bus,
		sockets:        sockets,
		conns:          conns,
		limiter:        limiter,
		tokenLimiter:   tokenLimiter,
		metrics:        m,
		ring:           ring,
		activeSocks:    activeSocksGauge,
		dialer:         &net.Dialer{Timeout: cfg.Socks.DialTimeout},
		supervisors:    make(map[string]*supervisor.Supervisor),
		startTime:      time.Now(),
		version:        version,
		ready:          make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
}

// Start binds the WebSocket and health listeners and begins serving, then
// drains any statically configured tokens. It returns once both listeners
// are bound; serving happens in background goroutines.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, t := range c.cfg.Tokens.Pending {
		switch t.Kind {
		case "reverse":
			token, port, ok := c.reg.AddReverse(t.Token, t.Port, t.Username, t.Password)
			if !ok {
				c.log.Error("pending reverse token conflicts with an existing forward token", "token", t.Token)
				continue
			}
			if !c.cfg.Socks.WaitClient {
				c.startSupervisor(token, port, t.Username, t.Password)
			}
		case "forward":
			c.reg.AddForward(t.Token)
		}
	}

	wsMux := http.NewServeMux()
	fh := &frontend.Handler{
		Registry:            c.reg,
		Bus:                 c.bus,
		Forward:             c.dialer,
		ActiveSocks:         c.activeSocks,
		RateLimiter:         c.limiter,
		TokenLimiter:        c.tokenLimiter,
		Conns:               c.conns,
		MaxConnections:      c.cfg.Security.MaxConnections,
		MaxConnectionsPerIP: c.cfg.Security.MaxConnectionsPerIP,
		Log:                 c.log.With("component", "frontend"),
		ShutdownCtx:         c.shutdownCtx,
		OnSessionStarted: func(sess *wsession.Session) {
			if sess.Kind == wsession.KindReverse && c.cfg.Socks.WaitClient {
				c.ensureSupervisorStarted(sess.Token)
			}
		},
	}
	wsMux.Handle("/", fh)

	wsListener, err := net.Listen("tcp", net.JoinHostPort(c.cfg.Server.WSHost, portString(c.cfg.Server.WSPort)))
	if err != nil {
		return fmt.Errorf("coordinator: binding ws listener: %w", err)
	}
	c.wsListener = wsListener
	c.wsServer = &http.Server{Handler: wsMux, ReadHeaderTimeout: 10 * time.Second}

	if c.cfg.Health.Enabled {
		healthMux := http.NewServeMux()
		healthMux.Handle("/health", health.NewHandler(c, c.version, true))
		if c.metrics != nil {
			healthMux.Handle("/metrics", promhttp.Handler())
		}
		if c.cfg.Admin.Enabled {
			api := adminapi.New(adminapi.Dependencies{
				Registry:       c.reg,
				RingBuffer:     c.ring,
				Version:        c.version,
				StartTime:      c.startTime,
				AuthToken:      c.cfg.Admin.AuthToken,
				OnReverseAdded: c.onReverseAdded,
				OnTokenRemoved: c.onTokenRemoved,
				Log:            c.log.With("component", "adminapi"),
			})
			healthMux.Handle("/api/v1/", api.Handler())
		}

		healthListener, err := net.Listen("tcp", c.cfg.Health.ListenAddress)
		if err != nil {
			wsListener.Close()
			return fmt.Errorf("coordinator: binding health listener: %w", err)
		}
		c.healthListener = healthListener
		c.healthServer = &http.Server{
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}

		go func() {
			c.log.Info("health endpoint listening", "address", c.cfg.Health.ListenAddress)
			if err := c.healthServer.Serve(healthListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		c.log.Info("websocket listener started", "address", wsListener.Addr().String())
		if err := c.wsServer.Serve(wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("websocket server error", "error", err)
		}
	}()

	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// WaitReady blocks until both listeners are bound or ctx is cancelled.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new WebSocket sessions, cancels the shutdown
// context so active sessions unwind, stops every supervisor, and closes
// the health server.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.wsListener != nil {
		c.wsListener.Close()
	}

	c.shutdownCancel()

	c.supMu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(c.supervisors))
	for _, s := range c.supervisors {
		sups = append(sups, s)
	}
	c.supMu.Unlock()
	for _, s := range sups {
		s.Stop()
	}

	c.sockets.Close()
	if c.limiter != nil {
		c.limiter.Stop()
	}
	if c.tokenLimiter != nil {
		c.tokenLimiter.Stop()
	}

	if c.healthServer != nil {
		return c.healthServer.Shutdown(ctx)
	}
	return nil
}

// ReloadConfig applies the reloadable subset of newCfg (per
// config.ApplyReloadableFields) and logs any fields that required a
// restart to take effect.
func (c *Coordinator) ReloadConfig(newCfg *config.Config) {
	for _, w := range config.IsReloadSafe(c.cfg, newCfg) {
		c.log.Warn("config reload warning", "warning", w)
	}
	c.cfg = c.cfg.ApplyReloadableFields(newCfg)
	if c.limiter != nil && c.cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(c.cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		c.limiter.UpdateRate(r, c.cfg.Security.RateLimit.ConnectionsPerMinute)
		if c.tokenLimiter != nil {
			c.tokenLimiter.UpdateRate(r*frameRateMultiplier, c.cfg.Security.RateLimit.ConnectionsPerMinute*int(frameRateMultiplier))
		}
	}
	c.log.Info("config reloaded")
}

func (c *Coordinator) onReverseAdded(token string, port int) {
	if c.cfg.Socks.WaitClient {
		return
	}
	rec := c.reg.ReverseRecord(token)
	if rec == nil {
		return
	}
	c.startSupervisor(token, port, rec.Username, rec.Password)
}

func (c *Coordinator) onTokenRemoved(token string, wasReverse bool, port int, peers []registry.Peer) {
	if wasReverse {
		c.supMu.Lock()
		sup := c.supervisors[token]
		delete(c.supervisors, token)
		c.supMu.Unlock()
		if sup != nil {
			sup.Stop()
		}
	}
	if c.tokenLimiter != nil {
		c.tokenLimiter.Remove(token)
	}
	for _, p := range peers {
		p.Close(1000, "Token removed")
	}
}

func (c *Coordinator) ensureSupervisorStarted(token string) {
	if !c.reg.EnsureStarted(token) {
		return
	}
	rec := c.reg.ReverseRecord(token)
	if rec == nil {
		return
	}
	c.startSupervisor(token, rec.Port, rec.Username, rec.Password)
}

func (c *Coordinator) startSupervisor(token string, port int, username, password string) {
	sup, err := supervisor.New(token, port, c.sockets, c.reg, c.bus, username, password, c.activeSocks, c.log.With("component", "supervisor"))
	if err != nil {
		c.log.Error("failed to build socks5 supervisor", "token", token, "error", err)
		return
	}
	if err := sup.Start(c.shutdownCtx); err != nil {
		c.log.Error("failed to start socks5 supervisor", "token", token, "port", port, "error", err)
		return
	}
	c.supMu.Lock()
	c.supervisors[token] = sup
	c.supMu.Unlock()
}

// NotifySystemdReady sends sd_notify READY=1, for use under systemd's
// Type=notify service model.
func (c *Coordinator) NotifySystemdReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		c.log.Error("sd_notify READY failed", "error", err)
	} else if !sent {
		c.log.Debug("sd_notify READY not sent (NOTIFY_SOCKET not set)")
	}
}

// RunWatchdog sends sd_notify WATCHDOG=1 on a fixed interval until ctx is
// cancelled.
func (c *Coordinator) RunWatchdog(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				c.log.Warn("sd_notify watchdog failed", "error", err)
			}
		}
	}
}

// health.Stats implementation.

func (c *Coordinator) ActiveWSSessions() int       { return c.conns.ConnectionCount() }
func (c *Coordinator) ActiveSocksConnections() int { return c.activeSocks.Value() }
func (c *Coordinator) TotalConnections() int64     { return c.conns.TotalConnections() }
func (c *Coordinator) ReverseTokenCount() int       { return len(c.reg.ReverseTokens()) }
func (c *Coordinator) ForwardTokenCount() int       { return len(c.reg.ForwardTokens()) }
func (c *Coordinator) PortsInUse() int {
	total := c.cfg.Socks.PortRangeEnd - c.cfg.Socks.PortRangeStart + 1
	return total - c.pool.Available()
}
func (c *Coordinator) PortsFree() int { return c.pool.Available() }

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}
