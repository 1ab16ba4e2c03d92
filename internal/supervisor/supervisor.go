// Package supervisor runs one SOCKS5 listener per active reverse token,
// accepting TCP clients and handing each off to go-socks5 with a Dial hook
// that relays the CONNECT over the token's round-robin WebSocket peer.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/h12w/go-socks5"

	"github.com/cortexuvula/wssocksd/internal/channelbus"
	"github.com/cortexuvula/wssocksd/internal/metrics"
	"github.com/cortexuvula/wssocksd/internal/registry"
	"github.com/cortexuvula/wssocksd/internal/relay"
	"github.com/cortexuvula/wssocksd/internal/socketmgr"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Supervisor owns the accept loop for a single reverse token's SOCKS5
// listener.
type Supervisor struct {
	token string
	port  int

	sockets *socketmgr.Manager
	reg     *registry.Registry
	bus     *channelbus.Bus
	log     *slog.Logger

	socksSrv *socks5.Server
	active   *metrics.ActiveGauge

	mu       sync.Mutex
	handlers sync.WaitGroup
	cancel   context.CancelFunc
	stopped  bool
}

// New builds the go-socks5 server for token (wiring its optional SOCKS5
// credentials) and prepares a Supervisor; the listener itself is not
// opened until Start. active may be nil, in which case connection counting
// is skipped.
func New(token string, port int, sockets *socketmgr.Manager, reg *registry.Registry, bus *channelbus.Bus, username, password string, active *metrics.ActiveGauge, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("token", token, "port", port)

	s := &Supervisor{
		token:   token,
		port:    port,
		sockets: sockets,
		reg:     reg,
		bus:     bus,
		active:  active,
		log:     log,
	}

	dialer := &relay.Dialer{
		Token: token,
		Bus:   bus,
		Selector: func() (relay.FrameSender, bool) {
			return reg.Select(token)
		},
		Log: log,
	}

	conf := &socks5.Config{
		Dial: dialer.Dial,
	}
	if username != "" && password != "" {
		conf.AuthMethods = []socks5.Authenticator{
			socks5.UserPassAuthenticator{Credentials: staticCredentials{username: username, password: password}},
		}
	} else {
		conf.AuthMethods = []socks5.Authenticator{socks5.NoAuthAuthenticator{}}
	}

	srv, err := socks5.New(conf)
	if err != nil {
		return nil, err
	}
	s.socksSrv = srv
	return s, nil
}

// Start acquires the listen socket and begins accepting SOCKS5 clients in
// a background goroutine. Safe to call once per Supervisor.
func (s *Supervisor) Start(ctx context.Context) error {
	ln, err := s.sockets.Acquire(s.port)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.acceptLoop(runCtx, ln)
	s.log.Info("socks5 supervisor started")
	return nil
}

// Stop cancels the accept loop, waits for in-flight handlers to finish,
// and releases the listen socket into its grace window. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.handlers.Wait()
	s.sockets.Release(s.port)
	s.log.Info("socks5 supervisor stopped")
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener) {
	backoff := time.Duration(0)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if isResourceExhausted(err) {
				if backoff == 0 {
					backoff = minAcceptBackoff
				} else {
					backoff *= 2
					if backoff > maxAcceptBackoff {
						backoff = maxAcceptBackoff
					}
				}
				s.log.Warn("accept failed, resource exhausted, backing off", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}
			backoff = 0
			s.log.Warn("transient accept error, continuing", "error", err)
			continue
		}
		backoff = 0

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Supervisor) serveConn(conn net.Conn) {
	defer conn.Close()
	if s.active != nil {
		s.active.Inc()
		defer s.active.Dec()
	}
	if err := s.socksSrv.ServeConn(conn); err != nil {
		s.log.Debug("socks5 session ended", "error", err, "remote", conn.RemoteAddr())
	}
}

func isResourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

// staticCredentials implements socks5.CredentialStore for a single
// fixed username/password pair, the only shape a reverse token's SOCKS5
// auth needs.
type staticCredentials struct {
	username, password string
}

func (c staticCredentials) Valid(user, password string) bool {
	return user == c.username && password == c.password
}
