// Package wsession implements the per-connection WebSocket control loop:
// the first-frame auth handshake, the 30s keepalive ping, the dispatcher
// with its 60s recv-timeout liveness probe, and routing of inbound frames
// to the channel bus or to a forward-mode dial handler.
package wsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/cortexuvula/wssocksd/internal/channelbus"
	"github.com/cortexuvula/wssocksd/internal/metrics"
	"github.com/cortexuvula/wssocksd/internal/registry"
	"github.com/cortexuvula/wssocksd/internal/relay"
	"github.com/cortexuvula/wssocksd/internal/security"
	"github.com/cortexuvula/wssocksd/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pingTimeout      = 10 * time.Second
	recvTimeout      = 60 * time.Second
)

// AuthError carries the WebSocket close code/reason Accept wants the
// caller to send when the handshake is rejected — spec.md §6.3 names two
// distinct close reasons depending on what went wrong.
type AuthError struct {
	Code   websocket.StatusCode
	Reason string
	err    error
}

func (e *AuthError) Error() string { return e.Reason + ": " + e.err.Error() }
func (e *AuthError) Unwrap() error { return e.err }

func authErr(code websocket.StatusCode, reason string, err error) *AuthError {
	return &AuthError{Code: code, Reason: reason, err: err}
}

// Session wraps one authenticated WebSocket connection, whichever side
// opened it. Dispatch behavior depends on whether the peer authenticated
// against a reverse or a forward token.
type Session struct {
	ID    uuid.UUID
	Token string
	Kind  Kind

	conn    *websocket.Conn
	reg     *registry.Registry
	bus     *channelbus.Bus
	fwd     relay.ForwardDialer
	active  *metrics.ActiveGauge
	limiter *security.RateLimiter
	log     *slog.Logger
}

// Kind distinguishes which registry set a session's token belongs to.
type Kind int

const (
	KindReverse Kind = iota
	KindForward
)

func (k Kind) String() string {
	if k == KindReverse {
		return "reverse"
	}
	return "forward"
}

// Accept performs the auth handshake on conn and, on success, returns a
// running Session whose Serve loop dispatches inbound frames until the
// connection closes or ctx is cancelled. The caller must arrange for conn
// to be closed eventually (Serve does this itself on return).
func Accept(ctx context.Context, conn *websocket.Conn, reg *registry.Registry, bus *channelbus.Bus, fwd relay.ForwardDialer, active *metrics.ActiveGauge, limiter *security.RateLimiter, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}

	authCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var first wire.Frame
	if err := wsjson.Read(authCtx, conn, &first); err != nil {
		return nil, fmt.Errorf("wsession: reading auth frame: %w", err)
	}
	if first.Type != wire.TypeAuth {
		_ = sendAuthResponse(authCtx, conn, false, "first frame must be auth")
		return nil, authErr(websocket.StatusPolicyViolation, "Invalid auth message", fmt.Errorf("expected auth frame, got %q", first.Type))
	}

	id := uuid.New()
	s := &Session{
		ID:      id,
		Token:   first.Token,
		conn:    conn,
		reg:     reg,
		bus:     bus,
		fwd:     fwd,
		active:  active,
		limiter: limiter,
		log:     log.With("token", first.Token, "conn_id", id.String()[:8]),
	}

	wantReverse := wire.IsTrue(first.Reverse)
	switch {
	case wantReverse && reg.ReverseRecord(first.Token) != nil:
		s.Kind = KindReverse
	case !wantReverse && reg.IsForward(first.Token):
		s.Kind = KindForward
	default:
		_ = sendAuthResponse(authCtx, conn, false, "unknown or mismatched token")
		return nil, authErr(websocket.StatusPolicyViolation, "Invalid token", fmt.Errorf("auth rejected for token %q (reverse=%v)", first.Token, wantReverse))
	}

	if s.Kind == KindReverse {
		if !reg.AddClient(s.Token, s.ID, s) {
			_ = sendAuthResponse(authCtx, conn, false, "token no longer registered")
			return nil, authErr(websocket.StatusPolicyViolation, "Invalid token", errors.New("reverse token removed during auth"))
		}
	}

	if err := sendAuthResponse(authCtx, conn, true, ""); err != nil {
		if s.Kind == KindReverse {
			reg.RemoveClient(s.Token, s.ID)
		}
		return nil, fmt.Errorf("wsession: sending auth_response: %w", err)
	}

	s.log.Info("session authenticated", "kind", s.Kind)
	return s, nil
}

func sendAuthResponse(ctx context.Context, conn *websocket.Conn, success bool, errMsg string) error {
	return wsjson.Write(ctx, conn, &wire.Frame{
		Type:    wire.TypeAuthResponse,
		Success: wire.Bool(success),
		Error:   errMsg,
	})
}

// Send writes f to the peer. Safe to call concurrently with Serve's reads;
// coder/websocket allows one concurrent reader and one concurrent writer.
func (s *Session) Send(ctx context.Context, f *wire.Frame) error {
	return wsjson.Write(ctx, s.conn, f)
}

// Close implements registry.Peer.
func (s *Session) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

// Serve runs the keepalive and dispatch loops until ctx is cancelled or the
// connection errors out, then cleans up the session's registry membership.
func (s *Session) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer s.cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.keepAlive(ctx, cancel)
	}()

	s.dispatch(ctx, cancel)
	<-done
}

func (s *Session) cleanup() {
	if s.Kind == KindReverse {
		s.reg.RemoveClient(s.Token, s.ID)
	}
	s.conn.Close(websocket.StatusNormalClosure, "")
	s.log.Info("session closed")
}

func (s *Session) keepAlive(ctx context.Context, onFail context.CancelFunc) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.Debug("keepalive ping failed", "error", err)
				onFail()
				return
			}
		}
	}
}

// dispatch is the main read loop. Each read blocks for up to recvTimeout;
// a timeout triggers a one-shot ping probe (mirroring the heartbeat
// liveness check of the relay's original dispatcher) before looping again,
// rather than treating a quiet connection as dead outright.
func (s *Session) dispatch(ctx context.Context, onDone context.CancelFunc) {
	defer onDone()

	for {
		readCtx, cancel := context.WithTimeout(ctx, recvTimeout)
		var f wire.Frame
		err := wsjson.Read(readCtx, s.conn, &f)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				probeCtx, probeCancel := context.WithTimeout(ctx, pingTimeout)
				perr := s.conn.Ping(probeCtx)
				probeCancel()
				if perr != nil {
					s.log.Debug("idle probe failed, closing", "error", perr)
					return
				}
				continue
			}
			s.log.Debug("read failed, closing session", "error", err)
			return
		}

		s.handleFrame(ctx, &f)
	}
}

func (s *Session) handleFrame(ctx context.Context, f *wire.Frame) {
	switch f.Type {
	case wire.TypeData:
		if s.limiter != nil && !s.limiter.Allow(s.Token) {
			s.log.Debug("data frame rate limited, dropping", "channel_id", f.ChannelID)
			return
		}
		s.bus.Deliver(f.ChannelID, f)
	case wire.TypeConnectResponse:
		s.bus.Deliver(f.ConnectID, f)
	case wire.TypeConnect:
		if s.Kind != KindForward {
			s.log.Warn("connect frame on non-forward session, ignoring", "connect_id", f.ConnectID)
			return
		}
		go s.handleForwardConnect(ctx, f)
	case wire.TypeAuth:
		s.log.Warn("unexpected auth frame after handshake, ignoring")
	default:
		s.log.Warn("unknown frame type, ignoring", "type", f.Type)
	}
}
