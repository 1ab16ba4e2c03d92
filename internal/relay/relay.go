// Package relay is the external-collaborator boundary from spec.md §4.7:
// it turns a (channel id, WebSocket peer, ChannelBus) triple into a
// net.Conn that go-socks5 can treat as an ordinary outbound TCP socket
// (reverse mode), and it implements the server-dials-out side of forward
// mode directly.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexuvula/wssocksd/internal/channelbus"
	"github.com/cortexuvula/wssocksd/internal/wire"
)

// FrameSender is the subset of wsession.Session the relay needs: the
// ability to push a frame out over the peer's WebSocket. Kept as a small
// local interface so this package has no dependency on wsession.
type FrameSender interface {
	Send(ctx context.Context, f *wire.Frame) error
}

// ForwardDialer opens outbound TCP connections for forward-mode connect
// requests. Satisfied by *net.Dialer in production; fakeable in tests.
type ForwardDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

const (
	// ClientWaitTimeout is how long a reverse-mode dial waits for at least
	// one WebSocket client to be attached to the token before giving up.
	// The resulting error's text is matched by go-socks5's error-to-SOCKS5
	// reply-code logic (see Dialer.Dial) to produce reply code 3, "network
	// unreachable" — spec.md §6 edge cases.
	ClientWaitTimeout = 10 * time.Second

	connectResponseTimeout = 15 * time.Second
	pumpBufferSize         = 32 * 1024
)

// errNoClientAttached's text must contain the exact substring go-socks5's
// handleConnect matches to choose reply code 3 (network unreachable).
var errNoClientAttached = errors.New("network is unreachable: no client attached to token")

// ChannelConn adapts a registered channel id to net.Conn, so that library
// code expecting a stream (go-socks5's bidirectional copy, an io.Copy pump)
// can read and write WebSocket data frames without knowing about the wire
// protocol underneath.
type ChannelConn struct {
	id     string
	peer   FrameSender
	bus    *channelbus.Bus
	log    *slog.Logger
	local  net.Addr
	remote net.Addr

	ctx    context.Context
	cancel context.CancelFunc

	closed  bool
	readBuf []byte
}

// NewChannelConn registers id on bus and returns a net.Conn backed by it.
// The caller must call Close to unregister the channel. Close also cancels
// a private context that unblocks any Read in progress — without it, a
// Read blocked in ChannelBus.Take would leak forever, since Unregister
// only removes the queue rather than closing it out from under a pending
// receive.
func NewChannelConn(id string, peer FrameSender, bus *channelbus.Bus, local, remote net.Addr, log *slog.Logger) *ChannelConn {
	if log == nil {
		log = slog.Default()
	}
	bus.Register(id)
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelConn{id: id, peer: peer, bus: bus, local: local, remote: remote, log: log, ctx: ctx, cancel: cancel}
}

func (c *ChannelConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		f, err := c.bus.Take(c.ctx, c.id)
		if err != nil {
			return 0, err
		}
		if f.Type != wire.TypeData {
			continue
		}
		if len(f.Data) == 0 {
			return 0, io.EOF
		}
		c.readBuf = f.Data
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *ChannelConn) Write(p []byte) (int, error) {
	err := c.peer.Send(c.ctx, &wire.Frame{
		Type:      wire.TypeData,
		ChannelID: c.id,
		Data:      p,
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close unregisters the channel and cancels any in-flight Read/Write. The
// stream end is implicit: EOF is never framed on the wire, it's signaled
// by the channel going unregistered and the peer's own side closing.
func (c *ChannelConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	c.bus.Unregister(c.id)
	return nil
}

func (c *ChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *ChannelConn) RemoteAddr() net.Addr { return c.remote }

// Deadlines are not meaningful over the WebSocket-backed channel; the
// liveness of the underlying session is instead governed by wsession's
// ping/recv-timeout loop. These are no-ops so ChannelConn satisfies
// net.Conn for go-socks5 and io.Copy callers that may set them defensively.
func (c *ChannelConn) SetDeadline(time.Time) error     { return nil }
func (c *ChannelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *ChannelConn) SetWriteDeadline(time.Time) error { return nil }

// Dialer builds the reverse-mode net.Conn go-socks5 uses for each inbound
// SOCKS5 CONNECT. One Dialer is constructed per reverse token by the
// SocksSupervisor.
type Dialer struct {
	Token    string
	Bus      *channelbus.Bus
	Selector func() (FrameSender, bool)
	Log      *slog.Logger
}

// Dial implements the signature go-socks5's Config.Dial expects. It blocks
// up to ClientWaitTimeout for a client to be attached, sends a connect
// frame, and waits for the matching connect_response before returning a
// live ChannelConn (or an error whose text drives go-socks5's reply code).
func (d *Dialer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid target address %q: %w", addr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("relay: invalid target port %q: %w", portStr, err)
	}

	peer, ok := d.waitForPeer(ctx)
	if !ok {
		return nil, errNoClientAttached
	}

	connectID := newConnectID()
	d.Bus.Register(connectID)
	defer d.Bus.Unregister(connectID)

	ctx, cancel := context.WithTimeout(ctx, connectResponseTimeout)
	defer cancel()

	if err := peer.Send(ctx, &wire.Frame{
		Type:      wire.TypeConnect,
		ConnectID: connectID,
		Host:      host,
		Port:      port,
	}); err != nil {
		return nil, fmt.Errorf("relay: sending connect frame: %w", err)
	}

	resp, err := d.Bus.Take(ctx, connectID)
	if err != nil {
		return nil, fmt.Errorf("relay: waiting for connect_response: %w", err)
	}
	if !wire.IsTrue(resp.Success) {
		return nil, fmt.Errorf("relay: remote refused connect: %s", resp.Error)
	}

	return NewChannelConn(connectID, peer, d.Bus, localAddr{}, remoteAddr(addr), d.Log), nil
}

func (d *Dialer) waitForPeer(ctx context.Context) (FrameSender, bool) {
	deadline := time.Now().Add(ClientWaitTimeout)
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if peer, ok := d.Selector(); ok {
			return peer, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-t.C:
		}
	}
}

// ServeForward handles one forward-mode "connect" frame: it dials out,
// replies with connect_response, and pumps data both ways until either
// side closes. Called from a fresh goroutine per connect frame.
func ServeForward(ctx context.Context, dialer ForwardDialer, peer FrameSender, bus *channelbus.Bus, connectID, host string, port int, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectResponseTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		log.Debug("forward dial failed", "connect_id", connectID, "host", host, "port", port, "error", err)
		_ = peer.Send(ctx, &wire.Frame{
			Type:      wire.TypeConnectResponse,
			ConnectID: connectID,
			Success:   wire.Bool(false),
			Error:     err.Error(),
		})
		return
	}

	if err := peer.Send(ctx, &wire.Frame{
		Type:      wire.TypeConnectResponse,
		ConnectID: connectID,
		Success:   wire.Bool(true),
	}); err != nil {
		log.Debug("forward connect_response send failed", "connect_id", connectID, "error", err)
		conn.Close()
		return
	}

	cc := NewChannelConn(connectID, peer, bus, conn.LocalAddr(), conn.RemoteAddr(), log)
	pump(ctx, conn, cc, connectID, log)
}

// pump copies bytes in both directions between a real TCP conn and a
// ChannelConn. Whichever direction finishes first (EOF, error, or ctx
// cancellation) closes both ends, which unblocks the other direction's
// pending Read so pump can return once both goroutines have exited.
func pump(ctx context.Context, tcp net.Conn, ch *ChannelConn, id string, log *slog.Logger) {
	var once sync.Once
	stop := func() {
		once.Do(func() {
			tcp.Close()
			ch.Close()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stop()
		buf := make([]byte, pumpBufferSize)
		io.CopyBuffer(ch, tcp, buf)
	}()
	go func() {
		defer wg.Done()
		defer stop()
		buf := make([]byte, pumpBufferSize)
		io.CopyBuffer(tcp, ch, buf)
	}()
	wg.Wait()

	log.Debug("forward channel closed", "connect_id", id)
}

type localAddr struct{}

func (localAddr) Network() string { return "ws" }
func (localAddr) String() string  { return "wssocksd" }

type remoteAddr string

func (remoteAddr) Network() string  { return "ws" }
func (r remoteAddr) String() string { return string(r) }

var connectIDCounter atomic.Uint64

// newConnectID produces a process-unique identifier for a single
// connect/data exchange. Uniqueness, not unpredictability, is all that's
// required here — the value never leaves the trusted WS peer pair.
func newConnectID() string {
	return fmt.Sprintf("c%d-%d", time.Now().UnixNano(), connectIDCounter.Add(1))
}
