// Package socketmgr owns SOCKS5 listen sockets by port, reference-counting
// them across rapid token/client churn and keeping a released socket alive
// for a grace period so reconnecting clients don't race a fresh bind against
// the kernel's TIME_WAIT state for the old one.
package socketmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// entry is the in-memory analogue of spec's SocketEntry: active while
// refs > 0, in grace while refs == 0 and graceCancel is non-nil, removed
// from the map once the grace timer fires without a re-Acquire.
type entry struct {
	ln          net.Listener
	refs        int
	graceCancel context.CancelFunc
}

// Manager reuses listen sockets across token/client churn.
type Manager struct {
	host  string
	grace time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	entries map[int]*entry
}

// New creates a Manager binding to host on demand, retaining released
// sockets for grace before actually closing them.
func New(host string, grace time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		host:    host,
		grace:   grace,
		log:     log,
		entries: make(map[int]*entry),
	}
}

// Acquire returns the listener bound to host:port, creating and binding a
// fresh one (backlog 5, SO_REUSEADDR set) if none exists yet. Re-acquiring
// a port still in its grace window cancels the pending cleanup and reuses
// the existing listener rather than rebinding.
func (m *Manager) Acquire(port int) (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[port]; ok {
		if e.graceCancel != nil {
			e.graceCancel() // observed by the pending cleanup goroutine; it becomes a no-op
			e.graceCancel = nil
		}
		e.refs++
		m.log.Debug("reusing existing socket", "port", port, "refs", e.refs)
		return e.ln, nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("%s:%d", m.host, port))
	if err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", m.host, port, err)
	}

	m.entries[port] = &entry{ln: ln, refs: 1}
	m.log.Debug("new socket allocated", "host", m.host, "port", port)
	return ln, nil
}

// Release decrements the reference count for port. Once it reaches zero the
// listener is kept open for the grace period (nothing accepts on it — the
// SocksSupervisor's accept loop is what actually stopped) and closed only if
// no Acquire reclaims it before the timer fires.
func (m *Manager) Release(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[port]
	if !ok {
		m.log.Warn("released non-existent socket", "port", port)
		return
	}
	if e.refs == 0 {
		m.log.Warn("released already-zero-ref socket", "port", port)
		return
	}

	e.refs--
	if e.refs > 0 {
		m.log.Debug("released socket", "port", port, "refs", e.refs)
		return
	}

	m.log.Debug("starting grace period", "port", port, "grace", m.grace)
	graceCtx, cancel := context.WithCancel(context.Background())
	e.graceCancel = cancel
	go m.cleanupAfterGrace(graceCtx, port)
}

// cleanupAfterGrace closes the socket once the grace period elapses, unless
// a concurrent Acquire cancelled graceCtx first.
func (m *Manager) cleanupAfterGrace(ctx context.Context, port int) {
	t := time.NewTimer(m.grace)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return // reacquired during grace
	case <-t.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[port]
	if !ok || e.refs != 0 {
		return
	}
	// graceCancel is nil'd out by Acquire under the same lock before this
	// goroutine can observe ctx as live, so reaching here with refs == 0
	// means the grace window genuinely expired unreclaimed.
	m.log.Debug("cleaning up socket after grace period", "port", port)
	_ = e.ln.Close()
	delete(m.entries, port)
}

// Close cancels all pending cleanups and closes every managed socket.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Debug("closing all managed sockets")
	for port, e := range m.entries {
		if e.graceCancel != nil {
			e.graceCancel()
		}
		_ = e.ln.Close()
		delete(m.entries, port)
	}
}

// Refs returns the current reference count for port, or 0 if absent.
// Exposed for tests and the admin/health surface.
func (m *Manager) Refs(port int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[port]; ok {
		return e.refs
	}
	return 0
}

// Active reports how many ports currently have a live listener (active or
// in grace).
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
