package security

import (
	"sync"
	"sync/atomic"
)

// ConnGuard tracks active WebSocket sessions and enforces the global and
// per-IP connection caps from config.SecurityConfig.
type ConnGuard struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64

	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewConnGuard creates an empty ConnGuard.
func NewConnGuard() *ConnGuard {
	return &ConnGuard{ipConnections: make(map[string]int)}
}

// ConnectionCount returns the current number of active connections.
func (g *ConnGuard) ConnectionCount() int {
	return int(g.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for ip.
func (g *ConnGuard) ConnectionCountForIP(ip string) int {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	return g.ipConnections[ip]
}

// TryAcquire admits a new connection from ip if doing so would not exceed
// maxTotal or maxPerIP (a zero limit disables that check). It returns a
// non-empty reason when the connection is rejected.
func (g *ConnGuard) TryAcquire(ip string, maxTotal, maxPerIP int) (reason string) {
	if maxTotal > 0 && g.ConnectionCount() >= maxTotal {
		return "max connections reached"
	}
	g.ipMu.Lock()
	if maxPerIP > 0 && g.ipConnections[ip] >= maxPerIP {
		g.ipMu.Unlock()
		return "max connections per IP reached"
	}
	g.ipConnections[ip]++
	g.ipMu.Unlock()

	g.activeConnections.Add(1)
	g.totalConnections.Add(1)
	return ""
}

// Release decrements both the global and per-IP connection counters. Call
// once per successful TryAcquire, when the connection ends.
func (g *ConnGuard) Release(ip string) {
	g.activeConnections.Add(-1)
	g.ipMu.Lock()
	g.ipConnections[ip]--
	if g.ipConnections[ip] <= 0 {
		delete(g.ipConnections, ip)
	}
	g.ipMu.Unlock()
}

// TotalConnections returns the total number of connections admitted since
// start.
func (g *ConnGuard) TotalConnections() int64 {
	return g.totalConnections.Load()
}
