// Package health serves the /health JSON endpoint used by process
// supervisors and uptime monitors. It runs on its own listener, separate
// from the WebSocket control-plane listener, so it stays reachable even if
// the relay itself is saturated.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status        string   `json:"status"`
	Uptime        string   `json:"uptime"`
	WSSessions    int      `json:"ws_sessions"`
	SocksActive   int      `json:"socks_active_connections"`
	ReverseTokens int      `json:"reverse_tokens"`
	ForwardTokens int      `json:"forward_tokens"`
	PortsInUse    int      `json:"ports_in_use"`
	PortsFree     int      `json:"ports_free"`
	Version       string   `json:"version"`
	Timestamp     string   `json:"timestamp"`
	Details       *Details `json:"details,omitempty"`
}

// Details contains extended health information, included only when the
// handler is configured for detailed output.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Stats is the narrow view of server state the health handler needs. The
// coordinator implements it by consulting the registry, port pool, and
// connection guard it owns.
type Stats interface {
	ActiveWSSessions() int
	ActiveSocksConnections() int
	TotalConnections() int64
	ReverseTokenCount() int
	ForwardTokenCount() int
	PortsInUse() int
	PortsFree() int
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	stats     Stats
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(stats Stats, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		stats:     stats,
		version:   version,
		detailed:  detailed,
	}
}

// ServeHTTP handles health check requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:        "ok",
		Uptime:        time.Since(h.startTime).Round(time.Second).String(),
		WSSessions:    h.stats.ActiveWSSessions(),
		SocksActive:   h.stats.ActiveSocksConnections(),
		ReverseTokens: h.stats.ReverseTokenCount(),
		ForwardTokens: h.stats.ForwardTokenCount(),
		PortsInUse:    h.stats.PortsInUse(),
		PortsFree:     h.stats.PortsFree(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.stats.TotalConnections(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
