// Package metrics exposes wssocksd's Prometheus metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for wssocksd.
type Metrics struct {
	WSSessionsTotal        prometheus.Counter
	WSActiveSessions       prometheus.Gauge
	SocksConnectionsTotal  *prometheus.CounterVec
	SocksActiveConnections prometheus.Gauge
	BytesTotal             *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
	TokensActive           *prometheus.GaugeVec
	PortPoolInUse          prometheus.Gauge
	ChannelQueueDrops      prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		WSSessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wssocksd_ws_sessions_total",
			Help: "Total WebSocket control sessions accepted",
		}),
		WSActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wssocksd_ws_active_sessions",
			Help: "Current number of authenticated WebSocket sessions",
		}),
		SocksConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wssocksd_socks_connections_total",
			Help: "Total SOCKS5 connections handled, by outcome",
		}, []string{"outcome"}),
		SocksActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wssocksd_socks_active_connections",
			Help: "Current number of relayed SOCKS5 streams",
		}),
		BytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wssocksd_bytes_total",
			Help: "Total bytes relayed, by direction",
		}, []string{"direction"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wssocksd_errors_total",
			Help: "Total errors, by type",
		}, []string{"type"}),
		TokensActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wssocksd_tokens_active",
			Help: "Currently registered tokens, by kind",
		}, []string{"kind"}),
		PortPoolInUse: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wssocksd_port_pool_in_use",
			Help: "Number of SOCKS5 listener ports currently assigned",
		}),
		ChannelQueueDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wssocksd_channel_queue_drops_total",
			Help: "Total frames dropped because a channel queue was full or unregistered",
		}),
	}
}

// ActiveGauge tracks an active-count that both the health endpoint (a plain
// in-memory read) and Prometheus (an optional gauge) need to report. The
// Prometheus client library doesn't expose a cheap way to read a gauge's
// current value back out, so we keep our own atomic counter alongside it.
type ActiveGauge struct {
	n  atomic.Int64
	pg prometheus.Gauge
}

// NewActiveGauge wraps an optional Prometheus gauge. pg may be nil when
// metrics are disabled; Inc/Dec then only maintain the atomic counter.
func NewActiveGauge(pg prometheus.Gauge) *ActiveGauge {
	return &ActiveGauge{pg: pg}
}

func (g *ActiveGauge) Inc() {
	g.n.Add(1)
	if g.pg != nil {
		g.pg.Inc()
	}
}

func (g *ActiveGauge) Dec() {
	g.n.Add(-1)
	if g.pg != nil {
		g.pg.Dec()
	}
}

// Value returns the current count.
func (g *ActiveGauge) Value() int {
	return int(g.n.Load())
}
