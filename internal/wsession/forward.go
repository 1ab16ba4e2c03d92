package wsession

import (
	"context"

	"github.com/cortexuvula/wssocksd/internal/relay"
	"github.com/cortexuvula/wssocksd/internal/wire"
)

// handleForwardConnect services one inbound "connect" frame from a
// forward-mode client: dial out, reply, then pump data until the stream
// ends. Runs in its own goroutine so the dispatcher keeps reading other
// frames (including data for other already-open channels) concurrently.
func (s *Session) handleForwardConnect(ctx context.Context, f *wire.Frame) {
	if s.fwd == nil {
		s.log.Warn("forward connect received but no dialer configured", "connect_id", f.ConnectID)
		return
	}
	if s.active != nil {
		s.active.Inc()
		defer s.active.Dec()
	}
	relay.ServeForward(ctx, s.fwd, s, s.bus, f.ConnectID, f.Host, f.Port, s.log)
}
