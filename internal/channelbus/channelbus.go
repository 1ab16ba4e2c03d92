// Package channelbus routes inbound WebSocket frames to the relay
// coroutine awaiting them, keyed by channel_id (data pumping) or connect_id
// (the one-shot connect handshake) — spec.md §4.4 treats both id spaces
// identically.
package channelbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cortexuvula/wssocksd/internal/wire"
)

const queueDepth = 64

// Bus is a registry of per-id inbound frame queues. A queue exists only for
// the lifetime of the relay coroutine that registered it; frames for an
// unknown id are dropped, not buffered.
type Bus struct {
	log *slog.Logger

	mu    sync.Mutex
	queue map[string]chan *wire.Frame
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, queue: make(map[string]chan *wire.Frame)}
}

// Register creates the queue for id. Registering an id twice replaces the
// old queue (the caller is responsible for not doing that concurrently with
// a live Take on the old one).
func (b *Bus) Register(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue[id] = make(chan *wire.Frame, queueDepth)
}

// Deliver enqueues msg for id. If id is not registered, or its queue is
// full, the frame is dropped and logged at debug level — never buffered
// beyond the registered coroutine's lifetime.
func (b *Bus) Deliver(id string, msg *wire.Frame) {
	b.mu.Lock()
	ch, ok := b.queue[id]
	b.mu.Unlock()

	if !ok {
		b.log.Debug("dropping frame for unknown channel", "channel_id", id)
		return
	}

	select {
	case ch <- msg:
	default:
		b.log.Debug("dropping frame for full channel queue", "channel_id", id)
	}
}

// Take blocks until a frame arrives for id or ctx is cancelled.
func (b *Bus) Take(ctx context.Context, id string) (*wire.Frame, error) {
	b.mu.Lock()
	ch, ok := b.queue[id]
	b.mu.Unlock()

	if !ok {
		return nil, errUnregistered(id)
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unregister removes id's queue. Safe to call even if id was never
// registered.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queue, id)
}

type errUnregistered string

func (e errUnregistered) Error() string {
	return "channelbus: no queue registered for id " + string(e)
}
