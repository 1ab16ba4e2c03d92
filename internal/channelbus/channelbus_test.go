package channelbus

import (
	"context"
	"testing"
	"time"

	"github.com/cortexuvula/wssocksd/internal/wire"
)

func TestDeliverAndTake(t *testing.T) {
	b := New(nil)
	b.Register("ch1")
	defer b.Unregister("ch1")

	b.Deliver("ch1", &wire.Frame{Type: wire.TypeData, ChannelID: "ch1", Data: []byte("hello")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.Take(ctx, "ch1")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if string(msg.Data) != "hello" {
		t.Fatalf("Data = %q, want hello", msg.Data)
	}
}

func TestDeliverUnknownChannelDropped(t *testing.T) {
	b := New(nil)
	// No Register call; Deliver must not panic and must simply drop.
	b.Deliver("ghost", &wire.Frame{Type: wire.TypeData})
}

func TestTakeUnregisteredErrors(t *testing.T) {
	b := New(nil)
	_, err := b.Take(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error taking from an unregistered channel")
	}
}

func TestTakeCancellation(t *testing.T) {
	b := New(nil)
	b.Register("ch1")
	defer b.Unregister("ch1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Take(ctx, "ch1")
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestQueueFullDropsNotBlocks(t *testing.T) {
	b := New(nil)
	b.Register("ch1")
	defer b.Unregister("ch1")

	for i := 0; i < queueDepth+10; i++ {
		b.Deliver("ch1", &wire.Frame{Type: wire.TypeData})
	}
	// Must not deadlock; draining should still yield queueDepth frames.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	count := 0
	for {
		c2, cancel2 := context.WithTimeout(ctx, 10*time.Millisecond)
		_, err := b.Take(c2, "ch1")
		cancel2()
		if err != nil {
			break
		}
		count++
	}
	if count != queueDepth {
		t.Fatalf("drained %d frames, want %d", count, queueDepth)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	b := New(nil)
	b.Register("ch1")
	b.Unregister("ch1")
	b.Unregister("ch1") // must not panic
}
