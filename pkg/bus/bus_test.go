package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(WithBuffer(4), WithPublishTimeout(5*time.Millisecond))
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		if !mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "msg"}) {
			t.Fatalf("publish %d rejected before buffer was full", i)
		}
	}

	if mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "overflow"}) {
		t.Fatalf("expected overflow publish to be rejected")
	}
	stats := mb.Stats()
	if stats.DroppedInbound != 1 || stats.PublishedInbound != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus(WithBuffer(2), WithPublishTimeout(5*time.Millisecond))
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})
	if got := mb.Stats().DroppedOutbound; got != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", got)
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
	if mb.PublishInbound(InboundMessage{Content: "late"}) {
		t.Fatalf("expected publish after close to be rejected")
	}
}

func TestMessageBus_ConsumeHonoursContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("expected empty consume to stop on context deadline")
	}
}

func TestInboundMessage_ThreadID(t *testing.T) {
	msg := InboundMessage{Channel: "discord", ChatID: "42"}
	if got := msg.ThreadID(); got != "discord:42" {
		t.Fatalf("ThreadID() = %q, want discord:42", got)
	}
	msg.SessionKey = "  support-7 "
	if got := msg.ThreadID(); got != "support-7" {
		t.Fatalf("ThreadID() = %q, want support-7", got)
	}
}

func TestMessageBus_InboundOrderPreserved(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for _, text := range []string{"first", "second", "third"} {
		mb.PublishInbound(InboundMessage{Channel: "cli", ChatID: "c", Content: text})
	}
	for _, want := range []string{"first", "second", "third"} {
		msg, ok := mb.ConsumeInbound(context.Background())
		if !ok || msg.Content != want {
			t.Fatalf("ConsumeInbound() = %q, %v; want %q", msg.Content, ok, want)
		}
	}
}
