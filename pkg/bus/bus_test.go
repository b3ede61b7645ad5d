package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatbus/pkg/message"
)

func TestOutboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := message.New("alice", "bob", "hello")
	if ok := mb.PublishOutbound(context.Background(), in); !ok {
		t.Fatal("expected outbound publish to succeed")
	}

	out, ok := mb.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("expected outbound consume to succeed")
	}
	if out.Content != in.Content || out.ReceiverID != "bob" {
		t.Fatalf("outbound = %+v, want %+v", out, in)
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishOutbound(context.Background(), message.New("alice", "bob", "hello")); ok {
		t.Fatal("expected outbound publish to fail after close")
	}
	if _, ok := mb.ConsumeOutbound(context.Background()); ok {
		t.Fatal("expected outbound consume to stop after close")
	}
	if ok := mb.PublishEvent(context.Background(), Event{Type: EventMessage}); ok {
		t.Fatal("expected event publish to fail after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishOutbound(ctx, message.New("alice", "bob", "hello")); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	if _, ok := mb.ConsumeOutbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeOutbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestRunOutboundPublishesFailures(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := mb.SubscribeEvents(ctx, 4)
	defer unsubscribe()

	sent := make(chan message.Message, 2)
	done := make(chan error, 1)
	go func() {
		done <- mb.RunOutbound(ctx, func(msg message.Message) error {
			if msg.Content == "fail" {
				return errors.New("disk full")
			}
			sent <- msg
			return nil
		})
	}()

	mb.PublishOutbound(ctx, message.New("alice", "bob", "ok"))
	mb.PublishOutbound(ctx, message.New("alice", "bob", "fail"))

	select {
	case msg := <-sent:
		if msg.Content != "ok" {
			t.Fatalf("sent content = %q, want ok", msg.Content)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler did not receive message")
	}

	select {
	case event := <-events:
		if event.Type != EventSendFailed || event.Error != "disk full" || event.UserID != "alice" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected send failure event")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunOutbound error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("RunOutbound did not stop after cancel")
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventPresence, SubjectID: "alice", Active: true}
	if ok := mb.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventPresence || got.At.IsZero() {
				t.Fatalf("subscriber %s event = %+v", name, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventTyping}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventTyping}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventMessage}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	ctx := context.Background()
	events, _ := mb.SubscribeEvents(ctx, 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}

func TestListenerPublishesEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	l := NewListener(mb, "bob")
	msg := message.New("alice", "bob", "hi")
	msg.ID = "m1"
	if err := l.OnNewMessage(msg); err != nil {
		t.Fatalf("OnNewMessage: %v", err)
	}
	if err := l.OnTypingChanged("chat_alice_bob", "alice", true); err != nil {
		t.Fatalf("OnTypingChanged: %v", err)
	}
	if err := l.OnPresenceChanged("alice", false); err != nil {
		t.Fatalf("OnPresenceChanged: %v", err)
	}
	if err := l.OnMessageRead("m1", "alice"); err != nil {
		t.Fatalf("OnMessageRead: %v", err)
	}
	if err := l.OnProfileUpdated("alice"); err != nil {
		t.Fatalf("OnProfileUpdated: %v", err)
	}

	want := []EventType{EventMessage, EventTyping, EventPresence, EventRead, EventProfile}
	for i, wantType := range want {
		select {
		case got := <-events:
			if got.Type != wantType || got.UserID != "bob" || got.SubjectID != "alice" {
				t.Fatalf("event %d = %+v, want type %s for bob about alice", i, got, wantType)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("event %d not received", i)
		}
	}

	mb.Close()
	if err := l.OnProfileUpdated("alice"); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close error = %v, want ErrClosed", err)
	}
}
