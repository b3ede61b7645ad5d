package bus

import (
	"context"
	"sync"
	"time"

	"chatbus/pkg/message"
)

type EventType string

const (
	EventMessage    EventType = "message"
	EventTyping     EventType = "typing"
	EventPresence   EventType = "presence"
	EventRead       EventType = "read"
	EventProfile    EventType = "profile"
	EventSendFailed EventType = "send_failed"
)

// Event is one broker notification. UserID is the local user the listener
// was registered for; SubjectID is who typed, changed presence, read a
// message or updated a profile.
type Event struct {
	Type      EventType        `json:"type"`
	At        time.Time        `json:"at"`
	UserID    string           `json:"user_id,omitempty"`
	SubjectID string           `json:"subject_id,omitempty"`
	ChatID    string           `json:"chat_id,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Message   *message.Message `json:"message,omitempty"`
	Active    bool             `json:"active,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends stay under the read lock so unsubscribe cannot close a channel
	// mid-send; they never block.
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
