package bus

import (
	"context"
	"errors"
	"sync"

	"chatbus/pkg/message"
)

const defaultBufferSize = 100

var ErrClosed = errors.New("message bus is closed")

// MessageBus connects a broker to in-process consumers. Outbound carries
// messages composed locally and waiting to be published; events fan out
// broker notifications to every subscriber.
type MessageBus struct {
	outbound chan message.Message

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		outbound:         make(chan message.Message, defaultBufferSize),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg message.Message) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.outbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (message.Message, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return message.Message{}, false
	case <-mb.done:
		return message.Message{}, false
	case msg := <-mb.outbound:
		return msg, true
	}
}

// RunOutbound hands queued messages to handler until ctx is cancelled or the
// bus is closed. Handler failures are published as EventSendFailed.
func (mb *MessageBus) RunOutbound(ctx context.Context, handler OutboundHandler) error {
	if handler == nil {
		return errors.New("outbound handler is required")
	}

	for {
		msg, ok := mb.ConsumeOutbound(ctx)
		if !ok {
			return nil
		}

		if err := handler(msg); err != nil {
			mb.PublishEvent(ctx, Event{
				Type:    EventSendFailed,
				UserID:  msg.SenderID,
				ChatID:  msg.ReceiverID,
				Message: &msg,
				Error:   err.Error(),
			})
		}
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
