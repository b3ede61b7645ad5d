package bus

import (
	"context"

	"chatbus/pkg/message"
)

// Listener turns broker callbacks for one user into bus events.
type Listener struct {
	bus    *MessageBus
	userID string
}

func NewListener(mb *MessageBus, userID string) *Listener {
	return &Listener{bus: mb, userID: userID}
}

func (l *Listener) OnNewMessage(msg message.Message) error {
	return l.publish(Event{Type: EventMessage, ChatID: msg.ReceiverID, SubjectID: msg.SenderID, MessageID: msg.ID, Message: &msg})
}

func (l *Listener) OnTypingChanged(chatID string, userID string, typing bool) error {
	return l.publish(Event{Type: EventTyping, ChatID: chatID, SubjectID: userID, Active: typing})
}

func (l *Listener) OnPresenceChanged(userID string, online bool) error {
	return l.publish(Event{Type: EventPresence, SubjectID: userID, Active: online})
}

func (l *Listener) OnMessageRead(messageID string, userID string) error {
	return l.publish(Event{Type: EventRead, SubjectID: userID, MessageID: messageID})
}

func (l *Listener) OnProfileUpdated(userID string) error {
	return l.publish(Event{Type: EventProfile, SubjectID: userID})
}

func (l *Listener) publish(event Event) error {
	event.UserID = l.userID
	if !l.bus.PublishEvent(context.Background(), event) {
		return ErrClosed
	}
	return nil
}
