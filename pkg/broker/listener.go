package broker

import (
	"context"

	"chatbus/pkg/message"
)

// Listener receives real-time events for one registered user. A returned
// error (or a panic) is logged and does not affect other listeners.
type Listener interface {
	OnNewMessage(msg message.Message) error
	OnTypingChanged(chatID string, userID string, typing bool) error
	OnPresenceChanged(userID string, online bool) error
	OnMessageRead(messageID string, userID string) error
	OnProfileUpdated(userID string) error
}

// ListenerFuncs adapts plain functions to Listener. Nil fields ignore the event.
type ListenerFuncs struct {
	NewMessage      func(msg message.Message) error
	TypingChanged   func(chatID string, userID string, typing bool) error
	PresenceChanged func(userID string, online bool) error
	MessageRead     func(messageID string, userID string) error
	ProfileUpdated  func(userID string) error
}

func (f ListenerFuncs) OnNewMessage(msg message.Message) error {
	if f.NewMessage == nil {
		return nil
	}
	return f.NewMessage(msg)
}

func (f ListenerFuncs) OnTypingChanged(chatID string, userID string, typing bool) error {
	if f.TypingChanged == nil {
		return nil
	}
	return f.TypingChanged(chatID, userID, typing)
}

func (f ListenerFuncs) OnPresenceChanged(userID string, online bool) error {
	if f.PresenceChanged == nil {
		return nil
	}
	return f.PresenceChanged(userID, online)
}

func (f ListenerFuncs) OnMessageRead(messageID string, userID string) error {
	if f.MessageRead == nil {
		return nil
	}
	return f.MessageRead(messageID, userID)
}

func (f ListenerFuncs) OnProfileUpdated(userID string) error {
	if f.ProfileUpdated == nil {
		return nil
	}
	return f.ProfileUpdated(userID)
}

// MemberResolver resolves the audience of group and channel ids. The broker
// treats it as an external directory and never caches its answers.
type MemberResolver interface {
	Members(ctx context.Context, chatID string) ([]string, error)
}

// MemberResolverFunc adapts a function to MemberResolver.
type MemberResolverFunc func(ctx context.Context, chatID string) ([]string, error)

func (f MemberResolverFunc) Members(ctx context.Context, chatID string) ([]string, error) {
	return f(ctx, chatID)
}
