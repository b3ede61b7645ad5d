package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatbus/pkg/message"
)

// Event names used in logs and metric labels.
const (
	EventMessage  = "message"
	EventTyping   = "typing"
	EventPresence = "presence"
	EventRead     = "read"
	EventProfile  = "profile"
)

// Recipients returns the users a message is routed to: the sender first,
// then the receivers derived from the receiver id, without duplicates.
// Group and channel ids resolve through resolver; without one only the
// sender is notified.
func Recipients(ctx context.Context, msg message.Message, resolver MemberResolver, log *slog.Logger) []string {
	out := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	add := func(userID string) {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return
		}
		if _, ok := seen[userID]; ok {
			return
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}

	add(msg.SenderID)

	chat := message.ParseChatID(msg.ReceiverID)
	if !chat.NeedsMembers() {
		for _, userID := range chat.Users {
			add(userID)
		}
		return out
	}

	if resolver == nil {
		log.Debug("No member resolver for chat, notifying sender only", "chat_id", chat.Raw, "kind", chat.Kind.String())
		return out
	}

	members, err := resolver.Members(ctx, chat.Raw)
	if err != nil {
		log.Warn("Resolve chat members failed", "chat_id", chat.Raw, "kind", chat.Kind.String(), "error", err)
		return out
	}
	for _, userID := range members {
		add(userID)
	}

	return out
}

// dispatchMessage notifies the listeners of every recipient.
func (b *Broker) dispatchMessage(ctx context.Context, msg message.Message) {
	for _, userID := range Recipients(ctx, msg, b.resolver, b.log) {
		b.notify(EventMessage, b.registry.forUser(userID), func(l Listener) error {
			return l.OnNewMessage(msg)
		})
	}
}

// dispatchTyping notifies every listener except those of the typing user.
func (b *Broker) dispatchTyping(chatID string, userID string, typing bool) {
	targets := b.registry.all()
	filtered := targets[:0]
	for _, reg := range targets {
		if reg.userID != userID {
			filtered = append(filtered, reg)
		}
	}

	b.notify(EventTyping, filtered, func(l Listener) error {
		return l.OnTypingChanged(chatID, userID, typing)
	})
}

func (b *Broker) dispatchPresence(userID string, online bool) {
	b.notify(EventPresence, b.registry.all(), func(l Listener) error {
		return l.OnPresenceChanged(userID, online)
	})
}

func (b *Broker) dispatchRead(messageID string, userID string) {
	b.notify(EventRead, b.registry.all(), func(l Listener) error {
		return l.OnMessageRead(messageID, userID)
	})
}

func (b *Broker) dispatchProfile(userID string) {
	b.notify(EventProfile, b.registry.all(), func(l Listener) error {
		return l.OnProfileUpdated(userID)
	})
}

// notify invokes fn on each registration. Failures are logged and counted;
// the remaining listeners still run.
func (b *Broker) notify(event string, targets []registration, fn func(Listener) error) {
	for _, reg := range targets {
		if err := invoke(reg.listener, fn); err != nil {
			b.metrics.listenerFailures.WithLabelValues(event).Inc()
			b.log.Error("Listener failed", "event", event, "user_id", reg.userID, "listener_id", uint64(reg.id), "error", err)
			continue
		}
		b.metrics.delivered.WithLabelValues(event).Inc()
	}
}

func invoke(l Listener, fn func(Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()

	return fn(l)
}
