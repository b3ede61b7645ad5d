package message

import (
	"sort"
	"strings"
)

const (
	privateChatPrefix = "chat_"
	groupPrefix       = "group_"
	channelPrefix     = "channel_"
)

// ChatKind classifies how a receiver id addresses its audience.
type ChatKind int

const (
	ChatDirect ChatKind = iota
	ChatPrivate
	ChatGroup
	ChatChannel
)

func (k ChatKind) String() string {
	switch k {
	case ChatPrivate:
		return "private"
	case ChatGroup:
		return "group"
	case ChatChannel:
		return "channel"
	default:
		return "direct"
	}
}

// ChatID is a parsed receiver id.
//
// Private chats are "chat_<a>_<b>" with a and b sorted; user ids must not
// contain "_" for the composite form to round-trip. Groups and channels keep
// their full id, prefix included.
type ChatID struct {
	Raw   string
	Kind  ChatKind
	Users []string
}

// PrivateChatID returns the deterministic composite id for two users.
func PrivateChatID(userA string, userB string) string {
	users := []string{strings.TrimSpace(userA), strings.TrimSpace(userB)}
	sort.Strings(users)
	return privateChatPrefix + users[0] + "_" + users[1]
}

// ParseChatID classifies a receiver id. A "chat_" id that does not split into
// exactly two user ids resolves to no users.
func ParseChatID(raw string) ChatID {
	id := ChatID{Raw: raw}

	switch {
	case strings.HasPrefix(raw, privateChatPrefix):
		id.Kind = ChatPrivate
		parts := strings.Split(raw, "_")
		if len(parts) == 3 && parts[1] != "" && parts[2] != "" {
			id.Users = []string{parts[1], parts[2]}
		}
	case strings.HasPrefix(raw, groupPrefix):
		id.Kind = ChatGroup
	case strings.HasPrefix(raw, channelPrefix):
		id.Kind = ChatChannel
	default:
		id.Kind = ChatDirect
		if raw != "" {
			id.Users = []string{raw}
		}
	}

	return id
}

// NeedsMembers reports whether recipients must come from a member directory.
func (c ChatID) NeedsMembers() bool {
	return c.Kind == ChatGroup || c.Kind == ChatChannel
}
