package broker

import (
	"context"
	"errors"
	"slices"
	"testing"

	"chatbus/pkg/logger"
	"chatbus/pkg/message"
)

func TestRecipients(t *testing.T) {
	t.Parallel()

	members := MemberResolverFunc(func(_ context.Context, chatID string) ([]string, error) {
		switch chatID {
		case "group_team":
			return []string{"bob", "alice", "carol", "bob"}, nil
		case "channel_news":
			return nil, errors.New("directory offline")
		}
		return nil, nil
	})

	tests := []struct {
		name     string
		sender   string
		receiver string
		resolver MemberResolver
		want     []string
	}{
		{name: "direct", sender: "alice", receiver: "bob", want: []string{"alice", "bob"}},
		{name: "self", sender: "alice", receiver: "alice", want: []string{"alice"}},
		{name: "private chat", sender: "bob", receiver: "chat_alice_bob", want: []string{"bob", "alice"}},
		{name: "malformed private chat", sender: "bob", receiver: "chat_alice_bob_carol", want: []string{"bob"}},
		{name: "group without resolver", sender: "alice", receiver: "group_team", want: []string{"alice"}},
		{name: "group with resolver", sender: "alice", receiver: "group_team", resolver: members, want: []string{"alice", "bob", "carol"}},
		{name: "channel resolver error", sender: "alice", receiver: "channel_news", resolver: members, want: []string{"alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Recipients(context.Background(), message.New(tt.sender, tt.receiver, "x"), tt.resolver, logger.Discard())
			if !slices.Equal(got, tt.want) {
				t.Fatalf("Recipients() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryOrderingAndRemoval(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	first, isFirst := r.add("bob", ListenerFuncs{})
	if !isFirst {
		t.Fatal("first listener for bob not reported as first")
	}
	second, isFirst := r.add("bob", ListenerFuncs{})
	if isFirst {
		t.Fatal("second listener for bob reported as first")
	}
	r.add("alice", ListenerFuncs{})

	all := r.all()
	if len(all) != 3 || all[0].userID != "alice" || all[1].id != first || all[2].id != second {
		t.Fatalf("all() order = %+v", all)
	}
	if got := r.activeUsers(); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Fatalf("activeUsers() = %v", got)
	}

	if removed, last := r.remove("bob", first); !removed || last {
		t.Fatalf("remove first = (%t, %t), want (true, false)", removed, last)
	}
	if removed, last := r.remove("bob", first); removed || last {
		t.Fatalf("second remove = (%t, %t), want (false, false)", removed, last)
	}
	if removed, last := r.remove("bob", second); !removed || !last {
		t.Fatalf("remove last = (%t, %t), want (true, true)", removed, last)
	}
	if r.has("bob") {
		t.Fatal("bob still registered")
	}
	if r.count() != 1 {
		t.Fatalf("count() = %d, want 1", r.count())
	}
}

func TestListenerFuncsIgnoreNilHandlers(t *testing.T) {
	t.Parallel()

	var l Listener = ListenerFuncs{}
	if err := l.OnNewMessage(message.Message{}); err != nil {
		t.Fatalf("OnNewMessage: %v", err)
	}
	if err := l.OnTypingChanged("c", "u", true); err != nil {
		t.Fatalf("OnTypingChanged: %v", err)
	}
	if err := l.OnPresenceChanged("u", true); err != nil {
		t.Fatalf("OnPresenceChanged: %v", err)
	}
	if err := l.OnMessageRead("m", "u"); err != nil {
		t.Fatalf("OnMessageRead: %v", err)
	}
	if err := l.OnProfileUpdated("u"); err != nil {
		t.Fatalf("OnProfileUpdated: %v", err)
	}
}

func TestInvokeRecoversPanics(t *testing.T) {
	t.Parallel()

	err := invoke(ListenerFuncs{}, func(Listener) error { panic("boom") })
	if err == nil {
		t.Fatal("expected panic to be converted to an error")
	}
}
