package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPrivateChatIDIsOrderIndependent(t *testing.T) {
	t.Parallel()

	if got, want := PrivateChatID("bob", "alice"), "chat_alice_bob"; got != want {
		t.Fatalf("PrivateChatID = %q, want %q", got, want)
	}
	if PrivateChatID("alice", "bob") != PrivateChatID("bob", "alice") {
		t.Fatal("expected same id for both orders")
	}
}

func TestParseChatID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw   string
		kind  ChatKind
		users []string
	}{
		{raw: "chat_alice_bob", kind: ChatPrivate, users: []string{"alice", "bob"}},
		{raw: "chat_alice_bob_carol", kind: ChatPrivate},
		{raw: "chat_alice", kind: ChatPrivate},
		{raw: "group_42", kind: ChatGroup},
		{raw: "channel_news", kind: ChatChannel},
		{raw: "bob", kind: ChatDirect, users: []string{"bob"}},
		{raw: "", kind: ChatDirect},
	}

	for _, tc := range cases {
		got := ParseChatID(tc.raw)
		if got.Kind != tc.kind {
			t.Fatalf("%q kind = %s, want %s", tc.raw, got.Kind, tc.kind)
		}
		if strings.Join(got.Users, ",") != strings.Join(tc.users, ",") {
			t.Fatalf("%q users = %v, want %v", tc.raw, got.Users, tc.users)
		}
	}

	if !ParseChatID("group_1").NeedsMembers() || ParseChatID("bob").NeedsMembers() {
		t.Fatal("NeedsMembers mismatch")
	}
}

func TestLocalTimeEncodesWithoutZone(t *testing.T) {
	t.Parallel()

	ts := NewLocalTime(time.Date(2024, 3, 9, 14, 5, 7, 120000000, time.Local))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `"2024-03-09T14:05:07.12"`; got != want {
		t.Fatalf("encoded = %s, want %s", got, want)
	}

	var decoded LocalTime
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Equal(ts.Time) {
		t.Fatalf("decoded = %v, want %v", decoded.Time, ts.Time)
	}
}

func TestLocalTimeAcceptsWholeSecondsAndRFC3339(t *testing.T) {
	t.Parallel()

	var whole LocalTime
	if err := json.Unmarshal([]byte(`"2024-03-09T14:05:07"`), &whole); err != nil {
		t.Fatalf("unmarshal whole seconds: %v", err)
	}
	if whole.Second() != 7 {
		t.Fatalf("second = %d, want 7", whole.Second())
	}

	var zoned LocalTime
	if err := json.Unmarshal([]byte(`"2024-03-09T14:05:07Z"`), &zoned); err != nil {
		t.Fatalf("unmarshal rfc3339: %v", err)
	}
	if !zoned.Equal(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)) {
		t.Fatalf("zoned = %v", zoned.Time)
	}

	var bad LocalTime
	if err := json.Unmarshal([]byte(`"yesterday"`), &bad); err == nil {
		t.Fatal("expected error for invalid timestamp")
	}
}

func TestNewFillsDefaults(t *testing.T) {
	t.Parallel()

	msg := New(" alice ", "bob", "hi")
	if msg.ID == "" {
		t.Fatal("expected generated id")
	}
	if msg.SenderID != "alice" {
		t.Fatalf("sender = %q, want alice", msg.SenderID)
	}
	if msg.Type != TypeText || msg.Status != StatusSent {
		t.Fatalf("type/status = %s/%s", msg.Type, msg.Status)
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("expected timestamp")
	}

	keep := Message{ID: "m1", Type: TypeVoice}
	keep.FillDefaults(time.Now())
	if keep.ID != "m1" || keep.Type != TypeVoice {
		t.Fatalf("FillDefaults overwrote fields: %+v", keep)
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()

	if ParseType("voice") != TypeVoice {
		t.Fatal("expected voice")
	}
	if ParseType("sticker") != TypeText {
		t.Fatal("expected unknown types to map to text")
	}
}
