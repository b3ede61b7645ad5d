package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatbus/pkg/message"
)

func mustStore(t *testing.T, dir string) *Store {
	t.Helper()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	return s
}

func messageRecord(sessionID string, id string) Record {
	msg := message.Message{ID: id, SenderID: "alice", ReceiverID: "bob", Content: "hi " + id}
	msg.FillDefaults(time.Now())
	return Record{Message: &msg, PublishedAt: time.Now().UnixMilli(), SessionID: sessionID}
}

func TestOpenRejectsEmptyDir(t *testing.T) {
	t.Parallel()

	if _, err := Open("  ", nil); CategoryFromError(err) != ErrorInvalid {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorInvalid)
	}
}

func TestOpenExpandsHomeDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s := mustStore(t, "~/chat")
	want := filepath.Join(home, "chat")
	if s.Dir() != want {
		t.Fatalf("Dir() = %q, want %q", s.Dir(), want)
	}
	if info, err := os.Stat(want); err != nil || !info.IsDir() {
		t.Fatalf("expected broker directory to exist, err=%v", err)
	}
}

func TestReadLogMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	log, err := s.ReadLog()
	if err != nil {
		t.Fatalf("ReadLog error: %v", err)
	}
	if len(log.Records) != 0 || log.Skipped != 0 {
		t.Fatalf("log = %+v, want empty", log)
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	for i := 0; i < 5; i++ {
		if err := s.Append(messageRecord("s1", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	log, err := s.ReadLog()
	if err != nil {
		t.Fatalf("ReadLog error: %v", err)
	}
	if len(log.Records) != 5 {
		t.Fatalf("records = %d, want 5", len(log.Records))
	}
	for i, record := range log.Records {
		if want := fmt.Sprintf("m%d", i); record.Message.ID != want {
			t.Fatalf("record %d id = %q, want %q", i, record.Message.ID, want)
		}
		if record.EffectiveKind() != KindMessage {
			t.Fatalf("record %d kind = %q", i, record.EffectiveKind())
		}
	}
}

func TestAppendRejectsRecordWithoutSession(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	if err := s.Append(messageRecord("", "m1")); CategoryFromError(err) != ErrorInvalid {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorInvalid)
	}
	if err := s.Append(Record{Kind: KindRead, SessionID: "s1"}); CategoryFromError(err) != ErrorInvalid {
		t.Fatalf("read record without ids: category = %q", CategoryFromError(err))
	}
}

func TestReadLogIgnoresPartialTrailingLine(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	if err := s.Append(messageRecord("s1", "m1")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	file, err := os.OpenFile(s.LogPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := file.WriteString(`{"message":{"messageId":"m2"`); err != nil {
		t.Fatalf("write partial: %v", err)
	}

	log, err := s.ReadLog()
	if err != nil {
		t.Fatalf("ReadLog error: %v", err)
	}
	if len(log.Records) != 1 || log.Skipped != 0 {
		t.Fatalf("log = %d records / %d skipped, want 1/0", len(log.Records), log.Skipped)
	}

	if _, err := file.WriteString(`,"senderId":"alice","receiverId":"bob"},"timestamp":1,"sessionId":"s2"}` + "\n"); err != nil {
		t.Fatalf("complete line: %v", err)
	}
	_ = file.Close()

	log, err = s.ReadLog()
	if err != nil {
		t.Fatalf("ReadLog error: %v", err)
	}
	if len(log.Records) != 2 || log.Records[1].Message.ID != "m2" {
		t.Fatalf("expected completed record to appear, got %+v", log.Records)
	}
}

func TestReadLogSkipsCorruptLines(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	if err := s.Append(messageRecord("s1", "m1")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	file, err := os.OpenFile(s.LogPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	_, _ = file.WriteString("not json\n{\"timestamp\":1}\n\n")
	_ = file.Close()

	if err := s.Append(messageRecord("s1", "m2")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	log, err := s.ReadLog()
	if err != nil {
		t.Fatalf("ReadLog error: %v", err)
	}
	if len(log.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(log.Records))
	}
	if log.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2", log.Skipped)
	}
}

func TestConcurrentAppendsFromSeparateStores(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	const writers, perWriter = 4, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		s := mustStore(t, dir)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.Append(messageRecord(fmt.Sprintf("s%d", w), fmt.Sprintf("w%d-%d", w, i))); err != nil {
					t.Errorf("Append error: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	log, err := mustStore(t, dir).ReadLog()
	if err != nil {
		t.Fatalf("ReadLog error: %v", err)
	}
	if len(log.Records) != writers*perWriter || log.Skipped != 0 {
		t.Fatalf("log = %d records / %d skipped, want %d/0", len(log.Records), log.Skipped, writers*perWriter)
	}

	// Per-writer order follows append order.
	next := make(map[string]int)
	for _, record := range log.Records {
		want := fmt.Sprintf("w%s-%d", strings.TrimPrefix(record.SessionID, "s"), next[record.SessionID])
		if record.Message.ID != want {
			t.Fatalf("record id = %q, want %q", record.Message.ID, want)
		}
		next[record.SessionID]++
	}
}

func TestCompactKeepsNewestRecords(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	for i := 0; i < 10; i++ {
		if err := s.Append(messageRecord("s1", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	dropped, err := s.Compact(3)
	if err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	if dropped != 7 {
		t.Fatalf("dropped = %d, want 7", dropped)
	}

	log, err := s.ReadLog()
	if err != nil {
		t.Fatalf("ReadLog error: %v", err)
	}
	if len(log.Records) != 3 || log.Records[0].Message.ID != "m7" {
		t.Fatalf("records after compaction = %+v", log.Records)
	}

	if dropped, err := s.Compact(5); err != nil || dropped != 0 {
		t.Fatalf("Compact(5) = %d, %v; want 0, nil", dropped, err)
	}
	if _, err := s.Compact(-1); CategoryFromError(err) != ErrorInvalid {
		t.Fatalf("negative keep category = %q", CategoryFromError(err))
	}
}

func TestUpdateTypingHasNoLostUpdates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	const workers = 8

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		s := mustStore(t, dir)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.UpdateTyping(func(doc *TypingDoc) bool {
				return doc.Set("chat_alice_bob", fmt.Sprintf("user%d", i), true)
			}); err != nil {
				t.Errorf("UpdateTyping error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	doc, err := mustStore(t, dir).ReadTyping()
	if err != nil {
		t.Fatalf("ReadTyping error: %v", err)
	}
	if got := len(doc.Users("chat_alice_bob")); got != workers {
		t.Fatalf("typing users = %d, want %d", got, workers)
	}
	if doc.Version != workers {
		t.Fatalf("version = %d, want %d", doc.Version, workers)
	}
}

func TestUpdateTypingSkipsWriteWithoutChange(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	doc, err := s.UpdateTyping(func(doc *TypingDoc) bool { return doc.Set("c1", "alice", true) })
	if err != nil || doc.Version != 1 {
		t.Fatalf("first update = v%d, %v", doc.Version, err)
	}

	doc, err = s.UpdateTyping(func(doc *TypingDoc) bool { return doc.Set("c1", "alice", true) })
	if err != nil || doc.Version != 1 {
		t.Fatalf("idempotent update = v%d, %v; want v1", doc.Version, err)
	}

	doc, err = s.UpdateTyping(func(doc *TypingDoc) bool { return doc.Set("c1", "alice", false) })
	if err != nil || doc.Version != 2 {
		t.Fatalf("clear update = v%d, %v; want v2", doc.Version, err)
	}
	if _, ok := doc.Chats["c1"]; ok {
		t.Fatal("expected empty chat entry to be dropped")
	}
}

func TestCorruptTypingDocumentIsDecodeErrorAndRebuilt(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	if err := os.WriteFile(s.TypingPath(), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write corrupt doc: %v", err)
	}

	doc, err := s.ReadTyping()
	if !IsDecode(err) {
		t.Fatalf("ReadTyping error = %v, want decode error", err)
	}
	if doc.Chats == nil || len(doc.Chats) != 0 {
		t.Fatalf("expected empty default document, got %+v", doc)
	}

	if _, err := s.UpdateTyping(func(doc *TypingDoc) bool { return doc.Set("c1", "bob", true) }); err != nil {
		t.Fatalf("UpdateTyping error: %v", err)
	}
	doc, err = s.ReadTyping()
	if err != nil || !doc.Contains("c1", "bob") {
		t.Fatalf("rebuilt doc = %+v, %v", doc, err)
	}
}

func TestClearUserRemovesEveryChat(t *testing.T) {
	t.Parallel()

	doc := TypingDoc{}
	doc.Set("c1", "alice", true)
	doc.Set("c2", "alice", true)
	doc.Set("c2", "bob", true)

	chats := doc.ClearUser("alice")
	if strings.Join(chats, ",") != "c1,c2" {
		t.Fatalf("cleared chats = %v", chats)
	}
	if doc.Contains("c2", "alice") || !doc.Contains("c2", "bob") {
		t.Fatalf("unexpected doc after clear: %+v", doc)
	}
	if _, ok := doc.Chats["c1"]; ok {
		t.Fatal("expected c1 to be removed")
	}
}

func TestOnlineDocAggregatesSessions(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	update := func(user, session string, online bool) {
		t.Helper()
		if _, err := s.UpdateOnline(func(doc *OnlineDoc) bool { return doc.Set(user, session, online) }); err != nil {
			t.Fatalf("UpdateOnline error: %v", err)
		}
	}

	update("alice", "p1", true)
	update("alice", "p2", true)
	update("bob", "p2", true)
	update("alice", "p1", false)

	doc, err := s.ReadOnline()
	if err != nil {
		t.Fatalf("ReadOnline error: %v", err)
	}
	if !doc.IsOnline("alice") {
		t.Fatal("alice should stay online while p2 holds her")
	}
	if strings.Join(doc.OnlineUsers(), ",") != "alice,bob" {
		t.Fatalf("online users = %v", doc.OnlineUsers())
	}

	removed := doc.RemoveSessions(func(sessionID string) bool { return sessionID != "p2" })
	if strings.Join(removed, ",") != "p2" {
		t.Fatalf("removed = %v, want [p2]", removed)
	}
	if len(doc.OnlineUsers()) != 0 {
		t.Fatalf("expected nobody online, got %v", doc.OnlineUsers())
	}
}

func TestSessionDescriptorLifecycle(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	now := time.Now()
	desc := SessionDescriptor{SessionID: "abc", HeartbeatMillis: now.UnixMilli(), PID: 42}
	if err := s.WriteSession(desc); err != nil {
		t.Fatalf("WriteSession error: %v", err)
	}

	got, err := s.ReadSession(s.SessionPath("abc"))
	if err != nil {
		t.Fatalf("ReadSession error: %v", err)
	}
	if got != desc {
		t.Fatalf("descriptor = %+v, want %+v", got, desc)
	}
	if got.Expired(now, time.Minute) {
		t.Fatal("fresh descriptor must not be expired")
	}
	if !got.Expired(now.Add(61*time.Second), time.Minute) {
		t.Fatal("descriptor should expire after ttl")
	}

	if err := os.WriteFile(filepath.Join(s.Dir(), "session_junk.json"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	files, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("sessions = %d, want 2", len(files))
	}
	if files[0].Err != nil || files[1].Err == nil {
		t.Fatalf("expected only junk descriptor to fail, got %+v", files)
	}

	ids, err := s.SessionIDs()
	if err != nil || len(ids) != 1 {
		t.Fatalf("SessionIDs = %v, %v", ids, err)
	}

	if err := s.DeleteSession("abc"); err != nil {
		t.Fatalf("DeleteSession error: %v", err)
	}
	if err := s.DeleteSession("abc"); err != nil {
		t.Fatalf("second DeleteSession error: %v", err)
	}
	if _, err := s.ReadSession(s.SessionPath("abc")); !IsNotFound(err) {
		t.Fatalf("ReadSession after delete = %v, want not found", err)
	}
}

func TestSessionIDValidation(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	for _, id := range []string{"", " x", "../evil", `a\b`} {
		if err := s.WriteSession(SessionDescriptor{SessionID: id}); CategoryFromError(err) != ErrorInvalid {
			t.Fatalf("WriteSession(%q) category = %q", id, CategoryFromError(err))
		}
	}
}

func TestAtomicWritesLeaveNoTempFiles(t *testing.T) {
	t.Parallel()

	s := mustStore(t, t.TempDir())
	for i := 0; i < 3; i++ {
		if _, err := s.UpdateOnline(func(doc *OnlineDoc) bool { return doc.Set("alice", fmt.Sprintf("p%d", i), true) }); err != nil {
			t.Fatalf("UpdateOnline error: %v", err)
		}
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", entry.Name())
		}
	}
}
