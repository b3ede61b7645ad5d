package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"chatbus/pkg/bus"
	"chatbus/pkg/config"
	"chatbus/pkg/logger"
	"chatbus/pkg/message"
	"chatbus/pkg/store"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Broker.Dir = t.TempDir()
	return cfg
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	msg, err := buildMessage([]string{"alice", "bob", "hello", "there"}, "image", " m-1 ", "/tmp/cat.png")
	if err != nil {
		t.Fatalf("buildMessage error: %v", err)
	}
	if msg.SenderID != "alice" || msg.ReceiverID != "bob" || msg.Content != "hello there" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Type != message.TypeImage || msg.ReplyToID != "m-1" || msg.MediaPath != "/tmp/cat.png" {
		t.Fatalf("message attributes = %+v", msg)
	}

	if _, err := buildMessage([]string{"alice", "bob"}, "", "", ""); err == nil {
		t.Fatal("expected error for empty content")
	}
	if _, err := buildMessage([]string{"alice"}, "", "", ""); err == nil {
		t.Fatal("expected error without receiver")
	}
}

func TestRunSendAppendsToSharedLog(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	msg := message.New("alice", "bob", "hi")
	require.NoError(t, runSend(context.Background(), cfg, logger.Discard(), &out, msg))
	require.Equal(t, msg.ID, strings.TrimSpace(out.String()))

	st, err := store.Open(cfg.Broker.Dir, logger.Discard())
	require.NoError(t, err)

	snapshot, err := st.ReadLog()
	require.NoError(t, err)
	require.Len(t, snapshot.Records, 1)
	require.Equal(t, msg.ID, snapshot.Records[0].Message.ID)

	sessions, err := st.ListSessions()
	require.NoError(t, err)
	require.Empty(t, sessions, "one-shot send withdraws its session")
}

func TestRunSessionsRendersAndReaps(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Broker.Dir, logger.Discard())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, st.WriteSession(store.SessionDescriptor{SessionID: "fresh-session", HeartbeatMillis: now.UnixMilli(), PID: 101, Hostname: "box"}))
	require.NoError(t, st.WriteSession(store.SessionDescriptor{SessionID: "old-session", HeartbeatMillis: now.Add(-5 * time.Minute).UnixMilli()}))

	var out bytes.Buffer
	require.NoError(t, runSessions(context.Background(), cfg, logger.Discard(), &out, false, now))
	listing := out.String()
	require.Contains(t, listing, "fresh-session")
	require.Contains(t, listing, "old-session")
	require.Contains(t, listing, "expired")
	require.Contains(t, listing, "alive")

	out.Reset()
	require.NoError(t, runSessions(context.Background(), cfg, logger.Discard(), &out, true, now))
	listing = out.String()
	require.Contains(t, listing, "Reaped 1 expired")
	require.Contains(t, listing, "fresh-session")
	require.NotContains(t, listing, "old-session")
}

func TestRenderSessionsEmpty(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	renderSessions(&out, nil, time.Now(), time.Minute)
	if strings.TrimSpace(out.String()) != "No sessions." {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunOnlineShowsUsersAndTyping(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Broker.Dir, logger.Discard())
	require.NoError(t, err)

	_, err = st.UpdateOnline(func(doc *store.OnlineDoc) bool {
		doc.Set("alice", "s1", true)
		return doc.Set("bob", "s2", true)
	})
	require.NoError(t, err)
	_, err = st.UpdateTyping(func(doc *store.TypingDoc) bool {
		return doc.Set("chat_alice_bob", "alice", true)
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runOnline(cfg, logger.Discard(), &out, "chat_alice_bob"))
	output := out.String()
	require.Contains(t, output, "alice")
	require.Contains(t, output, "s2")
	require.Contains(t, output, "Typing in chat_alice_bob: alice")

	out.Reset()
	require.NoError(t, runOnline(cfg, logger.Discard(), &out, "group_quiet"))
	require.Contains(t, out.String(), "Nobody is typing in group_quiet.")
}

func TestRunCompact(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Broker.Dir, logger.Discard())
	require.NoError(t, err)

	for i := range 5 {
		msg := message.New("alice", "bob", "m")
		require.NoError(t, st.Append(store.Record{Kind: store.KindMessage, Message: &msg, PublishedAt: int64(i), SessionID: "s1"}))
	}

	var out bytes.Buffer
	require.NoError(t, runCompact(cfg, logger.Discard(), &out, 2))
	require.Contains(t, out.String(), "Dropped 3 records")

	snapshot, err := st.ReadLog()
	require.NoError(t, err)
	require.Len(t, snapshot.Records, 2)

	require.Error(t, runCompact(cfg, logger.Discard(), &out, -1))
}

func TestRunServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.MessageIntervalMS = 10
	cfg.Status.Enabled = false

	st, err := store.Open(cfg.Broker.Dir, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, logger.Discard(), []string{"alice"}) }()

	require.Eventually(t, func() bool {
		online, err := st.ReadOnline()
		return err == nil && online.IsOnline("alice")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runServe did not stop after cancel")
	}

	online, err := st.ReadOnline()
	require.NoError(t, err)
	require.False(t, online.IsOnline("alice"))

	sessions, err := st.ListSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestLogEventsStopsWhenChannelCloses(t *testing.T) {
	t.Parallel()

	events := make(chan bus.Event, 2)
	msg := message.New("alice", "bob", "hi")
	events <- bus.Event{Type: bus.EventMessage, UserID: "bob", Message: &msg}
	events <- bus.Event{Type: bus.EventSendFailed, UserID: "alice", Error: "disk full"}
	close(events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		logEvents(context.Background(), logger.Discard(), events)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("logEvents did not return after channel close")
	}
}
