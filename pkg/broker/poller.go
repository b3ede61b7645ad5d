package broker

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"chatbus/pkg/store"
)

type typingKey struct {
	chatID string
	userID string
}

// poller keeps the per-process view used to turn shared files into events.
// None of it is persisted; a restarted process starts fresh.
type poller struct {
	msgMu       sync.Mutex
	lastIndex   int
	lastKey     string
	lastSkipped int
	delivered   *lru.Cache[string, struct{}]

	statusMu   sync.Mutex
	lastTyping map[typingKey]struct{}
	lastOnline map[string]struct{}
}

func newPoller(cacheSize int) (*poller, error) {
	cache, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}

	return &poller{
		lastIndex:  -1,
		delivered:  cache,
		lastTyping: make(map[typingKey]struct{}),
		lastOnline: make(map[string]struct{}),
	}, nil
}

// prime marks every record already in the log as seen.
func (p *poller) prime(log store.Log) {
	p.msgMu.Lock()
	defer p.msgMu.Unlock()

	for _, rec := range log.Records {
		p.delivered.Add(rec.Key(), struct{}{})
	}
	p.mark(log.Records)
	p.lastSkipped = log.Skipped
}

// mark records the end of records as processed.
func (p *poller) mark(records []store.Record) {
	p.lastIndex = len(records) - 1
	p.lastKey = ""
	if p.lastIndex >= 0 {
		p.lastKey = records[p.lastIndex].Key()
	}
}

// rewritten reports whether the log no longer holds the last processed
// record at its index, which happens after a compaction even when the log
// has since grown past its previous length.
func (p *poller) rewritten(records []store.Record) bool {
	if p.lastIndex < 0 {
		return false
	}
	if p.lastIndex >= len(records) {
		return true
	}

	return records[p.lastIndex].Key() != p.lastKey
}

// pollMessages delivers log records appended since the previous tick. A
// failed read leaves the index untouched so the next tick retries.
func (b *Broker) pollMessages(ctx context.Context) error {
	snapshot, err := b.store.ReadLog()
	if err != nil {
		return err
	}

	p := b.poller
	p.msgMu.Lock()
	defer p.msgMu.Unlock()

	b.metrics.logRecords.Set(float64(len(snapshot.Records)))
	b.metrics.logSkipped.Set(float64(snapshot.Skipped))
	if snapshot.Skipped > p.lastSkipped {
		b.log.Warn("Skipped corrupt log lines", "count", snapshot.Skipped-p.lastSkipped, "path", b.store.LogPath())
	}
	p.lastSkipped = snapshot.Skipped

	start := p.lastIndex + 1
	if p.rewritten(snapshot.Records) {
		b.log.Info("Message log rewritten, rescanning", "previous_index", p.lastIndex, "records", len(snapshot.Records))
		start = 0
	}

	for i := start; i < len(snapshot.Records); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := snapshot.Records[i]
		p.lastIndex = i
		p.lastKey = rec.Key()

		key := p.lastKey
		if p.delivered.Contains(key) {
			b.metrics.duplicates.Inc()
			continue
		}
		p.delivered.Add(key, struct{}{})

		if rec.SessionID == b.sessionID {
			b.metrics.selfSkipped.Inc()
			continue
		}

		b.deliverRecord(ctx, rec)
	}
	p.mark(snapshot.Records)

	return nil
}

func (b *Broker) deliverRecord(ctx context.Context, rec store.Record) {
	switch rec.EffectiveKind() {
	case store.KindMessage:
		msg := *rec.Message
		b.log.Debug("Message received", "message_id", msg.ID, "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID, "origin", rec.SessionID)
		b.dispatchMessage(ctx, msg)
	case store.KindRead:
		b.dispatchRead(rec.MessageID, rec.UserID)
	case store.KindProfile:
		b.dispatchProfile(rec.UserID)
	}
}

// pollStatus diffs the typing and online documents against the previous
// tick. If either document cannot be read the whole tick is abandoned and
// the snapshots stay as they were.
func (b *Broker) pollStatus(ctx context.Context) error {
	typingDoc, err := b.store.ReadTyping()
	if err != nil {
		return err
	}
	onlineDoc, err := b.store.ReadOnline()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	typing := make(map[typingKey]struct{})
	for chatID, users := range typingDoc.Chats {
		for _, userID := range users {
			typing[typingKey{chatID: chatID, userID: userID}] = struct{}{}
		}
	}
	online := make(map[string]struct{})
	for _, userID := range onlineDoc.OnlineUsers() {
		online[userID] = struct{}{}
	}

	p := b.poller
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	started, stopped := diffTyping(p.lastTyping, typing)
	wentOnline, wentOffline := diffUsers(p.lastOnline, online)
	p.lastTyping = typing
	p.lastOnline = online

	for _, key := range started {
		b.dispatchTyping(key.chatID, key.userID, true)
	}
	for _, key := range stopped {
		b.dispatchTyping(key.chatID, key.userID, false)
	}
	for _, userID := range wentOnline {
		b.dispatchPresence(userID, true)
	}
	for _, userID := range wentOffline {
		b.dispatchPresence(userID, false)
	}

	return nil
}

func diffTyping(previous, current map[typingKey]struct{}) (started, stopped []typingKey) {
	for key := range current {
		if _, ok := previous[key]; !ok {
			started = append(started, key)
		}
	}
	for key := range previous {
		if _, ok := current[key]; !ok {
			stopped = append(stopped, key)
		}
	}
	sortTypingKeys(started)
	sortTypingKeys(stopped)

	return started, stopped
}

func diffUsers(previous, current map[string]struct{}) (added, removed []string) {
	for userID := range current {
		if _, ok := previous[userID]; !ok {
			added = append(added, userID)
		}
	}
	for userID := range previous {
		if _, ok := current[userID]; !ok {
			removed = append(removed, userID)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	return added, removed
}

func sortTypingKeys(keys []typingKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].chatID != keys[j].chatID {
			return keys[i].chatID < keys[j].chatID
		}
		return keys[i].userID < keys[j].userID
	})
}
