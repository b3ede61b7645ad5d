package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"chatbus/pkg/config"
	"chatbus/pkg/message"
	"chatbus/pkg/store"
)

// Background task names.
const (
	TaskMessages = "messages"
	TaskStatus   = "status"
	TaskReaper   = "reaper"
)

var (
	ErrClosed         = errors.New("broker is closed")
	ErrRunning        = errors.New("broker is already running")
	ErrInvalidMessage = errors.New("invalid message")
)

// Option customizes a Broker.
type Option func(*Broker)

// WithLogger sets the base logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMemberResolver sets the directory used for group and channel ids.
func WithMemberResolver(resolver MemberResolver) Option {
	return func(b *Broker) {
		b.resolver = resolver
	}
}

// WithClock replaces time.Now for heartbeats, timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(sessionID string) Option {
	return func(b *Broker) {
		b.sessionID = strings.TrimSpace(sessionID)
	}
}

// TaskState reports the outcome of a background task's latest tick.
type TaskState struct {
	LastRun     time.Time `json:"last_run,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"failures"`
}

// Snapshot is a point-in-time view of the broker for status reporting.
type Snapshot struct {
	SessionID   string               `json:"session_id"`
	Dir         string               `json:"dir"`
	StartedAt   time.Time            `json:"started_at"`
	Running     bool                 `json:"running"`
	Closed      bool                 `json:"closed"`
	Listeners   int                  `json:"listeners"`
	ActiveUsers []string             `json:"active_users"`
	Tasks       map[string]TaskState `json:"tasks"`
}

// Broker connects in-process listeners to the shared broker directory.
// Every process using the same directory gets its own Broker and session.
type Broker struct {
	cfg       config.BrokerConfig
	store     *store.Store
	log       *slog.Logger
	sessionID string
	startedAt time.Time
	now       func() time.Time
	resolver  MemberResolver

	registry *registry
	poller   *poller
	metrics  *metrics

	mu        sync.Mutex
	ownTyping map[typingKey]struct{}
	tasks     map[string]TaskState
	stopped   chan struct{}

	// presenceMu orders first/last listener transitions with the presence
	// writes they cause, the reaper's heartbeat and Close.
	presenceMu sync.Mutex

	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New opens the broker directory and announces a new session.
func New(cfg config.BrokerConfig, opts ...Option) (*Broker, error) {
	full := config.Config{Broker: cfg}
	config.ApplyDefaults(&full)
	if err := full.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:       full.Broker,
		log:       slog.Default(),
		now:       time.Now,
		registry:  newRegistry(),
		ownTyping: make(map[typingKey]struct{}),
		tasks:     make(map[string]TaskState),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sessionID == "" {
		b.sessionID = uuid.NewString()
	}
	b.log = b.log.With("component", "broker", "session_id", b.sessionID)

	st, err := store.Open(b.cfg.Dir, b.log)
	if err != nil {
		return nil, fmt.Errorf("open broker directory: %w", err)
	}
	b.store = st

	b.poller, err = newPoller(b.cfg.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	b.metrics = newMetrics(b.sessionID)

	if !b.cfg.ReplayHistory {
		snapshot, err := st.ReadLog()
		if err != nil {
			return nil, fmt.Errorf("read message log: %w", err)
		}
		b.poller.prime(snapshot)
	}

	b.startedAt = b.now()
	if err := b.heartbeat(b.startedAt); err != nil {
		return nil, fmt.Errorf("write session descriptor: %w", err)
	}

	b.log.Info("Broker session started", "dir", st.Dir(), "replay_history", b.cfg.ReplayHistory)

	return b, nil
}

// SessionID returns this process's session id.
func (b *Broker) SessionID() string {
	return b.sessionID
}

// Dir returns the shared broker directory.
func (b *Broker) Dir() string {
	return b.store.Dir()
}

// Store exposes the underlying shared-directory store.
func (b *Broker) Store() *store.Store {
	return b.store
}

// SessionTTL returns how long a descriptor may go without a heartbeat.
func (b *Broker) SessionTTL() time.Duration {
	return b.cfg.SessionTTL()
}

// Metrics returns the registry holding this broker's collectors.
func (b *Broker) Metrics() *prometheus.Registry {
	return b.metrics.registry
}

// Run drives the message, status and reaper tasks until ctx is cancelled or
// the broker is closed.
func (b *Broker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer b.running.Store(false)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return ErrClosed
	}
	stopped := make(chan struct{})
	b.stopped = stopped
	b.mu.Unlock()
	defer close(stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	wakeMessages := make(chan struct{}, 1)
	wakeStatus := make(chan struct{}, 1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.loop(ctx, TaskMessages, b.cfg.MessageInterval(), wakeMessages, b.pollMessages)
	})
	g.Go(func() error {
		return b.loop(ctx, TaskStatus, b.cfg.StatusInterval(), wakeStatus, b.pollStatus)
	})
	g.Go(func() error {
		return b.loop(ctx, TaskReaper, b.cfg.ReaperInterval(), nil, func(ctx context.Context) error {
			_, err := b.reap(ctx)
			return err
		})
	})
	if b.cfg.Watch {
		g.Go(func() error {
			return b.watch(ctx, wakeMessages, wakeStatus)
		})
	}

	b.log.Info("Broker running",
		"message_interval", b.cfg.MessageInterval().String(),
		"status_interval", b.cfg.StatusInterval().String(),
		"reaper_interval", b.cfg.ReaperInterval().String(),
		"watch", b.cfg.Watch,
	)

	err := g.Wait()
	b.log.Info("Broker stopped")

	return err
}

func (b *Broker) loop(ctx context.Context, task string, interval time.Duration, wake <-chan struct{}, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}

		err := tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.recordTick(task, err)
	}
}

// recordTick logs a failing task once per distinct error; the tick is
// retried on the next interval.
func (b *Broker) recordTick(task string, err error) {
	now := b.now()

	b.mu.Lock()
	state := b.tasks[task]
	previous := state.LastError
	state.LastRun = now
	if err != nil {
		state.LastError = err.Error()
		state.Failures++
	} else {
		state.LastError = ""
		state.LastSuccess = now
	}
	b.tasks[task] = state
	b.mu.Unlock()

	if err == nil {
		if previous != "" {
			b.log.Info("Background task recovered", "task", task)
		}
		return
	}

	b.metrics.tickErrors.WithLabelValues(task).Inc()
	if err.Error() != previous {
		b.log.Warn("Background task failed", "task", task, "category", store.CategoryFromError(err), "error", err)
		return
	}
	b.log.Debug("Background task still failing", "task", task, "error", err)
}

// Snapshot returns the broker's current state.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	tasks := make(map[string]TaskState, len(b.tasks))
	for name, state := range b.tasks {
		tasks[name] = state
	}
	b.mu.Unlock()

	return Snapshot{
		SessionID:   b.sessionID,
		Dir:         b.store.Dir(),
		StartedAt:   b.startedAt,
		Running:     b.running.Load(),
		Closed:      b.closed.Load(),
		Listeners:   b.registry.count(),
		ActiveUsers: b.registry.activeUsers(),
		Tasks:       tasks,
	}
}

func (b *Broker) checkOpen(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if ctx != nil {
		return ctx.Err()
	}

	return nil
}

// Publish appends msg to the shared log after filling defaults, and echoes
// it to this process's listeners for the sender. Other processes deliver it
// on their next message tick.
func (b *Broker) Publish(ctx context.Context, msg message.Message) (message.Message, error) {
	if err := b.checkOpen(ctx); err != nil {
		return msg, err
	}

	msg.SenderID = strings.TrimSpace(msg.SenderID)
	msg.ReceiverID = strings.TrimSpace(msg.ReceiverID)
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return msg, fmt.Errorf("%w: sender and receiver are required", ErrInvalidMessage)
	}

	now := b.now()
	msg.FillDefaults(now)

	record := store.Record{
		Kind:        store.KindMessage,
		Message:     &msg,
		PublishedAt: now.UnixMilli(),
		SessionID:   b.sessionID,
	}
	if err := b.store.Append(record); err != nil {
		b.log.Error("Publish message failed", "message_id", msg.ID, "error", err)
		return msg, err
	}
	b.metrics.published.WithLabelValues(string(store.KindMessage)).Inc()
	b.log.Debug("Message published", "message_id", msg.ID, "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID)

	b.notify(EventMessage, b.registry.forUser(msg.SenderID), func(l Listener) error {
		return l.OnNewMessage(msg)
	})

	return msg, nil
}

// SetTyping records whether userID is typing in chatID.
func (b *Broker) SetTyping(ctx context.Context, chatID string, userID string, typing bool) error {
	if err := b.checkOpen(ctx); err != nil {
		return err
	}

	chatID = strings.TrimSpace(chatID)
	userID = strings.TrimSpace(userID)
	if chatID == "" || userID == "" {
		return store.NewError(store.ErrorInvalid, "chat id and user id are required")
	}

	if _, err := b.store.UpdateTyping(func(doc *store.TypingDoc) bool {
		return doc.Set(chatID, userID, typing)
	}); err != nil {
		return err
	}

	key := typingKey{chatID: chatID, userID: userID}
	b.mu.Lock()
	if typing {
		b.ownTyping[key] = struct{}{}
	} else {
		delete(b.ownTyping, key)
	}
	b.mu.Unlock()

	return nil
}

// TypingUsers returns who is typing in chatID according to the shared state.
func (b *Broker) TypingUsers(ctx context.Context, chatID string) ([]string, error) {
	if err := b.checkOpen(ctx); err != nil {
		return nil, err
	}

	doc, err := b.store.ReadTyping()
	if err != nil {
		return nil, err
	}

	return doc.Users(chatID), nil
}

// SetOnline marks userID online or offline for this session. A user stays
// online while any session holds them online.
func (b *Broker) SetOnline(ctx context.Context, userID string, online bool) error {
	if err := b.checkOpen(ctx); err != nil {
		return err
	}

	return b.setOnline(userID, online)
}

func (b *Broker) setOnline(userID string, online bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return store.NewError(store.ErrorInvalid, "user id is required")
	}

	_, err := b.store.UpdateOnline(func(doc *store.OnlineDoc) bool {
		return doc.Set(userID, b.sessionID, online)
	})
	if err != nil {
		return err
	}
	b.log.Debug("Presence updated", "user_id", userID, "online", online)

	return nil
}

// IsOnline reports whether any session holds userID online.
func (b *Broker) IsOnline(ctx context.Context, userID string) (bool, error) {
	if err := b.checkOpen(ctx); err != nil {
		return false, err
	}

	doc, err := b.store.ReadOnline()
	if err != nil {
		return false, err
	}

	return doc.IsOnline(userID), nil
}

// OnlineUsers returns every user some session holds online.
func (b *Broker) OnlineUsers(ctx context.Context) ([]string, error) {
	if err := b.checkOpen(ctx); err != nil {
		return nil, err
	}

	doc, err := b.store.ReadOnline()
	if err != nil {
		return nil, err
	}

	return doc.OnlineUsers(), nil
}

// MarkRead announces that userID read messageID to every listener, here
// and in other processes.
func (b *Broker) MarkRead(ctx context.Context, messageID string, userID string) error {
	if err := b.checkOpen(ctx); err != nil {
		return err
	}

	messageID = strings.TrimSpace(messageID)
	userID = strings.TrimSpace(userID)
	if err := b.appendEvent(store.Record{Kind: store.KindRead, MessageID: messageID, UserID: userID}); err != nil {
		return err
	}
	b.dispatchRead(messageID, userID)

	return nil
}

// BroadcastProfileUpdate announces that userID changed their profile.
func (b *Broker) BroadcastProfileUpdate(ctx context.Context, userID string) error {
	if err := b.checkOpen(ctx); err != nil {
		return err
	}

	userID = strings.TrimSpace(userID)
	if err := b.appendEvent(store.Record{Kind: store.KindProfile, UserID: userID}); err != nil {
		return err
	}
	b.dispatchProfile(userID)

	return nil
}

func (b *Broker) appendEvent(record store.Record) error {
	record.PublishedAt = b.now().UnixMilli()
	record.SessionID = b.sessionID
	if err := b.store.Append(record); err != nil {
		return err
	}
	b.metrics.published.WithLabelValues(string(record.Kind)).Inc()

	return nil
}

// Register adds listener for userID. The first listener for a user marks
// them online for this session.
func (b *Broker) Register(ctx context.Context, userID string, listener Listener) (Subscription, error) {
	if err := b.checkOpen(ctx); err != nil {
		return Subscription{}, err
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Subscription{}, store.NewError(store.ErrorInvalid, "user id is required")
	}
	if listener == nil {
		return Subscription{}, store.NewError(store.ErrorInvalid, "listener is required")
	}

	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()
	if b.closed.Load() {
		return Subscription{}, ErrClosed
	}

	id, first := b.registry.add(userID, listener)
	sub := Subscription{UserID: userID, ID: id}
	if first {
		if err := b.setOnline(userID, true); err != nil {
			b.registry.remove(userID, id)
			return Subscription{}, err
		}
	}
	b.metrics.listeners.Set(float64(b.registry.count()))
	b.log.Info("Listener registered", "user_id", userID, "listener_id", uint64(id))

	return sub, nil
}

// Unregister removes a listener. Unknown subscriptions are ignored. When the
// user's last listener goes, the user is marked offline for this session and
// typing entries this process set for them are cleared.
func (b *Broker) Unregister(ctx context.Context, sub Subscription) error {
	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()

	removed, last := b.registry.remove(sub.UserID, sub.ID)
	if !removed {
		return nil
	}
	b.metrics.listeners.Set(float64(b.registry.count()))
	b.log.Info("Listener unregistered", "user_id", sub.UserID, "listener_id", uint64(sub.ID))

	if !last || b.closed.Load() {
		return nil
	}
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	return errors.Join(b.setOnline(sub.UserID, false), b.clearOwnTyping(func(key typingKey) bool {
		return key.userID == sub.UserID
	}))
}

// ActiveUsers returns the users with listeners in this process.
func (b *Broker) ActiveUsers() []string {
	return b.registry.activeUsers()
}

// ListenerCount returns the number of listeners in this process.
func (b *Broker) ListenerCount() int {
	return b.registry.count()
}

// Sessions lists the session descriptors in the broker directory.
func (b *Broker) Sessions(ctx context.Context) ([]store.SessionFile, error) {
	if err := b.checkOpen(ctx); err != nil {
		return nil, err
	}

	return b.store.ListSessions()
}

// Reap runs one reaper pass immediately.
func (b *Broker) Reap(ctx context.Context) (ReapResult, error) {
	if err := b.checkOpen(ctx); err != nil {
		return ReapResult{}, err
	}

	result, err := b.reap(ctx)
	b.recordTick(TaskReaper, err)

	return result, err
}

// Compact trims the shared log to the newest keep records.
func (b *Broker) Compact(ctx context.Context, keep int) (int, error) {
	if err := b.checkOpen(ctx); err != nil {
		return 0, err
	}

	return b.store.Compact(keep)
}

// waitStopped blocks until a running Run has returned.
func (b *Broker) waitStopped(ctx context.Context) {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped == nil {
		return
	}

	select {
	case <-stopped:
	case <-ctx.Done():
		b.log.Warn("Closing before background tasks stopped", "error", ctx.Err())
	}
}

func (b *Broker) clearOwnTyping(match func(typingKey) bool) error {
	b.mu.Lock()
	var keys []typingKey
	for key := range b.ownTyping {
		if match(key) {
			keys = append(keys, key)
		}
	}
	b.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}

	_, err := b.store.UpdateTyping(func(doc *store.TypingDoc) bool {
		changed := false
		for _, key := range keys {
			if doc.Set(key.chatID, key.userID, false) {
				changed = true
			}
		}
		return changed
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	for _, key := range keys {
		delete(b.ownTyping, key)
	}
	b.mu.Unlock()

	return nil
}

// Close stops Run, drops every listener, withdraws this session's presence
// and typing entries and removes its descriptor. It waits for an in-flight
// tick to finish unless ctx ends first, so it must not be called from a
// listener callback with a context that never ends. It is safe to call
// more than once.
func (b *Broker) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	b.closeOnce.Do(func() {
		b.presenceMu.Lock()
		b.closed.Store(true)
		b.presenceMu.Unlock()
		close(b.done)
		b.waitStopped(ctx)

		users := b.registry.activeUsers()
		for _, reg := range b.registry.all() {
			b.registry.remove(reg.userID, reg.id)
		}
		b.metrics.listeners.Set(0)

		_, onlineErr := b.store.UpdateOnline(func(doc *store.OnlineDoc) bool {
			removed := doc.RemoveSessions(func(sessionID string) bool {
				return sessionID != b.sessionID
			})
			return len(removed) > 0
		})
		typingErr := b.clearOwnTyping(func(typingKey) bool { return true })
		sessionErr := b.store.DeleteSession(b.sessionID)

		err = errors.Join(onlineErr, typingErr, sessionErr)
		if err != nil {
			b.log.Warn("Broker closed with errors", "users", users, "error", err)
			return
		}
		b.log.Info("Broker closed", "users", users)
	})

	return err
}
