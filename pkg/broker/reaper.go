package broker

import (
	"context"
	"os"
	"time"

	"chatbus/pkg/store"
)

// ReapResult summarizes one reaper tick.
type ReapResult struct {
	Deleted      []string
	Unreadable   int
	PrunedOnline []string
	// Restored lists local users whose presence a peer had pruned.
	Restored  []string
	Compacted int
}

// heartbeat rewrites this process's descriptor, recreating it if another
// reaper removed it.
func (b *Broker) heartbeat(now time.Time) error {
	hostname, _ := os.Hostname()

	return b.store.WriteSession(store.SessionDescriptor{
		SessionID:       b.sessionID,
		HeartbeatMillis: now.UnixMilli(),
		StartedAtMillis: b.startedAt.UnixMilli(),
		PID:             os.Getpid(),
		Hostname:        hostname,
	})
}

// refreshSession rewrites the heartbeat and puts back presence for every
// user with a local listener. A peer that saw this session's descriptor
// expired, or not yet written, may have pruned those entries. Nothing is
// written once Close has started.
func (b *Broker) refreshSession(now time.Time) ([]string, error) {
	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()

	if b.closed.Load() {
		return nil, nil
	}
	if err := b.heartbeat(now); err != nil {
		return nil, err
	}

	users := b.registry.activeUsers()
	if len(users) == 0 {
		return nil, nil
	}

	var restored []string
	_, err := b.store.UpdateOnline(func(doc *store.OnlineDoc) bool {
		restored = restored[:0]
		for _, userID := range users {
			if doc.Set(userID, b.sessionID, true) {
				restored = append(restored, userID)
			}
		}
		return len(restored) > 0
	})
	if err != nil {
		return nil, err
	}
	if len(restored) > 0 {
		b.log.Warn("Restored pruned presence", "users", restored)
	}

	return restored, nil
}

// liveSessionIDs lists readable descriptors. ok is false when a descriptor
// failed for a reason other than decoding, so its session may be alive.
func (b *Broker) liveSessionIDs() (ids map[string]struct{}, ok bool, err error) {
	files, err := b.store.ListSessions()
	if err != nil {
		return nil, false, err
	}

	ids = make(map[string]struct{}, len(files))
	ok = true
	for _, file := range files {
		if file.Err != nil {
			if !store.IsDecode(file.Err) {
				ok = false
			}
			continue
		}
		ids[file.Descriptor.SessionID] = struct{}{}
	}

	return ids, ok, nil
}

// reap refreshes the own session, deletes expired or unreadable descriptors
// of other processes and drops their presence entries.
func (b *Broker) reap(ctx context.Context) (ReapResult, error) {
	var result ReapResult
	now := b.now()

	restored, err := b.refreshSession(now)
	if err != nil {
		return result, err
	}
	result.Restored = restored

	files, err := b.store.ListSessions()
	if err != nil {
		return result, err
	}

	ttl := b.cfg.SessionTTL()
	live := map[string]struct{}{b.sessionID: {}}
	pruneSafe := true
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if file.Err != nil {
			if !store.IsDecode(file.Err) {
				pruneSafe = false
				continue
			}
			if err := b.store.DeleteSessionFile(file.Path); err != nil {
				b.log.Warn("Delete unreadable session failed", "path", file.Path, "error", err)
				continue
			}
			result.Unreadable++
			b.metrics.reaped.Inc()
			b.log.Warn("Deleted unreadable session", "path", file.Path, "error", file.Err)
			continue
		}

		desc := file.Descriptor
		if desc.SessionID == b.sessionID {
			continue
		}
		if !desc.Expired(now, ttl) {
			live[desc.SessionID] = struct{}{}
			continue
		}

		if err := b.store.DeleteSessionFile(file.Path); err != nil {
			b.log.Warn("Delete expired session failed", "expired_session", desc.SessionID, "error", err)
			live[desc.SessionID] = struct{}{}
			continue
		}
		result.Deleted = append(result.Deleted, desc.SessionID)
		b.metrics.reaped.Inc()
		b.log.Info("Reaped expired session", "expired_session", desc.SessionID, "last_heartbeat", desc.Heartbeat().Format(time.RFC3339), "ttl", ttl.String())
	}

	if pruneSafe {
		// Descriptors are listed again under the online lock: a session
		// that started after the scan has written its descriptor before
		// any presence entry of its own.
		var listErr error
		_, err := b.store.UpdateOnline(func(doc *store.OnlineDoc) bool {
			result.PrunedOnline = nil
			current, ok, err := b.liveSessionIDs()
			if err != nil || !ok {
				listErr = err
				return false
			}
			removed := doc.RemoveSessions(func(sessionID string) bool {
				if _, ok := live[sessionID]; ok {
					return true
				}
				_, ok := current[sessionID]
				return ok
			})
			result.PrunedOnline = removed
			return len(removed) > 0
		})
		if err == nil {
			err = listErr
		}
		if err != nil {
			return result, err
		}
		if len(result.PrunedOnline) > 0 {
			b.log.Info("Pruned presence of dead sessions", "sessions", result.PrunedOnline)
		}
	}

	if keep := b.cfg.CompactKeep; keep > 0 {
		removed, err := b.store.Compact(keep)
		if err != nil {
			return result, err
		}
		result.Compacted = removed
	}

	return result, nil
}
