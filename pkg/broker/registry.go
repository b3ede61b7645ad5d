package broker

import (
	"sort"
	"sync"
)

// ListenerID identifies one registration inside a process.
type ListenerID uint64

// Subscription is returned by Register and names what Unregister removes.
type Subscription struct {
	UserID string
	ID     ListenerID
}

type registration struct {
	id       ListenerID
	userID   string
	listener Listener
}

// registry is the in-process userID -> listeners table. Order within a user
// follows registration order.
type registry struct {
	mu     sync.RWMutex
	nextID ListenerID
	users  map[string][]registration
}

func newRegistry() *registry {
	return &registry{users: make(map[string][]registration)}
}

// add appends a listener and reports whether it is the user's first.
func (r *registry) add(userID string, listener Listener) (ListenerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	first := len(r.users[userID]) == 0
	r.users[userID] = append(r.users[userID], registration{id: id, userID: userID, listener: listener})

	return id, first
}

// remove drops a listener. removed is false for unknown ids; last is true
// when the user has no listeners left.
func (r *registry) remove(userID string, id ListenerID) (removed bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.users[userID]
	for i, reg := range current {
		if reg.id != id {
			continue
		}

		next := make([]registration, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.users, userID)
			return true, true
		}
		r.users[userID] = next
		return true, false
	}

	return false, false
}

// forUser returns a snapshot of the user's listeners.
func (r *registry) forUser(userID string) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.users[userID]
	out := make([]registration, len(current))
	copy(out, current)

	return out
}

// all returns every registration, users sorted, registration order within a user.
func (r *registry) all() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	sort.Strings(users)

	var out []registration
	for _, userID := range users {
		out = append(out, r.users[userID]...)
	}

	return out
}

func (r *registry) activeUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	sort.Strings(users)

	return users
}

func (r *registry) has(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users[userID]) > 0
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, regs := range r.users {
		total += len(regs)
	}

	return total
}
