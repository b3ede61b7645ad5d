package store

import (
	"slices"
	"sort"
	"strings"
)

// TypingDoc maps a chat id to the sorted set of users typing in it.
type TypingDoc struct {
	Version uint64              `json:"version"`
	Chats   map[string][]string `json:"chats"`
}

// Contains reports whether userID is typing in chatID.
func (d TypingDoc) Contains(chatID string, userID string) bool {
	_, found := slices.BinarySearch(d.Chats[chatID], userID)
	return found
}

// Users returns a copy of the users typing in chatID.
func (d TypingDoc) Users(chatID string) []string {
	return slices.Clone(d.Chats[chatID])
}

// Set adds or removes userID and reports whether the document changed.
func (d *TypingDoc) Set(chatID string, userID string, typing bool) bool {
	if d.Chats == nil {
		d.Chats = make(map[string][]string)
	}

	var changed bool
	d.Chats[chatID], changed = setMember(d.Chats[chatID], userID, typing)
	if len(d.Chats[chatID]) == 0 {
		delete(d.Chats, chatID)
	}

	return changed
}

// ClearUser removes userID from every chat and returns the affected chats.
func (d *TypingDoc) ClearUser(userID string) []string {
	var chats []string
	for chatID := range d.Chats {
		if d.Set(chatID, userID, false) {
			chats = append(chats, chatID)
		}
	}
	sort.Strings(chats)

	return chats
}

func (d *TypingDoc) normalize() {
	if d.Chats == nil {
		d.Chats = make(map[string][]string)
	}
	for chatID, users := range d.Chats {
		d.Chats[chatID] = normalizeSet(users)
		if len(d.Chats[chatID]) == 0 {
			delete(d.Chats, chatID)
		}
	}
}

// OnlineDoc maps a user id to the sessions that declared it online. A user
// is online while at least one session holds it.
type OnlineDoc struct {
	Version uint64              `json:"version"`
	Users   map[string][]string `json:"users"`
}

// IsOnline reports whether any session holds userID.
func (d OnlineDoc) IsOnline(userID string) bool {
	return len(d.Users[userID]) > 0
}

// OnlineUsers returns the sorted aggregate online set.
func (d OnlineDoc) OnlineUsers() []string {
	users := make([]string, 0, len(d.Users))
	for userID, sessions := range d.Users {
		if len(sessions) > 0 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)

	return users
}

// Sessions returns a copy of the sessions holding userID.
func (d OnlineDoc) Sessions(userID string) []string {
	return slices.Clone(d.Users[userID])
}

// Set adds or removes the (userID, sessionID) pair and reports whether the
// document changed.
func (d *OnlineDoc) Set(userID string, sessionID string, online bool) bool {
	if d.Users == nil {
		d.Users = make(map[string][]string)
	}

	var changed bool
	d.Users[userID], changed = setMember(d.Users[userID], sessionID, online)
	if len(d.Users[userID]) == 0 {
		delete(d.Users, userID)
	}

	return changed
}

// RemoveSessions drops every pair whose session is not kept and returns the
// removed session ids.
func (d *OnlineDoc) RemoveSessions(keep func(sessionID string) bool) []string {
	seen := make(map[string]struct{})
	for userID, sessions := range d.Users {
		for _, sessionID := range slices.Clone(sessions) {
			if keep(sessionID) {
				continue
			}
			d.Set(userID, sessionID, false)
			seen[sessionID] = struct{}{}
		}
	}

	removed := make([]string, 0, len(seen))
	for sessionID := range seen {
		removed = append(removed, sessionID)
	}
	sort.Strings(removed)

	return removed
}

func (d *OnlineDoc) normalize() {
	if d.Users == nil {
		d.Users = make(map[string][]string)
	}
	for userID, sessions := range d.Users {
		d.Users[userID] = normalizeSet(sessions)
		if len(d.Users[userID]) == 0 {
			delete(d.Users, userID)
		}
	}
}

func setMember(set []string, value string, present bool) ([]string, bool) {
	idx, found := slices.BinarySearch(set, value)
	switch {
	case present && !found:
		return slices.Insert(set, idx, value), true
	case !present && found:
		return slices.Delete(set, idx, idx+1), true
	default:
		return set, false
	}
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	sort.Strings(out)

	return slices.Compact(out)
}

// TypingPath returns the path of the typing document.
func (s *Store) TypingPath() string {
	return s.path(TypingFileName)
}

// OnlinePath returns the path of the online document.
func (s *Store) OnlinePath() string {
	return s.path(OnlineFileName)
}

// ReadTyping returns the current typing document. A missing file is empty;
// a corrupt one yields a decode error and an empty document.
func (s *Store) ReadTyping() (TypingDoc, error) {
	var doc TypingDoc
	if err := readDocument(s.TypingPath(), &doc); err != nil {
		return TypingDoc{Chats: map[string][]string{}}, err
	}
	doc.normalize()

	return doc, nil
}

// UpdateTyping applies fn under an exclusive lock and writes the document
// back with a bumped version when fn reports a change.
func (s *Store) UpdateTyping(fn func(*TypingDoc) bool) (TypingDoc, error) {
	var doc TypingDoc
	err := s.withLock(TypingFileName, true, func() error {
		current, err := s.ReadTyping()
		if err != nil {
			if !IsDecode(err) {
				return err
			}
			s.log.Warn("Typing document unreadable, rebuilding", "error", err)
			current = TypingDoc{Chats: map[string][]string{}}
		}

		if !fn(&current) {
			doc = current
			return nil
		}

		current.Version++
		current.normalize()
		if err := writeDocument(s.TypingPath(), current); err != nil {
			return err
		}
		doc = current

		return nil
	})

	return doc, err
}

// ReadOnline returns the current online document.
func (s *Store) ReadOnline() (OnlineDoc, error) {
	var doc OnlineDoc
	if err := readDocument(s.OnlinePath(), &doc); err != nil {
		return OnlineDoc{Users: map[string][]string{}}, err
	}
	doc.normalize()

	return doc, nil
}

// UpdateOnline applies fn under an exclusive lock, see UpdateTyping.
func (s *Store) UpdateOnline(fn func(*OnlineDoc) bool) (OnlineDoc, error) {
	var doc OnlineDoc
	err := s.withLock(OnlineFileName, true, func() error {
		current, err := s.ReadOnline()
		if err != nil {
			if !IsDecode(err) {
				return err
			}
			s.log.Warn("Online document unreadable, rebuilding", "error", err)
			current = OnlineDoc{Users: map[string][]string{}}
		}

		if !fn(&current) {
			doc = current
			return nil
		}

		current.Version++
		current.normalize()
		if err := writeDocument(s.OnlinePath(), current); err != nil {
			return err
		}
		doc = current

		return nil
	})

	return doc, err
}
