package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionDescriptor advertises one live broker process.
type SessionDescriptor struct {
	SessionID       string `json:"sessionId"`
	HeartbeatMillis int64  `json:"heartbeatMillis"`
	StartedAtMillis int64  `json:"startedAtMillis,omitempty"`
	PID             int    `json:"pid,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
}

// Heartbeat returns the last heartbeat as a time.
func (d SessionDescriptor) Heartbeat() time.Time {
	return time.UnixMilli(d.HeartbeatMillis)
}

// Expired reports whether the heartbeat is older than ttl at now.
func (d SessionDescriptor) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(d.Heartbeat()) > ttl
}

// SessionFile is one descriptor found on disk. Err is set when the file
// could not be decoded.
type SessionFile struct {
	Path       string
	Descriptor SessionDescriptor
	Err        error
}

// SessionPath returns the descriptor path for sessionID.
func (s *Store) SessionPath(sessionID string) string {
	return s.path(sessionPrefix + sessionID + sessionSuffix)
}

func validSessionID(sessionID string) bool {
	trimmed := strings.TrimSpace(sessionID)
	return trimmed != "" && trimmed == sessionID && !strings.ContainsAny(sessionID, `/\`) && sessionID != "." && sessionID != ".."
}

// ReadSession decodes the descriptor at path.
func (s *Store) ReadSession(path string) (SessionDescriptor, error) {
	if _, err := os.Stat(path); err != nil {
		return SessionDescriptor{}, normalizeIOError(err, "stat session descriptor")
	}

	var desc SessionDescriptor
	if err := readDocument(path, &desc); err != nil {
		return SessionDescriptor{}, err
	}
	if desc.SessionID == "" {
		return SessionDescriptor{}, NewError(ErrorDecode, filepath.Base(path)+": missing session id")
	}

	return desc, nil
}

// WriteSession atomically creates or replaces the descriptor.
func (s *Store) WriteSession(desc SessionDescriptor) error {
	if !validSessionID(desc.SessionID) {
		return NewError(ErrorInvalid, "invalid session id")
	}

	return writeDocument(s.SessionPath(desc.SessionID), desc)
}

// DeleteSession removes the descriptor of sessionID. Missing files are not an error.
func (s *Store) DeleteSession(sessionID string) error {
	if !validSessionID(sessionID) {
		return NewError(ErrorInvalid, "invalid session id")
	}

	return s.DeleteSessionFile(s.SessionPath(sessionID))
}

// DeleteSessionFile removes a descriptor by path. Missing files are not an error.
func (s *Store) DeleteSessionFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return normalizeIOError(err, "delete session descriptor")
	}

	return nil
}

// ListSessions returns every descriptor in the directory sorted by path.
// Unreadable descriptors are returned with Err set.
func (s *Store) ListSessions() ([]SessionFile, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, sessionPrefix+"*"+sessionSuffix))
	if err != nil {
		return nil, wrapError(ErrorIO, "list session descriptors", err)
	}
	sort.Strings(paths)

	files := make([]SessionFile, 0, len(paths))
	for _, path := range paths {
		desc, err := s.ReadSession(path)
		if IsNotFound(err) {
			// Deleted between glob and read.
			continue
		}
		files = append(files, SessionFile{Path: path, Descriptor: desc, Err: err})
	}

	return files, nil
}

// SessionIDs returns the ids of every readable descriptor.
func (s *Store) SessionIDs() (map[string]struct{}, error) {
	files, err := s.ListSessions()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(files))
	for _, file := range files {
		if file.Err == nil {
			ids[file.Descriptor.SessionID] = struct{}{}
		}
	}

	return ids, nil
}
