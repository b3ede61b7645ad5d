// Package store keeps the broker's shared state as plain files in one
// directory: an append-only message log, versioned typing and online
// documents, and one descriptor per live process.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	LogFileName     = "messages.log"
	TypingFileName  = "typing.json"
	OnlineFileName  = "online.json"
	sessionPrefix   = "session_"
	sessionSuffix   = ".json"
	lockSuffix      = ".lock"
	tempFilePattern = ".%s.tmp-*"
)

// Store reads and writes broker documents under one root directory. It holds
// no cached state; every call goes to the filesystem.
type Store struct {
	dir string
	log *slog.Logger
}

// Open resolves dir (expanding a leading ~), creates it when missing and
// returns a Store.
func Open(dir string, log *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, NewError(ErrorInvalid, "broker directory must not be empty")
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("resolve broker directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, normalizeIOError(err, "create broker directory")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Store{dir: filepath.Clean(absPath), log: log.With("component", "store")}, nil
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

// Dir returns the absolute broker directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) withLock(name string, exclusive bool, fn func() error) error {
	lock, err := acquireLock(s.path(name+lockSuffix), exclusive)
	if err != nil {
		return err
	}

	fnErr := fn()
	if releaseErr := lock.release(); releaseErr != nil && fnErr == nil {
		return releaseErr
	}

	return fnErr
}

// readDocument decodes a JSON document. A missing or blank file leaves v untouched.
func readDocument(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return normalizeIOError(err, "read "+filepath.Base(path))
	}

	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}

	if err := json.Unmarshal(content, v); err != nil {
		return wrapError(ErrorDecode, filepath.Base(path)+": "+err.Error(), err)
	}

	return nil
}

// writeDocument replaces path atomically so readers see either the old or
// the new document, never a partial one.
func writeDocument(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return wrapError(ErrorEncode, filepath.Base(path), err)
	}

	return writeAtomic(path, append(content, '\n'))
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(tempFilePattern, filepath.Base(path)))
	if err != nil {
		return normalizeIOError(err, "create temp file")
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return normalizeIOError(err, "write temp file")
	}
	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return normalizeIOError(err, "chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return normalizeIOError(err, "close temp file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return normalizeIOError(err, "replace "+filepath.Base(path))
	}

	return nil
}
