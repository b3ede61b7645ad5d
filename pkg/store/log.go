package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"chatbus/pkg/message"
)

type RecordKind string

const (
	KindMessage RecordKind = "message"
	KindRead    RecordKind = "read"
	KindProfile RecordKind = "profile"
)

// Record is one line of the shared message log.
type Record struct {
	Kind        RecordKind       `json:"kind,omitempty"`
	Message     *message.Message `json:"message,omitempty"`
	MessageID   string           `json:"messageId,omitempty"`
	UserID      string           `json:"userId,omitempty"`
	PublishedAt int64            `json:"timestamp"`
	SessionID   string           `json:"sessionId"`
}

// EffectiveKind treats records without a kind as chat messages.
func (r Record) EffectiveKind() RecordKind {
	if r.Kind == "" {
		return KindMessage
	}

	return r.Kind
}

// Key identifies a record across log rewrites.
func (r Record) Key() string {
	id := r.MessageID
	if r.EffectiveKind() == KindMessage && r.Message != nil {
		id = r.Message.ID
	}

	return strings.Join([]string{r.SessionID, string(r.EffectiveKind()), id, r.UserID, strconv.FormatInt(r.PublishedAt, 10)}, "/")
}

func (r Record) validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return NewError(ErrorInvalid, "record session id must not be empty")
	}

	switch r.EffectiveKind() {
	case KindMessage:
		if r.Message == nil {
			return NewError(ErrorInvalid, "message record without payload")
		}
	case KindRead:
		if r.MessageID == "" || r.UserID == "" {
			return NewError(ErrorInvalid, "read record needs message and user id")
		}
	case KindProfile:
		if r.UserID == "" {
			return NewError(ErrorInvalid, "profile record needs user id")
		}
	default:
		return NewError(ErrorInvalid, fmt.Sprintf("unknown record kind %q", r.Kind))
	}

	return nil
}

// Log is a decoded snapshot of the message log.
type Log struct {
	Records []Record
	// Skipped counts complete lines that could not be decoded.
	Skipped int
}

// LogPath returns the path of the append-only log file.
func (s *Store) LogPath() string {
	return s.path(LogFileName)
}

// ReadLog decodes every complete line of the log. A trailing line without a
// newline belongs to an append in progress and is left for the next read.
// Undecodable lines are skipped; decoding is deterministic so record indices
// stay stable between reads.
func (s *Store) ReadLog() (Log, error) {
	content, err := os.ReadFile(s.LogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Log{}, nil
		}
		return Log{}, normalizeIOError(err, "read message log")
	}

	return decodeLog(content), nil
}

func decodeLog(content []byte) Log {
	var out Log
	if end := bytes.LastIndexByte(content, '\n'); end >= 0 {
		content = content[:end+1]
	} else {
		return out
	}

	for len(content) > 0 {
		idx := bytes.IndexByte(content, '\n')
		line := bytes.TrimSpace(content[:idx])
		content = content[idx+1:]
		if len(line) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			out.Skipped++
			continue
		}
		if err := record.validate(); err != nil {
			out.Skipped++
			continue
		}
		out.Records = append(out.Records, record)
	}

	return out
}

// Append writes one record as a single O_APPEND write. Appends from several
// processes interleave whole lines; compaction is excluded by the log lock.
func (s *Store) Append(record Record) error {
	if err := record.validate(); err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return wrapError(ErrorEncode, "record", err)
	}
	line = append(line, '\n')

	return s.withLock(LogFileName, false, func() error {
		file, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return normalizeIOError(err, "open message log")
		}

		if _, err := file.Write(line); err != nil {
			_ = file.Close()
			return normalizeIOError(err, "append message log")
		}

		return normalizeIOError(file.Close(), "close message log")
	})
}

// Compact rewrites the log keeping only the newest keep records and returns
// how many records were dropped. Undecodable lines are dropped as well.
func (s *Store) Compact(keep int) (int, error) {
	if keep < 0 {
		return 0, NewError(ErrorInvalid, "keep must not be negative")
	}

	dropped := 0
	err := s.withLock(LogFileName, true, func() error {
		current, err := s.ReadLog()
		if err != nil {
			return err
		}

		records := current.Records
		if len(records) > keep {
			dropped = len(records) - keep
			records = records[dropped:]
		}
		if dropped == 0 && current.Skipped == 0 {
			return nil
		}

		var buf bytes.Buffer
		for _, record := range records {
			line, err := json.Marshal(record)
			if err != nil {
				return wrapError(ErrorEncode, "record", err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}

		return writeAtomic(s.LogPath(), buf.Bytes())
	})
	if err != nil {
		return 0, err
	}

	if dropped > 0 {
		s.log.Info("Message log compacted", "dropped", dropped, "kept", keep)
	}

	return dropped, nil
}
