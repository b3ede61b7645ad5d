package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LocalTimeLayout is an ISO-8601 local date-time without a zone offset.
const LocalTimeLayout = "2006-01-02T15:04:05.999999999"

// LocalTime is a wall-clock timestamp serialized without zone information.
// Decoding interprets the value in the process's local zone.
type LocalTime struct {
	time.Time
}

func NewLocalTime(t time.Time) LocalTime {
	return LocalTime{Time: t.Local()}
}

func (t LocalTime) String() string {
	if t.IsZero() {
		return ""
	}

	return t.Local().Format(LocalTimeLayout)
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.String())
}

func (t *LocalTime) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == `""` {
		t.Time = time.Time{}
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode local time: %w", err)
	}

	parsed, err := ParseLocalTime(raw)
	if err != nil {
		return err
	}

	t.Time = parsed
	return nil
}

// ParseLocalTime accepts local date-times and, for interoperability, RFC 3339.
func ParseLocalTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if parsed, err := time.ParseInLocation(LocalTimeLayout, value, time.Local); err == nil {
		return parsed, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.Local(), nil
	}

	return time.Time{}, fmt.Errorf("invalid local date-time %q", raw)
}
