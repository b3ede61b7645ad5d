package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeText     Type = "TEXT"
	TypeImage    Type = "IMAGE"
	TypeVideo    Type = "VIDEO"
	TypeAudio    Type = "AUDIO"
	TypeVoice    Type = "VOICE"
	TypeFile     Type = "FILE"
	TypeDocument Type = "DOCUMENT"
)

type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

// Message is the chat payload carried by the broker. The broker never
// interprets it beyond sender/receiver addressing.
type Message struct {
	ID         string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Type       Type      `json:"type"`
	Timestamp  LocalTime `json:"timestamp"`
	Status     Status    `json:"status"`
	ReplyToID  string    `json:"replyToMessageId,omitempty"`
	MediaPath  string    `json:"mediaPath,omitempty"`
}

// New builds a text message with a fresh id and the current local time.
func New(senderID string, receiverID string, content string) Message {
	msg := Message{
		SenderID:   strings.TrimSpace(senderID),
		ReceiverID: strings.TrimSpace(receiverID),
		Content:    content,
	}
	msg.FillDefaults(time.Now())
	return msg
}

// FillDefaults sets id, type, status and timestamp when they are empty.
func (m *Message) FillDefaults(now time.Time) {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = NewLocalTime(now)
	}
}

// ParseType maps user input onto a known type, defaulting to text.
func ParseType(input string) Type {
	switch Type(strings.ToUpper(strings.TrimSpace(input))) {
	case TypeImage:
		return TypeImage
	case TypeVideo:
		return TypeVideo
	case TypeAudio:
		return TypeAudio
	case TypeVoice:
		return TypeVoice
	case TypeFile:
		return TypeFile
	case TypeDocument:
		return TypeDocument
	default:
		return TypeText
	}
}
