package models

import (
	"strings"
	"time"
)

// SenderType identifies who wrote a message.
type SenderType string

const (
	SenderAgent  SenderType = "agent"
	SenderClient SenderType = "client"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageFile:
		return true
	}
	return false
}

// TempIDPrefix marks a channel_message_id generated locally for an
// optimistic message that the backend has not confirmed yet.
const TempIDPrefix = "tmp-"

// Message is one chat message belonging to exactly one case.
type Message struct {
	ID               int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	CaseID           int64       `gorm:"not null;index;uniqueIndex:idx_case_channel_msg" json:"case_id"`
	SenderType       SenderType  `gorm:"size:16;not null" json:"sender_type"`
	MessageType      MessageType `gorm:"size:16;not null;default:text" json:"message_type"`
	TextContent      *string     `gorm:"type:text" json:"text_content"`
	FileURL          *string     `gorm:"size:512" json:"file_url"`
	MimeType         *string     `gorm:"size:128" json:"mime_type"`
	Base64Content    *string     `gorm:"type:mediumtext" json:"base64_content,omitempty"`
	ChannelMessageID string      `gorm:"size:128;uniqueIndex:idx_case_channel_msg" json:"channel_message_id"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Pending reports whether the message is a local optimistic insert that
// has not been confirmed by the backend.
func (m Message) Pending() bool {
	return m.ID == 0 && strings.HasPrefix(m.ChannelMessageID, TempIDPrefix)
}

// Text returns the text content, or "" when there is none.
func (m Message) Text() string {
	if m.TextContent == nil {
		return ""
	}
	return *m.TextContent
}

// Preview returns the one-line summary shown in the case list: the body for
// text messages, a bracketed type tag such as "[image]" otherwise.
func (m Message) Preview() string {
	if m.MessageType == MessageText || m.MessageType == "" {
		return m.Text()
	}
	return "[" + string(m.MessageType) + "]"
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
