package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/casedesk/internal/models"
)

// TypeNewMessage is the only frame type the console acts on.
const TypeNewMessage = "new_message"

// Frame is one inbound event: {"type": "...", "case_id": N, "data": {...}}.
type Frame struct {
	Type   string          `json:"type"`
	CaseID int64           `json:"case_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// PayloadKind tags which wire shape a frame's data had.
type PayloadKind int

const (
	// KindPersisted is a full message record as stored by the backend.
	KindPersisted PayloadKind = iota + 1
	// KindAgentEcho is the lighter echo of an agent send: text_message
	// instead of text_content and no backend id.
	KindAgentEcho
)

func (k PayloadKind) String() string {
	switch k {
	case KindPersisted:
		return "persisted"
	case KindAgentEcho:
		return "agent_echo"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Payload is the decoded data of a new_message frame. Kind says which of the
// two wire shapes it came from; Message is already normalized.
type Payload struct {
	Kind        PayloadKind
	Message     models.Message
	ClientTmpID string
}

// wireMessage is the union of both wire shapes. Pointer fields distinguish
// "absent" from "zero".
type wireMessage struct {
	ID               *int64   `json:"id"`
	CaseID           int64    `json:"case_id"`
	SenderType       string   `json:"sender_type"`
	MessageType      string   `json:"message_type"`
	TextContent      *string  `json:"text_content"`
	TextMessage      *string  `json:"text_message"`
	FileURL          *string  `json:"file_url"`
	MimeType         *string  `json:"mime_type"`
	Mime             *string  `json:"mime"`
	Base64Content    *string  `json:"base64_content"`
	Base64           *string  `json:"base64"`
	ChannelMessageID string   `json:"channel_message_id"`
	ClientTmpID      string   `json:"client_tmp_id"`
	CreatedAt        flexTime `json:"created_at"`
}

// kind classifies the wire shape.
func (w wireMessage) kind() PayloadKind {
	if w.TextMessage != nil || w.ID == nil || *w.ID == 0 {
		return KindAgentEcho
	}
	return KindPersisted
}

// DecodePayload decodes a new_message frame's data into a normalized Payload.
// The frame's case_id fills in a missing case_id in the data.
func DecodePayload(f Frame) (Payload, error) {
	if f.Type != TypeNewMessage {
		return Payload{}, fmt.Errorf("stream: unsupported frame type %q", f.Type)
	}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return Payload{}, fmt.Errorf("stream: frame has no data")
	}
	var w wireMessage
	if err := json.Unmarshal(f.Data, &w); err != nil {
		return Payload{}, fmt.Errorf("stream: decode payload: %w", err)
	}
	if w.CaseID == 0 {
		w.CaseID = f.CaseID
	}

	p := Payload{Kind: w.kind(), ClientTmpID: w.ClientTmpID}
	switch p.Kind {
	case KindPersisted:
		p.Message = normalizePersisted(w)
	case KindAgentEcho:
		p.Message = normalizeEcho(w)
	}
	return p, nil
}

func normalizePersisted(w wireMessage) models.Message {
	return models.Message{
		ID:               *w.ID,
		CaseID:           w.CaseID,
		SenderType:       senderOr(w.SenderType, models.SenderClient),
		MessageType:      messageTypeOr(w.MessageType),
		TextContent:      firstNonNil(w.TextContent, w.TextMessage),
		FileURL:          w.FileURL,
		MimeType:         firstNonNil(w.MimeType, w.Mime),
		Base64Content:    firstNonNil(w.Base64Content, w.Base64),
		ChannelMessageID: w.ChannelMessageID,
		CreatedAt:        w.CreatedAt.orNow(),
	}
}

func normalizeEcho(w wireMessage) models.Message {
	var id int64
	if w.ID != nil {
		id = *w.ID
	}
	return models.Message{
		ID:               id,
		CaseID:           w.CaseID,
		SenderType:       senderOr(w.SenderType, models.SenderAgent),
		MessageType:      messageTypeOr(w.MessageType),
		TextContent:      firstNonNil(w.TextMessage, w.TextContent),
		FileURL:          w.FileURL,
		MimeType:         firstNonNil(w.Mime, w.MimeType),
		Base64Content:    firstNonNil(w.Base64, w.Base64Content),
		ChannelMessageID: w.ChannelMessageID,
		CreatedAt:        w.CreatedAt.orNow(),
	}
}

func senderOr(s string, def models.SenderType) models.SenderType {
	switch models.SenderType(s) {
	case models.SenderAgent, models.SenderClient:
		return models.SenderType(s)
	}
	return def
}

func messageTypeOr(s string) models.MessageType {
	mt := models.MessageType(strings.ToLower(s))
	if mt.Valid() {
		return mt
	}
	return models.MessageText
}

func firstNonNil(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

// flexTime accepts RFC 3339 timestamps with or without a zone, with or
// without fractional seconds, and the space-separated SQL form.
type flexTime struct {
	time.Time
}

var flexLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range flexLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("stream: unrecognized timestamp %q", s)
}

func (t flexTime) orNow() time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t.Time
}
