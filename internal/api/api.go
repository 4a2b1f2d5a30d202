// Package api is the request/response side of the console backend: case
// lists, message history, sending and read marks.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zulandar/casedesk/internal/models"
)

// Backend is the REST contract the console depends on.
type Backend interface {
	// ListCases returns the agent's cases in backend order.
	ListCases(ctx context.Context, agentID int64) ([]models.CaseSummary, error)

	// History returns every message of a case, oldest first.
	History(ctx context.Context, caseID int64) ([]models.Message, error)

	// Send submits an agent message. The returned message is the persisted
	// record when the backend includes one, nil otherwise.
	Send(ctx context.Context, req SendRequest) (*models.Message, error)

	// MarkRead zeroes the unread counter of a case on the backend.
	MarkRead(ctx context.Context, caseID int64) error
}

// APIError is a failure reported by the backend, either as a non-2xx status
// or as an envelope with success=false.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// SendRequest is an outbound agent message. MessageType selects the wire
// shape: text sends carry Text as text_message, media sends carry the
// encoded file with Text as an optional caption.
type SendRequest struct {
	CaseID      int64
	ClientTmpID string
	MessageType models.MessageType
	Text        string
	Base64      string
	MimeType    string
	FileName    string
}

type textPayload struct {
	CaseID      int64              `json:"case_id"`
	ClientTmpID string             `json:"client_tmp_id"`
	MessageType models.MessageType `json:"message_type"`
	TextMessage string             `json:"text_message"`
}

type mediaPayload struct {
	CaseID      int64              `json:"case_id"`
	ClientTmpID string             `json:"client_tmp_id"`
	MessageType models.MessageType `json:"message_type"`
	Base64      string             `json:"base64"`
	Mime        string             `json:"mime"`
	FileName    string             `json:"filename"`
	Caption     string             `json:"caption,omitempty"`
}

// Validate checks that the request has what its message type requires.
func (r SendRequest) Validate() error {
	if r.CaseID <= 0 {
		return fmt.Errorf("api: send: case_id is required")
	}
	if r.ClientTmpID == "" {
		return fmt.Errorf("api: send: client_tmp_id is required")
	}
	mt := r.messageType()
	if !mt.Valid() {
		return fmt.Errorf("api: send: unknown message type %q", mt)
	}
	if mt == models.MessageText {
		if r.Text == "" {
			return fmt.Errorf("api: send: text message is empty")
		}
		return nil
	}
	if r.Base64 == "" || r.MimeType == "" {
		return fmt.Errorf("api: send: %s message needs base64 content and mime type", mt)
	}
	return nil
}

func (r SendRequest) messageType() models.MessageType {
	if r.MessageType == "" {
		return models.MessageText
	}
	return r.MessageType
}

// MarshalJSON encodes the request in the wire shape for its message type.
func (r SendRequest) MarshalJSON() ([]byte, error) {
	mt := r.messageType()
	if mt == models.MessageText {
		return json.Marshal(textPayload{
			CaseID:      r.CaseID,
			ClientTmpID: r.ClientTmpID,
			MessageType: mt,
			TextMessage: r.Text,
		})
	}
	return json.Marshal(mediaPayload{
		CaseID:      r.CaseID,
		ClientTmpID: r.ClientTmpID,
		MessageType: mt,
		Base64:      r.Base64,
		Mime:        r.MimeType,
		FileName:    r.FileName,
		Caption:     r.Text,
	})
}

// UnmarshalJSON accepts either wire shape. The gateway uses it to read
// incoming sends.
func (r *SendRequest) UnmarshalJSON(b []byte) error {
	var w struct {
		CaseID      int64              `json:"case_id"`
		ClientTmpID string             `json:"client_tmp_id"`
		MessageType models.MessageType `json:"message_type"`
		TextMessage string             `json:"text_message"`
		Base64      string             `json:"base64"`
		Mime        string             `json:"mime"`
		FileName    string             `json:"filename"`
		Caption     string             `json:"caption"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = SendRequest{
		CaseID:      w.CaseID,
		ClientTmpID: w.ClientTmpID,
		MessageType: w.MessageType,
		Text:        w.TextMessage,
		Base64:      w.Base64,
		MimeType:    w.Mime,
		FileName:    w.FileName,
	}
	if r.messageType() != models.MessageText {
		r.Text = w.Caption
	}
	return nil
}
