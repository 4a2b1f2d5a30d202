// Package timeline holds the ordered message history of the active case and
// reconciles optimistic local inserts with authoritative events.
package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/casedesk/internal/models"
)

// Outcome reports what Reconcile did with an incoming message.
type Outcome int

const (
	// Appended means the message was new and was added at the end.
	Appended Outcome = iota
	// Replaced means an optimistic row with the same temp id was replaced in place.
	Replaced
	// Duplicate means the message was already present and was dropped.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Incoming is a normalized message from the live channel or from a send
// confirmation. ClientTmpID is the correlation id the sender attached, if any.
type Incoming struct {
	Message     models.Message
	ClientTmpID string
}

// Draft is the content of a message the agent is about to send.
type Draft struct {
	CaseID        int64
	MessageType   models.MessageType
	Text          string // body for text messages, caption otherwise
	MimeType      string
	FileName      string
	Base64Content string
}

// Timeline is the append-ordered message list of one case. It is safe for
// concurrent use; event pumps and callers may touch it from different
// goroutines.
type Timeline struct {
	mu      sync.RWMutex
	msgs    []models.Message
	counter uint64
	now     func() time.Time
}

// New creates an empty Timeline. A nil clock defaults to time.Now.
func New(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{now: now}
}

// Load replaces the entire sequence with msgs, which must already be in
// chronological order.
func (t *Timeline) Load(msgs []models.Message) {
	cp := make([]models.Message, len(msgs))
	copy(cp, msgs)
	t.mu.Lock()
	t.msgs = cp
	t.mu.Unlock()
}

// Clear empties the sequence. The temp id counter keeps running so ids stay
// unique for the lifetime of the Timeline.
func (t *Timeline) Clear() {
	t.mu.Lock()
	t.msgs = nil
	t.mu.Unlock()
}

// Reset clears the sequence and restarts the temp id counter.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.msgs = nil
	t.counter = 0
	t.mu.Unlock()
}

// AppendOptimistic appends a pending message built from d and returns it.
// The returned message has ID 0 and a fresh "tmp-<epoch-ms>-<counter>"
// channel message id.
func (t *Timeline) AppendOptimistic(d Draft) models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counter++
	now := t.now()
	mt := d.MessageType
	if mt == "" {
		mt = models.MessageText
	}
	msg := models.Message{
		CaseID:           d.CaseID,
		SenderType:       models.SenderAgent,
		MessageType:      mt,
		TextContent:      models.StringPtr(d.Text),
		MimeType:         models.StringPtr(d.MimeType),
		Base64Content:    models.StringPtr(d.Base64Content),
		ChannelMessageID: fmt.Sprintf("%s%d-%d", models.TempIDPrefix, now.UnixMilli(), t.counter),
		CreatedAt:        now,
	}
	t.msgs = append(t.msgs, msg)
	return msg
}

// Reconcile absorbs an incoming message without breaking uniqueness:
//  1. a matching ClientTmpID replaces the optimistic row in place
//  2. a row with the same nonzero id or channel message id makes it a duplicate
//  3. anything else is appended
func (t *Timeline) Reconcile(in Incoming) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in.ClientTmpID != "" {
		for i := range t.msgs {
			if t.msgs[i].ChannelMessageID == in.ClientTmpID {
				t.msgs[i] = in.Message
				t.dropOtherCopies(i)
				return Replaced
			}
		}
	}

	for _, m := range t.msgs {
		if sameMessage(m, in.Message) {
			return Duplicate
		}
	}

	t.msgs = append(t.msgs, in.Message)
	return Appended
}

// dropOtherCopies removes rows other than keep that now collide with the
// row at keep. This only happens when an authoritative copy was appended
// before its optimistic placeholder could be matched.
func (t *Timeline) dropOtherCopies(keep int) {
	target := t.msgs[keep]
	out := t.msgs[:0]
	for i, m := range t.msgs {
		if i != keep && sameMessage(m, target) {
			continue
		}
		out = append(out, m)
	}
	t.msgs = out
}

// sameMessage reports whether a and b are the same logical message by
// backend id or by channel message id.
func sameMessage(a, b models.Message) bool {
	if a.ID != 0 && a.ID == b.ID {
		return true
	}
	return a.ChannelMessageID != "" && a.ChannelMessageID == b.ChannelMessageID
}

// RemoveByTempID deletes the optimistic row with the given temp id. It
// reports whether a row was removed.
func (t *Timeline) RemoveByTempID(tmpID string) bool {
	if tmpID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.msgs {
		if m.ChannelMessageID == tmpID && m.ID == 0 {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the current sequence.
func (t *Timeline) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
