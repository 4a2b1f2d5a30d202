package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/casedesk/internal/models"
)

// MockBackend implements Backend for testing. Responses are configured per
// case; hooks let tests block or fail individual calls.
type MockBackend struct {
	mu sync.Mutex

	cases   map[int64][]models.CaseSummary // by agent
	history map[int64][]models.Message     // by case
	nextID  int64

	sent  []SendRequest
	reads []int64

	// Optional hooks, called without the lock held. A non-nil error fails
	// the call.
	ListCasesFunc func(ctx context.Context, agentID int64) error
	HistoryFunc   func(ctx context.Context, caseID int64) error
	SendFunc      func(ctx context.Context, req SendRequest) (*models.Message, error)
	MarkReadFunc  func(ctx context.Context, caseID int64) error
}

// NewMockBackend creates a MockBackend. Sent messages get ids starting at
// firstID.
func NewMockBackend(firstID int64) *MockBackend {
	return &MockBackend{
		cases:   make(map[int64][]models.CaseSummary),
		history: make(map[int64][]models.Message),
		nextID:  firstID,
	}
}

// ListCases implements Backend.
func (m *MockBackend) ListCases(ctx context.Context, agentID int64) ([]models.CaseSummary, error) {
	if m.ListCasesFunc != nil {
		if err := m.ListCasesFunc(ctx, agentID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CaseSummary, len(m.cases[agentID]))
	copy(out, m.cases[agentID])
	return out, nil
}

// History implements Backend.
func (m *MockBackend) History(ctx context.Context, caseID int64) ([]models.Message, error) {
	if m.HistoryFunc != nil {
		if err := m.HistoryFunc(ctx, caseID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Message, len(m.history[caseID]))
	copy(out, m.history[caseID])
	return out, nil
}

// Send implements Backend. Without SendFunc it records the request and
// returns a persisted copy with the next id.
func (m *MockBackend) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sent = append(m.sent, req)
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	msg := models.Message{
		ID:               id,
		CaseID:           req.CaseID,
		SenderType:       models.SenderAgent,
		MessageType:      req.messageType(),
		TextContent:      models.StringPtr(req.Text),
		MimeType:         models.StringPtr(req.MimeType),
		ChannelMessageID: fmt.Sprintf("ch-%d", id),
		CreatedAt:        time.Now(),
	}
	m.history[req.CaseID] = append(m.history[req.CaseID], msg)
	return &msg, nil
}

// MarkRead implements Backend.
func (m *MockBackend) MarkRead(ctx context.Context, caseID int64) error {
	if m.MarkReadFunc != nil {
		if err := m.MarkReadFunc(ctx, caseID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, caseID)
	return nil
}

// --- Test helpers ---

// SetCases sets the case list returned for agentID.
func (m *MockBackend) SetCases(agentID int64, cases ...models.CaseSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[agentID] = cases
}

// SetHistory sets the history returned for caseID.
func (m *MockBackend) SetHistory(caseID int64, msgs ...models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[caseID] = msgs
}

// Sent returns every send request received, in order.
func (m *MockBackend) Sent() []SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendRequest, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reads returns the case ids passed to MarkRead, in order.
func (m *MockBackend) Reads() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.reads))
	copy(out, m.reads)
	return out
}
