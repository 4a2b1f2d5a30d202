// Package notify forwards alerts about cases the agent is not looking at to
// a team chat channel.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Notice describes a new inbound message on a background case.
type Notice struct {
	CaseID          int64
	ClientName      string
	Channel         string
	IntegrationName string
	Preview         string
	Unread          int
	At              time.Time
}

// Title is the one-line headline used by every platform.
func (n Notice) Title() string {
	who := n.ClientName
	if who == "" {
		who = "unknown client"
	}
	return fmt.Sprintf("New message from %s on case %d", who, n.CaseID)
}

// Field is a labeled value rendered next to the preview.
type Field struct {
	Name  string
	Value string
}

// Fields returns the labeled details shown under the title. Empty values
// are skipped.
func (n Notice) Fields() []Field {
	var out []Field
	add := func(name, value string) {
		if value != "" {
			out = append(out, Field{Name: name, Value: value})
		}
	}
	add("Channel", n.Channel)
	add("Integration", n.IntegrationName)
	if n.Unread > 0 {
		add("Unread", fmt.Sprintf("%d", n.Unread))
	}
	return out
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// MockNotifier records notices for tests.
type MockNotifier struct {
	mu      sync.Mutex
	notices []Notice
	Err     error
}

// Notify implements Notifier.
func (m *MockNotifier) Notify(_ context.Context, n Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.notices = append(m.notices, n)
	return nil
}

// Notices returns every notice received, in order.
func (m *MockNotifier) Notices() []Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notice, len(m.notices))
	copy(out, m.notices)
	return out
}
