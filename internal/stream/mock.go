package stream

import (
	"context"
	"fmt"
	"sync"
)

// MockDialer implements Dialer for testing. It records every subscription
// and lets tests push frames into them via Publish.
type MockDialer struct {
	mu     sync.Mutex
	subs   []*MockSubscription
	failOn map[string]error
}

// NewMockDialer creates a MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{failOn: make(map[string]error)}
}

// Subscribe returns a new MockSubscription, or the error registered with
// FailOn for url.
func (m *MockDialer) Subscribe(ctx context.Context, url string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[url]; err != nil {
		return nil, fmt.Errorf("mock stream: subscribe %s: %w", url, err)
	}
	sub := &MockSubscription{
		url:    url,
		events: make(chan Frame),
		done:   make(chan struct{}),
	}
	m.subs = append(m.subs, sub)
	return sub, nil
}

// --- Test helpers ---

// FailOn makes subsequent Subscribe calls for url return err. A nil err
// clears the failure.
func (m *MockDialer) FailOn(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, url)
		return
	}
	m.failOn[url] = err
}

// Publish delivers f to every open subscription for url and returns how
// many received it. It blocks until each consumer has taken the frame.
func (m *MockDialer) Publish(url string, f Frame) int {
	n := 0
	for _, sub := range m.Subscriptions(url) {
		if sub.Deliver(f) {
			n++
		}
	}
	return n
}

// Subscriptions returns every subscription ever opened for url, open or
// closed, in creation order.
func (m *MockDialer) Subscriptions(url string) []*MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MockSubscription
	for _, s := range m.subs {
		if s.url == url {
			out = append(out, s)
		}
	}
	return out
}

// OpenCount returns the number of subscriptions that have not been closed.
func (m *MockDialer) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// AllURLs returns the URL of every subscription in creation order.
func (m *MockDialer) AllURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subs))
	for i, s := range m.subs {
		out[i] = s.url
	}
	return out
}

// MockSubscription is a Subscription fed by Deliver.
type MockSubscription struct {
	url    string
	events chan Frame
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func (s *MockSubscription) URL() string          { return s.url }
func (s *MockSubscription) Events() <-chan Frame { return s.events }

// Close marks the subscription closed, waits for in-flight deliveries to
// abort, and closes the events channel.
func (s *MockSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.inflight.Wait()
	close(s.events)
	return nil
}

// IsClosed reports whether Close has been called.
func (s *MockSubscription) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Deliver hands f to the consumer. It returns false if the subscription is
// closed before the consumer takes the frame.
func (s *MockSubscription) Deliver(f Frame) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.events <- f:
		return true
	case <-s.done:
		return false
	}
}
