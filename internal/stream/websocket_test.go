package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// wsServer is a test WebSocket endpoint that hands each accepted conn to the
// test and keeps reading so control frames get answered.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu   sync.Mutex
	auth []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?case_id=1"
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func recvFrame(t *testing.T, sub Subscription) Frame {
	t.Helper()
	select {
	case f, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func waitClosed(t *testing.T, sub Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for events channel to close")
		}
	}
}

func TestWSDialer_DeliversFrames(t *testing.T) {
	s := newWSServer(t)
	d := NewWSDialer(WSDialerOpts{Token: "secret"})

	sub, err := d.Subscribe(context.Background(), s.url())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if sub.URL() != s.url() {
		t.Errorf("URL = %q, want %q", sub.URL(), s.url())
	}

	conn := s.nextConn(t)
	if err := conn.WriteJSON(Frame{Type: TypeNewMessage, CaseID: 1, Data: []byte(`{"id":1}`)}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	f := recvFrame(t, sub)
	if f.Type != TypeNewMessage || f.CaseID != 1 {
		t.Errorf("frame = %+v, want new_message for case 1", f)
	}

	s.mu.Lock()
	auth := s.auth[0]
	s.mu.Unlock()
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", auth)
	}
}

func TestWSDialer_SkipsUndecodableFrames(t *testing.T) {
	s := newWSServer(t)
	d := NewWSDialer(WSDialerOpts{})

	sub, err := d.Subscribe(context.Background(), s.url())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	conn := s.nextConn(t)
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteJSON(Frame{Type: TypeNewMessage, CaseID: 2})

	if f := recvFrame(t, sub); f.CaseID != 2 {
		t.Errorf("CaseID = %d, want 2", f.CaseID)
	}
}

func TestWSDialer_SubscribeError(t *testing.T) {
	d := NewWSDialer(WSDialerOpts{})
	_, err := d.Subscribe(context.Background(), "ws://127.0.0.1:1/ws?case_id=1")
	if err == nil {
		t.Fatal("expected error for unreachable address")
	}
	if !strings.Contains(err.Error(), "stream: subscribe") {
		t.Errorf("error = %q, want stream: subscribe prefix", err)
	}
}

func TestWSDialer_Reconnects(t *testing.T) {
	s := newWSServer(t)
	d := NewWSDialer(WSDialerOpts{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	sub, err := d.Subscribe(context.Background(), s.url())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	first := s.nextConn(t)
	first.Close()

	second := s.nextConn(t)
	if err := second.WriteJSON(Frame{Type: TypeNewMessage, CaseID: 3}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if f := recvFrame(t, sub); f.CaseID != 3 {
		t.Errorf("CaseID = %d, want 3", f.CaseID)
	}
}

func TestWSDialer_GivesUp(t *testing.T) {
	s := newWSServer(t)
	d := NewWSDialer(WSDialerOpts{
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		MaxAttempts: 2,
	})

	sub, err := d.Subscribe(context.Background(), s.url())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	conn := s.nextConn(t)
	s.srv.Close()
	conn.Close()

	waitClosed(t, sub)
}

func TestWSDialer_KeepAlive(t *testing.T) {
	s := newWSServer(t)
	d := NewWSDialer(WSDialerOpts{
		PingInterval: 20 * time.Millisecond,
		PongWait:     100 * time.Millisecond,
		BaseBackoff:  10 * time.Millisecond,
	})

	sub, err := d.Subscribe(context.Background(), s.url())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	conn := s.nextConn(t)
	time.Sleep(300 * time.Millisecond)

	select {
	case <-s.conns:
		t.Fatal("stream reconnected; pongs should have kept it alive")
	default:
	}

	conn.WriteJSON(Frame{Type: TypeNewMessage, CaseID: 4})
	if f := recvFrame(t, sub); f.CaseID != 4 {
		t.Errorf("CaseID = %d, want 4", f.CaseID)
	}
}

func TestWSDialer_CloseWithUnreadFrame(t *testing.T) {
	s := newWSServer(t)
	d := NewWSDialer(WSDialerOpts{})

	sub, err := d.Subscribe(context.Background(), s.url())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := s.nextConn(t)
	conn.WriteJSON(Frame{Type: TypeNewMessage, CaseID: 5})
	// Give the pump time to block on the unread frame.
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked")
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("frame delivered after Close returned")
	}
	if err := sub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWSDialer_Backoff(t *testing.T) {
	d := NewWSDialer(WSDialerOpts{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		if got := d.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNewWSDialer_Defaults(t *testing.T) {
	d := NewWSDialer(WSDialerOpts{})
	if d.pingInterval != defaultPingInterval {
		t.Errorf("pingInterval = %v, want %v", d.pingInterval, defaultPingInterval)
	}
	if d.pongWait != defaultPongWait {
		t.Errorf("pongWait = %v, want %v", d.pongWait, defaultPongWait)
	}
	if d.maxAttempts != defaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", d.maxAttempts, defaultMaxAttempts)
	}
	if d.header.Get("Authorization") != "" {
		t.Error("Authorization header should be empty without a token")
	}
}
