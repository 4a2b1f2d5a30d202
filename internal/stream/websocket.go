package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultBaseBackoff  = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultMaxAttempts  = 10
	writeWait           = 10 * time.Second
	maxFrameSize        = 1 << 20
)

// WSDialer opens WebSocket subscriptions with ping keep-alive and
// reconnect-with-backoff.
type WSDialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	pingInterval time.Duration
	pongWait     time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxAttempts  int
	log          *zap.Logger
}

// WSDialerOpts holds parameters for creating a WSDialer. Zero values fall
// back to defaults.
type WSDialerOpts struct {
	Token        string // sent as "Authorization: Bearer <token>" when set
	PingInterval time.Duration
	PongWait     time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	Logger       *zap.Logger
	// For testing: inject a custom dialer.
	Dialer *websocket.Dialer
}

// NewWSDialer creates a WSDialer.
func NewWSDialer(opts WSDialerOpts) *WSDialer {
	d := &WSDialer{
		dialer:       opts.Dialer,
		header:       http.Header{},
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
		baseBackoff:  opts.BaseBackoff,
		maxBackoff:   opts.MaxBackoff,
		maxAttempts:  opts.MaxAttempts,
		log:          opts.Logger,
	}
	if d.dialer == nil {
		d.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Token != "" {
		d.header.Set("Authorization", "Bearer "+opts.Token)
	}
	if d.pingInterval <= 0 {
		d.pingInterval = defaultPingInterval
	}
	if d.pongWait <= 0 {
		d.pongWait = defaultPongWait
	}
	if d.baseBackoff <= 0 {
		d.baseBackoff = defaultBaseBackoff
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = defaultMaxBackoff
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	return d
}

// Subscribe dials url and starts pumping frames. The first dial is
// synchronous so callers learn about a bad address immediately; later
// drops are retried in the background.
func (d *WSDialer) Subscribe(ctx context.Context, url string) (Subscription, error) {
	conn, err := d.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("stream: subscribe %s: %w", url, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &wsSubscription{
		url:      url,
		d:        d,
		log:      d.log.With(zap.String("url", url)),
		ctx:      subCtx,
		cancel:   cancel,
		events:   make(chan Frame),
		finished: make(chan struct{}),
		conn:     conn,
	}
	go s.run(conn)
	return s, nil
}

func (d *WSDialer) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// backoff returns the wait before reconnect attempt n (0-based).
func (d *WSDialer) backoff(n int) time.Duration {
	wait := math.Pow(2, float64(n)) * float64(d.baseBackoff)
	if wait > float64(d.maxBackoff) {
		return d.maxBackoff
	}
	return time.Duration(wait)
}

// wsSubscription is a live WebSocket stream. run is the only goroutine that
// sends on events, and it closes events on exit.
type wsSubscription struct {
	url    string
	d      *WSDialer
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	events   chan Frame
	finished chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsSubscription) URL() string          { return s.url }
func (s *wsSubscription) Events() <-chan Frame { return s.events }

// Close stops the stream and waits for the pump to exit.
func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.finished
	return nil
}

func (s *wsSubscription) closed() bool {
	return s.ctx.Err() != nil
}

// setConn swaps in a reconnected conn. It returns false (and closes conn)
// when the subscription was closed in the meantime.
func (s *wsSubscription) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *wsSubscription) run(conn *websocket.Conn) {
	defer close(s.finished)
	defer close(s.events)

	for {
		err := s.readLoop(conn)
		if s.closed() {
			return
		}
		s.log.Warn("stream dropped", zap.Error(err))
		conn = s.reconnect()
		if conn == nil {
			return
		}
	}
}

// readLoop pumps frames from conn until it fails or the subscription closes.
func (s *wsSubscription) readLoop(conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(conn, stopPing)
	}()
	defer func() {
		close(stopPing)
		conn.Close()
		wg.Wait()
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(s.d.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.d.pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(s.d.pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		select {
		case s.events <- f:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *wsSubscription) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.d.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// reconnect redials with exponential backoff. It returns nil when the
// subscription closes or the attempts run out.
func (s *wsSubscription) reconnect() *websocket.Conn {
	for attempt := 0; attempt < s.d.maxAttempts; attempt++ {
		wait := s.d.backoff(attempt)
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(wait):
		}

		conn, err := s.d.dial(s.ctx, s.url)
		if err != nil {
			s.log.Warn("reconnect failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", s.d.maxAttempts),
				zap.Error(err))
			continue
		}
		if !s.setConn(conn) {
			return nil
		}
		s.log.Info("stream reconnected", zap.Int("attempt", attempt+1))
		return conn
	}
	s.log.Error("stream giving up", zap.Int("attempts", s.d.maxAttempts))
	return nil
}
