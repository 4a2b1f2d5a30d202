// Package session binds an agent's live event streams to the case list and
// the message timeline of the selected case.
//
// A Session moves through three states. Start binds the agent stream
// (Disconnected -> AgentBound). SelectCase loads a case and binds its stream
// (AgentBound -> CaseBound). End releases everything (any -> Disconnected).
// Every selection bumps an epoch; results that arrive for an older epoch are
// discarded so a slow history fetch can never overwrite a newer case.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/casedesk/internal/api"
	"github.com/zulandar/casedesk/internal/caselist"
	"github.com/zulandar/casedesk/internal/models"
	"github.com/zulandar/casedesk/internal/notify"
	"github.com/zulandar/casedesk/internal/stream"
	"github.com/zulandar/casedesk/internal/timeline"
)

// sideEffectTimeout bounds notifier, archive and reload calls made from the
// event pumps.
const sideEffectTimeout = 10 * time.Second

var (
	// ErrNotStarted is returned by operations that need a started session.
	ErrNotStarted = errors.New("session: not started")
	// ErrAlreadyStarted is returned by Start on a started session.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrNoActiveCase is returned by Send when no case is selected.
	ErrNoActiveCase = errors.New("session: no active case")
	// ErrStaleSelection is returned by SelectCase when a newer selection or
	// End superseded it before it finished.
	ErrStaleSelection = errors.New("session: selection superseded")
	// ErrEnded is returned by Start when End was called while it ran.
	ErrEnded = errors.New("session: ended")
)

// State is the binding state of a Session.
type State int

const (
	Disconnected State = iota
	AgentBound
	CaseBound
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AgentBound:
		return "agent_bound"
	case CaseBound:
		return "case_bound"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// UpdateKind says what part of the session changed.
type UpdateKind int

const (
	UpdateTimeline UpdateKind = iota + 1
	UpdateCases
	UpdateState
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateTimeline:
		return "timeline"
	case UpdateCases:
		return "cases"
	case UpdateState:
		return "state"
	}
	return fmt.Sprintf("update(%d)", int(k))
}

// Update is passed to Opts.OnUpdate after every change.
type Update struct {
	Kind   UpdateKind
	CaseID int64 // the case concerned, 0 when not case specific
}

// Archive stores confirmed messages. *store.Store satisfies it.
type Archive interface {
	RecordMessage(ctx context.Context, msg models.Message) error
}

// Opts holds parameters for creating a Session.
type Opts struct {
	Backend   api.Backend
	Dialer    stream.Dialer
	StreamURL string // base address for stream.AgentURL / stream.CaseURL

	Notifier notify.Notifier // optional; told about messages on other cases
	Archive  Archive         // optional
	Sink     caselist.Sink   // optional; receives case list snapshots
	Logger   *zap.Logger

	// OnUpdate, when set, is called after each change, outside the session
	// lock. It runs on the goroutine that made the change and must not call
	// End.
	OnUpdate func(Update)

	Now func() time.Time // defaults to time.Now
}

// binding is one subscription plus the pump goroutine reading it.
type binding struct {
	sub    stream.Subscription
	caseID int64 // 0 for the agent stream
	done   chan struct{}
}

// Session is one agent's console session. Create it with New; it is not
// reusable across agents without End.
type Session struct {
	backend   api.Backend
	dialer    stream.Dialer
	streamURL string
	notifier  notify.Notifier
	archive   Archive
	log       *zap.Logger
	onUpdate  func(Update)

	timeline *timeline.Timeline
	cases    *caselist.Cache

	mu       sync.Mutex
	state    State
	starting bool
	agentID  int64
	caseID   int64
	epoch    uint64
	agent    *binding
	active   *binding
	running  map[*binding]struct{}
	ctx      context.Context // lives from Start to End
	cancel   context.CancelFunc
}

// New creates a Disconnected Session.
func New(opts Opts) (*Session, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("session: backend is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if opts.StreamURL == "" {
		return nil, fmt.Errorf("session: stream url is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cases, err := caselist.New(caselist.Opts{
		Lister: opts.Backend,
		Sink:   opts.Sink,
		Logger: log,
		Now:    opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Session{
		backend:   opts.Backend,
		dialer:    opts.Dialer,
		streamURL: opts.StreamURL,
		notifier:  opts.Notifier,
		archive:   opts.Archive,
		log:       log,
		onUpdate:  opts.OnUpdate,
		timeline:  timeline.New(opts.Now),
		cases:     cases,
		running:   make(map[*binding]struct{}),
	}, nil
}

// Start loads agentID's cases and opens the agent stream. Both must succeed
// or the session stays Disconnected.
func (s *Session) Start(ctx context.Context, agentID int64) error {
	if agentID <= 0 {
		return fmt.Errorf("session: start: invalid agent id %d", agentID)
	}
	s.mu.Lock()
	if s.state != Disconnected || s.starting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	epoch := s.epoch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	s.timeline.Reset()

	var sub stream.Subscription
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.cases.Reload(gctx, agentID)
		return err
	})
	g.Go(func() error {
		var err error
		sub, err = s.dialer.Subscribe(gctx, stream.AgentURL(s.streamURL, agentID))
		return err
	})
	if err := g.Wait(); err != nil {
		if sub != nil {
			sub.Close()
		}
		return fmt.Errorf("session: start: %w", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		sub.Close()
		return fmt.Errorf("session: start: %w", ErrEnded)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.agentID = agentID
	s.agent = s.bindLocked(sub, 0)
	s.state = AgentBound
	b := s.agent
	s.mu.Unlock()

	go s.pumpAgent(b)

	s.log.Info("session started", zap.Int64("agent_id", agentID))
	s.emit(Update{Kind: UpdateCases})
	s.emit(Update{Kind: UpdateState})
	return nil
}

// SelectCase makes caseID the active case. It closes the previous case
// stream, clears the timeline, loads the history, opens the case stream and
// resets the unread counter, in that order.
//
// If the history fetch fails the error is returned, the timeline stays empty
// and caseID stays selected without a live stream. If another SelectCase or
// End runs before this one finishes, ErrStaleSelection is returned and this
// call's results are dropped.
func (s *Session) SelectCase(ctx context.Context, caseID int64) error {
	if caseID <= 0 {
		return fmt.Errorf("session: select case: invalid case id %d", caseID)
	}

	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.epoch++
	epoch := s.epoch
	old := s.active
	s.active = nil
	s.caseID = caseID
	s.state = AgentBound
	s.timeline.Clear()
	s.mu.Unlock()

	if old != nil {
		if err := old.sub.Close(); err != nil {
			s.log.Warn("close case stream", zap.Int64("case_id", old.caseID), zap.Error(err))
		}
	}
	s.emit(Update{Kind: UpdateTimeline, CaseID: caseID})

	history, err := s.backend.History(ctx, caseID)
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrStaleSelection
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: select case %d: history: %w", caseID, err)
	}
	// Sends issued while the history was in flight are kept.
	early := s.timeline.Messages()
	s.timeline.Load(history)
	for _, m := range early {
		s.timeline.Reconcile(timeline.Incoming{Message: m})
	}
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateTimeline, CaseID: caseID})

	sub, err := s.dialer.Subscribe(ctx, stream.CaseURL(s.streamURL, caseID))
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return ErrStaleSelection
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: select case %d: subscribe: %w", caseID, err)
	}
	b := s.bindLocked(sub, caseID)
	s.active = b
	s.state = CaseBound
	s.mu.Unlock()

	go s.pumpCase(b)
	s.emit(Update{Kind: UpdateState, CaseID: caseID})

	// Only cases with something unread are reset and reported as read.
	cs, _ := s.cases.Get(caseID)
	unread := cs.UnreadCount > 0
	if unread && s.cases.ApplyReadReset(caseID) {
		s.emit(Update{Kind: UpdateCases, CaseID: caseID})
	}
	if !s.current(epoch) {
		return ErrStaleSelection
	}
	if !unread {
		return nil
	}
	if err := s.backend.MarkRead(ctx, caseID); err != nil {
		s.log.Warn("mark read failed", zap.Int64("case_id", caseID), zap.Error(err))
	}
	return nil
}

// Send appends d to the timeline as a pending message and submits it. On
// failure the pending message is removed, the case preview is restored and
// the error returned. On success
// the backend's record, if any, replaces the pending message and is
// returned; otherwise the pending message is returned.
func (s *Session) Send(ctx context.Context, d timeline.Draft) (models.Message, error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return models.Message{}, ErrNotStarted
	}
	if s.caseID == 0 {
		s.mu.Unlock()
		return models.Message{}, ErrNoActiveCase
	}
	d.CaseID = s.caseID
	epoch := s.epoch
	pending := s.timeline.AppendOptimistic(d)
	s.mu.Unlock()

	tmpID := pending.ChannelMessageID
	s.emit(Update{Kind: UpdateTimeline, CaseID: d.CaseID})
	prev, _ := s.cases.Get(d.CaseID)
	if s.cases.ApplyPreviewUpdate(d.CaseID, pending) {
		s.emit(Update{Kind: UpdateCases, CaseID: d.CaseID})
	}

	msg, err := s.backend.Send(ctx, api.SendRequest{
		CaseID:      d.CaseID,
		ClientTmpID: tmpID,
		MessageType: pending.MessageType,
		Text:        d.Text,
		Base64:      d.Base64Content,
		MimeType:    d.MimeType,
		FileName:    d.FileName,
	})
	if err != nil {
		s.mu.Lock()
		removed := s.timeline.RemoveByTempID(tmpID)
		s.mu.Unlock()
		if removed {
			s.emit(Update{Kind: UpdateTimeline, CaseID: d.CaseID})
		}
		if s.cases.RevertPreview(prev, pending) {
			s.emit(Update{Kind: UpdateCases, CaseID: d.CaseID})
		}
		return models.Message{}, fmt.Errorf("session: send: %w", err)
	}
	if msg == nil {
		return pending, nil
	}

	s.mu.Lock()
	outcome := timeline.Duplicate
	if s.epoch == epoch && s.caseID == d.CaseID {
		outcome = s.timeline.Reconcile(timeline.Incoming{Message: *msg, ClientTmpID: tmpID})
	}
	s.mu.Unlock()
	if outcome != timeline.Duplicate {
		s.emit(Update{Kind: UpdateTimeline, CaseID: d.CaseID})
	}
	s.record(*msg)
	return *msg, nil
}

// End closes both streams, waits for their pumps to exit and returns the
// session to Disconnected. It is safe to call in any state and more than
// once.
func (s *Session) End() error {
	s.mu.Lock()
	s.epoch++
	var subs []stream.Subscription
	if s.agent != nil {
		subs = append(subs, s.agent.sub)
	}
	if s.active != nil {
		subs = append(subs, s.active.sub)
	}
	var waits []chan struct{}
	for b := range s.running {
		waits = append(waits, b.done)
	}
	cancel := s.cancel
	wasBound := s.state != Disconnected
	s.agent, s.active, s.cancel = nil, nil, nil
	s.caseID = 0
	s.state = Disconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, done := range waits {
		<-done
	}
	s.timeline.Clear()

	if wasBound {
		s.log.Info("session ended")
		s.emit(Update{Kind: UpdateState})
	}
	return errors.Join(errs...)
}

// ReloadCases refetches the case list.
func (s *Session) ReloadCases(ctx context.Context) error {
	s.mu.Lock()
	agentID := s.agentID
	started := s.state != Disconnected
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if _, err := s.cases.Reload(ctx, agentID); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.emit(Update{Kind: UpdateCases})
	return nil
}

// State returns the current binding state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AgentID returns the agent the session was started for.
func (s *Session) AgentID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// ActiveCase returns the selected case id, if any.
func (s *Session) ActiveCase() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caseID, s.caseID != 0
}

// Messages returns a copy of the active case's timeline.
func (s *Session) Messages() []models.Message {
	return s.timeline.Messages()
}

// Cases returns a copy of the sorted case list.
func (s *Session) Cases() []models.CaseSummary {
	return s.cases.Snapshot()
}

// Case returns one entry of the case list.
func (s *Session) Case(caseID int64) (models.CaseSummary, bool) {
	return s.cases.Get(caseID)
}

// SearchCases filters the case list by term.
func (s *Session) SearchCases(term string) []models.CaseSummary {
	return s.cases.Search(term)
}

// bindLocked registers a pump for sub. The caller starts the pump.
func (s *Session) bindLocked(sub stream.Subscription, caseID int64) *binding {
	b := &binding{sub: sub, caseID: caseID, done: make(chan struct{})}
	s.running[b] = struct{}{}
	return b
}

func (s *Session) release(b *binding) {
	s.mu.Lock()
	delete(s.running, b)
	s.mu.Unlock()
	close(b.done)
}

func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// sessionCtx returns the context tied to the started session, or a
// cancelled one after End.
func (s *Session) sessionCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.ctx
}

func (s *Session) emit(u Update) {
	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}
