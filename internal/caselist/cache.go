// Package caselist keeps an agent's case list sorted by recency and applies
// the incremental patches that live events imply.
package caselist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zulandar/casedesk/internal/models"
)

const sinkTimeout = 2 * time.Second

// Lister fetches the authoritative case list.
type Lister interface {
	ListCases(ctx context.Context, agentID int64) ([]models.CaseSummary, error)
}

// Sink receives a copy of the list after every change.
type Sink interface {
	Publish(ctx context.Context, agentID int64, cases []models.CaseSummary) error
}

// Sinks fans a snapshot out to several sinks. Every sink is tried; the
// errors are joined.
type Sinks []Sink

// Publish implements Sink.
func (ss Sinks) Publish(ctx context.Context, agentID int64, cases []models.CaseSummary) error {
	var errs []error
	for _, s := range ss {
		if err := s.Publish(ctx, agentID, cases); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Opts holds parameters for creating a Cache.
type Opts struct {
	Lister Lister
	Sink   Sink // optional
	Logger *zap.Logger
	Now    func() time.Time // defaults to time.Now
}

// Cache is the in-memory case list. It is kept sorted by LastMessageAt
// descending, nulls last, after every mutation.
type Cache struct {
	lister Lister
	sink   Sink
	log    *zap.Logger
	now    func() time.Time
	group  singleflight.Group

	mu      sync.RWMutex
	agentID int64
	cases   []models.CaseSummary
	seq     uint64 // bumped under mu on every change

	// pubMu orders sink publishes; published is the last seq handed out.
	pubMu     sync.Mutex
	published uint64
}

// New creates a Cache.
func New(opts Opts) (*Cache, error) {
	if opts.Lister == nil {
		return nil, fmt.Errorf("caselist: lister is required")
	}
	c := &Cache{
		lister: opts.Lister,
		sink:   opts.Sink,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Reload replaces the list with a fresh fetch for agentID. Concurrent
// reloads for the same agent share one fetch.
func (c *Cache) Reload(ctx context.Context, agentID int64) ([]models.CaseSummary, error) {
	key := strconv.FormatInt(agentID, 10)
	v, err, shared := c.group.Do(key, func() (any, error) {
		cases, err := c.lister.ListCases(ctx, agentID)
		if err != nil {
			return nil, err
		}
		sortCases(cases)

		c.mu.Lock()
		c.agentID = agentID
		c.cases = cases
		c.seq++
		seq := c.seq
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.publish(agentID, seq, snap)
		return snap, nil
	})
	if err != nil {
		return nil, fmt.Errorf("caselist: reload: %w", err)
	}
	if shared {
		c.log.Debug("case reload coalesced", zap.Int64("agent_id", agentID))
	}
	return clone(v.([]models.CaseSummary)), nil
}

// ApplyUnreadIncrement adds one to a case's unread counter. It reports
// whether the case was found.
func (c *Cache) ApplyUnreadIncrement(caseID int64) bool {
	return c.patch(caseID, func(cs *models.CaseSummary) {
		cs.UnreadCount++
	})
}

// ApplyReadReset zeroes a case's unread counter.
func (c *Cache) ApplyReadReset(caseID int64) bool {
	return c.patch(caseID, func(cs *models.CaseSummary) {
		cs.UnreadCount = 0
	})
}

// ApplyPreviewUpdate sets a case's preview and last-message time from msg.
func (c *Cache) ApplyPreviewUpdate(caseID int64, msg models.Message) bool {
	at := msg.CreatedAt
	if at.IsZero() {
		at = c.now()
	}
	return c.patch(caseID, func(cs *models.CaseSummary) {
		cs.LastMessagePreview = msg.Preview()
		cs.LastMessageAt = &at
	})
}

// RevertPreview puts back prev's preview and last-message time after msg
// failed to send. It leaves the case alone when a later message has
// replaced msg's preview in the meantime, and reports whether it changed
// anything.
func (c *Cache) RevertPreview(prev models.CaseSummary, msg models.Message) bool {
	return c.patchIf(prev.CaseID, func(cs *models.CaseSummary) bool {
		if cs.LastMessagePreview != msg.Preview() || cs.LastMessageAt == nil {
			return false
		}
		if !msg.CreatedAt.IsZero() && !cs.LastMessageAt.Equal(msg.CreatedAt) {
			return false
		}
		cs.LastMessagePreview = prev.LastMessagePreview
		cs.LastMessageAt = nil
		if prev.LastMessageAt != nil {
			at := *prev.LastMessageAt
			cs.LastMessageAt = &at
		}
		return true
	})
}

func (c *Cache) patch(caseID int64, fn func(*models.CaseSummary)) bool {
	return c.patchIf(caseID, func(cs *models.CaseSummary) bool {
		fn(cs)
		return true
	})
}

// patchIf applies fn to caseID's row and republishes when fn reports a
// change.
func (c *Cache) patchIf(caseID int64, fn func(*models.CaseSummary) bool) bool {
	c.mu.Lock()
	i := c.indexLocked(caseID)
	if i < 0 || !fn(&c.cases[i]) {
		c.mu.Unlock()
		return false
	}
	sortCases(c.cases)
	c.seq++
	seq := c.seq
	agentID := c.agentID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(agentID, seq, snap)
	return true
}

// Get returns the summary for caseID.
func (c *Cache) Get(caseID int64) (models.CaseSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.indexLocked(caseID)
	if i < 0 {
		return models.CaseSummary{}, false
	}
	return c.cases[i], true
}

// Snapshot returns a copy of the sorted list.
func (c *Cache) Snapshot() []models.CaseSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Search returns the cases whose client name, case id, sender id,
// integration name or channel contains term, ignoring case. An empty term
// matches everything.
func (c *Cache) Search(term string) []models.CaseSummary {
	return Filter(c.Snapshot(), term)
}

// Filter applies Search's matching to an arbitrary list, keeping order.
func Filter(cases []models.CaseSummary, term string) []models.CaseSummary {
	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]models.CaseSummary, 0, len(cases))
	for _, cs := range cases {
		if term == "" || matches(cs, term) {
			out = append(out, cs)
		}
	}
	return out
}

func matches(cs models.CaseSummary, term string) bool {
	fields := []string{
		cs.ClientName,
		strconv.FormatInt(cs.CaseID, 10),
		cs.SenderID,
		cs.IntegrationName,
		cs.Channel,
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

func (c *Cache) indexLocked(caseID int64) int {
	for i := range c.cases {
		if c.cases[i].CaseID == caseID {
			return i
		}
	}
	return -1
}

func (c *Cache) snapshotLocked() []models.CaseSummary {
	return clone(c.cases)
}

// publish hands snap to the sink unless a newer snapshot already went
// out.
func (c *Cache) publish(agentID int64, seq uint64, snap []models.CaseSummary) {
	if c.sink == nil {
		return
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if seq <= c.published {
		c.log.Debug("stale case list snapshot dropped", zap.Int64("agent_id", agentID), zap.Uint64("seq", seq))
		return
	}
	c.published = seq

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := c.sink.Publish(ctx, agentID, snap); err != nil {
		c.log.Warn("case list sink failed", zap.Int64("agent_id", agentID), zap.Error(err))
	}
}

// sortCases orders by LastMessageAt descending with nil last. Ties keep
// their relative order.
func sortCases(cases []models.CaseSummary) {
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].NewerThan(cases[j])
	})
}

func clone(cases []models.CaseSummary) []models.CaseSummary {
	out := make([]models.CaseSummary, len(cases))
	copy(out, cases)
	return out
}
