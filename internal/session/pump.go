package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/zulandar/casedesk/internal/models"
	"github.com/zulandar/casedesk/internal/notify"
	"github.com/zulandar/casedesk/internal/stream"
	"github.com/zulandar/casedesk/internal/timeline"
)

// pumpCase applies case stream events to the timeline until the
// subscription closes.
func (s *Session) pumpCase(b *binding) {
	defer s.release(b)
	for f := range b.sub.Events() {
		p, ok := s.decode(f, b)
		if !ok {
			continue
		}
		msg := p.Message
		// An echo without backend ids keeps the temp id as its identity so
		// the REST confirmation can still find and replace it.
		if p.Kind == stream.KindAgentEcho && msg.ID == 0 && msg.ChannelMessageID == "" {
			msg.ChannelMessageID = p.ClientTmpID
		}

		s.mu.Lock()
		if s.active != b || msg.CaseID != s.caseID {
			s.mu.Unlock()
			s.log.Debug("dropped event for inactive case",
				zap.Int64("case_id", msg.CaseID), zap.Int64("stream_case_id", b.caseID))
			continue
		}
		outcome := s.timeline.Reconcile(timeline.Incoming{Message: msg, ClientTmpID: p.ClientTmpID})
		s.mu.Unlock()

		s.log.Debug("case event", zap.Int64("case_id", msg.CaseID),
			zap.Stringer("kind", p.Kind), zap.Stringer("outcome", outcome))
		if outcome == timeline.Duplicate {
			continue
		}
		s.emit(Update{Kind: UpdateTimeline, CaseID: msg.CaseID})
		if s.cases.ApplyPreviewUpdate(msg.CaseID, msg) {
			s.emit(Update{Kind: UpdateCases, CaseID: msg.CaseID})
		}
		s.record(msg)
	}
}

// pumpAgent applies agent stream events to the case list until the
// subscription closes.
func (s *Session) pumpAgent(b *binding) {
	defer s.release(b)
	for f := range b.sub.Events() {
		p, ok := s.decode(f, b)
		if !ok {
			continue
		}
		msg := p.Message

		s.mu.Lock()
		if s.agent != b {
			s.mu.Unlock()
			continue
		}
		active := s.caseID
		agentID := s.agentID
		s.mu.Unlock()

		// A reloaded row already counts this message as unread.
		_, known := s.cases.Get(msg.CaseID)
		if !known {
			s.reloadFor(agentID, msg.CaseID)
		}
		changed := s.cases.ApplyPreviewUpdate(msg.CaseID, msg)
		if msg.CaseID != active {
			if known && s.cases.ApplyUnreadIncrement(msg.CaseID) {
				changed = true
			}
			s.forward(msg)
		}
		if changed {
			s.emit(Update{Kind: UpdateCases, CaseID: msg.CaseID})
		}
	}
}

func (s *Session) decode(f stream.Frame, b *binding) (stream.Payload, bool) {
	if f.Type != stream.TypeNewMessage {
		s.log.Debug("ignored frame", zap.String("type", f.Type))
		return stream.Payload{}, false
	}
	p, err := stream.DecodePayload(f)
	if err != nil {
		s.log.Warn("undecodable frame", zap.String("url", b.sub.URL()), zap.Error(err))
		return stream.Payload{}, false
	}
	return p, true
}

// reloadFor refetches the case list when an event names a case the list
// does not have yet.
func (s *Session) reloadFor(agentID, caseID int64) {
	ctx, cancel := context.WithTimeout(s.sessionCtx(), sideEffectTimeout)
	defer cancel()
	if _, err := s.cases.Reload(ctx, agentID); err != nil {
		s.log.Warn("reload for unknown case failed", zap.Int64("case_id", caseID), zap.Error(err))
	}
}

// forward tells the notifier about a message on a case the agent is not
// looking at.
func (s *Session) forward(msg models.Message) {
	if s.notifier == nil || msg.SenderType == models.SenderAgent {
		return
	}
	cs, _ := s.cases.Get(msg.CaseID)
	n := notify.Notice{
		CaseID:          msg.CaseID,
		ClientName:      cs.ClientName,
		Channel:         cs.Channel,
		IntegrationName: cs.IntegrationName,
		Preview:         msg.Preview(),
		Unread:          cs.UnreadCount,
		At:              msg.CreatedAt,
	}
	ctx, cancel := context.WithTimeout(s.sessionCtx(), sideEffectTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notify failed", zap.Int64("case_id", msg.CaseID), zap.Error(err))
	}
}

// record archives a confirmed message.
func (s *Session) record(msg models.Message) {
	if s.archive == nil || msg.ID == 0 || msg.Pending() {
		return
	}
	ctx, cancel := context.WithTimeout(s.sessionCtx(), sideEffectTimeout)
	defer cancel()
	if err := s.archive.RecordMessage(ctx, msg); err != nil {
		s.log.Warn("archive failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}
