package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/casedesk/internal/api"
	"github.com/zulandar/casedesk/internal/models"
	"github.com/zulandar/casedesk/internal/store"
	"github.com/zulandar/casedesk/internal/stream"
)

// registerRoutes sets up every gateway route on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "pong"})
	})

	g := router.Group("/", s.requireToken())
	g.GET("/agents/:id/cases", s.handleListCases)
	g.GET("/cases/:id/messages", s.handleHistory)
	g.POST("/cases/:id/read", s.handleMarkRead)
	g.POST("/cases/:id/inbound", s.handleInbound)
	g.POST("/messages/send", s.handleSend)
	g.GET("/ws", s.handleWS)
}

// outMessage is the frame data for a stored message. ClientTmpID lets the
// sending console match the frame to its pending row.
type outMessage struct {
	models.Message
	ClientTmpID string `json:"client_tmp_id,omitempty"`
}

// inboundRequest simulates a message from the client side of a case.
type inboundRequest struct {
	MessageType      models.MessageType `json:"message_type"`
	Text             string             `json:"text"`
	FileURL          string             `json:"file_url"`
	MimeType         string             `json:"mime_type"`
	ChannelMessageID string             `json:"channel_message_id"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": msg})
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token != "" && c.GetHeader("Authorization") != "Bearer "+s.token {
			fail(c, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		c.Next()
	}
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid id "+strconv.Quote(c.Param("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "case not found")
		return
	}
	s.log.Error("store failure", zap.String("path", c.Request.URL.Path), zap.Error(err))
	fail(c, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleListCases(c *gin.Context) {
	agentID, ok := idParam(c)
	if !ok {
		return
	}
	cases, err := s.store.ListCases(c.Request.Context(), agentID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if cases == nil {
		cases = []models.CaseSummary{}
	}
	respond(c, cases)
}

func (s *Server) handleHistory(c *gin.Context) {
	caseID, ok := idParam(c)
	if !ok {
		return
	}
	msgs, err := s.store.History(c.Request.Context(), caseID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respond(c, msgs)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	caseID, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.store.MarkRead(c.Request.Context(), caseID); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSend(c *gin.Context) {
	var req api.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()
	cs, err := s.store.GetCase(ctx, req.CaseID)
	if err != nil {
		s.storeError(c, err)
		return
	}

	mt := req.MessageType
	if mt == "" {
		mt = models.MessageText
	}
	msg := &models.Message{
		CaseID:        req.CaseID,
		SenderType:    models.SenderAgent,
		MessageType:   mt,
		TextContent:   models.StringPtr(req.Text),
		MimeType:      models.StringPtr(req.MimeType),
		Base64Content: models.StringPtr(req.Base64),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.storeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "sent", "data": msg})
	s.broadcast(cs.AgentID, outMessage{Message: *msg, ClientTmpID: req.ClientTmpID})
}

func (s *Server) handleInbound(c *gin.Context) {
	caseID, ok := idParam(c)
	if !ok {
		return
	}
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.MessageType == "" {
		req.MessageType = models.MessageText
	}
	if !req.MessageType.Valid() {
		fail(c, http.StatusBadRequest, "unknown message type "+strconv.Quote(string(req.MessageType)))
		return
	}
	if req.MessageType == models.MessageText && req.Text == "" {
		fail(c, http.StatusBadRequest, "text is required")
		return
	}

	ctx := c.Request.Context()
	cs, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	msg := &models.Message{
		CaseID:           caseID,
		SenderType:       models.SenderClient,
		MessageType:      req.MessageType,
		TextContent:      models.StringPtr(req.Text),
		FileURL:          models.StringPtr(req.FileURL),
		MimeType:         models.StringPtr(req.MimeType),
		ChannelMessageID: req.ChannelMessageID,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.storeError(c, err)
		return
	}

	respond(c, msg)
	s.broadcast(cs.AgentID, outMessage{Message: *msg})
}

func (s *Server) handleWS(c *gin.Context) {
	var key string
	for _, p := range []struct {
		name string
		key  func(int64) string
	}{
		{"case_id", CaseKey},
		{"agent_id", AgentKey},
	} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			fail(c, http.StatusBadRequest, "invalid "+p.name)
			return
		}
		key = p.key(id)
		break
	}
	if key == "" {
		fail(c, http.StatusBadRequest, "agent_id or case_id is required")
		return
	}
	s.hub.Serve(c.Writer, c.Request, key)
}

// broadcast sends a new_message frame to the case's subscribers and to the
// owning agent's subscribers.
func (s *Server) broadcast(agentID int64, m outMessage) {
	raw, err := json.Marshal(m)
	if err != nil {
		s.log.Error("encode frame data", zap.Error(err))
		return
	}
	data, err := json.Marshal(stream.Frame{Type: stream.TypeNewMessage, CaseID: m.CaseID, Data: raw})
	if err != nil {
		s.log.Error("encode frame", zap.Error(err))
		return
	}
	n := s.hub.Broadcast(CaseKey(m.CaseID), data)
	if agentID > 0 {
		n += s.hub.Broadcast(AgentKey(agentID), data)
	}
	s.log.Debug("broadcast new_message", zap.Int64("case_id", m.CaseID), zap.Int("subscribers", n))
}
