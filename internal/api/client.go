package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zulandar/casedesk/internal/models"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 32 << 20
)

// Client is the HTTP implementation of Backend.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL string
	Token   string // attached as a bearer token when set
	Timeout time.Duration
	Logger  *zap.Logger
	// For testing: inject a custom base client.
	HTTPClient *http.Client
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base URL is required")
	}
	base := &http.Client{}
	if opts.HTTPClient != nil {
		cp := *opts.HTTPClient
		base = &cp
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	hc := base
	if opts.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	}
	hc.Timeout = timeout

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		log:     log,
	}, nil
}

// ListCases implements Backend.
func (c *Client) ListCases(ctx context.Context, agentID int64) ([]models.CaseSummary, error) {
	var cases []models.CaseSummary
	path := "/agents/" + strconv.FormatInt(agentID, 10) + "/cases"
	if err := c.do(ctx, http.MethodGet, path, nil, &cases); err != nil {
		return nil, fmt.Errorf("api: list cases: %w", err)
	}
	return cases, nil
}

// History implements Backend.
func (c *Client) History(ctx context.Context, caseID int64) ([]models.Message, error) {
	var msgs []models.Message
	path := "/cases/" + strconv.FormatInt(caseID, 10) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("api: history: %w", err)
	}
	return msgs, nil
}

// Send implements Backend.
func (c *Client) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var msg *models.Message
	if err := c.do(ctx, http.MethodPost, "/messages/send", req, &msg); err != nil {
		return nil, fmt.Errorf("api: send: %w", err)
	}
	if msg != nil && msg.ID == 0 && msg.ChannelMessageID == "" {
		return nil, nil
	}
	return msg, nil
}

// MarkRead implements Backend.
func (c *Client) MarkRead(ctx context.Context, caseID int64) error {
	path := "/cases/" + strconv.FormatInt(caseID, 10) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("api: mark read: %w", err)
	}
	return nil
}

// envelope is the backend's response wrapper. Success is a pointer so a
// body without it can be treated as bare data.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", reqID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	data, err := unwrap(resp.StatusCode, raw)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// unwrap returns the payload of a response body: the envelope's data, or
// the whole body when it is not an envelope.
func unwrap(status int, raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	var env envelope
	isEnvelope := len(trimmed) > 0 && trimmed[0] == '{' &&
		json.Unmarshal(trimmed, &env) == nil && env.Success != nil

	if status < 200 || status > 299 {
		msg := strings.TrimSpace(string(trimmed))
		if isEnvelope {
			msg = env.Message
		}
		return nil, &APIError{Status: status, Message: msg}
	}
	if !isEnvelope {
		return trimmed, nil
	}
	if !*env.Success {
		return nil, &APIError{Status: status, Message: env.Message}
	}
	return env.Data, nil
}
