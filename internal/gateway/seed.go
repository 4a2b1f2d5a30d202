package gateway

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zulandar/casedesk/internal/models"
	"github.com/zulandar/casedesk/internal/store"
)

// Fixture is the YAML seed format for "desk serve --seed":
//
//	cases:
//	  - case_id: 42
//	    agent_id: 1
//	    client_name: Ana
//	    channel: whatsapp
//	    messages:
//	      - sender: client
//	        text: hola
type Fixture struct {
	Cases []FixtureCase `yaml:"cases"`
}

// FixtureCase is one seeded case and its transcript.
type FixtureCase struct {
	CaseID          int64            `yaml:"case_id"`
	AgentID         int64            `yaml:"agent_id"`
	ClientName      string           `yaml:"client_name"`
	IntegrationName string           `yaml:"integration_name"`
	Channel         string           `yaml:"channel"`
	SenderID        string           `yaml:"sender_id"`
	Messages        []FixtureMessage `yaml:"messages"`
}

// FixtureMessage is one seeded message. Messages without a time are spaced
// a minute apart ending now.
type FixtureMessage struct {
	Sender  models.SenderType  `yaml:"sender"`
	Type    models.MessageType `yaml:"type"`
	Text    string             `yaml:"text"`
	FileURL string             `yaml:"file_url"`
	At      time.Time          `yaml:"at"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read fixture %s: %w", path, err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and checks fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("gateway: parse fixture: %w", err)
	}
	seen := make(map[int64]bool)
	for i, c := range f.Cases {
		if c.CaseID <= 0 {
			return nil, fmt.Errorf("gateway: fixture case %d: case_id must be positive", i)
		}
		if seen[c.CaseID] {
			return nil, fmt.Errorf("gateway: fixture case %d: duplicate case_id %d", i, c.CaseID)
		}
		seen[c.CaseID] = true
		for j, m := range c.Messages {
			if m.Sender != "" && m.Sender != models.SenderAgent && m.Sender != models.SenderClient {
				return nil, fmt.Errorf("gateway: fixture case %d message %d: unknown sender %q", c.CaseID, j, m.Sender)
			}
			if m.Type != "" && !m.Type.Valid() {
				return nil, fmt.Errorf("gateway: fixture case %d message %d: unknown type %q", c.CaseID, j, m.Type)
			}
		}
	}
	return &f, nil
}

// Seed writes the fixture's cases and messages into st.
func Seed(ctx context.Context, st *store.Store, f *Fixture) error {
	now := time.Now()
	for _, fc := range f.Cases {
		cs := models.CaseSummary{
			CaseID:          fc.CaseID,
			AgentID:         fc.AgentID,
			ClientName:      fc.ClientName,
			IntegrationName: fc.IntegrationName,
			Channel:         fc.Channel,
			SenderID:        fc.SenderID,
		}
		if err := st.SaveCases(ctx, []models.CaseSummary{cs}); err != nil {
			return fmt.Errorf("gateway: seed case %d: %w", fc.CaseID, err)
		}
		for i, fm := range fc.Messages {
			at := fm.At
			if at.IsZero() {
				at = now.Add(-time.Duration(len(fc.Messages)-i) * time.Minute)
			}
			sender := fm.Sender
			if sender == "" {
				sender = models.SenderClient
			}
			msg := &models.Message{
				CaseID:      fc.CaseID,
				SenderType:  sender,
				MessageType: fm.Type,
				TextContent: models.StringPtr(fm.Text),
				FileURL:     models.StringPtr(fm.FileURL),
				CreatedAt:   at,
			}
			if err := st.AppendMessage(ctx, msg); err != nil {
				return fmt.Errorf("gateway: seed case %d message %d: %w", fc.CaseID, i, err)
			}
		}
	}
	return nil
}
