//go:build integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/zulandar/casedesk/internal/models"
)

// openMySQL connects to the database named by DESK_TEST_MYSQL_DSN, e.g.
// "root@tcp(127.0.0.1:3306)/casedesk_test".
func openMySQL(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DESK_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("DESK_TEST_MYSQL_DSN not set")
	}
	s, err := Open(DriverMySQL, dsn)
	if err != nil {
		t.Fatalf("Open mysql: %v", err)
	}
	t.Cleanup(func() {
		s.DB().Exec("DELETE FROM messages")
		s.DB().Exec("DELETE FROM cases")
		s.Close()
	})
	return s
}

func TestIntegration_MySQLRoundTrip(t *testing.T) {
	s := openMySQL(t)
	ctx := context.Background()

	if err := s.SaveCases(ctx, []models.CaseSummary{{CaseID: 42, AgentID: 1, ClientName: "Ana"}}); err != nil {
		t.Fatalf("SaveCases: %v", err)
	}
	msg := &models.Message{CaseID: 42, SenderType: models.SenderClient, TextContent: models.StringPtr("hola")}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.RecordMessage(ctx, *msg); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	msgs, err := s.History(ctx, 42)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "hola" {
		t.Errorf("History = %+v", msgs)
	}

	c, err := s.GetCase(ctx, 42)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}
	if err := s.MarkRead(ctx, 42); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
}
