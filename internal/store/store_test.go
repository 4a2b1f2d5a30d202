package store

import (
	"context"
	"errors"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/go-cmp/cmp"

	"github.com/zulandar/casedesk/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, "")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(min int) time.Time {
	return time.Date(2026, 3, 1, 10, min, 0, 0, time.UTC)
}

func tsPtr(min int) *time.Time {
	t := ts(min)
	return &t
}

func seedCases(t *testing.T, s *Store) {
	t.Helper()
	err := s.SaveCases(context.Background(), []models.CaseSummary{
		{CaseID: 42, AgentID: 1, ClientName: "Ana", Channel: "whatsapp", LastMessageAt: tsPtr(5)},
		{CaseID: 7, AgentID: 1, ClientName: "Beto", Channel: "messenger", LastMessageAt: tsPtr(9)},
		{CaseID: 9, AgentID: 1, ClientName: "Carla"},
		{CaseID: 100, AgentID: 2, ClientName: "Otro"},
	})
	if err != nil {
		t.Fatalf("SaveCases: %v", err)
	}
}

func caseIDs(cases []models.CaseSummary) []int64 {
	out := make([]int64, len(cases))
	for i, c := range cases {
		out[i] = c.CaseID
	}
	return out
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("postgres", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestWithParseTime(t *testing.T) {
	got, err := withParseTime("u:pw@tcp(h:3306)/desk?charset=utf8mb4")
	if err != nil {
		t.Fatalf("withParseTime: %v", err)
	}
	cfg, err := gomysql.ParseDSN(got)
	if err != nil {
		t.Fatalf("ParseDSN(%q): %v", got, err)
	}
	if !cfg.ParseTime {
		t.Errorf("%q: parseTime not enabled", got)
	}
	if cfg.DBName != "desk" || cfg.Addr != "h:3306" || cfg.User != "u" || cfg.Passwd != "pw" {
		t.Errorf("%q: connection fields changed: %+v", got, cfg)
	}
	if cfg.Params["charset"] != "utf8mb4" {
		t.Errorf("%q: charset = %q, want utf8mb4", got, cfg.Params["charset"])
	}

	explicit := "u@tcp(h:3306)/desk?parseTime=false"
	if got, err := withParseTime(explicit); err != nil || got != explicit {
		t.Errorf("withParseTime(%q) = %q, %v; want it unchanged", explicit, got, err)
	}

	if _, err := withParseTime("no database here"); err == nil {
		t.Error("expected error for malformed dsn")
	}
}

func TestListCases_ByAgentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	seedCases(t, s)

	cases, err := s.ListCases(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if diff := cmp.Diff([]int64{7, 42, 9}, caseIDs(cases)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveCases_Upserts(t *testing.T) {
	s := openTestStore(t)
	seedCases(t, s)
	ctx := context.Background()

	if err := s.SaveCases(ctx, []models.CaseSummary{{CaseID: 42, AgentID: 1, ClientName: "Ana María", UnreadCount: 4}}); err != nil {
		t.Fatalf("SaveCases: %v", err)
	}
	got, err := s.GetCase(ctx, 42)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.ClientName != "Ana María" || got.UnreadCount != 4 {
		t.Errorf("case = %+v", got)
	}
}

func TestPublish_FillsAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Publish(ctx, 5, []models.CaseSummary{{CaseID: 1}, {CaseID: 2}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	cases, _ := s.ListCases(ctx, 5)
	if len(cases) != 2 {
		t.Errorf("len(cases) = %d, want 2", len(cases))
	}
}

func TestGetCase_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetCase(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAppendMessage_ClientBumpsUnread(t *testing.T) {
	s := openTestStore(t)
	seedCases(t, s)
	ctx := context.Background()

	msg := &models.Message{CaseID: 9, SenderType: models.SenderClient, TextContent: models.StringPtr("hola"), CreatedAt: ts(20)}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.ID == 0 {
		t.Error("ID should be assigned")
	}
	if len(msg.ChannelMessageID) < 4 || msg.ChannelMessageID[:3] != "ch-" {
		t.Errorf("ChannelMessageID = %q, want ch- prefix", msg.ChannelMessageID)
	}

	c, _ := s.GetCase(ctx, 9)
	if c.UnreadCount != 1 || c.LastMessagePreview != "hola" {
		t.Errorf("case = %+v", c)
	}
	if c.LastMessageAt == nil || !c.LastMessageAt.Equal(ts(20)) {
		t.Errorf("LastMessageAt = %v, want %v", c.LastMessageAt, ts(20))
	}
}

func TestAppendMessage_AgentKeepsUnread(t *testing.T) {
	s := openTestStore(t)
	seedCases(t, s)
	ctx := context.Background()

	err := s.AppendMessage(ctx, &models.Message{CaseID: 42, SenderType: models.SenderAgent, MessageType: models.MessageImage})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	c, _ := s.GetCase(ctx, 42)
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", c.UnreadCount)
	}
	if c.LastMessagePreview != "[image]" {
		t.Errorf("preview = %q, want [image]", c.LastMessagePreview)
	}
}

func TestAppendMessage_UnknownCase(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendMessage(context.Background(), &models.Message{CaseID: 404, SenderType: models.SenderClient})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	msgs, _ := s.History(context.Background(), 404)
	if len(msgs) != 0 {
		t.Errorf("messages stored for unknown case: %d", len(msgs))
	}
}

func TestHistory_Chronological(t *testing.T) {
	s := openTestStore(t)
	seedCases(t, s)
	ctx := context.Background()

	for i, min := range []int{30, 10, 20} {
		msg := &models.Message{CaseID: 42, SenderType: models.SenderClient, TextContent: models.StringPtr(string(rune('a' + i))), CreatedAt: ts(min)}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	msgs, err := s.History(ctx, 42)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text())
	}
	if diff := cmp.Diff([]string{"b", "c", "a"}, texts); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordMessage_Upserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := models.Message{ID: 991, CaseID: 42, SenderType: models.SenderAgent, MessageType: models.MessageText,
		TextContent: models.StringPtr("hola"), ChannelMessageID: "wamid.1", CreatedAt: ts(1)}
	if err := s.RecordMessage(ctx, msg); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	msg.TextContent = models.StringPtr("hola!")
	if err := s.RecordMessage(ctx, msg); err != nil {
		t.Fatalf("RecordMessage again: %v", err)
	}

	msgs, _ := s.History(ctx, 42)
	if len(msgs) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(msgs))
	}
	if msgs[0].ID != 991 || msgs[0].Text() != "hola!" {
		t.Errorf("stored = %+v", msgs[0])
	}
}

func TestRecordMessage_SkipsPendingAndFillsChannelID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending := models.Message{CaseID: 1, ChannelMessageID: "tmp-1-1"}
	if err := s.RecordMessage(ctx, pending); err != nil {
		t.Fatalf("RecordMessage pending: %v", err)
	}
	a := models.Message{ID: 5, CaseID: 1, SenderType: models.SenderClient, MessageType: models.MessageText}
	b := models.Message{ID: 6, CaseID: 1, SenderType: models.SenderClient, MessageType: models.MessageText}
	if err := s.RecordMessage(ctx, a); err != nil {
		t.Fatalf("RecordMessage a: %v", err)
	}
	if err := s.RecordMessage(ctx, b); err != nil {
		t.Fatalf("RecordMessage b: %v", err)
	}

	msgs, _ := s.History(ctx, 1)
	if len(msgs) != 2 {
		t.Fatalf("len(History) = %d, want 2", len(msgs))
	}
	if msgs[0].ChannelMessageID != "id-5" {
		t.Errorf("ChannelMessageID = %q, want id-5", msgs[0].ChannelMessageID)
	}
}

func TestMarkRead(t *testing.T) {
	s := openTestStore(t)
	seedCases(t, s)
	ctx := context.Background()

	s.AppendMessage(ctx, &models.Message{CaseID: 7, SenderType: models.SenderClient})
	if err := s.MarkRead(ctx, 7); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := s.MarkRead(ctx, 7); err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}
	c, _ := s.GetCase(ctx, 7)
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", c.UnreadCount)
	}
	if err := s.MarkRead(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead(404) error = %v, want ErrNotFound", err)
	}
}
