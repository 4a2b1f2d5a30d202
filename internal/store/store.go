// Package store persists cases and messages with GORM. The console uses it
// as a local transcript archive; the dev gateway uses it as its database.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zulandar/casedesk/internal/models"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// ErrNotFound is returned when a case does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a GORM connection.
type Store struct {
	db *gorm.DB
}

// Open connects to driver/dsn and migrates the schema. For sqlite an empty
// dsn means a private in-memory database.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		withTime, err := withParseTime(dsn)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(withTime)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One connection keeps an in-memory database shared and serializes
		// writers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: open %s: %w", driver, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.AutoMigrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// withParseTime makes sure DATETIME columns scan into time.Time. An explicit
// parseTime setting is left alone.
func withParseTime(dsn string) (string, error) {
	if strings.Contains(dsn, "parseTime=") {
		return dsn, nil
	}
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("store: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// New wraps an existing connection. The caller is responsible for
// migrating it.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AllModels returns every model the store migrates.
func AllModels() []interface{} {
	return []interface{}{
		&models.CaseSummary{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveCases upserts case rows, overwriting every column.
func (s *Store) SaveCases(ctx context.Context, cases []models.CaseSummary) error {
	if len(cases) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "case_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"agent_id", "client_name", "integration_name", "channel", "sender_id",
			"unread_count", "last_message_preview", "last_message_at",
		}),
	}).Create(&cases)
	if result.Error != nil {
		return fmt.Errorf("store: save cases: %w", result.Error)
	}
	return nil
}

// Publish stores a case list snapshot for agentID, so the store can serve
// as a case list sink.
func (s *Store) Publish(ctx context.Context, agentID int64, cases []models.CaseSummary) error {
	rows := make([]models.CaseSummary, len(cases))
	for i, c := range cases {
		if c.AgentID == 0 {
			c.AgentID = agentID
		}
		rows[i] = c
	}
	return s.SaveCases(ctx, rows)
}

// ListCases returns the cases owned by agentID, most recent first.
func (s *Store) ListCases(ctx context.Context, agentID int64) ([]models.CaseSummary, error) {
	var cases []models.CaseSummary
	result := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "last_message_at"}, Desc: true}).
		Order("case_id").
		Find(&cases)
	if result.Error != nil {
		return nil, fmt.Errorf("store: list cases: %w", result.Error)
	}
	return cases, nil
}

// GetCase returns one case or ErrNotFound.
func (s *Store) GetCase(ctx context.Context, caseID int64) (models.CaseSummary, error) {
	var c models.CaseSummary
	result := s.db.WithContext(ctx).Where("case_id = ?", caseID).Limit(1).Find(&c)
	if result.Error != nil {
		return models.CaseSummary{}, fmt.Errorf("store: get case %d: %w", caseID, result.Error)
	}
	if result.RowsAffected == 0 {
		return models.CaseSummary{}, fmt.Errorf("store: get case %d: %w", caseID, ErrNotFound)
	}
	return c, nil
}

// History returns every message of a case in chronological order.
func (s *Store) History(ctx context.Context, caseID int64) ([]models.Message, error) {
	var msgs []models.Message
	result := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("created_at, id").
		Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("store: history: %w", result.Error)
	}
	return msgs, nil
}

// RecordMessage archives a confirmed message, keyed by its backend id.
// Pending optimistic messages are ignored. A repeated record updates the
// stored content.
func (s *Store) RecordMessage(ctx context.Context, msg models.Message) error {
	if msg.ID == 0 || msg.Pending() {
		return nil
	}
	if msg.ChannelMessageID == "" {
		msg.ChannelMessageID = fmt.Sprintf("id-%d", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text_content", "file_url", "mime_type", "channel_message_id"}),
	}).Create(&msg)
	if result.Error != nil {
		return fmt.Errorf("store: record message %d: %w", msg.ID, result.Error)
	}
	return nil
}

// AppendMessage inserts a new message into an existing case and updates the
// case preview. Client messages also bump the unread counter. msg.ID and,
// when empty, msg.ChannelMessageID are filled in.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ChannelMessageID == "" {
		msg.ChannelMessageID = "ch-" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.MessageType == "" {
		msg.MessageType = models.MessageText
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.CaseSummary
		found := tx.Where("case_id = ?", msg.CaseID).Limit(1).Find(&c)
		if found.Error != nil {
			return fmt.Errorf("store: append message: %w", found.Error)
		}
		if found.RowsAffected == 0 {
			return fmt.Errorf("store: append message: case %d: %w", msg.CaseID, ErrNotFound)
		}

		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("store: append message: %w", err)
		}

		updates := map[string]interface{}{
			"last_message_preview": msg.Preview(),
			"last_message_at":      msg.CreatedAt,
		}
		if msg.SenderType == models.SenderClient {
			updates["unread_count"] = gorm.Expr("unread_count + 1")
		}
		if err := tx.Model(&models.CaseSummary{}).Where("case_id = ?", msg.CaseID).Updates(updates).Error; err != nil {
			return fmt.Errorf("store: append message: update case: %w", err)
		}
		return nil
	})
}

// MarkRead zeroes the unread counter of a case.
func (s *Store) MarkRead(ctx context.Context, caseID int64) error {
	result := s.db.WithContext(ctx).Model(&models.CaseSummary{}).
		Where("case_id = ?", caseID).
		Update("unread_count", 0)
	if result.Error != nil {
		return fmt.Errorf("store: mark read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish "already zero" from "missing" on drivers that only
		// count changed rows.
		if _, err := s.GetCase(ctx, caseID); err != nil {
			return err
		}
	}
	return nil
}
