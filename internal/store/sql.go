package store

import (
	"context"
	"fmt"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRow struct {
	ID         string `gorm:"primaryKey"`
	Nickname   string
	Background string
	Avatar     string
	IsOnline   bool
	LastSeen   time.Time `gorm:"index"`
}

func (userRow) TableName() string { return "users" }

type messageRow struct {
	ID               string `gorm:"primaryKey"`
	SenderID         string
	SenderNickname   string
	SenderBackground string
	Content          string
	SentAt           time.Time `gorm:"column:created_at;index"`
	IsPrivate        bool
	RecipientID      string
	RoomID           string `gorm:"index"`
}

func (messageRow) TableName() string { return "messages" }

type typingRow struct {
	UserID   string `gorm:"primaryKey"`
	Nickname string
	TypedAt  time.Time `gorm:"column:updated_at;index"`
}

func (typingRow) TableName() string { return "typing_status" }

func toUserRow(u user.User) userRow {
	return userRow{
		ID:         u.ID,
		Nickname:   u.Nickname,
		Background: u.Background,
		Avatar:     u.Avatar,
		IsOnline:   u.IsOnline,
		LastSeen:   u.LastSeen.UTC(),
	}
}

func (r userRow) user() user.User {
	return user.User{
		ID:         r.ID,
		Nickname:   r.Nickname,
		Background: r.Background,
		Avatar:     r.Avatar,
		IsOnline:   r.IsOnline,
		LastSeen:   r.LastSeen.UTC(),
	}
}

func toMessageRow(m message.Message) messageRow {
	return messageRow{
		ID:               m.ID,
		SenderID:         m.SenderID,
		SenderNickname:   m.SenderNickname,
		SenderBackground: m.SenderBackground,
		Content:          m.Content,
		SentAt:           m.Timestamp.UTC(),
		IsPrivate:        m.IsPrivate,
		RecipientID:      m.RecipientID,
		RoomID:           m.RoomID,
	}
}

func (r messageRow) message() message.Message {
	return message.Message{
		ID:               r.ID,
		SenderID:         r.SenderID,
		SenderNickname:   r.SenderNickname,
		SenderBackground: r.SenderBackground,
		Content:          r.Content,
		Timestamp:        r.SentAt.UTC(),
		IsPrivate:        r.IsPrivate,
		RecipientID:      r.RecipientID,
		RoomID:           r.RoomID,
	}
}

// SQL persists chat state in relational tables through gorm.
type SQL struct {
	db *gorm.DB
}

// OpenSQL connects to a "sqlite" or "postgres" database and migrates the
// chat tables.
func OpenSQL(driver, dsn string) (*SQL, error) {
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "sqlite":
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("sql: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serialises writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQL(db)
}

// NewSQL wraps an open gorm handle and migrates the chat tables.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&userRow{}, &messageRow{}, &typingRow{}); err != nil {
		return nil, fmt.Errorf("sql: migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) UpsertUser(ctx context.Context, u user.User) error {
	row := toUserRow(u)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("sql: upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQL) SetPresence(ctx context.Context, id string, online bool, seen time.Time) error {
	err := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", id).
		Updates(map[string]any{"is_online": online, "last_seen": seen.UTC()}).Error
	if err != nil {
		return fmt.Errorf("sql: set presence %s: %w", id, err)
	}
	return nil
}

func (s *SQL) Touch(ctx context.Context, id string, seen time.Time) error {
	err := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", id).
		Updates(map[string]any{"is_online": true, "last_seen": seen.UTC()}).Error
	if err != nil {
		return fmt.Errorf("sql: touch %s: %w", id, err)
	}
	return nil
}

// Users lists users most recently seen first.
func (s *SQL) Users(ctx context.Context) ([]user.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("last_seen desc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sql: list users: %w", err)
	}
	users := make([]user.User, len(rows))
	for i, r := range rows {
		users[i] = r.user()
	}
	return users, nil
}

func (s *SQL) MarkIdleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&userRow{}).
		Where("is_online = ? AND last_seen < ?", true, cutoff.UTC()).
		Update("is_online", false)
	if res.Error != nil {
		return 0, fmt.Errorf("sql: mark idle users: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *SQL) AppendMessage(ctx context.Context, m message.Message) error {
	row := toMessageRow(m)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sql: append message: %w", err)
	}
	return nil
}

func (s *SQL) Messages(ctx context.Context, q Query) ([]message.Message, error) {
	tx := s.db.WithContext(ctx).Model(&messageRow{})
	if q.RoomID != "" {
		tx = tx.Where("room_id = ?", q.RoomID)
	}

	reverse := false
	switch {
	case !q.Since.IsZero():
		tx = tx.Where("created_at > ?", q.Since.UTC()).Order("created_at asc, id asc")
	case q.Limit > 0:
		tx = tx.Order("created_at desc, id desc")
		reverse = true
	default:
		tx = tx.Order("created_at asc, id asc")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []messageRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sql: read messages: %w", err)
	}
	msgs := make([]message.Message, len(rows))
	for i, r := range rows {
		if reverse {
			msgs[len(rows)-1-i] = r.message()
		} else {
			msgs[i] = r.message()
		}
	}
	return msgs, nil
}

func (s *SQL) SetTyping(ctx context.Context, t message.TypingUser) error {
	row := typingRow{UserID: t.UserID, Nickname: t.Nickname, TypedAt: t.Timestamp.UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("sql: set typing: %w", err)
	}
	return nil
}

func (s *SQL) ClearTyping(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&typingRow{}).Error; err != nil {
		return fmt.Errorf("sql: clear typing: %w", err)
	}
	return nil
}

func (s *SQL) Typing(ctx context.Context, cutoff time.Time) ([]message.TypingUser, error) {
	var rows []typingRow
	err := s.db.WithContext(ctx).Where("updated_at > ?", cutoff.UTC()).
		Order("updated_at asc, user_id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sql: read typing: %w", err)
	}
	result := make([]message.TypingUser, len(rows))
	for i, r := range rows {
		result[i] = message.TypingUser{UserID: r.UserID, Nickname: r.Nickname, Timestamp: r.TypedAt.UTC()}
	}
	return result, nil
}

func (s *SQL) PurgeTyping(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("updated_at <= ?", cutoff.UTC()).Delete(&typingRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sql: purge typing: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
