// Package history archives finished lab sessions so their final status can be
// reported after the in-memory record is purged.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

// SessionRecord is the archived form of a terminal lab session.
type SessionRecord struct {
	SessionID      string     `gorm:"primaryKey;column:session_id"`
	UserID         string     `gorm:"index;column:user_id"`
	TemplateID     string     `gorm:"index;column:template_id"`
	State          string     `gorm:"column:state"`
	ExitReason     string     `gorm:"column:exit_reason"`
	LastActivityAt time.Time  `gorm:"column:last_activity_at"`
	EndedAt        *time.Time `gorm:"column:ended_at"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (SessionRecord) TableName() string {
	return "lab_sessions"
}

func toRecord(s models.LabSession) SessionRecord {
	rec := SessionRecord{
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		TemplateID:     s.TemplateID,
		State:          string(s.State),
		ExitReason:     s.ExitReason,
		LastActivityAt: s.LastActivityAt,
		CreatedAt:      s.CreatedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		rec.EndedAt = &ended
	}
	return rec
}

func (r SessionRecord) toSession() models.LabSession {
	s := models.LabSession{
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		TemplateID:     r.TemplateID,
		State:          models.SessionState(r.State),
		ExitReason:     r.ExitReason,
		LastActivityAt: r.LastActivityAt,
		CreatedAt:      r.CreatedAt,
	}
	if r.EndedAt != nil {
		s.EndedAt = *r.EndedAt
	}
	return s
}

// Migrations returns the schema migrations of the archive.
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20260301_create_lab_sessions_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SessionRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("lab_sessions")
			},
		},
	}
}

// OpenPostgres connects to Postgres. A schema is appended as search_path unless
// the DSN already sets one.
func OpenPostgres(databaseURL, schema string) (*gorm.DB, error) {
	dsn := databaseURL
	if schema != "" && !strings.Contains(dsn, "search_path") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = dsn + sep + "search_path=" + schema
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a SQLite database file, or an in-memory one for ":memory:".
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

// GormRepository archives sessions in a SQL database.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository runs the migrations and returns the repository.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	m := gormigrate.New(db, gormigrate.DefaultOptions, Migrations())
	if err := m.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Save inserts or replaces the record of a session.
func (r *GormRepository) Save(ctx context.Context, s models.LabSession) error {
	rec := toRecord(s)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

func (r *GormRepository) Get(ctx context.Context, sessionID string) (models.LabSession, error) {
	var rec SessionRecord
	if err := r.db.WithContext(ctx).First(&rec, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.LabSession{}, fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
		}
		return models.LabSession{}, err
	}
	return rec.toSession(), nil
}

// ListByUser returns a user's archived sessions, newest first.
func (r *GormRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.LabSession, error) {
	var recs []SessionRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]models.LabSession, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toSession())
	}
	return out, nil
}
