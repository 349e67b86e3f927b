package eventstore

import (
	"fmt"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"

	"github.com/charmbracelet/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AttackEventRow is the SQLite row for one event.
type AttackEventRow struct {
	ID          uint      `gorm:"primaryKey"`
	Timestamp   time.Time `gorm:"index;not null"`
	Type        string    `gorm:"index;not null"`
	Source      string    `gorm:"index"`
	Destination string
	Value       float64
	Detail      string
}

// TableName pins the table name.
func (AttackEventRow) TableName() string { return "attack_events" }

func toRow(ev core.AttackEvent) AttackEventRow {
	return AttackEventRow{
		Timestamp:   ev.Timestamp,
		Type:        string(ev.Type),
		Source:      ev.Source,
		Destination: ev.Destination,
		Value:       ev.Value,
		Detail:      ev.Detail,
	}
}

func (r AttackEventRow) event() core.AttackEvent {
	return core.AttackEvent{
		Type:        core.EventType(r.Type),
		Source:      r.Source,
		Destination: r.Destination,
		Value:       r.Value,
		Timestamp:   r.Timestamp,
		Detail:      r.Detail,
	}
}

// SQLiteStore keeps events in a local SQLite database.
type SQLiteStore struct {
	*Batcher
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database and starts batching.
func NewSQLiteStore(cfg config.SQLiteConfig) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			log.Warn("Failed to set SQLite pragma", "pragma", pragma, "err", err)
		}
	}

	if err := db.AutoMigrate(&AttackEventRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate attack_events: %w", err)
	}
	log.Info("Opened SQLite event store", "path", cfg.Path)

	s := &SQLiteStore{db: db}
	s.Batcher = NewBatcher("sqlite", s.insert, cfg.BatchSize, cfg.FlushInterval)
	return s, nil
}

func (s *SQLiteStore) insert(events []core.AttackEvent) error {
	rows := make([]AttackEventRow, len(events))
	for i, ev := range events {
		rows[i] = toRow(ev)
	}
	return s.db.CreateInBatches(rows, 100).Error
}

// Recent returns up to limit events, newest first, optionally of one type.
func (s *SQLiteStore) Recent(limit int, eventType core.EventType) ([]core.AttackEvent, error) {
	q := s.db.Order("timestamp DESC").Order("id DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("type = ?", string(eventType))
	}
	var rows []AttackEventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	out := make([]core.AttackEvent, len(rows))
	for i, r := range rows {
		out[i] = r.event()
	}
	return out, nil
}

// Close flushes the queue and closes the database.
func (s *SQLiteStore) Close() error {
	s.Batcher.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
