package eventstore

import (
	"context"
	"fmt"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/charmbracelet/log"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS attack_events (
    Timestamp   DateTime64(3),
    Type        LowCardinality(String),
    Source      String,
    Destination String,
    Value       Float64,
    Detail      String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Type, Timestamp);
`

// ClickHouseStore writes events to the attack_events table.
type ClickHouseStore struct {
	*Batcher
	conn driver.Conn
}

// NewClickHouseStore connects, ensures the table exists and starts batching.
func NewClickHouseStore(cfg config.ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Info("Connected to ClickHouse and ensured attack_events exists", "host", cfg.Host, "database", cfg.Database)

	s := &ClickHouseStore{conn: conn}
	s.Batcher = NewBatcher("clickhouse", s.insert, cfg.BatchSize, cfg.FlushInterval)
	return s, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (s *ClickHouseStore) insert(events []core.AttackEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO attack_events")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, ev := range events {
		if err := batch.Append(ev.Timestamp, string(ev.Type), ev.Source, ev.Destination, ev.Value, ev.Detail); err != nil {
			return fmt.Errorf("failed to append event to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	log.Debug("Wrote events to ClickHouse", "events", len(events))
	return nil
}

// Close flushes the queue and closes the connection.
func (s *ClickHouseStore) Close() error {
	s.Batcher.Close()
	return s.conn.Close()
}
