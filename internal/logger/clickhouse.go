package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink writes usage batches to a ClickHouse table for analytics.
//
// Expected schema:
//
//	CREATE TABLE usage_events (
//	    id            UUID,
//	    consumer_id   String,
//	    provider      LowCardinality(String),
//	    credential_id String,
//	    model         LowCardinality(String),
//	    input_tokens  UInt32,
//	    output_tokens UInt32,
//	    cost_usd      Float64,
//	    latency_ms    UInt32,
//	    status        UInt16,
//	    streamed      Bool,
//	    created_at    DateTime
//	) ENGINE = MergeTree ORDER BY (created_at, provider)
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink connects using a clickhouse:// DSN and verifies the
// connection with a ping.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: "usage_events"}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []UsageLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.ConsumerID,
			e.Provider,
			e.CredentialID,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.CostUSD,
			e.LatencyMs,
			e.Status,
			e.Streamed,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("logger: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
