// Package logger implements a non-blocking, batched usage-event logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine — so logging never blocks the request hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedLogs.
//
// The default sink writes each event via slog; a ClickHouse sink is available
// for analytics deployments (see clickhouse.go).
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// UsageLog is one completed gateway call.
type UsageLog struct {
	ID           uuid.UUID
	ConsumerID   string
	Provider     string
	CredentialID string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	CostUSD      float64
	LatencyMs    uint32
	Status       uint16
	Streamed     bool
	CreatedAt    time.Time
}

// Sink receives flushed batches. WriteBatch may block; it runs on the
// logger's background goroutine, never on the hot path.
type Sink interface {
	WriteBatch(ctx context.Context, batch []UsageLog) error
}

type Logger struct {
	ch        chan UsageLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New creates a logger flushing to sink. A nil sink logs each event via slog.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &slogSink{log: slogger}
	}

	l := &Logger{
		ch:      make(chan UsageLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry UsageLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(l.baseCtx, batch); err != nil {
			l.log.Error("usage log flush", slog.Int("entries", len(batch)), slog.String("error", err.Error()))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// slogSink writes each event as one structured log line.
type slogSink struct {
	log *slog.Logger
}

func (s *slogSink) WriteBatch(ctx context.Context, batch []UsageLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", e.ID.String()),
			slog.String("consumer_id", e.ConsumerID),
			slog.String("provider", e.Provider),
			slog.String("credential_id", e.CredentialID),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("streamed", e.Streamed),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
