// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// When a ClickHouse DSN is configured, batches are inserted via
// clickhouse-go/v2's native PrepareBatch/Send path. Without one — local/dev
// runs, or the open-source build the teacher's own comment describes — rows
// fall back to a debug-level slog trace of the same fields, so nothing is
// silently lost.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	insertTable   = "request_logs"
)

type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	CreatedAt    time.Time
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	conn    chdriver.Conn // nil unless a ClickHouse DSN was configured
}

// New creates a Logger. When dsn is non-empty, rows are batched into
// ClickHouse; an unreachable or malformed DSN is a startup error, same as
// any other infra dependency the gateway can't do without once configured.
// An empty dsn runs in slog-only mode.
func New(ctx context.Context, dsn string, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	if dsn != "" {
		opts, err := clickhouse.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("logger: open clickhouse: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
		}
		l.conn = conn
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
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
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if l.conn != nil {
			if err := l.flushClickHouse(ctx, batch); err != nil {
				l.log.ErrorContext(ctx, "clickhouse_flush_failed",
					slog.String("error", err.Error()),
					slog.Int("rows", len(batch)),
				)
			}
		} else {
			for _, e := range batch {
				l.log.DebugContext(ctx, "request",
					slog.String("id", e.ID.String()),
					slog.String("provider", e.Provider),
					slog.String("model", e.Model),
					slog.Uint64("input_tokens", uint64(e.InputTokens)),
					slog.Uint64("output_tokens", uint64(e.OutputTokens)),
					slog.Uint64("latency_ms", uint64(e.LatencyMs)),
					slog.Uint64("status", uint64(e.Status)),
					slog.Bool("cached", e.Cached),
					slog.Time("created_at", normalizeTime(e.CreatedAt)),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// flushClickHouse inserts one batch via the native PrepareBatch/Append/Send
// path clickhouse-go/v2 exposes for bulk inserts.
func (l *Logger) flushClickHouse(ctx context.Context, rows []RequestLog) error {
	b, err := l.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, provider, model, input_tokens, output_tokens, latency_ms, status, cached, created_at)",
		insertTable,
	))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range rows {
		if err := b.Append(
			e.ID,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return b.Send()
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
