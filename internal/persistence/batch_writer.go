// Package persistence holds write paths that stay off the request's critical path.
package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signal-core/pkg/db"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers best-effort writes (token usage counters) and flushes
// them in one transaction when the buffer fills or the interval elapses.
type BatchWriter struct {
	db       *db.Database
	logger   *zap.Logger
	mu       sync.Mutex
	buffer   []WriteOp
	maxSize  int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastBatch    atomic.Int64
	lastFlush    atomic.Int64
}

// Metrics are cumulative batch statistics.
type Metrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time,omitzero"`
	Pending       int       `json:"pending"`
}

// NewBatchWriter starts a writer. maxSize is the buffer length that triggers an
// immediate flush; interval is the background flush period.
func NewBatchWriter(database *db.Database, maxSize int, interval time.Duration, logger *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       database,
		logger:   logger,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write queues op. It never blocks on the database: a full buffer is handed
// to a background flush.
func (bw *BatchWriter) Write(op WriteOp) {
	if bw.closed.Load() {
		bw.logger.Warn("batch writer closed, dropping write")
		return
	}
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		go func() {
			if err := bw.Flush(context.Background()); err != nil {
				bw.logger.Warn("batch flush failed", zap.Error(err))
			}
		}()
	}
}

// WriteQuery is a convenience wrapper around Write.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// Flush writes everything buffered so far in one transaction.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatch.Store(int64(len(ops)))
	bw.lastFlush.Store(time.Now().UnixMilli())

	err := bw.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("batch write rolled back", zap.Int("ops", len(ops)), zap.Error(err))
		return err
	}
	bw.logger.Debug("batch flushed", zap.Int("ops", len(ops)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.logger.Warn("background flush failed", zap.Error(err))
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				bw.logger.Warn("final flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Stats returns the current counters.
func (bw *BatchWriter) Stats() Metrics {
	m := Metrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastBatch.Load()),
		Pending:       bw.Pending(),
	}
	if ms := bw.lastFlush.Load(); ms > 0 {
		m.LastFlushTime = time.UnixMilli(ms).UTC()
	}
	return m
}

// Close stops the background loop after a final flush. Safe to call twice.
func (bw *BatchWriter) Close() error {
	if bw.closed.Swap(true) {
		return nil
	}
	close(bw.done)
	bw.wg.Wait()
	return nil
}
