package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/conviction"
	"github.com/nexus-trading/pumpsignal/internal/tracker"
	"github.com/rs/zerolog/log"
)

// FlushHook replaces the ClickHouse insert. Test hook.
type FlushHook func(ctx context.Context, table string, rows [][]any) error

// EvaluationWriter batches tracker evaluations and flushes them to
// ClickHouse on size or interval.
type EvaluationWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration
	hook          FlushHook

	mu         sync.Mutex
	buf        [][]any
	closed     bool
	flushCount int64
	errorCount int64
	written    int64
	dropped    int64

	flushMu sync.Mutex // serialises inserts
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEvaluationWriter creates a writer. client may be nil when a flush hook
// is set.
func NewEvaluationWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *EvaluationWriter {
	def := DefaultConfig()
	if batchSize <= 0 {
		batchSize = def.BatchSize
	}
	if flushInterval <= 0 {
		flushInterval = def.FlushInterval
	}
	return &EvaluationWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buf:           make([][]any, 0, batchSize),
	}
}

// SetFlushHook routes flushes to fn instead of ClickHouse.
func (w *EvaluationWriter) SetFlushHook(fn FlushHook) { w.hook = fn }

// Record buffers an evaluation. Implements tracker.EvaluationSink.
func (w *EvaluationWriter) Record(ev tracker.Evaluation) {
	if err := w.Write(context.Background(), ev); err != nil {
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		log.Debug().Err(err).Str("mint", ev.Mint).Msg("clickhouse: evaluation dropped")
	}
}

// Write buffers an evaluation and flushes once the batch is full.
func (w *EvaluationWriter) Write(ctx context.Context, ev tracker.Evaluation) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("writer is closed")
	}
	w.buf = append(w.buf, evaluationRow(ev))
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

func evaluationRow(ev tracker.Evaluation) []any {
	res := ev.Result
	b := res.Breakdown
	severity := "none"
	if res.Bundle != nil {
		severity = res.Bundle.Severity.String()
	}
	var top10 float64
	if res.Holders != nil {
		top10 = res.Holders.Top10Pct
	}
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return []any{
		ts,
		ev.Mint,
		ev.Symbol,
		res.Stage.String(),
		ev.Reason.String(),
		int16(res.Score),
		int16(res.Base),
		int16(res.Threshold),
		boolToUInt8(res.MeetsThreshold),
		boolToUInt8(res.Rejected),
		boolToUInt8(ev.SignalEmitted),
		int32(res.UniqueBuyers),
		int32(res.HolderCount),
		int32(ev.KOLBuyCount),
		int16(b[conviction.KeyWalletActivity]),
		int16(b[conviction.KeyVolumeVelocity]),
		int16(b[conviction.KeyMomentum]),
		int16(b[conviction.KeyDistribution]),
		int16(b[conviction.KeyBundlePenalty]),
		int16(b[conviction.KeyHolderPenalty]),
		int16(b[conviction.KeyKOLHolderBonus]),
		severity,
		top10,
		res.Err,
	}
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Start runs the periodic flush loop in the background until ctx is
// cancelled or Close is called.
func (w *EvaluationWriter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	log.Info().
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: evaluation writer started")

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(ctx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes buffered rows.
func (w *EvaluationWriter) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	rows := w.buf
	w.buf = make([][]any, 0, w.batchSize)
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	table := tableName(w.database, evaluationsTable)
	var err error
	if w.hook != nil {
		err = w.hook(ctx, table, rows)
	} else {
		err = w.insert(ctx, table, rows)
	}

	w.mu.Lock()
	w.flushCount++
	if err != nil {
		w.errorCount++
	} else {
		w.written += int64(len(rows))
	}
	w.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Int("rows", len(rows)).Msg("clickhouse: flush failed")
		return err
	}
	log.Debug().Int("rows", len(rows)).Msg("clickhouse: evaluations flushed")
	return nil
}

func (w *EvaluationWriter) insert(ctx context.Context, table string, rows [][]any) error {
	if w.client == nil {
		return fmt.Errorf("no clickhouse client")
	}
	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare evaluation batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append evaluation: %w", err)
		}
	}
	return batch.Send()
}

// Close stops the flush loop, flushes what is left and rejects further
// writes.
func (w *EvaluationWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	err := w.Flush(ctx)

	stats := w.Stats()
	log.Info().
		Int64("flushes", stats.Flushes).
		Int64("errors", stats.Errors).
		Int64("written", stats.Written).
		Msg("clickhouse: evaluation writer closed")
	return err
}

// WriterStats holds writer counters.
type WriterStats struct {
	Flushes int64 `json:"flushes"`
	Errors  int64 `json:"errors"`
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

// Stats returns writer statistics.
func (w *EvaluationWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Flushes: w.flushCount,
		Errors:  w.errorCount,
		Written: w.written,
		Dropped: w.dropped,
		Pending: len(w.buf),
	}
}
