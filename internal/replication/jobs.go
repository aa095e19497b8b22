/**
 * @description
 * Locate-info replication: copies new `t_locate_info` rows from the source database into
 * `locate_info`, driven by the watermark kept in `t_trace`.
 */
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pointsmint/mint-service/internal/metrics"
	"github.com/pointsmint/mint-service/internal/store"
)

var ErrRunInProgress = errors.New("replication run already in progress")

const (
	defaultBatchSize   = 100
	progressTimeout    = 10 * time.Second
	scheduledRunBudget = 50 * time.Second
)

// Result summarizes one replication run.
type Result struct {
	Rows     int
	Progress time.Time
}

// Replicator runs the replication job. Runs never overlap.
type Replicator struct {
	source    store.LocateSource
	dest      store.ReplicationRepository
	traceID   int64
	batchSize int
	metrics   *metrics.MintMetrics
	logger    *slog.Logger

	mu sync.Mutex
}

func NewReplicator(source store.LocateSource, dest store.ReplicationRepository, traceID int64, batchSize int, m *metrics.MintMetrics, logger *slog.Logger) *Replicator {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Replicator{
		source:    source,
		dest:      dest,
		traceID:   traceID,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger,
	}
}

// Run copies one batch. The watermark is read once and, once read, written back exactly once
// when the run ends, covering every row upserted before a failure.
func (r *Replicator) Run(ctx context.Context) (result Result, err error) {
	if !r.mu.TryLock() {
		return result, ErrRunInProgress
	}
	defer r.mu.Unlock()

	progress, err := r.dest.GetTraceProgress(ctx, r.traceID)
	if err != nil {
		return result, fmt.Errorf("read trace progress %d: %w", r.traceID, err)
	}
	result.Progress = progress

	defer func() {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressTimeout)
		defer cancel()
		if setErr := r.dest.SetTraceProgress(writeCtx, r.traceID, result.Progress); setErr != nil {
			r.logger.Error("failed to persist replication progress", "trace_id", r.traceID, "progress", result.Progress, "error", setErr)
			err = errors.Join(err, fmt.Errorf("write trace progress %d: %w", r.traceID, setErr))
		}
		r.metrics.AddReplicatedRows(result.Rows)
	}()

	rows, err := r.source.ListLocateInfoSince(ctx, progress, r.batchSize)
	if err != nil {
		return result, fmt.Errorf("list locate info since %s: %w", progress.Format(time.RFC3339Nano), err)
	}

	for _, row := range rows {
		if err := r.dest.UpsertLocateInfo(ctx, row); err != nil {
			return result, err
		}
		result.Progress = row.UpdatedAt
		result.Rows++
	}
	return result, nil
}

// RunScheduled is the cron entry point.
func (r *Replicator) RunScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledRunBudget)
	defer cancel()

	result, err := r.Run(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		r.logger.Warn("skipping replication run; previous run still active")
	case err != nil:
		r.logger.Error("replication run failed", "rows", result.Rows, "progress", result.Progress, "error", err)
	case result.Rows > 0:
		r.logger.Info("replication run finished", "rows", result.Rows, "progress", result.Progress)
	}
}
