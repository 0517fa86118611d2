package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atelier-erp/atelier/internal/observability"
	"github.com/atelier-erp/atelier/internal/stock"
)

// SnapshotWarmupJob pushes fresh availability snapshots into redis so the
// dashboard read path rarely misses. Snapshots stay advisory; the write path
// never reads them.
type SnapshotWarmupJob struct {
	totals  LedgerTotals
	cache   *stock.AvailabilityCache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewSnapshotWarmupJob constructs the job.
func NewSnapshotWarmupJob(totals LedgerTotals, cache *stock.AvailabilityCache, metrics *observability.Metrics, logger *slog.Logger) *SnapshotWarmupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotWarmupJob{totals: totals, cache: cache, metrics: metrics, logger: logger}
}

// Handle processes TaskSnapshotWarmup tasks.
func (j *SnapshotWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SnapshotWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	start := time.Now()
	warmed, err := j.run(ctx)
	if err != nil {
		j.metrics.ObserveJob(TaskSnapshotWarmup, "failure")
		return err
	}
	j.metrics.ObserveJob(TaskSnapshotWarmup, "success")
	j.logger.Info("availability snapshots warmed",
		slog.Int("entries", warmed),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (j *SnapshotWarmupJob) run(ctx context.Context) (int, error) {
	totals, err := j.totals.ScopeTotals(ctx)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, total := range totals {
		if err := j.cache.SetAvailability(ctx, total.ItemID, total.ItemType, total.Scope, total.RemainingSum); err != nil {
			j.logger.Warn("snapshot write failed",
				slog.String("item_id", total.ItemID.String()),
				slog.Any("error", err))
			continue
		}
		warmed++
	}
	return warmed, nil
}
