package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atelier-erp/atelier/internal/observability"
	"github.com/atelier-erp/atelier/internal/shared"
)

// IdempotencyCleanupJob purges idempotency keys past their retention window.
type IdempotencyCleanupJob struct {
	store   *shared.IdempotencyStore
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewIdempotencyCleanupJob constructs the job.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, metrics *observability.Metrics, logger *slog.Logger) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{store: store, metrics: metrics, logger: logger}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	olderThan := payload.OlderThan
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}
	if err := j.store.Cleanup(ctx, olderThan); err != nil {
		j.metrics.ObserveJob(TaskIdempotencyCleanup, "failure")
		return err
	}
	j.metrics.ObserveJob(TaskIdempotencyCleanup, "success")
	j.logger.Info("idempotency keys cleaned", slog.Duration("older_than", olderThan))
	return nil
}
