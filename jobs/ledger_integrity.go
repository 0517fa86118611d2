package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/observability"
)

// LedgerTotals is the slice of the ledger repository the integrity job needs.
type LedgerTotals interface {
	ScopeTotals(ctx context.Context) ([]ledger.ItemScopeTotal, error)
}

// LedgerIntegrityJob compares change-record delta sums against batch remainder
// sums per item and scope. Drift indicates a write path bypassed the ledger;
// the job reports it and never repairs.
type LedgerIntegrityJob struct {
	totals  LedgerTotals
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewLedgerIntegrityJob constructs the job.
func NewLedgerIntegrityJob(totals LedgerTotals, metrics *observability.Metrics, logger *slog.Logger) *LedgerIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerIntegrityJob{totals: totals, metrics: metrics, logger: logger}
}

// Handle processes TaskLedgerIntegrity tasks.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	start := time.Now()
	drift, err := j.run(ctx)
	if err != nil {
		j.metrics.ObserveJob(TaskLedgerIntegrity, "failure")
		return err
	}
	j.metrics.ObserveJob(TaskLedgerIntegrity, "success")
	j.logger.Info("ledger integrity check finished",
		slog.Int("drifting_items", drift),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (j *LedgerIntegrityJob) run(ctx context.Context) (int, error) {
	totals, err := j.totals.ScopeTotals(ctx)
	if err != nil {
		return 0, err
	}
	drift := 0
	byScope := make(map[string]float64)
	for _, total := range totals {
		scope := total.Scope.String()
		if _, ok := byScope[scope]; !ok {
			byScope[scope] = 0
		}
		if total.InBalance() {
			continue
		}
		drift++
		byScope[scope]++
		j.logger.Error("ledger conservation violated",
			slog.String("item_id", total.ItemID.String()),
			slog.String("item_type", string(total.ItemType)),
			slog.String("scope", scope),
			slog.String("delta_sum", total.DeltaSum.String()),
			slog.String("remaining_sum", total.RemainingSum.String()))
	}
	for scope, items := range byScope {
		j.metrics.SetLedgerDrift(scope, items)
	}
	return drift, nil
}
