package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity checks the stock ledger conservation invariant.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskSnapshotWarmup refreshes the availability snapshots in redis.
	TaskSnapshotWarmup = "stock:snapshot_warmup"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LedgerIntegrityPayload carries scheduling metadata.
type LedgerIntegrityPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerIntegrityTask constructs the integrity check task.
func NewLedgerIntegrityTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// SnapshotWarmupPayload carries scheduling metadata.
type SnapshotWarmupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewSnapshotWarmupTask constructs the snapshot warmup task.
func NewSnapshotWarmupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SnapshotWarmupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotWarmup, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload bounds the retention window.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
