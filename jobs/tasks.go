package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity walks every item ledger and verifies running balances.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskValuationWarmup recomputes the valuation summary into the cache.
	TaskValuationWarmup = "valuation:warmup"
	// TaskRetentionCleanup prunes expired idempotency keys.
	TaskRetentionCleanup = "retention:cleanup"
)

// ScheduledPayload carries scheduling metadata shared by the cron tasks.
type ScheduledPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func newScheduledTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScheduledPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerIntegrityTask constructs an Asynq task for the integrity scan.
func NewLedgerIntegrityTask(at time.Time) (*asynq.Task, error) {
	return newScheduledTask(TaskLedgerIntegrity, at)
}

// NewValuationWarmupTask constructs an Asynq task for the valuation warmup.
func NewValuationWarmupTask(at time.Time) (*asynq.Task, error) {
	return newScheduledTask(TaskValuationWarmup, at)
}

// NewRetentionCleanupTask constructs an Asynq task for retention cleanup.
func NewRetentionCleanupTask(at time.Time) (*asynq.Task, error) {
	return newScheduledTask(TaskRetentionCleanup, at)
}
