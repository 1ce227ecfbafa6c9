// Package tasks defines the background jobs queued through asynq.
package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
)

const (
	// TypeRetentionSweep reaps offline users, empty rooms and old history
	TypeRetentionSweep = "retention:sweep"

	// QueueMaintenance carries low-priority housekeeping
	QueueMaintenance = "maintenance"
)

// RetentionSweepPayload identifies who asked for a sweep and when
type RetentionSweepPayload struct {
	RequestedAt time.Time `json:"requested_at"`
	Source      string    `json:"source"`
}

// NewRetentionSweepTask builds a sweep task. Sweeps are idempotent, so a failed one
// is retried only once and never kept around for long.
func NewRetentionSweepTask(source string, requestedAt time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(RetentionSweepPayload{RequestedAt: requestedAt.UTC(), Source: source})
	if err != nil {
		return nil, errors.Wrap(err, "marshal retention sweep payload")
	}
	return asynq.NewTask(TypeRetentionSweep, payload,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(1),
		asynq.Timeout(10*time.Minute),
	), nil
}

// ParseRetentionSweepPayload decodes a task payload; an empty payload is a scheduled sweep
func ParseRetentionSweepPayload(data []byte) (RetentionSweepPayload, error) {
	var p RetentionSweepPayload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "unmarshal retention sweep payload")
	}
	return p, nil
}
