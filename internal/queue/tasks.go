package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypePurge = "maintenance:purge"

// Purge targets.
const (
	TargetArtifacts = "artifacts"
	TargetStaging   = "staging"
)

type PurgePayload struct {
	Target           string    `json:"target"`
	OlderThanSeconds int64     `json:"older_than_seconds"`
	RequestedAt      time.Time `json:"requested_at"`
}

func (p PurgePayload) OlderThan() time.Duration {
	return time.Duration(p.OlderThanSeconds) * time.Second
}

func NewPurgePayload(target string, olderThan time.Duration) PurgePayload {
	return PurgePayload{
		Target:           target,
		OlderThanSeconds: int64(olderThan / time.Second),
		RequestedAt:      time.Now().UTC(),
	}
}

func NewPurgeTask(payload PurgePayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal purge payload: %w", err)
	}
	return asynq.NewTask(TypePurge, body), nil
}

func ParsePurgePayload(task *asynq.Task) (PurgePayload, error) {
	var payload PurgePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PurgePayload{}, fmt.Errorf("unmarshal purge payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return PurgePayload{}, err
	}
	return payload, nil
}

func (p PurgePayload) validate() error {
	switch p.Target {
	case TargetArtifacts, TargetStaging:
	default:
		return fmt.Errorf("unknown purge target %q", p.Target)
	}
	if p.OlderThanSeconds <= 0 {
		return fmt.Errorf("purge retention must be positive")
	}
	return nil
}
