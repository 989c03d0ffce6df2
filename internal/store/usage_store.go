package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

var ErrUsageNotFound = errors.New("usage record not found")

// UsageStore keeps one usage record per completed batch.
type UsageStore interface {
	Record(ctx context.Context, usage domain.UsageLog) error
	Get(ctx context.Context, batchID string) (domain.UsageLog, error)
}
