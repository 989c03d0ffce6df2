package pipeline

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/storage"
)

// ObjectStoreEmitter persists variants in the artifact bucket. The locator is
// the object key plus a presigned GET URL.
type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
	PresignTTL   time.Duration
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req EmitRequest) (domain.OutputVariant, error) {
	if e.Storage == nil {
		return domain.OutputVariant{}, errors.New("storage client is required")
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(req.BatchID),
		artifactName(req),
	)

	if err := e.Storage.WriteObject(ctx, objectKey, req.Data, req.Format.ContentType()); err != nil {
		return domain.OutputVariant{}, err
	}

	url, err := e.Storage.PresignedGetURL(ctx, objectKey, e.presignTTL())
	if err != nil {
		if rmErr := e.Storage.RemoveObject(ctx, objectKey); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return domain.OutputVariant{}, err
	}

	v := req.variant()
	v.Location = objectKey
	v.URL = url
	return v, nil
}

func (e ObjectStoreEmitter) Discard(ctx context.Context, variant domain.OutputVariant) error {
	if e.Storage == nil || variant.Location == "" {
		return nil
	}
	return e.Storage.RemoveObject(ctx, variant.Location)
}

func (e ObjectStoreEmitter) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if e.Storage == nil {
		return 0, errors.New("storage client is required")
	}
	return e.Storage.RemoveOlderThan(ctx, defaultOutputPrefix(e.OutputPrefix)+"/", time.Now().Add(-olderThan))
}

func (e ObjectStoreEmitter) presignTTL() time.Duration {
	if e.PresignTTL <= 0 {
		return 24 * time.Hour
	}
	return e.PresignTTL
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
