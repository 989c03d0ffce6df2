package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

// InlineEmitter embeds the encoded bytes in the response as base64.
type InlineEmitter struct{}

func (InlineEmitter) Emit(_ context.Context, req EmitRequest) (domain.OutputVariant, error) {
	v := req.variant()
	v.CompressedFile = base64.StdEncoding.EncodeToString(req.Data)
	return v, nil
}

func (InlineEmitter) Discard(context.Context, domain.OutputVariant) error {
	return nil
}

// LocalFileEmitter persists variants under OutputDir/<batch>/ and returns the
// file path as the locator.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(ctx context.Context, req EmitRequest) (domain.OutputVariant, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return domain.OutputVariant{}, errors.New("output directory is required")
	}

	select {
	case <-ctx.Done():
		return domain.OutputVariant{}, ctx.Err()
	default:
	}

	batchDir := filepath.Join(e.OutputDir, sanitizePathToken(req.BatchID))
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return domain.OutputVariant{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(batchDir, artifactName(req))
	if err := writeFileAtomic(fullPath, req.Data); err != nil {
		return domain.OutputVariant{}, err
	}

	v := req.variant()
	v.Location = fullPath
	return v, nil
}

func (e LocalFileEmitter) Discard(_ context.Context, variant domain.OutputVariant) error {
	if variant.Location == "" {
		return nil
	}
	if err := os.Remove(variant.Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", variant.Location, err)
	}
	return nil
}

// Purge removes artifacts last modified before now-olderThan and any batch
// directories left empty.
func (e LocalFileEmitter) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	return purgeDir(ctx, e.OutputDir, time.Now().Add(-olderThan))
}

func artifactName(req EmitRequest) string {
	stem := strings.TrimSuffix(filepath.Base(req.OriginalName), filepath.Ext(req.OriginalName))
	return fmt.Sprintf("%03d_%s_%d.%s", req.ImageIndex, sanitizePathToken(stem), req.VariantIndex, req.Format.Extension())
}

func writeFileAtomic(fullPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

func purgeDir(ctx context.Context, root string, cutoff time.Time) (int, error) {
	if strings.TrimSpace(root) == "" {
		return 0, errors.New("purge directory is required")
	}

	removed := 0
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("purge %s: %w", root, err)
	}

	// Deepest first; os.Remove refuses non-empty directories.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return removed, nil
}
