// Package staging holds uploads on disk for the duration of one batch.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/id"
)

type Area struct {
	dir string
}

func NewArea(dir string) *Area {
	return &Area{dir: dir}
}

func (a *Area) Dir() string {
	return a.dir
}

// Init creates the staging directory and any extra directories the process
// needs. It is idempotent.
func Init(dirs ...string) error {
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Stage copies r into a uniquely named file and returns an ImageInput whose
// release deletes that file. A partially written file is removed on error.
func (a *Area) Stage(originalName string, r io.Reader) (domain.ImageInput, error) {
	path := filepath.Join(a.dir, StagedName(originalName))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return domain.ImageInput{}, fmt.Errorf("create staged file: %w", err)
	}

	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return domain.ImageInput{}, fmt.Errorf("stage %s: %w", originalName, err)
	}

	return domain.ImageInput{
		Name:   originalName,
		Size:   size,
		Source: stagedFile{path: path},
	}, nil
}

// Purge removes staged files older than olderThan. Staged files normally live
// only for one request; anything older was left behind by a crash.
func (a *Area) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove staged file %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// StagedName is a millisecond timestamp, a random token and the sanitized
// base name of the upload.
func StagedName(originalName string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, `\`, "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + id.Short() + "_" + sanitize(base)
}

func sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

type stagedFile struct {
	path string
}

func (s stagedFile) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}

func (s stagedFile) Release() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	return nil
}

// Borrowed wraps a file the caller owns; releasing it leaves the file alone.
func Borrowed(path string) (domain.ImageInput, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.ImageInput{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return domain.ImageInput{}, fmt.Errorf("%s is a directory", path)
	}
	return domain.ImageInput{
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Source: borrowedFile{path: path},
	}, nil
}

type borrowedFile struct {
	path string
}

func (b borrowedFile) Open() (io.ReadCloser, error) {
	return os.Open(b.path)
}

func (borrowedFile) Release() error { return nil }
