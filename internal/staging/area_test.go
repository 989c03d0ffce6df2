package staging

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()
	dirs := []string{filepath.Join(root, "uploads"), filepath.Join(root, "compressed"), ""}

	require.NoError(t, Init(dirs...))
	require.NoError(t, Init(dirs...))

	for _, d := range dirs[:2] {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestStageAndRelease(t *testing.T) {
	area := NewArea(t.TempDir())

	in, err := area.Stage("photo.png", strings.NewReader("pixels"))
	require.NoError(t, err)
	assert.Equal(t, "photo.png", in.Name)
	assert.Equal(t, int64(6), in.Size)

	rc, err := in.Source.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "pixels", string(data))

	require.NoError(t, in.Source.Release())
	entries, err := os.ReadDir(area.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, in.Source.Release(), "release twice is harmless")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStageRemovesPartialFileOnError(t *testing.T) {
	area := NewArea(t.TempDir())

	_, err := area.Stage("photo.png", failingReader{})
	require.Error(t, err)

	entries, err := os.ReadDir(area.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStagedNamesAreUniqueAndSafe(t *testing.T) {
	a := StagedName("../../etc/passwd")
	b := StagedName("../../etc/passwd")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, "_passwd"))
	assert.NotContains(t, a, "/")

	assert.True(t, strings.HasSuffix(StagedName(`C:\Users\me\my photo.jpg`), "_my_photo.jpg"))
}

func TestPurgeRemovesOnlyStaleFiles(t *testing.T) {
	area := NewArea(t.TempDir())

	stale, err := area.Stage("old.png", strings.NewReader("x"))
	require.NoError(t, err)
	fresh, err := area.Stage("new.png", strings.NewReader("y"))
	require.NoError(t, err)

	stalePath := stale.Source.(stagedFile).path
	past := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, past, past))

	removed, err := area.Purge(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.Source.(stagedFile).path)
	assert.NoError(t, err)
}

func TestBorrowedNeverDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))

	in, err := Borrowed(path)
	require.NoError(t, err)
	assert.Equal(t, "keep.jpg", in.Name)
	assert.Equal(t, int64(4), in.Size)

	require.NoError(t, in.Source.Release())
	_, err = os.Stat(path)
	assert.NoError(t, err)

	_, err = Borrowed(filepath.Dir(path))
	assert.Error(t, err)
}
