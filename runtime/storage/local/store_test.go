package local_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/storage"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/storage/local"
)

func newStore(t *testing.T) (*local.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.NewStore(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return store, dir
}

func TestNewStoreRequiresBaseDir(t *testing.T) {
	_, err := local.NewStore(local.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base directory is required")
}

func TestStageWritesContentAtomically(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()

	upload, err := store.Stage(ctx, "scan.umdf", strings.NewReader("container-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "scan.umdf", upload.Name)
	assert.Equal(t, int64(len("container-bytes")), upload.Size)
	assert.True(t, strings.HasPrefix(upload.Path, dir))

	data, err := os.ReadFile(upload.Path)
	require.NoError(t, err)
	assert.Equal(t, "container-bytes", string(data))

	// The sidecar carries the original name.
	_, err = os.Stat(upload.Path + ".meta")
	assert.NoError(t, err)

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".upload-"), "temp file left behind: %s", entry.Name())
	}
}

func TestStageKeepsRepeatUploadsApart(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	first, err := store.Stage(ctx, "scan.umdf", strings.NewReader("one"))
	require.NoError(t, err)
	second, err := store.Stage(ctx, "scan.umdf", strings.NewReader("two"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)

	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestStageSanitizesFilename(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()

	upload, err := store.Stage(ctx, "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(upload.Path, dir))
	assert.Equal(t, "passwd.umdf", upload.Name)

	upload, err = store.Stage(ctx, "study:2024?.umdf", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "study_2024_.umdf", upload.Name)
}

func TestStageRequiresFilename(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Stage(context.Background(), "", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filename is required")
}

func TestListReturnsStagedUploadsNewestFirst(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()

	older, err := store.Stage(ctx, "a.umdf", strings.NewReader("a"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	newer, err := store.Stage(ctx, "b.umdf", strings.NewReader("b"))
	require.NoError(t, err)

	// Foreign files in the staging directory are not uploads.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	uploads, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	assert.Equal(t, newer.Path, uploads[0].Path)
	assert.Equal(t, older.Path, uploads[1].Path)
}

func TestRemove(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	upload, err := store.Stage(ctx, "scan.umdf", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, upload.Path))
	_, err = os.Stat(upload.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(upload.Path + ".meta")
	assert.True(t, os.IsNotExist(err))

	// Removing an already-removed upload is fine.
	assert.NoError(t, store.Remove(ctx, upload.Path))
}

func TestRemoveRejectsPathsOutsideBaseDir(t *testing.T) {
	store, _ := newStore(t)

	err := store.Remove(context.Background(), "/etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside base directory")
}

func TestSweepRemovesStaleUploads(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	stale, err := store.Stage(ctx, "old.umdf", strings.NewReader("x"))
	require.NoError(t, err)
	fresh, err := store.Stage(ctx, "new.umdf", strings.NewReader("y"))
	require.NoError(t, err)

	// Backdate the stale upload through its sidecar.
	backdated := *stale
	backdated.StoredAt = time.Now().Add(-48 * time.Hour).UTC()
	data, err := json.Marshal(backdated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stale.Path+".meta", data, 0o600))

	removed, err := store.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.Path)
	assert.NoError(t, err)
}

var _ storage.Service = (*local.Store)(nil)
