package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/storage"
)

// NewStore opens a file-backed SQLite job store under t.TempDir
func NewStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	return OpenStore(t, filepath.Join(t.TempDir(), "jobs.db"))
}

// OpenStore opens a store at path, so several stores can share one database
// the way separate scheduler processes do
func OpenStore(t *testing.T, path string) *storage.SQLiteStore {
	t.Helper()

	store, err := storage.Open(path, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
