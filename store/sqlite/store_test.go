package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/store/sqlite"
	"github.com/deepnoodle-ai/stateflow/store/storetest"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "stateflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) stateflow.Store {
		return openStore(t)
	})
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stateflow.db")
	store, err := sqlite.Open(path)
	require.NoError(t, err)

	run := storetest.NewRun("b/clip.mp4")
	require.NoError(t, store.CreateRun(t.Context(), run))
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRunByKey(t.Context(), "b/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)

	var dup *stateflow.DuplicateRunError
	require.ErrorAs(t, reopened.CreateRun(t.Context(), storetest.NewRun("b/clip.mp4")), &dup)
}
