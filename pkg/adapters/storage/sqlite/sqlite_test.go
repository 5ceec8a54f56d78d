package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/constellation/pkg/adapters/storage/storagetest"
	"github.com/aescanero/constellation/pkg/constellation"
)

func newTestStore(t *testing.T) *StateStorage {
	t.Helper()
	store, err := NewStateStorage(filepath.Join(t.TempDir(), "constellations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStateStorage(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestStateStorage_ListByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := storagetest.Sample(t, "running")
	running.SetState(constellation.StateExecuting)
	done := storagetest.Sample(t, "done")
	done.SetState(constellation.StateCompleted)
	require.NoError(t, store.Save(ctx, running.ToDocument()))
	require.NoError(t, store.Save(ctx, done.ToDocument()))

	ids, err := store.ListByState(ctx, constellation.StateExecuting)
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID()}, ids)
}

func TestStateStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()
	c := storagetest.Sample(t, "durable")

	store, err := NewStateStorage(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, c.ToDocument()))
	require.NoError(t, store.Close())

	store, err = NewStateStorage(path)
	require.NoError(t, err)
	defer store.Close()
	doc, err := store.Load(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, "durable", doc.Name)
}
