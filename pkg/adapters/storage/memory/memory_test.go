package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/constellation/pkg/adapters/storage/storagetest"
	"github.com/aescanero/constellation/pkg/constellation"
)

func TestStateStorage(t *testing.T) {
	storagetest.Run(t, NewStateStorage())
}

func TestStateStorage_IsolatesCallers(t *testing.T) {
	store := NewStateStorage()
	ctx := context.Background()
	doc := storagetest.Sample(t, "isolated").ToDocument()
	require.NoError(t, store.Save(ctx, doc))

	doc.Tasks["report"].Name = "changed after save"
	loaded, err := store.Load(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "report", loaded.Tasks["report"].Name)

	loaded.State = constellation.StateFailed
	again, err := store.Load(ctx, doc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, constellation.StateFailed, again.State)
}
