// Package storagetest checks a ports.StateStorage implementation against the
// behaviour every backend shares.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

// Sample builds a small partially executed constellation.
func Sample(t *testing.T, name string) *constellation.Constellation {
	t.Helper()
	c := constellation.New(name)
	for _, id := range []string{"fetch", "parse", "report"} {
		require.NoError(t, c.AddTask(constellation.NewTask(id, id, "step "+id)))
	}
	require.NoError(t, c.AddDependency(constellation.NewDependency("d1", "fetch", "parse", constellation.DependencySuccessOnly)))
	require.NoError(t, c.AddDependency(constellation.NewDependency("d2", "parse", "report", constellation.DependencyCompletionOnly)))
	_, err := c.MarkTaskCompleted("fetch", true, map[string]any{"bytes": 512}, nil)
	require.NoError(t, err)
	return c
}

// Run exercises save, load, exists, list and delete.
func Run(t *testing.T, store ports.StateStorage) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		_, err := store.Load(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, ports.ErrNotFound), "got %v", err)

		ok, err := store.Exists(ctx, "does-not-exist")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("round trip", func(t *testing.T) {
		c := Sample(t, "round-trip")
		want, err := json.Marshal(c)
		require.NoError(t, err)

		require.NoError(t, store.Save(ctx, c.ToDocument()))
		ok, err := store.Exists(ctx, c.ID())
		require.NoError(t, err)
		assert.True(t, ok)

		doc, err := store.Load(ctx, c.ID())
		require.NoError(t, err)
		restored, err := constellation.FromDocument(doc)
		require.NoError(t, err)
		got, err := json.Marshal(restored)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(got))
	})

	t.Run("overwrite list delete", func(t *testing.T) {
		a := Sample(t, "a")
		b := Sample(t, "b")
		require.NoError(t, store.Save(ctx, a.ToDocument()))
		require.NoError(t, store.Save(ctx, b.ToDocument()))

		_, err := b.MarkTaskCompleted("parse", true, "ok", nil)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, b.ToDocument()))

		doc, err := store.Load(ctx, b.ID())
		require.NoError(t, err)
		assert.Equal(t, constellation.TaskStatusCompleted, doc.Tasks["parse"].Status)

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, a.ID())
		assert.Contains(t, ids, b.ID())

		require.NoError(t, store.Delete(ctx, a.ID()))
		ok, err := store.Exists(ctx, a.ID())
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err = store.List(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids, a.ID())
	})
}
