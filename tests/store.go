package testutil

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-sync/core/offline"
)

// TestStore runs the behaviour every offline.Store implementation must have.
// newStore must return an empty, unopened store.
func TestStore(t *testing.T, newStore func(t *testing.T) offline.Store) {
	ctx := context.Background()

	doc := func(key, status, body string) offline.Document {
		return offline.Document{Key: key, Indexes: map[string]string{offline.StatusIndex: status}, Body: []byte(body)}
	}

	t.Run("put & get", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		body, found, err := s.Get(ctx, offline.PendingCollection, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, body)

		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("a", "pending", `{"v":1}`)))
		body, found, err = s.Get(ctx, offline.PendingCollection, "a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, `{"v":1}`, string(body))

		// upsert
		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("a", "synced", `{"v":2}`)))
		body, _, _ = s.Get(ctx, offline.PendingCollection, "a")
		assert.Equal(t, `{"v":2}`, string(body))

		// collections are separate key spaces
		_, found, err = s.Get(ctx, offline.CacheCollection, "a")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("query by index", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("c", "pending", `"c"`)))
		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("a", "pending", `"a"`)))
		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("b", "failed", `"b"`)))
		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("d", "pending", `"d"`)))

		bodies, err := s.QueryByIndex(ctx, offline.PendingCollection, offline.StatusIndex, "pending")
		require.NoError(t, err)
		assert.Equal(t, []string{`"c"`, `"a"`, `"d"`}, toStrings(bodies))

		// re-indexing keeps the first insertion position
		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("c", "failed", `"c"`)))
		bodies, err = s.QueryByIndex(ctx, offline.PendingCollection, offline.StatusIndex, "failed")
		require.NoError(t, err)
		assert.Equal(t, []string{`"c"`, `"b"`}, toStrings(bodies))

		bodies, err = s.QueryByIndex(ctx, offline.PendingCollection, offline.StatusIndex, "synced")
		require.NoError(t, err)
		assert.Empty(t, bodies)
	})

	t.Run("delete & clear", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("a", "pending", `1`)))
		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("b", "pending", `2`)))
		require.NoError(t, s.Put(ctx, offline.MetadataCollection, offline.Document{Key: "lastSync", Body: []byte(`3`)}))

		require.NoError(t, s.Delete(ctx, offline.PendingCollection, "a"))
		require.NoError(t, s.Delete(ctx, offline.PendingCollection, "missing"))
		bodies, err := s.QueryByIndex(ctx, offline.PendingCollection, offline.StatusIndex, "pending")
		require.NoError(t, err)
		assert.Equal(t, []string{`2`}, toStrings(bodies))

		require.NoError(t, s.Clear(ctx, offline.PendingCollection))
		_, found, _ := s.Get(ctx, offline.PendingCollection, "b")
		assert.False(t, found)
		bodies, _ = s.QueryByIndex(ctx, offline.PendingCollection, offline.StatusIndex, "pending")
		assert.Empty(t, bodies)

		_, found, _ = s.Get(ctx, offline.MetadataCollection, "lastSync")
		assert.True(t, found)
	})

	t.Run("schema", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		err := s.Put(ctx, "students", doc("a", "pending", `1`))
		assert.True(t, errors.Is(err, offline.ErrUnknownCollection))
		_, err = s.QueryByIndex(ctx, offline.PendingCollection, "entity", "task")
		assert.True(t, errors.Is(err, offline.ErrUnknownIndex))
		_, err = s.QueryByIndex(ctx, offline.MetadataCollection, "status", "pending")
		assert.True(t, errors.Is(err, offline.ErrUnknownIndex))
	})

	t.Run("closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, offline.PendingCollection, doc("a", "pending", `1`)))
		require.NoError(t, s.Close())

		_, _, err := s.Get(ctx, offline.PendingCollection, "a")
		assert.True(t, errors.Is(err, offline.ErrStoreClosed))
		assert.NoError(t, s.Close())
	})
}

func toStrings(bodies [][]byte) []string {
	ss := make([]string, 0, len(bodies))
	for _, b := range bodies {
		ss = append(ss, string(b))
	}
	return ss
}
