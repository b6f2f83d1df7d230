package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type testDoc struct {
	ID    string `bson:"id"`
	Name  string `bson:"name"`
	Count int    `bson:"count"`
	Owner string `bson:"owner"`
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	var out testDoc
	err := store.Get(context.Background(), "things/a", &out)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_SetOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "things/a", testDoc{ID: "a", Name: "first", Count: 1, Owner: "x"}))
	require.NoError(t, store.Set(ctx, "things/a", bson.M{"id": "a", "name": "second"}))

	var out testDoc
	require.NoError(t, store.Get(ctx, "things/a", &out))
	assert.Equal(t, "second", out.Name)
	assert.Equal(t, 0, out.Count)
	assert.Equal(t, "", out.Owner)
}

func TestMemoryStore_MergeIsShallow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "things/a", testDoc{ID: "a", Name: "first", Count: 1, Owner: "x"}))
	require.NoError(t, store.Merge(ctx, "things/a", bson.M{"count": 7, "owner": nil}))

	var out testDoc
	require.NoError(t, store.Get(ctx, "things/a", &out))
	assert.Equal(t, "first", out.Name)
	assert.Equal(t, 7, out.Count)
	assert.Equal(t, "", out.Owner)
}

func TestMemoryStore_MergeCreatesRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Merge(ctx, "things/b", bson.M{"name": "new"}))
	var out testDoc
	require.NoError(t, store.Get(ctx, "things/b", &out))
	assert.Equal(t, "new", out.Name)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := testDoc{ID: "a", Name: "first"}
	require.NoError(t, store.Set(ctx, "things/a", doc))
	doc.Name = "mutated"

	var out testDoc
	require.NoError(t, store.Get(ctx, "things/a", &out))
	assert.Equal(t, "first", out.Name)
}

func TestMemoryStore_InvalidPaths(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, p := range []string{"", "/things", "things/", "things//a", "things/a.b", "$things"} {
		err := store.Set(ctx, p, bson.M{"x": 1})
		assert.True(t, errors.Is(err, ErrInvalidPath), "path %q", p)
	}
	assert.Error(t, store.Merge(ctx, "things/a", bson.M{"a.b": 1}))
}

func TestMemoryStore_SubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "things/a", testDoc{ID: "a"}))

	var snaps []Snapshot
	sub, err := store.Subscribe(ctx, "things", func(s Snapshot) { snaps = append(snaps, s) })
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, snaps, 1)
	assert.Equal(t, []string{"a"}, snaps[0].IDs())

	require.NoError(t, store.Set(ctx, "things/b", testDoc{ID: "b"}))
	require.NoError(t, store.Merge(ctx, "things/a", bson.M{"count": 2}))
	// Grandchildren and siblings are outside the subscription.
	require.NoError(t, store.Set(ctx, "things/a/notes", bson.M{"x": 1}))
	require.NoError(t, store.Set(ctx, "others/z", bson.M{"x": 1}))

	require.Len(t, snaps, 3)
	docs, err := DecodeAll[testDoc](snaps[2])
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, 2, docs[0].Count)
	assert.Equal(t, "b", docs[1].ID)
}

func TestMemoryStore_SubscribeToRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var snaps []Snapshot
	sub, err := store.Subscribe(ctx, "things/a", func(s Snapshot) { snaps = append(snaps, s) })
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Exists())
	var out testDoc
	assert.True(t, errors.Is(snaps[0].Decode(&out), ErrNotFound))

	require.NoError(t, store.Set(ctx, "things/a", testDoc{ID: "a", Name: "x"}))
	require.Len(t, snaps, 2)
	require.NoError(t, snaps[1].Decode(&out))
	assert.Equal(t, "x", out.Name)
}

func TestMemoryStore_CloseStopsDeliveryAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	calls := 0
	sub, err := store.Subscribe(ctx, "things", func(Snapshot) { calls++ })
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	require.NoError(t, store.Set(ctx, "things/a", testDoc{ID: "a"}))
	assert.Equal(t, 1, calls)
}

func TestMemoryStore_CallbackMayWriteAndClose(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var sub *Subscription
	seen := 0
	sub, err := store.Subscribe(ctx, "things", func(s Snapshot) {
		seen++
		if len(s.Children) == 1 {
			require.NoError(t, store.Set(ctx, "things/echo", testDoc{ID: "echo"}))
			sub.Close()
		}
	})
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "things/a", testDoc{ID: "a"}))
	var out testDoc
	require.NoError(t, store.Get(ctx, "things/echo", &out))
	// The nested write is delivered before the callback closes its handle.
	assert.Equal(t, 3, seen)
}

func TestWatch_LatestValueWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ch, sub, err := Watch(ctx, store, "things")
	require.NoError(t, err)
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Merge(ctx, "things/a", bson.M{"count": i}))
	}

	snap := <-ch
	docs, err := DecodeAll[testDoc](snap)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 5, docs[0].Count)

	select {
	case <-ch:
		t.Fatal("stale snapshot left in channel")
	default:
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "vehicles/v1", Join("vehicles", "v1"))
	assert.Equal(t, "vehicles", Parent("vehicles/v1"))
	assert.Equal(t, "", Parent("vehicles"))
	assert.Equal(t, "v1", Base("vehicles/v1"))
	assert.Equal(t, "vehicles", Base("vehicles"))
}
