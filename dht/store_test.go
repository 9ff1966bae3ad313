package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildTestItem(t *testing.T, name string, ts time.Time) *Item {
	priv, _ := genKeyPair(t)
	it, err := BuildItem(priv, []byte("value-"+name), name, 0, nil, 1, ts)
	require.NoError(t, err)
	return it
}

func TestStorePutInsertsNewItem(t *testing.T) {
	s, err := NewStore(16)
	require.NoError(t, err)

	it := buildTestItem(t, "a", time.Unix(1000, 0))
	require.True(t, s.Put(it, time.Unix(1000, 0), false))

	got, ok := s.Get(it.Key, time.Unix(1001, 0))
	require.True(t, ok)
	require.Equal(t, it.Value, got.Value)
}

func TestStorePutRejectsOlderItem(t *testing.T) {
	s, err := NewStore(16)
	require.NoError(t, err)

	priv, _ := genKeyPair(t)
	older, err := BuildItem(priv, []byte("v1"), "n", 0, nil, 1, time.Unix(1000, 0))
	require.NoError(t, err)
	newer, err := BuildItem(priv, []byte("v2"), "n", 0, nil, 1, time.Unix(2000, 0))
	require.NoError(t, err)

	require.True(t, s.Put(newer, time.Unix(2000, 0), false))
	require.False(t, s.Put(older, time.Unix(2001, 0), false))

	got, ok := s.Get(newer.Key, time.Unix(2002, 0))
	require.True(t, ok)
	require.Equal(t, newer.Value, got.Value)
}

func TestStorePutIdempotentForIdenticalItem(t *testing.T) {
	s, err := NewStore(16)
	require.NoError(t, err)

	it := buildTestItem(t, "a", time.Unix(1000, 0))
	require.True(t, s.Put(it, time.Unix(1000, 0), false))
	require.False(t, s.Put(it, time.Unix(1001, 0), false))
}

func TestStoreExpireScanDeletesExpiredItems(t *testing.T) {
	s, err := NewStore(16)
	require.NoError(t, err)

	priv, _ := genKeyPair(t)
	now := time.Unix(1000, 0)
	expires := now.Add(time.Minute).UnixNano()
	it, err := BuildItem(priv, []byte("v"), "n", expires, nil, 1, now)
	require.NoError(t, err)
	require.True(t, s.Put(it, now, false))

	later := now.Add(time.Hour)
	expired := s.ExpireScan(later)
	require.Equal(t, []ID{it.Key}, expired)
	require.Equal(t, 0, s.Len())
}

func TestStoreCacheCopyEvictedByLRUCapacity(t *testing.T) {
	s, err := NewStore(1)
	require.NoError(t, err)

	first := buildTestItem(t, "first", time.Unix(1000, 0))
	second := buildTestItem(t, "second", time.Unix(1000, 0))

	require.True(t, s.Put(first, time.Unix(1000, 0), true))
	require.True(t, s.Put(second, time.Unix(1000, 0), true))

	_, ok := s.Get(first.Key, time.Unix(1001, 0))
	require.False(t, ok, "first cache copy should have been evicted once capacity exceeded")

	_, ok = s.Get(second.Key, time.Unix(1001, 0))
	require.True(t, ok)
}

func TestStoreRepublishMarksDueItems(t *testing.T) {
	s, err := NewStore(16)
	require.NoError(t, err)

	it := buildTestItem(t, "a", time.Unix(1000, 0))
	require.True(t, s.Put(it, time.Unix(1000, 0), false))

	later := time.Unix(1000, 0).Add(2 * time.Hour)
	cands := s.Republish(later, time.Hour, ZeroID, 0)
	require.Len(t, cands, 1)
	require.True(t, cands[0].ShouldStore)
}

func TestStoreRepublishMarksDistantCacheCopyForEviction(t *testing.T) {
	s, err := NewStore(16)
	require.NoError(t, err)

	it := buildTestItem(t, "a", time.Unix(1000, 0))
	require.True(t, s.Put(it, time.Unix(1000, 0), true))

	later := time.Unix(1000, 0).Add(2 * time.Hour)
	cands := s.Republish(later, time.Hour, ZeroID, IDBits)
	require.Len(t, cands, 1)
	require.True(t, cands[0].ShouldEvict)
}

func TestStoreMarkCacheCopyOnExistingItem(t *testing.T) {
	s, err := NewStore(1)
	require.NoError(t, err)

	it := buildTestItem(t, "a", time.Unix(1000, 0))
	require.True(t, s.Put(it, time.Unix(1000, 0), false))
	s.MarkCacheCopy(it.Key)

	other := buildTestItem(t, "b", time.Unix(1000, 0))
	require.True(t, s.Put(other, time.Unix(1000, 0), true))

	_, ok := s.Get(it.Key, time.Unix(1001, 0))
	require.False(t, ok)
}
