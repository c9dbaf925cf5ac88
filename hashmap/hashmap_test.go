package hashmap

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func strHash(k string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(k); i++ {
		h ^= uint64(k[i])
		h *= 1099511628211
	}
	return h
}

func TestInsertSearchDelete(t *testing.T) {
	m := New[string, int](16, strHash)

	require.NoError(t, m.Insert("a", 1, nil))
	v, ok := m.Search("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = m.Delete("a", nil)
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = m.Search("a")
	require.False(t, ok)
}

func TestInsertDuplicateReturnsErrExists(t *testing.T) {
	m := New[string, int](16, strHash)
	require.NoError(t, m.Insert("a", 1, nil))

	var found int
	err := m.Insert("a", 2, func(existing int) { found = existing })
	require.ErrorIs(t, err, ErrExists)
	require.Equal(t, 1, found)

	v, _ := m.Search("a")
	require.Equal(t, 1, v, "original value must survive a rejected insert")
}

func TestReplace(t *testing.T) {
	m := New[string, int](16, strHash)
	require.NoError(t, m.Insert("a", 1, nil))

	err := m.Replace("a", 2, nil)
	require.NoError(t, err)
	v, ok := m.Search("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, int64(1), m.total.Load())
}

func TestReplaceVeto(t *testing.T) {
	m := New[string, int](16, strHash)
	require.NoError(t, m.Insert("a", 1, nil))

	sentinel := errors.New("veto")
	err := m.Replace("a", 2, func(existing int) error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	v, _ := m.Search("a")
	require.Equal(t, 1, v, "veto must leave the old entry in place")
}

func TestDeleteVeto(t *testing.T) {
	m := New[string, int](16, strHash)
	require.NoError(t, m.Insert("a", 1, nil))

	_, ok := m.Delete("a", func(int) bool { return false })
	require.False(t, ok)

	v, ok := m.Search("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestProtectMutatesInPlace(t *testing.T) {
	m := New[string, int](16, strHash)
	require.NoError(t, m.Insert("a", 1, nil))

	err := m.Protect("a", func(v *int) error {
		*v += 41
		return nil
	})
	require.NoError(t, err)

	v, _ := m.Search("a")
	require.Equal(t, 42, v)
}

func TestProtectNotFound(t *testing.T) {
	m := New[string, int](16, strHash)
	err := m.Protect("missing", func(*int) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestForeachStopOnFalse(t *testing.T) {
	m := New[string, int](16, strHash)
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Insert(strconv.Itoa(i), i, nil))
	}

	seen := 0
	m.Foreach(func(string, int) bool {
		seen++
		return seen < 5
	}, true)
	require.Equal(t, 5, seen)
}

func TestForeachVisitsAllWithoutStop(t *testing.T) {
	m := New[string, int](16, strHash)
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Insert(strconv.Itoa(i), i, nil))
	}

	seen := 0
	m.Foreach(func(string, int) bool {
		seen++
		return false
	}, false)
	require.Equal(t, 20, seen)
}

func TestEvictionKeepsNewest(t *testing.T) {
	// scale 8 -> 2 buckets; every key hashes to bucket 0, so the live
	// average is 4/2 = 2 and bucket 0 holds "3","2","1","0" newest first.
	m := New[string, int](8, func(string) uint64 { return 0 })

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Insert(strconv.Itoa(i), i, nil))
	}

	// keep = min(depth 1, live average 2) = 1: only the newest key stays.
	evicted := m.Eviction(1, func(string, int) bool { return true })
	require.Equal(t, 3, evicted)
	require.Equal(t, uint64(1), m.Info().TotalKeys)
	_, ok := m.Search("3")
	require.True(t, ok)
}

func TestEvictionRequeuesDeclined(t *testing.T) {
	m := New[string, int](8, strHash)
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Insert(strconv.Itoa(i), i, nil))
	}
	before := m.Info().TotalKeys

	evicted := m.Eviction(0, func(string, int) bool { return false })
	require.Equal(t, 0, evicted)
	require.Equal(t, before, m.Info().TotalKeys)
}

func TestInfoReflectsBucketDepths(t *testing.T) {
	m := New[string, int](4, strHash)
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Insert(strconv.Itoa(i), i, nil))
	}
	info := m.Info()
	require.Equal(t, uint64(4), info.TotalKeys)
	require.Greater(t, info.Buckets, uint64(0))
}
