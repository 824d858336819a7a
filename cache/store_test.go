package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetRoundTrip(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Set("k", map[string]string{"hello": "world"}, time.Minute))

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.JSONEq(t, `{"hello":"world"}`, string(v))
}

func TestStore_ExpiredGetRemovesEntry(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Set("k", 1, time.Millisecond))

	time.Sleep(5 * time.Millisecond)

	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Size())
}

func TestStore_PersistentNeverExpires(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.SetPersistent("k", 1))

	assert.Greater(t, s.TTL("k"), time.Hour*24*365)
	assert.True(t, s.Exists("k"))
}

func TestStore_KeysExcludesExpired(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Set("a:1", 1, time.Hour))
	require.NoError(t, s.Set("a:2", 1, time.Millisecond))
	require.NoError(t, s.Set("b:1", 1, time.Hour))

	time.Sleep(5 * time.Millisecond)

	keys := s.Keys("a:*")
	assert.Equal(t, []string{"a:1"}, keys)

	all := s.Keys("*")
	assert.ElementsMatch(t, []string{"a:1", "b:1"}, all)
}

func TestStore_RemoveAndClearNotifyEviction(t *testing.T) {
	s := New(DefaultConfig())
	var evicted []string
	s.AddEvictionCallback(func(key string, _ []byte) {
		evicted = append(evicted, key)
	})

	require.NoError(t, s.Set("a", 1, time.Hour))
	require.NoError(t, s.Set("b", 1, time.Hour))

	s.Remove("a")
	s.Clear()

	assert.ElementsMatch(t, []string{"a", "b"}, evicted)
	assert.Equal(t, 0, s.Size())
}

func TestStore_GetSetMultiple(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.SetMultiple(map[string]interface{}{
		"x": 1,
		"y": 2,
	}, time.Hour))

	got := s.GetMultiple([]string{"x", "y", "missing"})
	assert.Len(t, got, 2)

	s.RemoveMultiple([]string{"x", "y"})
	assert.Equal(t, 0, s.Size())
}

func TestStore_UpdateTTL(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Set("k", 1, time.Millisecond))
	s.UpdateTTL("k", time.Hour)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, s.Exists("k"))
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Set("a", map[string]int{"n": 1}, time.Hour))
	require.NoError(t, s.SetPersistent("b", "kept"))

	data, err := s.Export()
	require.NoError(t, err)

	dst := New(DefaultConfig())
	require.NoError(t, dst.Import(data, false))

	assert.True(t, dst.Exists("a"))
	assert.True(t, dst.Exists("b"))

	v, ok := dst.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(v))
}

func TestStore_ImportSkipsExistingWithoutOverwrite(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Set("a", "original", time.Hour))
	data, err := s.Export()
	require.NoError(t, err)

	// Mutate after export so we can tell whether import overwrote it.
	require.NoError(t, s.Set("a", "changed", time.Hour))

	require.NoError(t, s.Import(data, false))
	v, _ := s.Get("a")
	assert.JSONEq(t, `"changed"`, string(v))

	require.NoError(t, s.Import(data, true))
	v, _ = s.Get("a")
	assert.JSONEq(t, `"original"`, string(v))
}

func TestStore_EvictionWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	cfg.CleanupThreshold = 0.5
	s := New(cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Set(string(rune('a'+i)), i, time.Hour))
	}
	require.NoError(t, s.Set("d", 3, time.Hour))

	assert.LessOrEqual(t, s.Size(), cfg.MaxEntries)
}

func TestGlobToRegex(t *testing.T) {
	pc := newPatternCache()
	re := pc.compile("guild:*:member:?")
	assert.True(t, re.MatchString("guild:1:member:9"))
	assert.False(t, re.MatchString("guild:1:member:99"))
}
