package cache

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU[string, int](3, 0)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// "a" becomes most recently used, so "b" goes first
	c.Get("a")
	c.Put("d", 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_TTLExpiration(t *testing.T) {
	c := NewLRU[string, bool](10, 5*time.Minute)

	now := time.Now()
	c.nowFn = func() time.Time { return now }
	c.Put("a", true)

	_, ok := c.Get("a")
	assert.True(t, ok)

	c.nowFn = func() time.Time { return now.Add(6 * time.Minute) }
	_, ok = c.Get("a")
	assert.False(t, ok, "entry should have expired")
	assert.Equal(t, 0, c.Len())
}

func TestLRU_ZeroTTLNeverExpires(t *testing.T) {
	c := NewLRU[string, int](2, 0)

	now := time.Now()
	c.nowFn = func() time.Time { return now }
	c.Put("a", 1)

	c.nowFn = func() time.Time { return now.Add(24 * 365 * time.Hour) }
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestLRU_GetOrLoad(t *testing.T) {
	c := NewLRU[string, *regexp.Regexp](4, 0)

	calls := 0
	compile := func(p string) (*regexp.Regexp, error) {
		calls++
		return regexp.Compile("^(?:" + p + ")$")
	}

	re, err := c.GetOrLoad("send_.*", compile)
	require.NoError(t, err)
	assert.True(t, re.MatchString("send_one"))

	_, err = c.GetOrLoad("send_.*", compile)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = c.GetOrLoad("(", compile)
	require.Error(t, err)
	assert.Equal(t, 1, c.Len(), "failed loads are not cached")

	boom := errors.New("boom")
	_, err = c.GetOrLoad("x", func(string) (*regexp.Regexp, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestLRU_StatsAndPurge(t *testing.T) {
	c := NewLRU[string, bool](10, time.Minute)

	c.Put("a", true)
	c.Get("a")    // hit
	c.Get("a")    // hit
	c.Get("miss") // miss

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)

	c.Purge()
	assert.Equal(t, 0, c.Len())
	hits, misses = c.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
}

func TestLRU_MinimumCapacity(t *testing.T) {
	c := NewLRU[int, int](0, 0)
	c.Put(1, 1)
	c.Put(2, 2)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(2)
	assert.True(t, ok)
}
