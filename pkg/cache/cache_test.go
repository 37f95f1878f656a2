package cache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// block is a fake cached value with a fixed footprint.
type block struct {
	name  string
	bytes int64
}

func (b *block) ByteSize() int64 { return b.bytes }

// other is a second value type used to provoke type mismatches.
type other struct{}

func (o *other) ByteSize() int64 { return 1 }

func loadBlock(bytes int64) func(string) (*block, error) {
	return func(key string) (*block, error) {
		return &block{name: key, bytes: bytes}, nil
	}
}

func TestGetCachesAndReturnsSameValue(t *testing.T) {
	c := New(0, 4)
	loads := 0
	load := func(key string) (*block, error) {
		loads++
		return &block{name: key, bytes: 8}, nil
	}

	a1, err := Get(c, "a", load)
	require.NoError(t, err)
	a2, err := Get(c, "a", load)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, loads, "second Get must be served from cache")
	assert.Equal(t, int64(8), c.UsedBytes())
}

func TestItemBudgetEviction(t *testing.T) {
	c := New(0, 3)
	for i := 0; i < 10; i++ {
		_, err := Get(c, fmt.Sprintf("k%02d", i), loadBlock(8))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, c.Len(), "never more than maxItems entries resident")
	assert.Equal(t, []string{"k07", "k08", "k09"}, c.Keys(),
		"eviction removes the oldest-inserted entries")
}

func TestHitDoesNotRefreshInsertionOrder(t *testing.T) {
	c := New(0, 2)
	_, err := Get(c, "a", loadBlock(8))
	require.NoError(t, err)
	_, err = Get(c, "b", loadBlock(8))
	require.NoError(t, err)

	// Touch "a"; under FIFO semantics this must not protect it.
	_, err = Get(c, "a", loadBlock(8))
	require.NoError(t, err)

	_, err = Get(c, "c", loadBlock(8))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, c.Keys(),
		"the oldest-inserted entry is evicted even if recently hit")
}

func TestByteBudgetEviction(t *testing.T) {
	c := New(24, 0)
	_, err := Get(c, "a", loadBlock(16))
	require.NoError(t, err)
	_, err = Get(c, "b", loadBlock(16))
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, c.Keys())
	assert.Equal(t, int64(16), c.UsedBytes())
}

func TestOversizedEntryStillAdmitted(t *testing.T) {
	// An entry larger than the whole budget evicts everything else but is
	// still inserted; the cache never refuses a load.
	c := New(16, 0)
	_, err := Get(c, "a", loadBlock(8))
	require.NoError(t, err)
	_, err = Get(c, "big", loadBlock(64))
	require.NoError(t, err)

	assert.Equal(t, []string{"big"}, c.Keys())
}

func TestTypeMismatch(t *testing.T) {
	c := New(0, 4)
	_, err := Get(c, "a", loadBlock(8))
	require.NoError(t, err)

	_, err = Get(c, "a", func(string) (*other, error) { return &other{}, nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestLoadErrorIsNotCached(t *testing.T) {
	c := New(0, 4)
	boom := errors.New("backing store unavailable")
	_, err := Get(c, "a", func(string) (*block, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestPurge(t *testing.T) {
	c := New(0, 4)
	_, err := Get(c, "a", loadBlock(8))
	require.NoError(t, err)
	_, err = Get(c, "b", loadBlock(8))
	require.NoError(t, err)

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.UsedBytes())
}
