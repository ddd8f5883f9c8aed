package inode

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMintAssignsIncreasingIDsAfterRoot(t *testing.T) {
	c := NewCache(testLogger())
	c.Insert(fuseops.RootInodeID, "", KindDir, fuseops.InodeAttributes{})

	a := c.Mint("a", KindFile, fuseops.InodeAttributes{})
	b := c.Mint("b", KindFile, fuseops.InodeAttributes{})

	assert.Equal(t, fuseops.RootInodeID+1, a.ID())
	assert.Equal(t, fuseops.RootInodeID+2, b.ID())
	assert.NoError(t, c.CheckInvariants())
}

func TestGetReturnsNilForUnknownID(t *testing.T) {
	c := NewCache(testLogger())
	assert.Nil(t, c.Get(fuseops.InodeID(999)))
}

func TestLookupCountIncrementAndForgetEvicts(t *testing.T) {
	c := NewCache(testLogger())
	in := c.Mint("f", KindFile, fuseops.InodeAttributes{})

	in.Mu.Lock()
	in.IncrementLookupCount()
	in.IncrementLookupCount()
	in.Mu.Unlock()
	require.Equal(t, uint64(2), in.LookupCount())
	require.Equal(t, 1, c.Len())

	in.Mu.Lock()
	c.Forget(context.Background(), in, 1)
	require.Equal(t, 1, c.Len(), "should still be cached after a partial forget")

	in.Mu.Lock()
	c.Forget(context.Background(), in, 1)
	assert.Equal(t, 0, c.Len(), "should be evicted once lookup count hits zero")
}

func TestDecrementLookupCountPanicsOnOverflow(t *testing.T) {
	in := New(fuseops.RootInodeID, "", KindDir, fuseops.InodeAttributes{}, nil)
	in.IncrementLookupCount()
	assert.Panics(t, func() { in.DecrementLookupCount(5) })
}

func TestRefCountIsIndependentOfLookupCount(t *testing.T) {
	in := New(fuseops.InodeID(2), "f", KindFile, fuseops.InodeAttributes{}, nil)
	in.IncRef()
	in.IncRef()
	assert.Equal(t, int64(2), in.RefCount())

	destroyed := in.DecrementLookupCount(0)
	assert.False(t, destroyed)
	assert.Equal(t, int64(2), in.RefCount(), "refcount must not be touched by lookup-count bookkeeping")

	in.DecRef()
	assert.Equal(t, int64(1), in.RefCount())
}

func TestEnsureDirIndexIsIdempotent(t *testing.T) {
	in := New(fuseops.InodeID(2), "d", KindDir, fuseops.InodeAttributes{}, nil)
	idx1 := in.EnsureDirIndex()
	idx1["child"] = fuseops.InodeID(3)
	idx2 := in.EnsureDirIndex()
	assert.Equal(t, fuseops.InodeID(3), idx2["child"], "second call must return the same underlying map")
}
