package asyncreq

import (
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/inode"
)

func newTestInode(id fuseops.InodeID) *inode.Inode {
	return inode.New(id, "x", inode.KindFile, fuseops.InodeAttributes{}, nil)
}

func TestNewIncrementsRefcountOfEveryNonNilInode(t *testing.T) {
	child := newTestInode(2)
	parent := newTestInode(fuseops.RootInodeID)

	req := New(KindMkDir, child, parent, nil)
	defer req.Release()

	assert.EqualValues(t, 1, child.RefCount())
	assert.EqualValues(t, 1, parent.RefCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	child := newTestInode(2)
	req := New(KindStat, child, nil, nil)

	req.Release()
	assert.EqualValues(t, 0, child.RefCount())
	assert.True(t, req.Done())

	assert.NotPanics(t, func() { req.Release() }, "a second Release must be a no-op, not a double-decrement")
	assert.EqualValues(t, 0, child.RefCount())
}

func TestNewTracksThreeDistinctInodesForRename(t *testing.T) {
	src := newTestInode(2)
	oldParent := newTestInode(fuseops.RootInodeID)
	newParent := newTestInode(3)

	req := New(KindRename, src, oldParent, newParent)
	assert.EqualValues(t, 1, src.RefCount())
	assert.EqualValues(t, 1, oldParent.RefCount())
	assert.EqualValues(t, 1, newParent.RefCount())

	req.Release()
	assert.EqualValues(t, 0, src.RefCount())
	assert.EqualValues(t, 0, oldParent.RefCount())
	assert.EqualValues(t, 0, newParent.RefCount())
}

func TestKindStringCoversAllConstants(t *testing.T) {
	kinds := []Kind{
		KindStat, KindGetAttr, KindOpen, KindCreateAndOpen, KindRelease,
		KindNotifyWrite, KindRead, KindWrite, KindMkDir, KindRmDir, KindFsync,
		KindUnlink, KindRename, KindHardlink, KindSymlink, KindReadlink,
	}
	for _, k := range kinds {
		assert.NotEqual(t, "unknown", k.String())
	}
}
