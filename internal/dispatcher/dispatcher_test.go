package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/backend"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/eventloop"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/inode"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/localfile"
)

// testFixture wires a Dispatcher against a Fake Backend, a temp-dir-backed
// localfile.Opener and a real event loop running on a background goroutine,
// the way an integration test of fs/fs.go would assemble a fileSystem
// against a fake bucket.
type testFixture struct {
	d      *Dispatcher
	fake   *backend.Fake
	cache  *inode.Cache
	loop   *eventloop.Loop
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	cache := inode.NewCache(slog.Default())
	root := cache.Insert(fuseops.RootInodeID, "", inode.KindDir, fuseops.InodeAttributes{Mode: 0040755})
	root.Mu.Lock()
	root.IncrementLookupCount()
	root.Mu.Unlock()

	fake := backend.NewFake()
	loop := eventloop.New(4)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	opener := &localfile.Opener{Dir: t.TempDir(), NotifyWriteThrottle: 0}

	cfg := Config{
		Uid: 1000, Gid: 1000,
		FileMode: 0644, DirMode: 0755,
		ShutdownDrainTimeout: 5 * time.Second,
	}
	d := New(cfg, cache, fake, loop, &timeutil.SimulatedClock{}, opener)

	t.Cleanup(cancel)

	return &testFixture{d: d, fake: fake, cache: cache, loop: loop, cancel: cancel}
}

func TestLookUpInodeColdThenCachedHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.fake.MkDir(ctx, fuseops.RootInodeID, "dir1", 0755)
	require.NoError(t, err)

	var op1 fuseops.LookUpInodeOp
	op1.Parent = fuseops.RootInodeID
	op1.Name = "dir1"
	require.NoError(t, f.d.LookUpInode(ctx, &op1))
	require.NotZero(t, op1.Entry.Child)
	require.Equal(t, uint64(1), op1.Entry.Attributes.Nlink)

	firstChild := op1.Entry.Child
	require.Equal(t, 2, f.cache.Len()) // root + dir1

	// A second lookup resolves to the SAME cached inode, not a freshly
	// minted one, since resolveChild keys off the Backend's own Stat.Ino.
	var op2 fuseops.LookUpInodeOp
	op2.Parent = fuseops.RootInodeID
	op2.Name = "dir1"
	require.NoError(t, f.d.LookUpInode(ctx, &op2))
	require.Equal(t, firstChild, op2.Entry.Child)
	require.Equal(t, 2, f.cache.Len())
}

func TestLookUpInodeMissingChildReturnsNoEnt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var op fuseops.LookUpInodeOp
	op.Parent = fuseops.RootInodeID
	op.Name = "nope"
	err := f.d.LookUpInode(ctx, &op)
	require.Error(t, err)
}

func TestCreateFileThenWriteThenReleaseMarksDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "foo.txt"
	require.NoError(t, f.d.CreateFile(ctx, &create))
	require.NotZero(t, create.Handle)

	var write fuseops.WriteFileOp
	write.Inode = create.Entry.Child
	write.Handle = create.Handle
	write.Data = []byte("hello")
	write.Offset = 0
	require.NoError(t, f.d.WriteFile(ctx, &write))

	fh := f.d.lookupFileHandle(create.Handle)
	require.NotNil(t, fh)
	require.True(t, fh.Dirty())

	var release fuseops.ReleaseFileHandleOp
	release.Handle = create.Handle
	require.NoError(t, f.d.ReleaseFileHandle(ctx, &release))

	require.Nil(t, f.d.lookupFileHandle(create.Handle))
}

func TestMkDirPreconditionFailureMapsToEExist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var op1 fuseops.MkDirOp
	op1.Parent = fuseops.RootInodeID
	op1.Name = "dup"
	require.NoError(t, f.d.MkDir(ctx, &op1))

	var op2 fuseops.MkDirOp
	op2.Parent = fuseops.RootInodeID
	op2.Name = "dup"
	err := f.d.MkDir(ctx, &op2)
	require.Error(t, err)
	require.Equal(t, "file exists", err.Error())
}

func TestReadFileResumesWithBytesWritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "bar.txt"
	require.NoError(t, f.d.CreateFile(ctx, &create))

	var write fuseops.WriteFileOp
	write.Inode = create.Entry.Child
	write.Handle = create.Handle
	write.Data = []byte("round trip")
	require.NoError(t, f.d.WriteFile(ctx, &write))

	dst := make([]byte, len("round trip"))
	var read fuseops.ReadFileOp
	read.Inode = create.Entry.Child
	read.Handle = create.Handle
	read.Dst = dst
	read.Offset = 0
	require.NoError(t, f.d.ReadFile(ctx, &read))
	require.Equal(t, len("round trip"), read.BytesRead)
	require.Equal(t, "round trip", string(dst[:read.BytesRead]))
}

func TestReadFileResumesAcrossPartialAioCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "big.bin"
	require.NoError(t, f.d.CreateFile(ctx, &create))

	fh := f.d.lookupFileHandle(create.Handle)
	require.NotNil(t, fh)

	// Three successive Attempts of 1000, 7000 and 192 bytes must concatenate
	// into a single 8192-byte ReadFile call, never surfacing the individual
	// short reads to the kernel bridge.
	chunks := []int{1000, 7000, 192}
	var calls int
	fh.SetPreadForTest(func(buf []byte, off int64) (int, error) {
		n := chunks[calls]
		for i := 0; i < n; i++ {
			buf[i] = byte(calls + 1)
		}
		calls++
		return n, nil
	})

	dst := make([]byte, 8192)
	var read fuseops.ReadFileOp
	read.Inode = create.Entry.Child
	read.Handle = create.Handle
	read.Dst = dst
	read.Offset = 0
	require.NoError(t, f.d.ReadFile(ctx, &read))

	require.Equal(t, 3, calls)
	require.Equal(t, 8192, read.BytesRead)
	for i := 0; i < 1000; i++ {
		require.Equal(t, byte(1), dst[i])
	}
	for i := 1000; i < 8000; i++ {
		require.Equal(t, byte(2), dst[i])
	}
	for i := 8000; i < 8192; i++ {
		require.Equal(t, byte(3), dst[i])
	}
}

func TestReadFileStopsAtEOFWithoutFillingBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "short.bin"
	require.NoError(t, f.d.CreateFile(ctx, &create))

	fh := f.d.lookupFileHandle(create.Handle)
	require.NotNil(t, fh)

	var calls int
	fh.SetPreadForTest(func(buf []byte, off int64) (int, error) {
		calls++
		if calls == 1 {
			return 10, nil
		}
		return 0, nil // EOF
	})

	dst := make([]byte, 100)
	var read fuseops.ReadFileOp
	read.Inode = create.Entry.Child
	read.Handle = create.Handle
	read.Dst = dst
	require.NoError(t, f.d.ReadFile(ctx, &read))

	require.Equal(t, 2, calls)
	require.Equal(t, 10, read.BytesRead)
}

func TestWriteFileResumesAcrossPartialAioCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "write.bin"
	require.NoError(t, f.d.CreateFile(ctx, &create))

	fh := f.d.lookupFileHandle(create.Handle)
	require.NotNil(t, fh)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}

	var written []byte
	chunks := []int{2000, 3000}
	var calls int
	fh.SetPwriteForTest(func(buf []byte, off int64) (int, error) {
		n := chunks[calls]
		if n > len(buf) {
			n = len(buf)
		}
		written = append(written, buf[:n]...)
		calls++
		return n, nil
	})

	var write fuseops.WriteFileOp
	write.Inode = create.Entry.Child
	write.Handle = create.Handle
	write.Data = data
	write.Offset = 0
	require.NoError(t, f.d.WriteFile(ctx, &write))

	require.Equal(t, 2, calls)
	require.Equal(t, data, written)
	require.True(t, fh.Dirty())
}

func TestRenameReplacesExistingTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var createA fuseops.CreateFileOp
	createA.Parent = fuseops.RootInodeID
	createA.Name = "a.txt"
	require.NoError(t, f.d.CreateFile(ctx, &createA))

	var createB fuseops.CreateFileOp
	createB.Parent = fuseops.RootInodeID
	createB.Name = "b.txt"
	require.NoError(t, f.d.CreateFile(ctx, &createB))

	// Cache b.txt's inode by looking it up again, as a real kernel would
	// before issuing the rename, so the Dispatcher has something cached to
	// reconcile deleted.nlink against.
	var lookupB fuseops.LookUpInodeOp
	lookupB.Parent = fuseops.RootInodeID
	lookupB.Name = "b.txt"
	require.NoError(t, f.d.LookUpInode(ctx, &lookupB))

	bIn := f.cache.Get(lookupB.Entry.Child)
	require.NotNil(t, bIn)
	preRootMtime := f.cache.Get(fuseops.RootInodeID).Attributes().Mtime
	aIn := f.cache.Get(createA.Entry.Child)
	preACtime := aIn.Attributes().Ctime

	var op fuseops.RenameOp
	op.OldParent = fuseops.RootInodeID
	op.OldName = "a.txt"
	op.NewParent = fuseops.RootInodeID
	op.NewName = "b.txt"
	require.NoError(t, f.d.Rename(ctx, &op))

	_, err := f.fake.LookupChild(ctx, fuseops.RootInodeID, "a.txt")
	require.Error(t, err)
	_, err = f.fake.LookupChild(ctx, fuseops.RootInodeID, "b.txt")
	require.NoError(t, err)

	require.False(t, aIn.Attributes().Ctime.Before(preACtime))
	require.False(t, f.cache.Get(fuseops.RootInodeID).Attributes().Mtime.Before(preRootMtime))
	require.Zero(t, bIn.Attributes().Nlink)
}

func TestReadSymlinkRejectsNonSymlinkInode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "notalink"
	require.NoError(t, f.d.CreateFile(ctx, &create))

	var op fuseops.ReadSymlinkOp
	op.Inode = create.Entry.Child
	err := f.d.ReadSymlink(ctx, &op)
	require.Error(t, err)
}

func TestCreateLinkReusesTargetInodeAndBumpsNlink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "orig.txt"
	require.NoError(t, f.d.CreateFile(ctx, &create))
	require.EqualValues(t, 1, create.Entry.Attributes.Nlink)

	var link fuseops.CreateLinkOp
	link.Parent = fuseops.RootInodeID
	link.Name = "alias.txt"
	link.Target = create.Entry.Child
	require.NoError(t, f.d.CreateLink(ctx, &link))

	// The hardlink must resolve to the SAME cached inode as the original,
	// not a freshly minted one, since the Backend's Hardlink reuses the
	// existing target's ino.
	require.Equal(t, create.Entry.Child, link.Entry.Child)
	require.EqualValues(t, 2, link.Entry.Attributes.Nlink)

	var getAttr fuseops.GetInodeAttributesOp
	getAttr.Inode = create.Entry.Child
	require.NoError(t, f.d.GetInodeAttributes(ctx, &getAttr))
	require.EqualValues(t, 2, getAttr.Attributes.Nlink)
}

func TestMkDirBumpsParentMtime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	preMtime := f.cache.Get(fuseops.RootInodeID).Attributes().Mtime

	var op fuseops.MkDirOp
	op.Parent = fuseops.RootInodeID
	op.Name = "dir1"
	require.NoError(t, f.d.MkDir(ctx, &op))

	require.False(t, f.cache.Get(fuseops.RootInodeID).Attributes().Mtime.Before(preMtime))
}

func TestRmDirRoundTripBumpsParentMtime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mkdir fuseops.MkDirOp
	mkdir.Parent = fuseops.RootInodeID
	mkdir.Name = "empty"
	require.NoError(t, f.d.MkDir(ctx, &mkdir))

	preMtime := f.cache.Get(fuseops.RootInodeID).Attributes().Mtime

	var rmdir fuseops.RmDirOp
	rmdir.Parent = fuseops.RootInodeID
	rmdir.Name = "empty"
	require.NoError(t, f.d.RmDir(ctx, &rmdir))

	require.False(t, f.cache.Get(fuseops.RootInodeID).Attributes().Mtime.Before(preMtime))
}

func TestRootInodeSurvivesFirstForget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var op fuseops.ForgetInodeOp
	op.Inode = fuseops.RootInodeID
	op.N = 1
	require.NoError(t, f.d.ForgetInode(ctx, &op))

	// The root's lookup count was incremented once at mount time (mirroring
	// newFixture's setup), so a single matching forget must not panic nor
	// evict it.
	require.NotNil(t, f.cache.Get(fuseops.RootInodeID))
}

func TestShutdownDrainsOutstandingAio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var create fuseops.CreateFileOp
	create.Parent = fuseops.RootInodeID
	create.Name = "sync.txt"
	require.NoError(t, f.d.CreateFile(ctx, &create))

	var sync fuseops.SyncFileOp
	sync.Inode = create.Entry.Child
	sync.Handle = create.Handle
	require.NoError(t, f.d.SyncFile(ctx, &sync))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.d.Shutdown(shutdownCtx))

	// Second call must be a harmless no-op (shutdownOnce guarded).
	require.NoError(t, f.d.Shutdown(shutdownCtx))
}
