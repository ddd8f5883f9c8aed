package dispatcher

import (
	"context"
	"io"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/backend"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/gwerrors"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/handle"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/inode"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/logger"
)

// newFileHandle materializes the local cache file for an already-opened
// Backend object (via Open or CreateAndOpen) and registers a FileHandle for
// it, returning the handle ID the caller hands back to the kernel. The
// returned FileHandle has NOT yet had MarkOpenComplete called -- callers
// (CreateFile, OpenFile) must do so once they've decided the open is fully
// committed, honoring the release-before-open-completes ordering from
// FileHandle.AwaitOpen.
func (d *Dispatcher) newFileHandle(ctx context.Context, ino fuseops.InodeID, res backend.OpenResult) (*handle.FileHandle, fuseops.HandleID, error) {
	d.mu.Lock()
	hid := d.nextHandleID
	d.nextHandleID++
	d.mu.Unlock()

	fh, err := d.opener.Open(ctx, ino)
	if err != nil {
		return nil, 0, err
	}
	fh.Handle = hid
	fh.RemoteHandle = res.Handle

	d.mu.Lock()
	d.fileHandles[hid] = fh
	d.mu.Unlock()

	return fh, hid, nil
}

func (d *Dispatcher) lookupFileHandle(hid fuseops.HandleID) *handle.FileHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fileHandles[hid]
}

// OpenFile opens an existing regular file, mirroring CreateFile's
// create-and-open collapse but against an already-existing Backend object.
func (d *Dispatcher) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) (err error) {
	defer d.metrics.track("open", time.Now())(&err)

	in := d.lockInode(op.Inode)
	if in == nil {
		return d.translate("open", op.Inode, gwerrors.NotFound("open", "unknown inode %v", op.Inode))
	}
	if in.Kind() != inode.KindFile {
		in.Mu.Unlock()
		return d.translate("open", op.Inode, gwerrors.InvalidArgument("open", "inode %v is not a regular file", op.Inode))
	}
	in.Mu.Unlock()

	res, err := d.backend.Open(ctx, uint64(op.Inode), 0)
	if err != nil {
		return d.translate("open", op.Inode, gwerrors.FromBackend("Open", err))
	}

	fh, hid, err := d.newFileHandle(ctx, op.Inode, res)
	if err != nil {
		if relErr := d.backend.Release(ctx, res.Handle, false); relErr != nil {
			logger.WithFields("op", "open", "ino", uint64(op.Inode)).Warn("compensating release after failed local open failed", "err", relErr)
		}
		return d.translate("open", op.Inode, gwerrors.FromBackend("localOpen", err))
	}
	fh.MarkOpenComplete()
	op.Handle = hid
	return nil
}

// aioPread submits one pread attempt on the event loop's worker pool and
// blocks until it completes or ctx is cancelled -- the "Attempt" step of
// §4.3.1's read state machine. The caller drives the Partial/AIO-Pending
// resumption across repeated calls to this.
func (d *Dispatcher) aioPread(ctx context.Context, fh *handle.FileHandle, buf []byte, off int64) (int, error) {
	result := make(chan struct {
		n   int
		err error
	}, 1)

	d.metrics.aioStart()
	err := d.loop.AioDo(ctx, func(ctx context.Context) error {
		n, err := fh.Pread(buf, off)
		result <- struct {
			n   int
			err error
		}{n, err}
		return err
	}, func(error) { d.metrics.aioEnd() })
	if err != nil {
		d.metrics.aioEnd()
		return 0, err
	}

	select {
	case r := <-result:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReadFile performs a blocking local-fd read via the event loop's bounded
// worker pool, realizing spec.md §4.3.1's read state machine: an Attempt
// that returns fewer bytes than requested (but more than zero) transitions
// to AIO-Pending, resubmitting for the remaining span at the advanced
// offset and accumulating into op.Dst until either the full size has been
// read or the local fd reports EOF (a zero-byte Attempt).
func (d *Dispatcher) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) (err error) {
	defer d.metrics.track("read", time.Now())(&err)

	fh := d.lookupFileHandle(op.Handle)
	if fh == nil {
		return d.translate("read", op.Inode, gwerrors.InvalidArgument("read", "unknown file handle %v", op.Handle))
	}

	want := len(op.Dst)
	var got int
	for got < want {
		n, rerr := d.aioPread(ctx, fh, op.Dst[got:], op.Offset+int64(got))
		if rerr != nil {
			return d.translate("read", op.Inode, gwerrors.FromBackend("Pread", rerr))
		}
		if n == 0 {
			break // EOF: Done with whatever was accumulated so far.
		}
		got += n
	}

	op.BytesRead = got
	return nil
}

// aioPwrite is aioPread's write-path counterpart: one pwrite Attempt on the
// event loop's worker pool.
func (d *Dispatcher) aioPwrite(ctx context.Context, fh *handle.FileHandle, buf []byte, off int64) (int, error) {
	result := make(chan struct {
		n   int
		err error
	}, 1)

	d.metrics.aioStart()
	err := d.loop.AioDo(ctx, func(ctx context.Context) error {
		n, err := fh.Pwrite(buf, off)
		result <- struct {
			n   int
			err error
		}{n, err}
		return err
	}, func(error) { d.metrics.aioEnd() })
	if err != nil {
		d.metrics.aioEnd()
		return 0, err
	}

	select {
	case r := <-result:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WriteFile performs a blocking local-fd write via the event loop's worker
// pool, realizing spec.md §4.3.2's write state machine: a short Attempt
// transitions to AIO-Pending, resubmitting the remaining span until the
// full op.Data has landed (lseek+sequential-writes-equivalent ordering,
// since each resubmission targets the advanced offset rather than
// appending). On terminal success the FH's cached inode attributes are
// refreshed from the fd, and if the notify-write throttle fires a
// notify_write is scheduled for this write -- distinct from (and in
// addition to) the one SyncFile/FlushFile issue on fsync.
func (d *Dispatcher) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) (err error) {
	defer d.metrics.track("write", time.Now())(&err)

	fh := d.lookupFileHandle(op.Handle)
	if fh == nil {
		return d.translate("write", op.Inode, gwerrors.InvalidArgument("write", "unknown file handle %v", op.Handle))
	}

	now := d.now()
	_, shouldNotify := fh.WriteFD(now)

	want := len(op.Data)
	var sent int
	for sent < want {
		n, werr := d.aioPwrite(ctx, fh, op.Data[sent:], op.Offset+int64(sent))
		if werr != nil {
			return d.translate("write", op.Inode, gwerrors.FromBackend("Pwrite", werr))
		}
		if n == 0 {
			return d.translate("write", op.Inode, gwerrors.FromBackend("Pwrite", io.ErrShortWrite))
		}
		sent += n
	}

	d.refreshAttributesFromHandle(op.Inode, fh)

	if shouldNotify {
		if nerr := d.backend.NotifyWrite(ctx, fh.RemoteHandle); nerr != nil {
			logger.WithFields("op", "notify_write", "ino", uint64(op.Inode)).Warn("notify_write failed", "err", nerr)
		} else {
			fh.RecordNotifyWrite(now)
		}
	}
	return nil
}

func (d *Dispatcher) refreshAttributesFromHandle(ino fuseops.InodeID, fh *handle.FileHandle) {
	size, mtime, err := fh.RefreshAttributes()
	if err != nil {
		logger.WithFields("op", "refresh_attrs", "ino", uint64(ino)).Warn("failed to refresh attributes from local fd", "err", err)
		return
	}

	in := d.lockInode(ino)
	if in == nil {
		return
	}
	defer in.Mu.Unlock()
	attrs := in.Attributes()
	attrs.Size = size
	attrs.Mtime = mtime
	in.SetAttributes(attrs)
}

// SyncFile flushes dirty local content with a full fsync (datasync is always
// false) and, if the handle is dirty, notifies the Backend so it can
// schedule an upload. WriteFile also calls notify_write, when its throttle
// allows.
func (d *Dispatcher) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) (err error) {
	defer d.metrics.track("sync", time.Now())(&err)
	return d.syncOrFlush(ctx, op.Inode, op.Handle, false)
}

// FlushFile behaves identically to SyncFile in this gateway: both paths
// fsync the local fd and notify the Backend of dirty content, matching
// fs/fs.go's FlushFile/SyncFile both delegating to the same syncFile
// helper.
func (d *Dispatcher) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) (err error) {
	defer d.metrics.track("flush", time.Now())(&err)
	return d.syncOrFlush(ctx, op.Inode, op.Handle, false)
}

func (d *Dispatcher) syncOrFlush(ctx context.Context, ino fuseops.InodeID, hid fuseops.HandleID, datasync bool) error {
	fh := d.lookupFileHandle(hid)
	if fh == nil {
		return d.translate("fsync", ino, gwerrors.InvalidArgument("fsync", "unknown file handle %v", hid))
	}

	result := make(chan error, 1)
	d.metrics.aioStart()
	err := d.loop.AioDo(ctx, func(ctx context.Context) error {
		err := fh.Fsync(datasync)
		result <- err
		return err
	}, func(error) { d.metrics.aioEnd() })
	if err != nil {
		d.metrics.aioEnd()
		return d.translate("fsync", ino, gwerrors.FromBackend("aio_fsync", err))
	}

	select {
	case err := <-result:
		if err != nil {
			return d.translate("fsync", ino, gwerrors.FromBackend("Fsync", err))
		}
	case <-ctx.Done():
		return d.translate("fsync", ino, gwerrors.FromBackend("fsync", ctx.Err()))
	}

	d.refreshAttributesFromHandle(ino, fh)

	if fh.Dirty() {
		now := d.now()
		if err := d.backend.NotifyWrite(ctx, fh.RemoteHandle); err != nil {
			logger.WithFields("op", "notify_write", "ino", uint64(ino)).Warn("notify_write failed", "err", err)
		} else {
			fh.RecordNotifyWrite(now)
		}
	}
	return nil
}

// ReleaseFileHandle closes the local fd and tells the Backend the handle is
// done, waiting for any in-flight open to complete first per
// FileHandle.AwaitOpen -- the release-before-open-completes ordering
// supplemented from cgfs_async.c.
func (d *Dispatcher) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) (err error) {
	defer d.metrics.track("release_file_handle", time.Now())(&err)

	d.mu.Lock()
	fh := d.fileHandles[op.Handle]
	delete(d.fileHandles, op.Handle)
	d.mu.Unlock()

	if fh == nil {
		return nil
	}

	fh.AwaitOpen()

	dirty := fh.Dirty()
	if err := fh.Close(); err != nil {
		logger.WithFields("op", "release", "ino", uint64(fh.Inode)).Warn("closing local fd failed", "err", err)
	}

	if err := d.backend.Release(ctx, fh.RemoteHandle, dirty); err != nil {
		return d.translate("release", fh.Inode, gwerrors.FromBackend("Release", err))
	}
	return nil
}
