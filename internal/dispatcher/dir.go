package dispatcher

import (
	"context"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/backend"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/gwerrors"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/handle"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/inode"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/logger"
)

const (
	fileTypeDir     = 0040000
	fileTypeSymlink = 0120000
	fileTypeRegular = 0100000
)

// mintChild inserts a newly Backend-created child into the cache keyed by
// the Backend's own Stat.Ino (so a later LookUpInode of the same name
// resolves to the same inode) and adds one kernel lookup count to it,
// mirroring fs/fs.go's lookUpOrCreateInodeIfNotStale call following
// CreateChildDir/CreateChildFile/CreateChildSymlink.
func (d *Dispatcher) mintChild(st backend.Stat, name string, kind inode.Kind) *inode.Inode {
	attrs := statToAttrs(st, d.cfg.Uid, d.cfg.Gid)
	child, inserted := d.cache.GetOrInsert(fuseops.InodeID(st.Ino), name, kind, attrs)
	child.Mu.Lock()
	if !inserted {
		child.SetAttributes(attrs)
	}
	child.IncrementLookupCount()
	child.Mu.Unlock()
	return child
}

// MkDir creates an empty child directory, mapping a Backend precondition
// failure to EEXIST exactly as fs/fs.go's MkDir maps *gcs.PreconditionError.
func (d *Dispatcher) MkDir(ctx context.Context, op *fuseops.MkDirOp) (err error) {
	defer d.metrics.track("mkdir", time.Now())(&err)

	st, err := d.backend.MkDir(ctx, uint64(op.Parent), op.Name, posixBitsFromMode(op.Mode, fileTypeDir))
	if err != nil {
		return d.translate("mkdir", op.Parent, gwerrors.FromBackend("MkDir", err))
	}

	child := d.mintChild(st, op.Name, inode.KindDir)
	op.Entry.Child = child.ID()
	op.Entry.Attributes = child.Attributes()
	d.touchMtime(op.Parent)
	return nil
}

// CreateFile creates and opens a new regular file in one Backend round
// trip, the way the original's cgfs_async_create_and_open collapses create
// and open into a single async request.
func (d *Dispatcher) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) (err error) {
	defer d.metrics.track("create", time.Now())(&err)

	res, err := d.backend.CreateAndOpen(ctx, uint64(op.Parent), op.Name, posixBitsFromMode(op.Mode, fileTypeRegular), 0)
	if err != nil {
		return d.translate("create", op.Parent, gwerrors.FromBackend("CreateAndOpen", err))
	}

	child := d.mintChild(res.Stat, op.Name, inode.KindFile)
	op.Entry.Child = child.ID()
	op.Entry.Attributes = child.Attributes()
	d.touchMtime(op.Parent)

	fh, hid, err := d.newFileHandle(ctx, child.ID(), res)
	if err != nil {
		// Compensating release: the Backend object was created and opened
		// successfully but the local open failed, so tell it the handle is
		// abandoned rather than leaving it referenced. Per §4.3.4, this
		// failure is fire-and-forget: logged, never surfaced to the caller.
		if relErr := d.backend.Release(ctx, res.Handle, false); relErr != nil {
			logger.WithFields("op", "create", "ino", uint64(child.ID())).Warn("compensating release after failed local open failed", "err", relErr)
		}
		return d.translate("create", op.Parent, gwerrors.FromBackend("localOpen", err))
	}
	fh.MarkOpenComplete()
	op.Handle = hid

	return nil
}

// CreateSymlink creates a new symlink child, storing target via the
// Backend's Symlink call.
func (d *Dispatcher) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) (err error) {
	defer d.metrics.track("symlink", time.Now())(&err)

	st, err := d.backend.Symlink(ctx, uint64(op.Parent), op.Name, op.Target, posixBitsFromMode(0777, fileTypeSymlink))
	if err != nil {
		return d.translate("symlink", op.Parent, gwerrors.FromBackend("Symlink", err))
	}

	child := d.mintChild(st, op.Name, inode.KindSymlink)
	op.Entry.Child = child.ID()
	op.Entry.Attributes = child.Attributes()
	d.touchMtime(op.Parent)
	return nil
}

// CreateLink creates a hardlink to op.Target within op.Parent. Unlike
// MkDir/CreateFile/CreateSymlink, the new name does not mint a fresh Inode:
// Client.Hardlink's contract guarantees its returned Stat.Ino is targetIno,
// so the already-cached targetIn is reused and its nlink/ctime bumped in
// place, matching the data model's "nlink increases on hardlink" invariant.
func (d *Dispatcher) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) (err error) {
	defer d.metrics.track("link", time.Now())(&err)

	targetIn := d.lockInode(op.Target)
	if targetIn == nil {
		return d.translate("link", op.Parent, gwerrors.NotFound("link", "unknown target inode %v", op.Target))
	}
	targetIn.Mu.Unlock()

	st, err := d.backend.Hardlink(ctx, uint64(op.Parent), op.Name, uint64(op.Target))
	if err != nil {
		return d.translate("link", op.Parent, gwerrors.FromBackend("Hardlink", err))
	}

	targetIn.Mu.Lock()
	attrs := statToAttrs(st, d.cfg.Uid, d.cfg.Gid)
	targetIn.SetAttributes(attrs)
	targetIn.IncrementLookupCount()
	targetIn.Mu.Unlock()

	op.Entry.Child = targetIn.ID()
	op.Entry.Attributes = targetIn.Attributes()
	d.touchMtime(op.Parent)
	return nil
}

// ReadSymlink validates op.Inode is actually a symlink before issuing the
// Backend call, per the readlink parent validation supplemented from
// cgfs_async.c (spec.md itself is silent on this check).
func (d *Dispatcher) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) (err error) {
	defer d.metrics.track("readlink", time.Now())(&err)

	in := d.lockInode(op.Inode)
	if in == nil {
		return d.translate("readlink", op.Inode, gwerrors.NotFound("readlink", "unknown inode %v", op.Inode))
	}
	kind := in.Kind()
	in.Mu.Unlock()

	if kind != inode.KindSymlink {
		return d.translate("readlink", op.Inode, gwerrors.InvalidArgument("readlink", "inode %v is not a symlink", op.Inode))
	}

	target, err := d.backend.Readlink(ctx, uint64(op.Inode))
	if err != nil {
		return d.translate("readlink", op.Inode, gwerrors.FromBackend("Readlink", err))
	}

	op.Target = target
	return nil
}

// RmDir removes an empty child directory, first confirming via LookupChild
// that the name is a directory; emptiness is enforced by the Backend's own
// RmDir, whose failure is surfaced as-is.
func (d *Dispatcher) RmDir(ctx context.Context, op *fuseops.RmDirOp) (err error) {
	defer d.metrics.track("rmdir", time.Now())(&err)

	st, err := d.backend.LookupChild(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return d.translate("rmdir", op.Parent, gwerrors.FromBackend("LookupChild", err))
	}
	if !st.IsDir() {
		return d.translate("rmdir", op.Parent, gwerrors.NotADirectory("rmdir", "%q is not a directory", op.Name))
	}

	if err := d.backend.RmDir(ctx, uint64(op.Parent), op.Name); err != nil {
		return d.translate("rmdir", op.Parent, gwerrors.FromBackend("RmDir", err))
	}
	d.adjustNlink(fuseops.InodeID(st.Ino), -1)
	d.touchMtime(op.Parent)
	return nil
}

// Unlink removes a child file or symlink, decrementing its cached link
// count on success per the data model's rmdir/unlink row.
func (d *Dispatcher) Unlink(ctx context.Context, op *fuseops.UnlinkOp) (err error) {
	defer d.metrics.track("unlink", time.Now())(&err)

	st, lookupErr := d.backend.LookupChild(ctx, uint64(op.Parent), op.Name)

	if err := d.backend.Unlink(ctx, uint64(op.Parent), op.Name); err != nil {
		return d.translate("unlink", op.Parent, gwerrors.FromBackend("Unlink", err))
	}
	if lookupErr == nil {
		d.adjustNlink(fuseops.InodeID(st.Ino), -1)
	}
	d.touchMtime(op.Parent)
	return nil
}

// Rename moves/renames a child, including the replacing-an-existing-target
// edge case from §4.3.3: the Backend is responsible for the atomic
// replace-or-fail semantics (it fails the whole call if the target is a
// non-empty directory), but the Dispatcher is responsible for reconciling
// the cache afterwards -- renamed.ctime, both parents' mtime, and the
// replaced target's nlink.
func (d *Dispatcher) Rename(ctx context.Context, op *fuseops.RenameOp) (err error) {
	defer d.metrics.track("rename", time.Now())(&err)

	res, err := d.backend.Rename(ctx, uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName)
	if err != nil {
		return d.translate("rename", op.OldParent, gwerrors.FromBackend("Rename", err))
	}

	if res.RenamedIno != 0 {
		d.touchCtime(fuseops.InodeID(res.RenamedIno))
	}
	if res.DeletedIno != 0 {
		d.adjustNlink(fuseops.InodeID(res.DeletedIno), -1)
	}
	d.touchMtime(op.OldParent)
	if op.NewParent != op.OldParent {
		d.touchMtime(op.NewParent)
	}
	return nil
}

// StatFS synthesizes filesystem-wide counters from the Backend's fixed
// block size/name-length limits plus the Open-Question-decided sentinel
// free/total counts (see DESIGN.md: no Backend quota call exists to wire).
func (d *Dispatcher) StatFS(ctx context.Context, op *fuseops.StatFSOp) (err error) {
	defer d.metrics.track("statfs", time.Now())(&err)

	st, err := d.backend.StatFS(ctx)
	if err != nil {
		return d.translate("statfs", 0, gwerrors.FromBackend("StatFS", err))
	}

	op.BlockSize = st.BlockSize
	op.IoSize = st.BlockSize
	op.Blocks = st.Blocks
	op.BlocksFree = st.Free
	op.BlocksAvailable = st.Free
	op.Inodes = st.Blocks
	op.InodesFree = st.Free
	op.NameLength = st.NameMax
	return nil
}

// OpenDir allocates a DirHandle for op.Inode, bound to the Backend's
// Readdir call for that inode.
func (d *Dispatcher) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) (err error) {
	defer d.metrics.track("opendir", time.Now())(&err)

	in := d.lockInode(op.Inode)
	if in == nil {
		return d.translate("opendir", op.Inode, gwerrors.NotFound("opendir", "unknown inode %v", op.Inode))
	}
	if in.Kind() != inode.KindDir {
		in.Mu.Unlock()
		return d.translate("opendir", op.Inode, gwerrors.NotADirectory("opendir", "inode %v is not a directory", op.Inode))
	}
	in.Mu.Unlock()

	ino := op.Inode
	dh := handle.NewDirHandle(ino, func(ctx context.Context, continuation string) (backend.ReaddirResult, error) {
		return d.backend.Readdir(ctx, uint64(ino), continuation)
	})

	d.mu.Lock()
	hid := d.nextHandleID
	d.nextHandleID++
	d.dirHandles[hid] = dh
	d.mu.Unlock()

	op.Handle = hid
	return nil
}

// ReadDir serves one page of a directory listing, resolving every child
// Stat to a cached Inode the way §4.2 describes.
func (d *Dispatcher) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) (err error) {
	defer d.metrics.track("readdir", time.Now())(&err)

	d.mu.Lock()
	dh := d.dirHandles[op.Handle]
	d.mu.Unlock()
	if dh == nil {
		return d.translate("readdir", 0, gwerrors.InvalidArgument("readdir", "unknown dir handle %v", op.Handle))
	}

	dh.Mu.Lock()
	defer dh.Mu.Unlock()

	err = dh.ReadDir(ctx, op, func(st backend.Stat, name string) fuseops.InodeID {
		child := d.resolveChild(st, name)
		return child.ID()
	})
	if err != nil {
		return d.translate("readdir", dh.Inode, gwerrors.FromBackend("Readdir", err))
	}
	return nil
}

// ReleaseDirHandle discards a DirHandle previously allocated by OpenDir.
func (d *Dispatcher) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) (err error) {
	defer d.metrics.track("release_dir_handle", time.Now())(&err)

	d.mu.Lock()
	delete(d.dirHandles, op.Handle)
	d.mu.Unlock()
	return nil
}
