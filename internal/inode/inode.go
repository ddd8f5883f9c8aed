// Package inode implements the single Inode data model and the Inode Cache
// that the dispatcher consults on every operation: one struct per cached
// object, one cache keyed by fuseops.InodeID, and the kernel lookup-count
// contract that drives eviction.
package inode

import (
	"fmt"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
)

// Inode is the single cached representation of a Backend object, directory
// or symlink. Unlike the teacher's fs/inode package (one interface, several
// concrete types keyed by GCS object kind), this gateway's data model is one
// struct for every kind, matching the flat Inode/Inode-Cache design: the
// Kind field distinguishes directories, files and symlinks where behavior
// must differ.
type Inode struct {
	Mu syncutil.InvariantMutex

	// Immutable for the lifetime of the inode.
	id   fuseops.InodeID
	name string
	kind Kind

	// GUARDED_BY(Mu)
	attrs fuseops.InodeAttributes

	// GUARDED_BY(Mu)
	lookupCount uint64

	// Internal shared-ownership refcount, independent of the kernel lookup
	// count: bumped while an asyncreq.Request holds a strong reference, even
	// across a ForgetInode that has already zeroed the lookup count.
	//
	// GUARDED_BY(Mu)
	refcount int64

	// Name->child-inode index, nil until EnsureDirIndex allocates it. The
	// Dispatcher neither fills nor reads it.
	//
	// GUARDED_BY(Mu)
	dirIndex map[string]fuseops.InodeID

	// A notify_write timestamp slot exposed through DirtyNotifiedAt/
	// SetDirtyNotifiedAt. The Dispatcher does not set it; the notify_write
	// throttle is kept per FileHandle (handle.FileHandle.ShouldNotifyWrite).
	//
	// GUARDED_BY(Mu)
	dirtyNotifiedAt time.Time

	// destroy is invoked exactly once, when the lookup count hits zero,
	// mirroring the teacher's lookupCount.destroy hook.
	destroy func(*Inode) error
}

// Kind distinguishes the three object shapes this gateway's Backend can
// return, since a single Inode struct now stands in for what the teacher
// modeled as three separate inode.Inode implementations.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// New constructs an inode in the cache. destroy is called with the lock
// already released once the lookup count reaches zero; its error is logged
// by the caller, never returned to the kernel.
func New(id fuseops.InodeID, name string, kind Kind, attrs fuseops.InodeAttributes, destroy func(*Inode) error) *Inode {
	return &Inode{
		id:      id,
		name:    name,
		kind:    kind,
		attrs:   attrs,
		destroy: destroy,
	}
}

func (in *Inode) ID() fuseops.InodeID { return in.id }
func (in *Inode) Name() string        { return in.name }
func (in *Inode) Kind() Kind          { return in.kind }

// Attributes returns a copy of the cached attributes. REQUIRES: Mu held (for
// read or write).
func (in *Inode) Attributes() fuseops.InodeAttributes {
	return in.attrs
}

// SetAttributes overwrites the cached attributes, e.g. after a SetInodeAttributesOp
// or after an AIO write/fsync completion refreshes size/mtime from the local
// fd. REQUIRES: Mu held for writing.
func (in *Inode) SetAttributes(attrs fuseops.InodeAttributes) {
	in.attrs = attrs
}

// IncrementLookupCount records one more kernel-observed lookup of this
// inode: every LookUpInode, MkDir, CreateFile, CreateSymlink and successful
// lookup-by-name response increments this by one. The root inode has no
// lookup-by-name response of its own (the kernel starts from it rather than
// discovering it), so the caller that mints it (cmd.mount) must call this
// once up front to balance the kernel's first ForgetInode on it.
func (in *Inode) IncrementLookupCount() {
	in.lookupCount++
}

// DecrementLookupCount applies a ForgetInodeOp's count, returning true iff
// this call drove the lookup count to zero (a zero count never does). It
// does not run destroy itself; Cache.Forget calls Destroy once the lock is
// released.
func (in *Inode) DecrementLookupCount(n uint64) (destroyed bool) {
	if n > in.lookupCount {
		panic(fmt.Sprintf("inode %d: forget count %d exceeds lookup count %d", in.id, n, in.lookupCount))
	}
	in.lookupCount -= n
	if n > 0 && in.lookupCount == 0 {
		destroyed = true
	}
	return
}

// LookupCount exposes the current count for invariant checks and tests.
func (in *Inode) LookupCount() uint64 { return in.lookupCount }

// IncRef/DecRef manage the internal shared-ownership refcount used by
// asyncreq.Request; this is independent of the
// kernel lookup count and never itself triggers destroy.
func (in *Inode) IncRef() {
	in.refcount++
}

func (in *Inode) DecRef() {
	if in.refcount <= 0 {
		panic(fmt.Sprintf("inode %d: DecRef with non-positive refcount %d", in.id, in.refcount))
	}
	in.refcount--
}

func (in *Inode) RefCount() int64 { return in.refcount }

// EnsureDirIndex lazily allocates the directory's name->child-inode index
// and returns it; later calls return the same map. Nothing in the Dispatcher
// calls it: OpenDir/ReadDir do not build this index, even when the Backend's
// readdir reports UseDirIndex, and LookUpInode does not consult it.
func (in *Inode) EnsureDirIndex() map[string]fuseops.InodeID {
	if in.dirIndex == nil {
		in.dirIndex = make(map[string]fuseops.InodeID)
	}
	return in.dirIndex
}

func (in *Inode) DirtyNotifiedAt() time.Time     { return in.dirtyNotifiedAt }
func (in *Inode) SetDirtyNotifiedAt(t time.Time) { in.dirtyNotifiedAt = t }

// Destroy runs the registered destroy hook. Called by Cache once the lock
// has been released, matching the teacher's unlockAndMaybeDisposeOfInode
// ordering (never call a collaborator while holding Mu).
func (in *Inode) Destroy() error {
	if in.destroy == nil {
		return nil
	}
	return in.destroy(in)
}
