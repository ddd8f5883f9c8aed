// Package backend implements the Backend collaborator: the async RPC
// surface the Dispatcher drives for every operation that needs the remote
// object store's authoritative state. Client is the abstract interface per
// the external-interfaces design; GCSClient is the concrete implementation
// wrapping cloud.google.com/go/storage, grounded on the teacher's
// gcs/bucket.go Bucket interface shape (reimplemented against the storage
// client actually required by go.mod rather than the unlisted
// jacobsa/gcloud/gcs the teacher's own inode package used).
package backend

import (
	"context"
	"time"
)

// Stat is the attribute payload a Backend call resolves into: the
// information needed to populate an Inode's cached fuseops.InodeAttributes,
// kept independent of fuseops so this package has no Kernel Bridge
// dependency.
type Stat struct {
	Ino   uint64
	Size  uint64
	Mode  uint32 // POSIX mode bits including the file-type bits.
	Nlink uint32
	Mtime time.Time
	Atime time.Time
	Ctime time.Time
}

// IsDir reports whether Mode's file-type bits mark this a directory.
func (s Stat) IsDir() bool { return s.Mode&0170000 == 0040000 }

// DirEntry is one entry returned by a readdir call.
type DirEntry struct {
	Name string
	Stat Stat
}

// ReaddirResult is a single page of a readdir response. UseDirIndex is
// recorded once per DirHandle (see handle.DirHandle.UsesDirIndex); the
// Dispatcher does not build a name->ino index from Entries, whatever its
// value.
type ReaddirResult struct {
	Entries     []DirEntry
	UseDirIndex bool
	// Continuation is opaque paging state threaded back into the next
	// Readdir call; empty means this was the final page.
	Continuation string
}

// OpenResult is returned by Open/CreateAndOpen: the newly (or existing)
// opened object's stat plus a Backend-assigned remote handle used by
// Release/SetAttr/NotifyWrite.
type OpenResult struct {
	Stat   Stat
	Handle uint64
}

// RenameResult reports the two inode numbers a successful Rename touched:
// RenamedIno is always the ino that now lives at the destination name.
// DeletedIno is non-zero iff the destination name already existed and was
// replaced, naming the ino that lost that name (its link count must be
// decremented by the caller; removing it from the Inode Cache still
// requires a separate Forget).
type RenameResult struct {
	RenamedIno uint64
	DeletedIno uint64
}

// StatFS carries the two config getters from §6 plus the synthesized
// filesystem-wide counters used to answer a StatFSOp (see the Open Question
// decision to keep sentinel values rather than a real quota call).
type StatFS struct {
	BlockSize uint32
	NameMax   uint32
	Blocks    uint64
	Free      uint64
}

// Client is the Backend as the Dispatcher sees it: every method is
// synchronous from the calling goroutine's point of view (the goroutine IS
// the async task, per the Design Notes), but internally may perform network
// I/O, so every method takes a context for cancellation on Shutdown.
type Client interface {
	// LookupChild resolves a name within a parent directory to its Stat.
	LookupChild(ctx context.Context, parentIno uint64, name string) (Stat, error)
	// GetAttr refreshes the Stat for an already-known inode.
	GetAttr(ctx context.Context, ino uint64) (Stat, error)
	// Readdir lists one page of a directory's children, starting from the
	// given continuation token (empty for the first page).
	Readdir(ctx context.Context, ino uint64, continuation string) (ReaddirResult, error)
	// Open opens an existing object for read/write, per the flags.
	Open(ctx context.Context, ino uint64, flags int) (OpenResult, error)
	// CreateAndOpen creates a new child object and opens it in one call.
	CreateAndOpen(ctx context.Context, parentIno uint64, name string, mode uint32, flags int) (OpenResult, error)
	// Release tells the Backend a handle is no longer in use. dirty
	// indicates local content was written and should be considered for
	// upload/sync before the handle is truly discarded.
	Release(ctx context.Context, handle uint64, dirty bool) error
	// SetAttr applies a setattr request's recognized bits.
	SetAttr(ctx context.Context, ino uint64, attr Stat, sizeChanged bool) (Stat, error)
	MkDir(ctx context.Context, parentIno uint64, name string, mode uint32) (Stat, error)
	RmDir(ctx context.Context, parentIno uint64, name string) error
	Unlink(ctx context.Context, parentIno uint64, name string) error
	// Rename moves/renames a child, reporting RenamedIno/DeletedIno so the
	// caller can reconcile ctime/mtime/nlink on the affected cached inodes.
	Rename(ctx context.Context, oldParentIno uint64, oldName string, newParentIno uint64, newName string) (RenameResult, error)
	// Hardlink creates name within parentIno pointing at the existing
	// targetIno. The returned Stat.Ino is targetIno: implementations that can
	// truly share one backing identity across names (Fake) return the
	// target's own up-to-date Stat (nlink incremented); implementations with
	// no hardlink primitive (GCSClient) emulate it as best they can but must
	// still report Stat.Ino == targetIno so the caller reuses the existing
	// cached inode instead of minting a new one.
	Hardlink(ctx context.Context, parentIno uint64, name string, targetIno uint64) (Stat, error)
	Symlink(ctx context.Context, parentIno uint64, name string, target string, mode uint32) (Stat, error)
	Readlink(ctx context.Context, ino uint64) (string, error)
	// NotifyWrite informs the Backend that dirty local content exists for
	// handle. The Dispatcher calls it after a write only when the FileHandle's
	// minimum-interval throttle allows, and after every sync/flush of a dirty
	// handle (see internal/handle's notify-write throttle).
	NotifyWrite(ctx context.Context, handle uint64) error

	BlockSize() uint32
	NameMax() uint32
	StatFS(ctx context.Context) (StatFS, error)
}
