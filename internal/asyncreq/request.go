// Package asyncreq implements the Async Request record: a value carrying
// strong references to every inode an operation involves, released exactly
// once by Release. internal/dispatcher does not create Requests; its
// operations keep their per-call state in local variables.
//
// This is the Go realization of cgfs_async_request from the C gateway this
// core is modeled on: that struct was a heap record threaded through a
// chain of Backend callbacks, freed exactly once via cgfs_async_request_free.
// Go's goroutine-per-operation idiom replaces the callback chain with an
// ordinary call stack, but the "exactly once, and it must release what it
// holds" discipline is preserved verbatim as the Request type below.
package asyncreq

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/inode"
)

// Kind identifies the Dispatcher operation a Request was created for,
// mirroring cgfs_async_request_type.
type Kind int

const (
	KindStat Kind = iota
	KindGetAttr
	KindOpen
	KindCreateAndOpen
	KindRelease
	KindNotifyWrite
	KindRead
	KindWrite
	KindMkDir
	KindRmDir
	KindFsync
	KindUnlink
	KindRename
	KindHardlink
	KindSymlink
	KindReadlink
)

func (k Kind) String() string {
	switch k {
	case KindStat:
		return "stat"
	case KindGetAttr:
		return "getattr"
	case KindOpen:
		return "open"
	case KindCreateAndOpen:
		return "create_and_open"
	case KindRelease:
		return "release"
	case KindNotifyWrite:
		return "notify_write"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindMkDir:
		return "mkdir"
	case KindRmDir:
		return "rmdir"
	case KindFsync:
		return "fsync"
	case KindUnlink:
		return "unlink"
	case KindRename:
		return "rename"
	case KindHardlink:
		return "hardlink"
	case KindSymlink:
		return "symlink"
	case KindReadlink:
		return "readlink"
	default:
		return "unknown"
	}
}

// Request is the Async Request record. Its TraceID exists only for log
// correlation (set via google/uuid) — it is never placed on the wire to the
// Backend or the Kernel Bridge.
type Request struct {
	TraceID string
	Kind    Kind

	// Strong references held for the lifetime of the request. Inode and
	// ParentInode are only meaningful for the request kinds that name a
	// parent (lookup/create/unlink/mkdir/rmdir/symlink/rename/hardlink),
	// exactly as in the C struct's comment on parent_inode.
	Inode       *inode.Inode
	ParentInode *inode.Inode
	NewParent   *inode.Inode

	Name    string
	NewName string

	// Scratch fields for read/write progress; nothing in this module sets
	// them.
	Buffer []byte
	Pos    int64
	Got    int

	Handle fuseops.HandleID

	once sync.Once
	done bool
}

// New creates a Request of the given kind, incrementing the refcount of
// every non-nil inode passed in so that a concurrent Forget cannot destroy
// them out from under the in-flight operation. Release must be called
// exactly once to drop those references again.
func New(kind Kind, in, parent, newParent *inode.Inode) *Request {
	r := &Request{
		TraceID:     uuid.NewString(),
		Kind:        kind,
		Inode:       in,
		ParentInode: parent,
		NewParent:   newParent,
	}
	for _, x := range []*inode.Inode{in, parent, newParent} {
		if x != nil {
			x.Mu.Lock()
			x.IncRef()
			x.Mu.Unlock()
		}
	}
	return r
}

// Release drops every strong reference this request holds. Safe to call
// from a deferred statement; only the first call has any effect, mirroring
// cgfs_async_request_free's single release path; a second call is a no-op
// (guarded by a sync.Once), not a panic.
func (r *Request) Release() {
	r.once.Do(func() {
		for _, x := range []*inode.Inode{r.Inode, r.ParentInode, r.NewParent} {
			if x != nil {
				x.Mu.Lock()
				x.DecRef()
				x.Mu.Unlock()
			}
		}
		r.done = true
	})
}

// Done reports whether Release has already run, for assertions in tests.
func (r *Request) Done() bool { return r.done }
