package inode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// Cache is the Inode Cache: a map from inode ID to *Inode, mirroring the
// teacher's fileSystem.inodes field and lookUpOrCreateInodeIfNotStale/
// unlockAndDecrementLookupCount pair. LOCK ORDERING: Cache.mu and an
// Inode.Mu are never held together: cache methods do not lock inodes, and
// Forget releases the inode's lock before Destroy takes Cache.mu.
type Cache struct {
	mu sync.Mutex

	logger *slog.Logger

	// GUARDED_BY(mu)
	nextID fuseops.InodeID

	// GUARDED_BY(mu)
	byID map[fuseops.InodeID]*Inode
}

// NewCache constructs an empty cache. The root inode is minted separately by
// the caller via Insert(fuseops.RootInodeID, ...); unlike every other inode,
// nothing ever looks the root up by name, so the caller is responsible for
// giving it an initial IncrementLookupCount to balance the kernel's first
// ForgetInode(ino=1, ...).
func NewCache(logger *slog.Logger) *Cache {
	return &Cache{
		logger: logger,
		nextID: fuseops.RootInodeID + 1,
		byID:   make(map[fuseops.InodeID]*Inode),
	}
}

// Get returns the cached inode for id, or nil if absent. The caller is
// responsible for locking the returned Inode before touching it.
func (c *Cache) Get(id fuseops.InodeID) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[id]
}

// Insert constructs a new inode under the caller-supplied id (used for the
// root inode, fuseops.RootInodeID), registers it and returns it, replacing
// any inode already cached under that id.
func (c *Cache) Insert(id fuseops.InodeID, name string, kind Kind, attrs fuseops.InodeAttributes) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := New(id, name, kind, attrs, c.destroyFunc())
	c.byID[id] = in
	return in
}

// GetOrInsert returns the already-cached inode for id if one exists,
// otherwise constructs and registers a new one from name/kind/attrs. Used by
// the Dispatcher for every child it learns of (LookUpInode/ReadDir child
// resolution and the new child of MkDir/CreateFile/CreateSymlink), where the
// Backend hands back a Stat bearing its own authoritative inode number rather
// than asking the cache to mint one.
func (c *Cache) GetOrInsert(id fuseops.InodeID, name string, kind Kind, attrs fuseops.InodeAttributes) (in *Inode, inserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[id]; ok {
		return existing, false
	}

	in = New(id, name, kind, attrs, c.destroyFunc())
	c.byID[id] = in
	return in, true
}

// Mint allocates a fresh inode ID from the cache's own counter and registers
// a new inode under it, mirroring the teacher's mintInode. The Dispatcher
// does not use it; its inodes are keyed by Backend inode numbers through
// GetOrInsert.
func (c *Cache) Mint(name string, kind Kind, attrs fuseops.InodeAttributes) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	in := New(id, name, kind, attrs, c.destroyFunc())
	c.byID[id] = in
	return in
}

// destroyFunc returns the hook installed on every minted inode: remove it
// from the cache's map. Must not be called while c.mu or in.Mu is held by
// the caller driving the decrement, since Inode.Destroy is invoked by the
// dispatcher only after releasing in.Mu.
func (c *Cache) destroyFunc() func(*Inode) error {
	return func(in *Inode) error {
		c.mu.Lock()
		delete(c.byID, in.ID())
		c.mu.Unlock()
		c.logger.Debug("inode evicted", "ino", in.ID(), "name", in.Name())
		return nil
	}
}

// Forget applies a ForgetInodeOp's count to the named inode, matching the
// teacher's unlockAndDecrementLookupCount: the inode's own lock must already
// be held by the caller and is released by this call regardless of outcome.
// If the count reaches zero, Destroy is invoked after the lock is dropped.
// The root inode is never destroyed, so it stays cached even once the
// kernel has forgotten every lookup of it.
func (c *Cache) Forget(ctx context.Context, in *Inode, n uint64) {
	destroyed := in.DecrementLookupCount(n)
	in.Mu.Unlock()

	if destroyed && in.ID() != fuseops.RootInodeID {
		if err := in.Destroy(); err != nil {
			c.logger.Warn("error destroying inode", "ino", in.ID(), "err", err)
		}
	}
}

// CheckInvariants validates the cache-wide invariants from the data model:
// every key is >= fuseops.RootInodeID and < nextID, and the map never holds
// a nil entry. Mirrors the teacher's fileSystem.checkInvariants in spirit,
// scoped to what this flattened model can still check without per-kind
// dispatch.
func (c *Cache) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, in := range c.byID {
		if id < fuseops.RootInodeID || id >= c.nextID {
			return fmt.Errorf("inode id %d out of range [%d, %d)", id, fuseops.RootInodeID, c.nextID)
		}
		if in == nil {
			return fmt.Errorf("inode id %d has nil entry", id)
		}
	}
	return nil
}

// Len reports the number of cached inodes, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
