// Package handle implements the two File Handler variants: DirHandle (a
// buffered, continuation-token-driven directory listing) and FileHandle (a
// local-cache-file-backed read/write/fsync surface with a notify-write
// throttle). Grounded on the teacher's fs/dir_handle.go (dirHandle) and on
// BanzaiMan-gcsfuse/mutable/content.go's dirty-tracking shape.
package handle

import (
	"context"
	"fmt"
	"io"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/backend"
)

// DirHandle buffers one page of a directory's listing at a time, the way
// fs/dir_handle.go's dirHandle does, since the Backend's readdir has no
// notion of a stable byte offset the way a POSIX telldir/seekdir pair
// implies.
type DirHandle struct {
	Mu syncutil.InvariantMutex

	Inode fuseops.InodeID

	readdir func(ctx context.Context, continuation string) (backend.ReaddirResult, error)

	// GUARDED_BY(Mu)
	entries []fuseutil.Dirent
	// GUARDED_BY(Mu)
	entriesOffset fuseops.DirOffset
	// GUARDED_BY(Mu)
	continuation string
	// GUARDED_BY(Mu)
	exhausted bool

	// useDirIndex is decided once, from the first readdir page this handle
	// ever sees, and held for the handle's whole lifetime (see the
	// "use_dir_index across readdirs" design decision) rather than
	// re-evaluated on every page.
	//
	// GUARDED_BY(Mu)
	useDirIndex    bool
	dirIndexDecided bool
}

// NewDirHandle constructs a DirHandle that pages through readdir via the
// given fetch function (bound by the dispatcher to a specific inode number
// and Backend client).
func NewDirHandle(ino fuseops.InodeID, readdir func(ctx context.Context, continuation string) (backend.ReaddirResult, error)) *DirHandle {
	return &DirHandle{Inode: ino, readdir: readdir}
}

// UsesDirIndex reports the handle's one-time use_dir_index decision; ok is
// false until the first page has been fetched.
func (dh *DirHandle) UsesDirIndex() (use, ok bool) {
	return dh.useDirIndex, dh.dirIndexDecided
}

func directEntryType(st backend.Stat) fuseutil.DirentType {
	if st.IsDir() {
		return fuseutil.DT_Directory
	}
	if st.Mode&0170000 == 0120000 {
		return fuseutil.DT_Link
	}
	return fuseutil.DT_File
}

// readMore fetches the next readdir page and replaces dh.entries with its
// converted fuseutil.Dirent entries, assigning each a sequential offset
// continuing from the page's starting offset. Mirrors the teacher's
// readEntries: each call REPLACES the buffered batch rather than appending
// to it, with dh.entriesOffset tracking where the replaced batch starts.
// resolveIno maps each entry's Backend stat to a cache inode number, inserting a
// new Inode if this is the first time the child has been observed —
// mirroring §4.2's "resolves each st_ino to an Inode (looking up existing,
// otherwise constructing)".
func (dh *DirHandle) readMore(ctx context.Context, startOffset fuseops.DirOffset, resolveIno func(backend.Stat, string) fuseops.InodeID) error {
	if dh.exhausted {
		dh.entries = nil
		return io.EOF
	}

	page, err := dh.readdir(ctx, dh.continuation)
	if err != nil {
		return fmt.Errorf("readdir: %w", err)
	}

	if !dh.dirIndexDecided {
		dh.useDirIndex = page.UseDirIndex
		dh.dirIndexDecided = true
	}

	entries := make([]fuseutil.Dirent, 0, len(page.Entries))
	for i, e := range page.Entries {
		ino := resolveIno(e.Stat, e.Name)
		entries = append(entries, fuseutil.Dirent{
			Offset: startOffset + fuseops.DirOffset(i) + 1,
			Inode:  ino,
			Name:   e.Name,
			Type:   directEntryType(e.Stat),
		})
	}
	dh.entries = entries

	dh.continuation = page.Continuation
	if page.Continuation == "" {
		dh.exhausted = true
	}
	if len(page.Entries) == 0 {
		return io.EOF
	}
	return nil
}

// ReadDir answers a ReadDirOp, reproducing the teacher's seekdir/rewinddir
// semantics: offset zero resets all buffered state (rewinddir), an offset
// before what remains buffered is rejected (backwards seeks aren't
// supported against a Backend readdir with no stable byte offset), an
// offset exactly at the buffered end triggers another readdir page, and an
// offset beyond the buffered end is rejected.
//
// EXCLUSIVE_LOCKS_REQUIRED(dh.Mu)
func (dh *DirHandle) ReadDir(ctx context.Context, op *fuseops.ReadDirOp, resolveIno func(backend.Stat, string) fuseops.InodeID) error {
	if op.Offset == 0 {
		dh.entries = nil
		dh.entriesOffset = 0
		dh.continuation = ""
		dh.exhausted = false
	}

	if op.Offset < dh.entriesOffset {
		return invalidSeek(op.Offset)
	}

	index := int(op.Offset - dh.entriesOffset)
	if index > len(dh.entries) {
		return invalidSeek(op.Offset)
	}

	if index == len(dh.entries) {
		nextOffset := dh.entriesOffset + fuseops.DirOffset(len(dh.entries))
		err := dh.readMore(ctx, nextOffset, resolveIno)
		dh.entriesOffset = nextOffset
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		index = 0
	}

	var n int
	for i := index; i < len(dh.entries); i++ {
		written := fuseutil.WriteDirent(op.Dst[n:], dh.entries[i])
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

type seekError struct{ offset fuseops.DirOffset }

func (e *seekError) Error() string { return fmt.Sprintf("invalid directory seek to offset %d", e.offset) }

func invalidSeek(offset fuseops.DirOffset) error { return &seekError{offset} }
