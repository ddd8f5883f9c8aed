package handle

import (
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"
)

// LocalFileOpener abstracts obtaining the local cache file a FileHandle
// reads and writes through. Kept abstract rather than folded into
// FileHandle itself, since the cache file's internal byte layout (sparse
// regions, chunking, eviction) is explicitly out of scope.
type LocalFileOpener interface {
	Open(ino fuseops.InodeID) (*os.File, error)
}

// FileHandle is the File Handler variant backing an open regular file: a
// local *os.File plus the dirty-tracking and notify-write-throttle state
// from §4.2. Grounded on BanzaiMan-gcsfuse/mutable/content.go's
// dirty()/ensureReadWriteLease shape, adapted to own a plain fd instead of
// a lease object.
type FileHandle struct {
	Mu syncutil.InvariantMutex

	Inode  fuseops.InodeID
	Handle fuseops.HandleID

	// RemoteHandle is the Backend's opaque handle from Open/CreateAndOpen,
	// used for Release/NotifyWrite.
	RemoteHandle uint64

	file *os.File

	// preadFunc/pwriteFunc default to nil (meaning "use the real unix
	// syscall against file") and are only ever set by tests.
	preadFunc  func(buf []byte, off int64) (int, error)
	pwriteFunc func(buf []byte, off int64) (int, error)

	// GUARDED_BY(Mu)
	dirty bool

	// notifyThrottle is the minimum interval between recorded notify_write
	// calls: WriteFD reports shouldNotify once at least this long has passed
	// since the last RecordNotifyWrite. Calls still in flight are not
	// tracked, so concurrent writes can each be told to notify.
	notifyThrottle   time.Duration
	lastNotifyWriteAt time.Time

	// awaitOpen is closed once the Backend's open/create_and_open call (and
	// the corresponding local file open) has completed, supplementing the
	// spec from cgfs_async.c's being_opened guard: a release arriving before
	// open completes must wait here rather than racing it.
	awaitOpen chan struct{}
	openOnce  sync.Once
}

// NewFileHandle constructs a FileHandle around an already-opened local file.
// MarkOpenComplete must be called once the Backend's open call has also
// finished (which, in the synchronous-per-goroutine realization here, is
// immediately after construction in the common case, but may lag behind a
// concurrent release in the failure-ordering scenario supplemented from the
// C original).
func NewFileHandle(ino fuseops.InodeID, hid fuseops.HandleID, remoteHandle uint64, file *os.File, notifyThrottle time.Duration) *FileHandle {
	return &FileHandle{
		Inode:          ino,
		Handle:         hid,
		RemoteHandle:   remoteHandle,
		file:           file,
		notifyThrottle: notifyThrottle,
		awaitOpen:      make(chan struct{}),
	}
}

// MarkOpenComplete signals that this handle is safe to release. Idempotent.
func (fh *FileHandle) MarkOpenComplete() {
	fh.openOnce.Do(func() { close(fh.awaitOpen) })
}

// AwaitOpen blocks until MarkOpenComplete has run, implementing the
// release-before-open-completes ordering supplemented from cgfs_async.c.
func (fh *FileHandle) AwaitOpen() { <-fh.awaitOpen }

// ReadFD and WriteFD both currently return the same fd, per §4.2's note
// that the read-fd accessor "may return the same fd as write-fd" (this
// gateway never splits them). WriteFD additionally marks the handle dirty.
func (fh *FileHandle) ReadFD() *os.File { return fh.file }

// WriteFD marks the handle dirty as a side effect and reports whether the
// notify-write throttle should fire now (the caller is responsible for
// actually issuing the Backend notify_write call and then calling
// RecordNotifyWrite).
func (fh *FileHandle) WriteFD(now time.Time) (fd *os.File, shouldNotify bool) {
	fh.dirty = true
	shouldNotify = now.Sub(fh.lastNotifyWriteAt) >= fh.notifyThrottle
	return fh.file, shouldNotify
}

// RecordNotifyWrite records that a notify_write was just issued, resetting
// the throttle window.
func (fh *FileHandle) RecordNotifyWrite(now time.Time) {
	fh.lastNotifyWriteAt = now
}

// Dirty reports whether any WriteFD has been observed since the handle was
// opened (used to decide the Release(ino, dirty) argument to the Backend).
func (fh *FileHandle) Dirty() bool { return fh.dirty }

// RefreshAttributes restats the local fd and returns updated size/mtime,
// the File Handler's "explicit refresh inode attributes from fd" accessor
// from §4.2, used after a successful write or fsync completion.
func (fh *FileHandle) RefreshAttributes() (size uint64, mtime time.Time, err error) {
	info, err := fh.file.Stat()
	if err != nil {
		return 0, time.Time{}, err
	}
	return uint64(info.Size()), info.ModTime(), nil
}

// Pread/Pwrite/Fsync perform the blocking local fd I/O the AIO state
// machines drive from a worker goroutine, via golang.org/x/sys/unix exactly
// as the teacher's dependency set implies for raw fd access (the jacobsa
// gcsfuse product itself keeps this fd plumbing behind a lease/mutable
// abstraction this core's scope excludes). Pread/Pwrite are indirected
// through preadFunc/pwriteFunc so tests can simulate the short
// reads/writes a real local fd essentially never produces, the same
// override-a-package-var seam common/util.go uses for kernelVersionToTest.
func (fh *FileHandle) Pread(buf []byte, off int64) (int, error) {
	if fh.preadFunc != nil {
		return fh.preadFunc(buf, off)
	}
	return unix.Pread(int(fh.file.Fd()), buf, off)
}

func (fh *FileHandle) Pwrite(buf []byte, off int64) (int, error) {
	if fh.pwriteFunc != nil {
		return fh.pwriteFunc(buf, off)
	}
	return unix.Pwrite(int(fh.file.Fd()), buf, off)
}

// SetPreadForTest overrides the local read syscall, letting a test drive the
// read state machine's Partial/AIO-Pending resumption deterministically.
func (fh *FileHandle) SetPreadForTest(fn func(buf []byte, off int64) (int, error)) {
	fh.preadFunc = fn
}

// SetPwriteForTest is SetPreadForTest's write-path counterpart.
func (fh *FileHandle) SetPwriteForTest(fn func(buf []byte, off int64) (int, error)) {
	fh.pwriteFunc = fn
}

func (fh *FileHandle) Fsync(datasync bool) error {
	if datasync {
		return unix.Fdatasync(int(fh.file.Fd()))
	}
	return unix.Fsync(int(fh.file.Fd()))
}

// Close releases the local fd. Errors are logged by the caller, not
// surfaced, matching the compensating-operation error-handling design.
func (fh *FileHandle) Close() error {
	return fh.file.Close()
}
