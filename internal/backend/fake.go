package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/gwerrors"
)

// Fake is an in-memory Client implementation used by unit tests, grounded
// on the same inode-cache-facing shape as GCSClient but backed by a plain
// map instead of a real bucket. It deliberately reproduces the same
// precondition-failure-to-EEXIST behavior as the real client so dispatcher
// tests exercise identical error paths without a network dependency.
type Fake struct {
	mu sync.Mutex

	nextIno uint64
	objects map[uint64]*fakeObject // by ino
	byName  map[string]uint64      // full path -> ino

	handles sync.Map // handle -> *fakeHandle
	nextHdl uint64

	blockSize uint32
	nameMax   uint32
}

type fakeObject struct {
	name    string
	isDir   bool
	content []byte
	symlink string
	mode    uint32
	nlink   uint32
	mtime   time.Time
	ctime   time.Time
}

type fakeHandle struct {
	ino   uint64
	dirty bool
}

// NewFake constructs an empty fake Backend with a pre-registered root at
// inode 1.
func NewFake() *Fake {
	f := &Fake{
		nextIno:   2,
		objects:   map[uint64]*fakeObject{1: {name: "", isDir: true, mode: 0040755, nlink: 1}},
		byName:    map[string]uint64{"": 1},
		blockSize: 4096,
		nameMax:   1024,
	}
	return f
}

func (f *Fake) BlockSize() uint32 { return f.blockSize }
func (f *Fake) NameMax() uint32   { return f.nameMax }

func (f *Fake) statLocked(ino uint64, o *fakeObject) Stat {
	mode := o.mode
	if o.isDir && mode == 0 {
		mode = 0040755
	}
	nlink := o.nlink
	if nlink == 0 {
		nlink = 1
	}
	ctime := o.ctime
	if ctime.IsZero() {
		ctime = o.mtime
	}
	return Stat{
		Ino:   ino,
		Size:  uint64(len(o.content)),
		Mode:  mode,
		Nlink: nlink,
		Mtime: o.mtime,
		Atime: o.mtime,
		Ctime: ctime,
	}
}

func join(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "/" + child
}

func (f *Fake) LookupChild(ctx context.Context, parentIno uint64, name string) (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.objects[parentIno]
	if !ok {
		return Stat{}, gwerrors.NotFound("LookupChild", "parent ino %d", parentIno)
	}
	if !parent.isDir {
		return Stat{}, gwerrors.NotADirectory("LookupChild", "ino %d", parentIno)
	}
	full := join(parent.name, name)
	ino, ok := f.byName[full]
	if !ok {
		return Stat{}, gwerrors.NotFound("LookupChild", "%s", full)
	}
	return f.statLocked(ino, f.objects[ino]), nil
}

func (f *Fake) GetAttr(ctx context.Context, ino uint64) (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[ino]
	if !ok {
		return Stat{}, gwerrors.NotFound("GetAttr", "ino %d", ino)
	}
	return f.statLocked(ino, o), nil
}

func (f *Fake) Readdir(ctx context.Context, ino uint64, continuation string) (ReaddirResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, ok := f.objects[ino]
	if !ok {
		return ReaddirResult{}, gwerrors.NotFound("Readdir", "ino %d", ino)
	}
	if !dir.isDir {
		return ReaddirResult{}, gwerrors.NotADirectory("Readdir", "ino %d", ino)
	}

	prefix := dir.name
	var entries []DirEntry
	for name, childIno := range f.byName {
		if name == prefix {
			continue
		}
		var rel string
		if prefix == "" {
			rel = name
		} else if strings.HasPrefix(name, prefix+"/") {
			rel = strings.TrimPrefix(name, prefix+"/")
		} else {
			continue
		}
		if strings.Contains(rel, "/") {
			continue // not a direct child
		}
		entries = append(entries, DirEntry{Name: rel, Stat: f.statLocked(childIno, f.objects[childIno])})
	}

	return ReaddirResult{Entries: entries, UseDirIndex: true}, nil
}

func (f *Fake) registerHandle(ino uint64) uint64 {
	f.nextHdl++
	hdl := f.nextHdl
	f.handles.Store(hdl, &fakeHandle{ino: ino})
	return hdl
}

func (f *Fake) Open(ctx context.Context, ino uint64, flags int) (OpenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[ino]
	if !ok {
		return OpenResult{}, gwerrors.NotFound("Open", "ino %d", ino)
	}
	return OpenResult{Stat: f.statLocked(ino, o), Handle: f.registerHandle(ino)}, nil
}

func (f *Fake) CreateAndOpen(ctx context.Context, parentIno uint64, name string, mode uint32, flags int) (OpenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.objects[parentIno]
	if !ok {
		return OpenResult{}, gwerrors.NotFound("CreateAndOpen", "parent ino %d", parentIno)
	}
	full := join(parent.name, name)
	if _, exists := f.byName[full]; exists {
		return OpenResult{}, gwerrors.Exists("CreateAndOpen", "%s", full)
	}

	ino := f.nextIno
	f.nextIno++
	now := time.Now()
	f.objects[ino] = &fakeObject{name: full, mode: 0100000 | mode, nlink: 1, mtime: now, ctime: now}
	f.byName[full] = ino

	return OpenResult{Stat: f.statLocked(ino, f.objects[ino]), Handle: f.registerHandle(ino)}, nil
}

func (f *Fake) Release(ctx context.Context, handle uint64, dirty bool) error {
	v, ok := f.handles.LoadAndDelete(handle)
	if !ok {
		return gwerrors.InvalidArgument("Release", "unknown handle %d", handle)
	}
	h := v.(*fakeHandle)
	h.dirty = dirty
	return nil
}

// SetHandleContent lets tests simulate a dirty write landing on the
// Backend's view of a handle before Release(dirty=true) is exercised.
func (f *Fake) SetHandleContent(handle uint64, content []byte) {
	v, ok := f.handles.Load(handle)
	if !ok {
		return
	}
	h := v.(*fakeHandle)
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.objects[h.ino]
	o.content = content
	o.mtime = time.Now()
}

func (f *Fake) SetAttr(ctx context.Context, ino uint64, attr Stat, sizeChanged bool) (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[ino]
	if !ok {
		return Stat{}, gwerrors.NotFound("SetAttr", "ino %d", ino)
	}
	if attr.Mode != 0 {
		o.mode = attr.Mode
	}
	if sizeChanged {
		if int(attr.Size) <= len(o.content) {
			o.content = o.content[:attr.Size]
		} else {
			grown := make([]byte, attr.Size)
			copy(grown, o.content)
			o.content = grown
		}
	}
	now := time.Now()
	o.mtime = now
	o.ctime = now
	return f.statLocked(ino, o), nil
}

func (f *Fake) MkDir(ctx context.Context, parentIno uint64, name string, mode uint32) (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.objects[parentIno]
	if !ok {
		return Stat{}, gwerrors.NotFound("MkDir", "parent ino %d", parentIno)
	}
	full := join(parent.name, name)
	if _, exists := f.byName[full]; exists {
		return Stat{}, gwerrors.Exists("MkDir", "%s", full)
	}

	ino := f.nextIno
	f.nextIno++
	now := time.Now()
	f.objects[ino] = &fakeObject{name: full, isDir: true, mode: 0040000 | mode, nlink: 1, mtime: now, ctime: now}
	f.byName[full] = ino
	return f.statLocked(ino, f.objects[ino]), nil
}

func (f *Fake) RmDir(ctx context.Context, parentIno uint64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.objects[parentIno]
	if !ok {
		return gwerrors.NotFound("RmDir", "parent ino %d", parentIno)
	}
	full := join(parent.name, name)
	ino, ok := f.byName[full]
	if !ok {
		return gwerrors.NotFound("RmDir", "%s", full)
	}
	for n := range f.byName {
		if n != full && strings.HasPrefix(n, full+"/") {
			return gwerrors.NotEmpty("RmDir", "%s", full)
		}
	}
	delete(f.byName, full)
	delete(f.objects, ino)
	return nil
}

func (f *Fake) Unlink(ctx context.Context, parentIno uint64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent, ok := f.objects[parentIno]
	if !ok {
		return gwerrors.NotFound("Unlink", "parent ino %d", parentIno)
	}
	full := join(parent.name, name)
	ino, ok := f.byName[full]
	if !ok {
		return gwerrors.NotFound("Unlink", "%s", full)
	}
	delete(f.byName, full)
	if o := f.objects[ino]; o != nil {
		if o.nlink > 1 {
			o.nlink--
			o.ctime = time.Now()
			return nil
		}
	}
	delete(f.objects, ino)
	return nil
}

func (f *Fake) Rename(ctx context.Context, oldParentIno uint64, oldName string, newParentIno uint64, newName string) (RenameResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	oldParent, ok := f.objects[oldParentIno]
	if !ok {
		return RenameResult{}, gwerrors.NotFound("Rename", "old parent ino %d", oldParentIno)
	}
	newParent, ok := f.objects[newParentIno]
	if !ok {
		return RenameResult{}, gwerrors.NotFound("Rename", "new parent ino %d", newParentIno)
	}
	src := join(oldParent.name, oldName)
	dst := join(newParent.name, newName)

	ino, ok := f.byName[src]
	if !ok {
		return RenameResult{}, gwerrors.NotFound("Rename", "%s", src)
	}

	var deletedIno uint64
	if dstIno, exists := f.byName[dst]; exists {
		dstObj := f.objects[dstIno]
		if dstObj.isDir {
			for n := range f.byName {
				if n != dst && strings.HasPrefix(n, dst+"/") {
					return RenameResult{}, gwerrors.NotEmpty("Rename", "%s", dst)
				}
			}
		}
		delete(f.byName, dst)
		if dstObj.nlink > 1 {
			dstObj.nlink--
			dstObj.ctime = time.Now()
		} else {
			delete(f.objects, dstIno)
		}
		deletedIno = dstIno
	}

	delete(f.byName, src)
	f.byName[dst] = ino
	f.objects[ino].name = dst
	f.objects[ino].ctime = time.Now()
	return RenameResult{RenamedIno: ino, DeletedIno: deletedIno}, nil
}

func (f *Fake) Hardlink(ctx context.Context, parentIno uint64, name string, targetIno uint64) (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.objects[parentIno]
	if !ok {
		return Stat{}, gwerrors.NotFound("Hardlink", "parent ino %d", parentIno)
	}
	target, ok := f.objects[targetIno]
	if !ok {
		return Stat{}, gwerrors.NotFound("Hardlink", "target ino %d", targetIno)
	}
	full := join(parent.name, name)
	if _, exists := f.byName[full]; exists {
		return Stat{}, gwerrors.Exists("Hardlink", "%s", full)
	}

	f.byName[full] = targetIno
	target.nlink++
	target.ctime = time.Now()
	return f.statLocked(targetIno, target), nil
}

func (f *Fake) Symlink(ctx context.Context, parentIno uint64, name string, target string, mode uint32) (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.objects[parentIno]
	if !ok {
		return Stat{}, gwerrors.NotFound("Symlink", "parent ino %d", parentIno)
	}
	full := join(parent.name, name)
	if _, exists := f.byName[full]; exists {
		return Stat{}, gwerrors.Exists("Symlink", "%s", full)
	}

	ino := f.nextIno
	f.nextIno++
	now := time.Now()
	f.objects[ino] = &fakeObject{name: full, symlink: target, mode: 0120000 | mode, nlink: 1, mtime: now, ctime: now, content: []byte(target)}
	f.byName[full] = ino
	return f.statLocked(ino, f.objects[ino]), nil
}

func (f *Fake) Readlink(ctx context.Context, ino uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[ino]
	if !ok {
		return "", gwerrors.NotFound("Readlink", "ino %d", ino)
	}
	if o.symlink == "" {
		return "", gwerrors.InvalidArgument("Readlink", "ino %d is not a symlink", ino)
	}
	return o.symlink, nil
}

func (f *Fake) NotifyWrite(ctx context.Context, handle uint64) error {
	v, ok := f.handles.Load(handle)
	if !ok {
		return gwerrors.InvalidArgument("NotifyWrite", "unknown handle %d", handle)
	}
	h := v.(*fakeHandle)
	h.dirty = true
	return nil
}

func (f *Fake) StatFS(ctx context.Context) (StatFS, error) {
	return StatFS{BlockSize: f.blockSize, NameMax: f.nameMax, Blocks: 1 << 20, Free: 1 << 20}, nil
}
