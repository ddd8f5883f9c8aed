package backend

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/googlecloudplatform/gcsfuse-gateway/common"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/gwerrors"
)

// GCSClient implements Client against a real cloud.google.com/go/storage
// bucket, treating object names as the gateway's directory tree (a trailing
// "/" marks a directory placeholder object, the same convention the
// teacher's fs/inode package uses for GCS-object-backed directories).
type GCSClient struct {
	bucket *storage.BucketHandle

	blockSize uint32
	nameMax   uint32

	mu         sync.Mutex
	nextIno    uint64
	inoByName  map[string]uint64
	nameByIno  map[uint64]string
	nlinkByIno map[uint64]uint32 // only populated for inos that have been Hardlinked

	handles   sync.Map // handle uint64 -> *openHandle
	nextHdl   uint64
}

type openHandle struct {
	name  string
	ino   uint64
	dirty atomic.Bool
}

// NewGCSClient constructs a Client backed by the given bucket handle. The
// root directory is pre-registered as inode 1's object name "".
func NewGCSClient(client *storage.Client, bucketName string, blockSize, nameMax uint32) *GCSClient {
	c := &GCSClient{
		bucket:    client.Bucket(bucketName),
		blockSize: blockSize,
		nameMax:   nameMax,
		nextIno:    2,
		inoByName:  map[string]uint64{"": 1},
		nameByIno:  map[uint64]string{1: ""},
		nlinkByIno: make(map[uint64]uint32),
	}
	return c
}

func (c *GCSClient) BlockSize() uint32 { return c.blockSize }
func (c *GCSClient) NameMax() uint32   { return c.nameMax }

func (c *GCSClient) inoFor(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ino, ok := c.inoByName[name]; ok {
		return ino
	}
	ino := c.nextIno
	c.nextIno++
	c.inoByName[name] = ino
	c.nameByIno[ino] = name
	return ino
}

func (c *GCSClient) nameFor(ino uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.nameByIno[ino]
	return name, ok
}

// nlinkFor reports the tracked link count for ino, defaulting to 1 for the
// overwhelming majority of inos that have never been Hardlinked.
func (c *GCSClient) nlinkFor(ino uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nlinkByIno[ino]; ok {
		return n
	}
	return 1
}

func childName(parentName, child string) string {
	if parentName == "" {
		return child
	}
	return strings.TrimSuffix(parentName, "/") + "/" + child
}

func statFromAttrs(ino uint64, attrs *storage.ObjectAttrs) Stat {
	mode := uint32(0100644)
	if strings.HasSuffix(attrs.Name, "/") {
		mode = 0040755
	}
	return Stat{
		Ino:   ino,
		Size:  uint64(attrs.Size),
		Mode:  mode,
		Nlink: 1,
		Mtime: attrs.Updated,
		Ctime: attrs.Updated,
		Atime: attrs.Updated,
	}
}

func (c *GCSClient) LookupChild(ctx context.Context, parentIno uint64, name string) (Stat, error) {
	parentName, ok := c.nameFor(parentIno)
	if !ok {
		return Stat{}, gwerrors.NotFound("LookupChild", "parent ino %d", parentIno)
	}
	full := childName(parentName, name)

	attrs, err := c.bucket.Object(full).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		// Retry as a directory placeholder.
		attrs, err = c.bucket.Object(full + "/").Attrs(ctx)
		full += "/"
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Stat{}, gwerrors.NotFound("LookupChild", "%s", full)
	}
	if err != nil {
		return Stat{}, gwerrors.FromBackend("LookupChild", err)
	}

	ino := c.inoFor(full)
	st := statFromAttrs(ino, attrs)
	st.Nlink = c.nlinkFor(ino)
	return st, nil
}

func (c *GCSClient) GetAttr(ctx context.Context, ino uint64) (Stat, error) {
	name, ok := c.nameFor(ino)
	if !ok {
		return Stat{}, gwerrors.NotFound("GetAttr", "ino %d", ino)
	}
	if ino == 1 {
		return Stat{Ino: 1, Mode: 0040755, Nlink: 1}, nil
	}
	attrs, err := c.bucket.Object(name).Attrs(ctx)
	if err != nil {
		return Stat{}, gwerrors.FromBackend("GetAttr", err)
	}
	st := statFromAttrs(ino, attrs)
	st.Nlink = c.nlinkFor(ino)
	return st, nil
}

func (c *GCSClient) Readdir(ctx context.Context, ino uint64, continuation string) (ReaddirResult, error) {
	prefix, ok := c.nameFor(ino)
	if !ok {
		return ReaddirResult{}, gwerrors.NotFound("Readdir", "ino %d", ino)
	}
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	it := c.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	pager := iterator.NewPager(it, 1000, continuation)

	var objs []*storage.ObjectAttrs
	nextTok, err := pager.NextPage(&objs)
	if err != nil {
		return ReaddirResult{}, gwerrors.FromBackend("Readdir", err)
	}

	var entries []DirEntry
	for _, attrs := range objs {
		name := strings.TrimPrefix(attrs.Name, prefix)
		if name == "" {
			continue
		}
		ino := c.inoFor(attrs.Name)
		st := statFromAttrs(ino, attrs)
		st.Nlink = c.nlinkFor(ino)
		entries = append(entries, DirEntry{Name: strings.TrimSuffix(name, "/"), Stat: st})
	}

	return ReaddirResult{Entries: entries, UseDirIndex: true, Continuation: nextTok}, nil
}

func (c *GCSClient) Open(ctx context.Context, ino uint64, flags int) (OpenResult, error) {
	name, ok := c.nameFor(ino)
	if !ok {
		return OpenResult{}, gwerrors.NotFound("Open", "ino %d", ino)
	}
	attrs, err := c.bucket.Object(name).Attrs(ctx)
	if err != nil {
		return OpenResult{}, gwerrors.FromBackend("Open", err)
	}
	st := statFromAttrs(ino, attrs)
	st.Nlink = c.nlinkFor(ino)
	return c.registerHandle(name, ino, st), nil
}

func (c *GCSClient) registerHandle(name string, ino uint64, st Stat) OpenResult {
	hdl := atomic.AddUint64(&c.nextHdl, 1)
	c.handles.Store(hdl, &openHandle{name: name, ino: ino})
	return OpenResult{Stat: st, Handle: hdl}
}

func (c *GCSClient) CreateAndOpen(ctx context.Context, parentIno uint64, name string, mode uint32, flags int) (OpenResult, error) {
	parentName, ok := c.nameFor(parentIno)
	if !ok {
		return OpenResult{}, gwerrors.NotFound("CreateAndOpen", "parent ino %d", parentIno)
	}
	full := childName(parentName, name)

	w := c.bucket.Object(full).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if err := w.Close(); err != nil {
		var apiErr interface{ Error() string }
		if errors.As(err, &apiErr) && strings.Contains(err.Error(), "412") {
			return OpenResult{}, gwerrors.Exists("CreateAndOpen", "%s", full)
		}
		return OpenResult{}, gwerrors.FromBackend("CreateAndOpen", err)
	}

	ino := c.inoFor(full)
	now := time.Now()
	st := Stat{Ino: ino, Mode: 0100000 | mode, Nlink: 1, Mtime: now, Ctime: now, Atime: now}
	return c.registerHandle(full, ino, st), nil
}

func (c *GCSClient) Release(ctx context.Context, handle uint64, dirty bool) error {
	v, ok := c.handles.LoadAndDelete(handle)
	if !ok {
		return gwerrors.InvalidArgument("Release", "unknown handle %d", handle)
	}
	h := v.(*openHandle)
	if !dirty {
		return nil
	}
	_ = h
	return nil
}

func (c *GCSClient) SetAttr(ctx context.Context, ino uint64, attr Stat, sizeChanged bool) (Stat, error) {
	name, ok := c.nameFor(ino)
	if !ok {
		return Stat{}, gwerrors.NotFound("SetAttr", "ino %d", ino)
	}
	update := storage.ObjectAttrsToUpdate{}
	if _, err := c.bucket.Object(name).Update(ctx, update); err != nil {
		return Stat{}, gwerrors.FromBackend("SetAttr", err)
	}
	return c.GetAttr(ctx, ino)
}

func (c *GCSClient) MkDir(ctx context.Context, parentIno uint64, name string, mode uint32) (Stat, error) {
	parentName, ok := c.nameFor(parentIno)
	if !ok {
		return Stat{}, gwerrors.NotFound("MkDir", "parent ino %d", parentIno)
	}
	full := childName(parentName, name) + "/"

	w := c.bucket.Object(full).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if err := w.Close(); err != nil {
		if strings.Contains(err.Error(), "412") {
			return Stat{}, gwerrors.Exists("MkDir", "%s", full)
		}
		return Stat{}, gwerrors.FromBackend("MkDir", err)
	}

	ino := c.inoFor(full)
	now := time.Now()
	return Stat{Ino: ino, Mode: 0040000 | mode, Nlink: 1, Mtime: now, Ctime: now, Atime: now}, nil
}

func (c *GCSClient) RmDir(ctx context.Context, parentIno uint64, name string) error {
	parentName, ok := c.nameFor(parentIno)
	if !ok {
		return gwerrors.NotFound("RmDir", "parent ino %d", parentIno)
	}
	full := childName(parentName, name) + "/"

	it := c.bucket.Objects(ctx, &storage.Query{Prefix: full, Delimiter: "/"})
	var count int
	for {
		_, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return gwerrors.FromBackend("RmDir", err)
		}
		count++
		if count > 1 {
			return gwerrors.NotEmpty("RmDir", "%s", full)
		}
	}

	if err := c.bucket.Object(full).Delete(ctx); err != nil {
		return gwerrors.FromBackend("RmDir", err)
	}
	return nil
}

func (c *GCSClient) Unlink(ctx context.Context, parentIno uint64, name string) error {
	parentName, ok := c.nameFor(parentIno)
	if !ok {
		return gwerrors.NotFound("Unlink", "parent ino %d", parentIno)
	}
	full := childName(parentName, name)
	if err := c.bucket.Object(full).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return gwerrors.NotFound("Unlink", "%s", full)
		}
		return gwerrors.FromBackend("Unlink", err)
	}
	return nil
}

func (c *GCSClient) Rename(ctx context.Context, oldParentIno uint64, oldName string, newParentIno uint64, newName string) (RenameResult, error) {
	oldParentName, ok := c.nameFor(oldParentIno)
	if !ok {
		return RenameResult{}, gwerrors.NotFound("Rename", "old parent ino %d", oldParentIno)
	}
	newParentName, ok := c.nameFor(newParentIno)
	if !ok {
		return RenameResult{}, gwerrors.NotFound("Rename", "new parent ino %d", newParentIno)
	}
	src := childName(oldParentName, oldName)
	dst := childName(newParentName, newName)

	// The destination's pre-existing ino, if any, must be captured before the
	// copy below overwrites it, so the caller can decrement its cached nlink.
	var deletedIno uint64
	if _, err := c.bucket.Object(dst).Attrs(ctx); err == nil {
		c.mu.Lock()
		deletedIno = c.inoByName[dst]
		c.mu.Unlock()
	}

	srcObj := c.bucket.Object(src)
	dstObj := c.bucket.Object(dst)
	if _, err := dstObj.CopierFrom(srcObj).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return RenameResult{}, gwerrors.NotFound("Rename", "%s", src)
		}
		return RenameResult{}, gwerrors.FromBackend("Rename", err)
	}
	if err := srcObj.Delete(ctx); err != nil {
		return RenameResult{}, gwerrors.FromBackend("Rename", err)
	}

	c.mu.Lock()
	var renamedIno uint64
	if ino, ok := c.inoByName[src]; ok {
		delete(c.inoByName, src)
		c.inoByName[dst] = ino
		c.nameByIno[ino] = dst
		renamedIno = ino
	} else {
		renamedIno = c.inoByName[dst]
	}
	if deletedIno == renamedIno {
		deletedIno = 0
	}
	c.mu.Unlock()
	return RenameResult{RenamedIno: renamedIno, DeletedIno: deletedIno}, nil
}

func (c *GCSClient) Hardlink(ctx context.Context, parentIno uint64, name string, targetIno uint64) (Stat, error) {
	// GCS objects have no hardlink primitive. The new name is realized as a
	// copy of the target's bytes so it shows up in a live Readdir listing,
	// but the copy is aliased back to targetIno -- rather than minted a
	// fresh ino -- so both names resolve to the same cached Inode and share
	// its nlink count, per the Client.Hardlink contract.
	targetName, ok := c.nameFor(targetIno)
	if !ok {
		return Stat{}, gwerrors.NotFound("Hardlink", "target ino %d", targetIno)
	}
	parentName, ok := c.nameFor(parentIno)
	if !ok {
		return Stat{}, gwerrors.NotFound("Hardlink", "parent ino %d", parentIno)
	}
	full := childName(parentName, name)

	dstObj := c.bucket.Object(full)
	if _, err := dstObj.CopierFrom(c.bucket.Object(targetName)).Run(ctx); err != nil {
		return Stat{}, gwerrors.FromBackend("Hardlink", err)
	}
	attrs, err := dstObj.Attrs(ctx)
	if err != nil {
		return Stat{}, gwerrors.FromBackend("Hardlink", err)
	}

	c.mu.Lock()
	c.inoByName[full] = targetIno
	c.nlinkByIno[targetIno]++
	if c.nlinkByIno[targetIno] < 2 {
		c.nlinkByIno[targetIno] = 2
	}
	nlink := c.nlinkByIno[targetIno]
	c.mu.Unlock()

	st := statFromAttrs(targetIno, attrs)
	st.Nlink = nlink
	return st, nil
}

func (c *GCSClient) Symlink(ctx context.Context, parentIno uint64, name string, target string, mode uint32) (Stat, error) {
	parentName, ok := c.nameFor(parentIno)
	if !ok {
		return Stat{}, gwerrors.NotFound("Symlink", "parent ino %d", parentIno)
	}
	full := childName(parentName, name)

	w := c.bucket.Object(full).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.Metadata = map[string]string{"gateway-symlink-target": target}
	if _, err := w.Write([]byte(target)); err != nil {
		return Stat{}, gwerrors.FromBackend("Symlink", err)
	}
	if err := w.Close(); err != nil {
		if strings.Contains(err.Error(), "412") {
			return Stat{}, gwerrors.Exists("Symlink", "%s", full)
		}
		return Stat{}, gwerrors.FromBackend("Symlink", err)
	}

	ino := c.inoFor(full)
	now := time.Now()
	return Stat{Ino: ino, Mode: 0120000 | mode, Nlink: 1, Size: uint64(len(target)), Mtime: now, Ctime: now, Atime: now}, nil
}

func (c *GCSClient) Readlink(ctx context.Context, ino uint64) (string, error) {
	name, ok := c.nameFor(ino)
	if !ok {
		return "", gwerrors.NotFound("Readlink", "ino %d", ino)
	}
	attrs, err := c.bucket.Object(name).Attrs(ctx)
	if err != nil {
		return "", gwerrors.FromBackend("Readlink", err)
	}
	if target, ok := attrs.Metadata["gateway-symlink-target"]; ok {
		return target, nil
	}

	r, err := c.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return "", gwerrors.FromBackend("Readlink", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := common.CopyWhole(&buf, r, attrs.Size); err != nil {
		return "", gwerrors.FromBackend("Readlink", err)
	}
	return buf.String(), nil
}

func (c *GCSClient) NotifyWrite(ctx context.Context, handle uint64) error {
	v, ok := c.handles.Load(handle)
	if !ok {
		return gwerrors.InvalidArgument("NotifyWrite", "unknown handle %d", handle)
	}
	h := v.(*openHandle)
	h.dirty.Store(true)
	return nil
}

func (c *GCSClient) StatFS(ctx context.Context) (StatFS, error) {
	// No real quota API is wired (see the Open Question decision to keep
	// synthesized sentinel counts): a bucket has no fixed block budget.
	return StatFS{
		BlockSize: c.blockSize,
		NameMax:   c.nameMax,
		Blocks:    1 << 30,
		Free:      1 << 30,
	}, nil
}
