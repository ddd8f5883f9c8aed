// Package localfile provides the Dispatcher's LocalFileOpener
// implementation: a plain temp-file-backed cache file per open handle.
// spec.md explicitly excludes the cache file's internal byte layout from
// scope, so this package only creates/truncates a file and hands back a
// handle.FileHandle wrapping it -- grounded on fs/fs.go's ServerConfig.TempDir
// and on BanzaiMan-gcsfuse/mutable.Content's "external synchronization
// required, create from an initial read proxy" shape, generalized to a bare
// *os.File since the byte-range dirty-tracking that package layers on top
// is out of this gateway's scope.
package localfile

import (
	"context"
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/handle"
)

// Opener creates a fresh temp file under Dir for every FileHandle, the way
// the teacher's ServerConfig.TempDir configures a shared scratch directory
// for dirtied file content.
type Opener struct {
	Dir                 string
	NotifyWriteThrottle time.Duration
}

// Open creates a new empty temp file for ino and wraps it in a
// handle.FileHandle. The Handle/RemoteHandle fields are left zero; the
// caller (Dispatcher.newFileHandle) fills them in once it knows the
// Backend-assigned handle ID.
func (o *Opener) Open(ctx context.Context, ino fuseops.InodeID) (*handle.FileHandle, error) {
	f, err := os.CreateTemp(o.Dir, "gcsfuse-gateway-")
	if err != nil {
		return nil, err
	}
	return handle.NewFileHandle(ino, 0, 0, f, o.NotifyWriteThrottle), nil
}
