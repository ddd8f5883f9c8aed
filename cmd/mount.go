// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"google.golang.org/api/option"

	"github.com/googlecloudplatform/gcsfuse-gateway/cfg"
	"github.com/googlecloudplatform/gcsfuse-gateway/common"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/backend"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/dispatcher"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/eventloop"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/inode"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/localfile"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/logger"
)

// newBackendClient builds the Client the Dispatcher talks to. A
// custom-endpoint pointed at "fake" skips cloud auth entirely and serves the
// mount out of an in-memory Fake, the same role BanzaiMan-gcsfuse's
// fstesting harness gives a fake bucket -- useful for trying a mount point
// without cloud credentials.
func newBackendClient(ctx context.Context, c *cfg.Config) (backend.Client, error) {
	if c.Backend.CustomEndpoint == "fake" {
		logger.Infof("Backend.CustomEndpoint=fake: serving %q from an in-memory Fake", c.Backend.Bucket)
		return backend.NewFake(), nil
	}

	var opts []option.ClientOption
	if c.Backend.CustomEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Backend.CustomEndpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}

	const nameMax = 1024
	blockSize := uint32(c.IO.GCSChunkSizeBytes)
	return backend.NewGCSClient(client, c.Backend.Bucket, blockSize, nameMax), nil
}

// mount assembles the Inode Cache, the Backend client, the event loop and
// the Dispatcher, then hands the result to fuse.Mount -- cmd/mount.go's job,
// per the Dispatcher's own constructor comment. Grounded on the teacher's
// mountWithStorageHandle: sanity-check inputs, build the collaborators in
// dependency order, mount, then join until the kernel unmounts or a signal
// arrives.
func mount(ctx context.Context, mountPoint string, c *cfg.Config) (err error) {
	if err := logger.Init(c.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	if unsupported, err := common.IsKLCacheEvictionUnSupported(); err == nil && unsupported {
		logger.Warnf("kernel does not support dentry eviction on this version; directory listings may serve stale entries past their TTL until the kernel is upgraded")
	}

	client, err := newBackendClient(ctx, c)
	if err != nil {
		return err
	}

	uid, gid := resolveOwner(c.FileSystem.Uid, c.FileSystem.Gid)

	cache := inode.NewCache(logger.Default())
	rootAttrs := fuseops.InodeAttributes{
		Mode: os.FileMode(c.FileSystem.DirMode) | os.ModeDir,
		Uid:  uid,
		Gid:  gid,
	}
	root := cache.Insert(fuseops.RootInodeID, "", inode.KindDir, rootAttrs)
	root.Mu.Lock()
	root.IncrementLookupCount()
	root.Mu.Unlock()

	loop := eventloop.New(int64(c.IO.AIOWorkers))
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go loop.Run(loopCtx)

	cacheDir, err := os.MkdirTemp("", "gcsfuse-gateway-cache-")
	if err != nil {
		return fmt.Errorf("creating local cache directory: %w", err)
	}
	defer os.RemoveAll(cacheDir)

	opener := &localfile.Opener{
		Dir:                 cacheDir,
		NotifyWriteThrottle: time.Duration(c.IO.NotifyWriteThrottleMillis) * time.Millisecond,
	}

	dispatcherCfg := dispatcher.Config{
		Uid:                  uid,
		Gid:                  gid,
		FileMode:             uint32(c.FileSystem.FileMode),
		DirMode:              uint32(c.FileSystem.DirMode),
		NotifyWriteThrottle:  time.Duration(c.IO.NotifyWriteThrottleMillis) * time.Millisecond,
		ShutdownDrainTimeout: time.Duration(c.IO.ShutdownDrainTimeoutMillis) * time.Millisecond,
	}
	d := dispatcher.New(dispatcherCfg, cache, client, loop, timeutil.RealClock(), opener)

	server := fuseutil.NewFileSystemServer(d)

	mountCfg := &fuse.MountConfig{
		FSName:     c.Backend.Bucket,
		Subtype:    "gcsfuse-gateway",
		VolumeName: c.AppName,
		// Directory inodes are locked exclusively only around the Backend
		// Readdir call itself; concurrent LookUpInode/ReadDir from the kernel
		// is safe.
		EnableParallelDirOps: true,
	}

	logger.Infof("Mounting %q at %q...", c.Backend.Bucket, mountPoint)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	shutdown := common.JoinShutdownFunc(
		d.Shutdown,
		func(context.Context) error {
			cancelLoop()
			return nil
		},
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("Received shutdown signal, unmounting %q...", mountPoint)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), dispatcherCfg.ShutdownDrainTimeout+5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Errorf("dispatcher shutdown: %v", err)
		}

		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Errorf("unmount: %v", err)
		}
	}()

	return mfs.Join(ctx)
}

// resolveOwner fills in the --uid/--gid -1 sentinel (meaning "use the
// mounting process's own ids") the way the teacher's perms.MyUserAndGroup
// resolves the same default.
func resolveOwner(uid, gid int) (uint32, uint32) {
	resolvedUID, resolvedGID := uint32(os.Getuid()), uint32(os.Getgid())
	if uid >= 0 {
		resolvedUID = uint32(uid)
	}
	if gid >= 0 {
		resolvedGID = uint32(gid)
	}
	return resolvedUID, resolvedGID
}
