// Copyright 2025 Google LLC
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

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/lcfs-project/lcfs/cfg"
	"github.com/lcfs-project/lcfs/clock"
	"github.com/lcfs-project/lcfs/internal/diskio"
	"github.com/lcfs-project/lcfs/internal/inode"
	"github.com/lcfs-project/lcfs/internal/layerfs"
	"github.com/lcfs-project/lcfs/internal/logger"
)

// superblockMagic identifies block 0 of the device as an already
// initialized lcfsd superblock. Its absence means the device is
// being mounted for the first time and needs a fresh root layer.
const superblockMagic uint64 = 0x6c636673646231

// onDiskSuperblock is the flat block-0 encoding of the counters and
// chain head a layer needs to resume across mounts: lc_mount's C
// counterpart reads the equivalent fields out of the device's
// reserved superblock area before replaying the indirect chain.
type onDiskSuperblock struct {
	Magic      uint64
	NextInode  uint64
	InodeBlock uint64
	Inodes     uint64
	Root       uint64
}

func readSuperblock(dev diskio.BlockDevice) (*onDiskSuperblock, error) {
	buf := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(0, buf); err != nil {
		return nil, err
	}
	return &onDiskSuperblock{
		Magic:      binary.LittleEndian.Uint64(buf[0:8]),
		NextInode:  binary.LittleEndian.Uint64(buf[8:16]),
		InodeBlock: binary.LittleEndian.Uint64(buf[16:24]),
		Inodes:     binary.LittleEndian.Uint64(buf[24:32]),
		Root:       binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

func writeSuperblock(dev diskio.BlockDevice, sb *onDiskSuperblock) error {
	buf := make([]byte, dev.BlockSize())
	binary.LittleEndian.PutUint64(buf[0:8], sb.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], sb.NextInode)
	binary.LittleEndian.PutUint64(buf[16:24], sb.InodeBlock)
	binary.LittleEndian.PutUint64(buf[24:32], sb.Inodes)
	binary.LittleEndian.PutUint64(buf[32:40], sb.Root)
	return dev.WriteBlock(0, buf)
}

// bootstrapRoot initializes a fresh, empty root directory when the
// device carries no prior superblock. It relies on the caller having
// left layer.Super.NextInode at zero, so the single allocation here
// mints exactly fuseops.RootInodeID, its own parent.
func bootstrapRoot(layer *layerfs.Layer, cache *inode.Cache, clk clock.Clock, root fuseops.InodeID, uid, gid uint32) {
	inode.InodeAlloc(layer, cache, clk, root, inode.ModeDir|0o755, uid, gid, 0)
}

// runMount opens config's backing device, resumes (or bootstraps) the
// single root layer it holds, and serves it as a FUSE filesystem at
// mountPoint until the process receives SIGINT/SIGTERM or the kernel
// unmounts it, flushing and persisting the superblock on the way out.
func runMount(config *cfg.Config, mountPoint string) error {
	if err := logger.InitLogFile(config.Logging); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	dev, err := diskio.OpenFileBlockDevice(string(config.Device.Path), config.Device.BlockSizeBytes)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()

	sb, err := readSuperblock(dev)
	if err != nil {
		return fmt.Errorf("reading superblock: %w", err)
	}
	fresh := sb.Magic != superblockMagic

	gfs := layerfs.New()
	super := &layerfs.Superblock{}
	var root fuseops.InodeID
	if fresh {
		root = fuseops.RootInodeID
		super.NextInode.Store(0)
	} else {
		root = fuseops.InodeID(sb.Root)
		super.NextInode.Store(sb.NextInode)
		super.Inodes.Store(int64(sb.Inodes))
	}

	// NewLayer always resets Super.InodeBlock to InvalidBlock (a base
	// layer's starting state), so a resumed chain head is restored
	// only after construction.
	layer := layerfs.NewLayer(gfs, super, root, nil)
	if !fresh {
		layer.Super.InodeBlock = sb.InodeBlock
	}
	gfs.Register(layer)

	cache := inode.NewCache(layer, nil, config.Layer.BucketCount)
	alloc := diskio.NewBlockAllocator(1)
	pages := diskio.NewMemPageCache(dev)
	flusher := inode.NewFlusher(layer, cache, alloc, pages, dev, config.Layer.ClusterSize)
	clk := clock.RealClock{}

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())

	if fresh {
		bootstrapRoot(layer, cache, clk, root, uid, gid)
	} else if err := inode.LoadInodes(layer, cache, alloc, dev); err != nil {
		return fmt.Errorf("loading inodes: %w", err)
	}

	fs := newFileSystem(gfs, layer, cache, flusher, alloc, dev, clk, uid, gid)
	server := fuseutil.NewFileSystemServer(fs)

	mountCfg := &fuse.MountConfig{
		FSName:     config.AppName,
		VolumeName: config.AppName,
	}
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	logger.Infof("mounted %s at %s", config.Device.Path, mountPoint)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Infof("unmount signal received for %s", mountPoint)
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Errorf("unmount %s: %v", mountPoint, err)
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("mfs.Join: %w", err)
	}

	if err := flusher.SyncInodes(); err != nil {
		return fmt.Errorf("syncing inodes on unmount: %w", err)
	}
	return writeSuperblock(dev, &onDiskSuperblock{
		Magic:      superblockMagic,
		NextInode:  layer.Super.NextInode.Load(),
		InodeBlock: layer.Super.InodeBlock,
		Inodes:     uint64(layer.Super.Inodes.Load()),
		Root:       uint64(root),
	})
}
