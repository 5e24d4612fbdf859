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

// Package inode is the per-layer inode cache and its copy-on-write
// lifecycle: loading inodes from disk, looking them up across a
// parent chain, cloning on first write, protecting them with
// per-inode locks, batching dirty inodes to disk in clustered
// writes, and destroying them on layer teardown.
package inode

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/lcfs-project/lcfs/clock"
	"github.com/lcfs-project/lcfs/internal/diskio"
	"github.com/lcfs-project/lcfs/internal/layerfs"
	"github.com/lcfs-project/lcfs/internal/payload"
)

// InvalidBlock is the sentinel on-disk block address meaning
// "never flushed" (i_block), "no on-disk location" (xattr/bmap-dir
// block), or "freed slot to be skipped" in an inode-block record.
const InvalidBlock = layerfs.InvalidBlock

// Mode bits. Only the type bits this package needs to distinguish
// regular/directory/symlink are defined; permission bits pass through
// unexamined.
const (
	ModeTypeMask uint32 = 0o170000
	ModeRegular  uint32 = 0o100000
	ModeDir      uint32 = 0o040000
	ModeSymlink  uint32 = 0o120000
)

// invariant aborts the process on a programmer-error invariant
// violation, per spec.md §7: "assertion violations ... are never
// signaled to the caller."
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("inode: invariant violated: "+format, args...))
	}
}

// DirtyFlags names the independent dirty bits an inode record tracks
// (spec.md §3). They are combined with MarkDirty.
type DirtyFlags uint8

const (
	DirtyInode DirtyFlags = 1 << iota
	DirtyBmap
	DirtyDir
	DirtyXattr
)

// Inode is one resident filesystem object: the in-memory entity
// owning variant payload (file extents/block map, directory entries,
// symlink target), POSIX metadata, dirty flags, and a reader/writer
// lock (spec.md §3).
type Inode struct {
	mu    sync.RWMutex
	layer *layerfs.Layer

	// next chains this inode into its hash bucket's singly linked
	// list (spec.md §9 DESIGN NOTE: "bucket-owned list container
	// where each inode stores its own next-pointer").
	next *Inode

	// Identity.
	Ino    fuseops.InodeID
	Parent fuseops.InodeID

	// POSIX stat block.
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Size    uint64
	Blocks  uint64
	Rdev    uint32
	Blksize uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time

	// On-disk location of this inode's own serialized record, or
	// InvalidBlock until first flush.
	IBlock uint64

	// Regular-file variant: either an extent or a block map, never
	// both (spec.md §3 invariant 5).
	ExtentBlock  uint64
	ExtentLength uint64
	Bmap         payload.BlockMap

	// PayloadBlock/PayloadExtents locate the on-disk encoding of
	// whichever variant payload this inode's type needs (block map
	// directory, directory entries, or symlink target); unused
	// (InvalidBlock) for an extent-backed or empty regular file.
	PayloadBlock   uint64
	PayloadExtents []diskio.Extent

	// Directory variant.
	Dirent payload.Dir

	// Symlink variant: the link target bytes. CloneInode gives a clone
	// its own copy of them even though it sets Shared.
	Target []byte

	// Extended attributes.
	Xattr        payload.Xattrs
	XattrBlock   uint64
	XattrExtents []diskio.Extent

	// Dirty/lifecycle flags (spec.md §3).
	Dirty      bool
	BmapDirty  bool
	DirDirty   bool
	XattrDirty bool
	Removed    bool
	Shared     bool
	Private    bool
}

// Layer returns the layer this inode is resident in.
func (ino *Inode) Layer() *layerfs.Layer { return ino.layer }

// IsDir, IsRegular and IsSymlink classify the inode by its mode's
// type bits.
func (ino *Inode) IsDir() bool      { return ino.Mode&ModeTypeMask == ModeDir }
func (ino *Inode) IsRegular() bool  { return ino.Mode&ModeTypeMask == ModeRegular }
func (ino *Inode) IsSymlink() bool  { return ino.Mode&ModeTypeMask == ModeSymlink }

// Lock takes the reader or writer side of the inode's lock, per the
// requested mode. If the owning layer is frozen, this is a no-op:
// layer teardown and certain snapshot operations guarantee exclusive
// access to the whole layer without per-inode locking (spec.md §4.1,
// §5 "Frozen-layer fast path").
func (ino *Inode) Lock(exclusive bool) {
	if ino.layer != nil && ino.layer.Frozen.Load() {
		return
	}
	if exclusive {
		ino.mu.Lock()
	} else {
		ino.mu.RLock()
	}
}

// Unlock releases whichever side of the lock the matching Lock call
// took. Callers must pair Lock/Unlock on every exit path; the lock is
// non-reentrant.
func (ino *Inode) Unlock(exclusive bool) {
	if ino.layer != nil && ino.layer.Frozen.Load() {
		return
	}
	if exclusive {
		ino.mu.Unlock()
	} else {
		ino.mu.RUnlock()
	}
}

// UpdateTimes sets the requested subset of timestamps from clk's
// current time, with the clock's native precision (spec.md §4.1).
func (ino *Inode) UpdateTimes(clk clock.Clock, atime, mtime, ctime bool) {
	now := clk.Now()
	if atime {
		ino.Atime = now
	}
	if mtime {
		ino.Mtime = now
	}
	if ctime {
		ino.Ctime = now
	}
}

// MarkDirty sets the given independent dirty bits on the inode
// (spec.md §6, markInodeDirty helper).
func (ino *Inode) MarkDirty(flags DirtyFlags) {
	if flags&DirtyInode != 0 {
		ino.Dirty = true
	}
	if flags&DirtyBmap != 0 {
		ino.BmapDirty = true
	}
	if flags&DirtyDir != 0 {
		ino.DirDirty = true
	}
	if flags&DirtyXattr != 0 {
		ino.XattrDirty = true
	}
}

// newInode allocates a zeroed inode record with its location
// sentinels set to InvalidBlock, matching lc_newInode in the original
// source.
func newInode(l *layerfs.Layer) *Inode {
	return &Inode{
		layer:        l,
		IBlock:       InvalidBlock,
		PayloadBlock: InvalidBlock,
		XattrBlock:   InvalidBlock,
	}
}
