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

package inode

import (
	"fmt"

	"github.com/lcfs-project/lcfs/internal/diskio"
	"github.com/lcfs-project/lcfs/internal/layerfs"
	"github.com/lcfs-project/lcfs/internal/payload"
)

// DefaultClusterSize is the number of staged dirty pages the flusher
// batches before forcing a write, absent an explicit override
// (spec.md §4.5, "LC_CLUSTER_SIZE").
const DefaultClusterSize = 32

// InodeClusterSize is the number of contiguous inode-body blocks
// reserved from the allocator in one run (spec.md §4.5,
// "LC_INODE_CLUSTER_SIZE"; inode.c:341's fs_blockInodesCount).
const InodeClusterSize = 64

// Flusher batches dirty inodes and their payload into clustered
// writes against a layer's indirect chain (spec.md §4.5). It owns no
// state of its own beyond its collaborators: the write position lives
// on layer.Cursor so it survives across FlushInode calls and is
// visible to SyncInodes's final drain.
type Flusher struct {
	Layer       *layerfs.Layer
	Cache       *Cache
	Alloc       *diskio.BlockAllocator
	Pages       diskio.PageCache
	Dev         diskio.BlockDevice
	ClusterSize int
}

// NewFlusher returns a Flusher for layer. clusterSize <= 0 selects
// DefaultClusterSize.
func NewFlusher(layer *layerfs.Layer, cache *Cache, alloc *diskio.BlockAllocator, pages diskio.PageCache, dev diskio.BlockDevice, clusterSize int) *Flusher {
	if clusterSize <= 0 {
		clusterSize = DefaultClusterSize
	}
	return &Flusher{Layer: layer, Cache: cache, Alloc: alloc, Pages: pages, Dev: dev, ClusterSize: clusterSize}
}

// FlushInode writes out ino's dirty payload and, if its own record is
// dirty, the record itself, in the fixed order xattrdirty, bmapdirty,
// dirdirty, then the inode's own dirty bit — each cleared only after
// its write is staged (spec.md §4.5). A removed inode that was never
// flushed (IBlock still InvalidBlock) is dropped without ever writing
// a record for it.
func (f *Flusher) FlushInode(ino *Inode) error {
	ino.Lock(true)
	defer ino.Unlock(true)

	if !ino.XattrDirty && !ino.BmapDirty && !ino.DirDirty && !ino.Dirty {
		return nil
	}

	blockSize := f.Dev.BlockSize()

	if ino.XattrDirty {
		if len(ino.Xattr) == 0 {
			ino.XattrBlock = InvalidBlock
			ino.XattrExtents = nil
		} else {
			blk, err := f.Alloc.AllocMetadataRun(1, false)
			if err != nil {
				return fmt.Errorf("inode: allocating xattr block for inode %d: %w", ino.Ino, err)
			}
			buf, err := fitInBlock(payload.EncodeXattrs(ino.Xattr), blockSize)
			if err != nil {
				return fmt.Errorf("inode: xattrs for inode %d: %w", ino.Ino, err)
			}
			if err := f.stagePage(blk, buf); err != nil {
				return err
			}
			ino.XattrBlock = blk
			ino.XattrExtents = []diskio.Extent{{Block: blk, Length: 1}}
		}
		ino.XattrDirty = false
	}

	if ino.BmapDirty {
		if len(ino.Bmap) == 0 {
			ino.PayloadBlock = InvalidBlock
			ino.PayloadExtents = nil
		} else {
			blk, err := f.Alloc.AllocMetadataRun(1, false)
			if err != nil {
				return fmt.Errorf("inode: allocating block map for inode %d: %w", ino.Ino, err)
			}
			buf, err := fitInBlock(payload.EncodeBlockMap(ino.Bmap), blockSize)
			if err != nil {
				return fmt.Errorf("inode: block map for inode %d: %w", ino.Ino, err)
			}
			if err := f.stagePage(blk, buf); err != nil {
				return err
			}
			ino.PayloadBlock = blk
			ino.PayloadExtents = []diskio.Extent{{Block: blk, Length: 1}}
		}
		ino.BmapDirty = false
	}

	if ino.DirDirty {
		blk, err := f.Alloc.AllocMetadataRun(1, false)
		if err != nil {
			return fmt.Errorf("inode: allocating directory entries for inode %d: %w", ino.Ino, err)
		}
		buf, err := fitInBlock(payload.EncodeDir(ino.Dirent), blockSize)
		if err != nil {
			return fmt.Errorf("inode: directory entries for inode %d: %w", ino.Ino, err)
		}
		if err := f.stagePage(blk, buf); err != nil {
			return err
		}
		ino.PayloadBlock = blk
		ino.PayloadExtents = []diskio.Extent{{Block: blk, Length: 1}}
		ino.DirDirty = false
	}

	if ino.Dirty {
		// A tombstone carries no metadata: its block-map-directory (or
		// directory-entry or symlink-target) payload block and its
		// xattr block are reclaimed right away, rather than waiting for
		// the layer's eventual teardown (spec.md §4.5 step 5,
		// inode.c:320-328).
		if ino.Removed {
			if len(ino.XattrExtents) > 0 {
				if err := f.Alloc.FreeExtents(ino.XattrExtents, true); err != nil {
					return fmt.Errorf("inode: freeing xattr extents for inode %d: %w", ino.Ino, err)
				}
				ino.XattrExtents = nil
			}
			if len(ino.PayloadExtents) > 0 {
				if err := f.Alloc.FreeExtents(ino.PayloadExtents, true); err != nil {
					return fmt.Errorf("inode: freeing payload extents for inode %d: %w", ino.Ino, err)
				}
				ino.PayloadExtents = nil
			}
		}

		if ino.Removed && ino.IBlock == InvalidBlock {
			ino.Dirty = false
			return nil
		}

		if ino.IsSymlink() && ino.PayloadBlock == InvalidBlock && len(ino.Target) > 0 {
			if len(ino.Target)+8 > blockSize {
				return fmt.Errorf("inode: symlink target for inode %d (%d bytes) does not fit in one device block", ino.Ino, len(ino.Target))
			}
			blk, err := f.Alloc.AllocMetadataRun(1, false)
			if err != nil {
				return fmt.Errorf("inode: allocating symlink target for inode %d: %w", ino.Ino, err)
			}
			if err := f.stagePage(blk, encodeBytes(ino.Target, blockSize)); err != nil {
				return err
			}
			ino.PayloadBlock = blk
			ino.PayloadExtents = []diskio.Extent{{Block: blk, Length: 1}}
		}

		blk, err := f.allocInodeBlock()
		if err != nil {
			return fmt.Errorf("inode: allocating record for inode %d: %w", ino.Ino, err)
		}
		buf := make([]byte, blockSize)
		toDinode(ino).encode(buf)
		if err := f.stagePage(blk, buf); err != nil {
			return err
		}
		ino.IBlock = blk
		if err := f.appendInodeBlock(blk); err != nil {
			return err
		}
		ino.Dirty = false
	}

	return nil
}

// InvalidateInodePages clears ino's pending payload dirty bits without
// ever writing them, and drops its own dirty bit too if it was never
// flushed. Used when an inode is removed before any of its pending
// writes reached disk, so they never need to (spec.md §4.5).
func (f *Flusher) InvalidateInodePages(ino *Inode) {
	ino.Lock(true)
	defer ino.Unlock(true)
	ino.BmapDirty = false
	ino.DirDirty = false
	ino.XattrDirty = false
	if ino.IBlock == InvalidBlock {
		ino.Dirty = false
	}
}

// SyncInodes flushes every dirty inode resident in the layer, in
// cache-bucket order, then drains whatever indirect-chain record and
// page cluster are still open (spec.md §4.5). If the layer is marked
// Removed partway through, remaining inodes are skipped rather than
// flushed — there is no on-disk state left to keep consistent for a
// layer being torn down.
func (f *Flusher) SyncInodes() error {
	var firstErr error
	f.Cache.ForEach(func(ino *Inode) {
		if firstErr != nil || f.Layer.Removed.Load() {
			return
		}
		if err := f.FlushInode(ino); err != nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return firstErr
	}
	if f.Layer.Removed.Load() {
		return nil
	}
	if err := f.flushChainRecord(); err != nil {
		return err
	}
	return f.flushPageCluster()
}

// allocInodeBlock returns the next block for an inode's own on-disk
// record. It consumes sequentially from the layer cursor's currently
// reserved run of InodeClusterSize blocks, reserving a fresh
// contiguous run from the allocator once the current one runs out
// (spec.md §4.5; inode.c:336-347's fs_blockInodes/fs_blockInodesCount).
func (f *Flusher) allocInodeBlock() (uint64, error) {
	cur := &f.Layer.Cursor
	if cur.BlockInodesCount == 0 {
		first, err := f.Alloc.AllocMetadataRun(InodeClusterSize, true)
		if err != nil {
			return 0, fmt.Errorf("inode: reserving inode block cluster: %w", err)
		}
		cur.BlockInodesNext = first
		cur.BlockInodesCount = InodeClusterSize
	}
	blk := cur.BlockInodesNext
	cur.BlockInodesNext++
	cur.BlockInodesCount--
	return blk, nil
}

// appendInodeBlock records that an inode's on-disk record now lives
// at childBlock, appending it to the layer's currently open
// inode-block record (or opening a new one, chained ahead of the
// current chain head) and flushing that record once it fills to
// diskio.InodeBlockCapacity entries (spec.md §3, §6).
func (f *Flusher) appendInodeBlock(childBlock uint64) error {
	cur := &f.Layer.Cursor
	if cur.Record == nil {
		recBlock, err := f.Alloc.AllocMetadataRun(1, false)
		if err != nil {
			return fmt.Errorf("inode: allocating inode-block record: %w", err)
		}
		cur.Record = &diskio.InodeBlockRecord{Next: f.Layer.Super.InodeBlock}
		cur.RecordBlock = recBlock
		cur.Index = 0
	}

	cur.Record.Blocks[cur.Index] = childBlock
	cur.Index++

	if cur.Index >= diskio.InodeBlockCapacity {
		return f.flushChainRecord()
	}
	return nil
}

// flushChainRecord stages the currently open inode-block record for
// write and makes it the new chain head.
func (f *Flusher) flushChainRecord() error {
	cur := &f.Layer.Cursor
	if cur.Record == nil {
		return nil
	}
	buf := make([]byte, diskio.EncodedSize)
	if diskio.EncodedSize > f.Dev.BlockSize() {
		return fmt.Errorf("inode: inode-block record (%d bytes) does not fit in one device block (%d bytes)", diskio.EncodedSize, f.Dev.BlockSize())
	}
	full := make([]byte, f.Dev.BlockSize())
	cur.Record.Encode(buf)
	copy(full, buf)

	if err := f.stagePage(cur.RecordBlock, full); err != nil {
		return err
	}
	f.Layer.Super.InodeBlock = cur.RecordBlock
	cur.Record = nil
	cur.RecordBlock = 0
	cur.Index = 0
	return nil
}

// stagePage adds one page to the layer's staging list, flushing the
// list first if block is not the immediate successor of the list's
// current head, and flushing it, new page included, once it holds
// ClusterSize pages (spec.md §4.5, "Clustered flush").
func (f *Flusher) stagePage(block uint64, data []byte) error {
	cur := &f.Layer.Cursor
	if cur.Pages != nil && block != cur.Pages.Block+1 {
		if err := f.flushPageCluster(); err != nil {
			return err
		}
	}

	p := f.Pages.GetPageNewData(block)
	copy(p.Data, data)
	p.DValid = true
	p.Next = cur.Pages
	cur.Pages = p
	cur.PageCount++

	if cur.PageCount >= f.ClusterSize {
		return f.flushPageCluster()
	}
	return nil
}

func (f *Flusher) flushPageCluster() error {
	cur := &f.Layer.Cursor
	if cur.Pages == nil {
		return nil
	}
	if err := f.Pages.FlushPageCluster(cur.Pages, cur.PageCount); err != nil {
		return err
	}
	f.Pages.ReleasePages(cur.Pages)
	cur.Pages = nil
	cur.PageCount = 0
	return nil
}

// fitInBlock zero-pads data into a blockSize buffer, or errors if it
// does not fit. Every variant payload this package writes is small
// flat metadata, never a real extent tree, so this should only ever
// trip on a pathologically large directory or xattr set.
func fitInBlock(data []byte, blockSize int) ([]byte, error) {
	if len(data) > blockSize {
		return nil, fmt.Errorf("encoded payload (%d bytes) does not fit in one device block (%d bytes)", len(data), blockSize)
	}
	buf := make([]byte, blockSize)
	copy(buf, data)
	return buf, nil
}
