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
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/lcfs-project/lcfs/internal/diskio"
	"github.com/lcfs-project/lcfs/internal/layerfs"
	"github.com/lcfs-project/lcfs/internal/payload"
)

// LoadInodes walks layer's indirect chain of inode-block records from
// its superblock head and populates cache with every inode it finds,
// dispatching each to its variant reader by mode type (spec.md §4.3).
//
// Within one record, a zero entry terminates the record's in-use
// prefix (nothing beyond it in this record was ever assigned); an
// InvalidBlock entry marks a freed slot and is skipped without
// stopping the scan, since later slots in the same record may still
// be live (spec.md §6). The chain itself continues to record.Next
// regardless of where the current record's prefix ended, terminating
// only when Next == InvalidBlock.
//
// A slot whose inode record is a tombstone (serialized Mode == 0) is
// garbage at load time, not a resident inode: its block is freed back
// to alloc, the slot is overwritten with the invalid sentinel, and
// the record is rewritten once the scan of it finishes, so the next
// load never has to touch that block again (spec.md §4.3 step 2,
// inode.c:190-203's lc_freeLayerMetaBlocks + ib_blks[i] =
// LC_INVALID_BLOCK + flush = true).
func LoadInodes(layer *layerfs.Layer, cache *Cache, alloc *diskio.BlockAllocator, dev diskio.BlockDevice) error {
	block := layer.Super.InodeBlock
	blockSize := dev.BlockSize()
	buf := make([]byte, blockSize)

	// seen tracks every inode number whose newest record has already
	// been processed, across the whole chain walk — not just cache
	// residency, since a tombstone's newest record is never inserted
	// into cache but must still shadow any older, stale record for the
	// same number encountered later in the walk.
	seen := make(map[fuseops.InodeID]bool)

	for block != InvalidBlock {
		if err := dev.ReadBlock(block, buf); err != nil {
			return fmt.Errorf("inode: reading inode-block record at %d: %w", block, err)
		}
		record, err := diskio.DecodeInodeBlockRecord(buf)
		if err != nil {
			return fmt.Errorf("inode: decoding inode-block record at %d: %w", block, err)
		}

		// Find the in-use prefix length, then walk it newest-first
		// (highest index to lowest): entries are appended to a
		// record in chronological order, so within one record a
		// higher index is a later flush of whatever inode it names.
		// Combined with walking the chain head-to-tail, this means
		// loadOneInode always meets the newest surviving record for
		// a given inode number before any stale one.
		filled := len(record.Blocks)
		for i, addr := range record.Blocks {
			if addr == 0 {
				filled = i
				break
			}
		}

		rewrite := false
		for i := filled - 1; i >= 0; i-- {
			addr := record.Blocks[i]
			if addr == InvalidBlock {
				continue
			}
			tombstone, err := loadOneInode(layer, cache, dev, addr, seen)
			if err != nil {
				return err
			}
			if tombstone {
				if err := alloc.FreeExtents([]diskio.Extent{{Block: addr, Length: 1}}, true); err != nil {
					return fmt.Errorf("inode: freeing tombstone block %d: %w", addr, err)
				}
				record.Blocks[i] = InvalidBlock
				rewrite = true
			}
		}

		next := record.Next
		if rewrite {
			recBuf := make([]byte, diskio.EncodedSize)
			record.Encode(recBuf)
			full := make([]byte, blockSize)
			copy(full, recBuf)
			if err := dev.WriteBlock(block, full); err != nil {
				return fmt.Errorf("inode: rewriting inode-block record at %d: %w", block, err)
			}
		}

		block = next
	}
	return nil
}

// loadOneInode reads and decodes the inode record at block. It
// reports tombstone == true, without touching cache, if the record is
// a tombstone (serialized Mode == 0): the caller is responsible for
// reclaiming its block and the containing record's slot. Otherwise
// the decoded inode, with its variant payload and xattrs, is inserted
// into cache. Either way, if this inode number is already in seen —
// meaning a newer record for it was processed earlier in the walk —
// this record is stale and is skipped entirely.
func loadOneInode(layer *layerfs.Layer, cache *Cache, dev diskio.BlockDevice, block uint64, seen map[fuseops.InodeID]bool) (bool, error) {
	buf := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(block, buf); err != nil {
		return false, fmt.Errorf("inode: reading inode record at %d: %w", block, err)
	}
	d, err := decodeDinode(buf)
	if err != nil {
		return false, fmt.Errorf("inode: decoding inode record at %d: %w", block, err)
	}

	// The chain is walked head (newest) to tail (oldest): a record for
	// this inode number closer to the head supersedes any record for
	// the same number further back, the same way an append-only log's
	// latest entry wins.
	num := fuseops.InodeID(d.Ino)
	if seen[num] {
		return false, nil
	}
	seen[num] = true

	if d.Mode == 0 {
		return true, nil
	}

	ino := fromDinode(d)
	ino.layer = layer
	ino.IBlock = block

	switch ino.Mode & ModeTypeMask {
	case ModeRegular:
		if ino.ExtentLength == 0 && ino.PayloadBlock != InvalidBlock {
			pbuf := make([]byte, dev.BlockSize())
			if err := dev.ReadBlock(ino.PayloadBlock, pbuf); err != nil {
				return false, fmt.Errorf("inode: reading block map for inode %d: %w", ino.Ino, err)
			}
			bmap, err := payload.DecodeBlockMap(pbuf)
			if err != nil {
				return false, fmt.Errorf("inode: decoding block map for inode %d: %w", ino.Ino, err)
			}
			ino.Bmap = bmap
			ino.PayloadExtents = []diskio.Extent{{Block: ino.PayloadBlock, Length: 1}}
		}
	case ModeDir:
		if ino.PayloadBlock != InvalidBlock {
			pbuf := make([]byte, dev.BlockSize())
			if err := dev.ReadBlock(ino.PayloadBlock, pbuf); err != nil {
				return false, fmt.Errorf("inode: reading directory entries for inode %d: %w", ino.Ino, err)
			}
			dir, err := payload.DecodeDir(pbuf)
			if err != nil {
				return false, fmt.Errorf("inode: decoding directory entries for inode %d: %w", ino.Ino, err)
			}
			ino.Dirent = dir
			ino.PayloadExtents = []diskio.Extent{{Block: ino.PayloadBlock, Length: 1}}
		}
	case ModeSymlink:
		if ino.PayloadBlock != InvalidBlock {
			pbuf := make([]byte, dev.BlockSize())
			if err := dev.ReadBlock(ino.PayloadBlock, pbuf); err != nil {
				return false, fmt.Errorf("inode: reading symlink target for inode %d: %w", ino.Ino, err)
			}
			ino.Target = decodeBytes(pbuf)
			ino.PayloadExtents = []diskio.Extent{{Block: ino.PayloadBlock, Length: 1}}
		}
	}

	if ino.XattrBlock != InvalidBlock {
		xbuf := make([]byte, dev.BlockSize())
		if err := dev.ReadBlock(ino.XattrBlock, xbuf); err != nil {
			return false, fmt.Errorf("inode: reading xattrs for inode %d: %w", ino.Ino, err)
		}
		xattrs, err := payload.DecodeXattrs(xbuf)
		if err != nil {
			return false, fmt.Errorf("inode: decoding xattrs for inode %d: %w", ino.Ino, err)
		}
		ino.Xattr = xattrs
		ino.XattrExtents = []diskio.Extent{{Block: ino.XattrBlock, Length: 1}}
	}

	cache.Insert(ino)
	layer.IncResident(1)
	layer.Super.Inodes.Add(1)
	return false, nil
}

// decodeBytes reads a length-prefixed byte string, as written by
// encodeBytes.
func decodeBytes(buf []byte) []byte {
	if len(buf) < 8 {
		return nil
	}
	n := binary.LittleEndian.Uint64(buf)
	if 8+n > uint64(len(buf)) {
		return nil
	}
	out := make([]byte, n)
	copy(out, buf[8:8+n])
	return out
}

// encodeBytes writes a length-prefixed byte string into a
// blockSize-sized buffer.
func encodeBytes(b []byte, blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(buf, uint64(len(b)))
	copy(buf[8:], b)
	return buf
}
