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
	"errors"
	"fmt"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/lcfs-project/lcfs/clock"
	"github.com/lcfs-project/lcfs/internal/layerfs"
)

// ErrNotExist is returned when no layer in the ancestor chain has a
// live (non-removed) copy of the requested inode.
var ErrNotExist = errors.New("inode: no such inode")

// GetInode resolves ino against cache, walking the parent chain if
// it is not resident locally (spec.md §4.4). Parent-chain walks are
// serialized by layer.Ilock; the fast path where the inode is already
// local never takes it.
//
// If copy is false, a hit in an ancestor layer is returned directly —
// this is the read path, and it is the ancestor's own Inode that is
// returned, still owned and locked under its own layer. If copy is
// true, a hit in an ancestor layer is copy-on-write cloned into this
// layer via CloneInode, inserted into cache, and the new local inode
// is returned; a local hit is always returned as-is regardless of
// copy.
func GetInode(layer *layerfs.Layer, cache *Cache, ino fuseops.InodeID, copy bool) (*Inode, error) {
	decoded := cache.DecodeHandle(ino)

	if found := cache.LookupLocal(decoded); found != nil {
		return found, nil
	}
	if cache.Parent == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotExist, decoded)
	}

	layer.Ilock.Lock()
	defer layer.Ilock.Unlock()

	// Re-check now that we hold the walk lock: a concurrent walk may
	// have already cloned this inode into the local cache while we
	// were waiting.
	if found := cache.LookupLocal(decoded); found != nil {
		return found, nil
	}

	ancestor, err := nearestAncestor(cache.Parent, decoded)
	if err != nil {
		return nil, err
	}

	if !copy {
		return ancestor, nil
	}

	cloned := CloneInode(layer, ancestor)
	cache.Insert(cloned)
	layer.IncResident(1)
	layer.Super.Inodes.Add(1)
	layer.GFS.Clones.Add(1)
	return cloned, nil
}

// nearestAncestor walks up from pc, returning the first ancestor
// layer's copy of ino. Only the nearest ancestor that has the inode
// at all gets to answer: if that nearest copy is a tombstone
// (Removed), the inode is gone and no layer further up is consulted,
// matching spec.md §4.4's deletion semantics for stacked layers.
func nearestAncestor(pc *Cache, ino fuseops.InodeID) (*Inode, error) {
	for c := pc; c != nil; c = c.Parent {
		if found := c.LookupLocal(ino); found != nil {
			if found.Removed {
				return nil, fmt.Errorf("%w: %d", ErrNotExist, ino)
			}
			return found, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrNotExist, ino)
}

// CloneInode copies src, resident in some ancestor layer, into a new
// inode owned by layer, applying the variant-specific copy-on-write
// rule for its payload (spec.md §4.4):
//
//   - Regular file backed by a single extent: the descriptor is
//     copied but Shared is set, since the extent still names the same
//     underlying data blocks until a write splits it.
//   - Regular file backed by a block map: the map is shared with the
//     parent by reference (C.bmap == P.bmap, spec.md §8 Testable
//     Property #2), along with the on-disk block that holds its
//     serialized form, and Shared is set; a write through the
//     file-ops layer is what forces the copy, by replacing Bmap with
//     a private map and marking BmapDirty.
//   - Regular file with no allocated data: Private is set; there is
//     nothing to share.
//   - Directory: the entry list is shared with the parent by
//     reference the same way, along with its on-disk block, and
//     Shared is set; a write forces the copy by replacing Dirent and
//     marking DirDirty.
//   - Symlink: the target is cloned and Shared is set.
//
// The returned inode is marked dirty so it is persisted on next
// flush even if nothing else about it changes before then.
func CloneInode(layer *layerfs.Layer, src *Inode) *Inode {
	src.Lock(false)
	defer src.Unlock(false)

	dst := newInode(layer)
	dst.Ino = src.Ino
	dst.Parent = src.Parent
	dst.Mode = src.Mode
	dst.Nlink = src.Nlink
	dst.Uid = src.Uid
	dst.Gid = src.Gid
	dst.Size = src.Size
	dst.Blocks = src.Blocks
	dst.Rdev = src.Rdev
	dst.Blksize = src.Blksize
	dst.Atime = src.Atime
	dst.Mtime = src.Mtime
	dst.Ctime = src.Ctime

	switch {
	case src.IsRegular():
		switch {
		case src.ExtentLength > 0:
			dst.ExtentBlock = src.ExtentBlock
			dst.ExtentLength = src.ExtentLength
			dst.Shared = true
		case len(src.Bmap) > 0:
			dst.Bmap = src.Bmap
			dst.PayloadBlock = src.PayloadBlock
			dst.PayloadExtents = src.PayloadExtents
			dst.Shared = true
		default:
			dst.Private = true
		}
	case src.IsDir():
		dst.Dirent = src.Dirent
		dst.PayloadBlock = src.PayloadBlock
		dst.PayloadExtents = src.PayloadExtents
		dst.Shared = true
	case src.IsSymlink():
		dst.Target = append([]byte(nil), src.Target...)
		dst.Shared = true
	default:
		dst.Private = true
	}

	if len(src.Xattr) > 0 {
		dst.Xattr = src.Xattr.Clone()
		dst.XattrDirty = true
	}

	dst.MarkDirty(DirtyInode)
	return dst
}

// InodeAlloc allocates a brand new inode number from layer's
// superblock and initializes a fresh (non-cloned) inode of the given
// type, inserting it into cache (spec.md §4.4). clk stamps the
// initial atime/mtime/ctime.
func InodeAlloc(layer *layerfs.Layer, cache *Cache, clk clock.Clock, parent fuseops.InodeID, mode uint32, uid, gid, rdev uint32) *Inode {
	next := layer.Super.NextInode.Add(1)
	ino := newInode(layer)
	ino.Ino = fuseops.InodeID(next)
	ino.Parent = parent
	ino.Mode = mode
	ino.Uid = uid
	ino.Gid = gid
	ino.Rdev = rdev
	ino.Blksize = 4096

	switch mode & ModeTypeMask {
	case ModeDir:
		ino.Nlink = 2
	case ModeSymlink:
		ino.Nlink = 1
	default:
		ino.Nlink = 1
		ino.Private = true
	}

	ino.UpdateTimes(clk, true, true, true)
	ino.MarkDirty(DirtyInode)

	cache.Insert(ino)
	layer.IncResident(1)
	layer.Super.Inodes.Add(1)
	return ino
}
