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

// Package layerfs holds the global filesystem registry and per-layer
// mount context that the inode core is threaded through. It replaces
// the process-global `struct gfs`/`struct fs` of the C original with
// explicit values passed by the caller.
package layerfs

import (
	"sync"
	"sync/atomic"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/lcfs-project/lcfs/internal/diskio"
)

// InvalidBlock is the sentinel disk block address meaning "not yet
// allocated" or "freed slot to be skipped" depending on context.
const InvalidBlock = diskio.InvalidBlock

// Superblock holds the counters and chain head that persist across a
// mount of a single layer.
type Superblock struct {
	// NextInode is bumped atomically to allocate new inode numbers.
	NextInode atomic.Uint64

	// Inodes is raised atomically by one for each inode allocated in,
	// cloned into or loaded into this layer. Removing an inode or
	// tearing the layer down does not decrement it.
	Inodes atomic.Int64

	// InodeBlock is the disk block of the head of the indirect chain
	// of inode-block records, or InvalidBlock if the layer has never
	// flushed an inode.
	InodeBlock uint64
}

// FileSystem is the process-wide registry of mounted layers. It is the
// Go stand-in for the C original's single global `struct gfs`: every
// field that program reached through a package-level pointer is here
// instead, threaded explicitly to every operation that needs it.
type FileSystem struct {
	mu sync.Mutex

	// layers indexes every registered layer by its root inode number.
	// The inode core's parent-chain walk does not consult it; it
	// follows inode.Cache.Parent.
	layers map[fuseops.InodeID]*Layer

	// Clones counts the inodes GetInode's copy path clones into a
	// layer, across every layer. Advisory
	// statistics only, per spec.md open question 3.
	Clones atomic.Uint64
}

// New returns an empty global filesystem registry.
func New() *FileSystem {
	return &FileSystem{layers: make(map[fuseops.InodeID]*Layer)}
}

// Register adds a mounted layer to the registry, keyed by its root
// inode number.
func (gfs *FileSystem) Register(l *Layer) {
	gfs.mu.Lock()
	defer gfs.mu.Unlock()
	gfs.layers[l.Root] = l
}

// Unregister removes a layer at teardown.
func (gfs *FileSystem) Unregister(l *Layer) {
	gfs.mu.Lock()
	defer gfs.mu.Unlock()
	delete(gfs.layers, l.Root)
}

// ChainCursor is the flusher's view of the indirect chain's current
// write position (spec.md §3, "the layer also owns the current open
// inode-block chain for flushing").
type ChainCursor struct {
	// Record is the in-memory head inode-block record currently being
	// filled, or nil if none is open.
	Record *diskio.InodeBlockRecord

	// RecordBlock is the disk block Record will occupy once written.
	RecordBlock uint64

	// Index is the next free slot in Record.Blocks.
	Index int

	// BlockInodesNext/Count is the reserved, not-yet-consumed run of
	// inode disk-blocks handed out by the block allocator.
	BlockInodesNext  uint64
	BlockInodesCount uint64

	// Pages is the staging list of not-yet-flushed dirty inode pages,
	// most-recently-prepended first, and PageCount its length.
	Pages     *diskio.Page
	PageCount int
}

// Layer is one mountable filesystem instance in the stacked hierarchy.
// It owns a superblock, an optional parent, and the cursor state the
// flusher uses to batch writes into the indirect chain.
type Layer struct {
	// GFS is the global filesystem this layer is mounted under.
	GFS *FileSystem

	// Super is this layer's on-disk counters and chain head.
	Super *Superblock

	// Root is this layer's root inode number.
	Root fuseops.InodeID

	// SnapRoot is the snapshot root inode number, or zero if none.
	SnapRoot fuseops.InodeID

	// Parent is the next layer up the ancestor chain, or nil for a
	// base layer.
	Parent *Layer

	// Ilock serializes parent-chain lookups (spec.md §5): held only
	// during the parent walk, never across I/O, acquired after any
	// inode lock is released on the fast path.
	Ilock sync.Mutex

	// Frozen suppresses per-inode locking entirely once set, to give
	// teardown and certain snapshot operations exclusive access to
	// the whole layer without taking locks inode by inode. Set
	// exactly once and never cleared.
	Frozen atomic.Bool

	// Removed short-circuits SyncInodes at the next inode boundary.
	Removed atomic.Bool

	// Cursor is the flusher's indirect-chain write position. Callers
	// only touch it while holding the inode being flushed locked, so
	// it needs no mutex of its own (spec.md §5: "flushes for one
	// inode are serialized").
	Cursor ChainCursor

	// icount is the number of inode records currently resident for
	// this layer, raised by InodeAlloc, GetInode's clone path and the
	// loader, and lowered by DestroyInodes.
	icount atomic.Int64
}

// NewLayer constructs a layer context. The caller is responsible for
// calling Register on the returned layer once its root inode exists.
func NewLayer(gfs *FileSystem, super *Superblock, root fuseops.InodeID, parent *Layer) *Layer {
	l := &Layer{
		GFS:    gfs,
		Super:  super,
		Root:   root,
		Parent: parent,
	}
	l.Super.InodeBlock = InvalidBlock
	return l
}

// IncResident bumps the layer's resident-inode counter.
func (l *Layer) IncResident(n int64) { l.icount.Add(n) }

// Resident returns the layer's current resident-inode count.
func (l *Layer) Resident() int64 { return l.icount.Load() }
