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
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"

	"github.com/lcfs-project/lcfs/internal/layerfs"
)

// HandleDecoder extracts the raw inode number from a fuse-visible
// handle. Callers that pack generation or other side-channel bits
// into the ino they hand the kernel provide their own decoder; the
// default is the identity function (spec.md §4.4, "lc_getInodeHandle
// is an external decoder").
type HandleDecoder func(fuseops.InodeID) fuseops.InodeID

func identityDecoder(ino fuseops.InodeID) fuseops.InodeID { return ino }

// bucket is one hash-table slot: a singly linked chain of inodes
// guarded by its own invariant mutex, held only while the chain is
// mutated (spec.md §4.2). checkInvariants verifies at most one inode
// per number appears in the chain, matching the corpus's
// syncutil.InvariantMutex idiom for structural assertions; the mutex
// runs it on Lock and Unlock only while syncutil's invariant checking
// is enabled.
type bucket struct {
	mu   syncutil.InvariantMutex
	head *Inode
}

func (b *bucket) checkInvariants() {
	seen := make(map[fuseops.InodeID]bool)
	for n := b.head; n != nil; n = n.next {
		invariant(!seen[n.Ino], "duplicate inode %d in bucket chain", n.Ino)
		seen[n.Ino] = true
	}
}

// Cache is the per-layer resident-inode hash table (spec.md §4.2): a
// fixed array of buckets sized at construction time and never
// resized for the life of the layer.
type Cache struct {
	layer *layerfs.Layer

	// Parent is the cache of the next layer up the ancestor chain, or
	// nil for a base layer. GetInode walks this chain directly rather
	// than re-deriving a cache from layerfs.Layer.Parent, since
	// layerfs cannot import this package back (it would cycle).
	Parent *Cache

	// buckets is sized to a power of two so ino%len(buckets) reduces
	// to a mask in the hot path.
	buckets []bucket
	mask    uint64

	// DecodeHandle is applied to every ino before any lookup or
	// insert. Defaults to the identity function.
	DecodeHandle HandleDecoder

	// root and snapRoot cache the layer's two distinguished inodes
	// directly, once resident, so Lookup can return them without a
	// bucket-chain walk (spec.md §4.2/§3, "root and snapshot-root
	// inode numbers are recognized directly, bypassing a hash probe";
	// mirrors the C original's fs->fs_rootInode).
	root     *Inode
	snapRoot *Inode
}

// NewCache returns a cache with bucketCount buckets, rounded up to
// the next power of two, chained under parent (nil for a base
// layer's cache). bucketCount corresponds to spec.md's compile-time
// constant B; it is a constructor parameter here instead of a
// language-level const so cfg can size it per deployment, but like B
// it is fixed for the layer's whole lifetime — Cache never resizes
// its bucket array.
func NewCache(layer *layerfs.Layer, parent *Cache, bucketCount int) *Cache {
	if bucketCount < 1 {
		bucketCount = 1
	}
	n := 1
	for n < bucketCount {
		n <<= 1
	}
	c := &Cache{
		layer:        layer,
		Parent:       parent,
		buckets:      make([]bucket, n),
		mask:         uint64(n - 1),
		DecodeHandle: identityDecoder,
	}
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu = syncutil.NewInvariantMutex(b.checkInvariants)
	}
	return c
}

func (c *Cache) bucketFor(ino fuseops.InodeID) *bucket {
	return &c.buckets[uint64(ino)&c.mask]
}

// Insert adds ino to its bucket's chain. The bucket mutex is held
// only across the insert itself; lookup never takes it, relying on
// the mutex's release as a publish barrier so a concurrent, unlocked
// lookup either observes the fully linked node or doesn't see it at
// all (spec.md §4.2, §5 "unsynchronized lookup").
func (c *Cache) Insert(ino *Inode) {
	b := c.bucketFor(ino.Ino)
	b.mu.Lock()
	ino.next = b.head
	b.head = ino
	if ino.Ino == c.layer.Root {
		c.root = ino
	} else if c.layer.SnapRoot != 0 && ino.Ino == c.layer.SnapRoot {
		c.snapRoot = ino
	}
	b.mu.Unlock()
}

// Remove unlinks ino from its bucket's chain. It does take the bucket mutex, unlike LookupLocal, because unlike a
// lookup it mutates the chain.
func (c *Cache) Remove(ino *Inode) {
	b := c.bucketFor(ino.Ino)
	b.mu.Lock()
	defer b.mu.Unlock()
	if ino == c.root {
		c.root = nil
	}
	if ino == c.snapRoot {
		c.snapRoot = nil
	}
	if b.head == ino {
		b.head = ino.next
		ino.next = nil
		return
	}
	for n := b.head; n != nil; n = n.next {
		if n.next == ino {
			n.next = ino.next
			ino.next = nil
			return
		}
	}
}

// LookupLocal returns the inode numbered ino if it is resident in
// this layer, without taking any lock: bucket chains are only ever
// prepended to, and Insert's mutex unlock already published the new
// node, so a plain traversal is safe (spec.md §4.2).
func (c *Cache) LookupLocal(ino fuseops.InodeID) *Inode {
	for n := c.bucketFor(ino).head; n != nil; n = n.next {
		if n.Ino == ino {
			return n
		}
	}
	return nil
}

// Lookup resolves ino to a resident inode, special-casing the root
// and snapshot-root inode numbers (spec.md §4.2: "root and
// snapshot-root inode numbers are recognized directly, bypassing a
// hash probe"): once either has been Insert-ed, it is returned from
// the cached pointer directly rather than walking its bucket chain.
func (c *Cache) Lookup(ino fuseops.InodeID) *Inode {
	if ino == c.layer.Root && c.root != nil {
		return c.root
	}
	if c.layer.SnapRoot != 0 && ino == c.layer.SnapRoot && c.snapRoot != nil {
		return c.snapRoot
	}
	return c.LookupLocal(ino)
}

// ForEach walks every bucket's chain, calling fn for each resident
// inode. Used by the flusher's SyncInodes. No bucket locks are
// taken, the same unlocked traversal LookupLocal does.
func (c *Cache) ForEach(fn func(*Inode)) {
	for i := range c.buckets {
		for n := c.buckets[i].head; n != nil; n = n.next {
			fn(n)
		}
	}
}

// BucketCount returns the number of buckets the cache was constructed
// with, for test assertions.
func (c *Cache) BucketCount() int { return len(c.buckets) }
