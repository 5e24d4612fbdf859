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
	"github.com/lcfs-project/lcfs/internal/diskio"
	"github.com/lcfs-project/lcfs/internal/layerfs"
)

// DestroyInodes drains every bucket in cache, freeing each inode's
// variant payload extents back to alloc and asserting the layer's
// resident-inode counters return to zero (spec.md §4.6). The layer
// must already be frozen (so no concurrent lookup can race the
// drain) before calling this; DestroyInodes does not freeze it
// itself, since freezing is a decision the caller's teardown sequence
// makes once, across more than just this step.
func DestroyInodes(layer *layerfs.Layer, cache *Cache, alloc *diskio.BlockAllocator) {
	invariant(layer.Frozen.Load(), "DestroyInodes called on a layer that was never frozen")

	var freed int64
	for i := range cache.buckets {
		b := &cache.buckets[i]
		for n := b.head; n != nil; {
			next := n.next
			freeInodePayload(n, alloc)
			n.next = nil
			freed++
			n = next
		}
		b.head = nil
	}

	layer.IncResident(-freed)
	invariant(layer.Resident() == 0, "layer resident-inode count is %d after DestroyInodes, want 0", layer.Resident())
}

// freeInodePayload releases every on-disk extent an inode's payload
// occupies, per its variant: the xattr block, the block-map-directory
// or directory-entry or symlink-target payload block, and (for a
// regular file using a single extent) the data extent itself.
func freeInodePayload(ino *Inode, alloc *diskio.BlockAllocator) {
	if len(ino.XattrExtents) > 0 {
		_ = alloc.FreeExtents(ino.XattrExtents, true)
		ino.XattrExtents = nil
	}
	if len(ino.PayloadExtents) > 0 {
		_ = alloc.FreeExtents(ino.PayloadExtents, true)
		ino.PayloadExtents = nil
	}
	if ino.IsRegular() && ino.ExtentLength > 0 && !ino.Shared {
		_ = alloc.FreeExtents([]diskio.Extent{{Block: ino.ExtentBlock, Length: ino.ExtentLength}}, false)
	}
}
