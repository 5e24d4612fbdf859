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

// Package diskio provides the block-device, block-allocator and
// page-clustering collaborators spec.md §6 declares external to the
// inode core, plus the on-disk codec for the indirect chain of
// inode-block records (spec.md §6 "On-disk layout"). Everything here
// is intentionally minimal: one concrete implementation per
// interface, enough to exercise internal/inode end to end, not a
// production extent allocator or page cache.
package diskio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// InvalidBlock is the "no block" sentinel; layerfs.InvalidBlock is
// defined from it. It lives here because layerfs imports diskio for
// the types embedded in Layer, not the other way round.
const InvalidBlock = ^uint64(0)

// Extent is a contiguous run of disk blocks.
type Extent struct {
	Block  uint64
	Length uint64
}

// BlockDevice is the block I/O collaborator of spec.md §6.
type BlockDevice interface {
	ReadBlock(block uint64, buf []byte) error
	WriteBlock(block uint64, buf []byte) error
	BlockSize() int
}

// FileBlockDevice implements BlockDevice over a flat file, treating it
// as an array of fixed-size blocks.
type FileBlockDevice struct {
	f         *os.File
	blockSize int
}

// OpenFileBlockDevice opens (creating if necessary) path as a block
// device with the given block size.
func OpenFileBlockDevice(path string, blockSize int) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening block device %q: %w", path, err)
	}
	return &FileBlockDevice{f: f, blockSize: blockSize}, nil
}

func (d *FileBlockDevice) BlockSize() int { return d.blockSize }

func (d *FileBlockDevice) ReadBlock(block uint64, buf []byte) error {
	if len(buf) != d.blockSize {
		return fmt.Errorf("diskio: read buffer size %d != block size %d", len(buf), d.blockSize)
	}
	_, err := d.f.ReadAt(buf, int64(block)*int64(d.blockSize))
	if err != nil {
		return fmt.Errorf("reading block %d: %w", block, err)
	}
	return nil
}

func (d *FileBlockDevice) WriteBlock(block uint64, buf []byte) error {
	if len(buf) != d.blockSize {
		return fmt.Errorf("diskio: write buffer size %d != block size %d", len(buf), d.blockSize)
	}
	_, err := d.f.WriteAt(buf, int64(block)*int64(d.blockSize))
	if err != nil {
		return fmt.Errorf("writing block %d: %w", block, err)
	}
	return nil
}

// Close releases the underlying file descriptor.
func (d *FileBlockDevice) Close() error { return d.f.Close() }

// BlockAllocator is the block allocator collaborator of spec.md §6.
// Metadata runs are handed out monotonically and never reused within
// a layer's lifetime, matching the log-structured, append-only nature
// of a CoW layer's metadata region; freed extents are recorded for
// bookkeeping/test assertions but not recycled.
type BlockAllocator struct {
	mu     sync.Mutex
	next   uint64
	freed  []Extent
	frees  int
}

// NewBlockAllocator returns an allocator that starts handing out
// blocks at start.
func NewBlockAllocator(start uint64) *BlockAllocator {
	return &BlockAllocator{next: start}
}

// AllocMetadataRun reserves count contiguous blocks for metadata use
// and returns the first block of the run. exact is accepted for
// interface symmetry with spec.md §6 but this allocator always
// returns exactly count contiguous blocks.
func (a *BlockAllocator) AllocMetadataRun(count uint64, exact bool) (uint64, error) {
	if count == 0 {
		return 0, fmt.Errorf("diskio: cannot allocate a zero-length run")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	first := a.next
	a.next += count
	return first, nil
}

// FreeExtents releases extents back to the allocator's bookkeeping.
// metadataOnly is accepted for interface symmetry with spec.md §6 and
// is not consulted: metadata and data extents are recorded alike, and
// cmd/lcfsd's writeFile draws file data blocks from this allocator too.
func (a *BlockAllocator) FreeExtents(extents []Extent, metadataOnly bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed = append(a.freed, extents...)
	a.frees += len(extents)
	return nil
}

// Freed returns the extents handed to FreeExtents so far, for test
// assertions.
func (a *BlockAllocator) Freed() []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Extent, len(a.freed))
	copy(out, a.freed)
	return out
}

// Page is one pending disk-block write, staged for clustering before
// being handed to the page cache. It mirrors the C original's
// `struct page`'s p_data/p_dnext/p_block/p_dvalid fields.
type Page struct {
	Block  uint64
	Data   []byte
	Next   *Page
	DValid bool
}

// PageCache is the page-cache collaborator of spec.md §6.
type PageCache interface {
	GetPageNewData(block uint64) *Page
	FlushPageCluster(head *Page, count int) error
	ReleasePages(head *Page)
}

// FlushedCluster records one call to FlushPageCluster, for test
// assertions about cluster contiguity (spec.md §8 property 4).
type FlushedCluster struct {
	StartBlock uint64
	Count      int
}

// MemPageCache is a PageCache that allocates pages in memory and, on
// flush, writes them through to a BlockDevice while recording the
// cluster boundaries it was asked to flush.
type MemPageCache struct {
	dev BlockDevice

	mu       sync.Mutex
	flushed  []FlushedCluster
	released int
}

// NewMemPageCache returns a page cache backed by dev.
func NewMemPageCache(dev BlockDevice) *MemPageCache {
	return &MemPageCache{dev: dev}
}

func (c *MemPageCache) GetPageNewData(block uint64) *Page {
	return &Page{Block: block, Data: make([]byte, c.dev.BlockSize())}
}

// FlushPageCluster writes every page in the head..count chain to the
// block device and records the cluster for inspection by tests. The
// chain is most-recently-prepended-first (see spec.md §4.5), so the
// cluster's starting block is the tail's block, not head.Block.
func (c *MemPageCache) FlushPageCluster(head *Page, count int) error {
	pages := make([]*Page, 0, count)
	for p := head; p != nil; p = p.Next {
		pages = append(pages, p)
	}
	if len(pages) != count {
		return fmt.Errorf("diskio: page cluster length mismatch: got %d pages, count=%d", len(pages), count)
	}
	for _, p := range pages {
		if err := c.dev.WriteBlock(p.Block, p.Data); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if count > 0 {
		start := pages[len(pages)-1].Block
		c.flushed = append(c.flushed, FlushedCluster{StartBlock: start, Count: count})
	}
	c.mu.Unlock()
	return nil
}

func (c *MemPageCache) ReleasePages(head *Page) {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

// Flushed returns every cluster flushed so far, for test assertions.
func (c *MemPageCache) Flushed() []FlushedCluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FlushedCluster, len(c.flushed))
	copy(out, c.flushed)
	return out
}

// InodeBlockCapacity (K in spec.md) is the number of child block
// addresses one inode-block record holds, fixed so the record always
// fits in a single disk block alongside its Next pointer.
const InodeBlockCapacity = 507

// InodeBlockRecord is one disk block of the indirect chain: an array
// of up to InodeBlockCapacity child block addresses, terminated by a
// zero entry, plus a Next pointer continuing the chain. 0 terminates
// the in-use prefix; InvalidBlock marks a freed slot to be skipped
// without terminating the scan (spec.md §6).
type InodeBlockRecord struct {
	Blocks [InodeBlockCapacity]uint64
	Next   uint64
}

// EncodedSize is the on-disk size of an InodeBlockRecord.
const EncodedSize = (InodeBlockCapacity + 1) * 8

// Encode serializes the record into buf, which must be at least
// EncodedSize bytes.
func (r *InodeBlockRecord) Encode(buf []byte) {
	for i, b := range r.Blocks {
		binary.LittleEndian.PutUint64(buf[i*8:], b)
	}
	binary.LittleEndian.PutUint64(buf[InodeBlockCapacity*8:], r.Next)
}

// DecodeInodeBlockRecord parses a record out of buf.
func DecodeInodeBlockRecord(buf []byte) (*InodeBlockRecord, error) {
	if len(buf) < EncodedSize {
		return nil, fmt.Errorf("diskio: buffer too small for inode-block record: %d < %d", len(buf), EncodedSize)
	}
	r := &InodeBlockRecord{}
	for i := range r.Blocks {
		r.Blocks[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	r.Next = binary.LittleEndian.Uint64(buf[InodeBlockCapacity*8:])
	return r, nil
}
