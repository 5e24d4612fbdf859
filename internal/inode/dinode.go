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
	"time"

	"github.com/jacobsa/fuse/fuseops"
)

// dinodeSize is the fixed on-disk size of one serialized inode
// (spec.md §6 "Serialized inode"): the POSIX stat subset, the parent
// inode, the extent pair, the payload and xattr block pointers, and a
// reserved flags word.
const dinodeSize = 8*11 + 4*9

// dinode is the on-disk layout of one inode record. Mode == 0 marks a
// tombstone (spec.md §4.5/§6): the slot is logically deleted but the
// record still occupies its block until the indirect chain entry
// pointing at it is itself dropped.
//
// PayloadBlock/PayloadLength locate the variant-specific payload this
// inode's mode type requires: the block-map directory for a regular
// file using a sparse block map, the directory-entry list for a
// directory, or the symlink target for a symlink. A regular file
// backed by a single extent, or one with no data at all, needs
// neither and leaves PayloadBlock as InvalidBlock.
type dinode struct {
	Ino           uint64
	Mode          uint32
	Nlink         uint32
	Uid           uint32
	Gid           uint32
	Rdev          uint32
	Blksize       uint32
	Size          uint64
	Blocks        uint64
	Atime         int64
	Mtime         int64
	Ctime         int64
	Parent        uint64
	ExtentBlock   uint64
	ExtentLength  uint64
	PayloadBlock  uint64
	PayloadLength uint32
	XattrBlock    uint64
	XattrLength   uint32
	Flags         uint32
}

func (d *dinode) encode(buf []byte) {
	pos := 0
	put64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[pos:], v); pos += 8 }
	put32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[pos:], v); pos += 4 }
	puti64 := func(v int64) { put64(uint64(v)) }

	put64(d.Ino)
	put32(d.Mode)
	put32(d.Nlink)
	put32(d.Uid)
	put32(d.Gid)
	put32(d.Rdev)
	put32(d.Blksize)
	put64(d.Size)
	put64(d.Blocks)
	puti64(d.Atime)
	puti64(d.Mtime)
	puti64(d.Ctime)
	put64(d.Parent)
	put64(d.ExtentBlock)
	put64(d.ExtentLength)
	put64(d.PayloadBlock)
	put32(d.PayloadLength)
	put64(d.XattrBlock)
	put32(d.XattrLength)
	put32(d.Flags)
}

func decodeDinode(buf []byte) (*dinode, error) {
	if len(buf) < dinodeSize {
		return nil, fmt.Errorf("inode: buffer too small for dinode: %d < %d", len(buf), dinodeSize)
	}
	pos := 0
	get64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[pos:]); pos += 8; return v }
	get32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[pos:]); pos += 4; return v }
	geti64 := func() int64 { return int64(get64()) }

	d := &dinode{}
	d.Ino = get64()
	d.Mode = get32()
	d.Nlink = get32()
	d.Uid = get32()
	d.Gid = get32()
	d.Rdev = get32()
	d.Blksize = get32()
	d.Size = get64()
	d.Blocks = get64()
	d.Atime = geti64()
	d.Mtime = geti64()
	d.Ctime = geti64()
	d.Parent = get64()
	d.ExtentBlock = get64()
	d.ExtentLength = get64()
	d.PayloadBlock = get64()
	d.PayloadLength = get32()
	d.XattrBlock = get64()
	d.XattrLength = get32()
	d.Flags = get32()
	return d, nil
}

// toDinode captures ino's serializable state. Called with ino's lock
// held by the flusher.
func toDinode(ino *Inode) *dinode {
	mode := ino.Mode
	if ino.Removed {
		mode = 0
	}
	return &dinode{
		Ino:          uint64(ino.Ino),
		Mode:         mode,
		Nlink:        ino.Nlink,
		Uid:          ino.Uid,
		Gid:          ino.Gid,
		Rdev:         ino.Rdev,
		Blksize:      ino.Blksize,
		Size:         ino.Size,
		Blocks:       ino.Blocks,
		Atime:        ino.Atime.UnixNano(),
		Mtime:        ino.Mtime.UnixNano(),
		Ctime:        ino.Ctime.UnixNano(),
		Parent:       uint64(ino.Parent),
		ExtentBlock:  ino.ExtentBlock,
		ExtentLength: ino.ExtentLength,
		PayloadBlock: ino.PayloadBlock,
		XattrBlock:   ino.XattrBlock,
	}
}

// fromDinode populates a fresh in-memory inode from its on-disk
// record. Variant payload (block map, directory entries, symlink
// target, xattrs) is filled in separately by the loader once it has
// read the relevant payload blocks.
func fromDinode(d *dinode) *Inode {
	ino := &Inode{
		Ino:          fuseops.InodeID(d.Ino),
		Parent:       fuseops.InodeID(d.Parent),
		Mode:         d.Mode,
		Nlink:        d.Nlink,
		Uid:          d.Uid,
		Gid:          d.Gid,
		Rdev:         d.Rdev,
		Blksize:      d.Blksize,
		Size:         d.Size,
		Blocks:       d.Blocks,
		Atime:        time.Unix(0, d.Atime),
		Mtime:        time.Unix(0, d.Mtime),
		Ctime:        time.Unix(0, d.Ctime),
		ExtentBlock:  d.ExtentBlock,
		ExtentLength: d.ExtentLength,
		PayloadBlock: d.PayloadBlock,
		XattrBlock:   d.XattrBlock,
	}
	if d.Mode == 0 {
		ino.Removed = true
	}
	return ino
}
