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

// Package payload provides minimal concrete implementations of the
// variant-payload modules spec.md §6 declares external: the sparse
// block map for regular files, directory entries, and extended
// attributes. Real directory b-trees, xattr encodings and sparse
// extent trees are out of scope (spec.md §1); these are flat,
// easy-to-reason-about stand-ins: plain types with Clone and
// Encode/Decode helpers (and Insert/Lookup/Remove for directories)
// that internal/inode calls directly, so it can be exercised end to
// end.
package payload

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/jacobsa/fuse/fuseops"
)

// BlockMap is a sparse mapping from file-offset block index to device
// block number (spec.md §3, "block map").
type BlockMap map[uint64]uint64

// Clone returns a deep copy of m.
func (m BlockMap) Clone() BlockMap {
	out := make(BlockMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EncodeBlockMap serializes m as a flat count-prefixed (offset,block)
// pair list.
func EncodeBlockMap(m BlockMap) []byte {
	buf := make([]byte, 8+len(m)*16)
	binary.LittleEndian.PutUint64(buf, uint64(len(m)))
	offsets := make([]uint64, 0, len(m))
	for off := range m {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	pos := 8
	for _, off := range offsets {
		binary.LittleEndian.PutUint64(buf[pos:], off)
		binary.LittleEndian.PutUint64(buf[pos+8:], m[off])
		pos += 16
	}
	return buf
}

// DecodeBlockMap parses a buffer produced by EncodeBlockMap.
func DecodeBlockMap(buf []byte) (BlockMap, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("payload: block map buffer too small")
	}
	n := binary.LittleEndian.Uint64(buf)
	m := make(BlockMap, n)
	pos := 8
	for i := uint64(0); i < n; i++ {
		if pos+16 > len(buf) {
			return nil, fmt.Errorf("payload: truncated block map entry %d", i)
		}
		off := binary.LittleEndian.Uint64(buf[pos:])
		blk := binary.LittleEndian.Uint64(buf[pos+8:])
		m[off] = blk
		pos += 16
	}
	return m, nil
}

// DirEntry is one name -> inode mapping within a directory.
type DirEntry struct {
	Name string
	Ino  fuseops.InodeID
}

// Dir is the in-memory representation of a directory's entries, kept
// sorted by name so lookups and listings are deterministic.
type Dir []DirEntry

// Clone returns a deep copy of d.
func (d Dir) Clone() Dir {
	out := make(Dir, len(d))
	copy(out, d)
	return out
}

// Insert adds or replaces the entry for name, keeping d sorted.
func (d Dir) Insert(name string, ino fuseops.InodeID) Dir {
	i := sort.Search(len(d), func(i int) bool { return d[i].Name >= name })
	if i < len(d) && d[i].Name == name {
		d[i].Ino = ino
		return d
	}
	d = append(d, DirEntry{})
	copy(d[i+1:], d[i:])
	d[i] = DirEntry{Name: name, Ino: ino}
	return d
}

// Lookup returns the inode for name, or false if absent.
func (d Dir) Lookup(name string) (fuseops.InodeID, bool) {
	i := sort.Search(len(d), func(i int) bool { return d[i].Name >= name })
	if i < len(d) && d[i].Name == name {
		return d[i].Ino, true
	}
	return 0, false
}

// Remove deletes the entry for name, if present, keeping d sorted.
func (d Dir) Remove(name string) Dir {
	i := sort.Search(len(d), func(i int) bool { return d[i].Name >= name })
	if i < len(d) && d[i].Name == name {
		return append(d[:i], d[i+1:]...)
	}
	return d
}

// EncodeDir serializes d as a count-prefixed list of length-prefixed
// names and their inode numbers.
func EncodeDir(d Dir) []byte {
	size := 8
	for _, e := range d {
		size += 8 + 8 + len(e.Name)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(len(d)))
	pos := 8
	for _, e := range d {
		binary.LittleEndian.PutUint64(buf[pos:], uint64(e.Ino))
		binary.LittleEndian.PutUint64(buf[pos+8:], uint64(len(e.Name)))
		copy(buf[pos+16:], e.Name)
		pos += 16 + len(e.Name)
	}
	return buf
}

// DecodeDir parses a buffer produced by EncodeDir.
func DecodeDir(buf []byte) (Dir, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("payload: dir buffer too small")
	}
	n := binary.LittleEndian.Uint64(buf)
	d := make(Dir, 0, n)
	pos := 8
	for i := uint64(0); i < n; i++ {
		if pos+16 > len(buf) {
			return nil, fmt.Errorf("payload: truncated dir entry %d", i)
		}
		ino := binary.LittleEndian.Uint64(buf[pos:])
		nameLen := binary.LittleEndian.Uint64(buf[pos+8:])
		pos += 16
		if uint64(pos)+nameLen > uint64(len(buf)) {
			return nil, fmt.Errorf("payload: truncated dir entry name %d", i)
		}
		name := string(buf[pos : uint64(pos)+nameLen])
		pos += int(nameLen)
		d = append(d, DirEntry{Name: name, Ino: fuseops.InodeID(ino)})
	}
	return d, nil
}

// Xattrs is the flat extended-attribute set attached to an inode.
type Xattrs map[string][]byte

// Clone returns a deep copy of x.
func (x Xattrs) Clone() Xattrs {
	out := make(Xattrs, len(x))
	for k, v := range x {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// EncodeXattrs serializes x as a count-prefixed list of
// length-prefixed name/value pairs (spec.md §3, "a reference to an
// xattr structure and its on-disk extent").
func EncodeXattrs(x Xattrs) []byte {
	size := 8
	names := make([]string, 0, len(x))
	for k, v := range x {
		names = append(names, k)
		size += 8 + len(k) + 8 + len(v)
	}
	sort.Strings(names)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(len(names)))
	pos := 8
	for _, k := range names {
		v := x[k]
		binary.LittleEndian.PutUint64(buf[pos:], uint64(len(k)))
		copy(buf[pos+8:], k)
		pos += 8 + len(k)
		binary.LittleEndian.PutUint64(buf[pos:], uint64(len(v)))
		copy(buf[pos+8:], v)
		pos += 8 + len(v)
	}
	return buf
}

// DecodeXattrs parses a buffer produced by EncodeXattrs.
func DecodeXattrs(buf []byte) (Xattrs, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("payload: xattr buffer too small")
	}
	n := binary.LittleEndian.Uint64(buf)
	x := make(Xattrs, n)
	pos := 8
	for i := uint64(0); i < n; i++ {
		if pos+8 > len(buf) {
			return nil, fmt.Errorf("payload: truncated xattr name length %d", i)
		}
		klen := binary.LittleEndian.Uint64(buf[pos:])
		pos += 8
		if uint64(pos)+klen > uint64(len(buf)) {
			return nil, fmt.Errorf("payload: truncated xattr name %d", i)
		}
		k := string(buf[pos : uint64(pos)+klen])
		pos += int(klen)
		if pos+8 > len(buf) {
			return nil, fmt.Errorf("payload: truncated xattr value length %d", i)
		}
		vlen := binary.LittleEndian.Uint64(buf[pos:])
		pos += 8
		if uint64(pos)+vlen > uint64(len(buf)) {
			return nil, fmt.Errorf("payload: truncated xattr value %d", i)
		}
		v := make([]byte, vlen)
		copy(v, buf[pos:uint64(pos)+vlen])
		pos += int(vlen)
		x[k] = v
	}
	return x, nil
}
