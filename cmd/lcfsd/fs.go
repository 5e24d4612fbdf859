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

package main

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/lcfs-project/lcfs/clock"
	"github.com/lcfs-project/lcfs/internal/diskio"
	"github.com/lcfs-project/lcfs/internal/inode"
	"github.com/lcfs-project/lcfs/internal/layerfs"
	"github.com/lcfs-project/lcfs/internal/payload"
)

// dirHandleState is the snapshot an OpenDir call hands to the ReadDir
// calls that follow it on the same handle: the directory's own and
// parent inode numbers (for the synthesized "."/".." entries) plus a
// clone of its entry list, taken once under lock so concurrent writes
// to the live directory don't shift a caller's paging cursor mid-scan.
type dirHandleState struct {
	self    fuseops.InodeID
	parent  fuseops.InodeID
	entries payload.Dir
}

// fileSystem adapts the layered inode core to jacobsa/fuse's Op-based
// fuseutil.FileSystem interface for a single mounted layer. It embeds
// NotImplementedFileSystem so operations this minimal mount doesn't
// support (rename, hard links, extended attributes over FUSE) answer
// ENOSYS untouched rather than needing an explicit stub here.
//
// Every operation's real work lives in an unexported method that
// takes the op struct and returns an error; the exported
// fuseutil.FileSystem methods below are thin adapters translating
// that error into the op.Respond call the kernel-facing interface
// requires. Keeping the two separated means the bulk of this file is
// testable directly, without needing a live FUSE connection behind
// each op.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	gfs     *layerfs.FileSystem
	layer   *layerfs.Layer
	cache   *inode.Cache
	flusher *inode.Flusher
	alloc   *diskio.BlockAllocator
	dev     diskio.BlockDevice
	clk     clock.Clock

	uid, gid uint32

	nextHandle uint64

	mu         sync.Mutex
	dirHandles map[fuseops.HandleID]dirHandleState
}

func newFileSystem(
	gfs *layerfs.FileSystem,
	layer *layerfs.Layer,
	cache *inode.Cache,
	flusher *inode.Flusher,
	alloc *diskio.BlockAllocator,
	dev diskio.BlockDevice,
	clk clock.Clock,
	uid, gid uint32,
) *fileSystem {
	return &fileSystem{
		gfs:        gfs,
		layer:      layer,
		cache:      cache,
		flusher:    flusher,
		alloc:      alloc,
		dev:        dev,
		clk:        clk,
		uid:        uid,
		gid:        gid,
		dirHandles: make(map[fuseops.HandleID]dirHandleState),
	}
}

func (fs *fileSystem) allocHandle() fuseops.HandleID {
	return fuseops.HandleID(atomic.AddUint64(&fs.nextHandle, 1))
}

// attrOf translates an inode's POSIX stat block into the attribute
// shape fuseops hands back to the kernel. Callers must hold ino
// locked, at least for reading.
func attrOf(ino *inode.Inode) fuseops.InodeAttributes {
	mode := os.FileMode(ino.Mode & 0o777)
	switch ino.Mode & inode.ModeTypeMask {
	case inode.ModeDir:
		mode |= os.ModeDir
	case inode.ModeSymlink:
		mode |= os.ModeSymlink
	}
	return fuseops.InodeAttributes{
		Size:  ino.Size,
		Nlink: ino.Nlink,
		Mode:  mode,
		Rdev:  ino.Rdev,
		Atime: ino.Atime,
		Mtime: ino.Mtime,
		Ctime: ino.Ctime,
		Uid:   ino.Uid,
		Gid:   ino.Gid,
	}
}

func (fs *fileSystem) Init(op *fuseops.InitOp) { op.Respond(nil) }

func (fs *fileSystem) lookUpInode(op *fuseops.LookUpInodeOp) error {
	parent, err := inode.GetInode(fs.layer, fs.cache, op.Parent, false)
	if err != nil {
		return fuse.ENOENT
	}

	parent.Lock(false)
	childIno, ok := parent.Dirent.Lookup(op.Name)
	parent.Unlock(false)
	if !ok {
		return fuse.ENOENT
	}

	child, err := inode.GetInode(fs.layer, fs.cache, childIno, false)
	if err != nil {
		return fuse.ENOENT
	}

	child.Lock(false)
	op.Entry = fuseops.ChildInodeEntry{Child: child.Ino, Attributes: attrOf(child)}
	child.Unlock(false)
	return nil
}

func (fs *fileSystem) LookUpInode(op *fuseops.LookUpInodeOp) { op.Respond(fs.lookUpInode(op)) }

func (fs *fileSystem) getInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	ino, err := inode.GetInode(fs.layer, fs.cache, op.Inode, false)
	if err != nil {
		return fuse.ENOENT
	}

	ino.Lock(false)
	op.Attributes = attrOf(ino)
	ino.Unlock(false)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	op.Respond(fs.getInodeAttributes(op))
}

func (fs *fileSystem) setInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	ino, err := inode.GetInode(fs.layer, fs.cache, op.Inode, true)
	if err != nil {
		return fuse.ENOENT
	}

	ino.Lock(true)
	defer ino.Unlock(true)

	if op.Size != nil {
		ino.Size = *op.Size
	}
	if op.Mode != nil {
		ino.Mode = (ino.Mode &^ 0o7777) | (uint32(*op.Mode) & 0o7777)
	}
	if op.Atime != nil {
		ino.Atime = *op.Atime
	}
	if op.Mtime != nil {
		ino.Mtime = *op.Mtime
	}
	ino.UpdateTimes(fs.clk, false, false, true)
	ino.MarkDirty(inode.DirtyInode)
	op.Attributes = attrOf(ino)
	return nil
}

func (fs *fileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) {
	op.Respond(fs.setInodeAttributes(op))
}

func (fs *fileSystem) ForgetInode(op *fuseops.ForgetInodeOp) { op.Respond(nil) }

func (fs *fileSystem) mkDir(op *fuseops.MkDirOp) error {
	parent, err := inode.GetInode(fs.layer, fs.cache, op.Parent, true)
	if err != nil {
		return fuse.ENOENT
	}

	parent.Lock(true)
	defer parent.Unlock(true)

	if _, exists := parent.Dirent.Lookup(op.Name); exists {
		return fuse.EEXIST
	}

	child := inode.InodeAlloc(fs.layer, fs.cache, fs.clk, parent.Ino, inode.ModeDir|(uint32(op.Mode)&0o7777), fs.uid, fs.gid, 0)
	parent.Dirent = parent.Dirent.Insert(op.Name, child.Ino)
	parent.Nlink++
	parent.MarkDirty(inode.DirtyDir | inode.DirtyInode)
	parent.UpdateTimes(fs.clk, false, true, true)

	child.Lock(false)
	op.Entry = fuseops.ChildInodeEntry{Child: child.Ino, Attributes: attrOf(child)}
	child.Unlock(false)
	return nil
}

func (fs *fileSystem) MkDir(op *fuseops.MkDirOp) { op.Respond(fs.mkDir(op)) }

func (fs *fileSystem) createFile(op *fuseops.CreateFileOp) error {
	parent, err := inode.GetInode(fs.layer, fs.cache, op.Parent, true)
	if err != nil {
		return fuse.ENOENT
	}

	parent.Lock(true)
	defer parent.Unlock(true)

	if _, exists := parent.Dirent.Lookup(op.Name); exists {
		return fuse.EEXIST
	}

	child := inode.InodeAlloc(fs.layer, fs.cache, fs.clk, parent.Ino, inode.ModeRegular|(uint32(op.Mode)&0o7777), fs.uid, fs.gid, 0)
	parent.Dirent = parent.Dirent.Insert(op.Name, child.Ino)
	parent.MarkDirty(inode.DirtyDir)
	parent.UpdateTimes(fs.clk, false, true, true)

	child.Lock(false)
	op.Entry = fuseops.ChildInodeEntry{Child: child.Ino, Attributes: attrOf(child)}
	child.Unlock(false)
	op.Handle = fs.allocHandle()
	return nil
}

func (fs *fileSystem) CreateFile(op *fuseops.CreateFileOp) { op.Respond(fs.createFile(op)) }

func (fs *fileSystem) createSymlink(op *fuseops.CreateSymlinkOp) error {
	parent, err := inode.GetInode(fs.layer, fs.cache, op.Parent, true)
	if err != nil {
		return fuse.ENOENT
	}

	parent.Lock(true)
	defer parent.Unlock(true)

	if _, exists := parent.Dirent.Lookup(op.Name); exists {
		return fuse.EEXIST
	}

	child := inode.InodeAlloc(fs.layer, fs.cache, fs.clk, parent.Ino, inode.ModeSymlink|0o777, fs.uid, fs.gid, 0)
	child.Lock(true)
	child.Target = append([]byte(op.Target), 0)
	child.Size = uint64(len(op.Target))
	child.MarkDirty(inode.DirtyInode)
	attrs := attrOf(child)
	child.Unlock(true)

	parent.Dirent = parent.Dirent.Insert(op.Name, child.Ino)
	parent.MarkDirty(inode.DirtyDir)
	parent.UpdateTimes(fs.clk, false, true, true)

	op.Entry = fuseops.ChildInodeEntry{Child: child.Ino, Attributes: attrs}
	return nil
}

func (fs *fileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) { op.Respond(fs.createSymlink(op)) }

func (fs *fileSystem) readSymlink(op *fuseops.ReadSymlinkOp) error {
	ino, err := inode.GetInode(fs.layer, fs.cache, op.Inode, false)
	if err != nil {
		return fuse.ENOENT
	}

	ino.Lock(false)
	op.Target = strings.TrimRight(string(ino.Target), "\x00")
	ino.Unlock(false)
	return nil
}

func (fs *fileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) { op.Respond(fs.readSymlink(op)) }

func (fs *fileSystem) rmDir(op *fuseops.RmDirOp) error {
	parent, err := inode.GetInode(fs.layer, fs.cache, op.Parent, true)
	if err != nil {
		return fuse.ENOENT
	}

	parent.Lock(true)
	childIno, ok := parent.Dirent.Lookup(op.Name)
	parent.Unlock(true)
	if !ok {
		return fuse.ENOENT
	}

	child, err := inode.GetInode(fs.layer, fs.cache, childIno, true)
	if err != nil {
		return fuse.ENOENT
	}

	child.Lock(false)
	empty := len(child.Dirent) == 0
	child.Unlock(false)
	if !empty {
		return fuse.ENOTEMPTY
	}

	parent.Lock(true)
	parent.Dirent = parent.Dirent.Remove(op.Name)
	parent.Nlink--
	parent.MarkDirty(inode.DirtyDir | inode.DirtyInode)
	parent.UpdateTimes(fs.clk, false, true, true)
	parent.Unlock(true)

	child.Lock(true)
	child.Removed = true
	child.Nlink = 0
	child.MarkDirty(inode.DirtyInode)
	child.Unlock(true)
	return nil
}

func (fs *fileSystem) RmDir(op *fuseops.RmDirOp) { op.Respond(fs.rmDir(op)) }

func (fs *fileSystem) unlink(op *fuseops.UnlinkOp) error {
	parent, err := inode.GetInode(fs.layer, fs.cache, op.Parent, true)
	if err != nil {
		return fuse.ENOENT
	}

	parent.Lock(true)
	childIno, ok := parent.Dirent.Lookup(op.Name)
	if !ok {
		parent.Unlock(true)
		return fuse.ENOENT
	}
	parent.Dirent = parent.Dirent.Remove(op.Name)
	parent.MarkDirty(inode.DirtyDir)
	parent.UpdateTimes(fs.clk, false, true, true)
	parent.Unlock(true)

	child, err := inode.GetInode(fs.layer, fs.cache, childIno, true)
	if err != nil {
		return fuse.ENOENT
	}

	child.Lock(true)
	if child.Nlink > 0 {
		child.Nlink--
	}
	if child.Nlink == 0 {
		child.Removed = true
	}
	child.MarkDirty(inode.DirtyInode)
	child.Unlock(true)
	return nil
}

func (fs *fileSystem) Unlink(op *fuseops.UnlinkOp) { op.Respond(fs.unlink(op)) }

func (fs *fileSystem) openDir(op *fuseops.OpenDirOp) error {
	ino, err := inode.GetInode(fs.layer, fs.cache, op.Inode, false)
	if err != nil {
		return fuse.ENOENT
	}

	ino.Lock(false)
	state := dirHandleState{self: op.Inode, parent: ino.Parent, entries: ino.Dirent.Clone()}
	ino.Unlock(false)

	handle := fs.allocHandle()
	fs.mu.Lock()
	fs.dirHandles[handle] = state
	fs.mu.Unlock()

	op.Handle = handle
	return nil
}

func (fs *fileSystem) OpenDir(op *fuseops.OpenDirOp) { op.Respond(fs.openDir(op)) }

func (fs *fileSystem) readDir(op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	state, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	all := make([]fuseops.Dirent, 0, len(state.entries)+2)
	all = append(all, fuseops.Dirent{Offset: 1, Inode: state.self, Name: ".", Type: fuseops.DT_Directory})
	all = append(all, fuseops.Dirent{Offset: 2, Inode: state.parent, Name: "..", Type: fuseops.DT_Directory})
	for i, e := range state.entries {
		all = append(all, fuseops.Dirent{
			Offset: fuseops.DirOffset(i + 3),
			Inode:  e.Ino,
			Name:   e.Name,
			Type:   fuseops.DT_Unknown,
		})
	}

	if int(op.Offset) > len(all) {
		return fuse.EINVAL
	}

	op.BytesRead = 0
	for _, d := range all[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) ReadDir(op *fuseops.ReadDirOp) { op.Respond(fs.readDir(op)) }

func (fs *fileSystem) releaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	op.Respond(fs.releaseDirHandle(op))
}

func (fs *fileSystem) openFile(op *fuseops.OpenFileOp) error {
	op.Handle = fs.allocHandle()
	return nil
}

func (fs *fileSystem) OpenFile(op *fuseops.OpenFileOp) { op.Respond(fs.openFile(op)) }

func (fs *fileSystem) readFile(op *fuseops.ReadFileOp) error {
	ino, err := inode.GetInode(fs.layer, fs.cache, op.Inode, false)
	if err != nil {
		return fuse.ENOENT
	}

	ino.Lock(false)
	defer ino.Unlock(false)

	blockSize := uint64(fs.dev.BlockSize())
	offset := uint64(op.Offset)
	if offset >= ino.Size {
		op.BytesRead = 0
		return nil
	}

	want := uint64(len(op.Dst))
	if remaining := ino.Size - offset; want > remaining {
		want = remaining
	}

	buf := make([]byte, blockSize)
	var read uint64
	for read < want {
		blockIdx := (offset + read) / blockSize
		blockOff := (offset + read) % blockSize
		n := blockSize - blockOff
		if n > want-read {
			n = want - read
		}

		if blk, ok := ino.Bmap[blockIdx]; ok {
			if err := fs.dev.ReadBlock(blk, buf); err != nil {
				return err
			}
			copy(op.Dst[read:read+n], buf[blockOff:blockOff+n])
		} else {
			for i := uint64(0); i < n; i++ {
				op.Dst[read+i] = 0
			}
		}
		read += n
	}

	op.BytesRead = int(read)
	return nil
}

func (fs *fileSystem) ReadFile(op *fuseops.ReadFileOp) { op.Respond(fs.readFile(op)) }

func (fs *fileSystem) writeFile(op *fuseops.WriteFileOp) error {
	ino, err := inode.GetInode(fs.layer, fs.cache, op.Inode, true)
	if err != nil {
		return fuse.ENOENT
	}

	ino.Lock(true)
	defer ino.Unlock(true)

	// A block map still shared with an ancestor layer is replaced by a
	// private copy before this write changes it.
	if ino.Shared && ino.Bmap != nil {
		ino.Bmap = ino.Bmap.Clone()
		ino.Shared = false
	}

	blockSize := uint64(fs.dev.BlockSize())
	data := op.Data
	pos := uint64(op.Offset)
	buf := make([]byte, blockSize)

	for len(data) > 0 {
		blockIdx := pos / blockSize
		blockOff := pos % blockSize
		n := blockSize - blockOff
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}

		blk, ok := ino.Bmap[blockIdx]
		if ok {
			if blockOff != 0 || n != blockSize {
				if err := fs.dev.ReadBlock(blk, buf); err != nil {
					return err
				}
			}
		} else {
			blk, err = fs.alloc.AllocMetadataRun(1, false)
			if err != nil {
				return err
			}
			if ino.Bmap == nil {
				ino.Bmap = make(payload.BlockMap)
			}
			ino.Bmap[blockIdx] = blk
			for i := range buf {
				buf[i] = 0
			}
		}

		copy(buf[blockOff:blockOff+n], data[:n])
		if err := fs.dev.WriteBlock(blk, buf); err != nil {
			return err
		}

		pos += n
		data = data[n:]
	}

	if end := uint64(op.Offset) + uint64(len(op.Data)); end > ino.Size {
		ino.Size = end
	}
	ino.UpdateTimes(fs.clk, false, true, true)
	ino.MarkDirty(inode.DirtyBmap | inode.DirtyInode)
	return nil
}

func (fs *fileSystem) WriteFile(op *fuseops.WriteFileOp) { op.Respond(fs.writeFile(op)) }

func (fs *fileSystem) syncOrFlush(id fuseops.InodeID) error {
	ino, err := inode.GetInode(fs.layer, fs.cache, id, false)
	if err != nil {
		return fuse.ENOENT
	}
	return fs.flusher.FlushInode(ino)
}

func (fs *fileSystem) SyncFile(op *fuseops.SyncFileOp) { op.Respond(fs.syncOrFlush(op.Inode)) }

func (fs *fileSystem) FlushFile(op *fuseops.FlushFileOp) { op.Respond(fs.syncOrFlush(op.Inode)) }

func (fs *fileSystem) releaseFileHandle(op *fuseops.ReleaseFileHandleOp) error { return nil }

func (fs *fileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	op.Respond(fs.releaseFileHandle(op))
}
