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
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lcfs-project/lcfs/clock"
	"github.com/lcfs-project/lcfs/internal/diskio"
	"github.com/lcfs-project/lcfs/internal/layerfs"
)

func TestLoader(t *testing.T) { suite.Run(t, new(LoaderTest)) }

type LoaderTest struct {
	suite.Suite
	dev   *diskio.FileBlockDevice
	alloc *diskio.BlockAllocator
	pages *diskio.MemPageCache
	gfs   *layerfs.FileSystem
	layer *layerfs.Layer
	cache *Cache
	flush *Flusher
	clk   clock.Clock
}

func (t *LoaderTest) SetupTest() {
	dev, err := diskio.OpenFileBlockDevice(t.T().TempDir()+"/dev.img", 4096)
	t.Require().NoError(err)
	t.dev = dev
	t.alloc = diskio.NewBlockAllocator(1)
	t.pages = diskio.NewMemPageCache(dev)
	t.gfs = layerfs.New()
	t.layer = layerfs.NewLayer(t.gfs, &layerfs.Superblock{}, 1, nil)
	t.gfs.Register(t.layer)
	t.cache = NewCache(t.layer, nil, 8)
	t.flush = NewFlusher(t.layer, t.cache, t.alloc, t.pages, t.dev, 4)
	t.clk = clock.NewSimulatedClock(clockEpoch())
}

func (t *LoaderTest) reload() *Cache {
	c := NewCache(t.layer, nil, 8)
	t.Require().NoError(LoadInodes(t.layer, c, t.alloc, t.dev))
	return c
}

func (t *LoaderTest) TestRegularFileExtentRoundTrips() {
	f := InodeAlloc(t.layer, t.cache, t.clk, 1, ModeRegular|0o644, 7, 8, 0)
	f.ExtentBlock = 500
	f.ExtentLength = 3
	f.Size = 12288
	t.Require().NoError(t.flush.FlushInode(f))
	t.Require().NoError(t.flush.SyncInodes())

	got := t.reload().LookupLocal(f.Ino)
	t.Require().NotNil(got)
	t.Equal(f.ExtentBlock, got.ExtentBlock)
	t.Equal(f.ExtentLength, got.ExtentLength)
	t.Equal(f.Size, got.Size)
	t.Equal(f.Uid, got.Uid)
	t.Equal(f.Gid, got.Gid)
}

func (t *LoaderTest) TestRegularFileBlockMapRoundTrips() {
	f := InodeAlloc(t.layer, t.cache, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	f.Bmap = map[uint64]uint64{0: 10, 5: 15}
	f.MarkDirty(DirtyBmap)
	t.Require().NoError(t.flush.FlushInode(f))
	t.Require().NoError(t.flush.SyncInodes())

	got := t.reload().LookupLocal(f.Ino)
	t.Require().NotNil(got)
	t.Equal(f.Bmap, got.Bmap)
}

func (t *LoaderTest) TestDirectoryEntriesRoundTrip() {
	d := InodeAlloc(t.layer, t.cache, t.clk, 1, ModeDir|0o755, 0, 0, 0)
	d.Dirent = d.Dirent.Insert("a", 10)
	d.Dirent = d.Dirent.Insert("b", 11)
	d.MarkDirty(DirtyDir)
	t.Require().NoError(t.flush.FlushInode(d))
	t.Require().NoError(t.flush.SyncInodes())

	got := t.reload().LookupLocal(d.Ino)
	t.Require().NotNil(got)
	ino, ok := got.Dirent.Lookup("a")
	t.True(ok)
	t.EqualValues(10, ino)
}

func (t *LoaderTest) TestSymlinkTargetRoundTrips() {
	s := InodeAlloc(t.layer, t.cache, t.clk, 1, ModeSymlink|0o777, 0, 0, 0)
	s.Target = []byte("/etc/passwd")
	t.Require().NoError(t.flush.FlushInode(s))
	t.Require().NoError(t.flush.SyncInodes())

	got := t.reload().LookupLocal(s.Ino)
	t.Require().NotNil(got)
	t.Equal("/etc/passwd", string(got.Target))
}

func (t *LoaderTest) TestXattrsRoundTrip() {
	f := InodeAlloc(t.layer, t.cache, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	f.Xattr = map[string][]byte{"user.foo": []byte("bar")}
	f.MarkDirty(DirtyXattr)
	t.Require().NoError(t.flush.FlushInode(f))
	t.Require().NoError(t.flush.SyncInodes())

	got := t.reload().LookupLocal(f.Ino)
	t.Require().NotNil(got)
	t.Equal([]byte("bar"), got.Xattr["user.foo"])
}

func (t *LoaderTest) TestIndirectChainSpansMultipleRecords() {
	for i := 0; i < diskio.InodeBlockCapacity+5; i++ {
		f := InodeAlloc(t.layer, t.cache, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
		t.Require().NoError(t.flush.FlushInode(f))
	}
	t.Require().NoError(t.flush.SyncInodes())

	reloaded := t.reload()
	count := 0
	reloaded.ForEach(func(*Inode) { count++ })
	t.Equal(diskio.InodeBlockCapacity+5, count)
}
