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
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lcfs-project/lcfs/clock"
	"github.com/lcfs-project/lcfs/internal/layerfs"
)

func TestLookup(t *testing.T) { suite.Run(t, new(LookupTest)) }

type LookupTest struct {
	suite.Suite
	gfs    *layerfs.FileSystem
	base   *layerfs.Layer
	baseC  *Cache
	child  *layerfs.Layer
	childC *Cache
	clk    clock.Clock
}

func (t *LookupTest) SetupTest() {
	t.gfs = layerfs.New()
	t.base = layerfs.NewLayer(t.gfs, &layerfs.Superblock{}, 1, nil)
	t.gfs.Register(t.base)
	t.baseC = NewCache(t.base, nil, 8)

	t.child = layerfs.NewLayer(t.gfs, &layerfs.Superblock{}, 1, t.base)
	t.gfs.Register(t.child)
	t.childC = NewCache(t.child, t.baseC, 8)

	t.clk = clock.NewSimulatedClock(clockEpoch())
}

// property: parent-walk determinism — looking up an inode resident
// only in an ancestor always resolves to that same ancestor's entry,
// regardless of how many times it is repeated.
func (t *LookupTest) TestGetInodeReadFindsAncestor() {
	ancestor := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)

	for i := 0; i < 5; i++ {
		found, err := GetInode(t.child, t.childC, ancestor.Ino, false)
		t.Require().NoError(err)
		t.Same(ancestor, found)
	}
	// A read-only lookup never inserts a local shadow.
	t.Nil(t.childC.LookupLocal(ancestor.Ino))
}

func (t *LookupTest) TestGetInodeMissingReturnsErrNotExist() {
	_, err := GetInode(t.child, t.childC, 12345, false)
	t.True(errors.Is(err, ErrNotExist))
}

func (t *LookupTest) TestGetInodeRemovedAncestorIsNotFound() {
	ancestor := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	ancestor.Removed = true

	_, err := GetInode(t.child, t.childC, ancestor.Ino, false)
	t.True(errors.Is(err, ErrNotExist))
}

// property: clone aliasing — a cloned inode starts out marked Shared
// (or Private for a genuinely empty file); a block-map or directory
// payload is shared with the ancestor by reference, the same map or
// entry list, not a copy.
func (t *LookupTest) TestCloneInodeRegularWithExtentIsShared() {
	ancestor := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	ancestor.ExtentBlock = 100
	ancestor.ExtentLength = 4

	clone, err := GetInode(t.child, t.childC, ancestor.Ino, true)
	t.Require().NoError(err)
	t.True(clone.Shared)
	t.False(clone.Private)
	t.Equal(ancestor.ExtentBlock, clone.ExtentBlock)
	t.Equal(ancestor.ExtentLength, clone.ExtentLength)
	t.Same(clone, t.childC.LookupLocal(ancestor.Ino))
}

func (t *LookupTest) TestCloneInodeRegularWithBlockMapAliasesByReference() {
	ancestor := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	ancestor.Bmap = map[uint64]uint64{0: 10, 1: 11}
	ancestor.PayloadBlock = 200

	clone := CloneInode(t.child, ancestor)

	t.True(clone.Shared)
	t.False(clone.BmapDirty)
	t.Equal(ancestor.PayloadBlock, clone.PayloadBlock)

	clone.Bmap[2] = 12
	t.Contains(ancestor.Bmap, uint64(2))
}

func (t *LookupTest) TestCloneInodeEmptyRegularIsPrivate() {
	ancestor := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)

	clone := CloneInode(t.child, ancestor)

	t.True(clone.Private)
	t.False(clone.Shared)
}

func (t *LookupTest) TestCloneInodeDirectoryAliasesByReference() {
	dir := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeDir|0o755, 0, 0, 0)
	dir.Dirent = dir.Dirent.Insert("a", 2)
	dir.PayloadBlock = 300

	clone := CloneInode(t.child, dir)

	t.True(clone.Shared)
	t.False(clone.DirDirty)
	t.Equal(dir.PayloadBlock, clone.PayloadBlock)
	_, hasA := clone.Dirent.Lookup("a")
	t.True(hasA)
}

func (t *LookupTest) TestGetInodeCopyIncrementsCloneCounter() {
	ancestor := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	before := t.gfs.Clones.Load()

	_, err := GetInode(t.child, t.childC, ancestor.Ino, true)
	t.Require().NoError(err)

	t.Equal(before+1, t.gfs.Clones.Load())
}

func (t *LookupTest) TestInodeAllocAssignsDistinctIncreasingNumbers() {
	a := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	b := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeRegular|0o644, 0, 0, 0)
	t.NotEqual(a.Ino, b.Ino)
	t.Less(uint64(a.Ino), uint64(b.Ino))
}

func (t *LookupTest) TestInodeAllocDirectoryStartsWithLinkCountTwo() {
	d := InodeAlloc(t.base, t.baseC, t.clk, 1, ModeDir|0o755, 0, 0, 0)
	t.Equal(uint32(2), d.Nlink)
}

// clockEpoch gives TestLookup's SimulatedClock a fixed, deterministic
// starting point.
func clockEpoch() time.Time { return time.Unix(1_700_000_000, 0) }
