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
	"sync"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/suite"

	"github.com/lcfs-project/lcfs/internal/layerfs"
)

func TestCache(t *testing.T) { suite.Run(t, new(CacheTest)) }

type CacheTest struct {
	suite.Suite
	layer *layerfs.Layer
	cache *Cache
}

func (t *CacheTest) SetupTest() {
	gfs := layerfs.New()
	super := &layerfs.Superblock{}
	t.layer = layerfs.NewLayer(gfs, super, 1, nil)
	t.cache = NewCache(t.layer, nil, 8)
}

// LookupLocal returns the very inode record that was inserted.
func (t *CacheTest) TestLookupLocalFindsInsertedInode() {
	ino := newInode(t.layer)
	ino.Ino = 42
	t.cache.Insert(ino)

	found := t.cache.LookupLocal(42)
	t.Require().NotNil(found)
	t.Same(ino, found)
}

func (t *CacheTest) TestLookupLocalMissReturnsNil() {
	t.Nil(t.cache.LookupLocal(999))
}

func (t *CacheTest) TestBucketCountRoundsUpToPowerOfTwo() {
	c := NewCache(t.layer, nil, 5)
	t.Equal(8, c.BucketCount())
}

func (t *CacheTest) TestRemoveUnlinksFromChain() {
	a := newInode(t.layer)
	a.Ino = 1
	b := newInode(t.layer)
	b.Ino = 2
	t.cache.Insert(a)
	t.cache.Insert(b)

	t.cache.Remove(a)

	t.Nil(t.cache.LookupLocal(1))
	t.Same(b, t.cache.LookupLocal(2))
}

// Concurrent inserts across many goroutines must never leave two
// inodes resident under the same number, and every inserted number
// must be findable afterwards; run under the race detector, this
// also checks the bucket mutex serializes concurrent inserts.
func (t *CacheTest) TestConcurrentInsertIsRaceFree() {
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ino := newInode(t.layer)
			ino.Ino = fuseops.InodeID(i)
			t.cache.Insert(ino)
		}(i)
	}
	wg.Wait()

	seen := 0
	t.cache.ForEach(func(*Inode) { seen++ })
	t.Equal(n, seen)
	for i := 0; i < n; i++ {
		t.NotNil(t.cache.LookupLocal(fuseops.InodeID(i)))
	}
}

func (t *CacheTest) TestRootLookupShortcut() {
	root := newInode(t.layer)
	root.Ino = t.layer.Root
	t.cache.Insert(root)

	t.Same(root, t.cache.Lookup(t.layer.Root))
}
