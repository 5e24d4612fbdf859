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

package diskio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestDiskio(t *testing.T) { suite.Run(t, new(DiskioTest)) }

type DiskioTest struct {
	suite.Suite
}

func (t *DiskioTest) openDevice(blockSize int) *FileBlockDevice {
	path := filepath.Join(t.T().TempDir(), "device.img")
	dev, err := OpenFileBlockDevice(path, blockSize)
	t.Require().NoError(err)
	t.T().Cleanup(func() { dev.Close() })
	return dev
}

func (t *DiskioTest) TestFileBlockDeviceRoundTripsWrittenBlock() {
	dev := t.openDevice(4096)

	want := make([]byte, 4096)
	for i := range want {
		want[i] = byte(i)
	}
	t.Require().NoError(dev.WriteBlock(3, want))

	got := make([]byte, 4096)
	t.Require().NoError(dev.ReadBlock(3, got))
	t.Equal(want, got)
}

func (t *DiskioTest) TestFileBlockDeviceRejectsMismatchedBufferSize() {
	dev := t.openDevice(4096)

	t.Error(dev.WriteBlock(0, make([]byte, 10)))
	t.Error(dev.ReadBlock(0, make([]byte, 10)))
}

func (t *DiskioTest) TestFileBlockDeviceBlockSize() {
	dev := t.openDevice(512)
	t.Equal(512, dev.BlockSize())
}

func (t *DiskioTest) TestBlockAllocatorHandsOutMonotonicRuns() {
	a := NewBlockAllocator(10)

	first, err := a.AllocMetadataRun(3, false)
	t.Require().NoError(err)
	t.EqualValues(10, first)

	second, err := a.AllocMetadataRun(2, false)
	t.Require().NoError(err)
	t.EqualValues(13, second)
}

func (t *DiskioTest) TestBlockAllocatorRejectsZeroLengthRun() {
	a := NewBlockAllocator(0)
	_, err := a.AllocMetadataRun(0, false)
	t.Error(err)
}

func (t *DiskioTest) TestBlockAllocatorFreeExtentsAreNeverReused() {
	a := NewBlockAllocator(0)

	first, err := a.AllocMetadataRun(4, false)
	t.Require().NoError(err)

	t.Require().NoError(a.FreeExtents([]Extent{{Block: first, Length: 4}}, true))
	t.Equal([]Extent{{Block: first, Length: 4}}, a.Freed())

	second, err := a.AllocMetadataRun(1, false)
	t.Require().NoError(err)
	t.EqualValues(4, second)
}

func (t *DiskioTest) TestMemPageCacheFlushesClusterInOrder() {
	dev := t.openDevice(8)
	cache := NewMemPageCache(dev)

	tail := &Page{Block: 1, Data: []byte("aaaaaaaa")}
	head := &Page{Block: 2, Data: []byte("bbbbbbbb"), Next: tail}

	t.Require().NoError(cache.FlushPageCluster(head, 2))

	got := make([]byte, 8)
	t.Require().NoError(dev.ReadBlock(1, got))
	t.Equal("aaaaaaaa", string(got))
	t.Require().NoError(dev.ReadBlock(2, got))
	t.Equal("bbbbbbbb", string(got))

	flushed := cache.Flushed()
	t.Require().Len(flushed, 1)
	t.EqualValues(1, flushed[0].StartBlock)
	t.Equal(2, flushed[0].Count)
}

func (t *DiskioTest) TestMemPageCacheFlushRejectsLengthMismatch() {
	cache := NewMemPageCache(t.openDevice(8))
	head := &Page{Block: 1, Data: make([]byte, 8)}

	t.Error(cache.FlushPageCluster(head, 2))
}

func (t *DiskioTest) TestMemPageCacheGetPageNewDataSizesToBlockSize() {
	cache := NewMemPageCache(t.openDevice(128))
	p := cache.GetPageNewData(7)
	t.EqualValues(7, p.Block)
	t.Len(p.Data, 128)
}

func (t *DiskioTest) TestInodeBlockRecordEncodeDecodeRoundTrips() {
	r := &InodeBlockRecord{Next: 99}
	r.Blocks[0] = 1
	r.Blocks[1] = 2
	r.Blocks[InodeBlockCapacity-1] = 3

	buf := make([]byte, EncodedSize)
	r.Encode(buf)

	decoded, err := DecodeInodeBlockRecord(buf)
	t.Require().NoError(err)
	t.Equal(r, decoded)
}

func (t *DiskioTest) TestDecodeInodeBlockRecordRejectsShortBuffer() {
	_, err := DecodeInodeBlockRecord(make([]byte, EncodedSize-1))
	t.Error(err)
}
