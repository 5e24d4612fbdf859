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

package layerfs

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestLayerfs(t *testing.T) { suite.Run(t, new(LayerfsTest)) }

type LayerfsTest struct {
	suite.Suite
}

func (t *LayerfsTest) TestNewLayerResetsInodeBlockToInvalid() {
	gfs := New()
	super := &Superblock{InodeBlock: 7}

	layer := NewLayer(gfs, super, 1, nil)

	t.Equal(InvalidBlock, layer.Super.InodeBlock)
}

func (t *LayerfsTest) TestNewLayerCarriesParentAndRoot() {
	gfs := New()
	parent := NewLayer(gfs, &Superblock{}, 1, nil)
	child := NewLayer(gfs, &Superblock{}, 2, parent)

	t.Same(parent, child.Parent)
	t.EqualValues(2, child.Root)
}

func (t *LayerfsTest) TestRegisterAndUnregister() {
	gfs := New()
	layer := NewLayer(gfs, &Superblock{}, 5, nil)

	gfs.Register(layer)
	t.Same(layer, gfs.layers[5])

	gfs.Unregister(layer)
	t.Nil(gfs.layers[5])
}

func (t *LayerfsTest) TestResidentCounter() {
	layer := NewLayer(New(), &Superblock{}, 1, nil)

	layer.IncResident(3)
	layer.IncResident(-1)

	t.EqualValues(2, layer.Resident())
}

func (t *LayerfsTest) TestFrozenAndRemovedDefaultFalse() {
	layer := NewLayer(New(), &Superblock{}, 1, nil)

	t.False(layer.Frozen.Load())
	t.False(layer.Removed.Load())

	layer.Frozen.Store(true)
	t.True(layer.Frozen.Load())
}

func (t *LayerfsTest) TestClonesCounterIsSharedAcrossLayers() {
	gfs := New()
	a := NewLayer(gfs, &Superblock{}, 1, nil)
	b := NewLayer(gfs, &Superblock{}, 2, a)

	gfs.Clones.Add(1)
	gfs.Clones.Add(1)

	t.EqualValues(2, a.GFS.Clones.Load())
	t.EqualValues(2, b.GFS.Clones.Load())
}
