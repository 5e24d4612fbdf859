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

package payload

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestPayload(t *testing.T) { suite.Run(t, new(PayloadTest)) }

type PayloadTest struct {
	suite.Suite
}

func (t *PayloadTest) TestDirInsertKeepsSortedOrder() {
	var d Dir
	d = d.Insert("c", 3)
	d = d.Insert("a", 1)
	d = d.Insert("b", 2)

	t.Require().Len(d, 3)
	t.Equal("a", d[0].Name)
	t.Equal("b", d[1].Name)
	t.Equal("c", d[2].Name)
}

func (t *PayloadTest) TestDirInsertReplacesExisting() {
	var d Dir
	d = d.Insert("a", 1)
	d = d.Insert("a", 99)

	ino, ok := d.Lookup("a")
	t.True(ok)
	t.EqualValues(99, ino)
	t.Len(d, 1)
}

func (t *PayloadTest) TestDirRemoveDeletesEntry() {
	var d Dir
	d = d.Insert("a", 1)
	d = d.Insert("b", 2)

	d = d.Remove("a")

	_, ok := d.Lookup("a")
	t.False(ok)
	remaining, ok := d.Lookup("b")
	t.True(ok)
	t.EqualValues(2, remaining)
}

func (t *PayloadTest) TestDirRemoveMissingIsNoop() {
	var d Dir
	d = d.Insert("a", 1)

	d = d.Remove("missing")

	t.Len(d, 1)
}

func (t *PayloadTest) TestDirEncodeDecodeRoundTrips() {
	var d Dir
	d = d.Insert("a", 1)
	d = d.Insert("bb", 2)

	decoded, err := DecodeDir(EncodeDir(d))
	t.Require().NoError(err)
	t.Equal(d, decoded)
}

func (t *PayloadTest) TestBlockMapCloneIsIndependent() {
	m := BlockMap{0: 10, 1: 11}
	clone := m.Clone()
	clone[0] = 99

	t.EqualValues(10, m[0])
	t.EqualValues(99, clone[0])
}

func (t *PayloadTest) TestBlockMapEncodeDecodeRoundTrips() {
	m := BlockMap{0: 10, 5: 20}
	decoded, err := DecodeBlockMap(EncodeBlockMap(m))
	t.Require().NoError(err)
	t.Equal(m, decoded)
}

func (t *PayloadTest) TestXattrsEncodeDecodeRoundTrips() {
	x := Xattrs{"user.a": []byte("1"), "user.b": []byte("22")}
	decoded, err := DecodeXattrs(EncodeXattrs(x))
	t.Require().NoError(err)
	t.Equal(x, decoded)
}
