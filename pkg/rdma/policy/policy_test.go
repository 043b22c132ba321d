// Copyright The Remus Project Authors. All Rights Reserved.
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

package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/remus-project/remus/pkg/rdma/policy"
)

func TestParseLaneKind(t *testing.T) {
	for _, name := range []string{"NONE", "MOD", "RR", "RAND", "ONE_TO_ONE"} {
		k, err := ParseLaneKind(name)
		require.NoError(t, err)
		require.Equal(t, name, k.String())
	}
	_, err := ParseLaneKind("bogus")
	require.Error(t, err)
}

func TestLaneNone(t *testing.T) {
	p := NewLanePolicy(4, 2, 1)
	require.NoError(t, p.Set(LaneNone, 1))
	for i := 0; i < 8; i++ {
		require.Equal(t, 0, p.Lane(0))
	}
}

func TestLaneMod(t *testing.T) {
	p := NewLanePolicy(3, 8, 1)
	require.NoError(t, p.Set(LaneMod, 7))
	require.Equal(t, 1, p.Lane(0))
	require.Equal(t, 1, p.Lane(0))
}

func TestLaneOneToOne(t *testing.T) {
	p := NewLanePolicy(4, 4, 1)
	require.NoError(t, p.Set(LaneOneToOne, 3))
	require.Equal(t, 3, p.Lane(0))

	short := NewLanePolicy(2, 4, 1)
	require.Error(t, short.Set(LaneOneToOne, 0))
}

func TestLaneRR(t *testing.T) {
	p := NewLanePolicy(3, 1, 2)
	require.NoError(t, p.Set(LaneRR, 0))

	// Each memory node cycles its lanes independently.
	first := p.Lane(0)
	require.Equal(t, (first+1)%3, p.Lane(0))
	require.Equal(t, (first+2)%3, p.Lane(0))
	require.Equal(t, first, p.Lane(0))

	other := p.Lane(1)
	require.Equal(t, (other+1)%3, p.Lane(1))
	require.Equal(t, (first+1)%3, p.Lane(0))
}

func TestLaneRandInRange(t *testing.T) {
	p := NewLanePolicy(4, 1, 1)
	require.NoError(t, p.Set(LaneRand, 0))
	for i := 0; i < 64; i++ {
		l := p.Lane(0)
		require.GreaterOrEqual(t, l, 0)
		require.Less(t, l, 4)
	}
}

func TestParseSegmentKind(t *testing.T) {
	for _, name := range []string{
		"NONE", "GLOBAL-MOD", "GLOBAL-RR", "RAND", "LOCAL-RR", "LOCAL-MOD",
	} {
		k, err := ParseSegmentKind(name)
		require.NoError(t, err)
		require.Equal(t, name, k.String())
	}
	_, err := ParseSegmentKind("bogus")
	require.Error(t, err)
}

// twoByTwo is a job with memory nodes 0-1 and compute nodes 2-3, two
// threads each.
var twoByTwo = Topology{
	FirstMemNode: 0,
	LastMemNode:  1,
	FirstCompute: 2,
	LastCompute:  3,
	NodeID:       3,
	Threads:      2,
}

func TestThreadUID(t *testing.T) {
	require.Equal(t, 2, twoByTwo.ThreadUID(0))
	require.Equal(t, 3, twoByTwo.ThreadUID(1))
}

func TestSegmentNone(t *testing.T) {
	p := NewSegmentPolicy(2, 2)
	require.NoError(t, p.Set(SegNone, twoByTwo, 0))
	for i := 0; i < 4; i++ {
		mn, seg := p.Next()
		require.Equal(t, 0, mn)
		require.Equal(t, 0, seg)
	}
}

func TestSegmentGlobalMod(t *testing.T) {
	// Four total segments, thread uid 3 lands on the last one and stays.
	p := NewSegmentPolicy(2, 2)
	require.NoError(t, p.Set(SegGlobalMod, twoByTwo, 1))
	for i := 0; i < 4; i++ {
		mn, seg := p.Next()
		require.Equal(t, 1, mn)
		require.Equal(t, 1, seg)
	}
}

func TestSegmentGlobalRRCoversAll(t *testing.T) {
	p := NewSegmentPolicy(2, 2)
	require.NoError(t, p.Set(SegGlobalRR, twoByTwo, 0))

	seen := map[[2]int]int{}
	for i := 0; i < 8; i++ {
		mn, seg := p.Next()
		seen[[2]int{mn, seg}]++
	}
	require.Len(t, seen, 4)
	for _, n := range seen {
		require.Equal(t, 2, n)
	}
}

func TestSegmentLocalRequiresColocation(t *testing.T) {
	p := NewSegmentPolicy(2, 2)
	require.Error(t, p.Set(SegLocalMod, twoByTwo, 0))
	require.Error(t, p.Set(SegLocalRR, twoByTwo, 0))
}

func TestSegmentLocalMod(t *testing.T) {
	colocated := Topology{
		FirstMemNode: 0,
		LastMemNode:  1,
		FirstCompute: 0,
		LastCompute:  1,
		NodeID:       1,
		Threads:      2,
	}
	p := NewSegmentPolicy(2, 2)
	require.NoError(t, p.Set(SegLocalMod, colocated, 1))
	mn, seg := p.Next()
	require.Equal(t, 1, mn)
	require.Equal(t, 1, seg)
}

func TestSegmentLocalRRStaysOnNode(t *testing.T) {
	colocated := Topology{
		FirstMemNode: 0,
		LastMemNode:  1,
		FirstCompute: 0,
		LastCompute:  1,
		NodeID:       0,
		Threads:      1,
	}
	p := NewSegmentPolicy(3, 2)
	require.NoError(t, p.Set(SegLocalRR, colocated, 0))
	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		mn, seg := p.Next()
		require.Equal(t, 0, mn)
		seen[seg] = true
	}
	require.Len(t, seen, 3)
}

func TestSegmentRandInRange(t *testing.T) {
	p := NewSegmentPolicy(2, 3)
	require.NoError(t, p.Set(SegRand, twoByTwo, 0))
	for i := 0; i < 64; i++ {
		mn, seg := p.Next()
		require.GreaterOrEqual(t, mn, 0)
		require.Less(t, mn, 3)
		require.GreaterOrEqual(t, seg, 0)
		require.Less(t, seg, 2)
	}
}
