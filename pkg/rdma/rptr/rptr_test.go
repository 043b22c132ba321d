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

package rptr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/remus-project/remus/pkg/rdma/rptr"
)

func TestPackUnpack(t *testing.T) {
	type testCase struct {
		name string
		node uint16
		addr uint64
	}
	for _, tc := range []*testCase{
		{
			name: "zero node, zero address",
			node: 0,
			addr: 0,
		},
		{
			name: "small node and address",
			node: 3,
			addr: 0x1000,
		},
		{
			name: "max node id",
			node: 0xffff,
			addr: 0xdeadbeef,
		},
		{
			name: "address at 48-bit limit",
			node: 7,
			addr: AddressMask,
		},
		{
			name: "address overflowing 48 bits is masked",
			node: 7,
			addr: AddressMask + 0x42,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := New(tc.node, tc.addr)
			require.Equal(t, tc.node, p.NodeID())
			require.Equal(t, tc.addr&AddressMask, p.Address())
			require.Equal(t, p, FromRaw(p.Raw()))
		})
	}
}

func TestNull(t *testing.T) {
	require.True(t, Null.IsNull())
	require.False(t, New(0, 64).IsNull())
	require.True(t, New(0, 0).IsNull())
}

func TestArithmetic(t *testing.T) {
	p := New(5, 0x1000)

	q := Add[uint64](p, 4)
	require.Equal(t, uint16(5), q.NodeID())
	require.Equal(t, uint64(0x1000+4*8), q.Address())

	require.Equal(t, p, Sub[uint64](q, 4))

	type node struct {
		next    Ptr
		value   uint64
		padding [48]byte
	}
	r := Add[node](p, 2)
	require.Equal(t, uint64(0x1000+2*64), r.Address())
}

func TestArithmeticWrapPreservesNode(t *testing.T) {
	p := New(9, AddressMask-7)
	q := Add[uint64](p, 2)
	require.Equal(t, uint16(9), q.NodeID())
	require.Equal(t, (AddressMask-7+16)&AddressMask, q.Address())
}

func TestString(t *testing.T) {
	require.Equal(t, "<node=2, address=0x40>", New(2, 0x40).String())
}
