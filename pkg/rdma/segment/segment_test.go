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

package segment_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/remus-project/remus/pkg/rdma/segment"
	"github.com/remus-project/remus/pkg/rdma/verbs"
)

func TestNewAligned(t *testing.T) {
	const capacity = 1 << 20
	s, err := New(capacity)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, uint64(0), s.Base()%capacity)
	require.Equal(t, uint64(capacity), s.Capacity())
	require.Len(t, s.Bytes(), capacity)
}

func TestNewRejectsOddSize(t *testing.T) {
	_, err := New(1<<20 + 1)
	require.Error(t, err)
}

func TestControlBlock(t *testing.T) {
	const capacity = 1 << 20
	s, err := New(capacity)
	require.NoError(t, err)
	defer s.Close()

	s.InitControlBlock()
	require.Equal(t, uint64(capacity), atomic.LoadUint64(s.Word(OffSize)))
	require.Equal(t, uint64(ControlBlockSize), atomic.LoadUint64(s.Word(OffAllocated)))
	require.Equal(t, uint64(0), atomic.LoadUint64(s.Word(OffControlFlag)))
	require.Equal(t, uint64(0), atomic.LoadUint64(s.Word(OffBarrier)))
	require.Equal(t, uint64(0), atomic.LoadUint64(s.Word(OffRoot)))

	// The bump counter is a plain word in segment memory.
	atomic.AddUint64(s.Word(OffAllocated), 128)
	require.Equal(t, uint64(ControlBlockSize+128), atomic.LoadUint64(s.Word(OffAllocated)))
}

func TestDistinctSegmentsDoNotOverlap(t *testing.T) {
	const capacity = 1 << 20
	a, err := New(capacity)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(capacity)
	require.NoError(t, err)
	defer b.Close()

	require.NotEqual(t, a.Base(), b.Base())
	if a.Base() < b.Base() {
		require.LessOrEqual(t, a.Base()+capacity, b.Base())
	} else {
		require.LessOrEqual(t, b.Base()+capacity, a.Base())
	}
}

func TestRegister(t *testing.T) {
	const capacity = 1 << 20
	s, err := New(capacity)
	require.NoError(t, err)
	defer s.Close()

	backend := verbs.NewSimulated()
	pd := backend.AllocPD()
	mr, err := s.Register(backend, pd)
	require.NoError(t, err)
	require.Equal(t, s.Base(), mr.Base)
	require.Equal(t, uint64(capacity), mr.Length)
	require.NotZero(t, mr.RKey)
	require.NoError(t, backend.DeregisterMR(mr))
}
