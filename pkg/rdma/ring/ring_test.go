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

package ring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/remus-project/remus/pkg/rdma/ring"
)

func TestCounterRingAcquireRelease(t *testing.T) {
	r := NewCounterRing(4)

	var idx []int
	for i := 0; i < 4; i++ {
		n, err := r.Acquire()
		require.NoError(t, err)
		require.Equal(t, i, n)
		idx = append(idx, n)
	}

	_, err := r.Acquire()
	require.ErrorIs(t, err, ErrRingFull)

	for _, n := range idx {
		require.NoError(t, r.Release(n))
	}
	require.True(t, r.Empty())
}

func TestCounterRingOutOfOrderRelease(t *testing.T) {
	r := NewCounterRing(3)

	a, _ := r.Acquire()
	b, _ := r.Acquire()
	c, _ := r.Acquire()

	// Releasing the middle and last slots does not recycle them until the
	// first one goes too.
	require.NoError(t, r.Release(b))
	require.NoError(t, r.Release(c))
	_, err := r.Acquire()
	require.ErrorIs(t, err, ErrRingFull)

	require.NoError(t, r.Release(a))
	for i := 0; i < 3; i++ {
		_, err := r.Acquire()
		require.NoError(t, err)
	}
}

func TestCounterRingDoubleRelease(t *testing.T) {
	r := NewCounterRing(2)
	n, _ := r.Acquire()
	require.NoError(t, r.Release(n))
	require.ErrorIs(t, r.Release(n), ErrDoubleRelease)
}

func TestByteRingLinearAcquire(t *testing.T) {
	r := NewByteRing(0x1000, 256)

	a, err := r.Acquire(64, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), a)

	b, err := r.Acquire(64, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1040), b)

	require.NoError(t, r.Release(a))
	require.NoError(t, r.Release(b))
	require.True(t, r.Empty())
}

func TestByteRingAlignmentPadding(t *testing.T) {
	r := NewByteRing(0x1000, 256)

	a, err := r.Acquire(24, 8)
	require.NoError(t, err)
	b, err := r.Acquire(32, 64)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b%64)
	require.Equal(t, uint64(0x1040), b)

	require.NoError(t, r.Release(a))
	require.NoError(t, r.Release(b))
	require.True(t, r.Empty())
}

func TestByteRingWrap(t *testing.T) {
	r := NewByteRing(0x1000, 256)

	a, err := r.Acquire(128, 8)
	require.NoError(t, err)
	b, err := r.Acquire(64, 8)
	require.NoError(t, err)

	require.NoError(t, r.Release(a))

	// Tail has 64 bytes left, so a 128-byte request must wrap to the base,
	// which was freed by releasing the first allocation.
	c, err := r.Acquire(128, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), c)

	require.NoError(t, r.Release(b))
	require.NoError(t, r.Release(c))
	require.True(t, r.Empty())
}

func TestByteRingFullWithLiveAllocation(t *testing.T) {
	r := NewByteRing(0x1000, 128)

	a, err := r.Acquire(64, 8)
	require.NoError(t, err)
	_, err = r.Acquire(64, 8)
	require.NoError(t, err)

	// start == end with live allocations: nothing fits.
	_, err = r.Acquire(8, 8)
	require.ErrorIs(t, err, ErrRingFull)

	_ = a
}

func TestByteRingEmptyAfterWrapAcquires(t *testing.T) {
	// start == end with zero live allocations succeeds from the base.
	r := NewByteRing(0x1000, 128)

	a, err := r.Acquire(128, 8)
	require.NoError(t, err)
	require.NoError(t, r.Release(a))

	b, err := r.Acquire(128, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), b)
	require.NoError(t, r.Release(b))
	require.True(t, r.Empty())
}

func TestByteRingTooLarge(t *testing.T) {
	r := NewByteRing(0x1000, 128)
	_, err := r.Acquire(256, 8)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestByteRingReleaseErrors(t *testing.T) {
	r := NewByteRing(0x1000, 128)
	a, err := r.Acquire(32, 8)
	require.NoError(t, err)

	require.ErrorIs(t, r.Release(0xdead), ErrUnknownAddress)
	require.NoError(t, r.Release(a))
	require.ErrorIs(t, r.Release(a), ErrUnknownAddress)
}
