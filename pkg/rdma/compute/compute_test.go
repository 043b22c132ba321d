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

package compute_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/remus-project/remus/pkg/rdma/compute"
	"github.com/remus-project/remus/pkg/rdma/memnode"
	"github.com/remus-project/remus/pkg/rdma/policy"
	"github.com/remus-project/remus/pkg/rdma/rptr"
	"github.com/remus-project/remus/pkg/rdma/verbs"
)

// job wires one memory node (id 0) and one compute node (id 1) together
// over a simulated backend.
type job struct {
	ctx context.Context
	mn  *memnode.MemoryNode
	cn  *ComputeNode
}

func startJob(t *testing.T, threads int) *job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	b := verbs.NewSimulated()
	mn, err := memnode.New(ctx, b, memnode.Config{
		NodeID:            0,
		Address:           "10.0.0.1",
		Port:              4444,
		Segments:          2,
		SegSizeBits:       20,
		QPLanes:           2,
		FirstCompute:      1,
		LastCompute:       1,
		ThreadsPerCompute: threads,
	})
	require.NoError(t, err)

	cn, err := New(b, Config{
		NodeID:        1,
		QPLanes:       2,
		Threads:       threads,
		ThreadBufBits: 16,
		SegSizeBits:   20,
		SegsPerMN:     2,
		FirstMemNode:  0,
		LastMemNode:   0,
		FirstCompute:  1,
		LastCompute:   1,
		OpsPerThread:  8,
		WRsPerSeq:     16,
		LanePolicy:    policy.LaneRR,
		SegPolicy:     policy.SegNone,
	})
	require.NoError(t, err)

	require.NoError(t, cn.ConnectRemote(ctx, []Peer{
		{ID: 0, Address: "10.0.0.1", Port: 4444},
	}))
	require.NoError(t, mn.InitDone())
	return &job{ctx: ctx, mn: mn, cn: cn}
}

// finish checks the shutdown protocol: every thread checks out, then both
// nodes tear down.
func (j *job) finish(t *testing.T, threads ...*Thread) {
	t.Helper()
	for _, th := range threads {
		require.NoError(t, th.Close())
	}
	require.NoError(t, j.mn.Close(j.ctx))
	require.NoError(t, j.cn.Close())
}

func TestReadWriteRoundTrip(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	arr := AllocateArray[uint64](th, 1024)
	require.False(t, arr.IsNull())
	th.SetRoot(arr)
	require.Equal(t, arr, th.GetRoot())

	for i := int64(0); i < 1024; i++ {
		Write(th, rptr.Add[uint64](arr, i), uint64(i))
	}
	for i := int64(0); i < 1024; i++ {
		require.Equal(t, uint64(i), Read[uint64](th, rptr.Add[uint64](arr, i)))
	}

	m := th.Metrics()
	require.Equal(t, uint64(1024), m.ReadOps-1) // one extra read for the root
	require.Equal(t, uint64(1024*8), m.ReadBytes-8)

	j.finish(t, th)
}

func TestRemoteAtomics(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	p := AllocateArray[uint64](th, 1)
	Write(th, p, uint64(40))

	require.Equal(t, uint64(40), th.FetchAndAdd(p, 2))
	require.Equal(t, uint64(42), Read[uint64](th, p))

	require.Equal(t, uint64(42), th.CompareAndSwap(p, 42, 7))
	require.Equal(t, uint64(7), Read[uint64](th, p))
	// A mismatched expectation leaves the word alone.
	require.Equal(t, uint64(7), th.CompareAndSwap(p, 42, 99))
	require.Equal(t, uint64(7), Read[uint64](th, p))

	a := NewAtomic[uint64](th, p)
	a.Store(5)
	require.Equal(t, uint64(5), a.Load())
	require.Equal(t, uint64(5), a.FetchAdd(3))
	require.Equal(t, uint64(8), a.CompareExchange(8, 11))
	require.Equal(t, uint64(11), a.Load())

	j.finish(t, th)
}

func TestRootPrimitives(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	p := AllocateArray[uint64](th, 1)
	th.SetRoot(p)

	next := rptr.Add[uint64](p, 1)
	require.Equal(t, p, th.CASRoot(p, next))
	require.Equal(t, next, th.GetRoot())
	// Losing the race returns the winner without storing.
	require.Equal(t, next, th.CASRoot(p, next))
	require.Equal(t, next, th.GetRoot())

	was := th.FAARoot(8)
	require.Equal(t, next.Raw(), was)
	require.Equal(t, rptr.Add[uint64](next, 1), th.GetRoot())

	j.finish(t, th)
}

func TestSequencedBatch(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	p := AllocateArray[uint64](th, 1)
	Write(th, p, uint64(7))

	for i := 0; i < 5; i++ {
		require.Nil(t, ReadSeq[uint64](th, p, false))
	}
	got := ReadSeq[uint64](th, p, true)
	require.Len(t, got, 6)
	for _, v := range got {
		require.Equal(t, uint64(7), v)
	}

	j.finish(t, th)
}

func TestSequencedWritesExecuteInOrder(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	p := AllocateArray[uint64](th, 1)
	// Three writes chained on one lane land in issue order; the
	// terminating read observes the last one.
	WriteSeq(th, p, uint64(1), false)
	WriteSeq(th, p, uint64(2), false)
	WriteSeq(th, p, uint64(3), false)
	got := ReadSeq[uint64](th, p, true)
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0])

	j.finish(t, th)
}

func TestAsyncOps(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	p := AllocateArray[uint64](th, 2)

	w := WriteAsync(th, p, uint64(123))
	w.Await()
	require.Nil(t, w.Value())

	r := ReadAsync[uint64](th, p)
	r.Await()
	require.Equal(t, uint64(123), Value[uint64](r))

	// A sequenced batch finished asynchronously still yields one
	// completion carrying every gathered value.
	Write(th, rptr.Add[uint64](p, 1), uint64(9))
	require.Nil(t, ReadSeq[uint64](th, p, false))
	require.Nil(t, ReadSeq[uint64](th, rptr.Add[uint64](p, 1), false))
	f := th.FinishSeqAsync()
	f.Await()
	vals := f.Values()
	require.Len(t, vals, 2)
	require.Equal(t, uint64(123), Value[uint64](f))

	j.finish(t, th)
}

func TestZeroCopyOps(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	p := AllocateArray[uint64](th, 1)

	buf, err := th.Scratch(8, 8)
	require.NoError(t, err)
	Write(th, p, uint64(77))
	th.ReadInto(p, buf, 8)
	th.WriteFrom(rptr.Add[uint64](p, 0), buf, 8)
	require.Equal(t, uint64(77), Read[uint64](th, p))
	require.NoError(t, th.ReleaseScratch(buf))

	j.finish(t, th)
}

func TestAllocatorClasses(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)

	header := func(p rptr.Ptr) uint64 {
		return Read[uint64](th, rptr.Sub[uint64](p, 2))
	}

	small := th.Allocate(100)
	require.Equal(t, uint64(128), header(small)) // 116 rounded to 64s

	medium := th.Allocate(1009)
	require.Equal(t, uint64(2048), header(medium)) // 1025 rounded to 1024s

	big := th.Allocate(10000)
	require.Equal(t, uint64(10048), header(big)) // 10016 rounded to 64s

	// Blocks are disjoint even within one segment.
	require.NotEqual(t, small, medium)
	require.NotEqual(t, medium, big)

	// Reclaim feeds the thread's own freelists.
	th.Deallocate(small)
	require.Equal(t, small, th.Allocate(90))

	th.Deallocate(big)
	require.Equal(t, big, th.Allocate(9000))

	j.finish(t, th)
}

func TestAllocatorSpreadsBySegmentPolicy(t *testing.T) {
	j := startJob(t, 1)
	th, err := NewThread(j.cn)
	require.NoError(t, err)
	require.NoError(t, th.SetSegmentPolicy(policy.SegGlobalRR))

	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		p := th.Allocate(64)
		seen[p.Address()>>20] = true
		th.Deallocate(p)
		// Drain the freelist class so the next call hits the bump path.
		require.Equal(t, p, th.Allocate(64))
	}
	require.Len(t, seen, 2)

	j.finish(t, th)
}

func TestBarrier(t *testing.T) {
	j := startJob(t, 2)

	var arrived uint64
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			th, err := NewThread(j.cn)
			if err != nil {
				errs[i] = err
				return
			}
			atomic.AddUint64(&arrived, 1)
			th.Barrier()
			if n := atomic.LoadUint64(&arrived); n != 2 {
				errs[i] = errAfterBarrier(n)
				return
			}
			th.Barrier()
			errs[i] = th.Close()
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, j.mn.Close(j.ctx))
	require.NoError(t, j.cn.Close())
}

type errAfterBarrier uint64

func (e errAfterBarrier) Error() string {
	return "crossed the barrier before every thread arrived"
}

func TestConcurrentFetchAdd(t *testing.T) {
	const threads, iters = 4, 1000
	j := startJob(t, threads)

	var wg sync.WaitGroup
	errs := make([]error, threads)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			th, err := NewThread(j.cn)
			if err != nil {
				errs[i] = err
				return
			}
			if th.ID() == 0 {
				p := AllocateArray[uint64](th, 1)
				Write(th, p, uint64(0))
				th.SetRoot(p)
			}
			th.Barrier()
			counter := NewAtomic[uint64](th, th.GetRoot())
			for n := 0; n < iters; n++ {
				counter.FetchAdd(1)
			}
			th.Barrier()
			if th.ID() == 0 {
				if got := counter.Load(); got != threads*iters {
					errs[i] = errLostUpdates(got)
				}
			}
			th.Barrier()
			if errs[i] == nil {
				errs[i] = th.Close()
			} else {
				th.Close()
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, j.mn.Close(j.ctx))
	require.NoError(t, j.cn.Close())
}

type errLostUpdates uint64

func (e errLostUpdates) Error() string {
	return "shared counter lost updates"
}

func TestColocatedNode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := verbs.NewSimulated()
	mn, err := memnode.New(ctx, b, memnode.Config{
		NodeID:            0,
		Address:           "10.0.0.1",
		Port:              4444,
		Segments:          1,
		SegSizeBits:       20,
		QPLanes:           1,
		FirstCompute:      0,
		LastCompute:       0,
		ThreadsPerCompute: 1,
	})
	require.NoError(t, err)

	cn, err := New(b, Config{
		NodeID:        0,
		QPLanes:       1,
		Threads:       1,
		ThreadBufBits: 16,
		SegSizeBits:   20,
		SegsPerMN:     1,
		FirstMemNode:  0,
		LastMemNode:   0,
		FirstCompute:  0,
		LastCompute:   0,
		OpsPerThread:  8,
		WRsPerSeq:     16,
		LanePolicy:    policy.LaneNone,
		SegPolicy:     policy.SegNone,
	})
	require.NoError(t, err)

	require.NoError(t, cn.ConnectLocal(mn.PD(), mn.LocalRecords()))
	require.NoError(t, mn.InitDone())

	th, err := NewThread(cn)
	require.NoError(t, err)

	// Reads and writes take the local shortcut; atomics go through the
	// loopback lane so their atomicity matches the remote path.
	p := AllocateArray[uint64](th, 1)
	Write(th, p, uint64(3))
	require.Equal(t, uint64(3), Read[uint64](th, p))
	require.Equal(t, uint64(3), th.FetchAndAdd(p, 4))
	require.Equal(t, uint64(7), Read[uint64](th, p))

	require.NoError(t, th.Close())
	require.NoError(t, mn.Close(ctx))
	require.NoError(t, cn.Close())
}
