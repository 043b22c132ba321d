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

package compute

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/remus-project/remus/pkg/rdma/policy"
	"github.com/remus-project/remus/pkg/rdma/ring"
	"github.com/remus-project/remus/pkg/rdma/rptr"
	"github.com/remus-project/remus/pkg/rdma/segment"
	"github.com/remus-project/remus/pkg/rdma/verbs"
	"github.com/remus-project/remus/pkg/utils"
)

// Metrics counts the operations a thread has issued. Fields are bumped
// with atomics so collectors may read them while the thread runs.
type Metrics struct {
	ReadOps    uint64
	ReadBytes  uint64
	WriteOps   uint64
	WriteBytes uint64
	CASOps     uint64
	FAAOps     uint64
}

// Thread is one compute thread: it owns its completion and sequence slot
// rings, its staging and cached buffer rings, its policies, and its
// allocator freelists. A Thread must only ever be driven from the one
// goroutine that created it.
type Thread struct {
	node *ComputeNode
	id   int
	uid  int

	lanes *policy.LanePolicy
	segs  *policy.SegmentPolicy

	ops  *ring.CounterRing
	acks []uint64

	seqRing *ring.CounterRing
	seq     *seqSlot

	staging *ring.ByteRing
	cached  *ring.ByteRing

	alloc allocator

	wcs []verbs.WorkCompletion

	metrics Metrics
	closed  bool
}

// NewThread registers the calling goroutine with the node, carves the
// thread's slice of the scratch segment into the staging and cached rings,
// and applies the configured policies.
func NewThread(n *ComputeNode) (*Thread, error) {
	id, base, size := n.RegisterThread()
	t := &Thread{
		node:    n,
		id:      id,
		uid:     n.cfg.topology().ThreadUID(id),
		lanes:   policy.NewLanePolicy(n.cfg.QPLanes, n.cfg.Threads, n.cfg.numMemNodes()),
		segs:    policy.NewSegmentPolicy(n.cfg.SegsPerMN, n.cfg.numMemNodes()),
		ops:     ring.NewCounterRing(n.cfg.OpsPerThread),
		acks:    make([]uint64, n.cfg.OpsPerThread),
		seqRing: ring.NewCounterRing(n.cfg.OpsPerThread),
		staging: ring.NewByteRing(base, size/2),
		cached:  ring.NewByteRing(base+size/2, size/2),
		wcs:     make([]verbs.WorkCompletion, 16),
	}
	t.alloc.init()
	if err := t.lanes.Set(n.cfg.LanePolicy, id); err != nil {
		return nil, err
	}
	if err := t.segs.Set(n.cfg.SegPolicy, n.cfg.topology(), id); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.threads = append(n.threads, t)
	n.mu.Unlock()
	return t, nil
}

// ID returns the thread's node-local id.
func (t *Thread) ID() int {
	return t.id
}

// UID returns the thread's job-wide id.
func (t *Thread) UID() int {
	return t.uid
}

// Metrics returns a snapshot of the thread's operation counters.
func (t *Thread) Metrics() Metrics {
	return Metrics{
		ReadOps:    atomic.LoadUint64(&t.metrics.ReadOps),
		ReadBytes:  atomic.LoadUint64(&t.metrics.ReadBytes),
		WriteOps:   atomic.LoadUint64(&t.metrics.WriteOps),
		WriteBytes: atomic.LoadUint64(&t.metrics.WriteBytes),
		CASOps:     atomic.LoadUint64(&t.metrics.CASOps),
		FAAOps:     atomic.LoadUint64(&t.metrics.FAAOps),
	}
}

// SetLanePolicy switches the lane strategy. Threads pick their policies
// once after startup; switching mid-run is not supported.
func (t *Thread) SetLanePolicy(kind policy.LaneKind) error {
	return t.lanes.Set(kind, t.id)
}

// SetSegmentPolicy switches the allocation strategy.
func (t *Thread) SetSegmentPolicy(kind policy.SegmentKind) error {
	return t.segs.Set(kind, t.node.cfg.topology(), t.id)
}

// mem views n bytes of process memory at a raw address. Valid only for
// addresses inside this process's mapped segments.
func mem(addr, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// alignFor derives the staging alignment for a transfer size.
func alignFor(size uint64) uint64 {
	if size >= 8 {
		return 8
	}
	return utils.NextPow2(size)
}

// ackAddr returns the raw address of one completion counter, carried in
// wr_id so that whichever thread drains the completion can decrement the
// right counter.
func (t *Thread) ackAddr(slot int) uint64 {
	return uint64(uintptr(unsafe.Pointer(&t.acks[slot])))
}

// decAck decrements the completion counter a work completion points at.
func decAck(wrID uint64) {
	atomic.AddUint64((*uint64)(unsafe.Pointer(uintptr(wrID))), ^uint64(0))
}

// route picks the lane for an operation on ptr and resolves the
// connection, the local key, and the remote key.
func (t *Thread) route(p rptr.Ptr) (*lane, uint32) {
	mn := int(uint32(p.NodeID()) - t.node.cfg.FirstMemNode)
	l := t.node.lane(uint32(p.NodeID()), t.lanes.Lane(mn))
	return l, t.node.RKey(p.Raw())
}

// acquireStaging takes a staging slice, failing fatally on exhaustion
// since ring capacity is part of the configured concurrency contract.
func (t *Thread) acquireStaging(size, align uint64) uint64 {
	addr, err := t.staging.Acquire(size, align)
	if err != nil {
		log.Fatalf("thread %d: staging ring: %v", t.id, err)
	}
	return addr
}

// acquireAck takes a completion slot and arms its counter.
func (t *Thread) acquireAck() int {
	slot, err := t.ops.Acquire()
	if err != nil {
		log.Fatalf("thread %d: completion ring: %v", t.id, err)
	}
	atomic.StoreUint64(&t.acks[slot], 1)
	return slot
}

// releaseAck recycles a drained completion slot.
func (t *Thread) releaseAck(slot int) {
	if err := t.ops.Release(slot); err != nil {
		log.Fatalf("thread %d: completion ring: %v", t.id, err)
	}
}

// releaseStaging recycles a staging slice.
func (t *Thread) releaseStaging(addr uint64) {
	if err := t.staging.Release(addr); err != nil {
		log.Fatalf("thread %d: staging ring: %v", t.id, err)
	}
}

// drainOnce polls the lane's completion queue one burst, decrementing the
// counter each completion carries. Any non-success status is fatal.
func (t *Thread) drainOnce(l *lane) {
	n := l.conn.PollSendCQ(t.wcs)
	for _, wc := range t.wcs[:n] {
		if wc.Status != verbs.StatusSuccess {
			log.Fatalf("thread %d: %s failed: %s", t.id, wc.Opcode, wc.Status)
		}
		decAck(wc.WRID)
	}
}

// await spins on the lane's completion queue until the given slot's
// counter drains, retiring wrs requests from the lane afterwards.
func (t *Thread) await(l *lane, slot, wrs int) {
	for atomic.LoadUint64(&t.acks[slot]) != 0 {
		t.drainOnce(l)
	}
	l.put(wrs)
}

// issue runs one synchronous one-sided operation end to end and returns
// the staging address holding its result. The caller releases the slot
// and the staging slice.
func (t *Thread) issue(p rptr.Ptr, opcode verbs.Opcode, size uint64, payload []byte, compareAdd, swap uint64) (uint64, int) {
	l, rkey := t.route(p)
	slot := t.acquireAck()
	staging := t.acquireStaging(size, alignFor(size))
	if opcode == verbs.OpWrite {
		copy(mem(staging, size), payload)
	}

	l.take(1)
	err := l.conn.PostOneSided(&verbs.SendWR{
		WRID: t.ackAddr(slot),
		SGE: verbs.SGE{
			Addr:   staging,
			Length: uint32(size),
			LKey:   l.mr.LKey,
		},
		Opcode:     opcode,
		Signaled:   true,
		Fence:      true,
		RemoteAddr: p.Address(),
		RKey:       rkey,
		CompareAdd: compareAdd,
		Swap:       swap,
	})
	if err != nil {
		log.Fatalf("thread %d: posting %s: %v", t.id, opcode, err)
	}
	t.await(l, slot, 1)
	return staging, slot
}

// local reports whether reads and writes on ptr may degrade to a plain
// memory copy. Atomics never take this shortcut so their atomicity
// matches the remote path.
func (t *Thread) local(p rptr.Ptr) bool {
	return uint32(p.NodeID()) == t.node.cfg.NodeID
}

// ReadBytes reads n bytes at ptr into a fresh local buffer.
func (t *Thread) ReadBytes(p rptr.Ptr, n uint64) []byte {
	atomic.AddUint64(&t.metrics.ReadOps, 1)
	atomic.AddUint64(&t.metrics.ReadBytes, n)
	out := make([]byte, n)
	if t.local(p) {
		copy(out, mem(p.Address(), n))
		return out
	}
	staging, slot := t.issue(p, verbs.OpRead, n, nil, 0, 0)
	copy(out, mem(staging, n))
	t.releaseStaging(staging)
	t.releaseAck(slot)
	return out
}

// WriteBytes writes data at ptr.
func (t *Thread) WriteBytes(p rptr.Ptr, data []byte) {
	n := uint64(len(data))
	atomic.AddUint64(&t.metrics.WriteOps, 1)
	atomic.AddUint64(&t.metrics.WriteBytes, n)
	if t.local(p) {
		copy(mem(p.Address(), n), data)
		return
	}
	staging, slot := t.issue(p, verbs.OpWrite, n, data, 0, 0)
	t.releaseStaging(staging)
	t.releaseAck(slot)
}

// ReadInto reads n bytes at ptr directly into a cached-ring address,
// skipping the staging copy.
func (t *Thread) ReadInto(p rptr.Ptr, local uint64, n uint64) {
	atomic.AddUint64(&t.metrics.ReadOps, 1)
	atomic.AddUint64(&t.metrics.ReadBytes, n)
	if t.local(p) {
		copy(mem(local, n), mem(p.Address(), n))
		return
	}
	t.zeroCopy(p, verbs.OpRead, local, n)
}

// WriteFrom writes n bytes at ptr directly from a cached-ring address.
func (t *Thread) WriteFrom(p rptr.Ptr, local uint64, n uint64) {
	atomic.AddUint64(&t.metrics.WriteOps, 1)
	atomic.AddUint64(&t.metrics.WriteBytes, n)
	if t.local(p) {
		copy(mem(p.Address(), n), mem(local, n))
		return
	}
	t.zeroCopy(p, verbs.OpWrite, local, n)
}

// zeroCopy issues one op with the caller's buffer as the scatter/gather
// target.
func (t *Thread) zeroCopy(p rptr.Ptr, opcode verbs.Opcode, local, n uint64) {
	l, rkey := t.route(p)
	slot := t.acquireAck()
	l.take(1)
	err := l.conn.PostOneSided(&verbs.SendWR{
		WRID: t.ackAddr(slot),
		SGE: verbs.SGE{
			Addr:   local,
			Length: uint32(n),
			LKey:   l.mr.LKey,
		},
		Opcode:     opcode,
		Signaled:   true,
		Fence:      true,
		RemoteAddr: p.Address(),
		RKey:       rkey,
	})
	if err != nil {
		log.Fatalf("thread %d: posting %s: %v", t.id, opcode, err)
	}
	t.await(l, slot, 1)
	t.releaseAck(slot)
}

// CompareAndSwap atomically replaces the 64-bit word at ptr with swap if
// it equals expected, returning the prior value.
func (t *Thread) CompareAndSwap(p rptr.Ptr, expected, swap uint64) uint64 {
	atomic.AddUint64(&t.metrics.CASOps, 1)
	return t.atomic64(p, verbs.OpCompSwap, expected, swap)
}

// FetchAndAdd atomically adds delta to the 64-bit word at ptr, returning
// the prior value.
func (t *Thread) FetchAndAdd(p rptr.Ptr, delta uint64) uint64 {
	atomic.AddUint64(&t.metrics.FAAOps, 1)
	return t.atomic64(p, verbs.OpFetchAdd, delta, 0)
}

func (t *Thread) atomic64(p rptr.Ptr, opcode verbs.Opcode, compareAdd, swap uint64) uint64 {
	staging, slot := t.issue(p, opcode, 8, nil, compareAdd, swap)
	old := atomic.LoadUint64((*uint64)(unsafe.Pointer(uintptr(staging))))
	t.releaseStaging(staging)
	t.releaseAck(slot)
	return old
}

// Scratch takes a slice of the thread's cached ring for zero-copy use.
func (t *Thread) Scratch(size, align uint64) (uint64, error) {
	return t.cached.Acquire(size, align)
}

// ReleaseScratch returns a cached-ring slice.
func (t *Thread) ReleaseScratch(addr uint64) error {
	return t.cached.Release(addr)
}

// SetRoot publishes a remote pointer in the root slot of segment 0 on the
// first memory node.
func (t *Thread) SetRoot(p rptr.Ptr) {
	raw := p.Raw()
	t.WriteBytes(t.node.rootPtr(segment.OffRoot),
		unsafe.Slice((*byte)(unsafe.Pointer(&raw)), 8))
}

// GetRoot reads the published root pointer.
func (t *Thread) GetRoot() rptr.Ptr {
	b := t.ReadBytes(t.node.rootPtr(segment.OffRoot), 8)
	return rptr.FromRaw(*(*uint64)(unsafe.Pointer(&b[0])))
}

// CASRoot atomically installs next in the root slot if it still holds
// old, returning the prior value.
func (t *Thread) CASRoot(old, next rptr.Ptr) rptr.Ptr {
	return rptr.FromRaw(t.CompareAndSwap(t.node.rootPtr(segment.OffRoot), old.Raw(), next.Raw()))
}

// FAARoot atomically adds delta to the raw root word, returning the prior
// value.
func (t *Thread) FAARoot(delta uint64) uint64 {
	return t.FetchAndAdd(t.node.rootPtr(segment.OffRoot), delta)
}

// Barrier blocks until every compute thread in the job has arrived. The
// barrier word is sense reversing: arrivals bump it by 2, the low bit is
// the sense, and the last arriver resets the count by writing the flipped
// sense alone.
func (t *Thread) Barrier() {
	bp := t.node.rootPtr(segment.OffBarrier)
	was := t.FetchAndAdd(bp, 2)
	sense := was&1 ^ 1
	if was>>1 == uint64(t.node.cfg.totalThreads()-1) {
		word := sense
		t.WriteBytes(bp, unsafe.Slice((*byte)(unsafe.Pointer(&word)), 8))
		return
	}
	for {
		b := t.ReadBytes(bp, 8)
		if *(*uint64)(unsafe.Pointer(&b[0]))&1 == sense {
			return
		}
	}
}

// Close checks this thread out of the job: it bumps the control flag of
// every memory node's segment 0 and verifies that every ring slot was
// returned.
func (t *Thread) Close() error {
	if t.closed {
		return fmt.Errorf("compute: thread %d closed twice", t.id)
	}
	t.closed = true
	cfg := &t.node.cfg
	for mn := cfg.FirstMemNode; mn <= cfg.LastMemNode; mn++ {
		t.FetchAndAdd(rptr.New(uint16(mn),
			t.node.SegmentBase(mn, 0)+segment.OffControlFlag), 1)
	}
	if t.seq != nil {
		return fmt.Errorf("compute: thread %d closed with an open sequence", t.id)
	}
	if !t.ops.Empty() || !t.seqRing.Empty() || !t.staging.Empty() || !t.cached.Empty() {
		return fmt.Errorf("compute: thread %d leaked ring slots", t.id)
	}
	return nil
}
